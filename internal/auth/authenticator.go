// Package auth は Bearer トークンによる認証とテナントの解決を提供します。
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTenant は認証無効時に割り当てるテナントです。
const DefaultTenant = "default"

// ErrInvalidToken はトークンを検証できなかった場合に返されます。
var ErrInvalidToken = errors.New("invalid bearer token")

// Authenticator は Bearer トークンを検証し、テナント名を返します。
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// NoneAuthenticator はすべてのリクエストを既定テナントとして扱います。
type NoneAuthenticator struct{}

func (NoneAuthenticator) Authenticate(string) (string, error) {
	return DefaultTenant, nil
}

type apiKey struct {
	tenant string
	hash   []byte
}

// StaticAuthenticator は "tenant:bcrypt-hash" 形式の API キー一覧で認証します。
// bcrypt は遅いため、一致したトークンは SHA-256 ダイジェストでキャッシュします。
type StaticAuthenticator struct {
	keys  []apiKey
	cache sync.Map
}

// NewStaticAuthenticator は API キー定義を解析します。
func NewStaticAuthenticator(entries []string) (*StaticAuthenticator, error) {
	a := &StaticAuthenticator{}
	for _, entry := range entries {
		tenant, hash, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || tenant == "" || hash == "" {
			return nil, fmt.Errorf("api key entry must be tenant:bcrypt-hash, got %q", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("api key for tenant %q is not a bcrypt hash: %w", tenant, err)
		}
		a.keys = append(a.keys, apiKey{tenant: tenant, hash: []byte(hash)})
	}
	if len(a.keys) == 0 {
		return nil, errors.New("at least one api key is required")
	}
	return a, nil
}

func (a *StaticAuthenticator) Authenticate(token string) (string, error) {
	sum := sha256.Sum256([]byte(token))
	digest := hex.EncodeToString(sum[:])
	if tenant, ok := a.cache.Load(digest); ok {
		return tenant.(string), nil
	}
	for _, k := range a.keys {
		if bcrypt.CompareHashAndPassword(k.hash, []byte(token)) == nil {
			a.cache.Store(digest, k.tenant)
			return k.tenant, nil
		}
	}
	return "", ErrInvalidToken
}

// JWTAuthenticator は HS256 署名の JWT を検証し、sub をテナントとして扱います。
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator は共有シークレットで JWTAuthenticator を作成します。
func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTAuthenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}, nil
}

func (a *JWTAuthenticator) Authenticate(token string) (string, error) {
	var claims jwt.RegisteredClaims
	t, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !t.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// IssueToken はテナント用の HS256 トークンを発行します。
func IssueToken(secret, tenant string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" || tenant == "" {
		return "", errors.New("secret and tenant are required")
	}
	claims := jwt.RegisteredClaims{
		Subject:   tenant,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    "reel-forge",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
