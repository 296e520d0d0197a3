package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/reel-forge/internal/config"
)

var (
	failureWindow      = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxFailureAttempts = 10
)

// ContextTenantKey は、ハンドラー間で認証済みテナントを共有するためのキーです。
const ContextTenantKey = "auth.tenant"

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func newErrorBody(message string) errorBody {
	var b errorBody
	b.Error.Message = message
	b.Error.Type = "invalid_request_error"
	return b
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と失敗回数の状態をまとめた構造体です。
type Manager struct {
	authenticator Authenticator
	logger        *zap.Logger
	now           func() time.Time

	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は設定の AUTH_MODE に応じた認証マネージャーを作成します。
func NewManager(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	var (
		a   Authenticator
		err error
	)
	switch cfg.AuthMode {
	case "", "none":
		a = NoneAuthenticator{}
	case "static":
		a, err = NewStaticAuthenticator(cfg.APIKeys)
	case "jwt":
		a, err = NewJWTAuthenticator(cfg.JWTSecret)
	default:
		err = fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
	if err != nil {
		return nil, err
	}
	return NewManagerWith(a, logger), nil
}

// NewManagerWith は任意の Authenticator でマネージャーを作成します。
func NewManagerWith(a Authenticator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		authenticator: a,
		logger:        logger.Named("auth"),
		now:           time.Now,
		attempts:      make(map[string]*attemptState),
	}
}

// RequireBearer は Authorization: Bearer ヘッダーを検証するミドルウェアを返します。
func (m *Manager) RequireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := m.authenticator.(NoneAuthenticator); ok {
			c.Set(ContextTenantKey, DefaultTenant)
			c.Next()
			return
		}

		ip := c.ClientIP()
		if retryAfter := m.checkLock(ip); retryAfter > 0 {
			// Retry-After は秒数で返す
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, newErrorBody("Too many failed authentication attempts. Please try again later."))
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorBody("You didn't provide an API key. Provide it in the Authorization header using Bearer auth."))
			return
		}

		tenant, err := m.authenticator.Authenticate(token)
		if err != nil {
			m.recordFailure(ip)
			m.logger.Debug("authentication failed", zap.String("ip", ip), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorBody("Incorrect API key provided."))
			return
		}

		m.resetAttempts(ip)
		c.Set(ContextTenantKey, tenant)
		c.Next()
	}
}

// TenantFrom はコンテキストから認証済みテナントを取り出します。
func TenantFrom(c *gin.Context) string {
	if v := c.GetString(ContextTenantKey); v != "" {
		return v
	}
	return DefaultTenant
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	m.pruneLocked(now)
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > failureWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxFailureAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxFailureAttempts
	}
}

// pruneLocked は期限切れの失敗記録を取り除きます。m.lock を保持して呼びます。
func (m *Manager) pruneLocked(now time.Time) {
	for ip, state := range m.attempts {
		if now.Sub(state.firstAttempt) > failureWindow && now.After(state.lockedUntil) {
			delete(m.attempts, ip)
		}
	}
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}
