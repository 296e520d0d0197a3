// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string `envconfig:"PORT" default:"8080" validate:"required,numeric"`
	GinMode  string `envconfig:"GIN_MODE" default:"debug" validate:"oneof=debug release test"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// CORS設定
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:5173"`

	// ジョブストア
	StoreDriver string `envconfig:"STORE_DRIVER" default:"memory" validate:"oneof=memory redis postgres"`
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://127.0.0.1:6379/0"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// ブロブストレージ
	BlobDriver  string `envconfig:"BLOB_DRIVER" default:"local" validate:"oneof=local minio"`
	BlobRoot    string `envconfig:"BLOB_ROOT" default:"/tmp/reel-forge"`
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"videos"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`

	// ディスパッチ
	QueueDriver       string        `envconfig:"QUEUE_DRIVER" default:"local" validate:"oneof=local asynq"`
	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"4" validate:"min=1"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"2s" validate:"gt=0"`
	JobTimeout        time.Duration `envconfig:"JOB_TIMEOUT" default:"15m" validate:"gt=0"`

	// 合成バックエンド
	BackendDriver     string        `envconfig:"BACKEND_DRIVER" default:"simulator" validate:"oneof=simulator http"`
	BackendURL        string        `envconfig:"BACKEND_URL"`
	BackendAPIKey     string        `envconfig:"BACKEND_API_KEY"`
	BackendTimeout    time.Duration `envconfig:"BACKEND_TIMEOUT" default:"30s" validate:"gt=0"`
	BackendMaxRetries int           `envconfig:"BACKEND_MAX_RETRIES" default:"5" validate:"min=0"`
	BackendRetryBase  time.Duration `envconfig:"BACKEND_RETRY_BASE" default:"500ms" validate:"gt=0"`

	SimulatorDuration     time.Duration `envconfig:"SIMULATOR_DURATION" default:"20s"`
	SimulatorBlockedTerms []string      `envconfig:"SIMULATOR_BLOCKED_TERMS" default:"forbidden"`
	SimulatorFailingTerms []string      `envconfig:"SIMULATOR_FAILING_TERMS"`

	// 保持期限
	RetentionWindow time.Duration `envconfig:"RETENTION_WINDOW" default:"24h" validate:"gt=0"`
	ExpiredGrace    time.Duration `envconfig:"EXPIRED_GRACE" default:"1h" validate:"min=0"`
	SweepInterval   time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m" validate:"gt=0"`

	// 入力制限
	MaxReferenceBytes int64 `envconfig:"MAX_REFERENCE_BYTES" default:"10485760" validate:"gt=0"` // 10MB
	MaxMetadataBytes  int   `envconfig:"MAX_METADATA_BYTES" default:"16384" validate:"gt=0"`
	MaxSeconds        int   `envconfig:"MAX_SECONDS" default:"25" validate:"gt=0"`

	// 認証
	AuthMode  string   `envconfig:"AUTH_MODE" default:"none" validate:"oneof=none static jwt"`
	APIKeys   []string `envconfig:"API_KEYS"` // tenant:bcrypt-hash
	JWTSecret string   `envconfig:"JWT_SECRET"`
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{}
	if err := envconfig.Process("", config); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.NeedsRedis() && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when STORE_DRIVER=redis or QUEUE_DRIVER=asynq")
	}
	if c.StoreDriver == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
	}
	if c.BlobDriver == "minio" && c.S3Endpoint == "" {
		return fmt.Errorf("S3_ENDPOINT is required when BLOB_DRIVER=minio")
	}
	if c.BackendDriver == "http" && c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required when BACKEND_DRIVER=http")
	}
	switch c.AuthMode {
	case "static":
		if len(c.APIKeys) == 0 {
			return fmt.Errorf("API_KEYS is required when AUTH_MODE=static")
		}
		for _, entry := range c.APIKeys {
			if tenant, hash, ok := strings.Cut(entry, ":"); !ok || tenant == "" || hash == "" {
				return fmt.Errorf("API_KEYS entry %q must be tenant:bcrypt-hash", entry)
			}
		}
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when AUTH_MODE=jwt")
		}
	}

	// 本番環境では認証なし・プロセス内ストアを許可しない
	if c.GinMode == "release" {
		if c.AuthMode == "none" {
			return fmt.Errorf("AUTH_MODE=none is not allowed in release mode")
		}
		if c.StoreDriver == "memory" && c.QueueDriver == "asynq" {
			return fmt.Errorf("STORE_DRIVER=memory cannot be shared with asynq workers")
		}
	}

	return nil
}

// NeedsRedis は Redis 接続が必要な構成かを返します。
func (c *Config) NeedsRedis() bool {
	return c.StoreDriver == "redis" || c.QueueDriver == "asynq"
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
