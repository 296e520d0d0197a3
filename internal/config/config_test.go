package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GIN_MODE", "test")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, "local", cfg.QueueDriver)
	assert.Equal(t, "simulator", cfg.BackendDriver)
	assert.Equal(t, 24*time.Hour, cfg.RetentionWindow)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, int64(10<<20), cfg.MaxReferenceBytes)
	assert.Equal(t, []string{"forbidden"}, cfg.SimulatorBlockedTerms)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GIN_MODE", "test")
	t.Setenv("STORE_DRIVER", "redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("RETENTION_WINDOW", "90m")
	t.Setenv("API_KEYS", "acme:$2a$10$abc,globex:$2a$10$def")
	t.Setenv("AUTH_MODE", "static")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.StoreDriver)
	assert.Equal(t, 90*time.Minute, cfg.RetentionWindow)
	assert.Len(t, cfg.APIKeys, 2)
	assert.True(t, cfg.NeedsRedis())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:              "8080",
			GinMode:           "debug",
			LogLevel:          "info",
			StoreDriver:       "memory",
			BlobDriver:        "local",
			QueueDriver:       "local",
			WorkerConcurrency: 1,
			PollInterval:      time.Second,
			JobTimeout:        time.Minute,
			BackendDriver:     "simulator",
			BackendTimeout:    time.Second,
			BackendRetryBase:  time.Millisecond,
			RetentionWindow:   time.Hour,
			SweepInterval:     time.Minute,
			MaxReferenceBytes: 1,
			MaxMetadataBytes:  1,
			MaxSeconds:        1,
			AuthMode:          "none",
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"unknown store":          func(c *Config) { c.StoreDriver = "sqlite" },
		"postgres without dsn":   func(c *Config) { c.StoreDriver = "postgres" },
		"minio without endpoint": func(c *Config) { c.BlobDriver = "minio" },
		"http without url":       func(c *Config) { c.BackendDriver = "http" },
		"static without keys":    func(c *Config) { c.AuthMode = "static" },
		"malformed key":          func(c *Config) { c.AuthMode = "static"; c.APIKeys = []string{"nohash"} },
		"jwt without secret":     func(c *Config) { c.AuthMode = "jwt" },
		"release without auth":   func(c *Config) { c.GinMode = "release" },
		"zero retention":         func(c *Config) { c.RetentionWindow = 0 },
		"non numeric port":       func(c *Config) { c.Port = "http" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	c := &Config{CORSAllowedOrigins: " http://a.test , ,http://b.test"}
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, c.AllowedOrigins())
}
