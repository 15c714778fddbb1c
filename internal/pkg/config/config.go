package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all syncd configuration.
type Config struct {
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	StoreDriver      string        `env:"STORE_DRIVER" envDefault:"sqlite"` // sqlite on devices, postgres on clinic hubs
	StoreDSN         string        `env:"STORE_DSN" envDefault:"localcore.db"`
	RemoteBaseURL    string        `env:"REMOTE_BASE_URL,required"`
	RemoteTimeout    time.Duration `env:"REMOTE_TIMEOUT" envDefault:"30s"`
	RedisAddr        string        `env:"REDIS_ADDR"` // optional fast-tier session cache
	TenantID         string        `env:"TENANT_ID,required"`
	PracticeID       string        `env:"PRACTICE_ID,required"`
	UserID           string        `env:"USER_ID,required"`
	DrainInterval    time.Duration `env:"DRAIN_INTERVAL" envDefault:"15s"`
	DrainRatePerSec  float64       `env:"DRAIN_RATE_PER_SEC" envDefault:"20"`
	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"5"`
	RetryBackoffBase time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"2s"`
	RetentionWindow  time.Duration `env:"RETENTION_WINDOW" envDefault:"168h"` // 7 days of completed ops
	PermissionTTL    time.Duration `env:"PERMISSION_TTL" envDefault:"15m"`
	SessionCacheTTL  time.Duration `env:"SESSION_CACHE_TTL" envDefault:"10m"`
	AdminAddr        string        `env:"ADMIN_ADDR" envDefault:":9091"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
