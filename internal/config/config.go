package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Store
	// ----------------------------
	Store       string `envconfig:"STORE" default:"postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`

	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost          string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort          int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser          string `envconfig:"SMTP_USER" default:""`
	SMTPPassword      string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom          string `envconfig:"SMTP_FROM" default:"noreply@mailroom.local"`
	SMTPSkipTLSVerify bool   `envconfig:"SMTP_SKIP_TLS_VERIFY" default:"false"`

	// ----------------------------
	// Connection pool
	// ----------------------------
	PoolSize        int           `envconfig:"POOL_SIZE" default:"5"`
	PoolMaxMessages int           `envconfig:"POOL_MAX_MESSAGES" default:"100"`
	PoolIdleTimeout time.Duration `envconfig:"POOL_IDLE_TIMEOUT" default:"2m"`
	SendTimeout     time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`

	// ----------------------------
	// Worker
	// ----------------------------
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	BatchLimit        int           `envconfig:"BATCH_LIMIT" default:"25"`
	MaxConcurrent     int           `envconfig:"MAX_CONCURRENT" default:"5"`
	RateLimit         int           `envconfig:"RATE_LIMIT" default:"10"`
	LeaseTimeout      time.Duration `envconfig:"LEASE_TIMEOUT" default:"5m"`
	ReapInterval      time.Duration `envconfig:"REAP_INTERVAL" default:"1m"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`

	// ----------------------------
	// Retry policy
	// ----------------------------
	RetryBaseDelay time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1m"`
	RetryMaxDelay  time.Duration `envconfig:"RETRY_MAX_DELAY" default:"30m"`

	// ----------------------------
	// Templates
	// ----------------------------
	TemplateDir string `envconfig:"TEMPLATE_DIR" default:"templates"`

	// ----------------------------
	// HTTP
	// ----------------------------
	APIPort     string `envconfig:"API_PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
}

// Load reads configuration from the environment, with an optional .env
// file for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.Store != "postgres" && cfg.Store != "memory" {
		return nil, fmt.Errorf("unknown STORE %q (want postgres or memory)", cfg.Store)
	}
	if cfg.Store == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required with STORE=postgres")
	}
	return &cfg, nil
}
