package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all engine configuration loaded from environment variables.
type Config struct {
	IndexerURL string `envconfig:"SATSYNC_INDEXER_URL" default:"https://ordinals.1sat.app"`
	AccountID  string `envconfig:"SATSYNC_ACCOUNT_ID" default:"default"`
	Owners     string `envconfig:"SATSYNC_OWNERS"`

	DataDir      string `envconfig:"SATSYNC_DATA_DIR" default:"./data"`
	QueueBackend string `envconfig:"SATSYNC_QUEUE_BACKEND" default:"sqlite"`
	BatchSize    int    `envconfig:"SATSYNC_BATCH_SIZE" default:"20"`

	Port     int    `envconfig:"SATSYNC_PORT" default:"8080"`
	LogLevel string `envconfig:"SATSYNC_LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"SATSYNC_LOG_DIR" default:"./logs"`
}

// Load reads configuration from .env file (if present) then from environment
// variables. Environment variables override .env values.
func Load() (*Config, error) {
	// godotenv does NOT override already-set env vars, so real environment
	// variables take precedence over .env values.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			slog.Warn("failed to load .env file", "error", err)
		} else {
			slog.Info("loaded .env file")
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.IndexerURL == "" {
		return fmt.Errorf("%w: indexer URL must be set", ErrInvalidConfig)
	}
	if c.QueueBackend != QueueBackendSQLite && c.QueueBackend != QueueBackendPebble {
		return fmt.Errorf("%w: queue backend must be %q or %q, got %q",
			ErrInvalidConfig, QueueBackendSQLite, QueueBackendPebble, c.QueueBackend)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// OwnerList splits the comma-separated SATSYNC_OWNERS value.
func (c *Config) OwnerList() []string {
	if c.Owners == "" {
		return nil
	}
	parts := strings.Split(c.Owners, ",")
	owners := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			owners = append(owners, p)
		}
	}
	return owners
}
