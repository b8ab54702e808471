// Package config loads process configuration from ROBOINV_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendNATS     Backend = "nats"
)

type Config struct {
	Backend           Backend       `env:"ROBOINV_BACKEND"            envDefault:"memory"`
	SQLitePath        string        `env:"ROBOINV_SQLITE_PATH"        envDefault:"roboinv.db"`
	PostgresDSN       string        `env:"ROBOINV_POSTGRES_DSN"`
	NatsURL           string        `env:"ROBOINV_NATS_URL"           envDefault:"nats://127.0.0.1:4222"`
	SnapshotThreshold uint64        `env:"ROBOINV_SNAPSHOT_THRESHOLD" envDefault:"50"`
	LockTimeout       time.Duration `env:"ROBOINV_LOCK_TIMEOUT"       envDefault:"5s"`
	LogLevel          slog.Level    `env:"ROBOINV_LOG_LEVEL"          envDefault:"info"`
	MetricsAddr       string        `env:"ROBOINV_METRICS_ADDR"       envDefault:":9090"`
	BalanceConvention string        `env:"ROBOINV_BALANCE_CONVENTION" envDefault:"additive"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the process configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Backend = Backend(strings.ToLower(strings.TrimSpace(string(cfg.Backend))))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("ROBOINV_SQLITE_PATH is required for the sqlite backend"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("ROBOINV_POSTGRES_DSN is required for the postgres backend"))
		}
	case BackendNATS:
		if strings.TrimSpace(c.NatsURL) == "" {
			errs = append(errs, errors.New("ROBOINV_NATS_URL is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ROBOINV_LOCK_TIMEOUT must be positive, got %s", c.LockTimeout))
	}
	return errors.Join(errs...)
}

// Logger returns a text logger writing to w at the configured level.
func (c Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.LogLevel}))
}
