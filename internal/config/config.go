// Package config loads server settings from CLAVIGER_* environment
// variables, optionally preloaded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zone database for hosts without /usr/share/zoneinfo

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string // empty disables the gRPC health listener

	Env    string // "dev" | "prod"
	Store  string // memory | sqlite | postgres
	DBPath string // sqlite file, e.g. "./data/claviger.db"
	PgDSN  string

	// Institution time zone used for every window comparison.
	TimeZone string

	JWTSecret string // empty = unauthenticated dev operator

	PolicyCacheTTL  time.Duration // 0 disables the cache
	PolicyCacheSize int

	// Decision log retention
	DecisionRetentionDays int // 0 = keep forever
	PruneIntervalHours    int

	LogLevel  slog.Level
	LogFormat string // json | text

	ShutdownTimeout time.Duration
}

// LoadEnvFile preloads variables from path without overriding ones already
// set in the process environment. A missing default .env is not an error.
func LoadEnvFile(path string, required bool) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !required && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr: getenvDefault("CLAVIGER_HTTP_ADDR", ":8080"),
		GRPCAddr: os.Getenv("CLAVIGER_GRPC_ADDR"),

		Env:    strings.ToLower(getenvDefault("CLAVIGER_ENV", "dev")),
		Store:  strings.ToLower(getenvDefault("CLAVIGER_STORE", StoreSQLite)),
		DBPath: getenvDefault("CLAVIGER_DB_PATH", "./data/claviger.db"),
		PgDSN:  os.Getenv("CLAVIGER_PG_DSN"),

		TimeZone:  getenvDefault("CLAVIGER_TZ", "America/Sao_Paulo"),
		JWTSecret: os.Getenv("CLAVIGER_JWT_SECRET"),

		LogFormat: strings.ToLower(getenvDefault("CLAVIGER_LOG_FORMAT", "json")),
	}
	if _, set := os.LookupEnv("CLAVIGER_GRPC_ADDR"); !set {
		cfg.GRPCAddr = ":9090"
	}

	var err error
	if cfg.PolicyCacheTTL, err = getenvDuration("CLAVIGER_POLICY_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.PolicyCacheSize, err = getenvInt("CLAVIGER_POLICY_CACHE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.DecisionRetentionDays, err = getenvInt("CLAVIGER_DECISION_RETENTION_DAYS", 90); err != nil {
		return nil, err
	}
	if cfg.PruneIntervalHours, err = getenvInt("CLAVIGER_PRUNE_INTERVAL_HOURS", 6); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getenvDuration("CLAVIGER_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = parseLogLevel(getenvDefault("CLAVIGER_LOG_LEVEL", "info")); err != nil {
		return nil, fmt.Errorf("CLAVIGER_LOG_LEVEL: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Env != "dev" && c.Env != "prod" {
		return fmt.Errorf("CLAVIGER_ENV: unknown environment %q (dev, prod)", c.Env)
	}
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.PgDSN == "" {
			return errors.New("CLAVIGER_PG_DSN is required when CLAVIGER_STORE=postgres")
		}
	default:
		return fmt.Errorf("CLAVIGER_STORE: unknown store %q (memory, sqlite, postgres)", c.Store)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("CLAVIGER_LOG_FORMAT: unknown format %q (json, text)", c.LogFormat)
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("CLAVIGER_TZ: %w", err)
	}
	if c.Env == "prod" && c.JWTSecret == "" {
		return errors.New("CLAVIGER_JWT_SECRET is required in prod")
	}
	if c.PruneIntervalHours == 0 {
		return errors.New("CLAVIGER_PRUNE_INTERVAL_HOURS must be > 0")
	}
	return nil
}

// Location returns the configured institution time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SetupLogger builds the process logger and installs it as the slog default.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With(slog.String("service", "claviger-server"))
	slog.SetDefault(logger)
	return logger
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: expected a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s: expected a duration such as 30s or 5m, got %q", key, v)
	}
	return d, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q (debug, info, warn, error)", level)
	}
}
