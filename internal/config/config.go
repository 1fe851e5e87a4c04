package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// DBSource selects PostgreSQL. When empty the in-memory store is used.
	DBSource string
	Port     string
	Env      string

	JWTSecret      string
	BootstrapAdmin string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string

	LockTimeout         time.Duration
	MaxAmount           int64
	DailyOutflowLimit   int64
	MonthlyOutflowLimit int64
	ReportCacheTTL      time.Duration
	SnapshotPath        string
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// Load reads configuration from the environment, after loading a .env file
// when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not read .env file", "error", err)
	}

	cfg := &Config{
		DBSource:       getEnv("DB_SOURCE", ""),
		Port:           getEnv("SERVER_PORT", "8080"),
		Env:            getEnv("ENVIRONMENT", "development"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		BootstrapAdmin: getEnv("BOOTSTRAP_ADMIN", "admin"),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisStream:    getEnv("REDIS_STREAM", "ledger.events"),
		SnapshotPath:   getEnv("SNAPSHOT_PATH", ""),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = getDuration("LOCK_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReportCacheTTL, err = getDuration("REPORT_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxAmount, err = getInt64("MAX_OPERATION_AMOUNT", 0); err != nil {
		return nil, err
	}
	if cfg.DailyOutflowLimit, err = getInt64("DAILY_OUTFLOW_LIMIT", 0); err != nil {
		return nil, err
	}
	if cfg.MonthlyOutflowLimit, err = getInt64("MONTHLY_OUTFLOW_LIMIT", 0); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("JWT_SECRET environment variable is required outside development")
		}
		cfg.JWTSecret = "development-secret"
		slog.Warn("JWT_SECRET not set, using development secret")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
