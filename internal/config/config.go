package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	ErrInvalidPort        = errors.New("PORT must be between 1 and 65535")
	ErrInvalidDBDriver    = errors.New("DB_DRIVER must be 'postgres' or 'sqlite'")
	ErrNegativeDelay      = errors.New("THINK_DELAY and STREAM_WORD_DELAY must not be negative")
	ErrInvalidConcurrency = errors.New("WORKER_CONCURRENCY must be > 0")
)

type Config struct {
	HTTP   HTTPConfig
	Brain  BrainConfig
	Redis  RedisConfig
	DB     DBConfig
	Worker WorkerConfig
	Rate   RateConfig
	Log    LogConfig
}

type HTTPConfig struct {
	ListenAddr      string
	AllowedOrigins  []string
	StreamWordDelay time.Duration
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type BrainConfig struct {
	ThinkDelay time.Duration
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	QueueStream string
	QueueGroup  string
	QueueBlock  time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
	ClaimIdle    time.Duration
}

type RateConfig struct {
	PerHour int64
}

type LogConfig struct {
	Level string
}

// RedisEnabled reports whether a Redis address was configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// QueryLogEnabled reports whether processed queries are published and stored.
func (c *Config) QueryLogEnabled() bool {
	return c.RedisEnabled() && c.DB.DSN != ""
}

// RateLimitEnabled reports whether per-user quotas are enforced.
func (c *Config) RateLimitEnabled() bool {
	return c.RedisEnabled() && c.Rate.PerHour > 0
}

func Load() (*Config, error) {
	port := mustInt("PORT", 8000)
	cfg := &Config{
		HTTP: HTTPConfig{
			ListenAddr:      mustEnv("LISTEN_ADDR", fmt.Sprintf("0.0.0.0:%d", port)),
			AllowedOrigins:  splitList(mustEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5000")),
			StreamWordDelay: mustDuration("STREAM_WORD_DELAY", 30*time.Millisecond),
			ReadTimeout:     mustDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			ShutdownTimeout: mustDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Brain: BrainConfig{
			ThinkDelay: mustDuration("THINK_DELAY", 500*time.Millisecond),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", ""),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			QueueStream: mustEnv("QUEUE_STREAM", "aerobrain:queries"),
			QueueGroup:  mustEnv("QUEUE_GROUP", "aerobrain-loggers"),
			QueueBlock:  mustDuration("QUEUE_BLOCK", 5*time.Second),
		},
		DB: DBConfig{
			Driver:      normalizeDriver(mustEnv("DB_DRIVER", DriverSQLite)),
			DSN:         mustEnv("DB_DSN", ""),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 2),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 3),
			ClaimIdle:    mustDuration("WORKER_CLAIM_IDLE", time.Minute),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("RATE_LIMIT_PER_HOUR", 0)),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if port < 1 || port > 65535 {
		return nil, ErrInvalidPort
	}
	if cfg.DB.Driver != DriverPostgres && cfg.DB.Driver != DriverSQLite {
		return nil, ErrInvalidDBDriver
	}
	if cfg.Brain.ThinkDelay < 0 || cfg.HTTP.StreamWordDelay < 0 {
		return nil, ErrNegativeDelay
	}
	if cfg.Worker.Concurrency < 1 {
		return nil, ErrInvalidConcurrency
	}
	if cfg.Worker.MaxRetries < 0 {
		cfg.Worker.MaxRetries = 0
	}

	return cfg, nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return DriverPostgres
	case "sqlite", "sqlite3":
		return DriverSQLite
	default:
		return d
	}
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
