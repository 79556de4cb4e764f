package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures everything main needs to wire the service.
type Config struct {
	Addr        string
	Environment string

	// Timezone is the deployment's civil timezone. Shard keys are derived from
	// the local calendar day in this zone, never UTC.
	Timezone string

	Redis       RedisConfig
	PostgresURL string

	KafkaBrokers []string
	KafkaTopic   string

	// CancelSecretHash is the bcrypt hash of the shared front-desk cancellation
	// secret. CancelSecret (plaintext) is accepted for development only.
	CancelSecretHash string
	CancelSecret     string

	// SearchWindowDays bounds how far back a text search without an explicit
	// date fans out.
	SearchWindowDays int

	// DebounceInterval coalesces rapid filter/live-view changes before the
	// reconciler issues new historical fetches.
	DebounceInterval time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	cfg := Config{
		Addr:             envOr("OPDESK_ADDR", ":8080"),
		Environment:      envOr("ENVIRONMENT", "development"),
		Timezone:         envOr("OPDESK_TIMEZONE", "Asia/Kolkata"),
		PostgresURL:      os.Getenv("OPDESK_POSTGRES_URL"),
		KafkaTopic:       envOr("OPDESK_KAFKA_TOPIC", "opdesk.visit-notices"),
		CancelSecretHash: os.Getenv("OPDESK_CANCEL_SECRET_HASH"),
		CancelSecret:     os.Getenv("OPDESK_CANCEL_SECRET"),
		SearchWindowDays: envIntOr("OPDESK_SEARCH_WINDOW_DAYS", 90),
		DebounceInterval: envDurationOr("OPDESK_DEBOUNCE_INTERVAL", 250*time.Millisecond),
		Redis: RedisConfig{
			URL:          os.Getenv("OPDESK_REDIS_URL"),
			PoolSize:     envIntOr("OPDESK_REDIS_POOL_SIZE", 10),
			MinIdleConns: envIntOr("OPDESK_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDurationOr("OPDESK_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDurationOr("OPDESK_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDurationOr("OPDESK_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
	}
	if brokers := os.Getenv("OPDESK_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
