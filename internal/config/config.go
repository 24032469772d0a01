// Package config loads typed settings from the environment and an optional
// .env file. Missing required settings are a startup error, not a runtime one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the ingestion core.
type Config struct {
	DatabaseURL    string
	RedisURL       string
	MeilisearchURL string
	MeilisearchKey string

	// OParl HTTP client
	RequestTimeout time.Duration // OPARL_REQUEST_TIMEOUT (seconds)
	MaxRetries     int           // OPARL_MAX_RETRIES
	RetryBackoff   float64       // OPARL_RETRY_BACKOFF (exponent base)
	WaitTime       time.Duration // OPARL_WAIT_TIME (seconds, inter-request spacing)
	MaxConcurrent  int64         // OPARL_MAX_CONCURRENT (semaphore permits)

	// Scheduler
	SyncIntervalMinutes int // SYNC_INTERVAL_MINUTES
	SyncFullHour        int // SYNC_FULL_HOUR (0-23)

	// Feature toggles
	EventsEnabled  bool
	MetricsEnabled bool
	MetricsPort    int

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerSuccessThreshold int

	UserAgent string
}

// Load reads .env (when present) and the environment into a Config.
// It returns an error when DATABASE_URL is unset: the ingestion core
// cannot run without a relational store.
func Load() (*Config, error) {
	// Best effort; a missing .env just means plain environment variables.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       envString("REDIS_URL", "redis://localhost:6379/0"),
		MeilisearchURL: envString("MEILISEARCH_URL", "http://localhost:7700"),
		MeilisearchKey: os.Getenv("MEILISEARCH_KEY"),

		RequestTimeout: time.Duration(envFloat("OPARL_REQUEST_TIMEOUT", 300)) * time.Second,
		MaxRetries:     envInt("OPARL_MAX_RETRIES", 5),
		RetryBackoff:   envFloat("OPARL_RETRY_BACKOFF", 2.0),
		WaitTime:       time.Duration(envFloat("OPARL_WAIT_TIME", 0.05) * float64(time.Second)),
		MaxConcurrent:  int64(envInt("OPARL_MAX_CONCURRENT", 20)),

		SyncIntervalMinutes: envInt("SYNC_INTERVAL_MINUTES", 15),
		SyncFullHour:        envInt("SYNC_FULL_HOUR", 3),

		EventsEnabled:  envBool("EVENTS_ENABLED", true),
		MetricsEnabled: envBool("METRICS_ENABLED", true),
		MetricsPort:    envInt("METRICS_PORT", 9090),

		BreakerFailureThreshold: envInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerRecoveryTimeout:  time.Duration(envFloat("CIRCUIT_BREAKER_RECOVERY_TIMEOUT", 60)) * time.Second,
		BreakerSuccessThreshold: envInt("CIRCUIT_BREAKER_SUCCESS_THRESHOLD", 2),

		UserAgent: envString("OPARL_USER_AGENT", "mandari-sync/1.0 (+https://mandari.de)"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.SyncFullHour < 0 || cfg.SyncFullHour > 23 {
		return nil, fmt.Errorf("SYNC_FULL_HOUR must be between 0 and 23, got %d", cfg.SyncFullHour)
	}
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("OPARL_MAX_CONCURRENT must be at least 1")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
