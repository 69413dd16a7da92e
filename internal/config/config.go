package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL         string
	ServerAddr          string
	DefaultLeaseTTL     time.Duration
	ConflictGracePeriod time.Duration
	ReaperInterval      time.Duration
	InactivityThreshold time.Duration
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "tallyhub")
		pass := getenv("POSTGRES_PASSWORD", "tallyhub_pass")
		db := getenv("POSTGRES_DB", "tallyhub")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}
	addr := getenv("SERVER_ADDR", "0.0.0.0:8080")
	leaseTTL := parseDuration(getenv("LEASE_TTL", "2m"), 2*time.Minute)
	grace := parseDuration(getenv("CONFLICT_GRACE_PERIOD", "10s"), 10*time.Second)
	interval := parseDuration(getenv("REAPER_INTERVAL", "60s"), 60*time.Second)
	inactivity := parseDuration(getenv("SESSION_INACTIVITY_THRESHOLD", "24h"), 24*time.Hour)

	return &Config{
		DatabaseURL:         dsn,
		ServerAddr:          addr,
		DefaultLeaseTTL:     leaseTTL,
		ConflictGracePeriod: grace,
		ReaperInterval:      interval,
		InactivityThreshold: inactivity,
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}
