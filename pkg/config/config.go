// Package config loads the governance core's configuration from environment
// variables and the escalation-routing rules file.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds core configuration.
type Config struct {
	LogLevel string

	// DBDriver is "postgres" or "sqlite".
	DBDriver    string
	DatabaseURL string
	SQLitePath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SweepInterval  time.Duration
	MaxIterations  int
	ScoreThreshold float64

	EscalationRulesPath string
}

// Load reads configuration from environment variables with local-friendly
// defaults.
func Load() *Config {
	cfg := &Config{
		LogLevel:            envOr("LOG_LEVEL", "INFO"),
		DBDriver:            envOr("CREWLINE_DB_DRIVER", "sqlite"),
		DatabaseURL:         envOr("DATABASE_URL", "postgres://crewline@localhost:5432/crewline?sslmode=disable"),
		SQLitePath:          envOr("CREWLINE_SQLITE_PATH", "data/crewline.db"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             envInt("REDIS_DB", 0),
		SweepInterval:       envDuration("CREWLINE_SWEEP_INTERVAL", time.Minute),
		MaxIterations:       envInt("CREWLINE_MAX_ITERATIONS", 3),
		ScoreThreshold:      envFloat("CREWLINE_SCORE_THRESHOLD", 0.7),
		EscalationRulesPath: os.Getenv("CREWLINE_ESCALATION_RULES"),
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
