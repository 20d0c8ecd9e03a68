// Package config provides process-level configuration for checkwave.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the environment-driven application configuration.
type Config struct {
	// Debug enables verbose logging.
	Debug bool

	// StrictErrors makes the engine fail the run when any provider error
	// issue survives to the end.
	StrictErrors bool

	// ProviderDebug attaches provider debug metadata to results.
	ProviderDebug bool

	// MaxParallelism overrides the per-level concurrency cap (0 = config).
	MaxParallelism int

	// LogLevel is the zerolog level name ("debug", "info", ...).
	LogLevel string

	// MemoryDSN selects the Postgres memory store when set; empty keeps
	// the in-memory store.
	MemoryDSN string
}

// Load reads configuration from the environment. A .env file is honored
// when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Debug:          getEnvBool("CHECKWAVE_DEBUG", false),
		StrictErrors:   getEnvBool("CHECKWAVE_STRICT_ERRORS", false),
		ProviderDebug:  getEnvBool("CHECKWAVE_PROVIDER_DEBUG", false),
		MaxParallelism: getEnvInt("CHECKWAVE_MAX_PARALLELISM", 0),
		LogLevel:       getEnv("CHECKWAVE_LOG_LEVEL", "info"),
		MemoryDSN:      getEnv("CHECKWAVE_MEMORY_DSN", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
