package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds client configuration
type Config struct {
	// Endpoints
	TaskSyncURL string
	ProgressURL string
	DocSyncURL  string

	// Durable store
	StorePath string

	// Reconnection
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// Document batching
	BatchWindow time.Duration
	BatchSize   int

	// Conflict strategy
	ConflictStrategy string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		TaskSyncURL:          getEnv("SYNCD_TASK_URL", "ws://localhost:8080/ws/tasks"),
		ProgressURL:          getEnv("SYNCD_PROGRESS_URL", "ws://localhost:8080/ws/progress"),
		DocSyncURL:           getEnv("SYNCD_DOC_URL", "ws://localhost:8080/ws/docs"),
		StorePath:            getEnv("SYNCD_STORE_PATH", "syncd.db"),
		MaxReconnectAttempts: getEnvInt("SYNCD_MAX_RECONNECT_ATTEMPTS", 5),
		ReconnectBaseDelay:   getEnvDuration("SYNCD_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    getEnvDuration("SYNCD_RECONNECT_MAX_DELAY", 30*time.Second),
		BatchWindow:          getEnvDuration("SYNCD_BATCH_WINDOW", 500*time.Millisecond),
		BatchSize:            getEnvInt("SYNCD_BATCH_SIZE", 10),
		ConflictStrategy:     getEnv("SYNCD_CONFLICT_STRATEGY", "timestamp_priority"),
		LogLevel:             getEnv("SYNCD_LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
