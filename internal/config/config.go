// Package config provides configuration for the parley server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	Port int

	// APIKey, when set, is required as X-API-Key on every /v1 request.
	APIKey string

	// Storage
	DatabasePath string

	// Remote executor; when empty the scripted executor is used.
	ExecutorURL     string
	ExecutorTimeout time.Duration

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Streaming
	StreamInactivity time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:             getEnvInt("PORT", 8080),
		APIKey:           getEnv("API_KEY", ""),
		DatabasePath:     getEnv("DATABASE_PATH", "parley.db"),
		ExecutorURL:      getEnv("EXECUTOR_URL", ""),
		ExecutorTimeout:  time.Duration(getEnvInt("EXECUTOR_TIMEOUT_MS", 300000)) * time.Millisecond,
		PingInterval:     time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:     time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:      time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:   int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		StreamInactivity: time.Duration(getEnvInt("STREAM_INACTIVITY_MS", 120000)) * time.Millisecond,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
