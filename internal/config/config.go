// Package config provides configuration for the chat relay.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the chat relay configuration.
type Config struct {
	// Server settings
	HTTPPort         int
	CORSAllowOrigins []string

	// Database
	DatabaseURL string

	// Upstream provider settings
	UpstreamBaseURL string
	UpstreamAPIKey  string
	UpstreamReferer string
	UpstreamTitle   string
	UpstreamTimeout time.Duration
	UpstreamRPS     float64
	UpstreamBurst   int
	DefaultModel    string

	// Turn settings
	ContextWindowTurns int
	FinalizeTimeout    time.Duration
	FinalizeRetries    int
	PolicyFile         string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Telemetry
	TracesExporter string
	OTLPEndpoint   string

	// Mode selects the upstream client ("MOCK" for the canned client).
	Mode string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8000),
		CORSAllowOrigins:   getEnvList("CORS_ALLOW_ORIGINS", []string{"http://localhost:5173"}),
		DatabaseURL:        getEnv("DATABASE_URL", "file:chatrelay.db?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"),
		UpstreamBaseURL:    getEnv("UPSTREAM_BASE_URL", "https://openrouter.ai/api/v1"),
		UpstreamAPIKey:     getEnv("OPENROUTER_API_KEY", ""),
		UpstreamReferer:    getEnv("UPSTREAM_REFERER", "http://localhost:5173"),
		UpstreamTitle:      getEnv("UPSTREAM_TITLE", "Madlen Case Study"),
		UpstreamTimeout:    time.Duration(getEnvInt("UPSTREAM_TIMEOUT_MS", 30000)) * time.Millisecond,
		UpstreamRPS:        getEnvFloat("UPSTREAM_RPS", 0),
		UpstreamBurst:      getEnvInt("UPSTREAM_BURST", 1),
		DefaultModel:       getEnv("DEFAULT_MODEL", "google/gemini-2.0-flash-exp:free"),
		ContextWindowTurns: getEnvInt("CONTEXT_WINDOW_TURNS", 20),
		FinalizeTimeout:    time.Duration(getEnvInt("FINALIZE_TIMEOUT_MS", 5000)) * time.Millisecond,
		FinalizeRetries:    getEnvInt("FINALIZE_RETRIES", 1),
		PolicyFile:         getEnv("POLICY_FILE", ""),
		PingInterval:       time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:       time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:        time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:     int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 8<<20)),
		TracesExporter:     getEnv("OTEL_TRACES_EXPORTER", "none"),
		OTLPEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Mode:               getEnv("CHAT_MODE", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
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

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
