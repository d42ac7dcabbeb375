// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Records backends.
const (
	RecordsBackendPostgres = "postgres"
	RecordsBackendSnapshot = "snapshot"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	TurnTimeout        time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	AuditEnabled bool

	// Records
	RecordsBackend string
	DatabaseURL    string

	// Redis (dispatch idempotency). An empty address keeps claims in memory.
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	DispatchDedupTTL time.Duration

	// Pending action sealing
	DispatchSecret   string
	PendingActionTTL time.Duration

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string

	// Assistant settings
	AssistantModel     string
	AssistantMaxTokens int
	AssistantMaxRounds int
	SystemPrompt       string
	MaxMessageLength   int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration
	TurnRateLimit     int

	// CORS
	CORSOrigins []string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 300*time.Second),
		TurnTimeout:        getDurationEnv("TURN_TIMEOUT", 290*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		AuditEnabled: getBoolEnv("AUDIT_ENABLED", true),

		// Records
		RecordsBackend: getEnv("RECORDS_BACKEND", RecordsBackendPostgres),
		DatabaseURL:    getEnv("DATABASE_URL", ""),

		// Redis
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getIntEnv("REDIS_DB", 0),
		DispatchDedupTTL: getDurationEnv("DISPATCH_DEDUPE_TTL", 7*24*time.Hour),

		// Pending actions
		DispatchSecret:   getEnv("DISPATCH_SECRET", ""),
		PendingActionTTL: getDurationEnv("PENDING_ACTION_TTL", 24*time.Hour),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),

		// Assistant
		AssistantModel:     getEnv("ASSISTANT_MODEL", ""),
		AssistantMaxTokens: getIntEnv("ASSISTANT_MAX_TOKENS", 4096),
		AssistantMaxRounds: getIntEnv("ASSISTANT_MAX_ROUNDS", 10),
		SystemPrompt:       getEnv("ASSISTANT_SYSTEM_PROMPT", ""),
		MaxMessageLength:   getIntEnv("MAX_MESSAGE_LENGTH", 8000),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		TurnRateLimit:     getIntEnv("TURN_RATE_LIMIT", 20),

		// CORS
		CORSOrigins: getListEnv("CORS_ORIGINS", []string{"https://*"}),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
