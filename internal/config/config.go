// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/decoyworks/lure/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Inbound API security
	APIKey       string // Shared key callers present in X-API-Key (optional in development)
	RateLimitRPM int

	// LLM reply generation
	OpenAIKey     string // Optional, canned replies are used when absent
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAITimeout time.Duration

	// Scam detection and engagement policy
	ConfidenceThreshold float64
	MinEngagementTurns  int
	MaxEngagementTurns  int // 0 disables the hard cap

	// Report collector
	CollectorURL     string
	CollectorAPIKey  string
	CollectorTimeout time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, empty disables tracing

	// CORS
	AllowedOrigins []string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultRateLimitRPM        = 120
	DefaultConfidenceThreshold = 0.5
	DefaultMinEngagementTurns  = 2
	DefaultMaxEngagementTurns  = 20
	DefaultCollectorTimeout    = 10 * time.Second
	DefaultOpenAIBaseURL       = "https://api.openai.com/v1"
	DefaultOpenAIModel         = "gpt-4o-mini"
	DefaultOpenAITimeout       = 15 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		APIKey:              os.Getenv("API_KEY"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", DefaultOpenAIBaseURL),
		OpenAIModel:         getEnv("OPENAI_MODEL", DefaultOpenAIModel),
		OpenAITimeout:       getEnvMillis("OPENAI_TIMEOUT_MS", DefaultOpenAITimeout),
		ConfidenceThreshold: getEnvFloat("SCAM_CONFIDENCE_THRESHOLD", DefaultConfidenceThreshold),
		MinEngagementTurns:  int(getEnvInt64("MIN_ENGAGEMENT_TURNS", DefaultMinEngagementTurns)),
		MaxEngagementTurns:  int(getEnvInt64("MAX_ENGAGEMENT_TURNS", DefaultMaxEngagementTurns)),
		CollectorURL:        os.Getenv("COLLECTOR_URL"),
		CollectorAPIKey:     os.Getenv("COLLECTOR_API_KEY"),
		CollectorTimeout:    getEnvMillis("COLLECTOR_TIMEOUT_MS", DefaultCollectorTimeout),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AllowedOrigins:      splitCSV(os.Getenv("ALLOWED_ORIGINS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are coherent
func (c *Config) Validate() error {
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("SCAM_CONFIDENCE_THRESHOLD must be in (0, 1], got %v", c.ConfidenceThreshold)
	}

	if c.MinEngagementTurns < 1 {
		return fmt.Errorf("MIN_ENGAGEMENT_TURNS must be at least 1, got %d", c.MinEngagementTurns)
	}
	if c.MaxEngagementTurns != 0 && c.MaxEngagementTurns < c.MinEngagementTurns {
		return fmt.Errorf("MAX_ENGAGEMENT_TURNS (%d) must be 0 or >= MIN_ENGAGEMENT_TURNS (%d)",
			c.MaxEngagementTurns, c.MinEngagementTurns)
	}

	// The collector URL is used for server-side POSTs, so guard against SSRF
	// outside of local development.
	if c.CollectorURL != "" && c.IsProduction() {
		if err := security.ValidateEndpointURL(c.CollectorURL); err != nil {
			return fmt.Errorf("COLLECTOR_URL: %w", err)
		}
	}

	if c.APIKey == "" && c.IsProduction() {
		return fmt.Errorf("API_KEY is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
