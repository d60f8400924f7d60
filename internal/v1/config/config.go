package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret string

	// Optional variables with defaults
	Host     string
	Port     string
	GoEnv    string
	LogLevel string

	// Clustering
	ClusterMode bool
	RedisURL    string
	NodeID      string

	// HTTP surface
	AllowedOrigins string

	// Tracing (disabled when empty)
	OtelCollectorAddr string
}

// ValidateEnv validates all recognized environment variables and returns a
// Config object. Returns an error if any required variable is missing or
// invalid; the process must refuse to start in that case.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: JWT_SECRET
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		slog.Warn("JWT_SECRET is shorter than 32 characters; use a stronger secret in production", "length", len(cfg.JWTSecret))
	}

	// Optional: HOST (defaults to all interfaces)
	cfg.Host = getEnvOrDefault("HOST", "0.0.0.0")

	// Optional: PORT (defaults to 9000)
	cfg.Port = getEnvOrDefault("PORT", "9000")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Optional: CLUSTER_MODE (defaults to false; single-node)
	cfg.ClusterMode = os.Getenv("CLUSTER_MODE") == "true"

	// Conditional: REDIS_URL (only consulted when CLUSTER_MODE=true)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379"
		if cfg.ClusterMode {
			slog.Warn("REDIS_URL not set, using default", "url", cfg.RedisURL)
		}
	}

	// Optional: NODE_ID (defaults to a random identifier)
	cfg.NodeID = os.Getenv("NODE_ID")
	if cfg.NodeID == "" {
		cfg.NodeID = fmt.Sprintf("signaling-%s", uuid.NewString()[:8])
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"host", cfg.Host,
		"port", cfg.Port,
		"cluster_mode", cfg.ClusterMode,
		"redis_url", cfg.RedisURL,
		"node_id", cfg.NodeID,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 4 characters
func redactSecret(secret string) string {
	if len(secret) <= 4 {
		return "***"
	}
	return secret[:4] + "***"
}
