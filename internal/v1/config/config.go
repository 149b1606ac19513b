package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the board server.
type Config struct {
	// Required variables
	Port string

	// Redis
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	AllowedOrigins string

	// Rate limit / liveness constants
	MaxUsersPerRoom          int
	MaxConnectionsPerIP      int
	MaxRoomsPerIPPerDay      int
	ServerLivenessExpSecs    int
	LockExpirationSecs       int
	PingLengthSecs           int
	MaxUpdateRetries         int

	// Tracing
	OtelCollectorAddr    string
	OtelInsecureSkipTLS  bool
	TracingServiceName   string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	var err error
	cfg.MaxUsersPerRoom, err = getEnvIntOrDefault("MAX_USERS_PER_ROOM", 8)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.MaxConnectionsPerIP, err = getEnvIntOrDefault("MAX_CONNECTIONS_PER_IP", 4)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.MaxRoomsPerIPPerDay, err = getEnvIntOrDefault("MAX_ROOMS_PER_IP_PER_DAY", 20)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.ServerLivenessExpSecs, err = getEnvIntOrDefault("SERVER_LIVENESS_EXPIRATION_SECONDS", 30)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.LockExpirationSecs, err = getEnvIntOrDefault("LOCK_EXPIRATION_SECS", 5)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.PingLengthSecs, err = getEnvIntOrDefault("PING_LENGTH_SECS", 3)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.MaxUpdateRetries, err = getEnvIntOrDefault("MAX_UPDATE_RETRIES", 3)
	if err != nil {
		errs = append(errs, err.Error())
	}

	cfg.OtelCollectorAddr = getEnvOrDefault("OTEL_COLLECTOR_ADDR", "")
	cfg.OtelInsecureSkipTLS = os.Getenv("OTEL_INSECURE_SKIP_VERIFY") == "true"
	cfg.TracingServiceName = getEnvOrDefault("TRACING_SERVICE_NAME", "tokenboard-server")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated successfully")
	slog.Info("configuration",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"max_users_per_room", cfg.MaxUsersPerRoom,
		"max_connections_per_ip", cfg.MaxConnectionsPerIP,
		"max_rooms_per_ip_per_day", cfg.MaxRoomsPerIPPerDay,
		"server_liveness_expiration_seconds", cfg.ServerLivenessExpSecs,
		"lock_expiration_secs", cfg.LockExpirationSecs,
		"ping_length_secs", cfg.PingLengthSecs,
		"max_update_retries", cfg.MaxUpdateRetries,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault parses an integer environment variable, falling back to
// defaultValue when unset, and erroring on an unparsable value.
func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer (got '%s')", key, raw)
	}
	return v, nil
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
