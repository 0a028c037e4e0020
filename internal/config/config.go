// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// defaultJWTSecret is the development signing secret. Production refuses to
// start with it.
const defaultJWTSecret = "dev-secret-change-in-production"

// Config holds the configuration for the query server.
type Config struct {
	ListenAddr  string // HTTP listen address (default ":8080")
	StateDBPath string // path to the SQLite job state file
	ResultsDir  string // directory for local result artifacts

	// Backend connection.
	BackendDriver string // "pgx" or "duckdb"
	BackendDSN    string

	// Execution sizing.
	WorkerCount      int
	QueueSize        int
	StatementTimeout time.Duration
	MaxRows          int64
	MaxBytes         int64
	MaxSQLChars      int

	// Per-user admission ceilings.
	MaxPendingPerUser  int
	MaxRunningPerUser  int
	MaxRunningGlobal   int
	RateLimitPerMinute int

	// HTTP transport.
	HTTPRateLimitRPS   float64
	HTTPRateLimitBurst int
	CORSAllowedOrigins []string
	JWTSecret          string

	LogLevel string // debug, info, warn, error (default "info")
	Env      string // "development" (default) or "production"

	// S3 fields are optional — nil when not configured.
	S3KeyID    *string
	S3Secret   *string
	S3Endpoint *string
	S3Region   *string
	S3Bucket   *string
	S3Prefix   string

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// HasS3Config returns true if all required S3 fields are set.
func (c *Config) HasS3Config() bool {
	return c.S3KeyID != nil && c.S3Secret != nil &&
		c.S3Endpoint != nil && c.S3Region != nil && c.S3Bucket != nil
}

// LoadFromEnv loads configuration from environment variables.
// S3 variables are optional — the server can run on local artifacts alone.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:    os.Getenv("LISTEN_ADDR"),
		StateDBPath:   os.Getenv("STATE_DB_PATH"),
		ResultsDir:    os.Getenv("RESULTS_DIR"),
		BackendDriver: os.Getenv("BACKEND_DRIVER"),
		BackendDSN:    os.Getenv("BACKEND_DSN"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		S3Prefix:      os.Getenv("S3_PREFIX"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		Env:           os.Getenv("ENV"),
	}

	cfg.WorkerCount = parseIntEnvDefault("WORKER_COUNT", 2)
	cfg.QueueSize = parseIntEnvDefault("QUEUE_SIZE", 100)
	cfg.MaxPendingPerUser = parseIntEnvDefault("MAX_PENDING_PER_USER", 10)
	cfg.MaxRunningPerUser = parseIntEnvDefault("MAX_RUNNING_PER_USER", 2)
	cfg.MaxRunningGlobal = parseIntEnvDefault("MAX_RUNNING_GLOBAL", 10)
	cfg.MaxRows = int64(parseIntEnvDefault("MAX_ROWS", 200_000))
	cfg.MaxBytes = int64(parseIntEnvDefault("MAX_BYTES", 50_000_000))
	cfg.MaxSQLChars = parseIntEnvDefault("MAX_SQL_CHARS", 10_000)
	cfg.RateLimitPerMinute = parseIntEnvDefault("RATE_LIMIT_PER_MINUTE", 30)
	cfg.HTTPRateLimitBurst = parseIntEnvDefault("HTTP_RATE_LIMIT_BURST", 200)

	cfg.StatementTimeout = 10 * time.Second
	if v := os.Getenv("STATEMENT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse STATEMENT_TIMEOUT: %w", err)
		}
		cfg.StatementTimeout = d
	}

	cfg.HTTPRateLimitRPS = 100
	if v := os.Getenv("HTTP_RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parse HTTP_RATE_LIMIT_RPS: %w", err)
		}
		cfg.HTTPRateLimitRPS = f
	}

	// S3 fields are optional — only set if present
	if v := os.Getenv("S3_KEY_ID"); v != "" {
		cfg.S3KeyID = &v
	}
	if v := os.Getenv("S3_SECRET"); v != "" {
		cfg.S3Secret = &v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.S3Endpoint = &v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.S3Region = &v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3Bucket = &v
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = origins
	}

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.StateDBPath == "" {
		cfg.StateDBPath = "grepr_state.sqlite"
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = "results"
	}
	if cfg.BackendDriver == "" {
		cfg.BackendDriver = "pgx"
	}
	if cfg.BackendDriver != "pgx" && cfg.BackendDriver != "duckdb" {
		return nil, fmt.Errorf("BACKEND_DRIVER must be pgx or duckdb, got %q", cfg.BackendDriver)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = defaultJWTSecret
		cfg.Warnings = append(cfg.Warnings, "JWT_SECRET not set — using insecure default. Set JWT_SECRET in production!")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.JWTSecret == defaultJWTSecret {
			return nil, fmt.Errorf("JWT_SECRET must be set in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

// AllowDevTokens reports whether the unsigned "user:<id>" bearer scheme is
// accepted. Development convenience only.
func (c *Config) AllowDevTokens() bool {
	return !c.IsProduction()
}

func parseIntEnvDefault(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultVal
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
