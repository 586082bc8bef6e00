// Package config provides configuration loading and validation for the footfall server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the footfall server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage. An empty DatabaseURL selects the in-memory store.
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// IP geolocation
	GeoAPIURL   string        `koanf:"geo_api_url"`
	GeoAPIKey   string        `koanf:"geo_api_key"`
	GeoCacheTTL time.Duration `koanf:"geo_cache_ttl"`

	// Write retries
	RetryMaxAttempts int `koanf:"retry_max_attempts"`
	RetryBaseDelayMS int `koanf:"retry_base_delay_ms"`

	// Feature flags
	PageLeaveMarker bool `koanf:"page_leave_marker"` // Move the existing page_leave event instead of inserting

	// HTTP surface
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
	RateLimitPerMinute int      `koanf:"rate_limit_per_minute"` // 0 disables rate limiting

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	OTLPExporter      string  `koanf:"otlp_exporter"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL   = errors.New("DATABASE_URL is required in production")
	ErrInvalidPort          = errors.New("PORT must be a valid integer")
	ErrPortOutOfRange       = errors.New("PORT must be between 1 and 65535")
	ErrInvalidRedisURL      = errors.New("REDIS_URL must be a redis:// or rediss:// URL")
	ErrInvalidRetryAttempts = errors.New("RETRY_MAX_ATTEMPTS must be between 1 and 10")
	ErrInvalidRetryDelay    = errors.New("RETRY_BASE_DELAY_MS must not be negative")
	ErrInvalidGeoCacheTTL   = errors.New("GEO_CACHE_TTL must be a positive duration")
	ErrInvalidRateLimit     = errors.New("RATE_LIMIT_PER_MINUTE must not be negative")
	ErrInvalidSampleRate    = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidOTLPExporter  = errors.New("OTLP_EXPORTER must be otlp-grpc or otlp-http")
	ErrMissingOTLPEndpoint  = errors.New("OTLP_ENDPOINT is required when tracing is enabled")
	ErrInvalidBool          = errors.New("must be a valid boolean")
	ErrInvalidNumber        = errors.New("must be a valid number")
)

// Default values for non-secret configuration.
const (
	DefaultPort               = 8080
	DefaultEnv                = "development"
	DefaultGeoAPIURL          = "https://api.ipgeolocation.io/ipgeo"
	DefaultGeoCacheTTL        = 24 * time.Hour
	DefaultRetryMaxAttempts   = 3
	DefaultRetryBaseDelayMS   = 10
	DefaultRateLimitPerMinute = 120
	DefaultOTLPExporter       = "otlp-http"
	DefaultTracingSampleRate  = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	port, err := getEnvIntOrDefaultMulti([]string{"FOOTFALL_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)

	retryAttempts, err := getEnvIntOrDefault("RETRY_MAX_ATTEMPTS", k.Int("retry_max_attempts"), DefaultRetryMaxAttempts)
	collect(err)

	retryDelay, err := getEnvIntOrDefault("RETRY_BASE_DELAY_MS", k.Int("retry_base_delay_ms"), DefaultRetryBaseDelayMS)
	collect(err)

	rateLimit := DefaultRateLimitPerMinute
	if k.Exists("rate_limit_per_minute") {
		rateLimit = k.Int("rate_limit_per_minute")
	}
	if val := os.Getenv("RATE_LIMIT_PER_MINUTE"); val != "" {
		i, convErr := strconv.Atoi(val)
		if convErr != nil {
			collect(fmt.Errorf("RATE_LIMIT_PER_MINUTE %w", ErrInvalidNumber))
		} else {
			rateLimit = i
		}
	}

	geoCacheTTL, err := getEnvDurationOrDefault("GEO_CACHE_TTL", k.Duration("geo_cache_ttl"), DefaultGeoCacheTTL)
	collect(err)

	sampleRate := DefaultTracingSampleRate
	if k.Exists("tracing_sample_rate") {
		sampleRate = k.Float64("tracing_sample_rate")
	}
	if val := os.Getenv("TRACING_SAMPLE_RATE"); val != "" {
		f, convErr := strconv.ParseFloat(val, 64)
		if convErr != nil {
			collect(fmt.Errorf("TRACING_SAMPLE_RATE %w", ErrInvalidNumber))
		} else {
			sampleRate = f
		}
	}

	pageLeaveMarker, err := getEnvBoolOrKoanf("PAGE_LEAVE_MARKER", k, "page_leave_marker")
	collect(err)

	tracingEnabled, err := getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing_enabled")
	collect(err)

	origins := k.Strings("cors_allowed_origins")
	if val := os.Getenv("CORS_ALLOWED_ORIGINS"); val != "" {
		origins = splitList(val)
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:               port,
		Env:                getEnvOrDefaultMulti([]string{"FOOTFALL_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:        getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:           getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		GeoAPIURL:          getEnvOrDefault("GEO_API_URL", k.String("geo_api_url"), DefaultGeoAPIURL),
		GeoAPIKey:          getEnvOrDefaultMulti([]string{"GEO_API_KEY", "GEO_API"}, k.String("geo_api_key"), ""),
		GeoCacheTTL:        geoCacheTTL,
		RetryMaxAttempts:   retryAttempts,
		RetryBaseDelayMS:   retryDelay,
		PageLeaveMarker:    pageLeaveMarker,
		CORSAllowedOrigins: origins,
		RateLimitPerMinute: rateLimit,
		TracingEnabled:     tracingEnabled,
		OTLPEndpoint:       getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		OTLPExporter:       getEnvOrDefault("OTLP_EXPORTER", k.String("otlp_exporter"), DefaultOTLPExporter),
		TracingSampleRate:  sampleRate,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RetryBaseDelay returns the configured base retry delay.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s %w", envKey, ErrInvalidNumber)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses a Go duration ("90s", "24h") from env, otherwise the koanf value, or default.
func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidGeoCacheTTL)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBoolOrKoanf returns the environment variable as bool if set, otherwise the koanf value.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) (bool, error) {
	val := os.Getenv(envKey)
	if val == "" {
		return k.Bool(koanfKey), nil
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s %w", envKey, ErrInvalidBool)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks configuration values.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrPortOutOfRange)
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.RedisURL != "" {
		u, err := url.Parse(c.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, ErrInvalidRedisURL)
		}
	}
	if c.RetryMaxAttempts < 1 || c.RetryMaxAttempts > 10 {
		errs = append(errs, ErrInvalidRetryAttempts)
	}
	if c.RetryBaseDelayMS < 0 {
		errs = append(errs, ErrInvalidRetryDelay)
	}
	if c.GeoCacheTTL <= 0 {
		errs = append(errs, ErrInvalidGeoCacheTTL)
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}

	// Tracing settings only matter when tracing is on.
	if c.TracingEnabled {
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			errs = append(errs, ErrInvalidSampleRate)
		}
		if c.OTLPExporter != "otlp-grpc" && c.OTLPExporter != "otlp-http" {
			errs = append(errs, ErrInvalidOTLPExporter)
		}
		if c.OTLPEndpoint == "" {
			errs = append(errs, ErrMissingOTLPEndpoint)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                  fmt.Sprintf("%d", c.Port),
		"env":                   c.Env,
		"database_url":          maskURL(c.DatabaseURL),
		"redis_url":             maskURL(c.RedisURL),
		"geo_api_url":           c.GeoAPIURL,
		"geo_api_key":           maskSecret(c.GeoAPIKey),
		"geo_cache_ttl":         c.GeoCacheTTL.String(),
		"retry_max_attempts":    fmt.Sprintf("%d", c.RetryMaxAttempts),
		"retry_base_delay_ms":   fmt.Sprintf("%d", c.RetryBaseDelayMS),
		"page_leave_marker":     fmt.Sprintf("%t", c.PageLeaveMarker),
		"cors_allowed_origins":  strings.Join(c.CORSAllowedOrigins, ","),
		"rate_limit_per_minute": fmt.Sprintf("%d", c.RateLimitPerMinute),
		"tracing_enabled":       fmt.Sprintf("%t", c.TracingEnabled),
		"otlp_endpoint":         c.OTLPEndpoint,
		"otlp_exporter":         c.OTLPExporter,
		"tracing_sample_rate":   strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskURL masks the password in a connection URL.
// Works for postgres://, postgresql://, redis:// and rediss:// schemes.
func maskURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
