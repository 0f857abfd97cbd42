// Package config provides configuration structures and loading logic for the
// policy resolver.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the policy resolver.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	SafeMode  SafeModeConfig  `yaml:"safe_mode"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SourceConfig configures the remote policy store.
type SourceConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	APIToken string `yaml:"api_token"`
	// Fixture points at a YAML file served instead of the remote store.
	Fixture           string          `yaml:"fixture"`
	RequestTimeout    time.Duration   `yaml:"request_timeout"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	DetailConcurrency int             `yaml:"detail_concurrency"`
}

// RateLimitConfig bounds outbound requests per endpoint. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ResolverConfig holds cache windows and assembly defaults.
type ResolverConfig struct {
	FreshTTL        time.Duration `yaml:"fresh_ttl"`
	StaleMaxAge     time.Duration `yaml:"stale_max_age"`
	DefaultCategory string        `yaml:"default_category"`
	DefaultCurrency string        `yaml:"default_currency"`
}

// RetryConfig holds retry behaviour for source calls.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	Delay          time.Duration `yaml:"delay"`
	OverallTimeout time.Duration `yaml:"overall_timeout"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// SafeModeConfig locates the static fallback artifact. An empty path selects
// the artifact bundled into the binary.
type SafeModeConfig struct {
	Artifact string `yaml:"artifact"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	AdminAddress string `yaml:"admin_address"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used before any file or environment
// values are applied.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			RequestTimeout:    30 * time.Second,
			DetailConcurrency: 4,
		},
		Resolver: ResolverConfig{
			FreshTTL:        24 * time.Hour,
			StaleMaxAge:     7 * 24 * time.Hour,
			DefaultCategory: "Other",
			DefaultCurrency: "CHF",
		},
		Retry: RetryConfig{
			MaxAttempts:    2,
			Delay:          30 * time.Second,
			OverallTimeout: 120 * time.Second,
		},
		Breaker: BreakerConfig{
			Threshold: 3,
			Cooldown:  60 * time.Second,
		},
		Server: ServerConfig{
			AdminAddress: ":8090",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "policy-resolver",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLICY_SOURCE_URL"); val != "" {
		cfg.Source.BaseURL = val
	}
	if val := os.Getenv("POLICY_SOURCE_USERNAME"); val != "" {
		cfg.Source.Username = val
	}
	if val := os.Getenv("POLICY_SOURCE_API_TOKEN"); val != "" {
		cfg.Source.APIToken = val
	}
	if val := os.Getenv("POLICY_SOURCE_FIXTURE"); val != "" {
		cfg.Source.Fixture = val
	}

	if val := os.Getenv("POLICY_SAFE_MODE_ARTIFACT"); val != "" {
		cfg.SafeMode.Artifact = val
	}

	if val := os.Getenv("POLICY_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}

	if val := os.Getenv("POLICY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLICY_OTLP_INSECURE"); val != "" {
		if insecure, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Insecure = insecure
		}
	}

	if val := os.Getenv("POLICY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source configuration: %w", err)
	}

	if err := c.Resolver.Validate(); err != nil {
		return fmt.Errorf("resolver configuration: %w", err)
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry configuration: %w", err)
	}

	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("breaker configuration: %w", err)
	}

	if strings.TrimSpace(c.Server.AdminAddress) == "" {
		c.Server.AdminAddress = ":8090"
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate checks that exactly one policy source is configured.
func (c *SourceConfig) Validate() error {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.Fixture = strings.TrimSpace(c.Fixture)

	switch {
	case c.BaseURL == "" && c.Fixture == "":
		return errors.New("one of base_url or fixture is required")
	case c.BaseURL != "" && c.Fixture != "":
		return errors.New("base_url and fixture are mutually exclusive")
	}

	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("base_url must use http or https, got %q", u.Scheme)
		}
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.DetailConcurrency <= 0 {
		c.DetailConcurrency = 1
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	return nil
}

// Validate checks cache windows and defaults.
func (c *ResolverConfig) Validate() error {
	if c.FreshTTL <= 0 {
		return fmt.Errorf("fresh_ttl must be positive, got %s", c.FreshTTL)
	}
	if c.StaleMaxAge < c.FreshTTL {
		return fmt.Errorf("stale_max_age (%s) must not be shorter than fresh_ttl (%s)", c.StaleMaxAge, c.FreshTTL)
	}
	if strings.TrimSpace(c.DefaultCategory) == "" {
		return errors.New("default_category is required")
	}
	if strings.TrimSpace(c.DefaultCurrency) == "" {
		c.DefaultCurrency = "CHF"
	}
	return nil
}

// Validate checks retry bounds.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %s", c.Delay)
	}
	if c.OverallTimeout <= 0 {
		return fmt.Errorf("overall_timeout must be positive, got %s", c.OverallTimeout)
	}
	return nil
}

// Validate checks breaker thresholds.
func (c *BreakerConfig) Validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("threshold must be at least 1, got %d", c.Threshold)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive, got %s", c.Cooldown)
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
