package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
source:
  base_url: "https://policies.example.com/api"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.Resolver.FreshTTL)
	assert.Equal(t, 168*time.Hour, cfg.Resolver.StaleMaxAge)
	assert.Equal(t, "Other", cfg.Resolver.DefaultCategory)
	assert.Equal(t, "CHF", cfg.Resolver.DefaultCurrency)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Retry.Delay)
	assert.Equal(t, 120*time.Second, cfg.Retry.OverallTimeout)
	assert.Equal(t, 3, cfg.Breaker.Threshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, ":8090", cfg.Server.AdminAddress)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.SafeMode.Artifact)
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
source:
  base_url: "https://policies.example.com/api"
  username: svc-expenses
  request_timeout: 10s
  rate_limit:
    requests_per_second: 5
    burst: 10
  detail_concurrency: 8
resolver:
  fresh_ttl: 1h
  stale_max_age: 48h
  default_category: Miscellaneous
retry:
  max_attempts: 3
  delay: 2s
  overall_timeout: 20s
breaker:
  threshold: 5
  cooldown: 30s
safe_mode:
  artifact: /etc/policy/safe-mode.json
logging:
  level: DEBUG
  pretty: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "svc-expenses", cfg.Source.Username)
	assert.Equal(t, 10*time.Second, cfg.Source.RequestTimeout)
	assert.Equal(t, 5.0, cfg.Source.RateLimit.RequestsPerSecond)
	assert.Equal(t, 10, cfg.Source.RateLimit.Burst)
	assert.Equal(t, 8, cfg.Source.DetailConcurrency)
	assert.Equal(t, time.Hour, cfg.Resolver.FreshTTL)
	assert.Equal(t, "Miscellaneous", cfg.Resolver.DefaultCategory)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Equal(t, "/etc/policy/safe-mode.json", cfg.SafeMode.Artifact)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
source:
  base_url: "https://policies.example.com/api"
`)
	t.Setenv("POLICY_SOURCE_URL", "https://override.example.com")
	t.Setenv("POLICY_SOURCE_USERNAME", "env-user")
	t.Setenv("POLICY_SOURCE_API_TOKEN", "env-token")
	t.Setenv("POLICY_SAFE_MODE_ARTIFACT", "/tmp/safe.yaml")
	t.Setenv("POLICY_ADMIN_ADDR", ":9999")
	t.Setenv("POLICY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("POLICY_OTLP_INSECURE", "true")
	t.Setenv("POLICY_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://override.example.com", cfg.Source.BaseURL)
	assert.Equal(t, "env-user", cfg.Source.Username)
	assert.Equal(t, "env-token", cfg.Source.APIToken)
	assert.Equal(t, "/tmp/safe.yaml", cfg.SafeMode.Artifact)
	assert.Equal(t, ":9999", cfg.Server.AdminAddress)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_NoFileUsesEnvironment(t *testing.T) {
	t.Setenv("POLICY_SOURCE_FIXTURE", "testdata/fixtures.yaml")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "testdata/fixtures.yaml", cfg.Source.Fixture)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "source: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no source", mutate: func(c *Config) { c.Source.BaseURL = "" }, wantErr: "one of base_url or fixture"},
		{name: "both sources", mutate: func(c *Config) { c.Source.Fixture = "f.yaml" }, wantErr: "mutually exclusive"},
		{name: "bad scheme", mutate: func(c *Config) { c.Source.BaseURL = "ftp://x" }, wantErr: "http or https"},
		{name: "zero request timeout", mutate: func(c *Config) { c.Source.RequestTimeout = 0 }, wantErr: "request_timeout"},
		{name: "negative rate", mutate: func(c *Config) { c.Source.RateLimit.Burst = -1 }, wantErr: "rate_limit"},
		{name: "zero fresh ttl", mutate: func(c *Config) { c.Resolver.FreshTTL = 0 }, wantErr: "fresh_ttl"},
		{name: "stale shorter than fresh", mutate: func(c *Config) { c.Resolver.StaleMaxAge = time.Hour }, wantErr: "stale_max_age"},
		{name: "no default category", mutate: func(c *Config) { c.Resolver.DefaultCategory = " " }, wantErr: "default_category"},
		{name: "zero attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, wantErr: "max_attempts"},
		{name: "negative delay", mutate: func(c *Config) { c.Retry.Delay = -time.Second }, wantErr: "delay"},
		{name: "zero overall timeout", mutate: func(c *Config) { c.Retry.OverallTimeout = 0 }, wantErr: "overall_timeout"},
		{name: "zero threshold", mutate: func(c *Config) { c.Breaker.Threshold = 0 }, wantErr: "threshold"},
		{name: "zero cooldown", mutate: func(c *Config) { c.Breaker.Cooldown = 0 }, wantErr: "cooldown"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Source.BaseURL = "https://policies.example.com"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
