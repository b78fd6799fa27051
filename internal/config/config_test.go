package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("METER_DATABASE_URL", "postgres://localhost/meter")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load(Options{ConfigFile: writeConfig(t, "server:\n  listen_addr: \":9090\"\n")})
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.ListenAddr)
	require.Equal(t, DriverPostgres, cfg.Database.Driver)
	require.Equal(t, "http://localhost:4000", cfg.Providers.Primary.BaseURL)
	require.Equal(t, "https://api.openai.com/v1", cfg.Providers.Fallback.BaseURL)
	require.Equal(t, 120*time.Second, cfg.Providers.Timeout)
	require.Equal(t, 10*time.Second, cfg.Providers.HealthTimeout)
	require.Equal(t, "gpt-3.5-turbo", cfg.Providers.DefaultModel)
	require.InDelta(t, 0.7, cfg.Providers.DefaultTemperature, 1e-9)
	require.Equal(t, int64(1000), cfg.Metering.DefaultTokensPerUser)
	require.InDelta(t, 0.376, cfg.Metering.ConversionFactor, 1e-9)
	require.InDelta(t, 0.8, cfg.Metering.AlertThreshold80, 1e-9)
	require.InDelta(t, 0.95, cfg.Metering.AlertThreshold95, 1e-9)
	require.True(t, cfg.Metering.SettleOnCancel)
	require.False(t, cfg.Providers.FallbackConfigured())
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://legacy/meter")
	t.Setenv("LITELLM_BASE_URL", "http://litellm:4000/")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SMTP_SERVER", "smtp.example.com")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("EMAIL_DEBUG", "true")

	cfg, err := Load(Options{ConfigFile: writeConfig(t, "")})
	require.NoError(t, err)

	require.Equal(t, "postgres://legacy/meter", cfg.Database.URL)
	require.Equal(t, "http://litellm:4000", cfg.Providers.Primary.BaseURL)
	require.Equal(t, "sk-test", cfg.Providers.Fallback.APIKey)
	require.True(t, cfg.Providers.FallbackConfigured())
	require.Equal(t, "smtp.example.com", cfg.Alerts.SMTP.Host)
	require.Equal(t, 2525, cfg.Alerts.SMTP.Port)
	require.True(t, cfg.Alerts.Debug)
	require.False(t, cfg.Alerts.SMTPEnabled())
}

func TestPrefixedEnvironmentWinsOverLegacy(t *testing.T) {
	t.Setenv("METER_DATABASE_URL", "postgres://prefixed/meter")
	t.Setenv("DATABASE_URL", "postgres://legacy/meter")

	cfg, err := Load(Options{ConfigFile: writeConfig(t, "")})
	require.NoError(t, err)
	require.Equal(t, "postgres://prefixed/meter", cfg.Database.URL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		return Config{
			Database:  DatabaseConfig{URL: "file:test.db", Driver: DriverSQLite},
			Providers: ProvidersConfig{Primary: UpstreamConfig{BaseURL: "http://localhost:4000"}, Timeout: time.Minute},
			Metering:  MeteringConfig{ConversionFactor: 0.376, AlertThreshold80: 0.8, AlertThreshold95: 0.95},
			Identity:  IdentityConfig{TrustHeaders: true},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "./data/exports", cfg.Exports.Local.Directory)

	cases := map[string]func(*Config){
		"missing database url":  func(c *Config) { c.Database.URL = "" },
		"unknown driver":        func(c *Config) { c.Database.Driver = "mysql" },
		"zero conversion":       func(c *Config) { c.Metering.ConversionFactor = 0 },
		"inverted thresholds":   func(c *Config) { c.Metering.AlertThreshold95 = 0.5 },
		"no identity source":    func(c *Config) { c.Identity.TrustHeaders = false },
		"s3 without bucket":     func(c *Config) { c.Exports.Storage = "s3" },
		"zero provider timeout": func(c *Config) { c.Providers.Timeout = 0 },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(&cfg)
		require.Error(t, cfg.Validate(), name)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := Config{
		Database:  DatabaseConfig{URL: "postgres://meter:hunter2@db:5432/meter?sslmode=disable"},
		Providers: ProvidersConfig{Primary: UpstreamConfig{APIKey: "sk-primary"}},
		Identity:  IdentityConfig{JWTSecret: "secret"},
		Alerts:    AlertsConfig{Webhooks: []string{"https://hooks.example.com/x?token=abc"}},
	}

	out := cfg.Redacted()
	require.Equal(t, "postgres://meter:xxxxx@db:5432/meter?redacted", out.Database.URL)
	require.Equal(t, "[redacted]", out.Providers.Primary.APIKey)
	require.Equal(t, "", out.Providers.Fallback.APIKey)
	require.Equal(t, "[redacted]", out.Identity.JWTSecret)
	require.Equal(t, "https://hooks.example.com/x?redacted", out.Alerts.Webhooks[0])
	require.Equal(t, "https://hooks.example.com/x?token=abc", cfg.Alerts.Webhooks[0])
}
