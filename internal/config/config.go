package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the metering gateway.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Metering      MeteringConfig      `mapstructure:"metering"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Identity      IdentityConfig      `mapstructure:"identity"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Exports       ExportsConfig       `mapstructure:"exports"`
	Health        HealthConfig        `mapstructure:"health"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MinConns        int32         `mapstructure:"min_conns"`
}

// RedisConfig is optional; without a URL rate limiting and idempotency are off.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type ProvidersConfig struct {
	Primary            UpstreamConfig `mapstructure:"primary"`
	Fallback           UpstreamConfig `mapstructure:"fallback"`
	Timeout            time.Duration  `mapstructure:"timeout"`
	HealthTimeout      time.Duration  `mapstructure:"health_timeout"`
	DefaultModel       string         `mapstructure:"default_model"`
	DefaultTemperature float64        `mapstructure:"default_temperature"`
}

type UpstreamConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type MeteringConfig struct {
	DefaultTokensPerUser int64         `mapstructure:"default_tokens_per_user"`
	ConversionFactor     float64       `mapstructure:"conversion_factor"`
	AlertThreshold80     float64       `mapstructure:"alert_threshold_80"`
	AlertThreshold95     float64       `mapstructure:"alert_threshold_95"`
	SettleOnCancel       bool          `mapstructure:"settle_on_cancel"`
	SettleTimeout        time.Duration `mapstructure:"settle_timeout"`
}

type RateLimitConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	ParallelRequests  int           `mapstructure:"parallel_requests"`
	IdempotencyTTL    time.Duration `mapstructure:"idempotency_ttl"`
}

type IdentityConfig struct {
	JWTSecret    string `mapstructure:"jwt_secret"`
	JWTIssuer    string `mapstructure:"jwt_issuer"`
	TrustHeaders bool   `mapstructure:"trust_headers"`
}

// AdminConfig protects the admin API. An empty TokenHash disables it.
type AdminConfig struct {
	TokenHash string `mapstructure:"token_hash"`
}

type AlertsConfig struct {
	SMTP         SMTPConfig    `mapstructure:"smtp"`
	Webhooks     []string      `mapstructure:"webhooks"`
	Webhook      WebhookConfig `mapstructure:"webhook"`
	CreditsEmail string        `mapstructure:"credits_email"`
	SystemName   string        `mapstructure:"system_name"`
	Debug        bool          `mapstructure:"debug"`
}

type SMTPConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	From           string        `mapstructure:"from"`
	FromName       string        `mapstructure:"from_name"`
	UseTLS         bool          `mapstructure:"use_tls"`
	SkipTLSVerify  bool          `mapstructure:"skip_tls_verify"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type WebhookConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type ExportsConfig struct {
	Storage string             `mapstructure:"storage"`
	S3      ExportsS3Config    `mapstructure:"s3"`
	Local   ExportsLocalConfig `mapstructure:"local"`
}

type ExportsS3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type ExportsLocalConfig struct {
	Directory string `mapstructure:"directory"`
}

type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type ObservabilityConfig struct {
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	ServiceName   string `mapstructure:"service_name"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// Options tune how configuration is discovered.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// legacyEnv maps keys to the unprefixed variables used by earlier
// deployments. The prefixed variable wins when both are set.
var legacyEnv = map[string]string{
	"database.url":               "DATABASE_URL",
	"providers.primary.base_url": "LITELLM_BASE_URL",
	"providers.primary.api_key":  "LITELLM_API_KEY",
	"providers.fallback.api_key": "OPENAI_API_KEY",
	"alerts.smtp.host":           "SMTP_SERVER",
	"alerts.smtp.port":           "SMTP_PORT",
	"alerts.smtp.username":       "SMTP_USERNAME",
	"alerts.smtp.password":       "SMTP_PASSWORD",
	"alerts.smtp.from":           "FROM_EMAIL",
	"alerts.smtp.from_name":      "FROM_NAME",
	"alerts.credits_email":       "CREDITS_EMAIL",
	"alerts.debug":               "EMAIL_DEBUG",
}

const envPrefix = "METER"

// Load reads configuration from the environment (and optional file).
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("METER_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("gateway")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		timeStringToDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and normalizes the rest.
func (c *Config) Validate() error {
	var missing []string

	if strings.TrimSpace(c.Database.URL) == "" {
		missing = append(missing, "METER_DATABASE_URL")
	}
	if strings.TrimSpace(c.Providers.Primary.BaseURL) == "" {
		missing = append(missing, "METER_PROVIDERS_PRIMARY_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "", "postgresql", DriverPostgres:
		c.Database.Driver = DriverPostgres
	case DriverSQLite:
	default:
		return fmt.Errorf("database.driver must be %q or %q", DriverPostgres, DriverSQLite)
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}

	if err := c.Providers.validate(); err != nil {
		return err
	}
	if err := c.Metering.validate(); err != nil {
		return err
	}
	if c.RateLimits.RequestsPerMinute < 0 || c.RateLimits.ParallelRequests < 0 {
		return fmt.Errorf("rate_limits values must be >= 0")
	}
	if c.RateLimits.IdempotencyTTL <= 0 {
		c.RateLimits.IdempotencyTTL = 30 * time.Minute
	}
	if strings.TrimSpace(c.Identity.JWTSecret) == "" && !c.Identity.TrustHeaders {
		return fmt.Errorf("identity requires jwt_secret or trust_headers")
	}

	c.Alerts.Webhooks = normalizeStringSlice(c.Alerts.Webhooks)
	smtp := &c.Alerts.SMTP
	if smtp.Port <= 0 {
		smtp.Port = 587
	}
	if smtp.ConnectTimeout <= 0 {
		smtp.ConnectTimeout = 5 * time.Second
	}
	if c.Alerts.Webhook.Timeout <= 0 {
		c.Alerts.Webhook.Timeout = 5 * time.Second
	}
	if c.Alerts.Webhook.MaxRetries <= 0 {
		c.Alerts.Webhook.MaxRetries = 3
	}
	if strings.TrimSpace(c.Alerts.SystemName) == "" {
		c.Alerts.SystemName = "Metering Gateway"
	}

	if err := c.Exports.validate(); err != nil {
		return err
	}
	if c.Health.CheckInterval <= 0 {
		c.Health.CheckInterval = time.Minute
	}
	if strings.TrimSpace(c.Observability.ServiceName) == "" {
		c.Observability.ServiceName = "metering-gateway"
	}
	return nil
}

// SMTPEnabled reports whether real email delivery is configured.
func (a AlertsConfig) SMTPEnabled() bool {
	if a.Debug {
		return false
	}
	return strings.TrimSpace(a.SMTP.Host) != "" &&
		strings.TrimSpace(a.SMTP.Username) != "" &&
		a.SMTP.Password != "" &&
		strings.TrimSpace(a.SMTP.From) != ""
}

// FallbackConfigured reports whether the fallback provider has credentials.
func (p ProvidersConfig) FallbackConfigured() bool {
	return strings.TrimSpace(p.Fallback.APIKey) != ""
}

func (p *ProvidersConfig) validate() error {
	p.Primary.BaseURL = strings.TrimRight(strings.TrimSpace(p.Primary.BaseURL), "/")
	p.Fallback.BaseURL = strings.TrimRight(strings.TrimSpace(p.Fallback.BaseURL), "/")
	if p.Fallback.BaseURL == "" {
		p.Fallback.BaseURL = "https://api.openai.com/v1"
	}
	if p.Primary.Name == "" {
		p.Primary.Name = "litellm"
	}
	if p.Fallback.Name == "" {
		p.Fallback.Name = "openai"
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("providers.timeout must be > 0")
	}
	if p.HealthTimeout <= 0 {
		p.HealthTimeout = 10 * time.Second
	}
	if strings.TrimSpace(p.DefaultModel) == "" {
		p.DefaultModel = "gpt-3.5-turbo"
	}
	if p.DefaultTemperature < 0 || p.DefaultTemperature > 2 {
		return fmt.Errorf("providers.default_temperature must be between 0 and 2")
	}
	return nil
}

func (m *MeteringConfig) validate() error {
	if m.DefaultTokensPerUser < 0 {
		return fmt.Errorf("metering.default_tokens_per_user must be >= 0")
	}
	if m.ConversionFactor <= 0 {
		return fmt.Errorf("metering.conversion_factor must be > 0")
	}
	if m.AlertThreshold80 <= 0 || m.AlertThreshold80 > 1 {
		return fmt.Errorf("metering.alert_threshold_80 must be within (0, 1]")
	}
	if m.AlertThreshold95 < m.AlertThreshold80 || m.AlertThreshold95 > 1 {
		return fmt.Errorf("metering.alert_threshold_95 must be within [alert_threshold_80, 1]")
	}
	if m.SettleTimeout <= 0 {
		m.SettleTimeout = 10 * time.Second
	}
	return nil
}

func (e *ExportsConfig) validate() error {
	e.Storage = strings.ToLower(strings.TrimSpace(e.Storage))
	switch e.Storage {
	case "", "local":
		e.Storage = "local"
		if strings.TrimSpace(e.Local.Directory) == "" {
			e.Local.Directory = "./data/exports"
		}
	case "s3":
		if strings.TrimSpace(e.S3.Bucket) == "" {
			return fmt.Errorf("exports.s3.bucket must be provided for s3 storage")
		}
	default:
		return fmt.Errorf("exports.storage must be local or s3")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 10)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_idle_time", "5m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("providers.primary.name", "litellm")
	v.SetDefault("providers.primary.base_url", "http://localhost:4000")
	v.SetDefault("providers.fallback.name", "openai")
	v.SetDefault("providers.fallback.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.timeout", "120s")
	v.SetDefault("providers.health_timeout", "10s")
	v.SetDefault("providers.default_model", "gpt-3.5-turbo")
	v.SetDefault("providers.default_temperature", 0.7)

	v.SetDefault("metering.default_tokens_per_user", 1000)
	v.SetDefault("metering.conversion_factor", 0.376)
	v.SetDefault("metering.alert_threshold_80", 0.8)
	v.SetDefault("metering.alert_threshold_95", 0.95)
	v.SetDefault("metering.settle_on_cancel", true)
	v.SetDefault("metering.settle_timeout", "10s")

	v.SetDefault("rate_limits.requests_per_minute", 0)
	v.SetDefault("rate_limits.parallel_requests", 0)
	v.SetDefault("rate_limits.idempotency_ttl", "30m")

	v.SetDefault("identity.trust_headers", true)

	v.SetDefault("alerts.webhooks", []string{})
	v.SetDefault("alerts.smtp.port", 587)
	v.SetDefault("alerts.smtp.use_tls", true)
	v.SetDefault("alerts.smtp.connect_timeout", "5s")
	v.SetDefault("alerts.smtp.from_name", "Metering Gateway")
	v.SetDefault("alerts.webhook.timeout", "5s")
	v.SetDefault("alerts.webhook.max_retries", 3)
	v.SetDefault("alerts.system_name", "Metering Gateway")

	v.SetDefault("exports.storage", "local")
	v.SetDefault("exports.local.directory", "./data/exports")

	v.SetDefault("health.check_interval", "60s")

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.service_name", "metering-gateway")
	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "localhost:4317")
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clean := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
