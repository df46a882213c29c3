package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Cache     CacheConfig
	Usage     UsageConfig
	Billing   BillingConfig
	Payment   PaymentConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	AutoMigrate     bool
}

// RedisConfig holds Redis connection settings.
// When Enabled is false the cache runs with the in-memory tier only.
type RedisConfig struct {
	Enabled     bool
	Host        string
	Port        int
	Password    string
	DB          int
	DialTimeout time.Duration
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	MaxHeaderBytes   int
	MaxBodySize      int64
	RateLimitEnabled bool
	RateLimitRPS     float64 // sustained requests per second per project
	RateLimitBurst   int
	CORSAllowOrigins []string
	CORSAllowMethods []string
	CORSAllowHeaders []string
	TrustedProxies   []string
	StreamHeartbeat  time.Duration
	StreamBufferSize int
}

// CacheConfig holds freshness windows per cache namespace and the
// background refresh queue settings.
type CacheConfig struct {
	EntitlementFresh time.Duration
	EntitlementStale time.Duration
	APIKeyFresh      time.Duration
	APIKeyStale      time.Duration
	SweepInterval    time.Duration
	KeyPrefix        string
	Workers          int
	QueueSize        int
	TaskTimeout      time.Duration
}

// UsageConfig holds usage counter settings
type UsageConfig struct {
	DedupTTL         time.Duration
	ActorIdleTimeout time.Duration
	FlushBatchSize   int
	FlushInterval    time.Duration
	FlushQueueSize   int
	IdempotentFresh  time.Duration
	IdempotentStale  time.Duration
}

// BillingConfig holds billing phase scheduler settings
type BillingConfig struct {
	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	BatchSize         int
	MaxCollectRetries int
}

// PaymentConfig selects and configures the payment provider
type PaymentConfig struct {
	Provider string // stripe, sandbox
	Stripe   StripeConfig
}

// StripeConfig holds Stripe API settings
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	MaxRetries    int64
	SuccessURL    string
	CancelURL     string
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	MetricsInterval   time.Duration
	DBTraceEnabled    bool
	DBLogFullSQL      bool
	DBSlowQueryThresh time.Duration
	Profiling         ProfilingConfig
}

// ProfilingConfig holds Pyroscope continuous profiling settings
type ProfilingConfig struct {
	Enabled           bool
	ServerAddress     string
	ApplicationName   string
	BasicAuthUser     string
	BasicAuthPassword string
	ProfileTypes      []string
	SpanProfiles      bool
}

// Supported payment providers
const (
	PaymentProviderStripe  = "stripe"
	PaymentProviderSandbox = "sandbox"
)

// Load reads configuration from config file and environment variables.
// Priority (highest to lowest):
// 1. Environment variables with METER_ prefix (e.g., METER_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("METER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans that default to true need an explicit default, otherwise an
	// unset key reads as false.
	v.SetDefault("redis.enabled", true)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("http.rate_limit_enabled", true)
	v.SetDefault("billing.scheduler_enabled", true)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			AutoMigrate:     v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{
			Enabled:     v.GetBool("redis.enabled"),
			Host:        v.GetString("redis.host"),
			Port:        v.GetInt("redis.port"),
			Password:    v.GetString("redis.password"),
			DB:          v.GetInt("redis.db"),
			DialTimeout: v.GetDuration("redis.dial_timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			ShutdownTimeout:  v.GetDuration("http.shutdown_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			RateLimitEnabled: v.GetBool("http.rate_limit_enabled"),
			RateLimitRPS:     v.GetFloat64("http.rate_limit_rps"),
			RateLimitBurst:   v.GetInt("http.rate_limit_burst"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods: v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders: v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
			StreamHeartbeat:  v.GetDuration("http.stream_heartbeat"),
			StreamBufferSize: v.GetInt("http.stream_buffer_size"),
		},
		Cache: CacheConfig{
			EntitlementFresh: v.GetDuration("cache.entitlement_fresh"),
			EntitlementStale: v.GetDuration("cache.entitlement_stale"),
			APIKeyFresh:      v.GetDuration("cache.api_key_fresh"),
			APIKeyStale:      v.GetDuration("cache.api_key_stale"),
			SweepInterval:    v.GetDuration("cache.sweep_interval"),
			KeyPrefix:        v.GetString("cache.key_prefix"),
			Workers:          v.GetInt("cache.workers"),
			QueueSize:        v.GetInt("cache.queue_size"),
			TaskTimeout:      v.GetDuration("cache.task_timeout"),
		},
		Usage: UsageConfig{
			DedupTTL:         v.GetDuration("usage.dedup_ttl"),
			ActorIdleTimeout: v.GetDuration("usage.actor_idle_timeout"),
			FlushBatchSize:   v.GetInt("usage.flush_batch_size"),
			FlushInterval:    v.GetDuration("usage.flush_interval"),
			FlushQueueSize:   v.GetInt("usage.flush_queue_size"),
			IdempotentFresh:  v.GetDuration("usage.idempotent_fresh"),
			IdempotentStale:  v.GetDuration("usage.idempotent_stale"),
		},
		Billing: BillingConfig{
			SchedulerEnabled:  v.GetBool("billing.scheduler_enabled"),
			SchedulerInterval: v.GetDuration("billing.scheduler_interval"),
			BatchSize:         v.GetInt("billing.batch_size"),
			MaxCollectRetries: v.GetInt("billing.max_collect_retries"),
		},
		Payment: PaymentConfig{
			Provider: v.GetString("payment.provider"),
			Stripe: StripeConfig{
				SecretKey:     v.GetString("payment.stripe.secret_key"),
				WebhookSecret: v.GetString("payment.stripe.webhook_secret"),
				MaxRetries:    v.GetInt64("payment.stripe.max_retries"),
				SuccessURL:    v.GetString("payment.stripe.success_url"),
				CancelURL:     v.GetString("payment.stripe.cancel_url"),
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
			Profiling: ProfilingConfig{
				Enabled:           v.GetBool("telemetry.profiling.enabled"),
				ServerAddress:     v.GetString("telemetry.profiling.server_address"),
				ApplicationName:   v.GetString("telemetry.profiling.application_name"),
				BasicAuthUser:     v.GetString("telemetry.profiling.basic_auth_user"),
				BasicAuthPassword: v.GetString("telemetry.profiling.basic_auth_password"),
				ProfileTypes:      v.GetStringSlice("telemetry.profiling.profile_types"),
				SpanProfiles:      v.GetBool("telemetry.profiling.span_profiles"),
			},
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "metering-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "metering"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 2 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	// The stream handler clears the write deadline per connection.
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // 1MB
	}
	if cfg.HTTP.RateLimitRPS == 0 {
		cfg.HTTP.RateLimitRPS = 200
	}
	if cfg.HTTP.RateLimitBurst == 0 {
		cfg.HTTP.RateLimitBurst = 400
	}
	// NOTE: CORS origins are intentionally not given a default fallback to "*".
	// An empty list means no cross-origin requests are allowed until explicitly configured.
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID"}
	}
	if cfg.HTTP.StreamHeartbeat == 0 {
		cfg.HTTP.StreamHeartbeat = 15 * time.Second
	}
	if cfg.HTTP.StreamBufferSize == 0 {
		cfg.HTTP.StreamBufferSize = 64
	}
	if cfg.Cache.EntitlementFresh == 0 {
		cfg.Cache.EntitlementFresh = time.Minute
	}
	if cfg.Cache.EntitlementStale == 0 {
		cfg.Cache.EntitlementStale = 5 * time.Minute
	}
	if cfg.Cache.APIKeyFresh == 0 {
		cfg.Cache.APIKeyFresh = 5 * time.Minute
	}
	if cfg.Cache.APIKeyStale == 0 {
		cfg.Cache.APIKeyStale = time.Hour
	}
	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = time.Minute
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "meter"
	}
	if cfg.Cache.Workers == 0 {
		cfg.Cache.Workers = 4
	}
	if cfg.Cache.QueueSize == 0 {
		cfg.Cache.QueueSize = 1024
	}
	if cfg.Cache.TaskTimeout == 0 {
		cfg.Cache.TaskTimeout = 10 * time.Second
	}
	if cfg.Usage.DedupTTL == 0 {
		cfg.Usage.DedupTTL = time.Hour
	}
	if cfg.Usage.ActorIdleTimeout == 0 {
		cfg.Usage.ActorIdleTimeout = 5 * time.Minute
	}
	if cfg.Usage.FlushBatchSize == 0 {
		cfg.Usage.FlushBatchSize = 100
	}
	if cfg.Usage.FlushInterval == 0 {
		cfg.Usage.FlushInterval = time.Second
	}
	if cfg.Usage.FlushQueueSize == 0 {
		cfg.Usage.FlushQueueSize = 4096
	}
	if cfg.Usage.IdempotentFresh == 0 {
		cfg.Usage.IdempotentFresh = 60 * time.Second
	}
	if cfg.Usage.IdempotentStale == 0 {
		cfg.Usage.IdempotentStale = 60 * time.Second
	}
	if cfg.Billing.SchedulerInterval == 0 {
		cfg.Billing.SchedulerInterval = 5 * time.Minute
	}
	if cfg.Billing.BatchSize == 0 {
		cfg.Billing.BatchSize = 50
	}
	if cfg.Billing.MaxCollectRetries == 0 {
		cfg.Billing.MaxCollectRetries = 4
	}
	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = PaymentProviderSandbox
	}
	if cfg.Payment.Stripe.MaxRetries == 0 {
		cfg.Payment.Stripe.MaxRetries = 2
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "metering-backend"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
	if cfg.Telemetry.Profiling.ApplicationName == "" {
		cfg.Telemetry.Profiling.ApplicationName = cfg.Telemetry.ServiceName
	}
	if len(cfg.Telemetry.Profiling.ProfileTypes) == 0 {
		cfg.Telemetry.Profiling.ProfileTypes = []string{"cpu", "alloc_space", "inuse_space", "goroutines"}
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Cache.EntitlementStale < c.Cache.EntitlementFresh {
		return fmt.Errorf("cache.entitlement_stale (%s) cannot be shorter than cache.entitlement_fresh (%s)",
			c.Cache.EntitlementStale, c.Cache.EntitlementFresh)
	}
	if c.Cache.APIKeyStale < c.Cache.APIKeyFresh {
		return fmt.Errorf("cache.api_key_stale (%s) cannot be shorter than cache.api_key_fresh (%s)",
			c.Cache.APIKeyStale, c.Cache.APIKeyFresh)
	}
	if c.Usage.FlushBatchSize < 0 {
		return fmt.Errorf("usage.flush_batch_size cannot be negative")
	}
	if c.Usage.DedupTTL < 0 {
		return fmt.Errorf("usage.dedup_ttl cannot be negative")
	}

	switch c.Payment.Provider {
	case PaymentProviderStripe:
		if c.Payment.Stripe.SecretKey == "" {
			return fmt.Errorf("payment.stripe.secret_key is required when payment.provider is stripe")
		}
	case PaymentProviderSandbox:
	default:
		return fmt.Errorf("payment.provider must be one of [%s, %s], got %q",
			PaymentProviderStripe, PaymentProviderSandbox, c.Payment.Provider)
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Payment.Provider == PaymentProviderSandbox {
			return fmt.Errorf("payment.provider cannot be 'sandbox' in production")
		}
		if strings.HasPrefix(c.Payment.Stripe.SecretKey, "sk_test_") {
			return fmt.Errorf("payment.stripe.secret_key must be a live key in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.Profiling.Enabled && c.Telemetry.Profiling.ServerAddress == "" {
		return fmt.Errorf("telemetry.profiling.server_address is required when profiling is enabled")
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns host:port of the redis server
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
