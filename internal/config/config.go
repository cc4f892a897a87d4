// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	CORS        CORSConfig        `mapstructure:"cors"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Usage       UsageConfig       `mapstructure:"usage"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug/release/test
	// ReadHeaderTimeout limits how long reading request headers may take (seconds).
	ReadHeaderTimeout int `mapstructure:"read_header_timeout"`
	// IdleTimeout closes keep-alive connections idle longer than this (seconds).
	IdleTimeout int `mapstructure:"idle_timeout"`
	// ShutdownTimeout bounds graceful shutdown (seconds).
	ShutdownTimeout int       `mapstructure:"shutdown_timeout"`
	TrustedProxies  []string  `mapstructure:"trusted_proxies"`
	H2C             H2CConfig `mapstructure:"h2c"`
}

// H2CConfig enables HTTP/2 over cleartext for clients that multiplex many
// concurrent sends over one connection.
type H2CConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	MaxConcurrentStreams uint32 `mapstructure:"max_concurrent_streams"`
	IdleTimeout          int    `mapstructure:"idle_timeout"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level           string            `mapstructure:"level"`
	Format          string            `mapstructure:"format"`
	ServiceName     string            `mapstructure:"service_name"`
	Environment     string            `mapstructure:"env"`
	Caller          bool              `mapstructure:"caller"`
	StacktraceLevel string            `mapstructure:"stacktrace_level"`
	Output          LogOutputConfig   `mapstructure:"output"`
	Rotation        LogRotationConfig `mapstructure:"rotation"`
	Sampling        LogSamplingConfig `mapstructure:"sampling"`
}

type LogOutputConfig struct {
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
	LocalTime  bool `mapstructure:"local_time"`
}

type LogSamplingConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Initial    int  `mapstructure:"initial"`
	Thereafter int  `mapstructure:"thereafter"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

const (
	DatabaseDriverPostgres = "postgres"
	DatabaseDriverSQLite   = "sqlite"
)

type DatabaseConfig struct {
	// Driver selects the backing store: postgres for deployments, sqlite for
	// the embedded dev/test mode.
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	// Path is the sqlite database file; ":memory:" keeps it in-process.
	Path string `mapstructure:"path"`
	// MaxOpenConns caps total connections so a hot tenant cannot exhaust the pool.
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// MaxIdleConns keeps warm connections to cut dial latency.
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMinutes int `mapstructure:"conn_max_lifetime_minutes"`
	ConnMaxIdleTimeMinutes int `mapstructure:"conn_max_idle_time_minutes"`
	// AutoMigrate applies the embedded schema on startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

func (d *DatabaseConfig) DSN() string {
	// Omit the password parameter when empty so libpq does not choke on it.
	if d.Password == "" {
		return fmt.Sprintf(
			"host=%s port=%d user=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.DBName, d.SSLMode,
		)
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	Password            string `mapstructure:"password"`
	DB                  int    `mapstructure:"db"`
	DialTimeoutSeconds  int    `mapstructure:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds"`
	PoolSize            int    `mapstructure:"pool_size"`
	MinIdleConns        int    `mapstructure:"min_idle_conns"`
}

func (r *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// AuthConfig tunes the credential auth cache. L1 is the in-process ristretto
// cache, L2 lives in redis; either tier is disabled by a zero TTL/size.
type AuthConfig struct {
	CacheL1Size        int  `mapstructure:"cache_l1_size"`
	CacheL1TTLSeconds  int  `mapstructure:"cache_l1_ttl_seconds"`
	CacheL2TTLSeconds  int  `mapstructure:"cache_l2_ttl_seconds"`
	NegativeTTLSeconds int  `mapstructure:"negative_ttl_seconds"`
	JitterPercent      int  `mapstructure:"jitter_percent"`
	Singleflight       bool `mapstructure:"singleflight"`
	// TouchDebounceSeconds coalesces credential last-used updates.
	TouchDebounceSeconds int `mapstructure:"touch_debounce_seconds"`
}

type GatewayConfig struct {
	Retry RetryConfig `mapstructure:"retry"`
	// RequestIDHeader is honored on inbound requests before generating one.
	RequestIDHeader string `mapstructure:"request_id_header"`
	// MaxBodySize caps inbound request bodies (bytes).
	MaxBodySize int64 `mapstructure:"max_body_size"`
	// AgentCacheTTLSeconds caches agent snapshots on the send hot path;
	// 0 disables the cache.
	AgentCacheTTLSeconds int `mapstructure:"agent_cache_ttl_seconds"`
	// SessionTouchDelayMS coalesces session last-activity touches.
	SessionTouchDelayMS int `mapstructure:"session_touch_delay_ms"`
}

type RetryConfig struct {
	MaxAttempts         int     `mapstructure:"max_attempts"`
	PerAttemptTimeoutMS int     `mapstructure:"per_attempt_timeout_ms"`
	BaseBackoffMS       int     `mapstructure:"base_backoff_ms"`
	MaxBackoffMS        int     `mapstructure:"max_backoff_ms"`
	JitterFraction      float64 `mapstructure:"jitter_fraction"`
}

func (r RetryConfig) PerAttemptTimeout() time.Duration {
	return time.Duration(r.PerAttemptTimeoutMS) * time.Millisecond
}

func (r RetryConfig) BaseBackoff() time.Duration {
	return time.Duration(r.BaseBackoffMS) * time.Millisecond
}

func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMS) * time.Millisecond
}

type ProvidersConfig struct {
	VendorA ProviderConfig `mapstructure:"vendor_a"`
	VendorB ProviderConfig `mapstructure:"vendor_b"`
	// MaxIdleConnsPerHost tunes the shared upstream HTTP transport.
	MaxIdleConnsPerHost    int `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeoutSeconds int `mapstructure:"idle_conn_timeout_seconds"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	// MaxTokens is forwarded to the vendor as the completion cap.
	MaxTokens int `mapstructure:"max_tokens"`
}

type IdempotencyConfig struct {
	// RetentionHours is how long records are kept before the sweeper removes
	// them; completion correctness never depends on it.
	RetentionHours int `mapstructure:"retention_hours"`
	// LeaseSeconds is the in-flight lease on a pending record. A pending
	// record with an expired lease is reclaimed by the next request with the
	// same key.
	LeaseSeconds int `mapstructure:"lease_seconds"`
	// StrictFingerprint fails closed when a key is reused with a different
	// payload. Off by default: mismatches are stored and logged only.
	StrictFingerprint bool                   `mapstructure:"strict_fingerprint"`
	Sweep             IdempotencySweepConfig `mapstructure:"sweep"`
}

type IdempotencySweepConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes"`
	BatchSize       int  `mapstructure:"batch_size"`
}

type UsageConfig struct {
	Rollup UsageRollupConfig `mapstructure:"rollup"`
}

type UsageRollupConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Cron is a robfig/cron spec; the default aggregates monthly.
	Cron string `mapstructure:"cron"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Config paths in priority order.
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		viper.AddConfigPath(dataDir)
	}
	viper.AddConfigPath("/app/data")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/agentgate")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config error: %w", err)
		}
		// Defaults apply when no config file is present.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	cfg.Server.Mode = strings.ToLower(strings.TrimSpace(cfg.Server.Mode))
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.Log.ServiceName = strings.TrimSpace(cfg.Log.ServiceName)
	cfg.Log.Environment = strings.TrimSpace(cfg.Log.Environment)
	cfg.Log.StacktraceLevel = strings.ToLower(strings.TrimSpace(cfg.Log.StacktraceLevel))
	cfg.Log.Output.FilePath = strings.TrimSpace(cfg.Log.Output.FilePath)
	cfg.CORS.AllowedOrigins = normalizeStringSlice(cfg.CORS.AllowedOrigins)
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	cfg.Providers.VendorA.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Providers.VendorA.BaseURL), "/")
	cfg.Providers.VendorB.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Providers.VendorB.BaseURL), "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config error: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Server
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_header_timeout", 10)
	viper.SetDefault("server.idle_timeout", 120)
	viper.SetDefault("server.shutdown_timeout", 15)
	viper.SetDefault("server.h2c.enabled", false)
	viper.SetDefault("server.h2c.max_concurrent_streams", 250)
	viper.SetDefault("server.h2c.idle_timeout", 300)

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.service_name", "agentgate")
	viper.SetDefault("log.env", "production")
	viper.SetDefault("log.caller", true)
	viper.SetDefault("log.stacktrace_level", "error")
	viper.SetDefault("log.output.to_stdout", true)
	viper.SetDefault("log.output.to_file", false)
	viper.SetDefault("log.rotation.max_size_mb", 100)
	viper.SetDefault("log.rotation.max_backups", 10)
	viper.SetDefault("log.rotation.max_age_days", 7)
	viper.SetDefault("log.rotation.compress", true)
	viper.SetDefault("log.rotation.local_time", true)
	viper.SetDefault("log.sampling.enabled", false)

	// Database
	viper.SetDefault("database.driver", DatabaseDriverPostgres)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.dbname", "agentgate")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.path", "agentgate.db")
	viper.SetDefault("database.max_open_conns", 50)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime_minutes", 60)
	viper.SetDefault("database.conn_max_idle_time_minutes", 10)
	viper.SetDefault("database.auto_migrate", true)

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.dial_timeout_seconds", 5)
	viper.SetDefault("redis.read_timeout_seconds", 3)
	viper.SetDefault("redis.write_timeout_seconds", 3)
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("redis.min_idle_conns", 10)

	// Auth cache
	viper.SetDefault("auth.cache_l1_size", 4096)
	viper.SetDefault("auth.cache_l1_ttl_seconds", 30)
	viper.SetDefault("auth.cache_l2_ttl_seconds", 300)
	viper.SetDefault("auth.negative_ttl_seconds", 30)
	viper.SetDefault("auth.jitter_percent", 10)
	viper.SetDefault("auth.singleflight", true)
	viper.SetDefault("auth.touch_debounce_seconds", 60)

	// Gateway
	viper.SetDefault("gateway.retry.max_attempts", 3)
	viper.SetDefault("gateway.retry.per_attempt_timeout_ms", 2000)
	viper.SetDefault("gateway.retry.base_backoff_ms", 200)
	viper.SetDefault("gateway.retry.max_backoff_ms", 10000)
	viper.SetDefault("gateway.retry.jitter_fraction", 0.1)
	viper.SetDefault("gateway.request_id_header", "X-Request-ID")
	viper.SetDefault("gateway.max_body_size", 1<<20)
	viper.SetDefault("gateway.agent_cache_ttl_seconds", 30)
	viper.SetDefault("gateway.session_touch_delay_ms", 200)

	// Providers
	viper.SetDefault("providers.vendor_a.base_url", "http://localhost:9401")
	viper.SetDefault("providers.vendor_a.model", "va-chat-1")
	viper.SetDefault("providers.vendor_a.max_tokens", 1024)
	viper.SetDefault("providers.vendor_b.base_url", "http://localhost:9402")
	viper.SetDefault("providers.vendor_b.model", "vb-messages-1")
	viper.SetDefault("providers.vendor_b.max_tokens", 1024)
	viper.SetDefault("providers.max_idle_conns_per_host", 32)
	viper.SetDefault("providers.idle_conn_timeout_seconds", 90)

	// Idempotency
	viper.SetDefault("idempotency.retention_hours", 24)
	viper.SetDefault("idempotency.lease_seconds", 30)
	viper.SetDefault("idempotency.strict_fingerprint", false)
	viper.SetDefault("idempotency.sweep.enabled", true)
	viper.SetDefault("idempotency.sweep.interval_minutes", 10)
	viper.SetDefault("idempotency.sweep.batch_size", 500)

	// Usage rollup: 02:10 on the first day of each month.
	viper.SetDefault("usage.rollup.enabled", true)
	viper.SetDefault("usage.rollup.cron", "10 2 1 * *")
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode must be one of: debug/release/test")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	case "":
		return fmt.Errorf("log.level is required")
	default:
		return fmt.Errorf("log.level must be one of: debug/info/warn/error")
	}
	switch c.Log.Format {
	case "json", "console":
	case "":
		return fmt.Errorf("log.format is required")
	default:
		return fmt.Errorf("log.format must be one of: json/console")
	}
	switch c.Log.StacktraceLevel {
	case "none", "error", "fatal":
	case "":
		return fmt.Errorf("log.stacktrace_level is required")
	default:
		return fmt.Errorf("log.stacktrace_level must be one of: none/error/fatal")
	}
	if !c.Log.Output.ToStdout && !c.Log.Output.ToFile {
		return fmt.Errorf("log.output.to_stdout and log.output.to_file cannot both be false")
	}
	switch c.Database.Driver {
	case DatabaseDriverPostgres, DatabaseDriverSQLite:
	default:
		return fmt.Errorf("database.driver must be one of: postgres/sqlite")
	}
	if c.Database.Driver == DatabaseDriverSQLite && strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required for the sqlite driver")
	}
	if c.Gateway.Retry.MaxAttempts < 1 {
		return fmt.Errorf("gateway.retry.max_attempts must be at least 1")
	}
	if c.Gateway.Retry.PerAttemptTimeoutMS <= 0 {
		return fmt.Errorf("gateway.retry.per_attempt_timeout_ms must be positive")
	}
	if c.Gateway.Retry.BaseBackoffMS <= 0 {
		return fmt.Errorf("gateway.retry.base_backoff_ms must be positive")
	}
	if c.Gateway.Retry.MaxBackoffMS < c.Gateway.Retry.BaseBackoffMS {
		return fmt.Errorf("gateway.retry.max_backoff_ms must be >= base_backoff_ms")
	}
	if c.Gateway.Retry.JitterFraction < 0 || c.Gateway.Retry.JitterFraction >= 1 {
		return fmt.Errorf("gateway.retry.jitter_fraction must be in [0, 1)")
	}
	if strings.TrimSpace(c.Providers.VendorA.BaseURL) == "" {
		return fmt.Errorf("providers.vendor_a.base_url is required")
	}
	if strings.TrimSpace(c.Providers.VendorB.BaseURL) == "" {
		return fmt.Errorf("providers.vendor_b.base_url is required")
	}
	if c.Idempotency.RetentionHours <= 0 {
		return fmt.Errorf("idempotency.retention_hours must be positive")
	}
	if c.Idempotency.LeaseSeconds <= 0 {
		return fmt.Errorf("idempotency.lease_seconds must be positive")
	}
	if c.Idempotency.Sweep.Enabled {
		if c.Idempotency.Sweep.IntervalMinutes <= 0 {
			return fmt.Errorf("idempotency.sweep.interval_minutes must be positive when enabled")
		}
		if c.Idempotency.Sweep.BatchSize <= 0 {
			return fmt.Errorf("idempotency.sweep.batch_size must be positive when enabled")
		}
	}
	if c.Usage.Rollup.Enabled && strings.TrimSpace(c.Usage.Rollup.Cron) == "" {
		return fmt.Errorf("usage.rollup.cron is required when rollup is enabled")
	}
	return nil
}

func normalizeStringSlice(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
