package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Auth      AuthConfig      `mapstructure:"auth"`
	QR        QRConfig        `mapstructure:"qr"`
	Access    AccessConfig    `mapstructure:"access"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int  `mapstructure:"port"`
	TimeoutSeconds int  `mapstructure:"timeoutSeconds"`
	Debug          bool `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

type RedisConfig struct {
	URL            string `mapstructure:"url"`
	Channel        string `mapstructure:"channel"`
	MaxRetries     int    `mapstructure:"max_retries"`
	RetryBackoffMs int    `mapstructure:"retry_backoff_ms"`
	PoolSize       int    `mapstructure:"pool_size"`
	MinIdleConns   int    `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	Issuer      string `mapstructure:"issuer"`
	ExpiryHours int    `mapstructure:"expiry_hours"`
}

func (c JWTConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryHours) * time.Hour
}

// AuthConfig holds the shared secret the trusted login front uses to exchange an
// authenticated profile for an API token.
type AuthConfig struct {
	ExchangeSecret string `mapstructure:"exchange_secret"`
}

type QRConfig struct {
	// TTLHours of zero means tokens never expire.
	TTLHours     int `mapstructure:"ttl_hours"`
	CacheMinutes int `mapstructure:"cache_minutes"`
}

func (c QRConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

func (c QRConfig) CacheDuration() time.Duration {
	return time.Duration(c.CacheMinutes) * time.Minute
}

type AccessConfig struct {
	// DefaultsApplyToListing extends default-share preferences to the consented-patients
	// listing. Off by default: only scans honour defaults.
	DefaultsApplyToListing bool              `mapstructure:"defaults_apply_to_listing"`
	Placeholders           PlaceholderConfig `mapstructure:"placeholders"`
}

// PlaceholderConfig holds the values shown for in-scope attributes with nothing recorded.
type PlaceholderConfig struct {
	MedicalHistory string `mapstructure:"medical_history"`
	BloodGroup     string `mapstructure:"blood_group"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type OutboxConfig struct {
	BatchSize           int `mapstructure:"batch_size"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	RetryAttempts       int `mapstructure:"retry_attempts"`
	RetryDelayMs        int `mapstructure:"retry_delay_ms"`
	MaxFailures         int `mapstructure:"max_failures"`
	ClaimTimeoutSeconds int `mapstructure:"claim_timeout_seconds"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// Secrets are read from CONSENT_* environment variables and override the file.
type Secrets struct {
	DBPassword     string `envconfig:"DB_PASSWORD"`
	JWTSecret      string `envconfig:"JWT_SECRET"`
	SMTPPassword   string `envconfig:"SMTP_PASSWORD"`
	ExchangeSecret string `envconfig:"EXCHANGE_SECRET"`
	RedisURL       string `envconfig:"REDIS_URL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeoutSeconds", 30)
	v.SetDefault("server.debug", false)

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "consent")
	v.SetDefault("database.name", "consent")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)

	// Empty url: events go to the log. Kept as a key so REDIS_URL still binds.
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.channel", "consent-events")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff_ms", 100)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("jwt.issuer", "consent-api")
	v.SetDefault("jwt.expiry_hours", 12)

	v.SetDefault("qr.ttl_hours", 0)
	v.SetDefault("qr.cache_minutes", 15)

	v.SetDefault("access.defaults_apply_to_listing", false)
	v.SetDefault("access.placeholders.medical_history", "No medical history recorded")
	v.SetDefault("access.placeholders.blood_group", "Not specified")

	v.SetDefault("rate_limit.rps", 50)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval_seconds", 5)
	v.SetDefault("outbox.retry_attempts", 3)
	v.SetDefault("outbox.retry_delay_ms", 500)
	v.SetDefault("outbox.max_failures", 5)
	v.SetDefault("outbox.claim_timeout_seconds", 300)

	v.SetDefault("smtp.port", 587)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
}

// LoadConfig reads config.yaml from the working directory or ./config.
func LoadConfig() (*Config, error) {
	return Load(".", "./config")
}

// Load reads config.yaml from the given paths. A missing file is not an error; defaults,
// environment and secrets still apply.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var secrets Secrets
	if err := envconfig.Process("consent", &secrets); err != nil {
		return nil, fmt.Errorf("failed to read secrets from environment: %w", err)
	}
	config.applySecrets(secrets)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applySecrets(s Secrets) {
	if s.DBPassword != "" {
		c.Database.Password = s.DBPassword
	}
	if s.JWTSecret != "" {
		c.JWT.Secret = s.JWTSecret
	}
	if s.SMTPPassword != "" {
		c.SMTP.Password = s.SMTPPassword
	}
	if s.ExchangeSecret != "" {
		c.Auth.ExchangeSecret = s.ExchangeSecret
	}
	if s.RedisURL != "" {
		c.Redis.URL = s.RedisURL
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("jwt secret must be at least 32 characters")
	}
	if c.JWT.ExpiryHours <= 0 {
		return fmt.Errorf("jwt expiry_hours must be positive")
	}
	if c.QR.TTLHours < 0 {
		return fmt.Errorf("qr ttl_hours must not be negative")
	}
	if c.Access.Placeholders.BloodGroup == "" {
		return fmt.Errorf("access placeholder for blood_group must not be empty")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.PollIntervalSeconds <= 0 || c.Outbox.RetryAttempts <= 0 {
		return fmt.Errorf("outbox batch_size, poll_interval_seconds and retry_attempts must be positive")
	}
	if c.Outbox.MaxFailures <= 0 || c.Outbox.ClaimTimeoutSeconds <= 0 {
		return fmt.Errorf("outbox max_failures and claim_timeout_seconds must be positive")
	}
	return nil
}
