package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Logger    LoggerConfig
	Dispatch  DispatchConfig
	Delivery  DeliveryConfig
	Logs      LogsConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Ingest    IngestConfig
}

type ServerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

type DatabaseConfig struct {
	URL     string
	Migrate bool
}

type RedisConfig struct {
	URL string
}

type LoggerConfig struct {
	Level    string
	Mode     string
	Encoding string
}

type DispatchConfig struct {
	Workers   int
	QueueSize int
}

type DeliveryConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	Jitter      float64
	UserAgent   string
}

type LogsConfig struct {
	DefaultLimit int
	MaxLimit     int
}

type AuthConfig struct {
	Mode       string
	HMACSecret string
	JWKSURL    string
	OwnerClaim string
	RoleClaim  string
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
	// TrustProxy keys anonymous callers by X-Forwarded-For / X-Real-IP.
	TrustProxy bool
}

type IngestConfig struct {
	GitHubSecret string
}

// Load reads config.yaml from ./config, . or /etc/hookrelay/ when present,
// then applies environment overrides (server.port -> SERVER_PORT).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hookrelay/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	// Legacy variable names.
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("database.migrate", "DATABASE_MIGRATE", "DB_MIGRATE")
	_ = v.BindEnv("delivery.max_attempts", "DELIVERY_MAX_ATTEMPTS", "WEBHOOK_MAX_ATTEMPTS")
	_ = v.BindEnv("ratelimit.rps", "RATELIMIT_RPS", "RATE_RPS")
	_ = v.BindEnv("ratelimit.burst", "RATELIMIT_BURST", "RATE_BURST")

	cfg := &Config{}
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.ReadHeaderTimeout = v.GetDuration("server.read_header_timeout")
	cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")

	cfg.Database.URL = strings.TrimSpace(v.GetString("database.url"))
	cfg.Database.Migrate = v.GetBool("database.migrate")
	cfg.Redis.URL = strings.TrimSpace(v.GetString("redis.url"))

	cfg.Logger.Level = v.GetString("logger.level")
	cfg.Logger.Mode = v.GetString("logger.mode")
	cfg.Logger.Encoding = v.GetString("logger.encoding")

	cfg.Dispatch.Workers = v.GetInt("dispatch.workers")
	cfg.Dispatch.QueueSize = v.GetInt("dispatch.queue_size")

	cfg.Delivery.Timeout = v.GetDuration("delivery.timeout")
	cfg.Delivery.MaxAttempts = v.GetInt("delivery.max_attempts")
	cfg.Delivery.BackoffBase = v.GetDuration("delivery.backoff_base")
	cfg.Delivery.Jitter = v.GetFloat64("delivery.jitter")
	cfg.Delivery.UserAgent = v.GetString("delivery.user_agent")

	cfg.Logs.DefaultLimit = v.GetInt("logs.default_limit")
	cfg.Logs.MaxLimit = v.GetInt("logs.max_limit")

	cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(v.GetString("auth.mode")))
	cfg.Auth.HMACSecret = v.GetString("auth.hmac_secret")
	cfg.Auth.JWKSURL = v.GetString("auth.jwks_url")
	cfg.Auth.OwnerClaim = v.GetString("auth.owner_claim")
	cfg.Auth.RoleClaim = v.GetString("auth.role_claim")

	cfg.RateLimit.RPS = v.GetFloat64("ratelimit.rps")
	cfg.RateLimit.Burst = v.GetInt("ratelimit.burst")
	cfg.RateLimit.TrustProxy = v.GetBool("ratelimit.trust_proxy")

	cfg.Ingest.GitHubSecret = v.GetString("ingest.github_secret")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	case c.Dispatch.Workers <= 0:
		return fmt.Errorf("dispatch.workers must be positive")
	case c.Dispatch.QueueSize <= 0:
		return fmt.Errorf("dispatch.queue_size must be positive")
	case c.Delivery.Timeout <= 0:
		return fmt.Errorf("delivery.timeout must be positive")
	case c.Delivery.MaxAttempts <= 0:
		return fmt.Errorf("delivery.max_attempts must be positive")
	case c.Delivery.Jitter < 0 || c.Delivery.Jitter > 1:
		return fmt.Errorf("delivery.jitter must be within [0,1]")
	case c.Logs.MaxLimit <= 0 || c.Logs.DefaultLimit <= 0 || c.Logs.DefaultLimit > c.Logs.MaxLimit:
		return fmt.Errorf("logs limits invalid: default=%d max=%d", c.Logs.DefaultLimit, c.Logs.MaxLimit)
	}
	switch c.Auth.Mode {
	case "dev":
		return nil
	case "hmac":
		if c.Auth.HMACSecret == "" {
			return fmt.Errorf("auth.hmac_secret is required in hmac mode")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required in jwks mode")
		}
	default:
		return fmt.Errorf("auth.mode %q not supported", c.Auth.Mode)
	}
	// the GitHub receiver carries no caller identity; outside dev mode its
	// signature is the only thing authenticating it
	if c.Ingest.GitHubSecret == "" {
		return fmt.Errorf("ingest.github_secret is required when auth.mode is %s", c.Auth.Mode)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.migrate", true)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.mode", "production")
	v.SetDefault("logger.encoding", "json")

	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("delivery.timeout", "10s")
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.backoff_base", "1s")
	v.SetDefault("delivery.jitter", 0.2)
	v.SetDefault("delivery.user_agent", "hookrelay-webhooks/1.0")

	v.SetDefault("logs.default_limit", 50)
	v.SetDefault("logs.max_limit", 1000)

	v.SetDefault("auth.mode", "dev")
	v.SetDefault("auth.owner_claim", "sub")
	v.SetDefault("auth.role_claim", "role")

	v.SetDefault("ratelimit.rps", 20)
	v.SetDefault("ratelimit.burst", 40)
	v.SetDefault("ratelimit.trust_proxy", false)
}
