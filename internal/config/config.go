// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bizsim/internal/model"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Inference InferenceConfig `mapstructure:"inference"`
	Game      GameConfig      `mapstructure:"game"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Whitelist WhitelistConfig `mapstructure:"whitelist"`
	LogLevel  string          `mapstructure:"log_level"`
}

// BotConfig holds Telegram bot configuration.
type BotConfig struct {
	Token         string        `mapstructure:"token"`
	PollerTimeout time.Duration `mapstructure:"poller_timeout"`
}

// DatabaseConfig holds durable store configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds ephemeral cache configuration. An empty address selects the
// in-memory cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RabbitMQConfig holds event broadcast configuration. An empty URL disables the
// exchange publisher.
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// InferenceConfig holds AI dispatch and supervision settings.
type InferenceConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	StuckThreshold  time.Duration `mapstructure:"stuck_threshold"`
	QueueSize       int           `mapstructure:"queue_size"`
	Workers         int           `mapstructure:"workers"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	ResultTTL       time.Duration `mapstructure:"result_ttl"`
	InFlightTTL     time.Duration `mapstructure:"inflight_ttl"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Default provider settings applied to sessions created from chat.
	Provider       string            `mapstructure:"provider"`
	Endpoint       string            `mapstructure:"endpoint"`
	APIKey         string            `mapstructure:"api_key"`
	Model          string            `mapstructure:"model"`
	Headers        map[string]string `mapstructure:"headers"`
	BodyTemplate   string            `mapstructure:"body_template"`
	ResponseFormat string            `mapstructure:"response_format"`
	Temperature    *float64          `mapstructure:"temperature"`
	MaxTokens      int               `mapstructure:"max_tokens"`
}

// SessionAI returns the provider configuration given to sessions created from chat.
// Viper lowercases map keys, which header matching tolerates.
func (c *InferenceConfig) SessionAI() *model.AIConfig {
	ai := &model.AIConfig{
		Provider:       c.Provider,
		Endpoint:       c.Endpoint,
		APIKey:         c.APIKey,
		Model:          c.Model,
		BodyTemplate:   c.BodyTemplate,
		ResponseFormat: c.ResponseFormat,
		MaxTokens:      c.MaxTokens,
	}
	if len(c.Headers) > 0 {
		ai.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			ai.Headers[k] = v
		}
	}
	if c.Temperature != nil {
		t := *c.Temperature
		ai.Temperature = &t
	}
	return ai
}

// GameConfig holds match defaults.
type GameConfig struct {
	DecisionDuration   time.Duration `mapstructure:"decision_duration"`
	DefaultTotalRounds int           `mapstructure:"default_total_rounds"`
	StartingBalance    float64       `mapstructure:"starting_balance"`
	RuleText           string        `mapstructure:"rule_text"`
	TradeTTL           time.Duration `mapstructure:"trade_ttl"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// WhitelistConfig holds chat whitelist configuration.
type WhitelistConfig struct {
	Chats []int64 `mapstructure:"chats"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase
	// e.g., BOT_TOKEN, DATABASE_DRIVER, INFERENCE_MAX_ATTEMPTS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file not found is OK - env vars can provide all config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Database.Driver != DriverPostgres && c.Database.Driver != DriverMemory {
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Inference.MaxAttempts < 1 {
		return fmt.Errorf("inference.max_attempts must be at least 1")
	}
	if c.Inference.Workers < 1 || c.Inference.QueueSize < 1 {
		return fmt.Errorf("inference.workers and inference.queue_size must be positive")
	}
	if c.Inference.StuckThreshold <= 0 {
		return fmt.Errorf("inference.stuck_threshold must be positive")
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("bot.poller_timeout", "10s")

	// Database defaults
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "bizsim")
	v.SetDefault("database.name", "bizsim")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("redis.db", 0)
	v.SetDefault("rabbitmq.exchange", "bizsim.events")

	// Inference defaults
	v.SetDefault("inference.max_attempts", 3)
	v.SetDefault("inference.initial_backoff", "1s")
	v.SetDefault("inference.max_backoff", "10s")
	v.SetDefault("inference.request_timeout", "60s")
	v.SetDefault("inference.stuck_threshold", "5m")
	v.SetDefault("inference.queue_size", 64)
	v.SetDefault("inference.workers", 4)
	v.SetDefault("inference.rate_per_second", 2.0)
	v.SetDefault("inference.burst", 4)
	v.SetDefault("inference.result_ttl", "24h")
	v.SetDefault("inference.inflight_ttl", "10m")
	v.SetDefault("inference.shutdown_timeout", "30s")

	// Registered so INFERENCE_* environment variables reach Unmarshal.
	v.SetDefault("inference.provider", "")
	v.SetDefault("inference.endpoint", "")
	v.SetDefault("inference.api_key", "")
	v.SetDefault("inference.model", "")
	v.SetDefault("inference.body_template", "")
	v.SetDefault("inference.response_format", "")
	v.SetDefault("inference.max_tokens", 0)

	// Game defaults
	v.SetDefault("game.decision_duration", "10m")
	v.SetDefault("game.default_total_rounds", 8)
	v.SetDefault("game.starting_balance", 10000)
	v.SetDefault("game.trade_ttl", "5m")

	v.SetDefault("metrics.addr", ":9090")
}

// IsChatAllowed checks if a chat ID is in the whitelist.
func (c *Config) IsChatAllowed(chatID int64) bool {
	// Empty whitelist means all chats are allowed
	if len(c.Whitelist.Chats) == 0 {
		return true
	}
	return slices.Contains(c.Whitelist.Chats, chatID)
}
