// Package config provides configuration loading, validation, and defaults
// for the bot platform. It reads from a YAML file and BOTCORE_* environment
// variables, then validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines the application configuration for all platform components.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	LongPoll LongPollConfig `mapstructure:"longpoll"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig holds SQLite connection settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"             validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     validate:"min=1s"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    validate:"min=1s"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
}

// WebhookConfig controls the webhook delivery scanner.
type WebhookConfig struct {
	ScanInterval    time.Duration `mapstructure:"scan_interval"    validate:"min=1s,max=5m"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout" validate:"min=1s,max=1m"`
	BatchSize       int           `mapstructure:"batch_size"       validate:"min=1,max=100"`
}

// LongPollConfig controls getUpdates limits.
type LongPollConfig struct {
	MaxLimit     int           `mapstructure:"max_limit"     validate:"min=1,max=100"`
	MaxTimeout   time.Duration `mapstructure:"max_timeout"   validate:"min=1s,max=60s"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"min=100ms,max=5s"`
}

// LoadConfig loads and validates configuration from:
// 1. Default values
// 2. The YAML file at configPath (optional)
// 3. BOTCORE_* environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BOTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file is fine, defaults and env vars still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %q: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	v.SetDefault("database.path", "botcore.db")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 35*time.Second)
	v.SetDefault("server.write_timeout", 40*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("webhook.scan_interval", 5*time.Second)
	v.SetDefault("webhook.delivery_timeout", 10*time.Second)
	v.SetDefault("webhook.batch_size", 50)

	v.SetDefault("longpoll.max_limit", 100)
	v.SetDefault("longpoll.max_timeout", 30*time.Second)
	v.SetDefault("longpoll.poll_interval", time.Second)
}
