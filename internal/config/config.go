// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Delivery providers.
const (
	ProviderSlack    = "slack"
	ProviderTelegram = "telegram"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Slack    SlackConfig    `mapstructure:"slack"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	APIToken string `mapstructure:"api_token"` // bearer token for the read API
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// GitHubConfig holds GitHub API and webhook configuration.
type GitHubConfig struct {
	Token         string `mapstructure:"token"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	AppSlug       string `mapstructure:"app_slug"`
}

// SlackConfig holds Slack app configuration.
type SlackConfig struct {
	BotToken      string `mapstructure:"bot_token"`
	SigningSecret string `mapstructure:"signing_secret"`
	APIURL        string `mapstructure:"api_url"` // override for testing or proxies
}

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	Token string `mapstructure:"token"`
	Debug bool   `mapstructure:"debug"`
}

// DeliveryConfig controls how notifications are sent.
type DeliveryConfig struct {
	Provider    string        `mapstructure:"provider"` // slack or telegram
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// WorkerConfig sizes the background task pool.
type WorkerConfig struct {
	Count     int `mapstructure:"count"`
	QueueSize int `mapstructure:"queue_size"`
}

// Load reads configuration from a .env file, the config file and environment variables.
func Load(configPath string) (*Config, error) {
	// .env is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("database.path", "./data/pullis.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("telegram.debug", false)
	v.SetDefault("delivery.provider", ProviderSlack)
	v.SetDefault("delivery.timeout", 10*time.Second)
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.max_backoff", 5*time.Second)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.queue_size", 100)

	// registered so AutomaticEnv can fill them without a config file
	for _, key := range []string{
		"log.file",
		"server.api_token",
		"github.token", "github.webhook_secret", "github.app_slug",
		"slack.bot_token", "slack.signing_secret", "slack.api_url",
		"telegram.token",
	} {
		v.SetDefault(key, "")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("PULLIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks if all required configuration fields are set.
func (c *Config) Validate() error {
	if c.GitHub.WebhookSecret == "" {
		return fmt.Errorf("github webhook secret is required")
	}

	switch c.Delivery.Provider {
	case ProviderSlack:
		if c.Slack.BotToken == "" {
			return fmt.Errorf("slack bot token is required")
		}
		if c.Slack.SigningSecret == "" {
			return fmt.Errorf("slack signing secret is required")
		}
	case ProviderTelegram:
		if c.Telegram.Token == "" {
			return fmt.Errorf("telegram token is required")
		}
	default:
		return fmt.Errorf("unknown delivery provider %q", c.Delivery.Provider)
	}

	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery max_attempts must be at least 1")
	}
	if c.Worker.Count < 1 || c.Worker.QueueSize < 1 {
		return fmt.Errorf("worker count and queue_size must be positive")
	}
	return nil
}

// ServerAddress returns the full server address.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// InstallURL returns the GitHub App installation page, or "" without an app slug.
func (c *Config) InstallURL() string {
	if c.GitHub.AppSlug == "" {
		return ""
	}
	return fmt.Sprintf("https://github.com/apps/%s/installations/new", c.GitHub.AppSlug)
}
