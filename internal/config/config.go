package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceMode selects where current stack definitions are read from.
type SourceMode string

const (
	// SourceLocal reads compose files from a local directory tree.
	SourceLocal SourceMode = "local"
	// SourcePortainer reads stacks from a Portainer instance.
	SourcePortainer SourceMode = "portainer"
)

// Config represents the complete stackvault configuration.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Portainer PortainerConfig `yaml:"portainer"`
	GitHub    GitHubConfig    `yaml:"github"`
	Discord   DiscordConfig   `yaml:"discord"`
	Watch     WatchConfig     `yaml:"watch"`
}

// SourceConfig configures the source of current stack definitions.
type SourceConfig struct {
	Mode     SourceMode `yaml:"mode"`
	Root     string     `yaml:"root"`
	Patterns []string   `yaml:"patterns"`
}

// PortainerConfig configures the Portainer API connection.
type PortainerConfig struct {
	Address       string `yaml:"address"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	SkipTLSVerify bool   `yaml:"skip_tls_verify"`
}

// GitHubConfig configures the backup repository.
type GitHubConfig struct {
	Token      string `yaml:"token"`
	Repository string `yaml:"repository"`
}

// DiscordConfig configures outbound webhooks: one for change
// notifications, an optional second one mirroring operational logs.
type DiscordConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	LogWebhookURL string `yaml:"log_webhook_url"`
	LogLevel      string `yaml:"log_level"`
}

// WatchConfig configures the periodic watch mode.
type WatchConfig struct {
	Interval string `yaml:"interval"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields so secrets
// can live in the environment rather than the file.
func (c *Config) expandEnv() {
	c.Source.Root = os.ExpandEnv(c.Source.Root)
	for i, p := range c.Source.Patterns {
		c.Source.Patterns[i] = os.ExpandEnv(p)
	}
	c.Portainer.Address = os.ExpandEnv(c.Portainer.Address)
	c.Portainer.Username = os.ExpandEnv(c.Portainer.Username)
	c.Portainer.Password = os.ExpandEnv(c.Portainer.Password)
	c.GitHub.Token = os.ExpandEnv(c.GitHub.Token)
	c.GitHub.Repository = os.ExpandEnv(c.GitHub.Repository)
	c.Discord.WebhookURL = os.ExpandEnv(c.Discord.WebhookURL)
	c.Discord.LogWebhookURL = os.ExpandEnv(c.Discord.LogWebhookURL)
	c.Watch.Interval = os.ExpandEnv(c.Watch.Interval)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Source.Mode == "" {
		c.Source.Mode = SourcePortainer
	}
	if c.Source.Root == "" {
		c.Source.Root = "./stacks"
	}
	if len(c.Source.Patterns) == 0 {
		c.Source.Patterns = []string{"compose.yaml"}
	}
	// Pattern entries may arrive comma-separated from a single
	// environment variable.
	patterns := make([]string, 0, len(c.Source.Patterns))
	for _, entry := range c.Source.Patterns {
		for _, p := range strings.Split(entry, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
	}
	c.Source.Patterns = patterns

	if c.Portainer.Port == 0 {
		c.Portainer.Port = 9443
	}
	if c.Discord.LogLevel == "" {
		c.Discord.LogLevel = "warn"
	}
	if c.Watch.Interval == "" {
		c.Watch.Interval = "15m"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Source.Mode {
	case SourceLocal, SourcePortainer:
		// valid
	default:
		return fmt.Errorf("invalid source.mode: %s (must be local or portainer)", c.Source.Mode)
	}

	if c.Source.Mode == SourcePortainer {
		if c.Portainer.Address == "" {
			return fmt.Errorf("portainer.address is required in portainer mode")
		}
		if c.Portainer.Username == "" {
			return fmt.Errorf("portainer.username is required in portainer mode")
		}
		if c.Portainer.Password == "" {
			return fmt.Errorf("portainer.password is required in portainer mode")
		}
	}

	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required")
	}
	if c.GitHub.Repository == "" {
		return fmt.Errorf("github.repository is required")
	}

	if _, err := c.WatchInterval(); err != nil {
		return fmt.Errorf("invalid watch.interval: %w", err)
	}
	if _, err := c.DiscordLogLevel(); err != nil {
		return fmt.Errorf("invalid discord.log_level: %w", err)
	}

	return nil
}

// WatchInterval returns the parsed watch interval.
func (c *Config) WatchInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Watch.Interval)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive: %s", c.Watch.Interval)
	}
	return d, nil
}

// DiscordLogLevel returns the minimum slog level mirrored to the log
// webhook.
func (c *Config) DiscordLogLevel() (slog.Level, error) {
	switch c.Discord.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level: %s (must be debug, info, warn, or error)", c.Discord.LogLevel)
	}
}
