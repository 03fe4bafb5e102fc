// Package config provides YAML-based configuration loading for Frontdesk.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Frontdesk configuration, loaded from frontdesk.yaml.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	SLA      SLAConfig      `yaml:"sla"`
	Typing   TypingConfig   `yaml:"typing"`
	Hub      HubConfig      `yaml:"hub"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Log      LogConfig      `yaml:"log"`
}

// AgentConfig identifies the agent an inbox console acts as.
type AgentConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Token string `yaml:"token"` // bearer credential sent with every API call
}

// APIConfig holds settings for the organization REST API client.
type APIConfig struct {
	BaseURL        string  `yaml:"base_url"`
	TimeoutSec     int     `yaml:"timeout_seconds"`
	RateLimit      float64 `yaml:"rate_limit"` // requests per second, 0 = unlimited
	MaxSendRetries int     `yaml:"max_send_retries"`
}

// RealtimeConfig selects and tunes the realtime transport.
type RealtimeConfig struct {
	Transport       string `yaml:"transport"` // "websocket" or "poll"
	URL             string `yaml:"url"`
	PollIntervalSec int    `yaml:"poll_interval_seconds"`
	BackoffBaseMs   int    `yaml:"backoff_base_ms"`
	BackoffMaxMs    int    `yaml:"backoff_max_ms"`
}

// SLAConfig holds the queue wait thresholds used for SLA indicators.
type SLAConfig struct {
	WarningMinutes int `yaml:"warning_minutes"`
	DangerMinutes  int `yaml:"danger_minutes"`
}

// TypingConfig tunes typing-indicator behavior.
type TypingConfig struct {
	DebounceMs int     `yaml:"debounce_ms"`
	TTLSec     int     `yaml:"ttl_seconds"`
	MaxPerSec  float64 `yaml:"max_per_second"`
}

// HubConfig configures the reference organization hub (fd serve).
type HubConfig struct {
	Port     int            `yaml:"port"`
	Token    string         `yaml:"token"` // shared bearer token; empty disables auth
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

// DatabaseConfig holds connection settings for the hub database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file path
}

// RedisConfig enables the Redis-backed typing presence store when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig enables publishing session events when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// AlertsConfig configures the SLA alert watcher.
type AlertsConfig struct {
	Platform      string        `yaml:"platform"` // "slack", "discord", or "" for log only
	Channel       string        `yaml:"channel"`
	SweepInterval int           `yaml:"sweep_interval_seconds"`
	DigestCron    string        `yaml:"digest_cron"`
	Slack         SlackConfig   `yaml:"slack"`
	Discord       DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// LogConfig controls diagnostic logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://127.0.0.1:8080"
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.TimeoutSec == 0 {
		c.API.TimeoutSec = 10
	}
	if c.API.MaxSendRetries == 0 {
		c.API.MaxSendRetries = 1
	}
	if c.Realtime.Transport == "" {
		c.Realtime.Transport = "websocket"
	}
	if c.Realtime.URL == "" && c.Realtime.Transport == "websocket" {
		c.Realtime.URL = websocketURL(c.API.BaseURL) + "/ws"
	}
	if c.Realtime.PollIntervalSec == 0 {
		c.Realtime.PollIntervalSec = 2
	}
	if c.Realtime.BackoffBaseMs == 0 {
		c.Realtime.BackoffBaseMs = 1000
	}
	if c.Realtime.BackoffMaxMs == 0 {
		c.Realtime.BackoffMaxMs = 30000
	}
	if c.SLA.WarningMinutes == 0 {
		c.SLA.WarningMinutes = 15
	}
	if c.SLA.DangerMinutes == 0 {
		c.SLA.DangerMinutes = 30
	}
	if c.Typing.DebounceMs == 0 {
		c.Typing.DebounceMs = 1000
	}
	if c.Typing.TTLSec == 0 {
		c.Typing.TTLSec = 5
	}
	if c.Typing.MaxPerSec == 0 {
		c.Typing.MaxPerSec = 4
	}
	if c.Hub.Port == 0 {
		c.Hub.Port = 8080
	}
	if c.Hub.Database.Driver == "" {
		c.Hub.Database.Driver = "sqlite"
	}
	switch c.Hub.Database.Driver {
	case "sqlite":
		if c.Hub.Database.Path == "" {
			c.Hub.Database.Path = "frontdesk.db"
		}
	case "mysql":
		if c.Hub.Database.Host == "" {
			c.Hub.Database.Host = "127.0.0.1"
		}
		if c.Hub.Database.Port == 0 {
			c.Hub.Database.Port = 3306
		}
		if c.Hub.Database.User == "" {
			c.Hub.Database.User = "root"
		}
		if c.Hub.Database.Name == "" {
			c.Hub.Database.Name = "frontdesk"
		}
	}
	if c.Hub.Kafka.Topic == "" {
		c.Hub.Kafka.Topic = "frontdesk.session-events"
	}
	if c.Alerts.SweepInterval == 0 {
		c.Alerts.SweepInterval = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Realtime.Transport {
	case "websocket", "poll":
	default:
		errs = append(errs, fmt.Sprintf("realtime.transport %q must be websocket or poll", c.Realtime.Transport))
	}
	if c.Realtime.BackoffMaxMs < c.Realtime.BackoffBaseMs {
		errs = append(errs, "realtime.backoff_max_ms must be >= backoff_base_ms")
	}
	if c.SLA.WarningMinutes < 0 || c.SLA.DangerMinutes < 0 {
		errs = append(errs, "sla thresholds must be positive")
	}
	if c.SLA.DangerMinutes < c.SLA.WarningMinutes {
		errs = append(errs, "sla.danger_minutes must be >= sla.warning_minutes")
	}
	if c.API.TimeoutSec < 0 {
		errs = append(errs, "api.timeout_seconds must be positive")
	}
	switch c.Hub.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("hub.database.driver %q must be sqlite or mysql", c.Hub.Database.Driver))
	}
	switch c.Alerts.Platform {
	case "":
	case "slack":
		if c.Alerts.Slack.BotToken == "" {
			errs = append(errs, "alerts.slack.bot_token is required for slack alerts")
		}
	case "discord":
		if c.Alerts.Discord.BotToken == "" {
			errs = append(errs, "alerts.discord.bot_token is required for discord alerts")
		}
	default:
		errs = append(errs, fmt.Sprintf("alerts.platform %q must be slack or discord", c.Alerts.Platform))
	}
	if c.Alerts.Platform != "" && c.Alerts.Channel == "" {
		errs = append(errs, "alerts.channel is required when alerts.platform is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RequireAgent reports an error if no agent identity is configured. Only the
// inbox commands need one, so it is not part of validate.
func (c *Config) RequireAgent() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("config: agent.id is required")
	}
	return nil
}

// APITimeout returns the per-action network timeout.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}

// TypingDebounce returns the trailing typing-stop delay.
func (c *Config) TypingDebounce() time.Duration {
	return time.Duration(c.Typing.DebounceMs) * time.Millisecond
}

// TypingTTL returns how long an inbound typing indicator stays live.
func (c *Config) TypingTTL() time.Duration {
	return time.Duration(c.Typing.TTLSec) * time.Second
}

// SLAWarning returns the wait time after which a session enters warning.
func (c *Config) SLAWarning() time.Duration {
	return time.Duration(c.SLA.WarningMinutes) * time.Minute
}

// SLADanger returns the wait time after which a session enters danger.
func (c *Config) SLADanger() time.Duration {
	return time.Duration(c.SLA.DangerMinutes) * time.Minute
}

// websocketURL rewrites an http(s) base URL to its ws(s) equivalent.
func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
