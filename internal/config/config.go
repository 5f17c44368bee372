// Package config handles ActiveBuddy configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/activebuddy/config.yaml, /etc/activebuddy/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "activebuddy", "config.yaml"))
	}

	paths = append(paths, "/etc/activebuddy/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all ActiveBuddy configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	BaseURL   string         `yaml:"base_url"` // public URL for webhooks and the OAuth redirect
	Telegram  TelegramConfig `yaml:"telegram"`
	LLM       LLMConfig      `yaml:"llm"`
	Strava    StravaConfig   `yaml:"strava"`
	Weather   WeatherConfig  `yaml:"weather"`
	Store     StoreConfig    `yaml:"store"`
	Agent     AgentConfig    `yaml:"agent"`
	Access    AccessConfig   `yaml:"access"`
	Events    EventsConfig   `yaml:"events"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// TelegramConfig defines the Bot API connection.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// APIURL overrides the Bot API endpoint (tests, local bot servers).
	APIURL string `yaml:"api_url"`
	// WebhookSecret, when set, is registered with setWebhook and every
	// inbound update must carry it in X-Telegram-Bot-Api-Secret-Token.
	WebhookSecret string `yaml:"webhook_secret"`
	// RateLimit is the number of messages per minute accepted from a
	// single chat. Zero disables the limit.
	RateLimit int `yaml:"rate_limit"`
}

// Configured reports whether a bot token is set.
func (c TelegramConfig) Configured() bool {
	return c.Token != ""
}

// LLMConfig defines the OpenAI-compatible chat completions provider.
type LLMConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Referer    string `yaml:"referer"` // HTTP-Referer header (OpenRouter attribution)
	Title      string `yaml:"title"`   // X-Title header
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the per-call LLM timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// StravaConfig defines the Strava OAuth application.
type StravaConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// RedirectURI defaults to base_url + "/strava_callback".
	RedirectURI string `yaml:"redirect_uri"`
	AuthURL     string `yaml:"auth_url"`
	TokenURL    string `yaml:"token_url"`
	APIURL      string `yaml:"api_url"`
	TimeoutSec  int    `yaml:"timeout_sec"`
}

// Configured reports whether OAuth client credentials are set.
func (c StravaConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Timeout returns the per-call Strava timeout.
func (c StravaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// WeatherConfig defines the Open-Meteo endpoints.
type WeatherConfig struct {
	GeocodeURL  string `yaml:"geocode_url"`
	ForecastURL string `yaml:"forecast_url"`
	DefaultCity string `yaml:"default_city"`
	TimeoutSec  int    `yaml:"timeout_sec"`
}

// Timeout returns the per-call weather timeout.
func (c WeatherConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is one of sqlite3 (CGO, default), sqlite (pure Go), or postgres.
	Driver string `yaml:"driver"`
	// DSN is a file path for the SQLite drivers or a connection URL for
	// postgres. Defaults to <data_dir>/activebuddy.db.
	DSN     string `yaml:"dsn"`
	DataDir string `yaml:"data_dir"`
}

// AgentConfig tunes the orchestration cycle.
type AgentConfig struct {
	HistoryLimit int `yaml:"history_limit"`
	Workers      int `yaml:"workers"`
	// SerializePerChat runs at most one cycle per chat at a time. A
	// pointer so an explicit false survives applyDefaults.
	SerializePerChat *bool `yaml:"serialize_per_chat"`
	// CycleTimeoutSec bounds one full cycle including both LLM rounds.
	CycleTimeoutSec int `yaml:"cycle_timeout_sec"`
}

// Serialize reports whether per-chat serialization is enabled.
func (c AgentConfig) Serialize() bool {
	return c.SerializePerChat == nil || *c.SerializePerChat
}

// CycleTimeout returns the bound on a single orchestration cycle.
func (c AgentConfig) CycleTimeout() time.Duration {
	return time.Duration(c.CycleTimeoutSec) * time.Second
}

// AccessConfig gates the bot behind a shared invite code.
type AccessConfig struct {
	// InviteCode unlocks a chat when sent verbatim. A pointer so an
	// explicit "" (gate disabled) is told apart from an unset key.
	InviteCode *string `yaml:"invite_code"`
}

// DefaultInviteCode is used when access.invite_code is unset.
const DefaultInviteCode = "RockyBalboa2026"

// Code returns the effective invite code. Empty means no gate.
func (c AccessConfig) Code() string {
	if c.InviteCode == nil {
		return DefaultInviteCode
	}
	return *c.InviteCode
}

// EventsConfig controls where operational events are forwarded.
type EventsConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig defines the optional MQTT event forwarder.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the form ${VAR} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}

	if c.Telegram.APIURL == "" {
		c.Telegram.APIURL = "https://api.telegram.org"
	}
	c.Telegram.APIURL = strings.TrimRight(c.Telegram.APIURL, "/")

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "meta-llama/llama-3.3-70b-instruct:free"
	}
	if c.LLM.Referer == "" {
		c.LLM.Referer = "https://bot.local"
	}
	if c.LLM.Title == "" {
		c.LLM.Title = "AgentCoach"
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = 60
	}

	if c.Strava.RedirectURI == "" && c.BaseURL != "" {
		c.Strava.RedirectURI = c.BaseURL + "/strava_callback"
	}
	if c.Strava.AuthURL == "" {
		c.Strava.AuthURL = "https://www.strava.com/oauth/authorize"
	}
	if c.Strava.TokenURL == "" {
		c.Strava.TokenURL = "https://www.strava.com/oauth/token"
	}
	if c.Strava.APIURL == "" {
		c.Strava.APIURL = "https://www.strava.com/api/v3"
	}
	if c.Strava.TimeoutSec == 0 {
		c.Strava.TimeoutSec = 10
	}

	if c.Weather.GeocodeURL == "" {
		c.Weather.GeocodeURL = "https://geocoding-api.open-meteo.com/v1/search"
	}
	if c.Weather.ForecastURL == "" {
		c.Weather.ForecastURL = "https://api.open-meteo.com/v1/forecast"
	}
	if c.Weather.DefaultCity == "" {
		c.Weather.DefaultCity = "Kyiv"
	}
	if c.Weather.TimeoutSec == 0 {
		c.Weather.TimeoutSec = 10
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite3"
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = "./db"
	}
	if c.Store.DSN == "" && c.Store.Driver != "postgres" {
		c.Store.DSN = filepath.Join(c.Store.DataDir, "activebuddy.db")
	}

	if c.Agent.HistoryLimit == 0 {
		c.Agent.HistoryLimit = 10
	}
	if c.Agent.Workers == 0 {
		c.Agent.Workers = 8
	}
	if c.Agent.CycleTimeoutSec == 0 {
		c.Agent.CycleTimeoutSec = 180
	}

	if c.Events.MQTT.TopicPrefix == "" {
		c.Events.MQTT.TopicPrefix = "activebuddy"
	}
	if c.Events.MQTT.ClientID == "" {
		c.Events.MQTT.ClientID = "activebuddy"
	}
}

// Validate checks values that cannot be defaulted. It does not require
// secrets; use [Config.ValidateServe] before starting the server.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	switch c.Store.Driver {
	case "sqlite3", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store.driver %q (valid: sqlite3, sqlite, postgres)", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres driver")
	}
	if c.Agent.HistoryLimit < 0 || c.Agent.HistoryLimit > 10 {
		return fmt.Errorf("agent.history_limit must be between 0 (default) and 10, got %d", c.Agent.HistoryLimit)
	}
	if c.Telegram.RateLimit < 0 {
		return fmt.Errorf("telegram.rate_limit must not be negative")
	}
	return nil
}

// ValidateServe checks the settings the long-running server needs.
func (c *Config) ValidateServe() error {
	var missing []string
	if !c.Telegram.Configured() {
		missing = append(missing, "telegram.token")
	}
	if c.LLM.APIKey == "" {
		missing = append(missing, "llm.api_key")
	}
	if c.BaseURL == "" {
		missing = append(missing, "base_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}
