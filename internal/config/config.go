// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultJWTExpiresIn = "24h"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "replygrid"
	DefaultPGSSLMode    = "disable"
	DefaultGraphBaseURL = "https://graph.facebook.com/v19.0"

	DefaultTrialDailyLimit        = 100
	DefaultActiveDailyLimit       = 1000
	DefaultConversationDailyLimit = 30

	DefaultReplyTimeoutSeconds      = 60
	DefaultCompletionTimeoutSeconds = 30
	DefaultSendTimeoutSeconds       = 15
	DefaultContextWindow            = 10
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	AI       AIConfig       `toml:"ai"`
	Quota    QuotaConfig    `toml:"quota"`
	Meta     MetaConfig     `toml:"meta"`
	Notify   NotifyConfig   `toml:"notify"`
	Reply    ReplyConfig    `toml:"reply"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// AuthConfig holds JWT secret and token expiry (e.g. 24h) for the operator API.
type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// AIConfig holds the completion backend endpoint and API key.
// Model id, temperature, and max tokens come from each subscription's BotConfig.
type AIConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// QuotaConfig holds the daily reply ceilings per plan and per conversation.
type QuotaConfig struct {
	TrialDailyLimit        int `toml:"trial_daily_limit"`
	ActiveDailyLimit       int `toml:"active_daily_limit"`
	ConversationDailyLimit int `toml:"conversation_daily_limit"`
}

// MetaConfig holds the Graph API endpoint and webhook verification secrets
// shared by the WhatsApp, Messenger, and Instagram channels.
type MetaConfig struct {
	GraphBaseURL   string  `toml:"graph_base_url"`
	VerifyToken    string  `toml:"verify_token"`
	AppSecret      string  `toml:"app_secret"`
	SendRatePerSec float64 `toml:"send_rate_per_sec"`
}

// NotifyConfig selects and configures the quota-exhaustion email provider
// ("smtp" or "mailgun").
type NotifyConfig struct {
	Provider         string        `toml:"provider"`
	From             string        `toml:"from"`
	DefaultRecipient string        `toml:"default_recipient"`
	SMTP             SMTPConfig    `toml:"smtp"`
	Mailgun          MailgunConfig `toml:"mailgun"`
}

// SMTPConfig holds SMTP relay parameters for the generic email notifier.
type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// MailgunConfig holds Mailgun domain and API key.
type MailgunConfig struct {
	Domain string `toml:"domain"`
	APIKey string `toml:"api_key"`
}

// ReplyConfig bounds the automated reply pipeline.
type ReplyConfig struct {
	TimeoutSeconds     int `toml:"timeout_seconds"`
	SendTimeoutSeconds int `toml:"send_timeout_seconds"`
	ContextWindow      int `toml:"context_window"`
	Workers            int `toml:"workers"`
}

// Timeout returns the overall reply pipeline timeout.
func (c ReplyConfig) Timeout() time.Duration {
	seconds := c.TimeoutSeconds
	if seconds <= 0 {
		seconds = DefaultReplyTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// SendTimeout returns the outbound provider send timeout.
func (c ReplyConfig) SendTimeout() time.Duration {
	seconds := c.SendTimeoutSeconds
	if seconds <= 0 {
		seconds = DefaultSendTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// Timeout returns the completion backend call timeout.
func (c AIConfig) Timeout() time.Duration {
	seconds := c.TimeoutSeconds
	if seconds <= 0 {
		seconds = DefaultCompletionTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		AI: AIConfig{
			TimeoutSeconds: DefaultCompletionTimeoutSeconds,
		},
		Quota: QuotaConfig{
			TrialDailyLimit:        DefaultTrialDailyLimit,
			ActiveDailyLimit:       DefaultActiveDailyLimit,
			ConversationDailyLimit: DefaultConversationDailyLimit,
		},
		Meta: MetaConfig{
			GraphBaseURL:   DefaultGraphBaseURL,
			SendRatePerSec: 10,
		},
		Notify: NotifyConfig{
			Provider: "smtp",
			SMTP: SMTPConfig{
				Port: 587,
			},
		},
		Reply: ReplyConfig{
			TimeoutSeconds:     DefaultReplyTimeoutSeconds,
			SendTimeoutSeconds: DefaultSendTimeoutSeconds,
			ContextWindow:      DefaultContextWindow,
			Workers:            4,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
