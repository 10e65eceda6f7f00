// Package config loads the bot configuration from the environment and an
// optional config file, and provides a typed Config used across the binary.
// Environment values win over file values; file values win over defaults.
// Call Validate before starting the bot.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/session"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/supervisor"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/trigger"
)

type Config struct {
	// Twitch
	TwitchChannel      string `env:"TWITCH_CHANNEL"`
	TwitchBotUsername  string `env:"TWITCH_BOT_USERNAME"`
	TwitchOAuthToken   string `env:"TWITCH_OAUTH_TOKEN"`
	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	TwitchRefreshToken string `env:"TWITCH_REFRESH_TOKEN"`
	TwitchRedirectURI  string `env:"TWITCH_REDIRECT_URI"` // enables /auth/twitch/*
	TwitchScopes       string `env:"TWITCH_SCOPES" envDefault:"chat:read chat:edit"`

	// IRC
	IRCHost          string        `env:"IRC_HOST" envDefault:"irc.chat.twitch.tv"`
	IRCPort          int           `env:"IRC_PORT"` // 0 picks 6697 with TLS, 6667 without
	IRCTLS           bool          `env:"IRC_TLS" envDefault:"true"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	ReadTimeout      time.Duration `env:"READ_TIMEOUT" envDefault:"6m"`

	// Reconnect bounds in seconds, as in the config file.
	ReconnectInitialDelay int `env:"RECONNECT_INITIAL_DELAY_SECONDS"`
	ReconnectMaxDelay     int `env:"RECONNECT_MAX_DELAY_SECONDS"`

	// Triggers
	Triggers     map[string]string `env:"TRIGGERS" envSeparator:"," envKeyValSeparator:"="`
	TriggerMode  string            `env:"TRIGGER_MODE"`
	TriggersFile string            `env:"TRIGGERS_FILE"`

	// Playback
	DispatchCapacity      int    `env:"DISPATCH_CAPACITY" envDefault:"16"`
	MaxConcurrentPlayback int    `env:"MAX_CONCURRENT_PLAYBACK" envDefault:"1"`
	SoundsDir             string `env:"SOUNDS_DIR"`
	AudioDisabled         bool   `env:"AUDIO_DISABLED"`

	// Status server
	StatusAddr string `env:"STATUS_ADDR" envDefault:"127.0.0.1:8080"`
	AdminToken string `env:"ADMIN_TOKEN"`
	// RateLimitRequests caps admin requests per IP per RateLimitWindow; 0 disables.
	RateLimitRequests  int           `env:"RATE_LIMIT_REQUESTS_PER_IP" envDefault:"10"`
	RateLimitWindow    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// Database (optional; empty disables history and token persistence)
	DBDsn         string `env:"DB_DSN"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// Observability
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"text"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	ConfigFile string `env:"CONFIG_FILE"`
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the
// environment. It fails only on unreadable or malformed input; use Validate
// for missing values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	// CONFIG_FILE has to be known before the file can be merged in.
	path := os.Getenv("CONFIG_FILE")
	if path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		fc.apply(cfg)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}

	if cfg.ReconnectInitialDelay == 0 {
		cfg.ReconnectInitialDelay = int(supervisor.DefaultMinDelay / time.Second)
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = int(supervisor.DefaultMaxDelay / time.Second)
	}
	if cfg.TriggerMode == "" {
		cfg.TriggerMode = string(trigger.ModeAll)
	}
	if cfg.TriggersFile != "" {
		t, err := LoadTriggers(cfg.TriggersFile)
		if err != nil {
			return nil, err
		}
		cfg.Triggers = t
	}
	return cfg, nil
}

// Validate checks what the bot needs to run.
func (c *Config) Validate() error {
	var errs []error
	var missing []string
	if strings.TrimPrefix(strings.TrimSpace(c.TwitchChannel), "#") == "" {
		missing = append(missing, "TWITCH_CHANNEL")
	}
	if strings.TrimSpace(c.TwitchBotUsername) == "" {
		missing = append(missing, "TWITCH_BOT_USERNAME")
	}
	if c.TwitchOAuthToken == "" && !c.CanRefresh() {
		missing = append(missing, "TWITCH_OAUTH_TOKEN")
	}
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing twitch config: require %s", strings.Join(missing, ", ")))
	}
	if err := supervisor.ValidateDelays(c.ReconnectBounds()); err != nil {
		errs = append(errs, err)
	}
	if _, err := trigger.ParseMode(c.TriggerMode); err != nil {
		errs = append(errs, err)
	}
	if c.DispatchCapacity < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_CAPACITY must be at least 1, got %d", c.DispatchCapacity))
	}
	if c.MaxConcurrentPlayback < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_PLAYBACK must be at least 1, got %d", c.MaxConcurrentPlayback))
	}
	if c.HandshakeTimeout <= 0 || c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("HANDSHAKE_TIMEOUT and READ_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// CanRefresh reports whether an app registration is configured, so a token
// can be obtained from a refresh token (env or database) instead of
// TWITCH_OAUTH_TOKEN.
func (c *Config) CanRefresh() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != "" && (c.TwitchRefreshToken != "" || c.DBDsn != "")
}

// Credentials returns the static session credentials.
func (c *Config) Credentials() session.Credentials {
	return session.Credentials{Token: c.TwitchOAuthToken, Nickname: c.TwitchBotUsername, Channel: c.TwitchChannel}
}

// ReconnectBounds returns the reconnect delays as durations.
func (c *Config) ReconnectBounds() (initial, maxDelay time.Duration) {
	return time.Duration(c.ReconnectInitialDelay) * time.Second, time.Duration(c.ReconnectMaxDelay) * time.Second
}

// SessionOptions returns the dial and timeout settings for chat sessions.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		Host:             c.IRCHost,
		Port:             c.IRCPort,
		TLS:              c.IRCTLS,
		HandshakeTimeout: c.HandshakeTimeout,
		ReadTimeout:      c.ReadTimeout,
	}
}

// Mode returns the parsed trigger mode. Validate reports bad values.
func (c *Config) Mode() trigger.Mode {
	m, err := trigger.ParseMode(c.TriggerMode)
	if err != nil {
		return trigger.ModeAll
	}
	return m
}

// TriggerSource returns the file triggers are reloaded from, or "" when
// triggers only come from the environment.
func (c *Config) TriggerSource() string {
	if c.TriggersFile != "" {
		return c.TriggersFile
	}
	return c.ConfigFile
}
