// Package config defines and validates all Doppel configuration. Every
// recognized option is enumerated and type-checked once at startup;
// invalid configuration is a fatal startup error, never a runtime
// surprise mid-loop.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/doppel/pkg/doppel/chatclient/discord"
	"github.com/jholhewres/doppel/pkg/doppel/chatclient/whatsapp"
)

// Config holds all Doppel configuration.
type Config struct {
	// API configures the generation backend endpoint.
	API APIConfig `yaml:"api"`

	// Client selects and configures the chat platform.
	Client ClientConfig `yaml:"client"`

	// Users are the contacts to watch and auto-reply to.
	Users []UserConfig `yaml:"users"`

	// LogFile is the audit message log: every inbound and outbound
	// message is appended here. Empty disables the audit log.
	LogFile string `yaml:"log_file"`

	// HistoryLogFile is the durable message store replayed at startup to
	// rebuild conversational context.
	HistoryLogFile string `yaml:"history_log_file"`

	// HistoryContextLength is the per-contact context window size.
	HistoryContextLength int `yaml:"history_context_length"`

	// PollInterval is how often enabled contacts are polled.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ReplyDelay bounds the human-like random delay before sending.
	ReplyDelay DelayConfig `yaml:"reply_delay"`

	// FallbackReply is sent when generation fails after retries.
	// Empty disables the fallback and the message goes unanswered.
	FallbackReply string `yaml:"fallback_reply"`

	// StateDB is the SQLite database for cursors and dedup state.
	StateDB string `yaml:"state_db"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the generation backend.
type APIConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	Temperature    float64       `yaml:"temperature"`
	MaxTokens      int           `yaml:"max_tokens"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

// ClientConfig selects the chat platform.
type ClientConfig struct {
	// Type is "whatsapp" or "discord".
	Type string `yaml:"type"`

	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Discord  discord.Config  `yaml:"discord"`
}

// UserConfig is one watched contact.
type UserConfig struct {
	// Nickname is the exact-match identity on the chat platform.
	Nickname string `yaml:"nickname"`

	// Enabled toggles auto-reply for this contact. Defaults to true.
	Enabled bool `yaml:"enabled"`

	// Style optionally overrides the tone-mimicry instructions for this
	// contact.
	Style string `yaml:"style"`
}

// UnmarshalYAML applies the enabled-by-default rule: a user entry without
// an explicit enabled key is enabled.
func (u *UserConfig) UnmarshalYAML(value *yaml.Node) error {
	type rawUser UserConfig
	raw := rawUser{Enabled: true}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*u = UserConfig(raw)
	return nil
}

// DelayConfig bounds the random pre-send delay.
type DelayConfig struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			Temperature:    0.8,
			MaxTokens:      150,
			RequestTimeout: 60 * time.Second,
			MaxRetries:     3,
			RetryBackoff:   2 * time.Second,
		},
		Client: ClientConfig{
			Type:     "whatsapp",
			WhatsApp: whatsapp.DefaultConfig(),
		},
		LogFile:              "./data/messages.log",
		HistoryLogFile:       "./data/history.log",
		HistoryContextLength: 20,
		PollInterval:         5 * time.Second,
		ReplyDelay:           DelayConfig{Min: 1 * time.Second, Max: 3 * time.Second},
		StateDB:              "./data/state.db",
		Logging:              LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate checks every option. Any error here is fatal at startup.
func (c *Config) Validate() error {
	var problems []string

	if c.API.Model == "" {
		problems = append(problems, "api.model is required")
	}
	if c.API.Temperature < 0 || c.API.Temperature > 2 {
		problems = append(problems, fmt.Sprintf("api.temperature %.2f outside [0, 2]", c.API.Temperature))
	}
	if c.API.MaxTokens < 0 {
		problems = append(problems, "api.max_tokens must not be negative")
	}

	switch c.Client.Type {
	case "whatsapp":
	case "discord":
		if c.Client.Discord.Token == "" {
			problems = append(problems, "client.discord.token is required for client.type discord")
		}
	default:
		problems = append(problems, fmt.Sprintf("client.type %q is not supported (whatsapp, discord)", c.Client.Type))
	}

	if len(c.Users) == 0 {
		problems = append(problems, "at least one user must be configured")
	}
	seen := make(map[string]bool)
	for i, u := range c.Users {
		if u.Nickname == "" {
			problems = append(problems, fmt.Sprintf("users[%d].nickname is required", i))
			continue
		}
		if strings.Contains(u.Nickname, "]: ") {
			problems = append(problems, fmt.Sprintf("users[%d].nickname %q must not contain \"]: \"", i, u.Nickname))
		}
		if seen[u.Nickname] {
			problems = append(problems, fmt.Sprintf("duplicate user nickname %q", u.Nickname))
		}
		seen[u.Nickname] = true
	}

	if c.HistoryLogFile == "" {
		problems = append(problems, "history_log_file is required")
	}
	if c.HistoryContextLength < 0 {
		problems = append(problems, "history_context_length must not be negative")
	}
	if c.PollInterval < time.Second {
		problems = append(problems, fmt.Sprintf("poll_interval %s is below the 1s minimum", c.PollInterval))
	}
	if c.ReplyDelay.Min < 0 || c.ReplyDelay.Max < c.ReplyDelay.Min {
		problems = append(problems, "reply_delay must satisfy 0 <= min <= max")
	}
	if c.StateDB == "" {
		problems = append(problems, "state_db is required")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not recognized", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not recognized", c.Logging.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// EnabledNicknames returns the nicknames of enabled users, in config
// order.
func (c *Config) EnabledNicknames() []string {
	var out []string
	for _, u := range c.Users {
		if u.Enabled {
			out = append(out, u.Nickname)
		}
	}
	return out
}
