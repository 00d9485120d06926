package config

// Config is the archiver configuration. It is read from YAML or JSON; both
// are decoded strictly (unknown keys are errors).
//
// Example (YAML):
//
//	telegram:
//	  token: "123:abc"          # or TELEGRAM_TOKEN in the environment / .env
//	  poll_timeout: "10s"
//	registry:
//	  path: "channels.json"
//	  watch: true
//	storage:
//	  driver: "file"
//	  path: "saved_messages"
//	logging:
//	  level: "info"
//	  file: { enabled: true, path: "app.log" }
//	stats:
//	  schedule: "@every 1h"
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Registry RegistryConfig `json:"registry"`
	Storage  StorageConfig  `json:"storage"`
	Stats    StatsConfig    `json:"stats"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "1m").
	PollTimeout string `json:"poll_timeout"`
	// ResolveRatePerSec bounds chat lookups during registry resolution.
	ResolveRatePerSec int `json:"resolve_rate_per_sec,omitempty"`
	// UpdateBuffer is the capacity of the update channel between the adapter
	// and the archiving loop.
	UpdateBuffer int `json:"update_buffer,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// Format is "text" (default) or "json".
	Format string `json:"format,omitempty"`
}

// LoggingTelegram forwards warnings and errors to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RegistryConfig locates the channel list.
type RegistryConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch"`
}

// StorageConfig selects the archive backend.
//
// For driver "file" Path is the archive directory; for "sqlite" and "bolt"
// it is the database file.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// StatsConfig schedules the periodic archive summary log line.
// An empty schedule disables it.
type StatsConfig struct {
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
}

// Default returns the configuration used when no config file exists. It
// matches the historical layout: channels.json, saved_messages/, app.log.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeout:       "10s",
			ResolveRatePerSec: 1,
			UpdateBuffer:      256,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Enabled: true, Path: "app.log", Format: "text"},
			Telegram: LoggingTelegram{
				MinLevel:   "warn",
				RatePerSec: 1,
			},
		},
		Registry: RegistryConfig{Path: "channels.json"},
		Storage:  StorageConfig{Driver: "file", Path: "saved_messages"},
	}
}
