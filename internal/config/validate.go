package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"tgarchiver/pkg/logx"
)

// EnvToken overrides telegram.token when set.
const EnvToken = "TELEGRAM_TOKEN"

func applyEnv(cfg *Config) {
	if tok := strings.TrimSpace(os.Getenv(EnvToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
}

// Validate checks values that decoding alone cannot.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0); err != nil {
		return err
	}
	if cfg.Telegram.ResolveRatePerSec < 0 {
		return fmt.Errorf("telegram.resolve_rate_per_sec must be >= 0")
	}
	if cfg.Telegram.UpdateBuffer < 0 {
		return fmt.Errorf("telegram.update_buffer must be >= 0")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		return fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.File.Format)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.file.format must be text or json, got %q", cfg.Logging.File.Format)
	}
	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		return fmt.Errorf("logging.telegram.chat_id is required when logging.telegram.enabled is true")
	}
	if strings.TrimSpace(cfg.Registry.Path) == "" {
		return fmt.Errorf("registry.path is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3", "bolt", "bbolt":
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Stats.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("stats.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

// ParseDuration parses a Go duration string at config path. Empty or zero
// values yield def.
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// SummarizeChange lists the changed top-level sections and safe fields to
// log with them. The token is never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		fields = append(fields, logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		fields = append(fields, logx.String("registry.path", newCfg.Registry.Path))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Stats != newCfg.Stats {
		changed = append(changed, "stats")
		fields = append(fields, logx.String("stats.schedule", newCfg.Stats.Schedule))
	}
	return changed, fields
}
