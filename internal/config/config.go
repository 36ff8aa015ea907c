package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig covers the Bot API destination.
type TelegramConfig struct {
	Token            string        `yaml:"token"`
	APIBase          string        `yaml:"api_base"`
	ChannelChatID    string        `yaml:"channel_chat_id"`
	ModerationChatID string        `yaml:"moderation_chat_id"`
	Timeout          time.Duration `yaml:"timeout"`
}

// CaptureConfig describes the external grab command. The command gets
// the source URL as its last argument and must print a capture result
// as JSON on stdout.
type CaptureConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
	WorkDir string        `yaml:"workdir"`
}

type Config struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`

	WorkerPoll      time.Duration `yaml:"worker_poll"`
	WorkerErrorWait time.Duration `yaml:"worker_error_wait"`
	ReleasePoll     time.Duration `yaml:"release_poll"`

	SendInterval time.Duration `yaml:"send_interval"`
	MaxRetries   int           `yaml:"max_retries"`
	QueueSize    int           `yaml:"queue_size"`

	MinGap       time.Duration `yaml:"min_gap"`
	ScheduleDays int           `yaml:"schedule_days"`
	HourWeights  []float64     `yaml:"hour_weights"`
	Timezone     string        `yaml:"timezone"`

	UserHourlyLimit int           `yaml:"user_hourly_limit"`
	DraftsKeep      int           `yaml:"drafts_keep"`
	ErrorRetention  time.Duration `yaml:"error_retention"`

	StatsHoursAhead int    `yaml:"stats_hours_ahead"`
	MaxSlotsPerHour int    `yaml:"max_slots_per_hour"`
	ChannelName     string `yaml:"channel_name"`

	Telegram TelegramConfig `yaml:"telegram"`
	Capture  CaptureConfig  `yaml:"capture"`
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		DBPath:          "clipflow.db",
		WorkerPoll:      2 * time.Second,
		WorkerErrorWait: 5 * time.Second,
		ReleasePoll:     10 * time.Second,
		SendInterval:    500 * time.Millisecond,
		MaxRetries:      3,
		QueueSize:       256,
		MinGap:          5 * time.Minute,
		ScheduleDays:    2,
		UserHourlyLimit: 10,
		DraftsKeep:      1000,
		ErrorRetention:  30 * 24 * time.Hour,
		StatsHoursAhead: 6,
		MaxSlotsPerHour: 6,
		Telegram: TelegramConfig{
			Timeout: 30 * time.Second,
		},
		Capture: CaptureConfig{
			Timeout: 2 * time.Minute,
		},
	}
}

// Load starts from defaults, overlays the YAML file when path is not
// empty, then lets environment variables override the secrets that
// should not live in a checked-in file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CHANNEL_CHAT_ID"); v != "" {
		cfg.Telegram.ChannelChatID = v
	}
	if v := os.Getenv("MODERATION_CHAT_ID"); v != "" {
		cfg.Telegram.ModerationChatID = v
	}
	if v := os.Getenv("CHANNEL_NAME"); v != "" {
		cfg.ChannelName = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if len(c.HourWeights) != 0 && len(c.HourWeights) != 24 {
		return fmt.Errorf("hour_weights needs 24 entries, got %d", len(c.HourWeights))
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if c.DraftsKeep < 500 {
		c.DraftsKeep = 500
	}
	if c.DraftsKeep > 5000 {
		c.DraftsKeep = 5000
	}
	return nil
}

// Location resolves the configured timezone, falling back to the host
// zone when unset or unknown.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
