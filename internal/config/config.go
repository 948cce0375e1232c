// Package config handles application configuration from CLI flags and
// environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string `long:"telegram-token" env:"TELEGRAM_BOT_TOKEN" description:"Telegram bot token (required)" required:"true"`
	DatabasePath     string `long:"db" env:"DATABASE_PATH" default:"./data/feednotify.db" description:"Path to the SQLite database file"`

	APIHost      string `long:"api-host" env:"API_HOST" default:"127.0.0.1" description:"Management API listen host"`
	APIPort      int    `long:"api-port" env:"API_PORT" default:"8080" description:"Management API listen port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"X-API-Key value protecting the management API (empty disables auth)"`

	DefaultTZ          string `long:"tz" env:"TZ" default:"UTC" description:"Default IANA timezone for new subscribers and the availability heuristic"`
	DefaultPollMin     int    `long:"poll-interval" env:"DEFAULT_POLL_INTERVAL_MIN" default:"10" description:"Default feed poll interval in minutes"`
	DefaultDigestTime  string `long:"digest-time" env:"DIGEST_DEFAULT_TIME" default:"20:00" description:"Default daily digest time (HH:MM, subscriber-local)"`
	BackfillOnStartN   int    `long:"backfill" env:"BACKFILL_ON_START_N" default:"10" description:"Items per feed to backfill on startup (0 disables)"`
	BackfillConcurrent int    `long:"backfill-concurrency" env:"BACKFILL_CONCURRENCY" default:"3" description:"Concurrent feeds during startup backfill"`
	HideFutureItems    bool   `long:"hide-future" env:"HIDE_FUTURE_ITEMS" description:"Skip items whose inferred availability time is still in the future"`

	AllowedChatsRaw string `long:"allowed-chats" env:"ALLOWED_CHAT_IDS" description:"Comma-separated chat IDs allowed to register (empty permits all)"`
	LogLevel        string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Log level: debug, info, warn, error"`

	AllowedChatIDs []int64 `no-flag:"true"`
}

// Load parses configuration from CLI flags with environment fallbacks.
// A nil Config with a nil error means help was requested.
func Load() (*Config, error) {
	var cfg Config

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	ids, err := ParseChatIDs(c.AllowedChatsRaw)
	if err != nil {
		return err
	}
	c.AllowedChatIDs = ids

	if _, err := time.LoadLocation(c.DefaultTZ); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.DefaultTZ, err)
	}
	if _, _, err := ParseClock(c.DefaultDigestTime); err != nil {
		return fmt.Errorf("invalid digest time %q: %w", c.DefaultDigestTime, err)
	}
	return nil
}

// ParseChatIDs parses a comma-separated chat ID list.
func ParseChatIDs(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat ID %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ParseClock parses an "HH:MM" wall-clock string.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// IsChatAllowed checks whether a chat ID is in the allow list.
// Returns true if the allow list is empty (all chats permitted).
func (c *Config) IsChatAllowed(chatID int64) bool {
	if len(c.AllowedChatIDs) == 0 {
		return true
	}
	for _, id := range c.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}
