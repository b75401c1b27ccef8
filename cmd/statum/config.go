package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all statum server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	DefinitionsDir string `json:"definitions_dir"`
	BusDriver      string `json:"bus_driver"` // memory | redis
	RedisAddr      string `json:"redis_addr"`
	RedisPassword  string `json:"redis_password"`
	RedisPrefix    string `json:"redis_prefix"`
	ArchiveURL     string `json:"archive_url"` // gocloud blob URL; empty disables archiving
	ArchivePrefix  string `json:"archive_prefix"`
	CommandWorkers int    `json:"command_workers"`
	CacheSize      int    `json:"cache_size"`
	WebhookTimeout string `json:"webhook_timeout"`
	ScheduleEvery  string `json:"schedule_every"`
	HTTPAddr       string `json:"http_addr"` // operator panel; empty disables it
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(statumDir(), "statum.db"),
		LogLevel:       "info",
		BusDriver:      "memory",
		RedisAddr:      "localhost:6379",
		RedisPrefix:    "statum",
		ArchivePrefix:  "instances",
		CommandWorkers: 8,
		CacheSize:      1024,
		WebhookTimeout: "10s",
		ScheduleEvery:  "15s",
	}
}

func statumDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".statum"
	}
	return filepath.Join(home, ".statum")
}

func settingsPath() string {
	return filepath.Join(statumDir(), "settings.json")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers path and getenv over the defaults. A missing settings
// file is not an error; a malformed one is.
func loadConfigFrom(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Layer 3: env vars override.
	strs := map[string]*string{
		"STATUM_DB_PATH":         &cfg.DBPath,
		"STATUM_LOG_LEVEL":       &cfg.LogLevel,
		"STATUM_DEFINITIONS_DIR": &cfg.DefinitionsDir,
		"STATUM_BUS_DRIVER":      &cfg.BusDriver,
		"STATUM_REDIS_ADDR":      &cfg.RedisAddr,
		"STATUM_REDIS_PASSWORD":  &cfg.RedisPassword,
		"STATUM_REDIS_PREFIX":    &cfg.RedisPrefix,
		"STATUM_ARCHIVE_URL":     &cfg.ArchiveURL,
		"STATUM_ARCHIVE_PREFIX":  &cfg.ArchivePrefix,
		"STATUM_WEBHOOK_TIMEOUT": &cfg.WebhookTimeout,
		"STATUM_SCHEDULE_EVERY":  &cfg.ScheduleEvery,
		"STATUM_HTTP_ADDR":       &cfg.HTTPAddr,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"STATUM_COMMAND_WORKERS": &cfg.CommandWorkers,
		"STATUM_CACHE_SIZE":      &cfg.CacheSize,
	}
	for key, dst := range ints {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.BusDriver {
	case "memory", "redis":
	default:
		return fmt.Errorf("bus_driver must be memory or redis, got %q", c.BusDriver)
	}
	if _, err := c.webhookTimeout(); err != nil {
		return err
	}
	if _, err := c.scheduleEvery(); err != nil {
		return err
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	return nil
}

func (c Config) webhookTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.WebhookTimeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("webhook_timeout must be a positive duration, got %q", c.WebhookTimeout)
	}
	return d, nil
}

func (c Config) scheduleEvery() (time.Duration, error) {
	d, err := time.ParseDuration(c.ScheduleEvery)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("schedule_every must be a positive duration, got %q", c.ScheduleEvery)
	}
	return d, nil
}
