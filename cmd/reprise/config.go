package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all reprise server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr        string `json:"listen_addr"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	MaxParallel       int    `json:"max_parallel"`
	PollInterval      string `json:"poll_interval"`
	Staleness         string `json:"staleness"`
	SchedulerInterval string `json:"scheduler_interval"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4600",
		DBPath:            filepath.Join(repriseDir(), "reprise.db"),
		LogLevel:          "info",
		MaxParallel:       4,
		PollInterval:      "5s",
		Staleness:         "30s",
		SchedulerInterval: "60s",
	}
}

func repriseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reprise"
	}
	return filepath.Join(home, ".reprise")
}

func settingsPath() string {
	return filepath.Join(repriseDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("REPRISE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REPRISE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REPRISE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REPRISE_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallel = n
		}
	}
	if v := os.Getenv("REPRISE_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("REPRISE_STALENESS"); v != "" {
		cfg.Staleness = v
	}
	if v := os.Getenv("REPRISE_SCHEDULER_INTERVAL"); v != "" {
		cfg.SchedulerInterval = v
	}

	return cfg
}

// durationOr parses s, falling back to def on empty or malformed input.
func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
