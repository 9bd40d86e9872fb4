// Package config loads the YAML configuration file and applies defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// file is the on-disk shape. Durations are strings so operators can write
// "250ms" or "1m30s".
type file struct {
	Addr               string `yaml:"addr"`
	DBPath             string `yaml:"db_path"`
	SchedulingInterval string `yaml:"scheduling_interval"`
	MonitorInterval    string `yaml:"monitor_interval"`
	Workers            *int   `yaml:"workers"`
	WorkerGroupKey     string `yaml:"worker_group_key"`
	WorkerPoll         string `yaml:"worker_poll"`
	HeartbeatInterval  string `yaml:"heartbeat_interval"`
	RetentionCron      string `yaml:"retention_cron"`
	RetentionDays      *int   `yaml:"retention_days"`
}

// Config is the parsed, defaulted configuration.
type Config struct {
	Addr               string
	DBPath             string
	SchedulingInterval time.Duration
	MonitorInterval    time.Duration
	Workers            int
	WorkerGroupKey     string
	WorkerPoll         time.Duration
	HeartbeatInterval  time.Duration
	RetentionCron      string
	RetentionDays      int
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:               ":8080",
		DBPath:             "flowline.db",
		SchedulingInterval: time.Second,
		MonitorInterval:    250 * time.Millisecond,
		Workers:            8,
		WorkerGroupKey:     "default",
		WorkerPoll:         250 * time.Millisecond,
		HeartbeatInterval:  5 * time.Second,
		RetentionCron:      "0 3 * * *",
		RetentionDays:      30,
	}
}

// Load reads a YAML config file. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var f file
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if f.Addr != "" {
		cfg.Addr = f.Addr
	}
	if f.DBPath != "" {
		cfg.DBPath = f.DBPath
	}
	if f.WorkerGroupKey != "" {
		cfg.WorkerGroupKey = f.WorkerGroupKey
	}
	if f.RetentionCron != "" {
		cfg.RetentionCron = f.RetentionCron
	}
	if f.Workers != nil {
		if *f.Workers < 0 {
			return Config{}, fmt.Errorf("workers: must be >= 0")
		}
		cfg.Workers = *f.Workers
	}
	if f.RetentionDays != nil {
		if *f.RetentionDays < 1 {
			return Config{}, fmt.Errorf("retention_days: must be >= 1")
		}
		cfg.RetentionDays = *f.RetentionDays
	}
	if cfg.SchedulingInterval, err = durationOrDefault("scheduling_interval", f.SchedulingInterval, cfg.SchedulingInterval); err != nil {
		return Config{}, err
	}
	if cfg.MonitorInterval, err = durationOrDefault("monitor_interval", f.MonitorInterval, cfg.MonitorInterval); err != nil {
		return Config{}, err
	}
	if cfg.WorkerPoll, err = durationOrDefault("worker_poll", f.WorkerPoll, cfg.WorkerPoll); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = durationOrDefault("heartbeat_interval", f.HeartbeatInterval, cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func durationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be > 0", field)
	}
	return d, nil
}
