package main

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the demo binary's TOML-loadable default knobs (§3.8). The
// engine itself never reads this file — only this CLI does.
type Config struct {
	StaleSeconds     int `toml:"stale_seconds"`
	GCSeconds        int `toml:"gc_seconds"`
	RetryMaxAttempts int `toml:"retry_max_attempts"`
	RetryBaseDelayMS int `toml:"retry_base_delay_ms"`
}

// DefaultConfig mirrors the spec's built-in defaults (5 min GC, 3 retries
// with 1s/2s/4s backoff, data always treated as stale).
func DefaultConfig() Config {
	return Config{
		StaleSeconds:     0,
		GCSeconds:        300,
		RetryMaxAttempts: 3,
		RetryBaseDelayMS: 1000,
	}
}

// LoadConfigTOML reads and decodes a Config from path, leaving unset fields
// at DefaultConfig's values.
func LoadConfigTOML(path string) (Config, error) {
	cfg := DefaultConfig()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) staleDuration() time.Duration { return time.Duration(c.StaleSeconds) * time.Second }
func (c Config) gcDuration() time.Duration    { return time.Duration(c.GCSeconds) * time.Second }
func (c Config) retryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}
