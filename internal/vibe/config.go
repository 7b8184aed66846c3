package vibe

import (
	"fmt"
	"time"
)

// Config holds the timing contract of the vibe flow.
type Config struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	SearchInterval     time.Duration `yaml:"search_interval"`
	ActiveThreshold    time.Duration `yaml:"active_threshold"`
	Cooldown           time.Duration `yaml:"cooldown"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	MediaFallbackAfter time.Duration `yaml:"media_fallback_after"`
	MediaTimeout       time.Duration `yaml:"media_timeout"`
	OpTimeout          time.Duration `yaml:"op_timeout"`
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  2 * time.Second,
		SearchInterval:     1500 * time.Millisecond,
		ActiveThreshold:    15 * time.Second,
		Cooldown:           30 * time.Second,
		TickInterval:       time.Second,
		MediaFallbackAfter: 10 * time.Second,
		MediaTimeout:       30 * time.Second,
		OpTimeout:          5 * time.Second,
	}
}

// Validate rejects timings that would break liveness detection.
func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"heartbeat_interval":   c.HeartbeatInterval,
		"search_interval":      c.SearchInterval,
		"active_threshold":     c.ActiveThreshold,
		"cooldown":             c.Cooldown,
		"tick_interval":        c.TickInterval,
		"media_fallback_after": c.MediaFallbackAfter,
		"media_timeout":        c.MediaTimeout,
		"op_timeout":           c.OpTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.HeartbeatInterval >= c.ActiveThreshold {
		return fmt.Errorf("heartbeat_interval (%s) must be shorter than active_threshold (%s)",
			c.HeartbeatInterval, c.ActiveThreshold)
	}
	return nil
}
