package jobs

import (
	"fmt"
	"time"
)

// Config controls the reaper cadence and retention windows.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration `yaml:"interval"`
	// QueueRetention is how long a silent queue entry survives.
	QueueRetention time.Duration `yaml:"queue_retention"`
	// StaleAfter abandons unresolved sessions with a silent participant.
	StaleAfter time.Duration `yaml:"stale_after"`
	// SessionRetention is how long finished sessions are kept.
	SessionRetention time.Duration `yaml:"session_retention"`
}

// DefaultConfig returns the production reaper settings.
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		QueueRetention:   60 * time.Second,
		StaleAfter:       15 * time.Second,
		SessionRetention: 24 * time.Hour,
	}
}

// Validate rejects non-positive settings.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("reaper interval must be positive, got %s", c.Interval)
	}
	if c.QueueRetention <= 0 || c.StaleAfter <= 0 || c.SessionRetention <= 0 {
		return fmt.Errorf("reaper retention windows must be positive")
	}
	return nil
}
