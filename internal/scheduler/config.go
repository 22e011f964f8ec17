package scheduler

import "time"

// Config controls the background loops.
type Config struct {
	ReconcileInterval time.Duration
	ReconcileTimeout  time.Duration
	SweepInterval     time.Duration
	SweepTimeout      time.Duration
	SweepOlderThan    time.Duration
	SweepBatchSize    int
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 24 * time.Hour
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Minute
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = 5 * time.Minute
	}
	if c.SweepOlderThan <= 0 {
		c.SweepOlderThan = 10 * time.Minute
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
	return c
}
