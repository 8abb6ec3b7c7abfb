package scheduler

import (
	"time"

	"github.com/smallbiznis/creditmeter/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval   time.Duration
	BatchSize     int
	JobTimeout    time.Duration
	LeaderTTL     time.Duration
	ExpireElapsed bool
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 10 * time.Minute,
		BatchSize:   100,
		JobTimeout:  2 * time.Minute,
		LeaderTTL:   5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:   cfg.Scheduler.RunInterval,
		BatchSize:     cfg.Scheduler.BatchSize,
		ExpireElapsed: cfg.Scheduler.ExpireElapsed,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LeaderTTL <= 0 {
		c.LeaderTTL = defaults.LeaderTTL
	}
	return c
}
