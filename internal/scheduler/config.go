package scheduler

import (
	"time"

	"github.com/smallbiznis/usageledger/internal/config"
)

// Config controls when the daily ingestion fires and how far back it looks.
type Config struct {
	RunInterval time.Duration
	// RunAtHour is the UTC hour after which yesterday's data is expected.
	RunAtHour int
	// LookbackDays re-ingests this many trailing days to pick up late vendor data.
	LookbackDays int
	JobTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:  5 * time.Minute,
		RunAtHour:    6,
		LookbackDays: 3,
		JobTimeout:   3 * time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:  cfg.Scheduler.RunInterval,
		RunAtHour:    cfg.Scheduler.RunAtHour,
		LookbackDays: cfg.Scheduler.LookbackDays,
		JobTimeout:   cfg.Scheduler.JobTimeout,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RunAtHour < 0 || c.RunAtHour > 23 {
		c.RunAtHour = defaults.RunAtHour
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = defaults.LookbackDays
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
