package scheduler

import (
	"time"

	"github.com/smallbiznis/hungerpay/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	// ConfirmationTimeout is how long a record may sit in a non-terminal
	// state before the sweep fails it.
	ConfirmationTimeout time.Duration
	// ReconcileAfter is the age at which awaiting records are actively
	// queried at the provider.
	ReconcileAfter time.Duration
	JobTimeout     time.Duration
	EnabledJobs    []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:         30 * time.Second,
		BatchSize:           100,
		ConfirmationTimeout: 10 * time.Minute,
		ReconcileAfter:      2 * time.Minute,
		JobTimeout:          25 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:         cfg.Scheduler.RunInterval,
		BatchSize:           cfg.Scheduler.BatchSize,
		ConfirmationTimeout: cfg.Scheduler.ConfirmationTimeout,
		ReconcileAfter:      cfg.Scheduler.ReconcileAfter,
		EnabledJobs:         cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = defaults.ConfirmationTimeout
	}
	if c.ReconcileAfter <= 0 {
		c.ReconcileAfter = defaults.ReconcileAfter
	}
	if c.ReconcileAfter >= c.ConfirmationTimeout {
		c.ReconcileAfter = c.ConfirmationTimeout / 2
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
