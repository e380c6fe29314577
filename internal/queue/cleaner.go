package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains cleanup settings
type CleanerConfig struct {
	// Retention of sent, delivered, bounced, failed and cancelled messages
	TerminalMaxAge time.Duration
	Interval       time.Duration

	// Claims older than StaleLease are returned to pending
	StaleLease time.Duration
}

// Cleaner deletes old finished messages and recovers abandoned claims
type Cleaner struct {
	storage *BoltStorage
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start runs one pass immediately, then one per interval
func (c *Cleaner) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"terminal_max_age", c.cfg.TerminalMaxAge,
		"stale_lease", c.cfg.StaleLease,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for goroutines to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass
func (c *Cleaner) RunOnce(ctx context.Context) {
	if c.cfg.StaleLease > 0 {
		recovered, err := c.storage.RecoverStale(ctx, c.cfg.StaleLease)
		if err != nil {
			c.logger.Error("failed to recover stale claims", "error", err)
		} else if recovered > 0 {
			c.logger.Warn("recovered stale claims", "count", recovered)
		}
	}

	if c.cfg.TerminalMaxAge > 0 {
		deleted, err := c.storage.CleanupTerminal(ctx, c.cfg.TerminalMaxAge)
		if err != nil {
			c.logger.Error("failed to cleanup finished messages", "error", err)
			return
		}
		if deleted > 0 {
			c.logger.Info("cleaned up finished messages", "deleted", deleted)
		}
	}
}
