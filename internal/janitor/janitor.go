// Package janitor implements the retention sweeps (component I):
// periodically removing expired/consumed KeyPackages, enforcing the
// per-device cap, and trimming old delivery acks. Grounded on the
// original's server/src/jobs/key_package_cleanup.rs for sweep order,
// cadence (30 minutes), and its per-sweep fault-tolerance shape (each sweep
// logs and continues independently of whether a prior sweep errored), and
// server/src/jobs/delivery_acks_cleanup.rs for the 30-day ack retention
// window; expressed as a ticker-driven goroutine in the teacher's
// internal/workers style (startAutomodWorker's ctx.Done/ticker.C select
// loop).
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval matches the original's 1800-second (30-minute) cadence.
const DefaultSweepInterval = 30 * time.Minute

// DefaultConsumedRetention matches the original's 24-hour consumed-package window.
const DefaultConsumedRetention = 24 * time.Hour

// DefaultUnconsumedRetention matches the original's 7-day stale-package window.
const DefaultUnconsumedRetention = 7 * 24 * time.Hour

// DefaultAckRetention matches the original's 30-day delivery ack window
// (server/src/jobs/delivery_acks_cleanup.rs).
const DefaultAckRetention = 30 * 24 * time.Hour

// DefaultMessageTTL matches MESSAGE_TTL_DAYS's 30-day default.
const DefaultMessageTTL = 30 * 24 * time.Hour

// DefaultWelcomeConsumedRetention is the 24-hour window a consumed Welcome
// envelope is kept around before compaction, independent of MESSAGE_TTL_DAYS.
const DefaultWelcomeConsumedRetention = 24 * time.Hour

// DefaultEventStreamTTL matches EVENT_STREAM_TTL_DAYS's 7-day default.
const DefaultEventStreamTTL = 7 * 24 * time.Hour

// Store is the durable seam each sweep uses. Every method is independent:
// a failure in one never prevents the others from running on the next tick.
type Store interface {
	DeleteExpiredKeyPackages(ctx context.Context) (int64, error)
	DeleteConsumedKeyPackages(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteStaleUnconsumedKeyPackages(ctx context.Context, olderThan time.Duration) (int64, error)
	EnforceKeyPackageLimit(ctx context.Context, maxPerDevice int) (int64, error)
	DeleteOldDeliveryAcks(ctx context.Context, olderThan time.Duration) (int64, error)
	CompactMessages(ctx context.Context, messageTTL, welcomeConsumedTTL time.Duration) (int64, error)
	CompactEventLog(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config tunes sweep cadence and retention windows; zero values fall back
// to the defaults above.
type Config struct {
	SweepInterval            time.Duration
	ConsumedRetention        time.Duration
	UnconsumedRetention      time.Duration
	AckRetention             time.Duration
	MaxKeyPackagesPerDevice  int
	MessageTTL               time.Duration
	WelcomeConsumedRetention time.Duration
	EventStreamTTL           time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.ConsumedRetention <= 0 {
		c.ConsumedRetention = DefaultConsumedRetention
	}
	if c.UnconsumedRetention <= 0 {
		c.UnconsumedRetention = DefaultUnconsumedRetention
	}
	if c.AckRetention <= 0 {
		c.AckRetention = DefaultAckRetention
	}
	if c.MaxKeyPackagesPerDevice <= 0 {
		c.MaxKeyPackagesPerDevice = 200
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = DefaultMessageTTL
	}
	if c.WelcomeConsumedRetention <= 0 {
		c.WelcomeConsumedRetention = DefaultWelcomeConsumedRetention
	}
	if c.EventStreamTTL <= 0 {
		c.EventStreamTTL = DefaultEventStreamTTL
	}
	return c
}

// Janitor runs the retention sweeps on a ticker until Stop is called.
type Janitor struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Janitor. Call Start to begin sweeping.
func New(store Store, cfg Config, logger *slog.Logger) *Janitor {
	return &Janitor{store: store, cfg: cfg.withDefaults(), logger: logger}
}

// Start launches the sweep loop in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(j.cfg.SweepInterval)
		defer ticker.Stop()

		j.logger.Info("janitor started", slog.Duration("interval", j.cfg.SweepInterval))

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for the current sweep to finish.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

// runSweep performs the five key-package and ack cleanup steps in the
// original's order, then message and event-log compaction, logging
// and continuing past any individual failure.
func (j *Janitor) runSweep(ctx context.Context) {
	j.logger.Info("key package cleanup sweep starting")

	if count, err := j.store.DeleteExpiredKeyPackages(ctx); err != nil {
		j.logger.Error("expired key package cleanup failed", slog.String("error", err.Error()))
	} else if count > 0 {
		j.logger.Info("cleaned up expired key packages", slog.Int64("count", count))
	}

	if count, err := j.store.DeleteConsumedKeyPackages(ctx, j.cfg.ConsumedRetention); err != nil {
		j.logger.Error("consumed key package cleanup failed", slog.String("error", err.Error()))
	} else if count > 0 {
		j.logger.Info("cleaned up consumed key packages", slog.Int64("count", count), slog.Duration("olderThan", j.cfg.ConsumedRetention))
	}

	if count, err := j.store.DeleteStaleUnconsumedKeyPackages(ctx, j.cfg.UnconsumedRetention); err != nil {
		j.logger.Error("stale unconsumed key package cleanup failed", slog.String("error", err.Error()))
	} else if count > 0 {
		j.logger.Info("cleaned up stale unconsumed key packages", slog.Int64("count", count), slog.Duration("olderThan", j.cfg.UnconsumedRetention))
	}

	if count, err := j.store.EnforceKeyPackageLimit(ctx, j.cfg.MaxKeyPackagesPerDevice); err != nil {
		j.logger.Error("key package limit enforcement failed", slog.String("error", err.Error()))
	} else if count > 0 {
		j.logger.Info("enforced key package limit", slog.Int("maxPerDevice", j.cfg.MaxKeyPackagesPerDevice), slog.Int64("removed", count))
	}

	if count, err := j.store.DeleteOldDeliveryAcks(ctx, j.cfg.AckRetention); err != nil {
		j.logger.Error("delivery ack cleanup failed", slog.String("error", err.Error()))
	} else if count > 0 {
		j.logger.Info("cleaned up old delivery acks", slog.Int64("count", count))
	}

	if count, err := j.store.CompactMessages(ctx, j.cfg.MessageTTL, j.cfg.WelcomeConsumedRetention); err != nil {
		j.logger.Error("message compaction failed", slog.String("error", err.Error()))
	} else if count > 0 {
		j.logger.Info("compacted messages", slog.Int64("count", count), slog.Duration("messageTTL", j.cfg.MessageTTL))
	}

	if count, err := j.store.CompactEventLog(ctx, j.cfg.EventStreamTTL); err != nil {
		j.logger.Error("event log compaction failed", slog.String("error", err.Error()))
	} else if count > 0 {
		j.logger.Info("compacted event log", slog.Int64("count", count), slog.Duration("olderThan", j.cfg.EventStreamTTL))
	}

	j.logger.Info("key package cleanup sweep complete")
}
