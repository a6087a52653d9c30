// Package retention deletes settled follow-up data past its configured age:
// terminal tracked emails (their reminder and engine events cascade with
// them), mailbox-level engine events, and settled send journal entries. The
// engine itself never deletes; this worker is the operator's retention
// policy. A PostgreSQL advisory lock ensures that only one instance sweeps
// at a time.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/chaserhq/chaser/logger"
	"github.com/chaserhq/chaser/pkg/metrics"
)

// Store defines the database operations required by the sweeper. This allows
// for mocking in tests.
type Store interface {
	TryRetentionLock(ctx context.Context) (bool, error)
	ReleaseRetentionLock(ctx context.Context) error
	PurgeTerminalTrackedEmailsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	PurgeEngineEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// JournalPurger drops settled send journal entries past the retention age.
type JournalPurger interface {
	PurgeOlderThan(age time.Duration) (int64, error)
}

type Sweeper struct {
	store     Store
	journal   JournalPurger // nil when the journal is purged elsewhere
	retainFor time.Duration
	interval  time.Duration
	batchSize int
	clock     func() time.Time
	stopCh    chan struct{}
}

// New creates a retention sweeper. Nothing runs until Start.
func New(store Store, journal JournalPurger, retainFor, interval time.Duration, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Sweeper{
		store:     store,
		journal:   journal,
		retainFor: retainFor,
		interval:  interval,
		batchSize: batchSize,
		clock:     time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop in its own goroutine. The first sweep runs
// after one full interval.
func (s *Sweeper) Start(ctx context.Context) {
	interval := s.interval
	const minAllowedInterval = time.Minute
	if interval < minAllowedInterval {
		logger.Info("[RETENTION] configured sweep interval below minimum, using minimum",
			"configured", s.interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}

	logger.Info("[RETENTION] sweeper starting", "retain_for", s.retainFor,
		"sweep_interval", interval, "batch_size", s.batchSize)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("[RETENTION] sweeper stopped by context")
				return
			case <-s.stopCh:
				logger.Info("[RETENTION] sweeper stopped")
				return
			case <-ticker.C:
				if err := s.runOnce(ctx); err != nil {
					logger.Error("[RETENTION] sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the sweep loop to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

// runOnce performs one sweep under the advisory lock. Phases continue past
// individual failures so one broken table cannot block cleanup of the others.
func (s *Sweeper) runOnce(ctx context.Context) error {
	locked, err := s.store.TryRetentionLock(ctx)
	if err != nil {
		metrics.RetentionSweepsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to acquire retention lock: %w", err)
	}
	if !locked {
		logger.Info("[RETENTION] sweep skipped: another instance holds the lock")
		metrics.RetentionSweepsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer func() {
		if err := s.store.ReleaseRetentionLock(ctx); err != nil {
			logger.Error("[RETENTION] failed to release retention lock", "error", err)
		}
	}()

	cutoff := s.clock().Add(-s.retainFor)
	result := "success"

	records, err := s.store.PurgeTerminalTrackedEmailsBefore(ctx, cutoff, s.batchSize)
	if err != nil {
		logger.Error("[RETENTION] failed to purge terminal records", "error", err)
		result = "failed"
	} else if records > 0 {
		metrics.RetentionPurgedTotal.WithLabelValues("tracked_emails").Add(float64(records))
		logger.Info("[RETENTION] purged terminal records", "count", records, "cutoff", cutoff)
	}

	events, err := s.store.PurgeEngineEventsBefore(ctx, cutoff, s.batchSize)
	if err != nil {
		logger.Error("[RETENTION] failed to purge mailbox events", "error", err)
		result = "failed"
	} else if events > 0 {
		metrics.RetentionPurgedTotal.WithLabelValues("engine_events").Add(float64(events))
		logger.Info("[RETENTION] purged mailbox events", "count", events, "cutoff", cutoff)
	}

	if s.journal != nil {
		entries, err := s.journal.PurgeOlderThan(s.retainFor)
		if err != nil {
			logger.Error("[RETENTION] failed to purge settled journal entries", "error", err)
			result = "failed"
		} else if entries > 0 {
			metrics.RetentionPurgedTotal.WithLabelValues("send_journal").Add(float64(entries))
			logger.Info("[RETENTION] purged settled journal entries", "count", entries)
		}
	}

	metrics.RetentionSweepsTotal.WithLabelValues(result).Inc()
	return nil
}
