package db

import (
	"context"
	"fmt"

	"github.com/chaserhq/chaser/consts"
	"github.com/chaserhq/chaser/logger"
)

// Advisory locks are session scoped, so the lock and unlock must run on the
// same connection. TryRetentionLock pins a pool connection for the duration
// of the sweep; ReleaseRetentionLock unlocks and returns it.

// TryRetentionLock attempts the retention sweep advisory lock. A false return
// with no error means another instance is sweeping.
func (db *Database) TryRetentionLock(ctx context.Context) (bool, error) {
	db.sweepMu.Lock()
	defer db.sweepMu.Unlock()
	if db.sweepConn != nil {
		return false, fmt.Errorf("retention lock already held by this process")
	}

	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring connection for retention lock: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", consts.RetentionAdvisoryLockID).Scan(&locked); err != nil {
		conn.Release()
		return false, fmt.Errorf("querying retention advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return false, nil
	}

	db.sweepConn = conn
	return true, nil
}

// ReleaseRetentionLock drops the advisory lock and returns the pinned
// connection to the pool. Releasing an unheld lock is a no-op.
func (db *Database) ReleaseRetentionLock(ctx context.Context) error {
	db.sweepMu.Lock()
	defer db.sweepMu.Unlock()
	if db.sweepConn == nil {
		return nil
	}

	var unlocked bool
	err := db.sweepConn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", consts.RetentionAdvisoryLockID).Scan(&unlocked)
	db.sweepConn.Release()
	db.sweepConn = nil
	if err != nil {
		return fmt.Errorf("releasing retention advisory lock: %w", err)
	}
	if !unlocked {
		logger.Warn("pg_advisory_unlock reported retention lock was not held at release")
	}
	return nil
}
