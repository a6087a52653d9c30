package transport

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chaserhq/chaser/logger"
	"github.com/chaserhq/chaser/pkg/metrics"
)

// Send journal entry states.
const (
	JournalInflight = "inflight" // handoff started, outcome unknown
	JournalAccepted = "accepted" // server accepted, durable record pending
	JournalFailed   = "failed"   // submission failed, safe to retry
)

// Journal is the local record of reminder handoffs, keyed by
// (record, attempt). It exists to answer one question after a crash: did this
// attempt already leave the building? An accepted entry outliving its
// database persist means yes, and the attempt must not be re-sent.
type Journal struct {
	db   *sql.DB
	path string
}

// OpenJournal opens (or creates) the journal database.
func OpenJournal(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal path cannot be empty")
	}
	path = filepath.Clean(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open send journal: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		// WAL is an optimization; proceed without it.
		logger.Warnf("[JOURNAL] failed to set PRAGMA journal_mode = WAL: %v", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS send_journal (
		record_id INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('inflight', 'accepted', 'failed')),
		message_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (record_id, attempt)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal DB ping failed: %w", err)
	}

	return &Journal{db: db, path: path}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Lookup returns the state and message id journaled for an attempt, or empty
// strings when the attempt was never journaled.
func (j *Journal) Lookup(recordID int64, attempt int) (string, string, error) {
	var state, messageID string
	err := j.timed("lookup", func() error {
		return j.db.QueryRow(
			`SELECT state, message_id FROM send_journal WHERE record_id = ? AND attempt = ?`,
			recordID, attempt).Scan(&state, &messageID)
	})
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("journal lookup failed: %w", err)
	}
	return state, messageID, nil
}

// Begin journals an attempt as inflight before the SMTP dialogue starts. It
// replaces a previous failed or inflight entry for the same attempt; an
// accepted entry must be detected via Lookup first and never reaches here.
func (j *Journal) Begin(recordID int64, attempt int, messageID string) error {
	err := j.timed("begin", func() error {
		_, err := j.db.Exec(`
			INSERT INTO send_journal (record_id, attempt, state, message_id)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (record_id, attempt) DO UPDATE SET
				state = excluded.state,
				message_id = excluded.message_id,
				updated_at = CURRENT_TIMESTAMP`,
			recordID, attempt, JournalInflight, messageID)
		return err
	})
	if err != nil {
		return fmt.Errorf("journal begin failed: %w", err)
	}
	return nil
}

// Accept marks an attempt as accepted by the server. This runs between the
// SMTP handoff and the durable persist; the window it covers is exactly the
// crash window that would otherwise double-send.
func (j *Journal) Accept(recordID int64, attempt int) error {
	err := j.timed("accept", func() error {
		_, err := j.db.Exec(
			`UPDATE send_journal SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE record_id = ? AND attempt = ?`,
			JournalAccepted, recordID, attempt)
		return err
	})
	if err != nil {
		return fmt.Errorf("journal accept failed: %w", err)
	}
	return nil
}

// Fail marks an attempt as failed; the next tick may retry it.
func (j *Journal) Fail(recordID int64, attempt int) error {
	err := j.timed("fail", func() error {
		_, err := j.db.Exec(
			`UPDATE send_journal SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE record_id = ? AND attempt = ?`,
			JournalFailed, recordID, attempt)
		return err
	})
	if err != nil {
		return fmt.Errorf("journal fail failed: %w", err)
	}
	return nil
}

// Clear removes an attempt once its reminder is durably persisted.
func (j *Journal) Clear(recordID int64, attempt int) error {
	err := j.timed("clear", func() error {
		_, err := j.db.Exec(
			`DELETE FROM send_journal WHERE record_id = ? AND attempt = ?`,
			recordID, attempt)
		return err
	})
	if err != nil {
		return fmt.Errorf("journal clear failed: %w", err)
	}
	return nil
}

// Stats counts journal entries by state.
func (j *Journal) Stats() (map[string]int64, error) {
	stats := map[string]int64{
		JournalInflight: 0,
		JournalAccepted: 0,
		JournalFailed:   0,
	}
	rows, err := j.db.Query(`SELECT state, COUNT(*) FROM send_journal GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("journal stats failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// PurgeOlderThan drops entries idle longer than age. Failed entries for
// records that went terminal and cleared accepted leftovers accumulate
// otherwise.
func (j *Journal) PurgeOlderThan(age time.Duration) (int64, error) {
	cutoff := fmt.Sprintf("-%d seconds", int64(age.Seconds()))
	res, err := j.db.Exec(
		`DELETE FROM send_journal WHERE updated_at < datetime('now', ?)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal purge failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (j *Journal) timed(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.JournalOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil && err != sql.ErrNoRows {
		result = "error"
	}
	metrics.JournalOperations.WithLabelValues(op, result).Inc()
	return err
}
