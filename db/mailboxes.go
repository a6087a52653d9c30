package db

import (
	"context"
	"fmt"
	"time"

	"github.com/chaserhq/chaser/consts"
	"github.com/jackc/pgx/v5"
)

// MailboxState is the persisted poll checkpoint and health for one mailbox.
// UIDValidity and LastUID bound the incremental IMAP fetch; a validity change
// invalidates LastUID and forces a time-based fetch.
type MailboxState struct {
	Name                string
	UIDValidity         uint32
	LastUID             uint32
	LastPollAt          *time.Time
	LastSuccessAt       *time.Time
	ConsecutiveFailures int
	LastError           string
	UpdatedAt           time.Time
}

// GetMailboxState fetches one mailbox's checkpoint. A mailbox that has never
// been polled has no row; callers treat ErrDBNotFound as an empty checkpoint.
func (db *Database) GetMailboxState(ctx context.Context, name string) (*MailboxState, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	var state MailboxState
	err := db.TimedQueryRow(ctx, "get_mailbox_state", `
		SELECT name, uid_validity, last_uid, last_poll_at, last_success_at,
		       consecutive_failures, last_error, updated_at
		FROM mailbox_states
		WHERE name = $1`,
		name).Scan(&state.Name, &state.UIDValidity, &state.LastUID, &state.LastPollAt,
		&state.LastSuccessAt, &state.ConsecutiveFailures, &state.LastError, &state.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrDBNotFound
		}
		return nil, err
	}
	return &state, nil
}

// RecordPollSuccess persists the checkpoint reached by a successful poll and
// clears the failure streak.
func (db *Database) RecordPollSuccess(ctx context.Context, name string, uidValidity, lastUID uint32, at time.Time) error {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	return db.TimedExec(ctx, "record_poll_success", `
		INSERT INTO mailbox_states (name, uid_validity, last_uid, last_poll_at, last_success_at,
			consecutive_failures, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $4, 0, '', now())
		ON CONFLICT (name) DO UPDATE SET
			uid_validity = EXCLUDED.uid_validity,
			last_uid = EXCLUDED.last_uid,
			last_poll_at = EXCLUDED.last_poll_at,
			last_success_at = EXCLUDED.last_success_at,
			consecutive_failures = 0,
			last_error = '',
			updated_at = now()`,
		name, int64(uidValidity), int64(lastUID), at)
}

// RecordPollFailure increments the mailbox's failure streak and returns the
// new count, which drives poll backoff. The checkpoint is left untouched so
// the next successful poll resumes from the last known position.
func (db *Database) RecordPollFailure(ctx context.Context, name string, at time.Time, errMsg string) (int, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	var failures int
	err := db.TimedQueryRow(ctx, "record_poll_failure", `
		INSERT INTO mailbox_states (name, last_poll_at, consecutive_failures, last_error, updated_at)
		VALUES ($1, $2, 1, $3, now())
		ON CONFLICT (name) DO UPDATE SET
			last_poll_at = EXCLUDED.last_poll_at,
			consecutive_failures = mailbox_states.consecutive_failures + 1,
			last_error = EXCLUDED.last_error,
			updated_at = now()
		RETURNING consecutive_failures`,
		name, at, errMsg).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("failed to record poll failure: %w", err)
	}
	return failures, nil
}

// ListMailboxStates returns every known mailbox checkpoint ordered by name.
func (db *Database) ListMailboxStates(ctx context.Context) ([]*MailboxState, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	rows, err := db.TimedQuery(ctx, "list_mailbox_states", `
		SELECT name, uid_validity, last_uid, last_poll_at, last_success_at,
		       consecutive_failures, last_error, updated_at
		FROM mailbox_states
		ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*MailboxState
	for rows.Next() {
		var state MailboxState
		if err := rows.Scan(&state.Name, &state.UIDValidity, &state.LastUID, &state.LastPollAt,
			&state.LastSuccessAt, &state.ConsecutiveFailures, &state.LastError, &state.UpdatedAt); err != nil {
			return nil, err
		}
		states = append(states, &state)
	}
	return states, rows.Err()
}
