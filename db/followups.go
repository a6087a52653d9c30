package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chaserhq/chaser/consts"
	"github.com/chaserhq/chaser/pkg/metrics"
)

// Follow-up states. Transitions out of pending are final.
const (
	StatePending   = "pending"
	StateReplied   = "replied"
	StateExhausted = "exhausted"
	StateCancelled = "cancelled"
)

// TrackedEmail is one outbound message under follow-up.
type TrackedEmail struct {
	ID                   int64      `json:"id"`
	Mailbox              string     `json:"mailbox"`
	Recipient            string     `json:"recipient"`
	Subject              string     `json:"subject"`
	SentAt               time.Time  `json:"sent_at"`
	MessageID            string     `json:"message_id,omitempty"`
	ThreadKey            string     `json:"thread_key,omitempty"`
	ReminderIntervalDays int        `json:"reminder_interval_days"`
	MaxReminders         *int       `json:"max_reminders"` // nil = unlimited
	TemplateName         string     `json:"template_name"`
	State                string     `json:"state"`
	ReminderCount        int        `json:"reminder_count"`
	LastCheckedAt        *time.Time `json:"last_checked_at,omitempty"`
	NextActionAt         *time.Time `json:"next_action_at,omitempty"`
	RepliedAt            *time.Time `json:"replied_at,omitempty"`
	ReplyMessageID       *string    `json:"reply_message_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

const trackedEmailColumns = `id, mailbox, recipient, subject, sent_at, message_id, thread_key,
	reminder_interval_days, max_reminders, template_name, state, reminder_count,
	last_checked_at, next_action_at, replied_at, reply_message_id, created_at, updated_at`

func scanTrackedEmail(row pgx.Row) (*TrackedEmail, error) {
	var te TrackedEmail
	err := row.Scan(&te.ID, &te.Mailbox, &te.Recipient, &te.Subject, &te.SentAt,
		&te.MessageID, &te.ThreadKey, &te.ReminderIntervalDays, &te.MaxReminders,
		&te.TemplateName, &te.State, &te.ReminderCount, &te.LastCheckedAt,
		&te.NextActionAt, &te.RepliedAt, &te.ReplyMessageID, &te.CreatedAt, &te.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &te, nil
}

// CreateTrackedEmailParams describes a new follow-up registration.
type CreateTrackedEmailParams struct {
	Mailbox              string
	Recipient            string
	Subject              string
	SentAt               time.Time
	MessageID            string
	ThreadKey            string
	ReminderIntervalDays int
	MaxReminders         *int // nil = unlimited
	TemplateName         string
}

// CreateTrackedEmail registers a sent email for follow-up. The first reminder
// is scheduled one interval after the send, clamped into the future when the
// email is registered late. A second open registration for the same message
// id fails with ErrDBUniqueViolation.
func (db *Database) CreateTrackedEmail(ctx context.Context, params *CreateTrackedEmailParams) (*TrackedEmail, error) {
	if params.ReminderIntervalDays <= 0 {
		return nil, fmt.Errorf("reminder interval must be positive, got %d", params.ReminderIntervalDays)
	}
	if params.MaxReminders != nil && *params.MaxReminders <= 0 {
		return nil, fmt.Errorf("max reminders must be positive when set, got %d", *params.MaxReminders)
	}
	threadKey := params.ThreadKey
	if threadKey == "" {
		threadKey = params.MessageID
	}
	templateName := params.TemplateName
	if templateName == "" {
		templateName = "default"
	}

	now := time.Now()
	nextAction := params.SentAt.AddDate(0, 0, params.ReminderIntervalDays)
	if !nextAction.After(now) {
		nextAction = now.Add(time.Minute)
	}

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	row := db.TimedQueryRow(ctx, "create_tracked_email", `
		INSERT INTO tracked_emails
			(mailbox, recipient, subject, sent_at, message_id, thread_key,
			 reminder_interval_days, max_reminders, template_name, next_action_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+trackedEmailColumns,
		params.Mailbox, params.Recipient, params.Subject, params.SentAt,
		params.MessageID, threadKey, params.ReminderIntervalDays,
		params.MaxReminders, templateName, nextAction)

	te, err := scanTrackedEmail(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, consts.ErrDBUniqueViolation
		}
		return nil, fmt.Errorf("failed to create tracked email: %w", err)
	}
	return te, nil
}

// GetTrackedEmail loads one record by id.
func (db *Database) GetTrackedEmail(ctx context.Context, id int64) (*TrackedEmail, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	row := db.TimedQueryRow(ctx, "get_tracked_email",
		`SELECT `+trackedEmailColumns+` FROM tracked_emails WHERE id = $1`, id)
	te, err := scanTrackedEmail(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrTrackedEmailNotFound
		}
		return nil, err
	}
	return te, nil
}

// GetPollableTrackedEmails returns the pending records of a mailbox whose
// last check predates the cutoff, earliest due first. Records never checked
// sort as due.
func (db *Database) GetPollableTrackedEmails(ctx context.Context, mailbox string, checkedBefore time.Time) ([]*TrackedEmail, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	rows, err := db.TimedQuery(ctx, "list_pollable", `
		SELECT `+trackedEmailColumns+`
		FROM tracked_emails
		WHERE mailbox = $1 AND state = $2
		  AND (last_checked_at IS NULL OR last_checked_at < $3)
		ORDER BY next_action_at ASC`,
		mailbox, StatePending, checkedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TrackedEmail
	for rows.Next() {
		te, err := scanTrackedEmail(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, te)
	}
	return records, rows.Err()
}

// TouchLastChecked stamps last_checked_at on every examined record,
// regardless of tick outcome.
func (db *Database) TouchLastChecked(ctx context.Context, ids []int64, checkedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	return db.TimedExec(ctx, "touch_last_checked",
		`UPDATE tracked_emails SET last_checked_at = $2, updated_at = now() WHERE id = ANY($1)`,
		ids, checkedAt)
}

// MarkReplied transitions a pending record to replied. Terminal records
// return ErrAlreadyTerminal; the transition is never overwritten.
func (db *Database) MarkReplied(ctx context.Context, id int64, repliedAt time.Time, replyMessageID string) error {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE tracked_emails
		SET state = $2, replied_at = $3, reply_message_id = $4,
		    next_action_at = NULL, updated_at = now()
		WHERE id = $1 AND state = $5`,
		id, StateReplied, repliedAt, replyMessageID, StatePending)
	if err != nil {
		return fmt.Errorf("failed to mark tracked email %d replied: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return db.terminalOrMissing(ctx, id)
	}
	return nil
}

// MarkExhausted transitions a pending record to exhausted without recording a
// send. Reached when the reminder count already meets a lowered cap. Terminal
// records return ErrAlreadyTerminal.
func (db *Database) MarkExhausted(ctx context.Context, id int64) error {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE tracked_emails
		SET state = $2, next_action_at = NULL, updated_at = now()
		WHERE id = $1 AND state = $3`,
		id, StateExhausted, StatePending)
	if err != nil {
		return fmt.Errorf("failed to mark tracked email %d exhausted: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return db.terminalOrMissing(ctx, id)
	}
	return nil
}

// CancelTrackedEmail transitions a pending record to cancelled. The row is
// kept; only the retention sweeper ever deletes records.
func (db *Database) CancelTrackedEmail(ctx context.Context, id int64) error {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE tracked_emails
		SET state = $2, next_action_at = NULL, updated_at = now()
		WHERE id = $1 AND state = $3`,
		id, StateCancelled, StatePending)
	if err != nil {
		return fmt.Errorf("failed to cancel tracked email %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return db.terminalOrMissing(ctx, id)
	}
	return nil
}

// terminalOrMissing distinguishes a guarded zero-row update: either the
// record does not exist or it is already in a terminal state.
func (db *Database) terminalOrMissing(ctx context.Context, id int64) error {
	var state string
	err := db.Pool.QueryRow(ctx, `SELECT state FROM tracked_emails WHERE id = $1`, id).Scan(&state)
	if err != nil {
		if err == pgx.ErrNoRows {
			return consts.ErrTrackedEmailNotFound
		}
		return err
	}
	return consts.ErrAlreadyTerminal
}

// UpdateSettingsParams carries a partial settings edit. Nil fields are left
// unchanged; a MaxReminders of 0 clears the cap.
type UpdateSettingsParams struct {
	IntervalDays *int
	MaxReminders *int
	TemplateName *string
}

// UpdateReminderSettings applies a user edit to a pending record and
// recomputes next_action_at from the last activity (last reminder, or the
// original send) plus the effective interval, clamped into the future.
// Lowering the cap to or below the count already sent exhausts the record
// instead.
func (db *Database) UpdateReminderSettings(ctx context.Context, id int64, params *UpdateSettingsParams) (*TrackedEmail, error) {
	if params.IntervalDays != nil && *params.IntervalDays <= 0 {
		return nil, fmt.Errorf("reminder interval must be positive, got %d", *params.IntervalDays)
	}
	if params.TemplateName != nil && *params.TemplateName == "" {
		return nil, fmt.Errorf("template name cannot be empty")
	}

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec, err := scanTrackedEmail(tx.QueryRow(ctx,
		`SELECT `+trackedEmailColumns+` FROM tracked_emails WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrTrackedEmailNotFound
		}
		return nil, err
	}
	if rec.State != StatePending {
		return nil, consts.ErrAlreadyTerminal
	}

	interval := rec.ReminderIntervalDays
	if params.IntervalDays != nil {
		interval = *params.IntervalDays
	}
	maxReminders := rec.MaxReminders
	if params.MaxReminders != nil {
		if *params.MaxReminders <= 0 {
			maxReminders = nil
		} else {
			v := *params.MaxReminders
			maxReminders = &v
		}
	}
	templateName := rec.TemplateName
	if params.TemplateName != nil {
		templateName = *params.TemplateName
	}

	// A cap at or below the count already sent ends the chain here: the
	// record must never sit pending with no attempt left to make.
	if maxReminders != nil && rec.ReminderCount >= *maxReminders {
		updated, err := scanTrackedEmail(tx.QueryRow(ctx, `
			UPDATE tracked_emails
			SET reminder_interval_days = $2, max_reminders = $3, template_name = $4,
			    state = $5, next_action_at = NULL, updated_at = now()
			WHERE id = $1
			RETURNING `+trackedEmailColumns,
			id, interval, maxReminders, templateName, StateExhausted))
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
		}
		return updated, nil
	}

	// Reschedule from the most recent activity so shortening the interval
	// pulls the next reminder forward and lengthening pushes it out.
	var base time.Time
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sent_at), $2) FROM reminder_events WHERE tracked_email_id = $1`,
		id, rec.SentAt).Scan(&base)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	nextAction := base.AddDate(0, 0, interval)
	if !nextAction.After(now) {
		nextAction = now.Add(time.Minute)
	}

	updated, err := scanTrackedEmail(tx.QueryRow(ctx, `
		UPDATE tracked_emails
		SET reminder_interval_days = $2, max_reminders = $3, template_name = $4,
		    next_action_at = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+trackedEmailColumns,
		id, interval, maxReminders, templateName, nextAction))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return updated, nil
}

// RecordReminderParams describes one sent reminder to persist.
type RecordReminderParams struct {
	TrackedEmailID    int64
	AttemptNumber     int
	SentAt            time.Time
	TemplateUsed      string
	ReminderMessageID string
	NextActionAt      *time.Time // nil when the cap is reached
	Exhausted         bool
}

// RecordReminderSent appends the reminder history row and advances the
// record inside one transaction. A repeated attempt number means the
// reminder was already persisted (crash replay); it returns
// ErrDBUniqueViolation and leaves the existing history untouched.
func (db *Database) RecordReminderSent(ctx context.Context, params *RecordReminderParams) error {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO reminder_events
			(tracked_email_id, attempt_number, sent_at, template_used, reminder_message_id)
		VALUES ($1, $2, $3, $4, $5)`,
		params.TrackedEmailID, params.AttemptNumber, params.SentAt,
		params.TemplateUsed, params.ReminderMessageID)
	if err != nil {
		if isUniqueViolation(err) {
			return consts.ErrDBUniqueViolation
		}
		return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}

	state := StatePending
	if params.Exhausted {
		state = StateExhausted
	}
	_, err = tx.Exec(ctx, `
		UPDATE tracked_emails
		SET reminder_count = $2, next_action_at = $3, state = $4, updated_at = now()
		WHERE id = $1 AND state = $5`,
		params.TrackedEmailID, params.AttemptNumber, params.NextActionAt, state, StatePending)
	if err != nil {
		return fmt.Errorf("failed to advance tracked email %d: %w", params.TrackedEmailID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

// SetReminderArchiveKey records where the reminder copy was archived.
// Archiving runs after the reminder is persisted, so this is a separate,
// best-effort update.
func (db *Database) SetReminderArchiveKey(ctx context.Context, trackedEmailID int64, attemptNumber int, archiveKey string) error {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	return db.TimedExec(ctx, "set_reminder_archive_key",
		`UPDATE reminder_events SET archive_key = $3 WHERE tracked_email_id = $1 AND attempt_number = $2`,
		trackedEmailID, attemptNumber, archiveKey)
}

// ListTrackedEmailsParams filters the paginated listing.
type ListTrackedEmailsParams struct {
	Mailbox string
	State   string
	Limit   int
	Offset  int
}

// ListTrackedEmails returns records newest first.
func (db *Database) ListTrackedEmails(ctx context.Context, params *ListTrackedEmailsParams) ([]*TrackedEmail, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + trackedEmailColumns + ` FROM tracked_emails`
	args := []interface{}{}
	argIdx := 1
	if params.Mailbox != "" {
		query += fmt.Sprintf(" WHERE mailbox = $%d", argIdx)
		args = append(args, params.Mailbox)
		argIdx++
	}
	if params.State != "" {
		if argIdx == 1 {
			query += fmt.Sprintf(" WHERE state = $%d", argIdx)
		} else {
			query += fmt.Sprintf(" AND state = $%d", argIdx)
		}
		args = append(args, params.State)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, offset)

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	rows, err := db.TimedQuery(ctx, "list_tracked_emails", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TrackedEmail
	for rows.Next() {
		te, err := scanTrackedEmail(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, te)
	}
	return records, rows.Err()
}

// FollowupStats aggregates record counts for the stats surfaces.
type FollowupStats struct {
	ByState         map[string]int64 `json:"by_state"`
	DueNow          int64            `json:"due_now"`
	RemindersSent   int64            `json:"reminders_sent"`
	RepliesDetected int64            `json:"replies_detected"`
}

// GetFollowupStats returns aggregate counts across all mailboxes.
func (db *Database) GetFollowupStats(ctx context.Context) (*FollowupStats, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	stats := &FollowupStats{
		ByState: map[string]int64{
			StatePending:   0,
			StateReplied:   0,
			StateExhausted: 0,
			StateCancelled: 0,
		},
	}

	rows, err := db.TimedQuery(ctx, "followup_stats",
		`SELECT state, COUNT(*) FROM tracked_emails GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats.ByState[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tracked_emails WHERE state = $1 AND next_action_at <= now()`,
		StatePending).Scan(&stats.DueNow)
	if err != nil {
		return nil, err
	}

	err = db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM reminder_events`).Scan(&stats.RemindersSent)
	if err != nil {
		return nil, err
	}

	stats.RepliesDetected = stats.ByState[StateReplied]
	return stats, nil
}

// PurgeTerminalTrackedEmailsBefore deletes terminal records that last changed
// before the cutoff. Reminder and engine events cascade with the record.
// Pending records are never purged.
func (db *Database) PurgeTerminalTrackedEmailsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM tracked_emails
		WHERE id IN (
			SELECT id FROM tracked_emails
			WHERE state IN ($1, $2, $3) AND updated_at < $4
			ORDER BY updated_at ASC
			LIMIT $5
		)`,
		StateReplied, StateExhausted, StateCancelled, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tracked emails: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetEngineStats adapts the follow-up aggregates for the metrics collector.
func (db *Database) GetEngineStats(ctx context.Context) (*metrics.EngineStats, error) {
	stats, err := db.GetFollowupStats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.EngineStats{
		FollowupsByState: stats.ByState,
		DueNow:           stats.DueNow,
	}, nil
}
