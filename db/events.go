package db

import (
	"context"
	"fmt"
	"time"
)

// Engine event types written to the observability log.
const (
	EventReminderSent    = "reminder_sent"
	EventReplyDetected   = "reply_detected"
	EventPollFailed      = "poll_failed"
	EventExhausted       = "exhausted"
	EventCreated         = "created"
	EventCancelled       = "cancelled"
	EventSettingsChanged = "settings_changed"
	EventReminderFailed  = "reminder_failed"
)

// ReminderEvent is one row of a record's append-only reminder history.
type ReminderEvent struct {
	ID                int64     `json:"id"`
	TrackedEmailID    int64     `json:"tracked_email_id"`
	AttemptNumber     int       `json:"attempt_number"`
	SentAt            time.Time `json:"sent_at"`
	TemplateUsed      string    `json:"template_used"`
	ReminderMessageID string    `json:"reminder_message_id"`
	ArchiveKey        *string   `json:"archive_key,omitempty"`
}

// EngineEvent is one row of the append-only engine activity log. Events with
// no record attached (poll failures) carry a nil TrackedEmailID.
type EngineEvent struct {
	ID             int64                  `json:"id"`
	EventType      string                 `json:"event_type"`
	Mailbox        string                 `json:"mailbox"`
	TrackedEmailID *int64                 `json:"tracked_email_id,omitempty"`
	TickID         string                 `json:"tick_id,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// AppendEngineEventParams describes one event to append.
type AppendEngineEventParams struct {
	EventType      string
	Mailbox        string
	TrackedEmailID *int64
	TickID         string
	Details        map[string]interface{}
}

// AppendEngineEvent writes one activity log row. The log is append-only;
// nothing ever updates or deletes individual events.
func (db *Database) AppendEngineEvent(ctx context.Context, params *AppendEngineEventParams) error {
	details := params.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	var tickID interface{}
	if params.TickID != "" {
		tickID = params.TickID
	}

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	return db.TimedExec(ctx, "append_engine_event", `
		INSERT INTO engine_events (event_type, mailbox, tracked_email_id, tick_id, details)
		VALUES ($1, $2, $3, $4, $5)`,
		params.EventType, params.Mailbox, params.TrackedEmailID, tickID, details)
}

// ListEngineEvents returns a record's events, newest first.
func (db *Database) ListEngineEvents(ctx context.Context, trackedEmailID int64, limit int) ([]*EngineEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	rows, err := db.TimedQuery(ctx, "list_engine_events", `
		SELECT id, event_type, mailbox, tracked_email_id, COALESCE(tick_id::text, ''), occurred_at, details
		FROM engine_events
		WHERE tracked_email_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2`,
		trackedEmailID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*EngineEvent
	for rows.Next() {
		var ev EngineEvent
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Mailbox, &ev.TrackedEmailID,
			&ev.TickID, &ev.OccurredAt, &ev.Details); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// ListReminderEvents returns a record's reminder history in attempt order.
func (db *Database) ListReminderEvents(ctx context.Context, trackedEmailID int64) ([]*ReminderEvent, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	rows, err := db.TimedQuery(ctx, "list_reminder_events", `
		SELECT id, tracked_email_id, attempt_number, sent_at, template_used, reminder_message_id, archive_key
		FROM reminder_events
		WHERE tracked_email_id = $1
		ORDER BY attempt_number ASC`,
		trackedEmailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ReminderEvent
	for rows.Next() {
		var ev ReminderEvent
		if err := rows.Scan(&ev.ID, &ev.TrackedEmailID, &ev.AttemptNumber, &ev.SentAt,
			&ev.TemplateUsed, &ev.ReminderMessageID, &ev.ArchiveKey); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// PurgeEngineEventsBefore deletes mailbox-level events older than the cutoff.
// Record-level events are removed by cascade when their record is purged.
func (db *Database) PurgeEngineEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM engine_events
		WHERE id IN (
			SELECT id FROM engine_events
			WHERE tracked_email_id IS NULL AND occurred_at < $1
			ORDER BY occurred_at ASC
			LIMIT $2
		)`,
		cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to purge engine events: %w", err)
	}
	return tag.RowsAffected(), nil
}
