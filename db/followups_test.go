package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaserhq/chaser/consts"
)

func createTestFollowup(t *testing.T, database *Database, mailbox string, sentAt time.Time, intervalDays int) *TrackedEmail {
	t.Helper()
	te, err := database.CreateTrackedEmail(context.Background(), &CreateTrackedEmailParams{
		Mailbox:              mailbox,
		Recipient:            "claire@example.org",
		Subject:              "Contract renewal",
		SentAt:               sentAt,
		MessageID:            uniqueMessageID(t),
		ReminderIntervalDays: intervalDays,
	})
	require.NoError(t, err)
	return te
}

func TestCreateTrackedEmailValidation(t *testing.T) {
	// Validation happens before any pool access.
	database := &Database{}
	ctx := context.Background()

	_, err := database.CreateTrackedEmail(ctx, &CreateTrackedEmailParams{
		Mailbox:              "a@example.com",
		Recipient:            "b@example.org",
		Subject:              "hello",
		SentAt:               time.Now(),
		ReminderIntervalDays: 0,
	})
	assert.Error(t, err, "zero interval must be rejected")

	bad := -1
	_, err = database.CreateTrackedEmail(ctx, &CreateTrackedEmailParams{
		Mailbox:              "a@example.com",
		Recipient:            "b@example.org",
		Subject:              "hello",
		SentAt:               time.Now(),
		ReminderIntervalDays: 3,
		MaxReminders:         &bad,
	})
	assert.Error(t, err, "negative max reminders must be rejected")
}

func TestUpdateReminderSettingsValidation(t *testing.T) {
	database := &Database{}
	ctx := context.Background()

	zero := 0
	_, err := database.UpdateReminderSettings(ctx, 1, &UpdateSettingsParams{IntervalDays: &zero})
	assert.Error(t, err, "zero interval must be rejected")

	empty := ""
	_, err = database.UpdateReminderSettings(ctx, 1, &UpdateSettingsParams{TemplateName: &empty})
	assert.Error(t, err, "empty template name must be rejected")
}

func TestCreateTrackedEmail(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	sentAt := time.Now().Add(-24 * time.Hour)
	te := createTestFollowup(t, database, mailbox, sentAt, 3)

	assert.Equal(t, StatePending, te.State)
	assert.Equal(t, 0, te.ReminderCount)
	assert.Equal(t, te.MessageID, te.ThreadKey, "thread key defaults to the message id")
	assert.Equal(t, DefaultTemplateName, te.TemplateName)
	assert.Nil(t, te.MaxReminders)
	require.NotNil(t, te.NextActionAt)
	assert.WithinDuration(t, sentAt.AddDate(0, 0, 3), *te.NextActionAt, time.Minute)

	got, err := database.GetTrackedEmail(ctx, te.ID)
	require.NoError(t, err)
	assert.Equal(t, te.ID, got.ID)
	assert.Equal(t, mailbox, got.Mailbox)

	_, err = database.GetTrackedEmail(ctx, te.ID+1000000)
	assert.ErrorIs(t, err, consts.ErrTrackedEmailNotFound)
}

func TestCreateTrackedEmailClampsPastSchedule(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)

	// Registered long after the send: the computed first reminder is in the
	// past and must be pulled to just after now.
	te := createTestFollowup(t, database, mailbox, time.Now().AddDate(0, 0, -10), 3)
	require.NotNil(t, te.NextActionAt)
	assert.True(t, te.NextActionAt.After(time.Now()), "next action must be in the future")
	assert.WithinDuration(t, time.Now().Add(time.Minute), *te.NextActionAt, 10*time.Second)
}

func TestCreateTrackedEmailDuplicateMessageID(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	params := &CreateTrackedEmailParams{
		Mailbox:              mailbox,
		Recipient:            "claire@example.org",
		Subject:              "Contract renewal",
		SentAt:               time.Now().Add(-time.Hour),
		MessageID:            uniqueMessageID(t),
		ReminderIntervalDays: 3,
	}
	first, err := database.CreateTrackedEmail(ctx, params)
	require.NoError(t, err)

	_, err = database.CreateTrackedEmail(ctx, params)
	assert.ErrorIs(t, err, consts.ErrDBUniqueViolation, "second open registration for the same message must be rejected")

	// A terminal record frees the message id for re-tracking.
	require.NoError(t, database.CancelTrackedEmail(ctx, first.ID))
	_, err = database.CreateTrackedEmail(ctx, params)
	assert.NoError(t, err)
}

func TestMarkRepliedIsFinal(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	te := createTestFollowup(t, database, mailbox, time.Now().Add(-time.Hour), 3)
	repliedAt := time.Now()
	require.NoError(t, database.MarkReplied(ctx, te.ID, repliedAt, "<reply-1@example.org>"))

	got, err := database.GetTrackedEmail(ctx, te.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReplied, got.State)
	require.NotNil(t, got.RepliedAt)
	assert.WithinDuration(t, repliedAt, *got.RepliedAt, time.Second)
	require.NotNil(t, got.ReplyMessageID)
	assert.Equal(t, "<reply-1@example.org>", *got.ReplyMessageID)
	assert.Nil(t, got.NextActionAt, "replied records have no next action")

	// Terminal states never change again.
	assert.ErrorIs(t, database.MarkReplied(ctx, te.ID, time.Now(), "<reply-2@example.org>"), consts.ErrAlreadyTerminal)
	assert.ErrorIs(t, database.CancelTrackedEmail(ctx, te.ID), consts.ErrAlreadyTerminal)
	assert.ErrorIs(t, database.MarkReplied(ctx, te.ID+1000000, time.Now(), ""), consts.ErrTrackedEmailNotFound)

	after, err := database.GetTrackedEmail(ctx, te.ID)
	require.NoError(t, err)
	assert.Equal(t, "<reply-1@example.org>", *after.ReplyMessageID, "first reply wins")
}

func TestCancelTrackedEmail(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	te := createTestFollowup(t, database, mailbox, time.Now().Add(-time.Hour), 3)
	require.NoError(t, database.CancelTrackedEmail(ctx, te.ID))

	got, err := database.GetTrackedEmail(ctx, te.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Nil(t, got.NextActionAt)

	assert.ErrorIs(t, database.CancelTrackedEmail(ctx, te.ID), consts.ErrAlreadyTerminal)
}

func TestGetPollableTrackedEmailsOrdering(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	// Overdue record is clamped to now+1m and sorts first.
	overdue := createTestFollowup(t, database, mailbox, time.Now().AddDate(0, 0, -5), 1)
	later := createTestFollowup(t, database, mailbox, time.Now().Add(-24*time.Hour), 3)
	sooner := createTestFollowup(t, database, mailbox, time.Now().Add(-24*time.Hour), 2)

	records, err := database.GetPollableTrackedEmails(ctx, mailbox, time.Now())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, overdue.ID, records[0].ID)
	assert.Equal(t, sooner.ID, records[1].ID)
	assert.Equal(t, later.ID, records[2].ID)

	// Terminal records drop out of the pollable set.
	require.NoError(t, database.CancelTrackedEmail(ctx, overdue.ID))
	records, err = database.GetPollableTrackedEmails(ctx, mailbox, time.Now())
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Freshly checked records are excluded until the cutoff passes them again.
	require.NoError(t, database.TouchLastChecked(ctx, []int64{later.ID, sooner.ID}, time.Now()))
	records, err = database.GetPollableTrackedEmails(ctx, mailbox, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = database.GetPollableTrackedEmails(ctx, mailbox, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRecordReminderSent(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	te := createTestFollowup(t, database, mailbox, time.Now().Add(-72*time.Hour), 3)

	sentAt := time.Now()
	next := sentAt.AddDate(0, 0, 3)
	err := database.RecordReminderSent(ctx, &RecordReminderParams{
		TrackedEmailID:    te.ID,
		AttemptNumber:     1,
		SentAt:            sentAt,
		TemplateUsed:      DefaultTemplateName,
		ReminderMessageID: "<rem-1@corp.example.com>",
		NextActionAt:      &next,
	})
	require.NoError(t, err)

	got, err := database.GetTrackedEmail(ctx, te.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 1, got.ReminderCount)
	require.NotNil(t, got.NextActionAt)
	assert.WithinDuration(t, next, *got.NextActionAt, time.Second)

	// Replaying the same attempt (crash recovery) must not duplicate history.
	err = database.RecordReminderSent(ctx, &RecordReminderParams{
		TrackedEmailID:    te.ID,
		AttemptNumber:     1,
		SentAt:            time.Now(),
		TemplateUsed:      DefaultTemplateName,
		ReminderMessageID: "<rem-1-replay@corp.example.com>",
		NextActionAt:      &next,
	})
	assert.ErrorIs(t, err, consts.ErrDBUniqueViolation)

	events, err := database.ListReminderEvents(ctx, te.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].AttemptNumber)
	assert.Equal(t, "<rem-1@corp.example.com>", events[0].ReminderMessageID)
	assert.Nil(t, events[0].ArchiveKey)

	// Final attempt exhausts the record.
	err = database.RecordReminderSent(ctx, &RecordReminderParams{
		TrackedEmailID:    te.ID,
		AttemptNumber:     2,
		SentAt:            time.Now(),
		TemplateUsed:      DefaultTemplateName,
		ReminderMessageID: "<rem-2@corp.example.com>",
		Exhausted:         true,
	})
	require.NoError(t, err)

	got, err = database.GetTrackedEmail(ctx, te.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, got.State)
	assert.Equal(t, 2, got.ReminderCount)
	assert.Nil(t, got.NextActionAt)

	events, err = database.ListReminderEvents(ctx, te.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSetReminderArchiveKey(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	te := createTestFollowup(t, database, mailbox, time.Now().Add(-72*time.Hour), 3)
	next := time.Now().AddDate(0, 0, 3)
	require.NoError(t, database.RecordReminderSent(ctx, &RecordReminderParams{
		TrackedEmailID:    te.ID,
		AttemptNumber:     1,
		SentAt:            time.Now(),
		TemplateUsed:      DefaultTemplateName,
		ReminderMessageID: "<rem-1@corp.example.com>",
		NextActionAt:      &next,
	}))

	require.NoError(t, database.SetReminderArchiveKey(ctx, te.ID, 1, "ab/cd/abcdef"))

	events, err := database.ListReminderEvents(ctx, te.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].ArchiveKey)
	assert.Equal(t, "ab/cd/abcdef", *events[0].ArchiveKey)
}

func TestUpdateReminderSettings(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	sentAt := time.Now().Add(-24 * time.Hour)
	te := createTestFollowup(t, database, mailbox, sentAt, 3)

	interval := 10
	capTo := 5
	name := DefaultTemplateName
	updated, err := database.UpdateReminderSettings(ctx, te.ID, &UpdateSettingsParams{
		IntervalDays: &interval,
		MaxReminders: &capTo,
		TemplateName: &name,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, updated.ReminderIntervalDays)
	require.NotNil(t, updated.MaxReminders)
	assert.Equal(t, 5, *updated.MaxReminders)
	require.NotNil(t, updated.NextActionAt)
	// No reminders sent yet, so the schedule rebases on the original send.
	assert.WithinDuration(t, sentAt.AddDate(0, 0, 10), *updated.NextActionAt, time.Minute)

	// Clearing the cap makes reminders unlimited again.
	uncapped := 0
	updated, err = database.UpdateReminderSettings(ctx, te.ID, &UpdateSettingsParams{MaxReminders: &uncapped})
	require.NoError(t, err)
	assert.Nil(t, updated.MaxReminders)
	assert.Equal(t, 10, updated.ReminderIntervalDays, "unset fields keep their values")

	require.NoError(t, database.MarkReplied(ctx, te.ID, time.Now(), "<r@example.org>"))
	_, err = database.UpdateReminderSettings(ctx, te.ID, &UpdateSettingsParams{IntervalDays: &interval})
	assert.ErrorIs(t, err, consts.ErrAlreadyTerminal)

	_, err = database.UpdateReminderSettings(ctx, te.ID+1000000, &UpdateSettingsParams{IntervalDays: &interval})
	assert.ErrorIs(t, err, consts.ErrTrackedEmailNotFound)
}

func TestUpdateReminderSettingsCapBelowCountExhausts(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	te := createTestFollowup(t, database, mailbox, time.Now().AddDate(0, 0, -8), 3)
	next := time.Now().AddDate(0, 0, 3)
	require.NoError(t, database.RecordReminderSent(ctx, &RecordReminderParams{
		TrackedEmailID:    te.ID,
		AttemptNumber:     1,
		SentAt:            time.Now().Add(-time.Hour),
		TemplateUsed:      DefaultTemplateName,
		ReminderMessageID: "<rem-1@corp.example.com>",
		NextActionAt:      &next,
	}))

	// One reminder is out; capping at one leaves nothing to send.
	capTo := 1
	updated, err := database.UpdateReminderSettings(ctx, te.ID, &UpdateSettingsParams{MaxReminders: &capTo})
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, updated.State)
	assert.Nil(t, updated.NextActionAt, "an exhausted record has no next action")
	require.NotNil(t, updated.MaxReminders)
	assert.Equal(t, 1, *updated.MaxReminders)

	events, err := database.ListReminderEvents(ctx, te.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1, "history never grows past the cap")

	// The record dropped out of the pollable set for good.
	records, err := database.GetPollableTrackedEmails(ctx, mailbox, time.Now())
	require.NoError(t, err)
	for _, rec := range records {
		assert.NotEqual(t, te.ID, rec.ID)
	}
}

func TestMarkExhausted(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	te := createTestFollowup(t, database, mailbox, time.Now().Add(-time.Hour), 3)
	require.NoError(t, database.MarkExhausted(ctx, te.ID))

	got, err := database.GetTrackedEmail(ctx, te.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, got.State)
	assert.Nil(t, got.NextActionAt)

	assert.ErrorIs(t, database.MarkExhausted(ctx, te.ID), consts.ErrAlreadyTerminal)
	assert.ErrorIs(t, database.MarkExhausted(ctx, te.ID+1000000), consts.ErrTrackedEmailNotFound)
}

func TestUpdateReminderSettingsRebasesOnLastReminder(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	te := createTestFollowup(t, database, mailbox, time.Now().AddDate(0, 0, -8), 3)
	lastSent := time.Now().Add(-12 * time.Hour)
	next := lastSent.AddDate(0, 0, 3)
	require.NoError(t, database.RecordReminderSent(ctx, &RecordReminderParams{
		TrackedEmailID:    te.ID,
		AttemptNumber:     1,
		SentAt:            lastSent,
		TemplateUsed:      DefaultTemplateName,
		ReminderMessageID: "<rem-1@corp.example.com>",
		NextActionAt:      &next,
	}))

	interval := 7
	updated, err := database.UpdateReminderSettings(ctx, te.ID, &UpdateSettingsParams{IntervalDays: &interval})
	require.NoError(t, err)
	require.NotNil(t, updated.NextActionAt)
	assert.WithinDuration(t, lastSent.AddDate(0, 0, 7), *updated.NextActionAt, time.Minute)
}

func TestListTrackedEmails(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	first := createTestFollowup(t, database, mailbox, time.Now().Add(-2*time.Hour), 3)
	second := createTestFollowup(t, database, mailbox, time.Now().Add(-time.Hour), 3)
	require.NoError(t, database.CancelTrackedEmail(ctx, first.ID))

	records, err := database.ListTrackedEmails(ctx, &ListTrackedEmailsParams{Mailbox: mailbox})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID, "newest first")

	records, err = database.ListTrackedEmails(ctx, &ListTrackedEmailsParams{Mailbox: mailbox, State: StateCancelled})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, first.ID, records[0].ID)

	records, err = database.ListTrackedEmails(ctx, &ListTrackedEmailsParams{Mailbox: mailbox, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	records, err = database.ListTrackedEmails(ctx, &ListTrackedEmailsParams{Mailbox: mailbox, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, first.ID, records[0].ID)
}

func TestGetFollowupStats(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	te := createTestFollowup(t, database, mailbox, time.Now().AddDate(0, 0, -5), 1)
	createTestFollowup(t, database, mailbox, time.Now().Add(-time.Hour), 3)
	require.NoError(t, database.MarkReplied(ctx, te.ID, time.Now(), "<r@example.org>"))

	stats, err := database.GetFollowupStats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.ByState[StatePending], int64(1))
	assert.GreaterOrEqual(t, stats.ByState[StateReplied], int64(1))
	assert.Contains(t, stats.ByState, StateExhausted)
	assert.Contains(t, stats.ByState, StateCancelled)
	assert.GreaterOrEqual(t, stats.RepliesDetected, int64(1))
}

func TestPurgeTerminalTrackedEmails(t *testing.T) {
	database := setupTestDatabase(t)
	mailbox := uniqueMailbox(t, database)
	ctx := context.Background()

	kept := createTestFollowup(t, database, mailbox, time.Now().Add(-time.Hour), 3)
	gone := createTestFollowup(t, database, mailbox, time.Now().Add(-time.Hour), 3)
	require.NoError(t, database.CancelTrackedEmail(ctx, gone.ID))

	// Pending records survive any cutoff.
	purged, err := database.PurgeTerminalTrackedEmailsBefore(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(1))

	_, err = database.GetTrackedEmail(ctx, gone.ID)
	assert.ErrorIs(t, err, consts.ErrTrackedEmailNotFound)
	_, err = database.GetTrackedEmail(ctx, kept.ID)
	assert.NoError(t, err)
}
