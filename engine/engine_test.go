package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaserhq/chaser/classifier"
	"github.com/chaserhq/chaser/config"
	"github.com/chaserhq/chaser/consts"
	"github.com/chaserhq/chaser/db"
	"github.com/chaserhq/chaser/transport"
)

// Friday, inside business hours.
var testNow = time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu sync.Mutex

	state    *db.MailboxState
	stateErr error

	records    []*db.TrackedEmail
	recordsErr error

	templates map[string]*db.Template

	replied      map[int64]string
	replyErr     error
	exhausted    map[int64]bool
	cancelled    map[int64]bool
	terminal     map[int64]bool
	settings     map[int64]db.UpdateSettingsParams
	reminders    []db.RecordReminderParams
	reminderErr  error
	reminderOnce error // returned by the next RecordReminderSent only
	touched      []int64
	touchErr     error
	events       []db.AppendEngineEventParams
	checkpoints  []transport.Checkpoint
	failures     int
	archiveKeys  map[string]string
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		templates: map[string]*db.Template{
			"default": {Name: "default", Subject: "Reminder: {SUBJECT}", Body: "Hi {RECIPIENT}, any news since {SENT_DATE}?"},
		},
		replied:     make(map[int64]string),
		exhausted:   make(map[int64]bool),
		cancelled:   make(map[int64]bool),
		terminal:    make(map[int64]bool),
		settings:    make(map[int64]db.UpdateSettingsParams),
		archiveKeys: make(map[string]string),
	}
}

func (m *fakeStore) GetMailboxState(ctx context.Context, name string) (*db.MailboxState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stateErr != nil {
		return nil, m.stateErr
	}
	if m.state == nil {
		return nil, consts.ErrDBNotFound
	}
	return m.state, nil
}

func (m *fakeStore) RecordPollSuccess(ctx context.Context, name string, uidValidity, lastUID uint32, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = append(m.checkpoints, transport.Checkpoint{UIDValidity: uidValidity, LastUID: lastUID})
	m.failures = 0
	return nil
}

func (m *fakeStore) RecordPollFailure(ctx context.Context, name string, at time.Time, errMsg string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	return m.failures, nil
}

func (m *fakeStore) GetPollableTrackedEmails(ctx context.Context, mailbox string, checkedBefore time.Time) ([]*db.TrackedEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordsErr != nil {
		return nil, m.recordsErr
	}
	var out []*db.TrackedEmail
	for _, rec := range m.records {
		if rec.LastCheckedAt != nil && !rec.LastCheckedAt.Before(checkedBefore) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *fakeStore) TouchLastChecked(ctx context.Context, ids []int64, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.touchErr != nil {
		return m.touchErr
	}
	m.touched = append(m.touched, ids...)
	for _, rec := range m.records {
		for _, id := range ids {
			if rec.ID == id {
				at := checkedAt
				rec.LastCheckedAt = &at
			}
		}
	}
	return nil
}

func (m *fakeStore) MarkReplied(ctx context.Context, id int64, repliedAt time.Time, replyMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replyErr != nil {
		return m.replyErr
	}
	if m.terminal[id] {
		return consts.ErrAlreadyTerminal
	}
	m.replied[id] = replyMessageID
	return nil
}

func (m *fakeStore) MarkExhausted(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal[id] {
		return consts.ErrAlreadyTerminal
	}
	m.exhausted[id] = true
	return nil
}

func (m *fakeStore) CancelTrackedEmail(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal[id] {
		return consts.ErrAlreadyTerminal
	}
	m.cancelled[id] = true
	return nil
}

func (m *fakeStore) UpdateReminderSettings(ctx context.Context, id int64, params *db.UpdateSettingsParams) (*db.TrackedEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal[id] {
		return nil, consts.ErrAlreadyTerminal
	}
	m.settings[id] = *params
	next := testNow.Add(24 * time.Hour)
	return &db.TrackedEmail{ID: id, State: db.StatePending, NextActionAt: &next}, nil
}

func (m *fakeStore) RecordReminderSent(ctx context.Context, params *db.RecordReminderParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reminderOnce != nil {
		err := m.reminderOnce
		m.reminderOnce = nil
		return err
	}
	if m.reminderErr != nil {
		return m.reminderErr
	}
	m.reminders = append(m.reminders, *params)
	return nil
}

func (m *fakeStore) SetReminderArchiveKey(ctx context.Context, trackedEmailID int64, attemptNumber int, archiveKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archiveKeys[fmt.Sprintf("%d:%d", trackedEmailID, attemptNumber)] = archiveKey
	return nil
}

func (m *fakeStore) GetTemplate(ctx context.Context, name string) (*db.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmpl, ok := m.templates[name]
	if !ok {
		return nil, consts.ErrTemplateNotFound
	}
	return tmpl, nil
}

func (m *fakeStore) AppendEngineEvent(ctx context.Context, params *db.AppendEngineEventParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *params)
	return nil
}

func (m *fakeStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		types = append(types, ev.EventType)
	}
	return types
}

type fakePoller struct {
	mu     sync.Mutex
	result *transport.FetchResult
	err    error
	calls  int
	seen   []transport.Checkpoint
}

func (p *fakePoller) FetchNewMessages(ctx context.Context, cp transport.Checkpoint, since time.Time) (*transport.FetchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.seen = append(p.seen, cp)
	if p.err != nil {
		return nil, p.err
	}
	if p.result == nil {
		return &transport.FetchResult{Checkpoint: cp}, nil
	}
	return p.result, nil
}

type sentMail struct {
	to  string
	raw []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (s *fakeSender) Send(ctx context.Context, to string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMail{to: to, raw: raw})
	return nil
}

type fakeJournal struct {
	mu      sync.Mutex
	states  map[string]string
	msgIDs  map[string]string
	cleared []string
}

var _ SendJournal = (*fakeJournal)(nil)

func newFakeJournal() *fakeJournal {
	return &fakeJournal{states: make(map[string]string), msgIDs: make(map[string]string)}
}

func jkey(recordID int64, attempt int) string {
	return fmt.Sprintf("%d:%d", recordID, attempt)
}

func (j *fakeJournal) Lookup(recordID int64, attempt int) (string, string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	k := jkey(recordID, attempt)
	return j.states[k], j.msgIDs[k], nil
}

func (j *fakeJournal) Begin(recordID int64, attempt int, messageID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	k := jkey(recordID, attempt)
	j.states[k] = transport.JournalInflight
	j.msgIDs[k] = messageID
	return nil
}

func (j *fakeJournal) Accept(recordID int64, attempt int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.states[jkey(recordID, attempt)] = transport.JournalAccepted
	return nil
}

func (j *fakeJournal) Fail(recordID int64, attempt int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.states[jkey(recordID, attempt)] = transport.JournalFailed
	return nil
}

func (j *fakeJournal) Clear(recordID int64, attempt int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	k := jkey(recordID, attempt)
	j.cleared = append(j.cleared, k)
	delete(j.states, k)
	delete(j.msgIDs, k)
	return nil
}

type fakeArchive struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func (a *fakeArchive) Put(key string, raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.puts == nil {
		a.puts = make(map[string][]byte)
	}
	a.puts[key] = raw
	return nil
}

func testClassifier(t *testing.T) *classifier.Classifier {
	t.Helper()
	cls, err := classifier.New(&config.ClassifierConfig{
		AutoReplyPatterns: config.DefaultAutoReplyPatterns(),
		BouncePatterns:    config.DefaultBouncePatterns(),
		IgnorePatterns:    config.DefaultIgnorePatterns(),
	}, 30*24*time.Hour)
	require.NoError(t, err)
	return cls
}

func newTestEngine(t *testing.T, st *fakeStore, p *fakePoller, s *fakeSender, j *fakeJournal, mods ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Mailbox:      "sales",
		From:         "owner@corp.example.com",
		Store:        st,
		Poller:       p,
		Sender:       s,
		Journal:      j,
		Classifier:   testClassifier(t),
		PollInterval: 30 * time.Minute,
		TickTimeout:  time.Minute,
		Clock:        func() time.Time { return testNow },
	}
	for _, mod := range mods {
		mod(&opts)
	}
	eng, err := New(opts)
	require.NoError(t, err)
	return eng
}

// pendingRecord returns a record sent three days ago whose reminder is due.
func pendingRecord(id int64) *db.TrackedEmail {
	sentAt := testNow.AddDate(0, 0, -3)
	due := testNow.Add(-time.Hour)
	maxReminders := 3
	return &db.TrackedEmail{
		ID:                   id,
		Mailbox:              "sales",
		Recipient:            "claire@example.org",
		Subject:              "Contract renewal",
		SentAt:               sentAt,
		MessageID:            fmt.Sprintf("tracked-%d@corp.example.com", id),
		ThreadKey:            fmt.Sprintf("tracked-%d@corp.example.com", id),
		ReminderIntervalDays: 3,
		MaxReminders:         &maxReminders,
		TemplateName:         "default",
		State:                db.StatePending,
		NextActionAt:         &due,
	}
}

func replyTo(rec *db.TrackedEmail) *transport.InboundMessage {
	return &transport.InboundMessage{
		UID:       101,
		From:      rec.Recipient,
		Subject:   "Re: " + rec.Subject,
		Date:      testNow.Add(-time.Hour),
		MessageID: "reply-1@example.org",
		InReplyTo: []string{rec.MessageID},
		Body:      "Sounds good, see you then.",
		Raw:       []byte("From: claire@example.org\r\n\r\nSounds good."),
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Mailbox: "sales", From: "owner@corp.example.com"})
	require.Error(t, err, "collaborators are required")
}

func TestTickSendsDueReminder(t *testing.T) {
	rec := pendingRecord(1)
	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	poller := &fakePoller{result: &transport.FetchResult{Checkpoint: transport.Checkpoint{UIDValidity: 7, LastUID: 0}}}
	sender := &fakeSender{}
	journal := newFakeJournal()

	eng := newTestEngine(t, st, poller, sender, journal)
	eng.tick(context.Background())

	require.Len(t, sender.sent, 1)
	assert.Equal(t, rec.Recipient, sender.sent[0].to)
	raw := string(sender.sent[0].raw)
	assert.Contains(t, raw, "Reminder: Contract renewal", "rendered subject")
	assert.Contains(t, raw, rec.MessageID, "reminder threads under the original")

	require.Len(t, st.reminders, 1)
	persisted := st.reminders[0]
	assert.Equal(t, rec.ID, persisted.TrackedEmailID)
	assert.Equal(t, 1, persisted.AttemptNumber)
	assert.Equal(t, "default", persisted.TemplateUsed)
	assert.False(t, persisted.Exhausted)
	require.NotNil(t, persisted.NextActionAt)
	assert.Equal(t, testNow.AddDate(0, 0, 3), *persisted.NextActionAt)

	assert.Equal(t, []string{jkey(1, 1)}, journal.cleared, "journal entry cleared after persist")
	assert.Empty(t, journal.states, "no journal residue")

	assert.Contains(t, st.eventTypes(), db.EventReminderSent)
	assert.Equal(t, []int64{1}, st.touched)
	require.Len(t, st.checkpoints, 1)
	assert.Equal(t, uint32(7), st.checkpoints[0].UIDValidity)
}

func TestTickDetectsGenuineReply(t *testing.T) {
	rec := pendingRecord(1)
	other := pendingRecord(2)
	due := testNow.Add(24 * time.Hour)
	other.NextActionAt = &due

	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec, other}
	poller := &fakePoller{result: &transport.FetchResult{
		Messages:   []*transport.InboundMessage{replyTo(rec)},
		Checkpoint: transport.Checkpoint{UIDValidity: 7, LastUID: 101},
	}}
	sender := &fakeSender{}

	eng := newTestEngine(t, st, poller, sender, newFakeJournal())
	eng.tick(context.Background())

	assert.Equal(t, "reply-1@example.org", st.replied[rec.ID])
	_, repliedOther := st.replied[other.ID]
	assert.False(t, repliedOther, "uncorrelated record untouched")

	assert.Contains(t, st.eventTypes(), db.EventReplyDetected)
	assert.Equal(t, []int64{1, 2}, st.touched)
	require.Len(t, st.checkpoints, 1)
	assert.Equal(t, uint32(101), st.checkpoints[0].LastUID)
}

func TestFetchedReplySettlesThrottledRecord(t *testing.T) {
	// The record was checked moments ago, so the interval throttle alone
	// would skip it, yet this tick's fetch carries its reply. The reply must
	// settle the record before the checkpoint advances past the message, or
	// it is lost for good and the reminder chain runs on.
	rec := pendingRecord(1)
	checked := testNow.Add(-time.Minute)
	rec.LastCheckedAt = &checked

	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	poller := &fakePoller{result: &transport.FetchResult{
		Messages:   []*transport.InboundMessage{replyTo(rec)},
		Checkpoint: transport.Checkpoint{UIDValidity: 7, LastUID: 101},
	}}
	sender := &fakeSender{}

	eng := newTestEngine(t, st, poller, sender, newFakeJournal())
	eng.tick(context.Background())

	assert.Equal(t, "reply-1@example.org", st.replied[rec.ID])
	assert.Empty(t, sender.sent, "a settled record gets no reminder")
	require.Len(t, st.checkpoints, 1)
	assert.Equal(t, uint32(101), st.checkpoints[0].LastUID)
}

func TestIntervalThrottleHoldsWithoutNewMail(t *testing.T) {
	rec := pendingRecord(1)
	checked := testNow.Add(-time.Minute)
	rec.LastCheckedAt = &checked

	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	sender := &fakeSender{}

	eng := newTestEngine(t, st, &fakePoller{}, sender, newFakeJournal())
	eng.tick(context.Background())

	assert.Empty(t, sender.sent, "a recently checked record waits out the interval")
	assert.Empty(t, st.touched)
}

func TestReplyWinsOverDueReminder(t *testing.T) {
	rec := pendingRecord(1)

	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	poller := &fakePoller{result: &transport.FetchResult{
		Messages: []*transport.InboundMessage{replyTo(rec)},
	}}
	sender := &fakeSender{}

	eng := newTestEngine(t, st, poller, sender, newFakeJournal())
	eng.tick(context.Background())

	assert.Equal(t, "reply-1@example.org", st.replied[rec.ID])
	assert.Empty(t, sender.sent, "a settled record gets no reminder")
	assert.Empty(t, st.reminders)
}

func TestAutomatedReplyDoesNotSettle(t *testing.T) {
	rec := pendingRecord(1)

	ooo := replyTo(rec)
	ooo.MessageID = "ooo-1@example.org"
	ooo.Headers = map[string]string{"Auto-Submitted": "auto-replied"}
	ooo.Subject = "Out of office: Contract renewal"

	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	poller := &fakePoller{result: &transport.FetchResult{
		Messages: []*transport.InboundMessage{ooo},
	}}
	sender := &fakeSender{}

	eng := newTestEngine(t, st, poller, sender, newFakeJournal())
	eng.tick(context.Background())

	assert.Empty(t, st.replied, "auto-reply never settles a record")
	require.Len(t, sender.sent, 1, "the chain continues past an auto-reply")
	require.Len(t, st.reminders, 1)
}

func TestReminderCapExhaustsRecord(t *testing.T) {
	rec := pendingRecord(1)
	rec.ReminderCount = 2 // cap is 3; this attempt is the last

	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	sender := &fakeSender{}

	eng := newTestEngine(t, st, &fakePoller{}, sender, newFakeJournal())
	eng.tick(context.Background())

	require.Len(t, st.reminders, 1)
	persisted := st.reminders[0]
	assert.Equal(t, 3, persisted.AttemptNumber)
	assert.True(t, persisted.Exhausted)
	assert.Nil(t, persisted.NextActionAt, "an exhausted record has no next action")

	types := st.eventTypes()
	assert.Contains(t, types, db.EventReminderSent)
	assert.Contains(t, types, db.EventExhausted)
}

func TestLoweredCapRetiresRecordWithoutSending(t *testing.T) {
	// Two reminders are already out when the cap drops to one: the due
	// record must be retired, never pushed past its cap.
	rec := pendingRecord(1)
	rec.ReminderCount = 2
	lowered := 1
	rec.MaxReminders = &lowered

	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	sender := &fakeSender{}

	eng := newTestEngine(t, st, &fakePoller{}, sender, newFakeJournal())
	eng.tick(context.Background())

	assert.Empty(t, sender.sent, "no reminder goes out past the cap")
	assert.Empty(t, st.reminders, "no history row either")
	assert.True(t, st.exhausted[rec.ID])
	assert.Contains(t, st.eventTypes(), db.EventExhausted)
	require.Len(t, st.checkpoints, 1, "the tick completes normally")
}

func TestJournaledAcceptSuppressesResend(t *testing.T) {
	rec := pendingRecord(1)
	rec.ReminderCount = 1

	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	sender := &fakeSender{}
	journal := newFakeJournal()
	// Crash replay: attempt 2 already left the building last run.
	require.NoError(t, journal.Begin(1, 2, "earlier-send@corp.example.com"))
	require.NoError(t, journal.Accept(1, 2))

	eng := newTestEngine(t, st, &fakePoller{}, sender, journal)
	eng.tick(context.Background())

	assert.Empty(t, sender.sent, "accepted journal entry suppresses the resend")
	require.Len(t, st.reminders, 1, "the missing database row is written")
	assert.Equal(t, "earlier-send@corp.example.com", st.reminders[0].ReminderMessageID,
		"persisted under the message id that actually went out")
	assert.Equal(t, []string{jkey(1, 2)}, journal.cleared)
}

func TestJournaledAcceptToleratesPersistedRow(t *testing.T) {
	// Crash landed between the database write and the journal clear: the
	// replay hits the unique constraint and must settle without a resend.
	rec := pendingRecord(1)

	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	st.reminderOnce = consts.ErrDBUniqueViolation
	sender := &fakeSender{}
	journal := newFakeJournal()
	require.NoError(t, journal.Begin(1, 1, "earlier-send@corp.example.com"))
	require.NoError(t, journal.Accept(1, 1))

	eng := newTestEngine(t, st, &fakePoller{}, sender, journal)
	eng.tick(context.Background())

	assert.Empty(t, sender.sent)
	assert.Empty(t, st.reminders, "no second history row")
	assert.Equal(t, []string{jkey(1, 1)}, journal.cleared, "journal settled")
	require.Len(t, st.checkpoints, 1, "tick completes normally")
}

func TestSendFailureAbortsTick(t *testing.T) {
	first := pendingRecord(1)
	second := pendingRecord(2)

	st := newFakeStore()
	st.records = []*db.TrackedEmail{first, second}
	sender := &fakeSender{err: &transport.TransportError{Op: "send", Kind: transport.KindNetwork, Err: errors.New("connection refused")}}
	journal := newFakeJournal()

	eng := newTestEngine(t, st, &fakePoller{}, sender, journal)
	eng.tick(context.Background())

	assert.Empty(t, st.reminders, "nothing persisted for a failed handoff")
	assert.Equal(t, transport.JournalFailed, journal.states[jkey(1, 1)])
	assert.Equal(t, []int64{1}, st.touched, "records past the abort were never examined")
	assert.Empty(t, st.checkpoints, "checkpoint stays put so the batch is refetched")
	assert.Equal(t, 1, st.failures)
	assert.Contains(t, st.eventTypes(), db.EventReminderFailed)
	assert.GreaterOrEqual(t, eng.CurrentInterval(), eng.pollInterval, "backoff grew the poll interval")
}

func TestTouchFailureHaltsTick(t *testing.T) {
	rec := pendingRecord(1)
	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	st.touchErr = errors.New("connection reset by peer")
	sender := &fakeSender{}

	eng := newTestEngine(t, st, &fakePoller{}, sender, newFakeJournal())
	eng.tick(context.Background())

	require.Len(t, st.reminders, 1, "the reminder had already been persisted")
	assert.Empty(t, st.checkpoints, "checkpoint stays put so the batch is refetched")
}

func TestPollFailureBacksOffAndRecovers(t *testing.T) {
	st := newFakeStore()
	st.records = []*db.TrackedEmail{pendingRecord(1)}
	poller := &fakePoller{err: &transport.TransportError{Op: "poll", Kind: transport.KindNetwork, Err: errors.New("dial timeout")}}

	eng := newTestEngine(t, st, poller, &fakeSender{}, newFakeJournal())
	eng.tick(context.Background())

	assert.Equal(t, 1, st.failures)
	assert.Empty(t, st.touched, "no records examined without a fetch")
	assert.Empty(t, st.checkpoints)
	assert.Contains(t, st.eventTypes(), db.EventPollFailed)
	assert.GreaterOrEqual(t, eng.CurrentInterval(), eng.pollInterval)

	// The mailbox comes back; the next tick resets the backoff.
	poller.mu.Lock()
	poller.err = nil
	poller.mu.Unlock()
	eng.tick(context.Background())

	assert.Equal(t, 0, st.failures)
	assert.Equal(t, eng.pollInterval, eng.CurrentInterval())
	require.Len(t, st.checkpoints, 1)
}

func TestReplyOnTerminalRecordIsNotAnError(t *testing.T) {
	rec := pendingRecord(1)
	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	st.terminal[rec.ID] = true
	poller := &fakePoller{result: &transport.FetchResult{
		Messages: []*transport.InboundMessage{replyTo(rec)},
	}}

	eng := newTestEngine(t, st, poller, &fakeSender{}, newFakeJournal())
	eng.tick(context.Background())

	assert.Empty(t, st.replied)
	assert.NotContains(t, st.eventTypes(), db.EventReplyDetected)
	require.Len(t, st.checkpoints, 1, "tick completes normally")
}

func TestSendWindowDefersReminder(t *testing.T) {
	window, err := ParseSendWindow("* 9-17 * * 1-5")
	require.NoError(t, err)

	rec := pendingRecord(1)

	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	sender := &fakeSender{}

	saturday := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	clock := &saturday
	eng := newTestEngine(t, st, &fakePoller{}, sender, newFakeJournal(), func(o *Options) {
		o.Window = window
		o.Clock = func() time.Time { return *clock }
	})

	eng.tick(context.Background())
	assert.Empty(t, sender.sent, "weekend: reminder held")
	assert.Equal(t, []int64{1}, st.touched, "record still examined")
	require.Len(t, st.checkpoints, 1)

	monday := time.Date(2024, 3, 11, 9, 30, 0, 0, time.UTC)
	*clock = monday
	eng.tick(context.Background())
	require.Len(t, sender.sent, 1, "business hours: reminder goes out")
}

func TestTemplateFailureLeavesRecordDue(t *testing.T) {
	broken := pendingRecord(1)
	broken.TemplateName = "broken"
	healthy := pendingRecord(2)

	st := newFakeStore()
	st.templates["broken"] = &db.Template{Name: "broken", Subject: "About {NONSUCH}", Body: "Hello"}
	st.records = []*db.TrackedEmail{broken, healthy}
	sender := &fakeSender{}

	eng := newTestEngine(t, st, &fakePoller{}, sender, newFakeJournal())
	eng.tick(context.Background())

	require.Len(t, sender.sent, 1, "the render failure affects only its record")
	require.Len(t, st.reminders, 1)
	assert.Equal(t, healthy.ID, st.reminders[0].TrackedEmailID)
	assert.Contains(t, st.eventTypes(), db.EventReminderFailed)
	require.Len(t, st.checkpoints, 1, "the tick itself succeeds")
}

func TestDeletedTemplateFallsBackToDefault(t *testing.T) {
	rec := pendingRecord(1)
	rec.TemplateName = "gone"

	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	sender := &fakeSender{}

	eng := newTestEngine(t, st, &fakePoller{}, sender, newFakeJournal())
	eng.tick(context.Background())

	require.Len(t, st.reminders, 1)
	assert.Equal(t, "default", st.reminders[0].TemplateUsed)
}

func TestReplyArchivedWhenConfigured(t *testing.T) {
	rec := pendingRecord(1)
	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	archive := &fakeArchive{}
	poller := &fakePoller{result: &transport.FetchResult{
		Messages: []*transport.InboundMessage{replyTo(rec)},
	}}

	eng := newTestEngine(t, st, poller, &fakeSender{}, newFakeJournal(), func(o *Options) {
		o.Archive = archive
	})
	eng.tick(context.Background())

	require.Len(t, archive.puts, 1)
	for key := range archive.puts {
		assert.True(t, strings.HasPrefix(key, "sales/"), "keys are sharded under the mailbox")
	}
}

func TestReminderArchiveKeyRecorded(t *testing.T) {
	rec := pendingRecord(1)

	st := newFakeStore()
	st.records = []*db.TrackedEmail{rec}
	archive := &fakeArchive{}

	eng := newTestEngine(t, st, &fakePoller{}, &fakeSender{}, newFakeJournal(), func(o *Options) {
		o.Archive = archive
	})
	eng.tick(context.Background())

	require.Len(t, archive.puts, 1)
	key, ok := st.archiveKeys["1:1"]
	require.True(t, ok, "archive key stored on the reminder event")
	_, stored := archive.puts[key]
	assert.True(t, stored)
}

func TestCommandsApplyWhileIdle(t *testing.T) {
	st := newFakeStore()
	eng := newTestEngine(t, st, &fakePoller{}, &fakeSender{}, newFakeJournal(), func(o *Options) {
		o.PollInterval = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	days := 7
	updated, err := eng.SetSettings(callCtx, 11, &db.UpdateSettingsParams{IntervalDays: &days})
	require.NoError(t, err)
	require.NotNil(t, updated)
	got, ok := st.settings[11]
	require.True(t, ok)
	assert.Equal(t, 7, *got.IntervalDays)

	require.NoError(t, eng.Cancel(callCtx, 12))
	assert.True(t, st.cancelled[12])

	types := st.eventTypes()
	assert.Contains(t, types, db.EventSettingsChanged)
	assert.Contains(t, types, db.EventCancelled)
}

func TestCancelTerminalRecordRejected(t *testing.T) {
	st := newFakeStore()
	st.terminal[21] = true
	eng := newTestEngine(t, st, &fakePoller{}, &fakeSender{}, newFakeJournal(), func(o *Options) {
		o.PollInterval = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	err := eng.Cancel(callCtx, 21)
	require.ErrorIs(t, err, consts.ErrAlreadyTerminal)
	assert.False(t, st.cancelled[21])
}

func TestStopIsIdempotent(t *testing.T) {
	eng := newTestEngine(t, newFakeStore(), &fakePoller{}, &fakeSender{}, newFakeJournal(), func(o *Options) {
		o.PollInterval = time.Hour
	})

	eng.Stop() // never started

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Start(ctx), "double start is a no-op")
	eng.Stop()
	eng.Stop()
	assert.False(t, eng.LastTick().IsZero(), "the immediate first tick ran")
}
