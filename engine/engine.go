// Package engine drives the follow-up lifecycle for one mailbox: polling the
// mailbox for replies, classifying inbound mail, dispatching due reminders,
// and advancing each tracked email's state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaserhq/chaser/classifier"
	"github.com/chaserhq/chaser/consts"
	"github.com/chaserhq/chaser/db"
	"github.com/chaserhq/chaser/helpers"
	"github.com/chaserhq/chaser/logger"
	"github.com/chaserhq/chaser/pkg/circuitbreaker"
	"github.com/chaserhq/chaser/pkg/metrics"
	"github.com/chaserhq/chaser/pkg/retry"
	"github.com/chaserhq/chaser/template"
	"github.com/chaserhq/chaser/transport"
)

// Store defines the database operations needed by the engine. This interface
// makes the engine testable by allowing mocks.
type Store interface {
	GetMailboxState(ctx context.Context, name string) (*db.MailboxState, error)
	RecordPollSuccess(ctx context.Context, name string, uidValidity, lastUID uint32, at time.Time) error
	RecordPollFailure(ctx context.Context, name string, at time.Time, errMsg string) (int, error)
	GetPollableTrackedEmails(ctx context.Context, mailbox string, checkedBefore time.Time) ([]*db.TrackedEmail, error)
	TouchLastChecked(ctx context.Context, ids []int64, checkedAt time.Time) error
	MarkReplied(ctx context.Context, id int64, repliedAt time.Time, replyMessageID string) error
	MarkExhausted(ctx context.Context, id int64) error
	CancelTrackedEmail(ctx context.Context, id int64) error
	UpdateReminderSettings(ctx context.Context, id int64, params *db.UpdateSettingsParams) (*db.TrackedEmail, error)
	RecordReminderSent(ctx context.Context, params *db.RecordReminderParams) error
	SetReminderArchiveKey(ctx context.Context, trackedEmailID int64, attemptNumber int, archiveKey string) error
	GetTemplate(ctx context.Context, name string) (*db.Template, error)
	AppendEngineEvent(ctx context.Context, params *db.AppendEngineEventParams) error
}

// SendJournal is the crash-safe handoff log consulted around every SMTP
// submission.
type SendJournal interface {
	Lookup(recordID int64, attempt int) (state, messageID string, err error)
	Begin(recordID int64, attempt int, messageID string) error
	Accept(recordID int64, attempt int) error
	Fail(recordID int64, attempt int) error
	Clear(recordID int64, attempt int) error
}

// Archiver stores raw message copies for audit.
type Archiver interface {
	Put(key string, raw []byte) error
}

// Options bundles the collaborators and tuning for one mailbox engine.
type Options struct {
	Mailbox    string
	From       string // address reminders are sent from
	FromName   string // optional display name on reminders
	Store      Store
	Poller     transport.Poller
	Sender     transport.Sender
	Journal    SendJournal
	Classifier *classifier.Classifier
	Archive    Archiver    // nil disables archiving
	Window     *SendWindow // nil means reminders may go out at any time

	PollInterval      time.Duration
	TickTimeout       time.Duration
	Lookback          time.Duration // fetch horizon for a mailbox with no checkpoint
	MaxPollBackoff    time.Duration
	BackoffMultiplier float64
	QueueSize         int

	Clock func() time.Time // tests override the tick clock
}

// Engine runs the follow-up loop for one mailbox. At most one tick is in
// flight at a time; the timer is re-armed only after a tick completes, so a
// slow tick delays the next one instead of stacking a second behind it.
type Engine struct {
	mailbox  string
	from     string
	fromName string

	store      Store
	poller     transport.Poller
	sender     transport.Sender
	journal    SendJournal
	classifier *classifier.Classifier
	archive    Archiver
	window     *SendWindow

	pollInterval time.Duration
	tickTimeout  time.Duration
	lookback     time.Duration
	backoff      func(int) time.Duration
	clock        func() time.Time

	commands chan Command
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	running  bool
	failures int
	lastTick time.Time
	interval time.Duration
}

// New validates the options and builds an engine. Nothing runs until Start.
func New(opts Options) (*Engine, error) {
	if opts.Mailbox == "" {
		return nil, fmt.Errorf("engine needs a mailbox name")
	}
	if opts.From == "" {
		return nil, fmt.Errorf("engine %s needs a from address", opts.Mailbox)
	}
	if opts.Store == nil || opts.Poller == nil || opts.Sender == nil ||
		opts.Journal == nil || opts.Classifier == nil {
		return nil, fmt.Errorf("engine %s is missing a collaborator", opts.Mailbox)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Minute
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = 2 * time.Minute
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 30 * 24 * time.Hour
	}
	if opts.MaxPollBackoff <= 0 {
		opts.MaxPollBackoff = 2 * time.Hour
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = 2.0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Engine{
		mailbox:      opts.Mailbox,
		from:         opts.From,
		fromName:     opts.FromName,
		store:        opts.Store,
		poller:       opts.Poller,
		sender:       opts.Sender,
		journal:      opts.Journal,
		classifier:   opts.Classifier,
		archive:      opts.Archive,
		window:       opts.Window,
		pollInterval: opts.PollInterval,
		tickTimeout:  opts.TickTimeout,
		lookback:     opts.Lookback,
		backoff: retry.ExponentialBackoff(retry.BackoffConfig{
			InitialInterval: opts.PollInterval,
			MaxInterval:     opts.MaxPollBackoff,
			Multiplier:      opts.BackoffMultiplier,
			Jitter:          true,
		}),
		clock:    clock,
		commands: make(chan Command, opts.QueueSize),
		stopCh:   make(chan struct{}),
		interval: opts.PollInterval,
	}, nil
}

// Mailbox returns the mailbox this engine drives.
func (e *Engine) Mailbox() string {
	return e.mailbox
}

// LastTick reports when the last tick completed. Zero before the first tick.
func (e *Engine) LastTick() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTick
}

// CurrentInterval reports the effective poll interval, grown by backoff while
// the mailbox is failing.
func (e *Engine) CurrentInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// Breaker returns the sender's circuit breaker, or nil when the configured
// sender does not carry one.
func (e *Engine) Breaker() *circuitbreaker.CircuitBreaker {
	if s, ok := e.sender.(interface {
		Breaker() *circuitbreaker.CircuitBreaker
	}); ok {
		return s.Breaker()
	}
	return nil
}

// Running reports whether the engine loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start launches the run goroutine. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(ctx)

	logger.Info("[ENGINE] started", "mailbox", e.mailbox, "poll_interval", e.pollInterval)
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.wg.Done()
	}()

	// First tick runs immediately so a restart resumes without waiting a
	// full poll interval.
	e.drainCommands(ctx)
	e.tick(ctx)

	timer := time.NewTimer(e.CurrentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[ENGINE] stopped by context", "mailbox", e.mailbox)
			return
		case <-e.stopCh:
			logger.Info("[ENGINE] stopped", "mailbox", e.mailbox)
			return
		case cmd := <-e.commands:
			// An idle engine picks up edits at once; a busy one applies them
			// once its tick finishes.
			e.applyCommand(ctx, cmd)
			e.drainCommands(ctx)
		case <-timer.C:
			e.drainCommands(ctx)
			e.tick(ctx)
			timer.Reset(e.CurrentInterval())
		}
	}
}

// Stop signals the engine and waits for any in-flight tick to finish. Safe
// to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
}

// Tick outcomes for chaser_ticks_total.
const (
	tickSuccess = "success"
	tickFailed  = "failed"
	tickSkipped = "skipped"
)

func (e *Engine) tick(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-e.stopCh:
		return
	default:
	}

	now := e.clock()
	tickID := uuid.New().String()
	log := logger.With("mailbox", e.mailbox, "tick_id", tickID)

	start := time.Now()
	tickCtx, cancel := context.WithTimeout(ctx, e.tickTimeout)
	result := e.runTick(tickCtx, log, tickID, now)
	cancel()
	elapsed := time.Since(start)

	metrics.TicksTotal.WithLabelValues(e.mailbox, result).Inc()
	metrics.TickDuration.WithLabelValues(e.mailbox).Observe(elapsed.Seconds())

	e.mu.Lock()
	e.lastTick = e.clock()
	interval := e.interval
	e.mu.Unlock()
	metrics.PollBackoffSeconds.WithLabelValues(e.mailbox).Set(interval.Seconds())

	log.Debug("[ENGINE] tick finished", "result", result, "elapsed", elapsed, "next_in", interval)
}

// runTick performs one poll cycle: fetch inbound mail since the checkpoint,
// settle replies, dispatch due reminders, stamp everything examined, and
// advance the checkpoint. Returns the tick outcome label.
func (e *Engine) runTick(ctx context.Context, log *slog.Logger, tickID string, now time.Time) string {
	// A mailbox that has never been polled starts from the lookback horizon.
	var cp transport.Checkpoint
	state, err := e.store.GetMailboxState(ctx, e.mailbox)
	switch {
	case err == nil:
		cp = transport.Checkpoint{UIDValidity: state.UIDValidity, LastUID: state.LastUID}
	case errors.Is(err, consts.ErrDBNotFound):
		// first poll
	default:
		log.Error("[ENGINE] cannot load mailbox checkpoint, halting tick", "error", err)
		return tickFailed
	}

	fetched, err := e.poller.FetchNewMessages(ctx, cp, now.Add(-e.lookback))
	if err != nil {
		e.pollFailed(ctx, log, tickID, now, err)
		return tickFailed
	}
	if n := len(fetched.Messages); n > 0 {
		log.Info("[ENGINE] fetched inbound messages", "count", n)
	}

	// Every pending record must see a fetched batch before the checkpoint
	// advances past it; a reply that arrives while a record sits inside the
	// interval throttle would otherwise be lost. The throttle applies only
	// to ticks that fetched nothing.
	cutoff := now.Add(-e.pollInterval)
	if len(fetched.Messages) > 0 {
		cutoff = now
	}
	records, err := e.store.GetPollableTrackedEmails(ctx, e.mailbox, cutoff)
	if err != nil {
		log.Error("[ENGINE] cannot load pollable records, halting tick", "error", err)
		return tickFailed
	}
	if len(records) == 0 && len(fetched.Messages) == 0 {
		e.pollSucceeded(ctx, log, fetched.Checkpoint, now)
		return tickSkipped
	}

	examined := make([]int64, 0, len(records))
	var abort error
	for _, rec := range records {
		examined = append(examined, rec.ID)

		replied, err := e.detectReply(ctx, log, rec, fetched.Messages, tickID, now)
		if err != nil {
			abort = err
			break
		}
		if replied {
			continue
		}

		if rec.NextActionAt == nil || now.Before(*rec.NextActionAt) {
			continue
		}
		if !e.window.Contains(now) {
			log.Debug("[ENGINE] reminder due outside send window",
				"record_id", rec.ID, "window", e.window.String())
			continue
		}
		if err := e.sendReminder(ctx, log, rec, tickID, now); err != nil {
			abort = err
			break
		}
	}
	metrics.RecordsExamined.WithLabelValues(e.mailbox).Add(float64(len(examined)))

	if err := e.store.TouchLastChecked(ctx, examined, now); err != nil {
		log.Error("[ENGINE] failed to stamp examined records, halting tick", "error", err)
		return tickFailed
	}

	if abort != nil {
		// The checkpoint stays put: records past the abort never saw this
		// batch, so the next tick must fetch it again.
		return tickFailed
	}

	e.pollSucceeded(ctx, log, fetched.Checkpoint, now)
	return tickSuccess
}

// detectReply scans the tick's inbound batch for the record. The first
// genuine reply settles the record; later candidates are not consulted.
// A returned error is a persistence failure that halts the tick.
func (e *Engine) detectReply(ctx context.Context, log *slog.Logger, rec *db.TrackedEmail, msgs []*transport.InboundMessage, tickID string, now time.Time) (bool, error) {
	if len(msgs) == 0 {
		return false, nil
	}
	target := classifier.Target{
		MessageID: rec.MessageID,
		ThreadKey: rec.ThreadKey,
		Recipient: rec.Recipient,
		Subject:   rec.Subject,
		SentAt:    rec.SentAt,
	}
	for _, msg := range msgs {
		res := e.classifier.Classify(asClassifierMessage(msg), target)
		metrics.ClassificationsTotal.WithLabelValues(string(res.Verdict), string(res.Signal)).Inc()
		switch res.Verdict {
		case classifier.VerdictGenuine:
			return true, e.settleReply(ctx, log, rec, msg, res, tickID, now)
		case classifier.VerdictAutomated:
			metrics.AutoRepliesIgnoredTotal.WithLabelValues(e.mailbox).Inc()
			log.Debug("[ENGINE] automated response ignored", "record_id", rec.ID,
				"from", msg.From, "signal", res.Signal, "reason", res.Reason)
		}
	}
	return false, nil
}

func (e *Engine) settleReply(ctx context.Context, log *slog.Logger, rec *db.TrackedEmail, msg *transport.InboundMessage, res classifier.Result, tickID string, now time.Time) error {
	repliedAt := msg.Date
	if repliedAt.IsZero() {
		repliedAt = now
	}
	err := e.store.MarkReplied(ctx, rec.ID, repliedAt, msg.MessageID)
	if errors.Is(err, consts.ErrAlreadyTerminal) || errors.Is(err, consts.ErrTrackedEmailNotFound) {
		// Settled by a user action between load and now; nothing to undo.
		return nil
	}
	if err != nil {
		log.Error("[ENGINE] failed to persist reply, halting tick", "record_id", rec.ID, "error", err)
		return err
	}

	metrics.RepliesDetectedTotal.WithLabelValues(e.mailbox, string(res.Match)).Inc()
	log.Info("[ENGINE] reply detected", "record_id", rec.ID, "from", msg.From,
		"match", res.Match, "reply_message_id", msg.MessageID)

	details := map[string]interface{}{
		"reply_message_id": msg.MessageID,
		"from":             msg.From,
		"match":            string(res.Match),
	}
	if key := e.archiveRaw(log, rec.ID, msg.Raw); key != "" {
		details["archive_key"] = key
	}
	if err := e.store.AppendEngineEvent(ctx, &db.AppendEngineEventParams{
		EventType:      db.EventReplyDetected,
		Mailbox:        e.mailbox,
		TrackedEmailID: &rec.ID,
		TickID:         tickID,
		Details:        details,
	}); err != nil {
		log.Error("[ENGINE] failed to append reply_detected event", "error", err)
	}
	return nil
}

// sendReminder renders, submits, and persists one reminder. Template and
// build problems are absorbed and leave the record due; a returned error is
// a transport or persistence failure that halts the tick.
func (e *Engine) sendReminder(ctx context.Context, log *slog.Logger, rec *db.TrackedEmail, tickID string, now time.Time) error {
	// A settings edit can lower the cap to or below the count already sent,
	// leaving the record due. Retire it instead of sending past the cap.
	if rec.MaxReminders != nil && rec.ReminderCount >= *rec.MaxReminders {
		return e.retireAtCap(ctx, log, rec, tickID)
	}

	attempt := rec.ReminderCount + 1

	tmpl, err := e.store.GetTemplate(ctx, rec.TemplateName)
	if errors.Is(err, consts.ErrTemplateNotFound) && rec.TemplateName != db.DefaultTemplateName {
		// Deleted template: fall back rather than stall the record forever.
		log.Warn("[ENGINE] template missing, falling back to default",
			"record_id", rec.ID, "template", rec.TemplateName)
		tmpl, err = e.store.GetTemplate(ctx, db.DefaultTemplateName)
	}
	if err != nil {
		log.Error("[ENGINE] cannot load template, halting tick",
			"record_id", rec.ID, "template", rec.TemplateName, "error", err)
		return err
	}

	data := template.Data{
		Recipient:    rec.Recipient,
		Subject:      rec.Subject,
		Sender:       e.from,
		SentDate:     rec.SentAt,
		ReminderDate: now,
		Attempt:      attempt,
		DaysSince:    int(now.Sub(rec.SentAt).Hours() / 24),
	}
	subject, serr := template.Render(tmpl.Name, tmpl.Subject, data)
	bodyText, berr := template.Render(tmpl.Name, tmpl.Body, data)
	if serr != nil || berr != nil {
		rerr := serr
		if rerr == nil {
			rerr = berr
		}
		metrics.TemplateRenders.WithLabelValues(tmpl.Name, "failure").Inc()
		e.reminderFailed(ctx, log, rec, tickID, attempt, "template", rerr)
		return nil
	}
	metrics.TemplateRenders.WithLabelValues(tmpl.Name, "success").Inc()

	// Journal first: an attempt the server accepted before a crash must not
	// go out twice.
	journalState, journaledID, err := e.journal.Lookup(rec.ID, attempt)
	if err != nil {
		log.Error("[ENGINE] send journal unreadable, halting tick", "record_id", rec.ID, "error", err)
		return err
	}

	var raw []byte
	messageID := journaledID
	duplicate := journalState == transport.JournalAccepted
	if duplicate {
		log.Warn("[ENGINE] suppressing duplicate send", "record_id", rec.ID,
			"attempt", attempt, "message_id", journaledID, "error", consts.ErrDuplicateSend)
		metrics.RemindersSentTotal.WithLabelValues(e.mailbox, "duplicate").Inc()
	} else {
		raw, messageID, err = transport.BuildReminder(&transport.ReminderParams{
			From:          e.from,
			FromName:      e.fromName,
			To:            rec.Recipient,
			Subject:       subject,
			Body:          bodyText,
			OrigMessageID: rec.MessageID,
			ThreadKey:     rec.ThreadKey,
		})
		if err != nil {
			e.reminderFailed(ctx, log, rec, tickID, attempt, "build", err)
			return nil
		}

		if err := e.journal.Begin(rec.ID, attempt, messageID); err != nil {
			log.Error("[ENGINE] cannot journal handoff, halting tick", "record_id", rec.ID, "error", err)
			return err
		}

		if err = e.sender.Send(ctx, rec.Recipient, raw); err != nil {
			if jerr := e.journal.Fail(rec.ID, attempt); jerr != nil {
				log.Error("[ENGINE] failed to journal send failure", "record_id", rec.ID, "error", jerr)
			}
			kind := transport.KindOf(err)
			metrics.RemindersSentTotal.WithLabelValues(e.mailbox, "failure").Inc()
			e.reminderFailed(ctx, log, rec, tickID, attempt, string(kind), err)
			e.markMailboxFailure(ctx, log, now, err)
			return err
		}
		if err := e.journal.Accept(rec.ID, attempt); err != nil {
			// The reminder is out; carry on and rely on the database write.
			log.Error("[ENGINE] failed to journal acceptance", "record_id", rec.ID, "error", err)
		}
		metrics.RemindersSentTotal.WithLabelValues(e.mailbox, "success").Inc()
	}

	exhausted := rec.MaxReminders != nil && attempt >= *rec.MaxReminders
	var nextAction *time.Time
	if !exhausted {
		na := e.window.Clamp(now.AddDate(0, 0, rec.ReminderIntervalDays))
		nextAction = &na
	}

	err = e.store.RecordReminderSent(ctx, &db.RecordReminderParams{
		TrackedEmailID:    rec.ID,
		AttemptNumber:     attempt,
		SentAt:            now,
		TemplateUsed:      tmpl.Name,
		ReminderMessageID: messageID,
		NextActionAt:      nextAction,
		Exhausted:         exhausted,
	})
	if errors.Is(err, consts.ErrDBUniqueViolation) {
		// Crash replay landed after the history row was already written.
		log.Warn("[ENGINE] reminder already persisted", "record_id", rec.ID, "attempt", attempt)
		err = nil
	}
	if err != nil {
		// The journal entry survives, so a restart suppresses the resend.
		log.Error("[ENGINE] cannot persist reminder, halting tick",
			"record_id", rec.ID, "attempt", attempt, "error", err)
		return err
	}
	if err := e.journal.Clear(rec.ID, attempt); err != nil {
		log.Error("[ENGINE] failed to clear journal entry",
			"record_id", rec.ID, "attempt", attempt, "error", err)
	}

	log.Info("[ENGINE] reminder sent", "record_id", rec.ID, "attempt", attempt,
		"recipient", rec.Recipient, "template", tmpl.Name, "exhausted", exhausted)

	details := map[string]interface{}{
		"attempt":    attempt,
		"message_id": messageID,
		"template":   tmpl.Name,
	}
	if key := e.archiveRaw(log, rec.ID, raw); key != "" {
		details["archive_key"] = key
		if err := e.store.SetReminderArchiveKey(ctx, rec.ID, attempt, key); err != nil {
			log.Warn("[ENGINE] failed to record archive key", "record_id", rec.ID, "error", err)
		}
	}
	if err := e.store.AppendEngineEvent(ctx, &db.AppendEngineEventParams{
		EventType:      db.EventReminderSent,
		Mailbox:        e.mailbox,
		TrackedEmailID: &rec.ID,
		TickID:         tickID,
		Details:        details,
	}); err != nil {
		log.Error("[ENGINE] failed to append reminder_sent event", "error", err)
	}

	if exhausted {
		metrics.FollowupsExhausted.WithLabelValues(e.mailbox).Inc()
		log.Info("[ENGINE] follow-up exhausted", "record_id", rec.ID, "attempts", attempt)
		if err := e.store.AppendEngineEvent(ctx, &db.AppendEngineEventParams{
			EventType:      db.EventExhausted,
			Mailbox:        e.mailbox,
			TrackedEmailID: &rec.ID,
			TickID:         tickID,
			Details:        map[string]interface{}{"attempts": attempt},
		}); err != nil {
			log.Error("[ENGINE] failed to append exhausted event", "error", err)
		}
	}

	return nil
}

// retireAtCap transitions a record whose reminder count already meets its cap
// to exhausted without a send. A returned error is a persistence failure that
// halts the tick.
func (e *Engine) retireAtCap(ctx context.Context, log *slog.Logger, rec *db.TrackedEmail, tickID string) error {
	err := e.store.MarkExhausted(ctx, rec.ID)
	if errors.Is(err, consts.ErrAlreadyTerminal) || errors.Is(err, consts.ErrTrackedEmailNotFound) {
		// Settled by a user action between load and now; nothing to undo.
		return nil
	}
	if err != nil {
		log.Error("[ENGINE] failed to retire capped record, halting tick",
			"record_id", rec.ID, "error", err)
		return err
	}

	metrics.FollowupsExhausted.WithLabelValues(e.mailbox).Inc()
	log.Info("[ENGINE] follow-up exhausted at cap", "record_id", rec.ID,
		"attempts", rec.ReminderCount, "max_reminders", *rec.MaxReminders)
	if err := e.store.AppendEngineEvent(ctx, &db.AppendEngineEventParams{
		EventType:      db.EventExhausted,
		Mailbox:        e.mailbox,
		TrackedEmailID: &rec.ID,
		TickID:         tickID,
		Details:        map[string]interface{}{"attempts": rec.ReminderCount},
	}); err != nil {
		log.Error("[ENGINE] failed to append exhausted event", "error", err)
	}
	return nil
}

// reminderFailed logs and records a failed attempt without touching the
// record; it stays due for the next tick.
func (e *Engine) reminderFailed(ctx context.Context, log *slog.Logger, rec *db.TrackedEmail, tickID string, attempt int, reason string, cause error) {
	log.Warn("[ENGINE] reminder attempt failed", "record_id", rec.ID,
		"attempt", attempt, "reason", reason, "error", cause)
	if err := e.store.AppendEngineEvent(ctx, &db.AppendEngineEventParams{
		EventType:      db.EventReminderFailed,
		Mailbox:        e.mailbox,
		TrackedEmailID: &rec.ID,
		TickID:         tickID,
		Details: map[string]interface{}{
			"attempt": attempt,
			"reason":  reason,
			"error":   cause.Error(),
		},
	}); err != nil {
		log.Error("[ENGINE] failed to append reminder_failed event", "error", err)
	}
}

func (e *Engine) pollFailed(ctx context.Context, log *slog.Logger, tickID string, now time.Time, cause error) {
	kind := transport.KindOf(cause)
	failures := e.markMailboxFailure(ctx, log, now, cause)
	log.Warn("[ENGINE] poll failed", "kind", kind, "consecutive_failures", failures, "error", cause)

	if err := e.store.AppendEngineEvent(ctx, &db.AppendEngineEventParams{
		EventType: db.EventPollFailed,
		Mailbox:   e.mailbox,
		TickID:    tickID,
		Details: map[string]interface{}{
			"kind":  string(kind),
			"error": cause.Error(),
		},
	}); err != nil {
		log.Error("[ENGINE] failed to append poll_failed event", "error", err)
	}
}

func (e *Engine) pollSucceeded(ctx context.Context, log *slog.Logger, cp transport.Checkpoint, now time.Time) {
	if err := e.store.RecordPollSuccess(ctx, e.mailbox, cp.UIDValidity, cp.LastUID, now); err != nil {
		log.Error("[ENGINE] failed to persist checkpoint", "error", err)
		return
	}
	e.resetBackoff()
}

// markMailboxFailure grows the failure streak and the poll backoff. The
// streak is persisted so a restart resumes the backoff instead of hammering
// a broken server.
func (e *Engine) markMailboxFailure(ctx context.Context, log *slog.Logger, now time.Time, cause error) int {
	failures, err := e.store.RecordPollFailure(ctx, e.mailbox, now, cause.Error())
	e.mu.Lock()
	if err != nil {
		failures = e.failures + 1
	}
	e.failures = failures
	e.interval = e.backoff(failures + 1)
	e.mu.Unlock()
	if err != nil {
		log.Error("[ENGINE] failed to record mailbox failure", "error", err)
	}
	return failures
}

func (e *Engine) resetBackoff() {
	e.mu.Lock()
	e.failures = 0
	e.interval = e.pollInterval
	e.mu.Unlock()
}

// archiveRaw uploads a raw message copy. Archive failures never fail the
// caller; the returned key is empty when archiving is off or the upload
// failed.
func (e *Engine) archiveRaw(log *slog.Logger, recordID int64, raw []byte) string {
	if e.archive == nil || len(raw) == 0 {
		return ""
	}
	key := helpers.NewArchiveKey(e.mailbox, recordID, helpers.ContentHash(raw))
	if err := e.archive.Put(key, raw); err != nil {
		log.Warn("[ENGINE] archive upload failed", "record_id", recordID, "key", key, "error", err)
		return ""
	}
	return key
}

func asClassifierMessage(msg *transport.InboundMessage) classifier.Message {
	return classifier.Message{
		From:        msg.From,
		Subject:     msg.Subject,
		Date:        msg.Date,
		MessageID:   msg.MessageID,
		InReplyTo:   msg.InReplyTo,
		References:  msg.References,
		ContentType: msg.ContentType,
		Headers:     msg.Headers,
		Body:        msg.Body,
	}
}
