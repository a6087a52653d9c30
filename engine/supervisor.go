package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/chaserhq/chaser/classifier"
	"github.com/chaserhq/chaser/config"
	"github.com/chaserhq/chaser/db"
	"github.com/chaserhq/chaser/logger"
	"github.com/chaserhq/chaser/pkg/metrics"
	"github.com/chaserhq/chaser/storage"
	"github.com/chaserhq/chaser/transport"
)

// Supervisor owns one engine per configured mailbox and manages their
// lifecycle as a unit.
type Supervisor struct {
	engines map[string]*Engine
	order   []string
}

// NewSupervisor builds one engine per configured mailbox. Collaborators
// shared across mailboxes (database, journal, classifier, archive) are
// passed in; the per-mailbox IMAP pollers and SMTP senders are built here.
// A nil archive disables audit archiving.
func NewSupervisor(cfg *config.Config, database *db.Database, journal *transport.Journal, cls *classifier.Classifier, archive *storage.Archive) (*Supervisor, error) {
	pollInterval, err := cfg.Scheduler.GetPollInterval()
	if err != nil {
		return nil, fmt.Errorf("scheduler.poll_interval: %w", err)
	}
	tickTimeout, err := cfg.Scheduler.GetTickTimeout()
	if err != nil {
		return nil, fmt.Errorf("scheduler.tick_timeout: %w", err)
	}
	lookback, err := cfg.Scheduler.GetLookbackWindow()
	if err != nil {
		return nil, fmt.Errorf("scheduler.lookback_window: %w", err)
	}
	maxBackoff, err := cfg.Scheduler.GetMaxPollBackoff()
	if err != nil {
		return nil, fmt.Errorf("scheduler.max_poll_backoff: %w", err)
	}
	window, err := ParseSendWindow(cfg.Scheduler.SendWindow)
	if err != nil {
		return nil, fmt.Errorf("scheduler.send_window: %w", err)
	}

	s := &Supervisor{engines: make(map[string]*Engine, len(cfg.Mailboxes))}
	for i := range cfg.Mailboxes {
		mb := &cfg.Mailboxes[i]
		interval, err := mb.GetPollInterval(pollInterval)
		if err != nil {
			return nil, fmt.Errorf("mailbox %s: poll_interval: %w", mb.Name, err)
		}

		opts := Options{
			Mailbox:           mb.Name,
			From:              mb.Address,
			FromName:          mb.SMTP.FromName,
			Store:             database,
			Poller:            transport.NewIMAPPoller(mb.Name, &mb.IMAP, cfg.Scheduler.FetchBatchSize),
			Sender:            transport.NewSMTPSender(mb.Name, mb.Address, &mb.SMTP),
			Journal:           journal,
			Classifier:        cls,
			Window:            window,
			PollInterval:      interval,
			TickTimeout:       tickTimeout,
			Lookback:          lookback,
			MaxPollBackoff:    maxBackoff,
			BackoffMultiplier: cfg.Scheduler.BackoffMultiplier,
			QueueSize:         cfg.Scheduler.CommandQueueSize,
		}
		if archive != nil {
			opts.Archive = archive
		}

		eng, err := New(opts)
		if err != nil {
			return nil, err
		}
		s.engines[mb.Name] = eng
		s.order = append(s.order, mb.Name)
	}

	metrics.MailboxesConfigured.Set(float64(len(s.order)))
	return s, nil
}

// Start launches every engine.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, name := range s.order {
		if err := s.engines[name].Start(ctx); err != nil {
			return err
		}
	}
	logger.Info("[ENGINE] supervisor started", "mailboxes", len(s.order))
	return nil
}

// Stop drains every engine concurrently and returns once all in-flight
// ticks have finished.
func (s *Supervisor) Stop() {
	var wg sync.WaitGroup
	for _, name := range s.order {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			e.Stop()
		}(s.engines[name])
	}
	wg.Wait()
	logger.Info("[ENGINE] supervisor stopped")
}

// Engine returns the engine driving the named mailbox.
func (s *Supervisor) Engine(mailbox string) (*Engine, bool) {
	e, ok := s.engines[mailbox]
	return e, ok
}

// Each calls fn for every engine in configuration order.
func (s *Supervisor) Each(fn func(*Engine)) {
	for _, name := range s.order {
		fn(s.engines[name])
	}
}
