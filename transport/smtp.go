package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/chaserhq/chaser/config"
	"github.com/chaserhq/chaser/logger"
	"github.com/chaserhq/chaser/pkg/circuitbreaker"
	"github.com/chaserhq/chaser/pkg/metrics"
	"github.com/chaserhq/chaser/pkg/retry"
)

// SMTPSender submits reminders through the mailbox's submission server. A
// circuit breaker stops hammering a server that keeps refusing; while it is
// open every send fails fast as a network-kind error.
type SMTPSender struct {
	mailbox   string
	from      string
	addr      string
	username  string
	password  string
	useTLS    bool
	tlsConfig *tls.Config
	breaker   *circuitbreaker.CircuitBreaker
}

// NewSMTPSender builds a sender for one mailbox. from is the envelope sender
// for every reminder.
func NewSMTPSender(mailboxName, from string, cfg *config.SMTPConfig) *SMTPSender {
	useTLS := cfg.Encryption == "tls"
	defPort := "587"
	if useTLS {
		defPort = "465"
	}

	settings := circuitbreaker.DefaultSettings("smtp_" + mailboxName)
	settings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	settings.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warnf("[SMTP] circuit breaker '%s' changed from %s to %s", name, from, to)
	}
	cb := circuitbreaker.NewCircuitBreaker(settings)

	return &SMTPSender{
		mailbox:  mailboxName,
		from:     from,
		addr:     cfg.Host + ":" + config.PortString(cfg.Port, defPort),
		username: cfg.Username,
		password: cfg.Password,
		useTLS:   useTLS,
		tlsConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			Renegotiation:      tls.RenegotiateNever,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		breaker: cb,
	}
}

// Breaker exposes the circuit breaker for health monitoring.
func (s *SMTPSender) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

// Send submits one message. Network faults are retried with backoff inside
// the call; auth failures and permanent refusals stop immediately. The
// context deadline is not threaded into the SMTP dialogue (go-smtp drives
// its own timeouts); it gates entry and the retry delays.
func (s *SMTPSender) Send(ctx context.Context, to string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return s.sendError(KindNetwork, err)
	}

	config := retry.BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     15 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      2,
	}

	start := time.Now()
	err := retry.WithRetryAdvanced(ctx, func() error {
		_, cbErr := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.submit(to, raw)
		})
		if cbErr == nil {
			return nil
		}
		if errors.Is(cbErr, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(cbErr, circuitbreaker.ErrTooManyRequests) {
			logger.Warn("[SMTP] circuit breaker is open, skipping submission", "mailbox", s.mailbox)
			return retry.Stop(s.sendError(KindNetwork, fmt.Errorf("submission suspended: %w", cbErr)))
		}
		if KindOf(cbErr) != KindNetwork {
			return retry.Stop(cbErr)
		}
		return cbErr
	}, config)
	metrics.ReminderSendDuration.WithLabelValues(s.mailbox).Observe(time.Since(start).Seconds())
	return err
}

func (s *SMTPSender) submit(to string, raw []byte) error {
	var c *smtp.Client
	var err error
	if s.useTLS {
		c, err = smtp.DialTLS(s.addr, s.tlsConfig)
	} else {
		c, err = smtp.DialStartTLS(s.addr, s.tlsConfig)
	}
	if err != nil {
		return s.sendError(KindNetwork, fmt.Errorf("connecting to SMTP %s: %w", s.addr, err))
	}
	defer c.Close()

	if s.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			return s.sendError(KindAuth, fmt.Errorf("authentication failed for %s: %w", s.username, err))
		}
	}

	if err := c.Mail(s.from, nil); err != nil {
		return s.sendError(classifySMTPError(err), fmt.Errorf("setting sender: %w", err))
	}
	if err := c.Rcpt(to, nil); err != nil {
		return s.sendError(classifySMTPError(err), fmt.Errorf("setting recipient: %w", err))
	}

	wc, err := c.Data()
	if err != nil {
		return s.sendError(classifySMTPError(err), fmt.Errorf("starting data: %w", err))
	}
	if _, err := wc.Write(raw); err != nil {
		// Close anyway to send the final dot.
		_ = wc.Close()
		return s.sendError(KindNetwork, fmt.Errorf("writing message: %w", err))
	}
	if err := wc.Close(); err != nil {
		return s.sendError(classifySMTPError(err), fmt.Errorf("closing data: %w", err))
	}

	if err := c.Quit(); err != nil {
		// The message is already accepted; a failed QUIT is cosmetic.
		logger.Warn("[SMTP] failed to send QUIT", "mailbox", s.mailbox, "error", err)
	}
	return nil
}

// classifySMTPError maps an SMTP reply to an error kind: 530/535 class
// replies are credential problems, temporary (4xx) replies are retried like
// a network fault, permanent (5xx) replies mean the server refused the
// message. Anything else is a connection-level failure.
func classifySMTPError(err error) ErrorKind {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return KindNetwork
	}
	switch smtpErr.Code {
	case 530, 534, 535, 538:
		return KindAuth
	}
	if smtpErr.Temporary() {
		return KindNetwork
	}
	return KindProtocol
}

func (s *SMTPSender) sendError(kind ErrorKind, err error) error {
	metrics.TransportErrorsTotal.WithLabelValues(s.mailbox, "send", string(kind)).Inc()
	return &TransportError{Op: "send", Kind: kind, Err: err}
}
