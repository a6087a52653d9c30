// Package classifier decides what an inbound message means for a tracked
// email: a genuine human reply, an automated response (bounce, out-of-office,
// mailing list traffic), or unrelated noise.
//
// Classification is pure. Callers hand over an already parsed Message and the
// correlation identity of one tracked email; no I/O happens here, so verdicts
// are reproducible against fixed fixtures.
package classifier

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chaserhq/chaser/config"
	"github.com/chaserhq/chaser/helpers"
)

// Verdict is the classifier's decision for one candidate message.
type Verdict string

const (
	VerdictGenuine   Verdict = "genuine"   // correlated human reply, ends the reminder chain
	VerdictAutomated Verdict = "automated" // correlated machine response, chain continues
	VerdictUnrelated Verdict = "unrelated" // not tied to the record, never acted on
)

// Match records how a candidate was tied to a tracked email.
type Match string

const (
	MatchNone          Match = ""               // no correlation
	MatchMessageID     Match = "message_id"     // In-Reply-To names the tracked message id
	MatchThread        Match = "thread"         // References chain contains the tracked thread
	MatchSenderSubject Match = "sender_subject" // fallback: same correspondent and subject inside the lookback window
)

// Signal records which tier of evidence produced an Automated verdict.
type Signal string

const (
	SignalNone    Signal = "none"
	SignalHeader  Signal = "header"  // auto-response headers, bounce structure, daemon senders
	SignalPattern Signal = "pattern" // configured subject/sender regexes
	SignalBody    Signal = "body"    // configured body regexes
)

// Result is the outcome of classifying one candidate against one record.
type Result struct {
	Verdict Verdict
	Match   Match  // how the candidate correlated; MatchNone for Unrelated
	Signal  Signal // evidence tier behind an Automated verdict; SignalNone otherwise
	Reason  string // human-readable signal detail for logs, e.g. "Auto-Submitted: auto-replied"
}

// Message is the classifier's view of one inbound mail. The transport layer
// builds it from a fetch; message ids are expected in canonical form (no
// angle brackets, as produced by helpers.ParseMessageIDs).
type Message struct {
	From        string    // sender address
	Subject     string
	Date        time.Time // Date header; zero when the header was missing or unparseable
	MessageID   string
	InReplyTo   []string
	References  []string          // oldest first
	ContentType string            // top-level media type, parameters tolerated
	Headers     map[string]string // auto-response signal headers as fetched
	Body        string            // extracted text body, HTML already converted
}

// Header returns the named header from the signal set, matching the name
// case-insensitively so fixture construction stays forgiving.
func (m Message) Header(name string) string {
	if v, ok := m.Headers[name]; ok {
		return v
	}
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Target is the slice of a tracked email the classifier correlates against.
type Target struct {
	MessageID string // message id of the tracked send
	ThreadKey string // conversation root, usually equal to MessageID
	Recipient string // original recipient address
	Subject   string // subject as sent
	SentAt    time.Time
}

// Classifier screens correlated candidates for automation using compiled
// pattern lists. Construct with New; the zero value matches nothing.
type Classifier struct {
	autoReply []*regexp.Regexp // out-of-office subject patterns
	bounce    []*regexp.Regexp // delivery-failure subject/sender patterns
	ignore    []*regexp.Regexp // automated-body patterns
	lookback  time.Duration    // fallback correlation window; <= 0 means unlimited
}

// New compiles the configured pattern lists. lookback bounds how long after
// the tracked send the fallback sender/subject correlation stays open.
func New(cfg *config.ClassifierConfig, lookback time.Duration) (*Classifier, error) {
	c := &Classifier{lookback: lookback}
	var err error
	if c.autoReply, err = compilePatterns(cfg.AutoReplyPatterns); err != nil {
		return nil, fmt.Errorf("auto_reply_patterns: %w", err)
	}
	if c.bounce, err = compilePatterns(cfg.BouncePatterns); err != nil {
		return nil, fmt.Errorf("bounce_patterns: %w", err)
	}
	if c.ignore, err = compilePatterns(cfg.IgnorePatterns); err != nil {
		return nil, fmt.Errorf("ignore_patterns: %w", err)
	}
	return c, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify decides the verdict for one candidate against one tracked email.
//
// A candidate only counts if it correlates: its In-Reply-To or References
// name the record's message id or thread key, or (lower confidence) it comes
// from the tracked recipient with the same normalized subject inside the
// lookback window. Uncorrelated mail is Unrelated and never touches a record.
//
// Correlated mail is then screened for automation, strongest evidence first:
// auto-response headers, then configured subject/sender patterns, then body
// patterns. A message that declares itself automated in a header is Automated
// no matter what the body says. Whatever passes the screen is Genuine; doubt
// is never promoted to Genuine.
func (c *Classifier) Classify(msg Message, rec Target) Result {
	match := c.correlate(msg, rec)
	if match == MatchNone {
		return Result{Verdict: VerdictUnrelated, Match: MatchNone, Signal: SignalNone}
	}
	if reason := headerSignal(msg); reason != "" {
		return Result{Verdict: VerdictAutomated, Match: match, Signal: SignalHeader, Reason: reason}
	}
	if reason := c.patternSignal(msg); reason != "" {
		return Result{Verdict: VerdictAutomated, Match: match, Signal: SignalPattern, Reason: reason}
	}
	if reason := c.bodySignal(msg); reason != "" {
		return Result{Verdict: VerdictAutomated, Match: match, Signal: SignalBody, Reason: reason}
	}
	return Result{Verdict: VerdictGenuine, Match: match, Signal: SignalNone}
}

func (c *Classifier) correlate(msg Message, rec Target) Match {
	recID := helpers.CanonicalMessageID(rec.MessageID)
	threadKey := helpers.CanonicalMessageID(rec.ThreadKey)

	if recID != "" {
		if containsID(msg.InReplyTo, recID) {
			return MatchMessageID
		}
		if containsID(msg.References, recID) {
			return MatchThread
		}
	}
	if threadKey != "" && threadKey != recID {
		if containsID(msg.InReplyTo, threadKey) || containsID(msg.References, threadKey) {
			return MatchThread
		}
	}
	return c.fallbackMatch(msg, rec)
}

// fallbackMatch is the low-confidence path for mail clients that drop
// threading headers: same correspondent, same conversation subject, dated
// inside the lookback window after the tracked send. A candidate without a
// usable Date header never matches here.
func (c *Classifier) fallbackMatch(msg Message, rec Target) Match {
	if msg.From == "" || !strings.EqualFold(msg.From, rec.Recipient) {
		return MatchNone
	}
	subject := helpers.NormalizeSubject(msg.Subject)
	if subject == "" || subject != helpers.NormalizeSubject(rec.Subject) {
		return MatchNone
	}
	if msg.Date.IsZero() || msg.Date.Before(rec.SentAt) {
		return MatchNone
	}
	if c.lookback > 0 && msg.Date.Sub(rec.SentAt) > c.lookback {
		return MatchNone
	}
	return MatchSenderSubject
}

// headerSignal checks the RFC 3834 and de-facto auto-response headers, list
// markers, delivery report structure, and daemon senders. Returns a non-empty
// reason when the message declares itself automated, empty otherwise.
func headerSignal(msg Message) string {
	// Auto-Submitted: anything but "no" marks machine-generated mail
	if v := msg.Header("Auto-Submitted"); v != "" {
		if !strings.EqualFold(strings.TrimSpace(v), "no") {
			return "Auto-Submitted: " + v
		}
	}
	if v := msg.Header("X-Auto-Response-Suppress"); v != "" {
		return "X-Auto-Response-Suppress: " + v
	}
	if v := msg.Header("X-Autoreply"); v != "" {
		return "X-Autoreply: " + v
	}
	if v := msg.Header("X-Autorespond"); v != "" {
		return "X-Autorespond: " + v
	}
	if v := msg.Header("Precedence"); v != "" {
		p := strings.ToLower(strings.TrimSpace(v))
		if p == "bulk" || p == "junk" || p == "list" || p == "auto_reply" {
			return "Precedence: " + v
		}
	}
	if v := msg.Header("List-Id"); v != "" {
		return "List-Id: " + v
	}
	// DSN/MDN container per RFC 6522
	if mt, _, _ := strings.Cut(msg.ContentType, ";"); strings.EqualFold(strings.TrimSpace(mt), "multipart/report") {
		return "Content-Type: multipart/report"
	}
	local, _ := helpers.SplitEmailAddress(msg.From)
	switch local {
	case "mailer-daemon", "postmaster", "no-reply", "noreply":
		return "sender: " + local
	}
	return ""
}

func (c *Classifier) patternSignal(msg Message) string {
	for _, re := range c.bounce {
		if re.MatchString(msg.Subject) || re.MatchString(msg.From) {
			return "bounce pattern: " + re.String()
		}
	}
	for _, re := range c.autoReply {
		if re.MatchString(msg.Subject) {
			return "auto-reply pattern: " + re.String()
		}
	}
	return ""
}

func (c *Classifier) bodySignal(msg Message) string {
	if msg.Body == "" {
		return ""
	}
	for _, re := range c.ignore {
		if re.MatchString(msg.Body) {
			return "ignore pattern: " + re.String()
		}
	}
	return ""
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
