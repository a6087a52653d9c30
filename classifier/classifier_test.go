package classifier

import (
	"strings"
	"testing"
	"time"

	"github.com/chaserhq/chaser/config"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	cfg := &config.ClassifierConfig{
		AutoReplyPatterns: config.DefaultAutoReplyPatterns(),
		BouncePatterns:    config.DefaultBouncePatterns(),
		IgnorePatterns:    config.DefaultIgnorePatterns(),
	}
	c, err := New(cfg, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func testTarget() Target {
	return Target{
		MessageID: "tracked-1@corp.example.com",
		ThreadKey: "tracked-1@corp.example.com",
		Recipient: "claire@example.org",
		Subject:   "Contract renewal",
		SentAt:    time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC),
	}
}

// replyMessage is a clean, correlated reply from the tracked recipient.
func replyMessage() Message {
	return Message{
		From:      "claire@example.org",
		Subject:   "Re: Contract renewal",
		Date:      time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC),
		MessageID: "reply-1@example.org",
		InReplyTo: []string{"tracked-1@corp.example.com"},
		Body:      "Sounds good, let's sign next week.",
	}
}

func TestClassifyCorrelation(t *testing.T) {
	c := newTestClassifier(t)
	rec := testTarget()
	sentAt := rec.SentAt

	threadRec := testTarget()
	threadRec.MessageID = "tracked-9@corp.example.com"
	threadRec.ThreadKey = "thread-root@corp.example.com"

	bracketRec := testTarget()
	bracketRec.MessageID = "<tracked-1@corp.example.com>"
	bracketRec.ThreadKey = "<tracked-1@corp.example.com>"

	tests := []struct {
		name    string
		msg     Message
		rec     Target
		match   Match
		verdict Verdict
	}{
		{
			name: "in-reply-to names the tracked message",
			msg: Message{
				From:      "claire@example.org",
				Subject:   "Re: Contract renewal",
				Date:      sentAt.Add(48 * time.Hour),
				InReplyTo: []string{"tracked-1@corp.example.com"},
			},
			rec:     rec,
			match:   MatchMessageID,
			verdict: VerdictGenuine,
		},
		{
			name: "references chain contains the tracked message",
			msg: Message{
				From:       "claire@example.org",
				Subject:    "Re: Re: Contract renewal",
				Date:       sentAt.Add(96 * time.Hour),
				InReplyTo:  []string{"later-reply@example.org"},
				References: []string{"tracked-1@corp.example.com", "later-reply@example.org"},
			},
			rec:     rec,
			match:   MatchThread,
			verdict: VerdictGenuine,
		},
		{
			name: "thread key matched when message id differs",
			msg: Message{
				From:       "claire@example.org",
				Subject:    "Re: Contract renewal",
				Date:       sentAt.Add(24 * time.Hour),
				References: []string{"thread-root@corp.example.com"},
			},
			rec:     threadRec,
			match:   MatchThread,
			verdict: VerdictGenuine,
		},
		{
			name: "target ids tolerated in angle bracket form",
			msg: Message{
				From:      "claire@example.org",
				Subject:   "Re: Contract renewal",
				Date:      sentAt.Add(24 * time.Hour),
				InReplyTo: []string{"tracked-1@corp.example.com"},
			},
			rec:     bracketRec,
			match:   MatchMessageID,
			verdict: VerdictGenuine,
		},
		{
			name: "fallback on sender and normalized subject",
			msg: Message{
				From:    "claire@example.org",
				Subject: "Re: Contract renewal",
				Date:    sentAt.Add(48 * time.Hour),
			},
			rec:     rec,
			match:   MatchSenderSubject,
			verdict: VerdictGenuine,
		},
		{
			name: "fallback sender is case insensitive",
			msg: Message{
				From:    "Claire@Example.ORG",
				Subject: "RE: Contract renewal",
				Date:    sentAt.Add(48 * time.Hour),
			},
			rec:     rec,
			match:   MatchSenderSubject,
			verdict: VerdictGenuine,
		},
		{
			name: "fallback accepts forwarded subject",
			msg: Message{
				From:    "claire@example.org",
				Subject: "Fwd: Contract renewal",
				Date:    sentAt.Add(48 * time.Hour),
			},
			rec:     rec,
			match:   MatchSenderSubject,
			verdict: VerdictGenuine,
		},
		{
			name: "fallback rejects other senders",
			msg: Message{
				From:    "colleague@example.org",
				Subject: "Re: Contract renewal",
				Date:    sentAt.Add(48 * time.Hour),
			},
			rec:     rec,
			match:   MatchNone,
			verdict: VerdictUnrelated,
		},
		{
			name: "fallback rejects different subjects",
			msg: Message{
				From:    "claire@example.org",
				Subject: "Invoice for February",
				Date:    sentAt.Add(48 * time.Hour),
			},
			rec:     rec,
			match:   MatchNone,
			verdict: VerdictUnrelated,
		},
		{
			name: "fallback rejects dates outside the lookback window",
			msg: Message{
				From:    "claire@example.org",
				Subject: "Re: Contract renewal",
				Date:    sentAt.Add(36 * 24 * time.Hour),
			},
			rec:     rec,
			match:   MatchNone,
			verdict: VerdictUnrelated,
		},
		{
			name: "fallback rejects dates before the tracked send",
			msg: Message{
				From:    "claire@example.org",
				Subject: "Re: Contract renewal",
				Date:    sentAt.Add(-time.Hour),
			},
			rec:     rec,
			match:   MatchNone,
			verdict: VerdictUnrelated,
		},
		{
			name: "fallback rejects a missing date",
			msg: Message{
				From:    "claire@example.org",
				Subject: "Re: Contract renewal",
			},
			rec:     rec,
			match:   MatchNone,
			verdict: VerdictUnrelated,
		},
		{
			name: "no references and no fallback evidence",
			msg: Message{
				From:      "newsletter@example.net",
				Subject:   "Weekly digest",
				Date:      sentAt.Add(24 * time.Hour),
				InReplyTo: []string{"digest-42@example.net"},
			},
			rec:     rec,
			match:   MatchNone,
			verdict: VerdictUnrelated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(tt.msg, tt.rec)
			if res.Match != tt.match {
				t.Errorf("match = %q, want %q", res.Match, tt.match)
			}
			if res.Verdict != tt.verdict {
				t.Errorf("verdict = %q, want %q (reason %q)", res.Verdict, tt.verdict, res.Reason)
			}
		})
	}
}

func TestClassifyAutomatedHeaders(t *testing.T) {
	c := newTestClassifier(t)

	tests := []struct {
		name        string
		headers     map[string]string
		contentType string
		from        string
		automated   bool
	}{
		{
			name:      "no signal headers",
			automated: false,
		},
		{
			name:      "Auto-Submitted auto-replied",
			headers:   map[string]string{"Auto-Submitted": "auto-replied"},
			automated: true,
		},
		{
			name:      "Auto-Submitted auto-generated",
			headers:   map[string]string{"Auto-Submitted": "auto-generated"},
			automated: true,
		},
		{
			name:      "Auto-Submitted no is allowed",
			headers:   map[string]string{"Auto-Submitted": "no"},
			automated: false,
		},
		{
			name:      "Auto-Submitted No is allowed regardless of case",
			headers:   map[string]string{"Auto-Submitted": "No"},
			automated: false,
		},
		{
			name:      "case insensitive Auto-Submitted value",
			headers:   map[string]string{"Auto-Submitted": "Auto-Replied"},
			automated: true,
		},
		{
			name:      "X-Auto-Response-Suppress",
			headers:   map[string]string{"X-Auto-Response-Suppress": "All"},
			automated: true,
		},
		{
			name:      "X-Autoreply",
			headers:   map[string]string{"X-Autoreply": "yes"},
			automated: true,
		},
		{
			name:      "X-Autorespond",
			headers:   map[string]string{"X-Autorespond": "out of office"},
			automated: true,
		},
		{
			name:      "Precedence bulk",
			headers:   map[string]string{"Precedence": "bulk"},
			automated: true,
		},
		{
			name:      "Precedence junk",
			headers:   map[string]string{"Precedence": "junk"},
			automated: true,
		},
		{
			name:      "Precedence list",
			headers:   map[string]string{"Precedence": "list"},
			automated: true,
		},
		{
			name:      "Precedence auto_reply",
			headers:   map[string]string{"Precedence": "auto_reply"},
			automated: true,
		},
		{
			name:      "Precedence normal is allowed",
			headers:   map[string]string{"Precedence": "normal"},
			automated: false,
		},
		{
			name:      "case insensitive Precedence value",
			headers:   map[string]string{"Precedence": "Bulk"},
			automated: true,
		},
		{
			name:      "lowercase header names from fixtures",
			headers:   map[string]string{"auto-submitted": "auto-replied"},
			automated: true,
		},
		{
			name:      "List-Id present",
			headers:   map[string]string{"List-Id": "<announce.example.com>"},
			automated: true,
		},
		{
			name:        "multipart report container",
			contentType: "multipart/report; report-type=delivery-status",
			automated:   true,
		},
		{
			name:      "mailer-daemon sender",
			from:      "mailer-daemon@example.org",
			automated: true,
		},
		{
			name:      "no-reply sender",
			from:      "no-reply@example.org",
			automated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := replyMessage()
			msg.Headers = tt.headers
			if tt.contentType != "" {
				msg.ContentType = tt.contentType
			}
			if tt.from != "" {
				msg.From = tt.from
			}

			res := c.Classify(msg, testTarget())
			if tt.automated {
				if res.Verdict != VerdictAutomated {
					t.Errorf("expected Automated, got %s", res.Verdict)
				}
				if res.Signal != SignalHeader {
					t.Errorf("expected header signal, got %s", res.Signal)
				}
			} else if res.Verdict != VerdictGenuine {
				t.Errorf("expected Genuine, got %s (reason %q)", res.Verdict, res.Reason)
			}
			if res.Reason != "" {
				t.Logf("flagged: %s", res.Reason)
			}
		})
	}
}

func TestClassifyAutomatedPatterns(t *testing.T) {
	c := newTestClassifier(t)

	tests := []struct {
		name      string
		subject   string
		automated bool
	}{
		{"automatic reply prefix", "Automatic reply: Contract renewal", true},
		{"auto prefix", "Auto: Contract renewal", true},
		{"out of office", "Out of office until Monday", true},
		{"ooo shorthand", "OOO: back Monday", true},
		{"french auto-reply", "Réponse automatique : Contract renewal", true},
		{"french away", "Absente du bureau", true},
		{"delivery failure", "Mail delivery failed: returning message to sender", true},
		{"undeliverable", "Undeliverable: Contract renewal", true},
		{"delivery status notification", "Delivery Status Notification (Failure)", true},
		{"ordinary reply subject", "Re: Contract renewal", false},
		{"mentions office in passing", "Re: Contract renewal for the office lease", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := replyMessage()
			msg.Subject = tt.subject

			res := c.Classify(msg, testTarget())
			if tt.automated {
				if res.Verdict != VerdictAutomated {
					t.Errorf("expected Automated, got %s", res.Verdict)
				}
				if res.Signal != SignalPattern {
					t.Errorf("expected pattern signal, got %s (reason %q)", res.Signal, res.Reason)
				}
			} else if res.Verdict != VerdictGenuine {
				t.Errorf("expected Genuine, got %s (reason %q)", res.Verdict, res.Reason)
			}
		})
	}
}

func TestClassifyAutomatedBody(t *testing.T) {
	c := newTestClassifier(t)

	tests := []struct {
		name      string
		body      string
		automated bool
	}{
		{"english out of office", "Hello,\n\nI am currently out of the office until 12 March.", true},
		{"french out of office", "Bonjour,\n\nJe suis actuellement absente jusqu'au 14 mars.", true},
		{"generated response notice", "This is an automatically generated response. Your message was received.", true},
		{"no-reply instruction", "Please do not reply to this email. Your ticket has been created.", true},
		{"genuine answer", "Merci, ça me va. On signe la semaine prochaine.", false},
		{"empty body", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := replyMessage()
			msg.Body = tt.body

			res := c.Classify(msg, testTarget())
			if tt.automated {
				if res.Verdict != VerdictAutomated {
					t.Errorf("expected Automated, got %s", res.Verdict)
				}
				if res.Signal != SignalBody {
					t.Errorf("expected body signal, got %s (reason %q)", res.Signal, res.Reason)
				}
			} else if res.Verdict != VerdictGenuine {
				t.Errorf("expected Genuine, got %s (reason %q)", res.Verdict, res.Reason)
			}
		})
	}
}

// A header signal must win even when the body would also match.
func TestClassifyHeaderOutranksBody(t *testing.T) {
	c := newTestClassifier(t)

	msg := replyMessage()
	msg.Headers = map[string]string{"Auto-Submitted": "auto-replied"}
	msg.Body = "I am currently out of the office until 12 March."

	res := c.Classify(msg, testTarget())
	if res.Verdict != VerdictAutomated {
		t.Fatalf("expected Automated, got %s", res.Verdict)
	}
	if res.Signal != SignalHeader {
		t.Errorf("expected header signal to outrank body, got %s", res.Signal)
	}
	if !strings.HasPrefix(res.Reason, "Auto-Submitted") {
		t.Errorf("reason = %q, want Auto-Submitted detail", res.Reason)
	}
}

// Uncorrelated mail stays Unrelated even when it is obviously automated.
func TestClassifyUncorrelatedStaysUnrelated(t *testing.T) {
	c := newTestClassifier(t)

	msg := Message{
		From:    "newsletter@example.net",
		Subject: "Weekly digest",
		Date:    time.Date(2024, 3, 6, 8, 0, 0, 0, time.UTC),
		Headers: map[string]string{"Auto-Submitted": "auto-generated", "Precedence": "bulk"},
	}

	res := c.Classify(msg, testTarget())
	if res.Verdict != VerdictUnrelated {
		t.Fatalf("expected Unrelated, got %s", res.Verdict)
	}
	if res.Match != MatchNone || res.Signal != SignalNone {
		t.Errorf("unrelated result must carry no match or signal, got match=%q signal=%q", res.Match, res.Signal)
	}
}

func TestNewRejectsInvalidPattern(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ClassifierConfig
		want string
	}{
		{
			name: "invalid auto-reply pattern",
			cfg:  config.ClassifierConfig{AutoReplyPatterns: []string{"("}},
			want: "auto_reply_patterns",
		},
		{
			name: "invalid bounce pattern",
			cfg:  config.ClassifierConfig{BouncePatterns: []string{"[z-a]"}},
			want: "bounce_patterns",
		},
		{
			name: "invalid ignore pattern",
			cfg:  config.ClassifierConfig{IgnorePatterns: []string{"(?P<broken"}},
			want: "ignore_patterns",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&tt.cfg, 0)
			if err == nil {
				t.Fatal("expected an error for the invalid pattern")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not name %s", err, tt.want)
			}
		})
	}
}
