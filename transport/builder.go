package transport

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/google/uuid"

	"github.com/chaserhq/chaser/helpers"
)

// ReminderParams carries everything needed to assemble one reminder message.
// Subject and Body arrive already rendered.
type ReminderParams struct {
	From          string
	FromName      string
	To            string
	Subject       string
	Body          string
	OrigMessageID string // threads the reminder under the tracked email
	ThreadKey     string // earlier thread root, when distinct
}

// BuildReminder assembles the RFC 5322 reminder and returns the raw bytes
// plus the generated Message-ID. Reminders thread under the original send via
// In-Reply-To/References and deliberately carry no auto-submission markers:
// they speak for the mailbox owner.
func BuildReminder(params *ReminderParams) ([]byte, string, error) {
	if params.From == "" || params.To == "" {
		return nil, "", fmt.Errorf("reminder needs both sender and recipient")
	}

	_, domain := helpers.SplitEmailAddress(params.From)
	if domain == "" {
		domain = "localhost"
	}
	// A random token, not a timestamp: two processes minting ids under the
	// same domain must never collide.
	messageID := fmt.Sprintf("<%s.reminder@%s>", uuid.NewString(), domain)

	from := params.From
	if params.FromName != "" {
		from = fmt.Sprintf("%s <%s>", params.FromName, params.From)
	}

	// Reminders are single-part text/plain, same shape as a reply typed by
	// hand.
	var msgHeader message.Header
	msgHeader.Set("From", from)
	msgHeader.Set("To", params.To)
	msgHeader.Set("Subject", params.Subject)
	msgHeader.Set("Message-ID", messageID)
	msgHeader.Set("Date", time.Now().Format(time.RFC1123Z))
	msgHeader.Set("Content-Type", "text/plain; charset=utf-8")

	if origID := ensureAngle(params.OrigMessageID); origID != "" {
		msgHeader.Set("In-Reply-To", origID)
		msgHeader.Set("References", referencesFor(params.ThreadKey, params.OrigMessageID))
	}

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, msgHeader)
	if err != nil {
		return nil, "", fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := w.Write([]byte(params.Body)); err != nil {
		w.Close()
		return nil, "", fmt.Errorf("writing body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing message writer: %w", err)
	}

	return buf.Bytes(), messageID, nil
}

// referencesFor chains the thread root before the tracked message when the
// two differ, so clients fold the reminder into the existing conversation.
func referencesFor(threadKey, messageID string) string {
	root := ensureAngle(threadKey)
	id := ensureAngle(messageID)
	if root == "" || root == id {
		return id
	}
	return root + " " + id
}

// ensureAngle normalizes a message id to the bracketed wire form.
func ensureAngle(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
