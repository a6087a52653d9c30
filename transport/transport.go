// Package transport owns the mailbox I/O: fetching inbound mail over IMAP,
// submitting reminders over SMTP, building the reminder MIME, and the local
// send journal that makes submission idempotent across crashes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind partitions transport failures by what the caller can do about
// them.
type ErrorKind string

const (
	KindAuth     ErrorKind = "auth"     // credentials rejected; retrying is pointless until config changes
	KindNetwork  ErrorKind = "network"  // connect/timeout/IO failure; retry with backoff
	KindProtocol ErrorKind = "protocol" // server refused the operation; retry with backoff
)

// TransportError wraps a mailbox I/O failure with the operation that failed
// and its kind.
type TransportError struct {
	Op   string // "poll" or "send"
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind; unwrapped errors count as network failures,
// the retriable default.
func KindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindNetwork
}

// InboundMessage is one fetched mailbox message, parsed far enough for reply
// classification. Raw keeps the full RFC 5322 bytes for archiving.
type InboundMessage struct {
	UID         uint32
	From        string
	Subject     string
	Date        time.Time
	MessageID   string
	InReplyTo   []string
	References  []string
	ContentType string
	Headers     map[string]string
	Body        string
	Raw         []byte
}

// Checkpoint is the poll position within a mailbox. A zero value means the
// mailbox has never been polled.
type Checkpoint struct {
	UIDValidity uint32
	LastUID     uint32
}

// FetchResult carries one poll's messages, oldest first, and the checkpoint
// to persist once the tick completes.
type FetchResult struct {
	Messages   []*InboundMessage
	Checkpoint Checkpoint
}

// Poller fetches mailbox messages that arrived after the checkpoint.
type Poller interface {
	FetchNewMessages(ctx context.Context, cp Checkpoint, since time.Time) (*FetchResult, error)
}

// Sender submits a fully built message to one recipient.
type Sender interface {
	Send(ctx context.Context, to string, raw []byte) error
}
