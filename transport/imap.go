package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/chaserhq/chaser/config"
	"github.com/chaserhq/chaser/helpers"
	"github.com/chaserhq/chaser/logger"
	"github.com/chaserhq/chaser/pkg/metrics"
)

// IMAPPoller fetches new mailbox messages over IMAP. Each poll opens a fresh
// connection; the engine polls on a cadence measured in minutes, so holding
// sessions open buys nothing.
type IMAPPoller struct {
	mailbox    string
	addr       string
	username   string
	password   string
	useTLS     bool
	tlsConfig  *tls.Config
	folder     string
	fetchLimit int
}

// NewIMAPPoller builds a poller for one mailbox. fetchLimit bounds the
// messages taken per poll; the rest arrive on later ticks.
func NewIMAPPoller(mailboxName string, cfg *config.IMAPConfig, fetchLimit int) *IMAPPoller {
	defPort := "993"
	if cfg.UseStartTLS {
		defPort = "143"
	}
	if fetchLimit <= 0 {
		fetchLimit = 200
	}
	folder := cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	return &IMAPPoller{
		mailbox:  mailboxName,
		addr:     cfg.Host + ":" + config.PortString(cfg.Port, defPort),
		username: cfg.Username,
		password: cfg.Password,
		useTLS:   !cfg.UseStartTLS,
		tlsConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		folder:     folder,
		fetchLimit: fetchLimit,
	}
}

func (p *IMAPPoller) connect() (*imapclient.Client, error) {
	options := &imapclient.Options{TLSConfig: p.tlsConfig}

	var client *imapclient.Client
	var err error
	if p.useTLS {
		client, err = imapclient.DialTLS(p.addr, options)
	} else {
		client, err = imapclient.DialStartTLS(p.addr, options)
	}
	if err != nil {
		return nil, p.pollError(KindNetwork, fmt.Errorf("connecting to IMAP %s: %w", p.addr, err))
	}

	if err := client.Login(p.username, p.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, p.pollError(KindAuth, fmt.Errorf("authentication failed for %s: %w", p.username, err))
	}
	return client, nil
}

// FetchNewMessages fetches everything past the checkpoint, oldest first.
// When the checkpoint's UIDVALIDITY no longer matches the folder (or the
// mailbox was never polled), the UID cursor is useless and the poll falls
// back to a time-bounded scan from since.
func (p *IMAPPoller) FetchNewMessages(ctx context.Context, cp Checkpoint, since time.Time) (*FetchResult, error) {
	client, err := p.connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	selectData, err := client.Select(p.folder, nil).Wait()
	if err != nil {
		return nil, p.pollError(KindProtocol, fmt.Errorf("selecting %s: %w", p.folder, err))
	}
	validity := selectData.UIDValidity

	criteria, uidScan := searchCriteriaFor(cp, validity, since)
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, p.pollError(KindProtocol, fmt.Errorf("searching %s: %w", p.folder, err))
	}

	uids := searchData.AllUIDs()
	if uidScan {
		// Servers answer a range like 43:* with the highest existing UID even
		// when nothing is newer than the cursor; drop anything already seen.
		fresh := uids[:0]
		for _, uid := range uids {
			if uint32(uid) > cp.LastUID {
				fresh = append(fresh, uid)
			}
		}
		uids = fresh
	}

	truncated := len(uids) > p.fetchLimit
	if truncated {
		uids = uids[:p.fetchLimit]
	}

	result := &FetchResult{Checkpoint: nextCheckpoint(cp, validity, uidScan, truncated, selectData.UIDNext)}
	if len(uids) == 0 {
		return result, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	for {
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		buf, err := msgData.Collect()
		if err != nil {
			logger.Debugf("[IMAP] %s: failed to collect message: %v", p.mailbox, err)
			continue
		}
		msg := p.parseInbound(buf, bodySection)
		result.Messages = append(result.Messages, msg)
		if msg.UID > result.Checkpoint.LastUID {
			result.Checkpoint.LastUID = msg.UID
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, p.pollError(KindProtocol, fmt.Errorf("fetching messages: %w", err))
	}

	metrics.InboundFetchedTotal.WithLabelValues(p.mailbox).Add(float64(len(result.Messages)))
	return result, nil
}

// searchCriteriaFor picks between a UID-range scan past the cursor and a
// time-bounded fallback scan.
func searchCriteriaFor(cp Checkpoint, validity uint32, since time.Time) (*imap.SearchCriteria, bool) {
	if cp.UIDValidity == validity && cp.UIDValidity != 0 && cp.LastUID > 0 {
		var set imap.UIDSet
		set.AddRange(imap.UID(cp.LastUID+1), 0)
		return &imap.SearchCriteria{UID: []imap.UIDSet{set}}, true
	}
	return &imap.SearchCriteria{Since: since}, false
}

// nextCheckpoint seeds the checkpoint to persist after this poll. Fetched
// message UIDs advance it further as they stream in.
func nextCheckpoint(cp Checkpoint, validity uint32, uidScan, truncated bool, uidNext imap.UID) Checkpoint {
	next := Checkpoint{UIDValidity: validity}
	if uidScan {
		next.LastUID = cp.LastUID
	}
	// A complete scan may fast-forward past messages the search did not
	// match (out of window, already seen). A truncated one must not: the
	// cursor stays at the last fetched UID so the remainder comes next poll.
	if !truncated && uidNext > 0 {
		next.LastUID = uint32(uidNext) - 1
	}
	return next
}

func (p *IMAPPoller) parseInbound(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) *InboundMessage {
	msg := &InboundMessage{UID: uint32(buf.UID)}
	if env := buf.Envelope; env != nil {
		msg.MessageID = helpers.CanonicalMessageID(env.MessageID)
		msg.Subject = helpers.SanitizeUTF8(env.Subject)
		msg.Date = env.Date
		if len(env.From) > 0 {
			msg.From = env.From[0].Addr()
		}
	}

	raw := buf.FindBodySection(section)
	if len(raw) == 0 {
		return msg
	}
	msg.Raw = raw

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		// Classification falls back to the envelope fields.
		logger.Debugf("[IMAP] %s: unparseable message uid=%d: %v", p.mailbox, msg.UID, err)
		return msg
	}

	headers := make(map[string]string)
	for fields := entity.Header.Fields(); fields.Next(); {
		key := strings.ToLower(fields.Key())
		if _, ok := headers[key]; !ok {
			headers[key] = fields.Value()
		}
	}
	msg.Headers = headers
	msg.ContentType = headers["content-type"]
	msg.InReplyTo = helpers.ParseMessageIDs(entity.Header.Get("In-Reply-To"))
	msg.References = helpers.ParseMessageIDs(entity.Header.Get("References"))
	msg.Body = helpers.ExtractTextBody(entity)

	parsedHeader := mail.Header{Header: entity.Header}
	if msg.MessageID == "" {
		if id, err := parsedHeader.MessageID(); err == nil {
			msg.MessageID = id
		}
	}
	if msg.Date.IsZero() {
		if date, err := parsedHeader.Date(); err == nil {
			msg.Date = date
		}
	}
	return msg
}

func (p *IMAPPoller) pollError(kind ErrorKind, err error) error {
	metrics.TransportErrorsTotal.WithLabelValues(p.mailbox, "poll", string(kind)).Inc()
	return &TransportError{Op: "poll", Kind: kind, Err: err}
}
