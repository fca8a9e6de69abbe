package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/dhcgn/mail-assist/filter"
	"github.com/dhcgn/mail-assist/model"
)

const DefaultTimeout = 30 * time.Second

var ErrNotFound = errors.New("message not found")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	StartTLS           bool
	InsecureSkipVerify bool
	Folder             string
	Timeout            time.Duration
}

// TransportError is a connection, authentication or protocol failure. The
// mailbox is unusable after one.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("imap %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeleteError reports a message that could not be removed from the folder.
type DeleteError struct {
	UID uint32
	Err error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("delete uid %d: %v", e.UID, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

// Matcher decides whether a sender address is trusted.
type Matcher interface {
	Allows(address string) bool
}

// Mailbox is a logged-in session with the configured folder selected.
type Mailbox struct {
	opts    Options
	client  *imapclient.Client
	conn    net.Conn
	logger  *slog.Logger
	cleanup func()
}

func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Mailbox, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	m := &Mailbox{opts: opts, logger: logger}
	if err := m.dial(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mailbox) dial(ctx context.Context) error {
	address := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
	tlsConfig := &tls.Config{
		ServerName:         m.opts.Host,
		InsecureSkipVerify: m.opts.InsecureSkipVerify,
	}
	options := &imapclient.Options{
		TLSConfig:   tlsConfig,
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}

	dialer := &net.Dialer{Timeout: m.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "dial", Err: fmt.Errorf("%s: %w", address, err)}
	}
	_ = conn.SetDeadline(time.Now().Add(m.opts.Timeout))

	var client *imapclient.Client
	switch {
	case m.opts.UseTLS:
		client = imapclient.New(tls.Client(conn, tlsConfig), options)
	case m.opts.StartTLS:
		client, err = imapclient.NewStartTLS(conn, options)
		if err != nil {
			_ = conn.Close()
			return &TransportError{Op: "starttls", Err: err}
		}
	default:
		client = imapclient.New(conn, options)
	}

	if err := client.Login(m.opts.Username, m.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return &TransportError{Op: "login", Err: err}
	}

	if _, err := client.Select(m.Folder(), nil).Wait(); err != nil {
		_ = client.Close()
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeNonExistent {
			return &TransportError{Op: "select", Err: fmt.Errorf("folder %s does not exist: %w", m.Folder(), err)}
		}
		return &TransportError{Op: "select", Err: fmt.Errorf("folder %s: %w", m.Folder(), err)}
	}
	_ = conn.SetDeadline(time.Time{})

	if m.logger != nil {
		m.logger.Debug("imap connection established", "address", address, "user", m.opts.Username, "folder", m.Folder(), "tls", m.opts.UseTLS, "starttls", m.opts.StartTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	m.client = client
	m.conn = conn
	m.cleanup = func() {
		stopClose()
		if ctx.Err() == nil {
			_ = conn.SetDeadline(time.Now().Add(m.opts.Timeout))
			if err := client.Logout().Wait(); err != nil && m.logger != nil {
				m.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil && m.logger != nil {
			m.logger.Debug("imap connection closed", "err", err)
		}
	}
	return nil
}

func (m *Mailbox) Folder() string {
	if m.opts.Folder == "" {
		return "INBOX"
	}
	return m.opts.Folder
}

// ListCandidates returns the messages whose first From address is trusted,
// ordered by ascending UID. Only metadata is fetched.
func (m *Mailbox) ListCandidates(ctx context.Context, trusted Matcher) ([]model.Summary, error) {
	var (
		bufs []*imapclient.FetchMessageBuffer
		err  error
	)
	err = m.do(ctx, "list", func() error {
		criteria := &imapv2.SearchCriteria{NotFlag: []imapv2.Flag{imapv2.FlagDeleted}}
		data, err := m.client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("uid search: %w", err)
		}
		uids := data.AllUIDs()
		if len(uids) == 0 {
			return nil
		}
		fetchOpts := &imapv2.FetchOptions{
			UID:          true,
			Envelope:     true,
			RFC822Size:   true,
			InternalDate: true,
		}
		bufs, err = m.client.Fetch(imapv2.UIDSetNum(uids...), fetchOpts).Collect()
		if err != nil {
			return fmt.Errorf("fetch envelopes: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]model.Summary, 0, len(bufs))
	for _, buf := range bufs {
		summary := summaryFromBuffer(buf)
		if summary.UID == 0 || !trusted.Allows(summary.From) {
			continue
		}
		candidates = append(candidates, summary)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].UID < candidates[j].UID })

	if m.logger != nil {
		m.logger.Debug("listed folder", "folder", m.Folder(), "messages", len(bufs), "trusted", len(candidates))
	}
	return candidates, nil
}

// FetchFull retrieves the message without setting \Seen and decodes its body
// and attachments. ErrNotFound is returned when the UID has vanished.
func (m *Mailbox) FetchFull(ctx context.Context, uid uint32) (model.Message, error) {
	section := &imapv2.FetchItemBodySection{Peek: true}
	var bufs []*imapclient.FetchMessageBuffer
	err := m.do(ctx, "fetch", func() error {
		fetchOpts := &imapv2.FetchOptions{
			UID:          true,
			Envelope:     true,
			RFC822Size:   true,
			InternalDate: true,
			BodySection:  []*imapv2.FetchItemBodySection{section},
		}
		var err error
		bufs, err = m.client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), fetchOpts).Collect()
		if err != nil {
			return fmt.Errorf("fetch uid %d: %w", uid, err)
		}
		return nil
	})
	if err != nil {
		return model.Message{}, err
	}
	if len(bufs) == 0 {
		return model.Message{}, fmt.Errorf("uid %d: %w", uid, ErrNotFound)
	}

	buf := bufs[0]
	raw := buf.FindBodySection(section)
	if raw == nil {
		return model.Message{}, fmt.Errorf("uid %d has no body: %w", uid, ErrNotFound)
	}

	summary := summaryFromBuffer(buf)
	body, attachments, err := ParseMessage(raw)
	if err != nil && m.logger != nil {
		m.logger.Warn("mime parse incomplete", "uid", uid, "err", err)
	}

	msg := model.Message{
		UID:         uid,
		From:        summary.From,
		Subject:     summary.Subject,
		Body:        body,
		Attachments: attachments,
		ReceivedAt:  summary.ReceivedAt,
		Size:        summary.Size,
		Raw:         raw,
	}
	if msg.Size == 0 {
		msg.Size = int64(len(raw))
	}
	return msg, nil
}

// Delete flags the message \Deleted and expunges it. With UIDPLUS only this
// UID is expunged; without it a plain EXPUNGE is issued.
func (m *Mailbox) Delete(ctx context.Context, uid uint32) error {
	err := m.do(ctx, "delete", func() error {
		set := imapv2.UIDSetNum(imapv2.UID(uid))
		store := m.client.Store(set, &imapv2.StoreFlags{
			Op:     imapv2.StoreFlagsAdd,
			Silent: true,
			Flags:  []imapv2.Flag{imapv2.FlagDeleted},
		}, nil)
		if err := store.Close(); err != nil {
			return fmt.Errorf("store \\Deleted: %w", err)
		}

		if m.client.Caps().Has(imapv2.CapUIDPlus) {
			if err := m.client.UIDExpunge(set).Close(); err != nil {
				return fmt.Errorf("uid expunge: %w", err)
			}
			return nil
		}
		if m.logger != nil {
			m.logger.Debug("server lacks UIDPLUS, issuing EXPUNGE", "uid", uid)
		}
		if err := m.client.Expunge().Close(); err != nil {
			return fmt.Errorf("expunge: %w", err)
		}
		return nil
	})
	if err != nil {
		return &DeleteError{UID: uid, Err: err}
	}
	return nil
}

func (m *Mailbox) Close() error {
	if m.cleanup != nil {
		m.cleanup()
		m.cleanup = nil
	}
	return nil
}

// do bounds one round trip with the connection deadline. The deadline is
// cleared afterwards so the idle reader does not time out between commands.
func (m *Mailbox) do(ctx context.Context, op string, fn func() error) error {
	if m.client == nil {
		return &TransportError{Op: op, Err: errors.New("mailbox is closed")}
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	_ = m.conn.SetDeadline(time.Now().Add(m.opts.Timeout))
	defer func() { _ = m.conn.SetDeadline(time.Time{}) }()

	if err := fn(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

func summaryFromBuffer(buf *imapclient.FetchMessageBuffer) model.Summary {
	summary := model.Summary{
		UID:        uint32(buf.UID),
		Size:       buf.RFC822Size,
		ReceivedAt: buf.InternalDate,
	}
	if env := buf.Envelope; env != nil {
		summary.Subject = env.Subject
		if len(env.From) > 0 {
			summary.From = filter.Address(env.From[0].Addr())
		}
		if summary.ReceivedAt.IsZero() {
			summary.ReceivedAt = env.Date
		}
	}
	summary.Subject = strings.TrimSpace(summary.Subject)
	return summary
}
