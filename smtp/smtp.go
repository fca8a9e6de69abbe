package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

const DefaultTimeout = 60 * time.Second

// Options configures the submission server.
type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	UseTLS             bool
	StartTLS           bool
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// TransportError reports a reply that could not be handed to the server.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("smtp %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Sender struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(opts Options, logger *slog.Logger) (*Sender, error) {
	if strings.TrimSpace(opts.Host) == "" {
		return nil, fmt.Errorf("smtp host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("smtp port must be positive")
	}
	if strings.TrimSpace(opts.From) == "" {
		return nil, fmt.Errorf("smtp from address is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Sender{opts: opts, logger: logger, now: time.Now}, nil
}

// Send delivers one plain-text reply. A nil error means the server accepted
// the message for delivery.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	if strings.TrimSpace(to) == "" {
		return &TransportError{Op: "send", Err: errors.New("recipient is empty")}
	}

	msg, err := BuildMessage(s.opts.From, to, subject, body, s.now())
	if err != nil {
		return &TransportError{Op: "build", Err: err}
	}

	conn, err := s.dialConn(ctx)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	stopClose := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stopClose()

	client, err := s.newClient(conn)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return &TransportError{Op: "dial", Err: err}
	}
	defer func() {
		_ = client.Close()
	}()

	if s.opts.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.opts.Username, s.opts.Password)); err != nil {
			return &TransportError{Op: "auth", Err: err}
		}
	}

	if err := client.SendMail(s.opts.From, []string{to}, bytes.NewReader(msg)); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return &TransportError{Op: "send", Err: err}
	}

	if err := client.Quit(); err != nil && s.logger != nil {
		s.logger.Debug("smtp quit failed", "err", err)
	}

	if s.logger != nil {
		s.logger.Debug("reply submitted", "to", to, "subject", subject, "bytes", len(msg))
	}
	return nil
}

func (s *Sender) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.opts.Host,
		InsecureSkipVerify: s.opts.InsecureSkipVerify,
	}
}

func (s *Sender) dialConn(ctx context.Context) (net.Conn, error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	dialer := &net.Dialer{Timeout: s.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if s.opts.UseTLS {
		return tls.Client(conn, s.tlsConfig()), nil
	}
	return conn, nil
}

// newClient wraps conn and applies the command timeouts before the server
// greeting is read.
func (s *Sender) newClient(conn net.Conn) (*gosmtp.Client, error) {
	if !s.opts.StartTLS || s.opts.UseTLS {
		client := gosmtp.NewClient(conn)
		client.CommandTimeout = s.opts.Timeout
		client.SubmissionTimeout = s.opts.Timeout
		return client, nil
	}

	// The STARTTLS handshake runs inside the constructor with the library
	// default timeouts, so bound it with a timer on the raw connection.
	timer := time.AfterFunc(s.opts.Timeout, func() {
		_ = conn.Close()
	})
	client, err := gosmtp.NewClientStartTLS(conn, s.tlsConfig())
	if !timer.Stop() && err == nil {
		_ = client.Close()
		return nil, fmt.Errorf("starttls: timed out after %s", s.opts.Timeout)
	}
	if err != nil {
		return nil, err
	}
	client.CommandTimeout = s.opts.Timeout
	client.SubmissionTimeout = s.opts.Timeout
	return client, nil
}

// BuildMessage renders a plain-text RFC 5322 message.
func BuildMessage(from, to, subject, body string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, normalizeNewlines(body)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
