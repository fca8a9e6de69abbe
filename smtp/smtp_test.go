package smtp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	gosmtp "github.com/emersion/go-smtp"
)

func TestBuildMessage(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	raw, err := BuildMessage("bot@example.com", "alice@example.com", "Re: Grüße", "line one\nline two", now)
	if err != nil {
		t.Fatalf("BuildMessage() error = %v", err)
	}
	if !bytes.Contains(raw, []byte("\r\n\r\n")) {
		t.Fatal("message has no CRLF header terminator")
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader() error = %v", err)
	}

	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) != 1 || from[0].Address != "bot@example.com" {
		t.Fatalf("From = %v (%v)", from, err)
	}
	to, err := mr.Header.AddressList("To")
	if err != nil || len(to) != 1 || to[0].Address != "alice@example.com" {
		t.Fatalf("To = %v (%v)", to, err)
	}
	subject, err := mr.Header.Subject()
	if err != nil || subject != "Re: Grüße" {
		t.Fatalf("Subject = %q (%v)", subject, err)
	}
	date, err := mr.Header.Date()
	if err != nil || !date.Equal(now) {
		t.Fatalf("Date = %v (%v)", date, err)
	}
	if id, err := mr.Header.MessageID(); err != nil || id == "" {
		t.Fatalf("Message-Id = %q (%v)", id, err)
	}

	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart() error = %v", err)
	}
	body, err := io.ReadAll(part.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got := strings.ReplaceAll(string(body), "\r\n", "\n"); got != "line one\nline two" {
		t.Fatalf("body = %q", got)
	}
}

type memoryBackend struct {
	mu   sync.Mutex
	from string
	rcpt []string
	data []byte
}

func (b *memoryBackend) NewSession(*gosmtp.Conn) (gosmtp.Session, error) {
	return &memorySession{backend: b}, nil
}

type memorySession struct {
	backend *memoryBackend
}

func (s *memorySession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.rcpt = append(s.backend.rcpt, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.data = data
	return nil
}

func (s *memorySession) Reset() {}

func (s *memorySession) Logout() error { return nil }

func startServer(t *testing.T) (*memoryBackend, int) {
	t.Helper()
	backend := &memoryBackend{}
	srv := gosmtp.NewServer(backend)
	srv.Domain = "localhost"

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return backend, ln.Addr().(*net.TCPAddr).Port
}

func TestSend_DeliversToServer(t *testing.T) {
	backend, port := startServer(t)
	sender, err := New(Options{Host: "127.0.0.1", Port: port, From: "bot@example.com", Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := sender.Send(context.Background(), "alice@example.com", "Re: hello", "answer"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.from != "bot@example.com" {
		t.Errorf("MAIL FROM = %q", backend.from)
	}
	if len(backend.rcpt) != 1 || backend.rcpt[0] != "alice@example.com" {
		t.Errorf("RCPT TO = %v", backend.rcpt)
	}
	if !bytes.Contains(backend.data, []byte("Subject: Re: hello")) || !bytes.Contains(backend.data, []byte("answer")) {
		t.Errorf("DATA = %q", backend.data)
	}
}

func TestSend_DialFailureIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	sender, err := New(Options{Host: "127.0.0.1", Port: port, From: "bot@example.com", Timeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	err = sender.Send(context.Background(), "alice@example.com", "s", "b")
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if terr.Op != "dial" {
		t.Fatalf("Op = %q, want dial", terr.Op)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing host", opts: Options{Port: 25, From: "a@b.c"}},
		{name: "missing port", opts: Options{Host: "h", From: "a@b.c"}},
		{name: "missing from", opts: Options{Host: "h", Port: 25}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// silentServer accepts connections and never sends a greeting.
func silentServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSend_SilentServerTimesOut(t *testing.T) {
	port := silentServer(t)

	tests := []struct {
		name     string
		startTLS bool
	}{
		{name: "plain"},
		{name: "starttls", startTLS: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := New(Options{
				Host:     "127.0.0.1",
				Port:     port,
				From:     "bot@example.com",
				StartTLS: tt.startTLS,
				Timeout:  300 * time.Millisecond,
			}, nil)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			start := time.Now()
			err = sender.Send(context.Background(), "alice@example.com", "s", "b")
			var terr *TransportError
			if !errors.As(err, &terr) {
				t.Fatalf("error = %v, want *TransportError", err)
			}
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Fatalf("Send() took %s, want the configured timeout to apply", elapsed)
			}
		})
	}
}

func TestSend_ContextCancelsGreeting(t *testing.T) {
	port := silentServer(t)
	sender, err := New(Options{Host: "127.0.0.1", Port: port, From: "bot@example.com", Timeout: time.Minute}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = sender.Send(ctx, "alice@example.com", "s", "b")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Send() took %s after cancellation", elapsed)
	}
}
