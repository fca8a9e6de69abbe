package mbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-assist/model"
)

const defaultSender = "MAILER-DAEMON"

// Archiver appends source messages to a local mbox file before they are
// removed from the server.
type Archiver struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

func NewArchiver(path string, logger *slog.Logger) (*Archiver, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("archive path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Archiver{path: path, logger: logger, now: time.Now}, nil
}

func (a *Archiver) Path() string {
	return a.path
}

// Archive appends msg.Raw as one mbox entry and syncs the file.
func (a *Archiver) Archive(msg model.Message) error {
	if len(msg.Raw) == 0 {
		return fmt.Errorf("uid %d: raw message is empty", msg.UID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	sender := msg.From
	if sender == "" {
		sender = defaultSender
	}
	date := msg.ReceivedAt
	if date.IsZero() {
		date = a.now()
	}

	writer := mboxlib.NewWriter(file)
	w, err := writer.CreateMessage(sender, date)
	if err != nil {
		return fmt.Errorf("archive uid %d: %w", msg.UID, err)
	}
	if _, err := w.Write(bytes.ReplaceAll(msg.Raw, []byte("\r\n"), []byte("\n"))); err != nil {
		return fmt.Errorf("archive uid %d write: %w", msg.UID, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("archive uid %d close: %w", msg.UID, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("archive uid %d sync: %w", msg.UID, err)
	}

	if a.logger != nil {
		a.logger.Debug("archived message", "uid", msg.UID, "path", a.path, "bytes", len(msg.Raw))
	}
	return nil
}

// ArchivedMessage is the header view of one archived entry.
type ArchivedMessage struct {
	From    string
	Subject string
	Date    time.Time
	Size    int
}

// Read iterates through the archive, calling the callback for each message.
// Entries whose header cannot be parsed are skipped.
func Read(path string, callback func(m ArchivedMessage) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			continue
		}

		mr, err := mail.CreateReader(bytes.NewReader(raw))
		if err != nil {
			continue
		}
		entry := ArchivedMessage{Size: len(raw)}
		if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
			entry.From = strings.ToLower(from[0].Address)
		}
		entry.Subject, _ = mr.Header.Subject()
		entry.Date, _ = mr.Header.Date()
		_ = mr.Close()

		if err := callback(entry); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}
