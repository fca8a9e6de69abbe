package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/mail-assist/model"
)

const (
	DefaultDeletedFile = "deleted.jsonl"
	DefaultFailedFile  = "failed.jsonl"
)

// Ledger is the outcome store consulted and appended to by the queue runner.
type Ledger interface {
	Delivered(uid uint32) bool
	Failures(uid uint32) int
	Append(rec model.Outcome) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Deleted  int
	Retained int
	Failed   int
	Skipped  int
}

// MemoryLog indexes outcome records without persisting them.
type MemoryLog struct {
	mu        sync.RWMutex
	delivered map[uint32]model.Status
	failures  map[uint32]int
	snapshot  Snapshot
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		delivered: make(map[uint32]model.Status),
		failures:  make(map[uint32]int),
	}
}

// Delivered reports whether a reply was already sent for uid, whether or not
// the message could be deleted afterwards.
func (m *MemoryLog) Delivered(uid uint32) bool {
	m.mu.RLock()
	_, ok := m.delivered[uid]
	m.mu.RUnlock()
	return ok
}

// Failures counts failed records caused by the message itself; outages do
// not count toward quarantine.
func (m *MemoryLog) Failures(uid uint32) int {
	m.mu.RLock()
	n := m.failures[uid]
	m.mu.RUnlock()
	return n
}

func (m *MemoryLog) Append(rec model.Outcome) error {
	m.index(rec)
	return nil
}

func (m *MemoryLog) Snapshot() Snapshot {
	m.mu.RLock()
	s := m.snapshot
	m.mu.RUnlock()
	return s
}

func (m *MemoryLog) index(rec model.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch rec.Status {
	case model.StatusDeleted:
		m.delivered[rec.UID] = rec.Status
		m.snapshot.Deleted++
	case model.StatusRetained:
		if _, ok := m.delivered[rec.UID]; !ok {
			m.delivered[rec.UID] = rec.Status
		}
		m.snapshot.Retained++
	case model.StatusFailed:
		if rec.MessageFault() {
			m.failures[rec.UID]++
		}
		m.snapshot.Failed++
	}
}

// FileLog persists outcome records in two append-only JSON-lines files:
// the deleted log holds delivered-and-deleted records, the failed log holds
// failed and delivered-and-retained records. Files are never rewritten.
type FileLog struct {
	*MemoryLog
	deletedPath string
	failedPath  string
	deleted     *os.File
	failed      *os.File
	writeMu     sync.Mutex
}

type Options struct {
	Dir         string
	DeletedFile string
	FailedFile  string
}

func Open(opts Options) (*FileLog, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if opts.DeletedFile == "" {
		opts.DeletedFile = DefaultDeletedFile
	}
	if opts.FailedFile == "" {
		opts.FailedFile = DefaultFailedFile
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	log := &FileLog{
		MemoryLog:   NewMemoryLog(),
		deletedPath: resolve(opts.Dir, opts.DeletedFile),
		failedPath:  resolve(opts.Dir, opts.FailedFile),
	}

	for _, path := range []string{log.deletedPath, log.failedPath} {
		records, skipped, err := ReadAll(path)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			log.index(rec)
		}
		log.mu.Lock()
		log.snapshot.Skipped += skipped
		log.mu.Unlock()
	}

	var err error
	if log.deleted, err = openAppend(log.deletedPath); err != nil {
		return nil, err
	}
	if log.failed, err = openAppend(log.failedPath); err != nil {
		_ = log.deleted.Close()
		return nil, err
	}

	return log, nil
}

// Append writes rec as a single line and syncs it before indexing, so a
// record is only trusted once it is durable.
func (f *FileLog) Append(rec model.Outcome) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode outcome record: %w", err)
	}
	data = append(data, '\n')

	file := f.failed
	if rec.Status == model.StatusDeleted {
		file = f.deleted
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write outcome record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync outcome record: %w", err)
	}

	f.index(rec)
	return nil
}

// Paths returns the deleted and failed log locations.
func (f *FileLog) Paths() (deleted, failed string) {
	return f.deletedPath, f.failedPath
}

// Close closes both log files.
func (f *FileLog) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	for _, file := range []*os.File{f.deleted, f.failed} {
		if file == nil {
			continue
		}
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close state file: %w", err)
		}
	}
	return firstErr
}

// ReadAll parses every record of a log file. A missing file yields no
// records. Lines that do not decode, such as one torn by an interrupted
// write, are skipped and counted.
func ReadAll(path string) ([]model.Outcome, int, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	var (
		records []model.Outcome
		skipped int
	)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Bytes()
		if len(strings.TrimSpace(string(text))) == 0 {
			continue
		}

		var rec model.Outcome
		if err := json.Unmarshal(text, &rec); err != nil || rec.Status == "" {
			skipped++
			continue
		}
		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read state file: %w", err)
	}

	return records, skipped, nil
}

func openAppend(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	if err := terminateLastLine(file); err != nil {
		_ = file.Close()
		return nil, err
	}
	return file, nil
}

// terminateLastLine appends a newline when a previous run died mid-write, so
// the next record starts on its own line.
func terminateLastLine(file *os.File) error {
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat state file: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read state file tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := file.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("terminate state file: %w", err)
	}
	return nil
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
