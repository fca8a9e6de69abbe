// Package extract turns PDF and DOCX attachments into plain text under size
// and time limits. Extraction never fails the caller: every attempt yields a
// tagged model.ExtractionResult.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/dhcgn/mail-assist/model"
)

const (
	DefaultMaxBytes = 10 * 1024 * 1024
	DefaultTimeout  = 30 * time.Second

	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

type Format string

const (
	FormatUnknown Format = ""
	FormatPDF     Format = "pdf"
	FormatDOCX    Format = "docx"
)

// Limits bounds a single extraction.
type Limits struct {
	Enabled  bool
	MaxBytes int64
	Timeout  time.Duration
}

// parser converts raw bytes to text. Implementations may block; the
// Extractor enforces the deadline.
type parser func(data []byte) (string, error)

type Extractor struct {
	limits  Limits
	logger  *slog.Logger
	parsers map[Format]parser
}

func New(limits Limits, logger *slog.Logger) *Extractor {
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultMaxBytes
	}
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultTimeout
	}
	return &Extractor{
		limits: limits,
		logger: logger,
		parsers: map[Format]parser{
			FormatPDF:  parsePDF,
			FormatDOCX: parseDOCX,
		},
	}
}

// ExtractAll extracts every attachment independently and keeps message order.
func (e *Extractor) ExtractAll(ctx context.Context, attachments []model.Attachment) []model.ExtractionResult {
	results := make([]model.ExtractionResult, 0, len(attachments))
	for _, att := range attachments {
		results = append(results, e.Extract(ctx, att))
	}
	return results
}

func (e *Extractor) Extract(ctx context.Context, att model.Attachment) model.ExtractionResult {
	size := att.Size
	if size == 0 {
		size = int64(len(att.Data))
	}
	result := model.ExtractionResult{
		Filename: att.Filename,
		MIMEType: att.MIMEType,
		Size:     size,
	}

	if !e.limits.Enabled {
		return e.finish(result, model.ExtractionUnsupported, "attachment forwarding disabled", "")
	}

	if size > e.limits.MaxBytes {
		reason := fmt.Sprintf("size %s exceeds limit %s",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(e.limits.MaxBytes)))
		return e.finish(result, model.ExtractionOverSize, reason, "")
	}

	format := Detect(att.Filename, att.Data)
	parse, ok := e.parsers[format]
	if !ok {
		return e.finish(result, model.ExtractionUnsupported, "unsupported file type", "")
	}

	text, err := e.run(ctx, parse, att.Data)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return e.finish(result, model.ExtractionTimedOut, fmt.Sprintf("parsing exceeded %s", e.limits.Timeout), "")
	case err != nil:
		return e.finish(result, model.ExtractionParseError, err.Error(), "")
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return e.finish(result, model.ExtractionOK, "no text extracted", "")
	}
	return e.finish(result, model.ExtractionOK, "", text)
}

// run parses data in its own goroutine so a stuck parser cannot hold the
// pipeline past the deadline. A parser that times out is abandoned.
func (e *Extractor) run(ctx context.Context, parse parser, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.limits.Timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("parser panic: %v", r)}
			}
		}()
		text, err := parse(data)
		done <- outcome{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case out := <-done:
		return out.text, out.err
	}
}

func (e *Extractor) finish(result model.ExtractionResult, outcome model.ExtractionOutcome, reason, text string) model.ExtractionResult {
	result.Outcome = outcome
	result.Reason = reason
	result.Text = text
	if e.logger != nil {
		level := slog.LevelDebug
		if outcome != model.ExtractionOK && outcome != model.ExtractionUnsupported {
			level = slog.LevelWarn
		}
		e.logger.Log(context.Background(), level, "attachment extracted",
			"filename", result.Filename,
			"size", humanize.IBytes(uint64(result.Size)),
			"outcome", outcome,
			"reason", reason,
			"chars", len(text))
	}
	return result
}

// Detect picks a parser format from the filename extension, falling back to
// content sniffing when the extension is missing or unrecognised.
func Detect(filename string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	}
	if len(data) == 0 {
		return FormatUnknown
	}
	mt := mimetype.Detect(data)
	switch {
	case mt.Is(mimePDF):
		return FormatPDF
	case mt.Is(mimeDOCX):
		return FormatDOCX
	}
	return FormatUnknown
}
