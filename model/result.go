package model

import (
	"strings"
	"time"
)

// ExtractionOutcome tags how text extraction for one attachment ended.
type ExtractionOutcome string

const (
	ExtractionOK          ExtractionOutcome = "ok"
	ExtractionUnsupported ExtractionOutcome = "unsupported-format"
	ExtractionOverSize    ExtractionOutcome = "over-size-limit"
	ExtractionTimedOut    ExtractionOutcome = "timed-out"
	ExtractionParseError  ExtractionOutcome = "parse-error"
)

// ExtractionResult is never an error: failed extractions contribute no text
// but keep the reason so it can be logged and shown to the model.
type ExtractionResult struct {
	Filename string
	MIMEType string
	Size     int64
	Text     string
	Outcome  ExtractionOutcome
	Reason   string
}

// OK reports whether extraction produced usable text.
func (r ExtractionResult) OK() bool {
	return r.Outcome == ExtractionOK && strings.TrimSpace(r.Text) != ""
}

// PromptSection is one labelled attachment block in a prompt.
type PromptSection struct {
	Filename string
	MIMEType string
	Size     int64
	Text     string
	Note     string
}

// Prompt is the bounded payload submitted to the language model.
type Prompt struct {
	Body      string
	Sections  []PromptSection
	Truncated bool
}

// CompletionOutcome classifies the result of a completion request.
type CompletionOutcome string

const (
	CompletionOK                CompletionOutcome = "ok"
	CompletionRateLimited       CompletionOutcome = "rate-limited"
	CompletionAuthError         CompletionOutcome = "auth-error"
	CompletionNetworkError      CompletionOutcome = "network-error"
	CompletionMalformedResponse CompletionOutcome = "malformed-response"
)

// Reply is the structured answer produced by the model.
type Reply struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	BodyText string `json:"body_text"`
}

// Status is the terminal disposition of a message within one run.
type Status string

const (
	StatusDeleted  Status = "delivered-and-deleted"
	StatusRetained Status = "delivered-and-retained"
	StatusFailed   Status = "failed"
)

// Delivered reports whether a reply has been sent for the record.
func (s Status) Delivered() bool {
	return s == StatusDeleted || s == StatusRetained
}

// Outcome is one append-only audit record.
type Outcome struct {
	Timestamp   time.Time `json:"timestamp"`
	UID         uint32    `json:"uid"`
	Sender      string    `json:"sender"`
	Subject     string    `json:"subject,omitempty"`
	Folder      string    `json:"folder,omitempty"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	RunID       string    `json:"run,omitempty"`
}

// ReasonEmptyMessage marks a message with neither body text nor attachments.
const ReasonEmptyMessage = "empty-message"

// ReasonCategory returns the part of an audit reason before the ": " detail.
func ReasonCategory(reason string) string {
	reason = strings.TrimSpace(reason)
	if i := strings.Index(reason, ": "); i >= 0 {
		return reason[:i]
	}
	return reason
}

// MessageFault reports whether a failed record was caused by the message
// itself. Outages such as network errors, rate limits, rejected credentials
// or an unreachable SMTP server are not the message's fault.
func (o Outcome) MessageFault() bool {
	if o.Status != StatusFailed {
		return false
	}
	switch ReasonCategory(o.Reason) {
	case string(CompletionMalformedResponse), ReasonEmptyMessage:
		return true
	default:
		return false
	}
}
