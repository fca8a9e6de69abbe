package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/dhcgn/mail-assist/model"
)

const (
	DefaultMaxBodyChars       = 20000
	DefaultMaxAttachmentChars = 40000
	DefaultMaxTotalChars      = 100000

	truncationMarker = "\n[truncated]"
)

// Limits bounds the composed payload in characters (runes).
type Limits struct {
	MaxBodyChars       int
	MaxAttachmentChars int
	MaxTotalChars      int
}

func (l Limits) withDefaults() Limits {
	if l.MaxBodyChars <= 0 {
		l.MaxBodyChars = DefaultMaxBodyChars
	}
	if l.MaxAttachmentChars <= 0 {
		l.MaxAttachmentChars = DefaultMaxAttachmentChars
	}
	if l.MaxTotalChars <= 0 {
		l.MaxTotalChars = DefaultMaxTotalChars
	}
	return l
}

// Compose merges the body and extraction results into one payload. The body
// comes first and keeps its budget; attachments follow in message order and
// share what is left of the total budget.
func Compose(body string, results []model.ExtractionResult, limits Limits) model.Prompt {
	limits = limits.withDefaults()

	var p model.Prompt
	body = strings.TrimSpace(body)
	p.Body, p.Truncated = truncate(body, limits.MaxBodyChars)

	remaining := limits.MaxTotalChars - utf8.RuneCountInString(p.Body)
	for _, res := range results {
		section := model.PromptSection{
			Filename: label(res.Filename),
			MIMEType: res.MIMEType,
			Size:     res.Size,
		}

		if res.OK() {
			budget := min(limits.MaxAttachmentChars, remaining)
			if budget <= 0 {
				section.Note = "omitted: prompt size limit reached"
				p.Truncated = true
			} else {
				text, cut := truncate(strings.TrimSpace(res.Text), budget)
				section.Text = text
				remaining -= utf8.RuneCountInString(text)
				if cut {
					p.Truncated = true
				}
			}
		} else {
			section.Note = string(res.Outcome)
			if res.Reason != "" {
				section.Note += ": " + res.Reason
			}
		}

		p.Sections = append(p.Sections, section)
	}

	return p
}

// Render produces the user message sent to the model. It is deterministic
// for a given prompt.
func Render(p model.Prompt) string {
	var sb strings.Builder

	sb.WriteString("Trusted sender email body:\n")
	if p.Body != "" {
		sb.WriteString(p.Body)
	} else {
		sb.WriteString("(empty body)")
	}
	sb.WriteString("\n\nAttachment summaries:\n")

	if len(p.Sections) == 0 {
		sb.WriteString("(no attachments)\n")
	}
	for i, s := range p.Sections {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "--- Attachment %d: %s ---\n", i+1, s.Filename)
		if s.MIMEType != "" {
			fmt.Fprintf(&sb, "Content-Type: %s\n", s.MIMEType)
		}
		fmt.Fprintf(&sb, "Size: %s\n", humanize.IBytes(uint64(max(s.Size, 0))))
		if s.Note != "" {
			fmt.Fprintf(&sb, "Skipped: %s\n", s.Note)
		}
		if s.Text != "" {
			sb.WriteString("Content:\n")
			sb.WriteString(s.Text)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nRespond with JSON containing keys to, subject, body_text.")
	return sb.String()
}

// Empty reports whether the prompt carries no content at all.
func Empty(p model.Prompt) bool {
	if p.Body != "" {
		return false
	}
	for _, s := range p.Sections {
		if s.Text != "" {
			return false
		}
	}
	return true
}

func label(filename string) string {
	if strings.TrimSpace(filename) == "" {
		return "unnamed"
	}
	return filename
}

func truncate(s string, limit int) (string, bool) {
	if utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	markerLen := utf8.RuneCountInString(truncationMarker)
	keep := limit - markerLen
	if keep <= 0 {
		return string([]rune(s)[:limit]), true
	}
	return string([]rune(s)[:keep]) + truncationMarker, true
}
