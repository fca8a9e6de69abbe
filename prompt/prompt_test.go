package prompt

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dhcgn/mail-assist/model"
)

func TestCompose_OrderAndLabels(t *testing.T) {
	results := []model.ExtractionResult{
		{Filename: "b.pdf", Text: "bee text", Outcome: model.ExtractionOK, Size: 2048},
		{Filename: "a.docx", Text: "ay text", Outcome: model.ExtractionOK, Size: 10},
	}

	p := Compose("  Please summarize attached.  ", results, Limits{})

	if p.Body != "Please summarize attached." {
		t.Fatalf("Body = %q", p.Body)
	}
	if len(p.Sections) != 2 || p.Sections[0].Filename != "b.pdf" || p.Sections[1].Filename != "a.docx" {
		t.Fatalf("Sections = %+v", p.Sections)
	}

	out := Render(p)
	bodyIdx := strings.Index(out, "Please summarize attached.")
	bIdx := strings.Index(out, "bee text")
	aIdx := strings.Index(out, "ay text")
	if bodyIdx < 0 || bIdx < 0 || aIdx < 0 || !(bodyIdx < bIdx && bIdx < aIdx) {
		t.Fatalf("unexpected ordering in rendered prompt:\n%s", out)
	}
	if !strings.Contains(out, "Attachment 1: b.pdf") || !strings.Contains(out, "Attachment 2: a.docx") {
		t.Fatalf("attachments not labelled by filename:\n%s", out)
	}
}

func TestCompose_AllExtractionsFailed(t *testing.T) {
	results := []model.ExtractionResult{
		{Filename: "big.pdf", Outcome: model.ExtractionOverSize, Reason: "size 20 MiB exceeds limit 10 MiB"},
		{Filename: "slow.pdf", Outcome: model.ExtractionTimedOut, Reason: "parsing exceeded 30s"},
		{Filename: "x.png", Outcome: model.ExtractionUnsupported, Reason: "unsupported file type"},
		{Filename: "bad.docx", Outcome: model.ExtractionParseError, Reason: "zip: not a valid zip file"},
	}

	p := Compose("Hello there", results, Limits{})

	if Empty(p) {
		t.Fatal("prompt with body must not be empty")
	}
	out := Render(p)
	if !strings.Contains(out, "Hello there") {
		t.Fatalf("body missing from rendered prompt:\n%s", out)
	}
	for _, s := range p.Sections {
		if s.Text != "" {
			t.Errorf("failed extraction %s contributed text", s.Filename)
		}
		if s.Note == "" {
			t.Errorf("failed extraction %s has no note", s.Filename)
		}
	}
	if !strings.Contains(out, "Skipped: over-size-limit") {
		t.Fatalf("skip reason missing:\n%s", out)
	}
}

func TestCompose_Deterministic(t *testing.T) {
	results := []model.ExtractionResult{{Filename: "a.pdf", Text: "x", Outcome: model.ExtractionOK}}
	first := Render(Compose("body", results, Limits{}))
	second := Render(Compose("body", results, Limits{}))
	if first != second {
		t.Fatal("Render(Compose()) is not deterministic")
	}
}

func TestCompose_Truncation(t *testing.T) {
	limits := Limits{MaxBodyChars: 50, MaxAttachmentChars: 40, MaxTotalChars: 100}
	body := strings.Repeat("b", 80)
	results := []model.ExtractionResult{
		{Filename: "one.pdf", Text: strings.Repeat("1", 100), Outcome: model.ExtractionOK},
		{Filename: "two.pdf", Text: strings.Repeat("2", 100), Outcome: model.ExtractionOK},
		{Filename: "three.pdf", Text: strings.Repeat("3", 100), Outcome: model.ExtractionOK},
	}

	p := Compose(body, results, limits)

	if !p.Truncated {
		t.Fatal("expected Truncated")
	}
	if n := utf8.RuneCountInString(p.Body); n != 50 {
		t.Fatalf("body length = %d, want 50", n)
	}
	if !strings.HasSuffix(p.Body, "[truncated]") {
		t.Fatalf("body missing marker: %q", p.Body)
	}

	total := utf8.RuneCountInString(p.Body)
	for _, s := range p.Sections {
		total += utf8.RuneCountInString(s.Text)
	}
	if total > limits.MaxTotalChars {
		t.Fatalf("total chars = %d exceeds %d", total, limits.MaxTotalChars)
	}
	if p.Sections[2].Text != "" || !strings.Contains(p.Sections[2].Note, "limit") {
		t.Fatalf("third section should be omitted: %+v", p.Sections[2])
	}
}

func TestCompose_EmptyBodyNoAttachments(t *testing.T) {
	p := Compose("   ", nil, Limits{})
	if !Empty(p) {
		t.Fatal("expected empty prompt")
	}
	if !strings.Contains(Render(p), "(no attachments)") {
		t.Fatal("expected no-attachments marker")
	}
}

func TestCompose_MultibyteTruncation(t *testing.T) {
	p := Compose(strings.Repeat("ü", 30), nil, Limits{MaxBodyChars: 20})
	if !utf8.ValidString(p.Body) {
		t.Fatal("truncation split a rune")
	}
	if n := utf8.RuneCountInString(p.Body); n != 20 {
		t.Fatalf("body runes = %d, want 20", n)
	}
}
