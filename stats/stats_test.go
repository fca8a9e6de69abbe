package stats

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestCollector_Run(t *testing.T) {
	events := make(chan Event, 16)
	boom := errors.New("boom")
	events <- Event{Stage: StageList, Type: EventTypeListed, Count: 4}
	events <- Event{Type: EventTypeSkipped, UID: 1}
	events <- Event{Type: EventTypeDeleted, UID: 2}
	events <- Event{Type: EventTypeRetained, UID: 3}
	events <- Event{Type: EventTypeFailed, UID: 4, Err: boom}
	events <- Event{Type: EventTypeQuarantined, UID: 5}
	events <- Event{Type: EventTypeVanished, UID: 6}
	close(events)

	c := NewCollector()
	c.Run(context.Background(), events)
	got := c.Snapshot()

	if got.Listed != 4 || got.Skipped != 1 || got.Deleted != 1 || got.Retained != 1 || got.Failed != 1 || got.Quarantined != 1 || got.Vanished != 1 {
		t.Fatalf("summary = %+v", got)
	}
	if got.Processed() != 3 {
		t.Fatalf("Processed() = %d, want 3", got.Processed())
	}
	if !errors.Is(got.LastError, boom) {
		t.Fatalf("LastError = %v", got.LastError)
	}
}

func TestTop(t *testing.T) {
	m := map[string]int{"b": 2, "a": 2, "c": 5, "d": 1}
	got := Top(m, 3)
	want := []Pair{{"c", 5}, {"a", 2}, {"b", 2}}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Top()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

type captureStream struct {
	fn func(context.Context, <-chan Event) error
}

func (s *captureStream) SubscribeStats(_ string, fn func(context.Context, <-chan Event) error) {
	s.fn = fn
}

func TestReporter_SummaryIsDebugOnly(t *testing.T) {
	tests := []struct {
		name  string
		level slog.Level
		want  int
	}{
		{name: "info", level: slog.LevelInfo, want: 0},
		{name: "debug", level: slog.LevelDebug, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: tt.level}))
			stream := &captureStream{}
			reporter := NewReporter(stream, logger)

			events := make(chan Event, 1)
			events <- Event{Type: EventTypeDeleted, UID: 1}
			close(events)
			if err := stream.fn(context.Background(), events); err != nil {
				t.Fatalf("consume error = %v", err)
			}

			if got := strings.Count(buf.String(), "stats summary"); got != tt.want {
				t.Fatalf("summary lines = %d, want %d; log = %q", got, tt.want, buf.String())
			}
			if reporter.Summary().Deleted != 1 {
				t.Fatalf("Summary() = %+v", reporter.Summary())
			}
		})
	}
}
