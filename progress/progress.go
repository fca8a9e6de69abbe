package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-assist/stats"
)

// Bar manages a progress bar over the candidates of one run. The total is
// only known once the folder has been listed.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar if logLevel is "info".
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Update advances the progress bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeListed:
		b.total = evt.Count
		pterm.Info.Printf("Trusted messages in folder: %d\n", evt.Count)
		pterm.Println()
		if evt.Count == 0 {
			return
		}
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(evt.Count).
			WithTitle("Processing messages").
			Start()
		b.pb = pb
	case stats.EventTypeStarted:
		if b.pb != nil {
			b.pb.UpdateTitle(fmt.Sprintf("Processing UID %d", evt.UID))
		}
	case stats.EventTypeSkipped, stats.EventTypeQuarantined, stats.EventTypeVanished,
		stats.EventTypeDeleted, stats.EventTypeRetained:
		if b.pb != nil {
			b.pb.Increment()
		}
	case stats.EventTypeFailed:
		if evt.Err != nil {
			pterm.Warning.Printf("UID %d failed: %v\n", evt.UID, evt.Err)
		}
		if b.pb != nil {
			b.pb.Increment()
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats collector with the progress bar and a
// final summary section.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter subscribes the bar and a summary printer to stream.
// Nothing is subscribed when the bar is disabled.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	PrintSummary(pr.collector.Snapshot(), time.Since(pr.started))
	return nil
}

// PrintSummary renders the run summary section.
func PrintSummary(summary stats.Summary, duration time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Listed: %d\n", summary.Listed)
	pterm.Info.Printf("Already replied (skipped): %d\n", summary.Skipped)
	pterm.Info.Printf("Quarantined: %d\n", summary.Quarantined)
	pterm.Info.Printf("Vanished: %d\n", summary.Vanished)
	pterm.Info.Printf("Replied and deleted: %d\n", summary.Deleted)
	pterm.Info.Printf("Replied and retained: %d\n", summary.Retained)
	pterm.Info.Printf("Failed: %d\n", summary.Failed)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
