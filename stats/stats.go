package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageList     Stage = "list"
	StageFetch    Stage = "fetch"
	StageExtract  Stage = "extract"
	StageComplete Stage = "complete"
	StageReply    Stage = "reply"
	StageDelete   Stage = "delete"
	StageAudit    Stage = "audit"
)

type EventType string

const (
	EventTypeListed      EventType = "listed"
	EventTypeStarted     EventType = "started"
	EventTypeSkipped     EventType = "skipped"
	EventTypeQuarantined EventType = "quarantined"
	EventTypeVanished    EventType = "vanished"
	EventTypeDeleted     EventType = "deleted"
	EventTypeRetained    EventType = "retained"
	EventTypeFailed      EventType = "failed"
	EventTypeError       EventType = "error"
)

// Event is one observation emitted by the runner. Count is only set on
// EventTypeListed and carries the number of candidates.
type Event struct {
	Stage  Stage
	Type   EventType
	UID    uint32
	Count  int
	Err    error
	Detail string
}

type Summary struct {
	Listed      int
	Skipped     int
	Quarantined int
	Vanished    int
	Deleted     int
	Retained    int
	Failed      int
	Errors      int
	LastError   error
}

// Processed is the number of candidates that reached a terminal outcome in
// this run.
func (s Summary) Processed() int {
	return s.Deleted + s.Retained + s.Failed
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"listed", s.Listed,
		"skipped", s.Skipped,
		"quarantined", s.Quarantined,
		"vanished", s.Vanished,
		"deleted", s.Deleted,
		"retained", s.Retained,
		"failed", s.Failed,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeListed:
		c.summary.Listed += evt.Count
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeQuarantined:
		c.summary.Quarantined++
	case EventTypeVanished:
		c.summary.Vanished++
	case EventTypeDeleted:
		c.summary.Deleted++
	case EventTypeRetained:
		c.summary.Retained++
	case EventTypeFailed:
		c.summary.Failed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Debug("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Printf("%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries of m, ties broken by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
