package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dhcgn/mail-assist/completion"
	"github.com/dhcgn/mail-assist/filter"
	"github.com/dhcgn/mail-assist/imap"
	"github.com/dhcgn/mail-assist/model"
	"github.com/dhcgn/mail-assist/prompt"
	"github.com/dhcgn/mail-assist/state"
	"github.com/dhcgn/mail-assist/stats"
)

const (
	DefaultTestSubjectPrefix = "[MailAssist Test] "
	DefaultMaxFailures       = 3
)

// Reason categories written to the audit log. Details follow after ": ".
const (
	ReasonDeleteFailed  = "delete-failed"
	ReasonArchiveFailed = "archive-failed"
	ReasonDeleteOff     = "delete-disabled"
	ReasonReplyFailed   = "reply-failed"
	ReasonEmptyMessage  = model.ReasonEmptyMessage
)

var ErrNoCandidates = errors.New("no messages from trusted senders")

type Mailbox interface {
	Folder() string
	ListCandidates(ctx context.Context, trusted imap.Matcher) ([]model.Summary, error)
	FetchFull(ctx context.Context, uid uint32) (model.Message, error)
	Delete(ctx context.Context, uid uint32) error
}

type Extractor interface {
	ExtractAll(ctx context.Context, atts []model.Attachment) []model.ExtractionResult
}

type Completer interface {
	Submit(ctx context.Context, p model.Prompt) (model.Reply, error)
}

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type Archiver interface {
	Archive(msg model.Message) error
}

// Deps bundles the collaborators of a run. Archiver is optional.
type Deps struct {
	Mailbox   Mailbox
	Trusted   imap.Matcher
	Extractor Extractor
	Completer Completer
	Sender    Sender
	Ledger    state.Ledger
	Archiver  Archiver
}

type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 2 * time.Second
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 30 * time.Second
	}
	return p
}

type Config struct {
	RunID             string
	DeleteAfterReply  bool
	MaxFailures       int
	Prompt            prompt.Limits
	Retry             RetryPolicy
	TestSubjectPrefix string
}

type subscription struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

type Runner struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	collector *stats.Collector
	subs      []*subscription
	statsWG   sync.WaitGroup
}

func New(cfg Config, deps Deps, logger *slog.Logger) (*Runner, error) {
	switch {
	case deps.Mailbox == nil:
		return nil, fmt.Errorf("mailbox must not be nil")
	case deps.Trusted == nil:
		return nil, fmt.Errorf("trusted sender filter must not be nil")
	case deps.Sender == nil:
		return nil, fmt.Errorf("sender must not be nil")
	}
	if cfg.TestSubjectPrefix == "" {
		cfg.TestSubjectPrefix = DefaultTestSubjectPrefix
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RunID != "" {
		logger = logger.With("run", cfg.RunID)
	}

	return &Runner{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		collector: stats.NewCollector(),
	}, nil
}

// SubscribeStats registers a consumer of run events. Every subscriber sees
// every event; the channel is closed when the run ends.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subs = append(r.subs, &subscription{name: name, fn: fn})
}

func (r *Runner) EmitEvent(evt stats.Event) {
	r.collector.Apply(evt)
	for _, sub := range r.subs {
		if sub.events != nil {
			sub.events <- evt
		}
	}
}

func (r *Runner) startSubscribers(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, sub := range r.subs {
		sub.events = make(chan stats.Event, 128)
		r.statsWG.Add(1)
		go func(sub *subscription) {
			defer r.statsWG.Done()
			if err := sub.fn(ctx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("stats subscriber failed", "name", sub.name, "err", err)
			}
		}(sub)
	}
}

func (r *Runner) stopSubscribers() {
	for _, sub := range r.subs {
		if sub.events != nil {
			close(sub.events)
		}
	}
	r.statsWG.Wait()
	for _, sub := range r.subs {
		sub.events = nil
	}
}

// Run processes every trusted candidate once, strictly in UID order. The
// returned error is non-nil only for failures that make the rest of the run
// meaningless: mailbox transport errors, audit log write errors and
// cancellation.
func (r *Runner) Run(ctx context.Context) (stats.Summary, error) {
	if r.deps.Extractor == nil || r.deps.Completer == nil || r.deps.Ledger == nil {
		return stats.Summary{}, fmt.Errorf("extractor, completer and ledger are required for a full run")
	}

	started := time.Now()
	r.startSubscribers(ctx)
	err := r.drain(ctx)
	r.stopSubscribers()

	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(started))
	if err != nil {
		r.logger.Error("run failed", append(attrs, "err", err)...)
		return summary, err
	}
	r.logger.Info("run completed", attrs...)
	return summary, nil
}

func (r *Runner) drain(ctx context.Context) error {
	candidates, err := r.deps.Mailbox.ListCandidates(ctx, r.deps.Trusted)
	if err != nil {
		err = fmt.Errorf("list candidates: %w", err)
		r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeError, Err: err})
		return err
	}
	r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeListed, Count: len(candidates)})
	r.logger.Info("listed candidates", "folder", r.deps.Mailbox.Folder(), "count", len(candidates))

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.process(ctx, candidate); err != nil {
			r.EmitEvent(stats.Event{Type: stats.EventTypeError, UID: candidate.UID, Err: err})
			return err
		}
	}
	return nil
}

func (r *Runner) process(ctx context.Context, candidate model.Summary) error {
	uid := candidate.UID
	log := r.logger.With("uid", uid)
	r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeStarted, UID: uid})

	if r.deps.Ledger.Delivered(uid) {
		log.Debug("reply already sent, skipping")
		r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeSkipped, UID: uid})
		return nil
	}
	if r.cfg.MaxFailures > 0 {
		if n := r.deps.Ledger.Failures(uid); n >= r.cfg.MaxFailures {
			log.Warn("message quarantined after repeated failures", "failures", n, "sender", candidate.From, "subject", candidate.Subject)
			r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeQuarantined, UID: uid})
			return nil
		}
	}

	st := model.StateListed
	msg, err := r.deps.Mailbox.FetchFull(ctx, uid)
	if errors.Is(err, imap.ErrNotFound) {
		log.Info("message vanished before fetch")
		r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeVanished, UID: uid})
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	st = st.Next()

	rec := model.Outcome{
		UID:         uid,
		Sender:      firstNonEmpty(msg.From, candidate.From),
		Subject:     firstNonEmpty(msg.Subject, candidate.Subject),
		Folder:      r.deps.Mailbox.Folder(),
		Attachments: msg.AttachmentNames(),
		RunID:       r.cfg.RunID,
	}
	msg.From = rec.Sender

	results := r.deps.Extractor.ExtractAll(ctx, msg.Attachments)
	msg.Attachments = nil
	st = st.Next()

	p := prompt.Compose(msg.Body, results, r.cfg.Prompt)
	if prompt.Empty(p) && len(p.Sections) == 0 {
		return r.record(rec, model.StatusFailed, ReasonEmptyMessage+": no body and no attachments", st, stats.StageExtract, log)
	}
	st = st.Next()

	reply, err := r.complete(ctx, p, log)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Warn("run interrupted before reply, message stays queued", "err", err)
			return ctxErr
		}
		return r.record(rec, model.StatusFailed, completionReason(err), st, stats.StageComplete, log)
	}
	st = st.Next()

	to := r.recipient(msg, reply, log)
	subject := replySubject(msg.Subject, reply.Subject)
	if err := r.deps.Sender.Send(ctx, to, subject, reply.BodyText); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Warn("run interrupted while sending reply, message stays queued", "err", err)
			return ctxErr
		}
		return r.record(rec, model.StatusFailed, fmt.Sprintf("%s: %v", ReasonReplyFailed, err), st, stats.StageReply, log)
	}
	st = st.Next()
	log.Debug("reply sent", "to", to, "subject", subject)

	if !r.cfg.DeleteAfterReply {
		return r.record(rec, model.StatusRetained, ReasonDeleteOff, st, stats.StageDelete, log)
	}
	if r.deps.Archiver != nil {
		if err := r.deps.Archiver.Archive(msg); err != nil {
			return r.record(rec, model.StatusRetained, fmt.Sprintf("%s: %v", ReasonArchiveFailed, err), st, stats.StageDelete, log)
		}
	}
	if err := r.deps.Mailbox.Delete(ctx, uid); err != nil {
		return r.record(rec, model.StatusRetained, fmt.Sprintf("%s: %v", ReasonDeleteFailed, err), st, stats.StageDelete, log)
	}
	return r.record(rec, model.StatusDeleted, "", st, stats.StageDelete, log)
}

// record appends the terminal outcome and emits the matching event. Only a
// failed append is returned; it stops the run because the idempotency guard
// can no longer be trusted.
func (r *Runner) record(rec model.Outcome, status model.Status, reason string, reached model.State, stage stats.Stage, log *slog.Logger) error {
	rec.Status = status
	rec.Reason = reason
	rec.Timestamp = time.Now().UTC()

	if err := r.deps.Ledger.Append(rec); err != nil {
		log.Error("audit record lost", "status", status, "reason", reason, "err", err)
		return fmt.Errorf("append outcome for uid %d: %w", rec.UID, err)
	}

	attrs := []any{
		"status", status,
		"state", reached.String(),
		"sender", rec.Sender,
		"subject", rec.Subject,
		"attachments", len(rec.Attachments),
	}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}

	evt := stats.Event{Stage: stage, UID: rec.UID, Detail: reason}
	switch status {
	case model.StatusDeleted:
		evt.Type = stats.EventTypeDeleted
		log.Info("message processed", attrs...)
	case model.StatusRetained:
		evt.Type = stats.EventTypeRetained
		log.Info("message processed", attrs...)
	default:
		evt.Type = stats.EventTypeFailed
		evt.Err = errors.New(reason)
		log.Warn("message processed", attrs...)
	}
	r.EmitEvent(evt)
	return nil
}

// complete submits p, retrying transient failures with exponential backoff.
func (r *Runner) complete(ctx context.Context, p model.Prompt, log *slog.Logger) (model.Reply, error) {
	policy := r.cfg.Retry
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.MaxInterval = policy.MaxInterval
	expo.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(policy.MaxAttempts-1)), ctx)

	var (
		reply   model.Reply
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		reply, err = r.deps.Completer.Submit(ctx, p)
		if err == nil {
			return nil
		}
		switch completion.OutcomeOf(err) {
		case model.CompletionRateLimited, model.CompletionNetworkError:
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("completion failed, retrying", "attempt", attempt, "wait", wait, "err", err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return model.Reply{}, err
	}
	return reply, nil
}

// completionReason renders a completion failure as "outcome: detail".
func completionReason(err error) string {
	var cerr *completion.Error
	if !errors.As(err, &cerr) {
		return fmt.Sprintf("%s: %v", completion.OutcomeOf(err), err)
	}
	if cerr.Status != 0 {
		return fmt.Sprintf("%s: http %d: %v", cerr.Outcome, cerr.Status, cerr.Err)
	}
	return fmt.Sprintf("%s: %v", cerr.Outcome, cerr.Err)
}

// recipient is always the trusted sender of the message unless the model
// asked for another address that is itself trusted.
func (r *Runner) recipient(msg model.Message, reply model.Reply, log *slog.Logger) string {
	requested := filter.Address(reply.To)
	if requested == "" || requested == msg.From {
		return msg.From
	}
	if r.deps.Trusted.Allows(requested) {
		return requested
	}
	log.Warn("ignoring untrusted recipient proposed by model", "requested", requested, "sender", msg.From)
	return msg.From
}

func replySubject(original, proposed string) string {
	if s := strings.TrimSpace(proposed); s != "" {
		return s
	}
	original = strings.TrimSpace(original)
	if original == "" {
		return "Re: (no subject)"
	}
	if strings.HasPrefix(strings.ToLower(original), "re:") {
		return original
	}
	return "Re: " + original
}

// Echo sends the most recent trusted message back to its sender with the
// test subject prefix. No model call, no audit record and no deletion.
func (r *Runner) Echo(ctx context.Context) (model.Summary, error) {
	candidates, err := r.deps.Mailbox.ListCandidates(ctx, r.deps.Trusted)
	if err != nil {
		return model.Summary{}, fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return model.Summary{}, ErrNoCandidates
	}

	latest := candidates[0]
	for _, c := range candidates[1:] {
		if c.UID > latest.UID {
			latest = c
		}
	}

	msg, err := r.deps.Mailbox.FetchFull(ctx, latest.UID)
	if err != nil {
		return latest, fmt.Errorf("fetch uid %d: %w", latest.UID, err)
	}
	to := firstNonEmpty(msg.From, latest.From)
	subject := r.cfg.TestSubjectPrefix + firstNonEmpty(msg.Subject, "(no subject)")

	if err := r.deps.Sender.Send(ctx, to, subject, msg.Body); err != nil {
		return msg.Summary(), fmt.Errorf("send test reply: %w", err)
	}

	r.logger.Info("echoed message for configuration check", "uid", msg.UID, "to", to, "subject", subject)
	return msg.Summary(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
