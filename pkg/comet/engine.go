package comet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/observability"
	"github.com/randalmurphal/comet/pkg/comet/schedule"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

// Ingest outcomes reported to metrics.
const (
	outcomeCreated   = "created"
	outcomeAppended  = "appended"
	outcomeLate      = "late"
	outcomeReopened  = "reopened"
	outcomeDuplicate = "duplicate"
)

// ErrorReporter receives failures meant for operators rather than event
// owners: exhausted dispatch retries, failed escalations and storage
// errors hit by background work.
type ErrorReporter func(ctx context.Context, err error)

// Engine runs the correlation state machine over a Store.
type Engine struct {
	cfg      *Config
	store    store.Store
	clock    schedule.Clock
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	reporter ErrorReporter

	locks  *keyLocks[store.Key]
	timers *schedule.Queue[store.Key]

	// inflight holds READY groups whose routing call is running. routed
	// holds groups that were routed but whose ROUTED write failed. Both
	// are guarded by mu; entries change only while the group's key lock
	// is held.
	mu       sync.Mutex
	inflight map[store.Key]struct{}
	routed   map[store.Key]routedOutcome

	loopMu  sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the system clock.
func WithClock(c schedule.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSpanManager sets the tracing span manager. Default: no-op.
func WithSpanManager(s observability.SpanManager) Option {
	return func(e *Engine) { e.spans = s }
}

// WithErrorReporter sets the operator error channel. Errors are always
// logged; the reporter is called in addition.
func WithErrorReporter(r ErrorReporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// NewEngine creates an engine over st. The engine does not own st and
// never closes it.
func NewEngine(cfg *Config, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    st,
		clock:    schedule.SystemClock{},
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		locks:    newKeyLocks[store.Key](),
		timers:   schedule.NewQueue[store.Key](),
		inflight: make(map[store.Key]struct{}),
		routed:   make(map[store.Key]routedOutcome),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ingest decodes raw and adds the resulting record to its group.
//
// Messages that can never be ingested (unknown source, parse or hydration
// failure) are quarantined and Ingest returns nil, so input adapters ack
// them. A *StorageError means nothing was recorded and the message should
// be redelivered.
func (e *Engine) Ingest(ctx context.Context, raw event.RawMessage) (err error) {
	ctx, span := e.spans.StartIngestSpan(ctx, raw.SourceType, raw.ID)
	defer func() { e.spans.EndSpanWithError(span, err) }()

	now := e.clock.Now()
	receivedAt := raw.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	rec, decodeErr := e.cfg.sources.Decode(raw, receivedAt)
	if decodeErr != nil {
		return e.quarantine(ctx, raw, decodeErr, now)
	}
	return e.upsert(ctx, rec)
}

func (e *Engine) quarantine(ctx context.Context, raw event.RawMessage, cause error, now time.Time) error {
	q := event.NewQuarantinedMessage(raw, cause, now)
	observability.LogQuarantined(e.logger, raw.SourceType, raw.ID, q.Reason, cause)
	e.metrics.RecordQuarantine(ctx, raw.SourceType, q.Reason)
	e.spans.AddSpanEvent(ctx, "quarantined")

	if err := e.store.Quarantine(ctx, q); err != nil {
		return storageErr("quarantine", store.Key{}, err)
	}
	return nil
}

func (e *Engine) upsert(ctx context.Context, rec event.Record) error {
	key := store.KeyOf(rec)
	settings := e.cfg.Settings(rec.SourceType)

	unlock := e.locks.Lock(key)
	now := e.clock.Now()

	g, err := e.store.Get(ctx, key)
	var outcome string
	switch {
	case errors.Is(err, store.ErrNotFound):
		g = store.NewGroup(rec, now)
		outcome = outcomeCreated
	case err != nil:
		unlock()
		return storageErr("get", key, err)
	case g.HasDelivery(rec.DeliveryID):
		unlock()
		e.metrics.RecordIngest(ctx, rec.SourceType, outcomeDuplicate)
		return nil
	case g.State == store.StateResolved && settings.ReopenCooldown > 0 &&
		now.Before(g.ResolvedAt.Add(settings.ReopenCooldown)):
		g.Append(rec, now)
		outcome = outcomeLate
	case g.State.Closed():
		g.Reopen(rec, now)
		outcome = outcomeReopened
	case g.State == store.StateCollecting:
		g.Append(rec, now)
		outcome = outcomeAppended
	default:
		g.Append(rec, now)
		outcome = outcomeLate
	}

	due := false
	if g.State == store.StateCollecting {
		g.Deadline = now.Add(settings.WaitForMore)
		due = settings.WaitForMore <= 0
	}

	if err := e.store.Save(ctx, g); err != nil {
		unlock()
		return storageErr("save", key, err)
	}

	timer := schedule.Timer[store.Key]{Key: key, Generation: g.Generation, Deadline: g.Deadline}
	if g.State == store.StateCollecting && !due {
		e.timers.Schedule(timer)
	}
	logger := observability.EnrichLogger(e.logger, key.SourceType, key.Fingerprint, g.Generation)
	observability.LogIngested(logger, rec.ID, string(g.State), len(g.Members))
	e.metrics.RecordIngest(ctx, rec.SourceType, outcome)
	unlock()

	if due {
		// The record is durable; a failure here is retried by the loop.
		if err := e.fire(ctx, timer); err != nil {
			e.report(ctx, err)
		}
	}
	return nil
}

// Acknowledge resolves a ROUTED group. It reports whether the state
// changed. Acknowledging a group in any other state, a stale generation,
// or a group whose escalation is in flight is a no-op. generation <= 0
// means the current generation.
func (e *Engine) Acknowledge(ctx context.Context, key store.Key, generation int64) (bool, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	g, err := e.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("get", key, err)
	}

	applied := false
	defer func() { e.metrics.RecordAcknowledge(ctx, key.SourceType, applied) }()

	if generation > 0 && g.Generation != generation {
		return false, nil
	}
	if g.State != store.StateRouted || g.EscalationPending {
		return false, nil
	}

	now := e.clock.Now()
	g.State = store.StateResolved
	g.ResolvedAt = now
	g.UpdatedAt = now
	if err := e.store.Save(ctx, g); err != nil {
		return false, storageErr("save", key, err)
	}
	applied = true
	e.logger.Info("group acknowledged",
		slog.String("source_type", key.SourceType),
		slog.String("fingerprint", key.Fingerprint),
		slog.Int64("generation", g.Generation),
	)
	return true, nil
}

// Group returns a group with its current members.
func (e *Engine) Group(ctx context.Context, key store.Key) (*store.Group, error) {
	return e.store.Get(ctx, key)
}

// Groups lists groups without members.
func (e *Engine) Groups(ctx context.Context, f store.Filter) ([]*store.Group, error) {
	return e.store.List(ctx, f)
}

// Records lists stored records across generations, newest first.
func (e *Engine) Records(ctx context.Context, f store.RecordFilter) ([]event.Record, error) {
	return e.store.ListRecords(ctx, f)
}

// Quarantined lists quarantined messages, newest first.
func (e *Engine) Quarantined(ctx context.Context, limit int) ([]event.QuarantinedMessage, error) {
	return e.store.ListQuarantine(ctx, limit)
}

// Purge deletes closed groups (RESOLVED or ESCALATED) untouched since
// before cutoff. It returns the number of groups removed.
func (e *Engine) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	groups, err := e.store.List(ctx, store.Filter{States: []store.State{store.StateResolved, store.StateEscalated}})
	if err != nil {
		return 0, storageErr("list", store.Key{}, err)
	}

	purged := 0
	for _, candidate := range groups {
		if !candidate.UpdatedAt.Before(cutoff) {
			continue
		}
		ok, err := e.purgeOne(ctx, candidate.Key, cutoff)
		if err != nil {
			return purged, err
		}
		if ok {
			purged++
		}
	}
	return purged, nil
}

func (e *Engine) purgeOne(ctx context.Context, key store.Key, cutoff time.Time) (bool, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	g, err := e.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("get", key, err)
	}
	if !g.State.Closed() || !g.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	if err := e.store.Delete(ctx, key); err != nil {
		return false, storageErr("delete", key, err)
	}
	e.timers.Cancel(key)
	return true, nil
}

func (e *Engine) report(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if e.reporter != nil {
		e.reporter(ctx, err)
	}
}

func (e *Engine) setInflight(key store.Key, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.inflight[key] = struct{}{}
	} else {
		delete(e.inflight, key)
	}
}

func (e *Engine) isInflight(key store.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[key]
	return ok
}

// setUnsaved records r for key, or forgets key when r is nil.
func (e *Engine) setUnsaved(key store.Key, r *routedOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r != nil {
		e.routed[key] = *r
	} else {
		delete(e.routed, key)
	}
}

func (e *Engine) unsaved(key store.Key) (routedOutcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.routed[key]
	return r, ok
}
