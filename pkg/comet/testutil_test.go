package comet

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cerrors "github.com/randalmurphal/comet/pkg/comet/errors"
	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/schedule"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// scannerSource is a minimal source: owner comes from the payload and
// the fingerprint ignores the per-delivery id.
func scannerSource(s event.Settings) event.Source {
	return event.Source{
		Type:   "scanner",
		Parser: event.JSONParser{Required: []string{"rule"}},
		Hydrator: event.HydratorFunc(func(msg event.Message) (event.Enrichment, error) {
			fp, err := event.Fingerprint(msg.Fields, event.WithBlacklist("id"), event.WithPrefix("scanner_"))
			if err != nil {
				return event.Enrichment{}, err
			}
			return event.Enrichment{
				Owner:       msg.String("owner"),
				Fingerprint: fp,
				Metadata:    map[string]any{"rule": msg.String("rule")},
			}, nil
		}),
		Settings: s,
	}
}

// scannerMessage builds a scanner payload. Messages with the same rule
// and owner share a fingerprint.
func scannerMessage(t *testing.T, id, rule, owner string) event.RawMessage {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"id": id, "rule": rule, "owner": owner})
	require.NoError(t, err)
	return event.RawMessage{SourceType: "scanner", ID: id, Payload: payload}
}

type routeCall struct {
	SourceType string
	Owner      string
	Records    []event.Record
}

// recordingRouter captures routing calls. fail, when set, decides the
// outcome of each call by its 1-based index.
type recordingRouter struct {
	mu    sync.Mutex
	calls []routeCall
	fail  func(n int) error
}

func (r *recordingRouter) Route(_ context.Context, sourceType, owner string, records []event.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.calls) + 1
	if r.fail != nil {
		if err := r.fail(n); err != nil {
			r.calls = append(r.calls, routeCall{})
			return err
		}
	}
	r.calls = append(r.calls, routeCall{SourceType: sourceType, Owner: owner, Records: records})
	return nil
}

func (r *recordingRouter) Calls() []routeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routeCall(nil), r.calls...)
}

type escalateCall struct {
	SourceType string
	Records    []event.Record
}

type recordingEscalator struct {
	mu     sync.Mutex
	calls  []escalateCall
	err    error
	during func()
}

func (r *recordingEscalator) Escalate(_ context.Context, sourceType string, records []event.Record) error {
	if r.during != nil {
		r.during()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, escalateCall{SourceType: sourceType, Records: records})
	return r.err
}

func (r *recordingEscalator) Calls() []escalateCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]escalateCall(nil), r.calls...)
}

// harness wires an engine to a manual clock and in-memory store.
type harness struct {
	engine    *Engine
	store     *store.MemoryStore
	clock     *schedule.ManualClock
	router    *recordingRouter
	escalator *recordingEscalator

	mu       sync.Mutex
	reported []error
}

func newHarness(t *testing.T, s event.Settings) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemoryStore(),
		clock:     schedule.NewManualClock(epoch),
		router:    &recordingRouter{},
		escalator: &recordingEscalator{},
	}
	cfg, err := NewBuilder().
		RegisterSource(scannerSource(s)).
		WithRouter(h.router).
		WithEscalator(h.escalator).
		WithRetry(cerrors.NoRetry).
		WithRetryCycle(time.Minute).
		Build()
	require.NoError(t, err)

	h.engine = NewEngine(cfg, h.store,
		WithClock(h.clock),
		WithErrorReporter(func(_ context.Context, err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.reported = append(h.reported, err)
		}),
	)
	return h
}

func (h *harness) Reported() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.reported...)
}

func (h *harness) ingestAt(t *testing.T, offset time.Duration, raw event.RawMessage) {
	t.Helper()
	h.clock.Set(epoch.Add(offset))
	require.NoError(t, h.engine.Ingest(context.Background(), raw))
}

func (h *harness) tickAt(t *testing.T, offset time.Duration) {
	t.Helper()
	h.clock.Set(epoch.Add(offset))
	require.NoError(t, h.engine.Tick(context.Background()))
}

func (h *harness) group(t *testing.T, fingerprintOf event.RawMessage) *store.Group {
	t.Helper()
	groups, err := h.engine.Groups(context.Background(), store.Filter{})
	require.NoError(t, err)
	for _, g := range groups {
		full, err := h.engine.Group(context.Background(), g.Key)
		require.NoError(t, err)
		for _, m := range full.Members {
			if m.DeliveryID == fingerprintOf.ID {
				return full
			}
		}
	}
	t.Fatalf("no group contains delivery %s", fingerprintOf.ID)
	return nil
}

// failingStore wraps a MemoryStore and fails Save on demand.
type failingStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	saveErr error
}

func (f *failingStore) Save(ctx context.Context, g *store.Group) error {
	f.mu.Lock()
	err := f.saveErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Save(ctx, g)
}

var errDiskFull = errors.New("disk full")
