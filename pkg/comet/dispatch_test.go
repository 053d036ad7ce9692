package comet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/randalmurphal/comet/pkg/comet/errors"
	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/schedule"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

// TestEngine_PanickingRouterIsContained checks that a router panic is
// handled like a permanent routing failure.
func TestEngine_PanickingRouterIsContained(t *testing.T) {
	h := newHarness(t, event.Settings{})
	h.router.fail = func(n int) error {
		if n == 1 {
			panic("smtp client nil")
		}
		return nil
	}

	m1 := scannerMessage(t, "m1", "a", "alice@example.com")
	h.ingestAt(t, 0, m1)

	g := h.group(t, m1)
	assert.Equal(t, store.StateReady, g.State)
	assert.Equal(t, epoch.Add(time.Minute), g.RetryAt)
	assert.Contains(t, g.LastError, "smtp client nil")

	reported := h.Reported()
	require.Len(t, reported, 1)
	var dispatchErr *DispatchError
	require.ErrorAs(t, reported[0], &dispatchErr)
	assert.False(t, cerrors.IsRetryable(dispatchErr.Err))

	h.tickAt(t, time.Minute)
	require.Len(t, h.router.Calls(), 1)
	assert.Equal(t, store.StateRouted, h.group(t, m1).State)
}

// TestEngine_PanickingRouterStopsRetryCycle checks that a panic is not
// retried within the cycle.
func TestEngine_PanickingRouterStopsRetryCycle(t *testing.T) {
	calls := 0
	router := RouterFunc(func(context.Context, string, string, []event.Record) error {
		calls++
		panic("nil pointer in renderer")
	})
	cfg, err := NewBuilder().
		RegisterSource(scannerSource(event.Settings{})).
		WithRouter(router).
		WithRetry(cerrors.NewRetryConfig(cerrors.WithMaxAttempts(5), cerrors.WithBackoff(0, 0))).
		Build()
	require.NoError(t, err)
	e := NewEngine(cfg, store.NewMemoryStore(), WithClock(schedule.NewManualClock(epoch)))

	require.NotPanics(t, func() {
		require.NoError(t, e.Ingest(context.Background(), scannerMessage(t, "m1", "a", "alice@example.com")))
	})
	assert.Equal(t, 1, calls)
}

// TestEngine_PanickingEscalatorIsContained checks that an escalator panic
// releases the claim and leaves the group for the next sweep.
func TestEngine_PanickingEscalatorIsContained(t *testing.T) {
	h := newHarness(t, event.Settings{EscalateAfter: time.Hour})
	h.escalator.during = func() { panic("template not parsed") }

	m1 := scannerMessage(t, "m1", "a", "alice@example.com")
	h.ingestAt(t, 0, m1)

	h.tickAt(t, time.Hour)
	g := h.group(t, m1)
	assert.Equal(t, store.StateRouted, g.State)
	assert.False(t, g.EscalationPending)

	reported := h.Reported()
	require.Len(t, reported, 1)
	var escErr *EscalationError
	require.ErrorAs(t, reported[0], &escErr)
	assert.Contains(t, escErr.Error(), "template not parsed")

	h.escalator.during = nil
	h.tickAt(t, 2*time.Hour)
	assert.Len(t, h.escalator.Calls(), 1)
	assert.Equal(t, store.StateEscalated, h.group(t, m1).State)
}

// routedWriteFailingStore fails the first n writes that mark a group
// ROUTED.
type routedWriteFailingStore struct {
	*store.MemoryStore
	mu sync.Mutex
	n  int
}

func (s *routedWriteFailingStore) Save(ctx context.Context, g *store.Group) error {
	s.mu.Lock()
	fail := s.n > 0 && g.State == store.StateRouted
	if fail {
		s.n--
	}
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.MemoryStore.Save(ctx, g)
}

// TestEngine_RoutedWriteFailureRetriesWriteOnly checks that a generation
// whose ROUTED write failed is not routed a second time.
func TestEngine_RoutedWriteFailureRetriesWriteOnly(t *testing.T) {
	ctx := context.Background()
	st := &routedWriteFailingStore{MemoryStore: store.NewMemoryStore(), n: 2}
	router := &recordingRouter{}
	clock := schedule.NewManualClock(epoch)
	cfg, err := NewBuilder().
		RegisterSource(scannerSource(event.Settings{WaitForMore: time.Minute})).
		WithRouter(router).
		WithRetry(cerrors.NoRetry).
		WithRetryCycle(time.Minute).
		Build()
	require.NoError(t, err)
	e := NewEngine(cfg, st, WithClock(clock))

	require.NoError(t, e.Ingest(ctx, scannerMessage(t, "m1", "a", "alice@example.com")))

	clock.Set(epoch.Add(time.Minute))
	err = e.Tick(ctx)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.ErrorIs(t, err, errDiskFull)
	require.Len(t, router.Calls(), 1)

	groups, err := e.Groups(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, store.StateReady, groups[0].State)

	clock.Set(epoch.Add(2 * time.Minute))
	require.NoError(t, e.Tick(ctx))
	assert.Len(t, router.Calls(), 1)

	g, err := e.Group(ctx, groups[0].Key)
	require.NoError(t, err)
	assert.Equal(t, store.StateRouted, g.State)
	assert.Equal(t, epoch.Add(time.Minute), g.RoutedAt)
	assert.Equal(t, 1, g.DispatchAttempts)
	assert.Equal(t, 1, g.DispatchedCount)

	clock.Set(epoch.Add(3 * time.Minute))
	require.NoError(t, e.Tick(ctx))
	assert.Len(t, router.Calls(), 1)
}

func TestGuard(t *testing.T) {
	assert.NoError(t, guard("route", func() error { return nil }))
	assert.ErrorIs(t, guard("route", func() error { return errDiskFull }), errDiskFull)

	err := guard("route", func() error { panic("boom") })
	require.Error(t, err)
	assert.Equal(t, "route: panic: boom", err.Error())
	assert.Equal(t, cerrors.CategoryPermanent, cerrors.Categorize(err))
}
