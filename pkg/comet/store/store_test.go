package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) store.Store

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func record(id, source, fp, owner string, at time.Time) event.Record {
	return event.Record{
		ID:          id,
		SourceType:  source,
		Fingerprint: fp,
		Owner:       owner,
		Metadata:    map[string]any{"resource": "res-" + id},
		Data:        []byte(`{"id":"` + id + `"}`),
		DeliveryID:  "delivery-" + id,
		ReceivedAt:  at,
	}
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Save_and_Get", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		g := store.NewGroup(record("e1", "forseti", "F1", "a@example.com", t0), t0)
		g.Deadline = t0.Add(2 * time.Minute)
		require.NoError(t, s.Save(ctx, g))

		loaded, err := s.Get(ctx, g.Key)
		require.NoError(t, err)
		assert.Equal(t, store.StateCollecting, loaded.State)
		assert.Equal(t, int64(1), loaded.Generation)
		assert.True(t, g.Deadline.Equal(loaded.Deadline), "deadline %v != %v", g.Deadline, loaded.Deadline)
		require.Len(t, loaded.Members, 1)
		assert.Equal(t, "e1", loaded.Members[0].ID)
		assert.Equal(t, "delivery-e1", loaded.Members[0].DeliveryID)
		assert.Equal(t, "res-e1", loaded.Members[0].Metadata["resource"])
		assert.JSONEq(t, `{"id":"e1"}`, string(loaded.Members[0].Data))
		assert.True(t, t0.Equal(loaded.Members[0].ReceivedAt))
	})

	t.Run(name+"/Metadata_reads_back_as_ingested", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		rec := event.NewRecord(
			event.RawMessage{SourceType: "forseti", ID: "d1"},
			event.Message{SourceType: "forseti", Fields: map[string]any{"rule": "x"}},
			event.Enrichment{
				Owner:       "a@example.com",
				Fingerprint: "F9",
				Metadata:    map[string]any{"rule_index": 3, "score": 7.5, "tags": []string{"gcp"}},
			},
			t0,
		)
		require.NoError(t, s.Save(ctx, store.NewGroup(rec, t0)))

		loaded, err := s.Get(ctx, store.KeyOf(rec))
		require.NoError(t, err)
		require.Len(t, loaded.Members, 1)
		assert.Equal(t, rec.Metadata, loaded.Members[0].Metadata)
		assert.Equal(t, json.Number("3"), loaded.Members[0].Metadata["rule_index"])
	})

	t.Run(name+"/Get_NotFound", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		_, err := s.Get(ctx, store.Key{SourceType: "x", Fingerprint: "y"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/Append_preserves_order", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		g := store.NewGroup(record("e1", "forseti", "F1", "a@example.com", t0), t0)
		require.NoError(t, s.Save(ctx, g))
		g.Append(record("e2", "forseti", "F1", "b@example.com", t0.Add(30*time.Second)), t0.Add(30*time.Second))
		g.Append(record("e3", "forseti", "F1", "b@example.com", t0.Add(90*time.Second)), t0.Add(90*time.Second))
		require.NoError(t, s.Save(ctx, g))

		loaded, err := s.Get(ctx, g.Key)
		require.NoError(t, err)
		require.Len(t, loaded.Members, 3)
		assert.Equal(t, []string{"e1", "e2", "e3"}, []string{loaded.Members[0].ID, loaded.Members[1].ID, loaded.Members[2].ID})
		assert.Equal(t, "b@example.com", loaded.Owner)
	})

	t.Run(name+"/Reopen_loads_current_generation_only", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		g := store.NewGroup(record("e1", "detectify", "F2", "a@example.com", t0), t0)
		g.State = store.StateResolved
		g.ResolvedAt = t0.Add(time.Hour)
		require.NoError(t, s.Save(ctx, g))

		g.Reopen(record("e2", "detectify", "F2", "a@example.com", t0.Add(2*time.Hour)), t0.Add(2*time.Hour))
		require.NoError(t, s.Save(ctx, g))

		loaded, err := s.Get(ctx, g.Key)
		require.NoError(t, err)
		assert.Equal(t, int64(2), loaded.Generation)
		assert.True(t, loaded.ResolvedAt.IsZero())
		require.Len(t, loaded.Members, 1)
		assert.Equal(t, "e2", loaded.Members[0].ID)

		recs, err := s.ListRecords(ctx, store.RecordFilter{Owner: "a@example.com"})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "e2", recs[0].ID, "newest first")
	})

	t.Run(name+"/Save_state_fields", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		g := store.NewGroup(record("e1", "forseti", "F1", "a@example.com", t0), t0)
		g.State = store.StateReady
		g.RetryAt = t0.Add(time.Minute)
		g.DispatchAttempts = 3
		g.LastError = "relay down"
		g.EscalationPending = true
		g.DispatchedCount = 1
		g.RoutedAt = t0.Add(10 * time.Second)
		require.NoError(t, s.Save(ctx, g))

		loaded, err := s.Get(ctx, g.Key)
		require.NoError(t, err)
		assert.Equal(t, store.StateReady, loaded.State)
		assert.True(t, g.RetryAt.Equal(loaded.RetryAt))
		assert.True(t, g.RoutedAt.Equal(loaded.RoutedAt))
		assert.True(t, loaded.Deadline.IsZero())
		assert.Equal(t, 3, loaded.DispatchAttempts)
		assert.Equal(t, "relay down", loaded.LastError)
		assert.True(t, loaded.EscalationPending)
		assert.Equal(t, 1, loaded.DispatchedCount)
	})

	t.Run(name+"/List_filters", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		for i, st := range []store.State{store.StateCollecting, store.StateRouted, store.StateRouted, store.StateResolved} {
			g := store.NewGroup(record(fmt.Sprintf("e%d", i), "forseti", fmt.Sprintf("F%d", i), "a@example.com", t0), t0)
			g.State = st
			require.NoError(t, s.Save(ctx, g))
		}
		g := store.NewGroup(record("d1", "detectify", "D1", "b@example.com", t0), t0)
		g.State = store.StateRouted
		require.NoError(t, s.Save(ctx, g))

		all, err := s.List(ctx, store.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 5)
		assert.Equal(t, "detectify", all[0].SourceType, "ordered by source type")
		assert.Empty(t, all[0].Members, "List does not load members")

		routed, err := s.List(ctx, store.Filter{States: []store.State{store.StateRouted}})
		require.NoError(t, err)
		assert.Len(t, routed, 3)

		forsetiRouted, err := s.List(ctx, store.Filter{SourceType: "forseti", States: []store.State{store.StateRouted}})
		require.NoError(t, err)
		assert.Len(t, forsetiRouted, 2)

		byOwner, err := s.List(ctx, store.Filter{Owner: "b@example.com"})
		require.NoError(t, err)
		require.Len(t, byOwner, 1)
		assert.Equal(t, "D1", byOwner[0].Fingerprint)

		limited, err := s.List(ctx, store.Filter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run(name+"/Delete", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		g := store.NewGroup(record("e1", "forseti", "F1", "a@example.com", t0), t0)
		require.NoError(t, s.Save(ctx, g))
		require.NoError(t, s.Delete(ctx, g.Key))

		_, err := s.Get(ctx, g.Key)
		assert.ErrorIs(t, err, store.ErrNotFound)

		recs, err := s.ListRecords(ctx, store.RecordFilter{})
		require.NoError(t, err)
		assert.Empty(t, recs)

		assert.NoError(t, s.Delete(ctx, g.Key), "deleting a missing group is not an error")
	})

	t.Run(name+"/Quarantine", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		for i := range 3 {
			q := event.QuarantinedMessage{
				SourceType:    "forseti",
				MessageID:     fmt.Sprintf("m%d", i),
				Payload:       []byte("{"),
				Reason:        event.ReasonParse,
				ErrorMessage:  "unexpected EOF",
				QuarantinedAt: t0.Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, s.Quarantine(ctx, q))
		}

		all, err := s.ListQuarantine(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "m2", all[0].MessageID, "newest first")
		assert.NotZero(t, all[0].ID)
		assert.Equal(t, []byte("{"), all[0].Payload)

		limited, err := s.ListQuarantine(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Close())

		_, err := s.Get(ctx, store.Key{SourceType: "a", Fingerprint: "b"})
		assert.ErrorIs(t, err, store.ErrStoreClosed)
		err = s.Save(ctx, store.NewGroup(record("e1", "a", "b", "o", t0), t0))
		assert.ErrorIs(t, err, store.ErrStoreClosed)
		assert.NoError(t, s.Close(), "Close is idempotent")
	})
}

func TestMemoryStore(t *testing.T) {
	storeContractTest(t, "MemoryStore", func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	storeContractTest(t, "SQLiteStore", func(t *testing.T) store.Store {
		s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "comet.db"))
		require.NoError(t, err)
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("COMET_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COMET_TEST_POSTGRES_DSN not set")
	}

	storeContractTest(t, "PostgresStore", func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := store.NewPostgresStore(ctx, store.PostgresConfig{DSN: dsn})
		require.NoError(t, err)

		// Each subtest starts from empty tables.
		cleanup, err := store.NewPostgresStore(ctx, store.PostgresConfig{DSN: dsn})
		require.NoError(t, err)
		require.NoError(t, cleanup.Truncate(ctx))
		require.NoError(t, cleanup.Close())
		return s
	})
}

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "comet.db")

	s1, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	g := store.NewGroup(record("e1", "forseti", "F1", "a@example.com", t0), t0)
	g.Deadline = t0.Add(2 * time.Minute)
	require.NoError(t, s1.Save(ctx, g))
	require.NoError(t, s1.Close())

	s2, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	loaded, err := s2.Get(ctx, g.Key)
	require.NoError(t, err)
	assert.True(t, g.Deadline.Equal(loaded.Deadline))
	assert.Len(t, loaded.Members, 1)
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := store.NewSQLiteStore("/nonexistent/path/comet.db")
	assert.Error(t, err)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	g := store.NewGroup(record("e1", "forseti", "F1", "a@example.com", t0), t0)
	require.NoError(t, s.Save(ctx, g))
	_, err = s.Get(ctx, g.Key)
	require.NoError(t, err)
}

func TestMemoryStore_Concurrent(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := store.NewGroup(record(fmt.Sprintf("e%d", i), "forseti", fmt.Sprintf("F%d", i%5), "o", t0), t0)
			_ = s.Save(ctx, g)
			_, _ = s.Get(ctx, g.Key)
			_, _ = s.List(ctx, store.Filter{})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, s.Len())
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	g := store.NewGroup(record("e1", "forseti", "F1", "a@example.com", t0), t0)
	require.NoError(t, s.Save(ctx, g))

	loaded, err := s.Get(ctx, g.Key)
	require.NoError(t, err)
	loaded.State = store.StateRouted
	loaded.Members[0].Metadata["resource"] = "mutated"

	again, err := s.Get(ctx, g.Key)
	require.NoError(t, err)
	assert.Equal(t, store.StateCollecting, again.State)
	assert.Equal(t, "res-e1", again.Members[0].Metadata["resource"])
}

func TestGroupHelpers(t *testing.T) {
	g := store.NewGroup(record("e1", "forseti", "F1", "a@example.com", t0), t0)
	assert.True(t, g.HasDelivery("delivery-e1"))
	assert.False(t, g.HasDelivery(""))
	assert.Equal(t, "forseti/F1", g.Key.String())
	assert.True(t, store.StateResolved.Closed())
	assert.True(t, store.StateEscalated.Closed())
	assert.False(t, store.StateRouted.Closed())
	assert.False(t, store.State("BOGUS").Valid())
}
