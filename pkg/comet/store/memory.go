package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/randalmurphal/comet/pkg/comet/event"
)

// MemoryStore is an in-memory group store for tests and single-shot runs.
// Data is lost when the process exits.
type MemoryStore struct {
	mu         sync.RWMutex
	groups     map[Key]*Group
	records    []storedRecord
	seen       map[string]struct{} // record IDs already in records
	quarantine []event.QuarantinedMessage
	nextQID    int64
	closed     bool
}

type storedRecord struct {
	rec        event.Record
	generation int64
}

// NewMemoryStore creates a new in-memory group store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups: make(map[Key]*Group),
		seen:   make(map[string]struct{}),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key Key) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	g, ok := m.groups[key]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	for _, rec := range g.Members {
		if _, ok := m.seen[rec.ID]; ok {
			continue
		}
		m.seen[rec.ID] = struct{}{}
		m.records = append(m.records, storedRecord{rec: rec.Clone(), generation: g.Generation})
	}
	m.groups[g.Key] = g.Clone()
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*Group, 0)
	for _, g := range m.groups {
		if !f.matches(g) {
			continue
		}
		c := *g
		c.Members = nil
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *Group) int {
		return cmp.Or(cmp.Compare(a.SourceType, b.SourceType), cmp.Compare(a.Fingerprint, b.Fingerprint))
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.groups, key)
	m.records = slices.DeleteFunc(m.records, func(s storedRecord) bool {
		if KeyOf(s.rec) == key {
			delete(m.seen, s.rec.ID)
			return true
		}
		return false
	})
	return nil
}

// ListRecords implements Store.
func (m *MemoryStore) ListRecords(_ context.Context, f RecordFilter) ([]event.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]event.Record, 0)
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i].rec
		if f.Owner != "" && rec.Owner != f.Owner {
			continue
		}
		if f.SourceType != "" && rec.SourceType != f.SourceType {
			continue
		}
		out = append(out, rec.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Quarantine implements Store.
func (m *MemoryStore) Quarantine(_ context.Context, msg event.QuarantinedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.nextQID++
	msg.ID = m.nextQID
	msg.Payload = append([]byte(nil), msg.Payload...)
	m.quarantine = append(m.quarantine, msg)
	return nil
}

// ListQuarantine implements Store.
func (m *MemoryStore) ListQuarantine(_ context.Context, limit int) ([]event.QuarantinedMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]event.QuarantinedMessage, 0, len(m.quarantine))
	for i := len(m.quarantine) - 1; i >= 0; i-- {
		out = append(out, m.quarantine[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of groups stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
