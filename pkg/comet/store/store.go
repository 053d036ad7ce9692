// Package store persists fingerprint groups and quarantined messages.
package store

import (
	"context"
	"errors"

	"github.com/randalmurphal/comet/pkg/comet/event"
)

// Store persists groups for crash recovery and inspection.
// Implementations must be safe for concurrent use. Per-key ordering is the
// caller's responsibility: the engine serializes writes to one Key.
type Store interface {
	// Get returns the group for key with the members of its current
	// generation. Returns ErrNotFound if the group doesn't exist.
	Get(ctx context.Context, key Key) (*Group, error)

	// Save writes the group and any members not yet persisted.
	// Members are append-only: a saved member is never rewritten.
	Save(ctx context.Context, g *Group) error

	// List returns groups matching f, ordered by source type and
	// fingerprint. Members are not loaded.
	List(ctx context.Context, f Filter) ([]*Group, error)

	// Delete removes a group and all its members.
	// Returns nil if the group doesn't exist.
	Delete(ctx context.Context, key Key) error

	// ListRecords returns stored records across all generations,
	// newest first.
	ListRecords(ctx context.Context, f RecordFilter) ([]event.Record, error)

	// Quarantine stores a message that could not be ingested.
	Quarantine(ctx context.Context, msg event.QuarantinedMessage) error

	// ListQuarantine returns quarantined messages, newest first.
	ListQuarantine(ctx context.Context, limit int) ([]event.QuarantinedMessage, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Filter selects groups in List. Zero fields match everything.
type Filter struct {
	SourceType string
	Owner      string
	States     []State
	Limit      int
}

func (f Filter) matches(g *Group) bool {
	if f.SourceType != "" && g.SourceType != f.SourceType {
		return false
	}
	if f.Owner != "" && g.Owner != f.Owner {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if g.State == s {
			return true
		}
	}
	return false
}

// RecordFilter selects records in ListRecords. Zero fields match everything.
type RecordFilter struct {
	Owner      string
	SourceType string
	Limit      int
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a group doesn't exist.
	ErrNotFound = errors.New("group not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("group store closed")
)
