package store

import (
	"slices"
	"time"

	"github.com/randalmurphal/comet/pkg/comet/event"
)

// State is the lifecycle state of a group generation.
type State string

// Group states. Within one generation a group only moves forward:
// COLLECTING, READY, ROUTED, then ESCALATED or RESOLVED.
const (
	StateCollecting State = "COLLECTING"
	StateReady      State = "READY"
	StateRouted     State = "ROUTED"
	StateEscalated  State = "ESCALATED"
	StateResolved   State = "RESOLVED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateCollecting, StateReady, StateRouted, StateEscalated, StateResolved}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(AllStates, s)
}

// Closed reports whether a new event reopens the group into a new
// generation instead of joining it.
func (s State) Closed() bool {
	return s == StateEscalated || s == StateResolved
}

// Key identifies a group.
type Key struct {
	SourceType  string `json:"source_type"`
	Fingerprint string `json:"fingerprint"`
}

// String returns "source_type/fingerprint".
func (k Key) String() string {
	return k.SourceType + "/" + k.Fingerprint
}

// KeyOf returns the group key of a record.
func KeyOf(r event.Record) Key {
	return Key{SourceType: r.SourceType, Fingerprint: r.Fingerprint}
}

// Group accumulates the records of one issue.
type Group struct {
	Key

	// Generation starts at 1 and is bumped on every reopening.
	Generation int64 `json:"generation"`

	State State `json:"state"`

	// Members of the current generation, in arrival order.
	Members []event.Record `json:"members,omitempty"`

	// Deadline is the end of the wait window. Non-zero only while
	// COLLECTING.
	Deadline time.Time `json:"deadline,omitzero"`

	// Owner is the owner of the most recent member.
	Owner string `json:"owner"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	RoutedAt    time.Time `json:"routed_at,omitzero"`
	EscalatedAt time.Time `json:"escalated_at,omitzero"`
	ResolvedAt  time.Time `json:"resolved_at,omitzero"`

	// RetryAt is when a READY group whose dispatch failed is retried.
	RetryAt time.Time `json:"retry_at,omitzero"`

	DispatchAttempts int    `json:"dispatch_attempts"`
	LastError        string `json:"last_error,omitempty"`

	// DispatchedCount is the number of members included in the dispatch.
	DispatchedCount int `json:"dispatched_count"`

	// EscalationPending marks an escalation call in flight.
	EscalationPending bool `json:"escalation_pending"`
}

// NewGroup starts generation 1 of a group with rec as its only member.
func NewGroup(rec event.Record, now time.Time) *Group {
	return &Group{
		Key:        KeyOf(rec),
		Generation: 1,
		State:      StateCollecting,
		Members:    []event.Record{rec},
		Owner:      rec.Owner,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Reopen starts the next generation with rec as its only member.
func (g *Group) Reopen(rec event.Record, now time.Time) {
	g.Generation++
	g.State = StateCollecting
	g.Members = []event.Record{rec}
	g.Owner = rec.Owner
	g.Deadline = time.Time{}
	g.RoutedAt = time.Time{}
	g.EscalatedAt = time.Time{}
	g.ResolvedAt = time.Time{}
	g.RetryAt = time.Time{}
	g.DispatchAttempts = 0
	g.DispatchedCount = 0
	g.LastError = ""
	g.EscalationPending = false
	g.UpdatedAt = now
}

// Append adds rec as a member of the current generation.
func (g *Group) Append(rec event.Record, now time.Time) {
	g.Members = append(g.Members, rec)
	g.Owner = rec.Owner
	g.UpdatedAt = now
}

// HasDelivery reports whether a member came from the delivery id.
func (g *Group) HasDelivery(id string) bool {
	if id == "" {
		return false
	}
	return slices.ContainsFunc(g.Members, func(r event.Record) bool {
		return r.DeliveryID == id
	})
}

// Clone returns a copy whose members can be handed out safely.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	c := *g
	c.Members = event.CloneAll(g.Members)
	return &c
}
