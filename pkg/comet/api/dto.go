package api

import (
	"fmt"
	"time"

	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

// GroupResponse is a group without its member payloads.
type GroupResponse struct {
	SourceType        string    `json:"source_type"`
	Fingerprint       string    `json:"fingerprint"`
	Generation        int64     `json:"generation"`
	State             string    `json:"state"`
	Owner             string    `json:"owner"`
	Members           int       `json:"members"`
	DispatchedCount   int       `json:"dispatched_count"`
	DispatchAttempts  int       `json:"dispatch_attempts"`
	LastError         string    `json:"last_error,omitempty"`
	EscalationPending bool      `json:"escalation_pending"`
	Deadline          time.Time `json:"deadline,omitzero"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	RoutedAt          time.Time `json:"routed_at,omitzero"`
	EscalatedAt       time.Time `json:"escalated_at,omitzero"`
	ResolvedAt        time.Time `json:"resolved_at,omitzero"`
}

// GroupDetailResponse adds the members of the current generation.
type GroupDetailResponse struct {
	GroupResponse
	Events []EventResponse `json:"events"`
}

// EventResponse is a record as shown to its owner.
type EventResponse struct {
	ID          string         `json:"id"`
	SourceType  string         `json:"source_type"`
	Fingerprint string         `json:"fingerprint"`
	Owner       string         `json:"owner"`
	Details     string         `json:"details"`
	ReceivedAt  time.Time      `json:"received_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// AcknowledgeRequest names the group generation being acknowledged.
// Generation 0 means the current one.
type AcknowledgeRequest struct {
	SourceType  string `json:"source_type" binding:"required"`
	Fingerprint string `json:"fingerprint" binding:"required"`
	Generation  int64  `json:"generation"`
}

// AcknowledgeResponse reports whether the group changed state.
type AcknowledgeResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// ToGroupResponse converts a store group.
func ToGroupResponse(g *store.Group) GroupResponse {
	return GroupResponse{
		SourceType:        g.SourceType,
		Fingerprint:       g.Fingerprint,
		Generation:        g.Generation,
		State:             string(g.State),
		Owner:             g.Owner,
		Members:           len(g.Members),
		DispatchedCount:   g.DispatchedCount,
		DispatchAttempts:  g.DispatchAttempts,
		LastError:         g.LastError,
		EscalationPending: g.EscalationPending,
		Deadline:          g.Deadline,
		CreatedAt:         g.CreatedAt,
		UpdatedAt:         g.UpdatedAt,
		RoutedAt:          g.RoutedAt,
		EscalatedAt:       g.EscalatedAt,
		ResolvedAt:        g.ResolvedAt,
	}
}

// ToEventResponse converts a record and renders its details line.
func ToEventResponse(r event.Record) EventResponse {
	return EventResponse{
		ID:          r.ID,
		SourceType:  r.SourceType,
		Fingerprint: r.Fingerprint,
		Owner:       r.Owner,
		Details:     Details(r),
		ReceivedAt:  r.ReceivedAt,
		Metadata:    r.Metadata,
	}
}

// Details renders the one-line summary shown to owners from the
// readable metadata fields hydrators provide.
func Details(r event.Record) string {
	return fmt.Sprintf("%s alert for owner %s: %s has the following issue: %s",
		metaString(r.Metadata, "source_readable"),
		r.Owner,
		metaString(r.Metadata, "resource_readable"),
		metaString(r.Metadata, "issue_type_readable"),
	)
}

func metaString(md map[string]any, key string) string {
	v, ok := md[key]
	if !ok || v == nil {
		return "unknown"
	}
	return fmt.Sprint(v)
}
