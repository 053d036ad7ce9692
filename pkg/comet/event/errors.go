package event

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingFingerprint is returned when a hydrator leaves the fingerprint empty.
	ErrMissingFingerprint = errors.New("hydrator produced no fingerprint")

	// ErrMissingOwner is returned when a hydrator leaves the owner empty.
	ErrMissingOwner = errors.New("hydrator produced no owner")

	// ErrUnknownSource is returned for a source type nobody registered.
	ErrUnknownSource = errors.New("unknown source type")

	// ErrRegistrySealed is returned when registering after Seal.
	ErrRegistrySealed = errors.New("registry is sealed")
)

// ParseError is a malformed raw message.
type ParseError struct {
	SourceType string
	MessageID  string
	Err        error
}

// Error implements error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s message %q: %v", e.SourceType, e.MessageID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// HydrationError is a hydrator failure or an incomplete enrichment.
type HydrationError struct {
	SourceType string
	MessageID  string
	Err        error
}

// Error implements error interface.
func (e *HydrationError) Error() string {
	return fmt.Sprintf("hydrate %s message %q: %v", e.SourceType, e.MessageID, e.Err)
}

// Unwrap returns the underlying error.
func (e *HydrationError) Unwrap() error {
	return e.Err
}

// Quarantine reasons.
const (
	ReasonUnknownSource = "unknown_source"
	ReasonParse         = "parse_error"
	ReasonHydration     = "hydration_error"
)

// QuarantinedMessage is a raw message that can never be ingested,
// kept with the reason for operator review.
type QuarantinedMessage struct {
	ID            int64     `json:"id"`
	SourceType    string    `json:"source_type"`
	MessageID     string    `json:"message_id,omitempty"`
	Payload       []byte    `json:"payload"`
	Reason        string    `json:"reason"`
	ErrorMessage  string    `json:"error_message"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// NewQuarantinedMessage classifies err and captures raw for review.
func NewQuarantinedMessage(raw RawMessage, err error, at time.Time) QuarantinedMessage {
	return QuarantinedMessage{
		SourceType:    raw.SourceType,
		MessageID:     raw.ID,
		Payload:       append([]byte(nil), raw.Payload...),
		Reason:        Reason(err),
		ErrorMessage:  err.Error(),
		QuarantinedAt: at.UTC(),
	}
}

// Reason maps an ingestion error to its quarantine reason.
func Reason(err error) string {
	var parseErr *ParseError
	var hydrationErr *HydrationError
	switch {
	case errors.Is(err, ErrUnknownSource):
		return ReasonUnknownSource
	case errors.As(err, &parseErr):
		return ReasonParse
	case errors.As(err, &hydrationErr):
		return ReasonHydration
	default:
		return "unknown"
	}
}
