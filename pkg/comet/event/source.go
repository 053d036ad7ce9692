package event

import (
	"fmt"
	"time"
)

// Parser decodes and validates a raw payload.
type Parser interface {
	Parse(raw RawMessage) (Message, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(raw RawMessage) (Message, error)

// Parse calls f.
func (f ParserFunc) Parse(raw RawMessage) (Message, error) { return f(raw) }

// Hydrator derives owner, fingerprint and metadata from a Message.
// Implementations must be deterministic and free of side effects.
type Hydrator interface {
	Hydrate(msg Message) (Enrichment, error)
}

// HydratorFunc adapts a function to Hydrator.
type HydratorFunc func(msg Message) (Enrichment, error)

// Hydrate calls f.
func (f HydratorFunc) Hydrate(msg Message) (Enrichment, error) { return f(msg) }

// Settings are the per-source timing knobs. Zero values mean dispatch
// immediately, never escalate and reopen without cooldown.
type Settings struct {
	// WaitForMore is how long a group keeps collecting after its most
	// recent event before it is dispatched.
	WaitForMore time.Duration `json:"wait_for_more" yaml:"wait_for_more"`

	// EscalateAfter is the SLA after dispatch before an unacknowledged
	// group is escalated.
	EscalateAfter time.Duration `json:"escalate_after" yaml:"escalate_after"`

	// ReopenCooldown keeps a resolved group closed for this long. Events
	// arriving inside the cooldown are retained without reopening.
	ReopenCooldown time.Duration `json:"reopen_cooldown" yaml:"reopen_cooldown"`
}

// Validate rejects negative durations.
func (s Settings) Validate() error {
	if s.WaitForMore < 0 {
		return fmt.Errorf("wait_for_more must not be negative: %s", s.WaitForMore)
	}
	if s.EscalateAfter < 0 {
		return fmt.Errorf("escalate_after must not be negative: %s", s.EscalateAfter)
	}
	if s.ReopenCooldown < 0 {
		return fmt.Errorf("reopen_cooldown must not be negative: %s", s.ReopenCooldown)
	}
	return nil
}

// Source binds a source type to its parser, hydrator and settings.
type Source struct {
	Type     string
	Parser   Parser
	Hydrator Hydrator
	Settings Settings
}

// Validate checks that the source is complete.
func (s Source) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("source type is required")
	}
	if s.Parser == nil {
		return fmt.Errorf("source %q: parser is required", s.Type)
	}
	if s.Hydrator == nil {
		return fmt.Errorf("source %q: hydrator is required", s.Type)
	}
	if err := s.Settings.Validate(); err != nil {
		return fmt.Errorf("source %q: %w", s.Type, err)
	}
	return nil
}

// Decode parses and hydrates raw into a Record. A panicking parser is
// reported as a ParseError and a panicking hydrator as a HydrationError.
func (s Source) Decode(raw RawMessage, receivedAt time.Time) (rec Record, err error) {
	parsed := false
	defer func() {
		if r := recover(); r != nil {
			rec = Record{}
			if !parsed {
				err = &ParseError{SourceType: raw.SourceType, MessageID: raw.ID, Err: fmt.Errorf("parser panic: %v", r)}
				return
			}
			err = &HydrationError{SourceType: raw.SourceType, MessageID: raw.ID, Err: fmt.Errorf("hydrator panic: %v", r)}
		}
	}()

	msg, err := s.Parser.Parse(raw)
	if err != nil {
		return Record{}, &ParseError{SourceType: raw.SourceType, MessageID: raw.ID, Err: err}
	}
	msg.SourceType = raw.SourceType
	parsed = true

	enr, err := s.Hydrator.Hydrate(msg)
	if err != nil {
		return Record{}, &HydrationError{SourceType: raw.SourceType, MessageID: raw.ID, Err: err}
	}
	if enr.Fingerprint == "" {
		return Record{}, &HydrationError{SourceType: raw.SourceType, MessageID: raw.ID, Err: ErrMissingFingerprint}
	}
	if enr.Owner == "" {
		return Record{}, &HydrationError{SourceType: raw.SourceType, MessageID: raw.ID, Err: ErrMissingOwner}
	}
	return NewRecord(raw, msg, enr, receivedAt), nil
}
