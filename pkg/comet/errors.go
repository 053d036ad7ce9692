package comet

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

// Ingestion failures that quarantine the message.
type (
	ParseError     = event.ParseError
	HydrationError = event.HydrationError
)

var (
	// ErrUnknownSource is reported for messages of an unregistered source type.
	ErrUnknownSource = event.ErrUnknownSource

	// ErrInvalidConfig wraps every Build failure.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStateConflict marks a timer that fired against a superseded
	// deadline or generation. It is reconciled internally.
	ErrStateConflict = errors.New("state conflict")

	// ErrEngineRunning is returned by Start on a running engine.
	ErrEngineRunning = errors.New("engine already running")
)

// DispatchError is a routing cycle that exhausted its retries.
// The group stays READY and is retried on a later cycle.
type DispatchError struct {
	Key        store.Key
	Generation int64
	Attempts   int
	Err        error
}

// Error implements error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s generation %d failed after %d attempts: %v", e.Key, e.Generation, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// EscalationError is a failed escalation batch. The batch is retried on
// the next sweep.
type EscalationError struct {
	SourceType string
	Groups     int
	Err        error
}

// Error implements error interface.
func (e *EscalationError) Error() string {
	return fmt.Sprintf("escalate %d %s groups: %v", e.Groups, e.SourceType, e.Err)
}

// Unwrap returns the underlying error.
func (e *EscalationError) Unwrap() error {
	return e.Err
}

// StorageError is a group store failure. The operation that hit it did not
// take effect.
type StorageError struct {
	Op  string
	Key store.Key
	Err error
}

// Error implements error interface.
func (e *StorageError) Error() string {
	if e.Key == (store.Key{}) {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, key store.Key, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}
