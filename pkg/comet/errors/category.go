// Package errors classifies delivery failures and retries them.
//
// Routing and escalation calls fail for reasons ranging from a flapping
// relay to a rejected recipient. Transient failures are retried within a
// cycle with exponential backoff; permanent ones end the cycle at once.
// Either way the engine tries again on its next retry cycle, so
// classification only decides how hard to push right now.
package errors

import (
	"context"
	"errors"
)

// Category says whether retrying a failure can help.
type Category int

const (
	// CategoryTransient failures may succeed when retried.
	CategoryTransient Category = iota
	// CategoryPermanent failures will fail again the same way.
	CategoryPermanent
)

var categoryNames = map[Category]string{
	CategoryTransient: "transient",
	CategoryPermanent: "permanent",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// ClassifiedError pins a category onto an error, overriding Categorize.
type ClassifiedError struct {
	Err      error
	Category Category
	Op       string
}

func (e *ClassifiedError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error, op string) error {
	return &ClassifiedError{Err: err, Category: CategoryTransient, Op: op}
}

// Permanent marks err as not retryable.
func Permanent(err error, op string) error {
	return &ClassifiedError{Err: err, Category: CategoryPermanent, Op: op}
}

// classifiers run in order; the first that recognizes err decides.
var classifiers = []func(error) (Category, bool){
	func(err error) (Category, bool) {
		var c *ClassifiedError
		if errors.As(err, &c) {
			return c.Category, true
		}
		return 0, false
	},
	func(err error) (Category, bool) {
		return CategoryPermanent, errors.Is(err, context.Canceled)
	},
	func(err error) (Category, bool) {
		var h *HTTPError
		if !errors.As(err, &h) {
			return 0, false
		}
		if h.StatusCode == 429 || h.StatusCode >= 500 {
			return CategoryTransient, true
		}
		return CategoryPermanent, true
	},
	func(err error) (Category, bool) {
		var r *RecipientError
		return CategoryPermanent, errors.As(err, &r)
	},
}

// Categorize classifies err. Errors nobody recognizes are transient:
// notification transports rarely say why they failed. A nil error is
// permanent so that it is never retried.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}
	for _, classify := range classifiers {
		if c, ok := classify(err); ok {
			return c
		}
	}
	return CategoryTransient
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return err != nil && Categorize(err) == CategoryTransient
}
