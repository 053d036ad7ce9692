package errors

import (
	"fmt"
	"time"
)

// HTTPError is a non-2xx answer from a notification endpoint. 429 and
// 5xx are transient; every other status is permanent.
type HTTPError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s answered %d", e.Endpoint, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// TimeoutError is a delivery attempt that ran out of time.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// RecipientError is a recipient the channel refuses to deliver to.
type RecipientError struct {
	Recipient string
	Reason    string
}

func (e *RecipientError) Error() string {
	return fmt.Sprintf("recipient %q rejected: %s", e.Recipient, e.Reason)
}
