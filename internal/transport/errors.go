// Package transport holds the delivery transports keyed by path type and the error
// classification the dispatcher uses to decide between rescheduling and failing a job.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// TransientError marks a send failure that may succeed later: timeouts, throttling,
// temporary upstream outages.
type TransientError struct {
	Err error
	// RetryAfter is the upstream's hint, zero when none was given.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err yields nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// TransientAfter wraps err as a TransientError carrying a retry hint.
func TransientAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, RetryAfter: max(after, 0)}
}

// IsTransient reports whether err is worth retrying: an explicit TransientError,
// a context deadline, or a network timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// RetryAfter returns the upstream retry hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var te *TransientError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}
