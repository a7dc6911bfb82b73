// Package job holds queue policies shared by the dispatcher and the job runners:
// message retry backoff, lease resolution, and wake-up fan-out.
package job

import (
	"errors"
	"math"
	"time"
)

const (
	// MinBackoffBase is the smallest first retry delay the policy accepts.
	// Every computed retry lands strictly later than now + 4 minutes.
	MinBackoffBase = 5 * time.Minute

	DefaultBackoffFactor = 2.0
	DefaultBackoffMax    = 6 * time.Hour
)

// ErrBackoffMaxBelowBase is returned when the configured ceiling is smaller than the base delay.
var ErrBackoffMaxBelowBase = errors.New("backoff max must not be below base")

// BackoffOptions configures a Backoff.
type BackoffOptions struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	// MaxAttempts caps transient failures per message; 0 means unlimited.
	MaxAttempts int
}

// Backoff computes the next dispatch time for a message after a transient failure.
// The delay for attempt n is Base * Factor^(n-1), capped at Max.
type Backoff struct {
	base        time.Duration
	factor      float64
	max         time.Duration
	maxAttempts int
}

// NewBackoff validates options and applies defaults. Base is raised to MinBackoffBase.
func NewBackoff(opts BackoffOptions) (*Backoff, error) {
	base := opts.Base
	if base < MinBackoffBase {
		base = MinBackoffBase
	}
	factor := opts.Factor
	if factor < 1 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		factor = DefaultBackoffFactor
	}
	maxDelay := opts.Max
	if maxDelay == 0 {
		maxDelay = DefaultBackoffMax
	}
	if maxDelay < base {
		return nil, ErrBackoffMaxBelowBase
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &Backoff{base: base, factor: factor, max: maxDelay, maxAttempts: maxAttempts}, nil
}

// DefaultBackoff returns the policy with default settings.
func DefaultBackoff() *Backoff {
	return &Backoff{base: MinBackoffBase, factor: DefaultBackoffFactor, max: DefaultBackoffMax}
}

// Delay returns the retry delay for the given 1-based attempt number.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.base) * math.Pow(b.factor, float64(attempt-1))
	if math.IsInf(d, 0) || d >= float64(b.max) {
		return b.max
	}
	return time.Duration(d)
}

// Next returns the time a message that just failed for the attempt-th time may be retried.
func (b *Backoff) Next(attempt int, now time.Time) time.Time {
	return now.Add(b.Delay(attempt))
}

// Exhausted reports whether a message that has failed attempt times should stop retrying.
func (b *Backoff) Exhausted(attempt int) bool {
	return b.maxAttempts > 0 && attempt >= b.maxAttempts
}

// MaxAttempts returns the configured attempt cap (0 means unlimited).
func (b *Backoff) MaxAttempts() int {
	return b.maxAttempts
}
