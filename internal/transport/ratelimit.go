package transport

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/target/dispatchd/internal/core"
	"github.com/target/dispatchd/internal/domain/model"
)

// RateLimited throttles sends to next with a token bucket.
type RateLimited struct {
	next    core.Transport
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a limiter of rps sends per second and the given burst.
// A non-positive rps disables limiting and returns next unchanged.
func NewRateLimited(next core.Transport, rps float64, burst int) core.Transport {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = max(int(rps), 1)
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Send waits for a token and forwards to the wrapped transport. Running out of time while
// waiting counts as a transient failure; cancellation is returned as is.
func (t *RateLimited) Send(ctx context.Context, msg *model.Message) error {
	if err := t.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return Transient(fmt.Errorf("rate limit wait: %w", err))
	}
	return t.next.Send(ctx, msg)
}
