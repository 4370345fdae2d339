package sync

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/adamantium1987/digital-calendar/internal/model"
)

const (
	// defaultMaxAttempts is the number of tries before Retry gives up.
	defaultMaxAttempts = 3

	// defaultBaseDelay is the starting backoff interval (before jitter).
	defaultBaseDelay = 500 * time.Millisecond

	// defaultMaxDelay caps the backoff interval.
	defaultMaxDelay = 5 * time.Second
)

// RetryPolicy applies exponential backoff with jitter around one adapter
// call. Only [model.KindTransient] failures are retried; every other kind is
// returned on first sight.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns 3 attempts starting at 500ms, capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

// Do executes fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. The error of the final attempt is wrapped so that
// [model.KindOf] still classifies it.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if model.KindOf(lastErr) != model.KindTransient || model.IsCancellation(lastErr) {
			return lastErr
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(p.backoffDelay(attempt)):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// backoffDelay computes the delay for a given attempt index, applying
// exponential growth with 50-100 % jitter.
func (p RetryPolicy) backoffDelay(attempt int) time.Duration {
	base, ceiling := p.BaseDelay, p.MaxDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	if ceiling <= 0 {
		ceiling = defaultMaxDelay
	}
	delay := base << attempt
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}
	if delay < 2 {
		return delay
	}
	// Jitter: uniform in [delay/2, delay).
	jitter := time.Duration(rand.Int63n(int64(delay) / 2)) //nolint:gosec // jitter does not need crypto/rand
	return delay/2 + jitter
}
