package engine

import (
	"context"
	"errors"
	"time"

	"github.com/thaitype/serverless-rate-limiter/internal/config"
	"github.com/thaitype/serverless-rate-limiter/internal/providers"
)

// Backoff is a bounded exponential retry policy. Attempt n (1-based) waits
// BaseDelay*2^(n-1), capped at MaxDelay, before attempt n+1.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// BackoffFromConfig converts the retry section of the app config.
func BackoffFromConfig(cfg config.RetryConfig) Backoff {
	return Backoff{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay}
}

// Do calls fn until it succeeds, returns a permanent error, attempts run out,
// or ctx is done. Each attempt gets its own timeout when timeout > 0. It
// returns the number of attempts made and the last error.
func (b Backoff) Do(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) (int, error) {
	limit := b.MaxAttempts
	if limit < 1 {
		limit = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = callWithTimeout(ctx, timeout, fn)
		if err == nil || permanent(err) || attempt >= limit {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, err
		}

		t := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, err
		case <-t.C:
		}
	}
}

// Budget is the longest Do can take when every attempt runs into timeout.
func (b Backoff) Budget(timeout time.Duration) time.Duration {
	limit := max(b.MaxAttempts, 1)
	total := time.Duration(limit) * timeout
	for attempt := 1; attempt < limit; attempt++ {
		total += b.delay(attempt)
	}
	return total
}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}

// permanent reports errors that no retry can fix.
func permanent(err error) bool {
	return errors.Is(err, providers.ErrForecastUnsupported) ||
		errors.Is(err, providers.ErrBaselineUnavailable) ||
		errors.Is(err, providers.ErrUnsupportedResource)
}
