package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Retrying wraps a CompletionService with bounded retries on transient
// errors (timeout, network, rate limit) using linear backoff. Permanent
// errors (auth, unknown) fail immediately.
type Retrying struct {
	inner      CompletionService
	maxRetries int
	backoff    time.Duration
	sleep      func(context.Context, time.Duration) error
}

// RetryOption configures a Retrying wrapper.
type RetryOption func(*Retrying)

// WithSleeper replaces the backoff sleeper, for tests.
func WithSleeper(sleep func(context.Context, time.Duration) error) RetryOption {
	return func(r *Retrying) { r.sleep = sleep }
}

// NewRetrying wraps svc. maxRetries counts additional attempts after the
// first; backoff grows linearly per attempt.
func NewRetrying(svc CompletionService, maxRetries int, backoff time.Duration, opts ...RetryOption) *Retrying {
	if maxRetries < 0 {
		maxRetries = 0
	}
	r := &Retrying{
		inner:      svc,
		maxRetries: maxRetries,
		backoff:    backoff,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Complete attempts the call up to 1+maxRetries times.
func (r *Retrying) Complete(ctx context.Context, req *CompletionRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * r.backoff
			log.Debug().
				Int("attempt", attempt).
				Dur("backoff", wait).
				Str("kind", string(KindOf(lastErr))).
				Msg("retrying completion call")
			if err := r.sleep(ctx, wait); err != nil {
				return "", lastErr
			}
		}

		text, err := r.inner.Complete(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
