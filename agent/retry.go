package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/dirsync/pkg/backoff"
	"github.com/haasonsaas/dirsync/pkg/client"
)

// retrier repeats a single call a bounded number of times while the
// server or network reports a retryable failure.
type retrier struct {
	policy     backoff.Policy
	maxRetries int
	sleep      func(context.Context, time.Duration) error
	logger     zerolog.Logger
}

func newRetrier(initialMs, maxMs, maxRetries int, logger zerolog.Logger) *retrier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retrier{
		policy:     backoff.NewPolicy(time.Duration(initialMs)*time.Millisecond, time.Duration(maxMs)*time.Millisecond),
		maxRetries: maxRetries,
		sleep:      sleepContext,
		logger:     logger,
	}
}

func (r *retrier) do(ctx context.Context, op string, fn func(context.Context) error) error {
	var attempt int
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !client.IsRetryable(err) {
			return err
		}
		delay := r.policy.Delay(attempt)
		if apiErr, ok := client.AsError(err); ok && !apiErr.RetryAfter.IsZero() {
			if wait := time.Until(apiErr.RetryAfter); wait > delay {
				// Honor the server's hint but never stall the loop on it.
				if wait > r.policy.Max {
					return err
				}
				delay = wait
			}
		}
		r.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("sleep", delay).Msg("Retrying operation")
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
		attempt++
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
