package agent

import (
	"context"
	"errors"
	"time"
)

// Policy bounds one retry group.
type Policy struct {
	// Attempts is the maximum number of calls; values below 1 mean 1.
	Attempts int
	// Backoff is the pause before retry n, multiplied by n. Zero retries
	// immediately.
	Backoff time.Duration
}

// Attempt is one call of a retried operation. It returns the tokens the call
// consumed even when it fails. Its Requests count is ignored: Retry counts
// one request per attempt it makes.
type Attempt[T any] func(ctx context.Context) (T, Usage, error)

// Retry runs op up to policy.Attempts times. The accumulator's request
// counter is reset before the first attempt and then counts the attempts
// made; every attempt's tokens are merged into it.
//
// ok is false with a nil error when the attempts are exhausted on retryable
// failures or the operation reported ErrUsageLimitExceeded; callers treat
// that as "no result". Any other error is returned at once.
func Retry[T any](ctx context.Context, acc *Accumulator, policy Policy, op Attempt[T]) (result T, ok bool, err error) {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	acc.ResetRequests()

	for attempt := 1; ; attempt++ {
		out, usage, err := op(ctx)
		usage.Requests = 1
		acc.Add(usage)

		switch {
		case err == nil:
			return out, true, nil
		case errors.Is(err, ErrUsageLimitExceeded):
			return result, false, nil
		case !IsRetryable(err):
			return result, false, err
		case attempt >= attempts:
			return result, false, nil
		}

		if policy.Backoff > 0 {
			timer := time.NewTimer(policy.Backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, false, ctx.Err()
			case <-timer.C:
			}
		}
	}
}
