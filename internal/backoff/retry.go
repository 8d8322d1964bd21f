package backoff

import (
	"context"
)

// Retry executes op, retrying on failures that classify reports as
// retryable, sleeping a jittered exponential delay between attempts.
// A nil classify defaults to Retryable. The final error is returned
// unchanged; it is never wrapped.
func Retry(ctx context.Context, policy Policy, classify func(error) bool, op func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, policy, classify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// RetryValue is Retry for operations that produce a result.
//
// The attempt counter is 1-indexed. After a failure on attempt n the loop
// sleeps for the policy's jittered delay at n, so delays grow as
// base, 2*base, 4*base, ... capped at MaxDelay. Once n exceeds MaxRetries
// the last error is returned.
func RetryValue[T any](ctx context.Context, policy Policy, classify func(error) bool, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if classify == nil {
		classify = Retryable
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if !classify(err) || attempt > policy.MaxRetries {
			return zero, err
		}
		if serr := Sleep(ctx, policy, attempt); serr != nil {
			return zero, serr
		}
	}
}
