package session

import (
	"context"
	"fmt"
	"time"
)

var errGatewayTimeout = fmt.Errorf("auth gateway did not answer in time: %w", context.DeadlineExceeded)

// callWithTimeout waits for fn, the timeout or ctx, whichever comes first.
// A call that loses the race has its context cancelled and its result
// dropped, so a late answer can never be committed.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn(callCtx)
		done <- result{value: value, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		return zero, errGatewayTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
