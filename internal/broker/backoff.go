package broker

import (
	"context"
	"time"
)

// DefaultMaxAttempts is how many reconnects are tried before giving up.
const DefaultMaxAttempts = 10

// Backoff returns the delay before reconnect attempt n (1-based): 2^n seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// sleepCtx waits for d or until ctx is done.
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
