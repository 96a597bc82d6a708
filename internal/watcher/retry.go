package watcher

import (
	"context"
	"time"

	"ticketflow/internal/outbox"
)

// maxRetryDelay caps the delay between RPC retries; a provider outage should
// not park the watcher for minutes between probes.
const maxRetryDelay = 30 * time.Second

// withRetry runs fn up to maxRetries+1 times with exponential backoff,
// returning the last error once the attempts are spent.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries {
			return err
		}

		timer := time.NewTimer(outbox.Backoff(baseDelay, maxRetryDelay, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
