package ledger

import (
	"context"
	"time"

	"fuelledger/pkg/logger"
)

// RetryOnConflict runs fn up to attempts times while it fails with a
// concurrent mutation. Each retry waits backoff*attempt. Other errors are
// returned immediately.
func RetryOnConflict(ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsConcurrentMutation(err) || attempt == attempts {
			return err
		}

		logger.Debug(ctx, "retrying ledger mutation after conflict",
			"attempt", attempt,
			"error", err,
		)

		timer := time.NewTimer(backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
