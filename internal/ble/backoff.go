package ble

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// backoffUnit is the base delay; tests shrink it.
var backoffUnit = time.Second

// BackoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func BackoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * backoffUnit
	max := time.Duration(maxSeconds) * backoffUnit
	if delay > max {
		return max
	}
	return delay
}

// RetryWithBackoff calls fn until it returns nil or ctx is done. The first
// attempt runs immediately; later attempts wait BackoffDelay between tries.
// It returns ctx.Err() if it gives up.
func RetryWithBackoff(ctx context.Context, maxSeconds int, log logr.Logger, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := BackoffDelay(attempt-1, maxSeconds)
			log.Info("[BLE] retry backoff", "attempt", attempt+1, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Info("[BLE] attempt failed", "error", err.Error(), "attempt", attempt+1)
	}
}
