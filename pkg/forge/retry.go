package forge

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgeworks/drover/pkg/config"
)

// WithRetry runs op with exponential backoff shaped by the api_retry config.
// Only transient errors (5xx, 429) are retried; auth and client errors
// surface immediately.
func WithRetry(ctx context.Context, cfg config.APIRetryConfig, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialDelay()
	policy.MaxInterval = cfg.MaxDelay()
	if cfg.ExponentialBase > 1 {
		policy.Multiplier = cfg.ExponentialBase
	}
	policy.MaxElapsedTime = 0 // bounded by retry count, not wall clock

	retries := uint64(0)
	if cfg.MaxRetries > 0 {
		retries = uint64(cfg.MaxRetries)
	}

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)
	return backoff.Retry(wrapped, b)
}

// Sleep pauses for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
