package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"vitalwatch/internal/metrics"
)

// retryJitter is the randomization factor applied to each backoff interval.
const retryJitter = 0.25

// newRetryPolicy returns exponential backoff from initial up to max,
// giving up after maxRetries retries or when ctx is done.
func newRetryPolicy(ctx context.Context, initial, max time.Duration, maxRetries int) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = retryJitter
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}

// withRetry runs fn until it succeeds, the retry budget is spent, or the
// pool is cancelled. Each call gets its own publish timeout.
func (p *Pool) withRetry(sink Sink, fn func(ctx context.Context) error) error {
	op := func() error {
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		defer cancel()
		err := fn(ctx)
		if err != nil && p.ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(error, time.Duration) {
		metrics.PublishRetries.WithLabelValues(sink.Name()).Inc()
	}
	return backoff.RetryNotify(op, newRetryPolicy(p.ctx, p.retryBackoff, p.maxBackoff, p.maxRetries), notify)
}
