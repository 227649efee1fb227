package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"vitalwatch/internal/metrics"
)

func TestRetryPolicyGrowsAndCaps(t *testing.T) {
	b := newRetryPolicy(context.Background(), 100*time.Millisecond, 400*time.Millisecond, 5)
	b.Reset()

	want := []time.Duration{100, 200, 400, 400, 400}
	for i, base := range want {
		base *= time.Millisecond
		d := b.NextBackOff()
		lo, hi := time.Duration(float64(base)*(1-retryJitter)), time.Duration(float64(base)*(1+retryJitter))
		if d < lo || d > hi {
			t.Errorf("step %d: %v outside [%v, %v]", i, d, lo, hi)
		}
	}
}

func TestWithRetryStopsAfterBudget(t *testing.T) {
	pool := NewPool(Config{MaxRetries: 3, RetryBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	defer pool.cancel()
	sink := newMockSink("retry-budget")

	before := testutil.ToFloat64(metrics.PublishRetries.WithLabelValues(sink.Name()))
	calls := 0
	err := pool.withRetry(sink, func(context.Context) error {
		calls++
		return errors.New("unavailable")
	})

	if err == nil {
		t.Fatal("expected an error once the budget is spent")
	}
	if calls != 4 {
		t.Errorf("expected 1 attempt + 3 retries, got %d calls", calls)
	}
	if got := testutil.ToFloat64(metrics.PublishRetries.WithLabelValues(sink.Name())) - before; got != 3 {
		t.Errorf("expected 3 retries counted, got %v", got)
	}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	pool := NewPool(Config{MaxRetries: 3, RetryBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	defer pool.cancel()

	calls := 0
	err := pool.withRetry(newMockSink("flaky"), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	pool := NewPool(Config{MaxRetries: 10, RetryBackoff: time.Hour, MaxBackoff: time.Hour})

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- pool.withRetry(newMockSink("cancelled"), func(context.Context) error {
			calls++
			return errors.New("unavailable")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	pool.cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("withRetry kept waiting after the pool was cancelled")
	}
	if calls != 1 {
		t.Errorf("expected a single attempt before cancel, got %d", calls)
	}
}
