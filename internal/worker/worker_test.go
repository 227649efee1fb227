package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vitalwatch/internal/models"
	"vitalwatch/internal/overflow"
)

// mockSink records published events per patient.
type mockSink struct {
	name       string
	failBatch  bool
	failAll    atomic.Bool
	block      chan struct{}
	batchCalls atomic.Uint64
	published  atomic.Uint64

	mu        sync.Mutex
	byPatient map[string][]int
}

func newMockSink(name string) *mockSink {
	return &mockSink{name: name, byPatient: make(map[string][]int)}
}

func (m *mockSink) Name() string { return m.name }

func (m *mockSink) record(env *models.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPatient[env.Event.PatientID] = append(m.byPatient[env.Event.PatientID], env.Event.OccurrenceCount)
	m.published.Add(1)
}

func (m *mockSink) Publish(ctx context.Context, env *models.Envelope) error {
	if m.failAll.Load() {
		return errors.New("sink unavailable")
	}
	m.record(env)
	return nil
}

func (m *mockSink) PublishBatch(ctx context.Context, envs []*models.Envelope) error {
	m.batchCalls.Add(1)
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.failBatch || m.failAll.Load() {
		return errors.New("sink unavailable")
	}
	for _, env := range envs {
		m.record(env)
	}
	return nil
}

// mockOverflow collects spilled events by reason.
type mockOverflow struct {
	mu      sync.Mutex
	reasons map[string]int
}

func (o *mockOverflow) Write(env *models.Envelope, reason, sink string, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reasons == nil {
		o.reasons = make(map[string]int)
	}
	o.reasons[reason]++
}

func (o *mockOverflow) count(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reasons[reason]
}

func event(patient string, seq int) *models.AlertEvent {
	return &models.AlertEvent{
		AlertID:         fmt.Sprintf("%s-%d", patient, seq),
		PatientID:       patient,
		Kind:            models.KindTachycardia,
		Severity:        models.SeverityModerate,
		Transition:      models.TransitionConfirmed,
		Timestamp:       time.Now(),
		OccurrenceCount: seq,
	}
}

func TestWorkerPool_ProcessEvents(t *testing.T) {
	sink := newMockSink("mock")
	pool := NewPool(Config{
		Sinks:        []Sink{sink},
		Overflow:     &mockOverflow{},
		QueueSize:    100,
		Workers:      2,
		BatchSize:    10,
		BatchTimeout: 100 * time.Millisecond,
	})
	pool.Start()
	defer pool.Close(time.Second)

	numEvents := 25
	for i := 0; i < numEvents; i++ {
		if !pool.Enqueue(event(fmt.Sprintf("P%d", i%5), i)) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	time.Sleep(500 * time.Millisecond)

	if got := sink.published.Load(); got != uint64(numEvents) {
		t.Errorf("expected %d published, got %d", numEvents, got)
	}
	if stats := pool.Stats(); stats.Processed != uint64(numEvents) {
		t.Errorf("expected %d processed, got %d", numEvents, stats.Processed)
	}
}

func TestWorkerPool_Batching(t *testing.T) {
	sink := newMockSink("mock")
	pool := NewPool(Config{
		Sinks:        []Sink{sink},
		Overflow:     &mockOverflow{},
		QueueSize:    100,
		Workers:      1,
		BatchSize:    5,
		BatchTimeout: time.Second, // Long timeout to force batching
	})
	pool.Start()
	defer pool.Close(time.Second)

	for i := 0; i < 5; i++ {
		pool.Enqueue(event("P001", i))
	}

	time.Sleep(200 * time.Millisecond)

	if got := sink.published.Load(); got != 5 {
		t.Errorf("expected 5 published in batch, got %d", got)
	}
	if got := sink.batchCalls.Load(); got != 1 {
		t.Errorf("expected a single batch call, got %d", got)
	}
}

func TestWorkerPool_TimeoutBatch(t *testing.T) {
	sink := newMockSink("mock")
	pool := NewPool(Config{
		Sinks:        []Sink{sink},
		Overflow:     &mockOverflow{},
		QueueSize:    100,
		Workers:      1,
		BatchSize:    100,
		BatchTimeout: 100 * time.Millisecond,
	})
	pool.Start()
	defer pool.Close(time.Second)

	for i := 0; i < 3; i++ {
		pool.Enqueue(event("P001", i))
	}

	time.Sleep(300 * time.Millisecond)

	if got := sink.published.Load(); got != 3 {
		t.Errorf("expected 3 published via timeout, got %d", got)
	}
}

func TestWorkerPool_PerPatientOrder(t *testing.T) {
	sink := newMockSink("mock")
	pool := NewPool(Config{
		Sinks:        []Sink{sink},
		Overflow:     &mockOverflow{},
		QueueSize:    10000,
		Workers:      4,
		BatchSize:    7,
		BatchTimeout: 10 * time.Millisecond,
	})
	pool.Start()

	const patients, perPatient = 20, 50
	for seq := 0; seq < perPatient; seq++ {
		for p := 0; p < patients; p++ {
			pool.Enqueue(event(fmt.Sprintf("P%02d", p), seq))
		}
	}

	if err := pool.Close(5 * time.Second); err != nil {
		t.Fatalf("close: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for p := 0; p < patients; p++ {
		seqs := sink.byPatient[fmt.Sprintf("P%02d", p)]
		if len(seqs) != perPatient {
			t.Fatalf("patient %d: expected %d events, got %d", p, perPatient, len(seqs))
		}
		for i, s := range seqs {
			if s != i {
				t.Fatalf("patient %d: out of order at %d: %v", p, i, seqs)
			}
		}
	}
}

func TestWorkerPool_GracefulShutdown(t *testing.T) {
	sink := newMockSink("mock")
	pool := NewPool(Config{
		Sinks:        []Sink{sink},
		Overflow:     &mockOverflow{},
		QueueSize:    100,
		Workers:      2,
		BatchSize:    10,
		BatchTimeout: time.Second,
	})
	pool.Start()

	for i := 0; i < 7; i++ {
		pool.Enqueue(event(fmt.Sprintf("P%d", i), i))
	}

	// Close should flush remaining events
	if err := pool.Close(time.Second); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := sink.published.Load(); got != 7 {
		t.Errorf("expected 7 published after shutdown, got %d", got)
	}
}

func TestWorkerPool_RetryThenIndividualFallback(t *testing.T) {
	sink := newMockSink("mock")
	sink.failBatch = true
	ovf := &mockOverflow{}
	pool := NewPool(Config{
		Sinks:        []Sink{sink},
		Overflow:     ovf,
		QueueSize:    100,
		Workers:      1,
		BatchSize:    5,
		BatchTimeout: 50 * time.Millisecond,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		MaxBackoff:   2 * time.Millisecond,
	})
	pool.Start()

	for i := 0; i < 5; i++ {
		pool.Enqueue(event("P001", i))
	}
	if err := pool.Close(2 * time.Second); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := sink.batchCalls.Load(); got != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d batch calls", got)
	}
	if got := sink.published.Load(); got != 5 {
		t.Errorf("expected individual fallback to deliver 5, got %d", got)
	}
	if got := ovf.count(overflow.ReasonSinkFailed); got != 0 {
		t.Errorf("expected nothing spilled, got %d", got)
	}
}

func TestWorkerPool_SinkDownSpillsToOverflow(t *testing.T) {
	down := newMockSink("down")
	down.failAll.Store(true)
	healthy := newMockSink("healthy")
	ovf := &mockOverflow{}

	pool := NewPool(Config{
		Sinks:        []Sink{down, healthy},
		Overflow:     ovf,
		QueueSize:    100,
		Workers:      1,
		BatchSize:    5,
		BatchTimeout: 20 * time.Millisecond,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	})
	pool.Start()

	for i := 0; i < 4; i++ {
		pool.Enqueue(event("P001", i))
	}
	if err := pool.Close(2 * time.Second); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := ovf.count(overflow.ReasonSinkFailed); got != 4 {
		t.Errorf("expected 4 spilled events, got %d", got)
	}
	if got := healthy.published.Load(); got != 4 {
		t.Errorf("a failing sink must not block other sinks, healthy got %d", got)
	}
	if stats := pool.Stats(); stats.Failed != 4 || stats.Overflowed != 4 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestWorkerPool_EnqueueNeverBlocks(t *testing.T) {
	sink := newMockSink("slow")
	sink.block = make(chan struct{})
	ovf := &mockOverflow{}

	pool := NewPool(Config{
		Sinks:        []Sink{sink},
		Overflow:     ovf,
		QueueSize:    4,
		Workers:      1,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	})
	pool.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			pool.Enqueue(event("P001", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a stalled sink")
	}

	if ovf.count(overflow.ReasonQueueFull) == 0 {
		t.Error("expected queue-full events in overflow")
	}

	close(sink.block)
	pool.Close(time.Second)
}

func TestWorkerPool_CloseTimeoutSpillsRemainder(t *testing.T) {
	sink := newMockSink("stuck")
	sink.block = make(chan struct{}) // never released
	ovf := &mockOverflow{}

	pool := NewPool(Config{
		Sinks:        []Sink{sink},
		Overflow:     ovf,
		QueueSize:    100,
		Workers:      1,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		MaxRetries:   5,
		RetryBackoff: 10 * time.Millisecond,
	})
	pool.Start()

	for i := 0; i < 10; i++ {
		pool.Enqueue(event("P001", i))
	}

	// The stuck sink also fails the individual fallback, so every event
	// must end up in the overflow log.
	sink.failAll.Store(true)
	if err := pool.Close(100 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	if got := pool.Stats().Overflowed; got != 10 {
		t.Errorf("expected all 10 events spilled, got %d", got)
	}

	if pool.Enqueue(event("P001", 99)) {
		t.Error("enqueue after close must be rejected")
	}
	if ovf.count(overflow.ReasonClosed) != 1 {
		t.Error("expected closed-pool event in overflow")
	}
}
