package worker

import (
	"context"
	"errors"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"vitalwatch/internal/logger"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/models"
	"vitalwatch/internal/overflow"
)

// ErrTimeout is returned by Close when the queue could not be flushed in time.
var ErrTimeout = errors.New("publish queue flush timed out")

// Sink is a downstream consumer of alert events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, envelope *models.Envelope) error
	PublishBatch(ctx context.Context, envelopes []*models.Envelope) error
}

// Overflow records events that could not be delivered.
type Overflow interface {
	Write(envelope *models.Envelope, reason, sink string, cause error)
}

// Pool delivers alert events to every sink. The queue is split into one
// shard per worker and events are routed by patient id, so events of one
// patient are published in the order they were enqueued.
type Pool struct {
	sinks        []Sink
	overflow     Overflow
	shards       []chan *models.Envelope
	node         string
	batchSize    int
	batchTimeout time.Duration
	maxRetries   int
	retryBackoff time.Duration
	maxBackoff   time.Duration
	timeout      time.Duration

	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	queued     atomic.Int64
	processed  atomic.Uint64
	failed     atomic.Uint64
	overflowed atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Sinks    []Sink
	Overflow Overflow

	QueueSize    int
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration

	// MaxRetries is the number of retries after the first failed batch
	// publish, with exponential backoff from RetryBackoff up to MaxBackoff.
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// PublishTimeout bounds one publish call.
	PublishTimeout time.Duration
	NodeID         string
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < cfg.Workers {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.Overflow == nil {
		cfg.Overflow = overflow.New(os.Stderr)
	}
	if cfg.NodeID == "" {
		cfg.NodeID, _ = os.Hostname()
	}

	shards := make([]chan *models.Envelope, cfg.Workers)
	perShard := cfg.QueueSize / cfg.Workers
	for i := range shards {
		shards[i] = make(chan *models.Envelope, perShard)
	}

	ctx, cancel := context.WithCancel(context.Background())

	metrics.PublishQueueCapacity.Set(float64(perShard * cfg.Workers))

	return &Pool{
		sinks:        cfg.Sinks,
		overflow:     cfg.Overflow,
		shards:       shards,
		node:         cfg.NodeID,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		maxBackoff:   cfg.MaxBackoff,
		timeout:      cfg.PublishTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing envelopes
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	names := make([]string, 0, len(p.sinks))
	for _, s := range p.sinks {
		names = append(names, s.Name())
	}
	log.Info().
		Int("workers", len(p.shards)).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Strs("sinks", names).
		Msg("starting worker pool")

	for i := range p.shards {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Enqueue hands an event to the publisher without blocking. When the
// patient's shard is full, or the pool is closed, the event goes to the
// overflow log instead and false is returned.
func (p *Pool) Enqueue(event *models.AlertEvent) bool {
	env := models.NewEnvelope(event, p.node)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.spill(env, overflow.ReasonClosed, "", nil)
		return false
	}

	shard := p.shards[xxhash.Sum64String(event.PatientID)%uint64(len(p.shards))]
	select {
	case shard <- env:
		metrics.PublishQueueSize.Set(float64(p.queued.Add(1)))
		return true
	default:
		p.spill(env, overflow.ReasonQueueFull, "", nil)
		return false
	}
}

// Close stops accepting events and flushes the queue. If the flush does
// not finish within timeout, in-flight publishes are cancelled and every
// remaining event is written to the overflow log.
func (p *Pool) Close(timeout time.Duration) error {
	log := logger.WithComponent("worker_pool")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()

	log.Info().Int64("queued", p.queued.Load()).Msg("flushing publish queue")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		log.Info().Msg("worker pool stopped")
		return nil
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("flush timed out, spilling remaining events to overflow")
		p.cancel()
		<-done
		return ErrTimeout
	}
}

// worker processes envelopes from its shard
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	ch := p.shards[id]
	batch := make([]*models.Envelope, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case envelope, ok := <-ch:
			if !ok {
				// Channel closed, flush and exit
				p.publishBatch(batch)
				return
			}
			metrics.PublishQueueSize.Set(float64(p.queued.Add(-1)))

			batch = append(batch, envelope)
			if len(batch) >= p.batchSize {
				p.publishBatch(batch)
				batch = batch[:0]
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				p.publishBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// publishBatch delivers a batch to every sink. A panicking sink does not
// take the worker down; its batch is spilled instead.
func (p *Pool) publishBatch(batch []*models.Envelope) {
	if len(batch) == 0 {
		return
	}

	for _, sink := range p.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log := logger.WithComponent("worker")
					log.Error().
						Str("sink", sink.Name()).
						Interface("panic", r).
						Bytes("stack", debug.Stack()).
						Msg("sink panic recovered")
					metrics.PanicsRecovered.WithLabelValues("worker").Inc()
					for _, env := range batch {
						p.spill(env, overflow.ReasonSinkFailed, sink.Name(), errors.New("sink panicked"))
					}
				}
			}()
			p.deliver(sink, batch)
		}()
	}
	p.processed.Add(uint64(len(batch)))
}

// deliver publishes batch to one sink with retries, then falls back to
// publishing each envelope once before spilling it.
func (p *Pool) deliver(sink Sink, batch []*models.Envelope) {
	log := logger.WithComponent("worker").With().Str("sink", sink.Name()).Logger()
	start := time.Now()

	err := p.withRetry(sink, func(ctx context.Context) error {
		for _, env := range batch {
			env.Attempts++
		}
		return sink.PublishBatch(ctx, batch)
	})

	metrics.PublishBatchDuration.WithLabelValues(sink.Name()).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.PublishTotal.WithLabelValues(sink.Name(), "success").Add(float64(len(batch)))
		log.Debug().Int("batch_size", len(batch)).Msg("batch published")
		return
	}

	log.Warn().
		Err(err).
		Int("batch_size", len(batch)).
		Msg("batch publish failed after retries, attempting individual publish")

	for _, env := range batch {
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		env.Attempts++
		err := sink.Publish(ctx, env)
		cancel()

		if err == nil {
			metrics.PublishTotal.WithLabelValues(sink.Name(), "success").Inc()
			continue
		}

		metrics.PublishTotal.WithLabelValues(sink.Name(), "failed").Inc()
		metrics.PublishFailures.WithLabelValues(sink.Name()).Inc()
		p.failed.Add(1)

		reason := overflow.ReasonSinkFailed
		if p.ctx.Err() != nil {
			reason = overflow.ReasonShutdown
		}
		log.Error().
			Err(err).
			Str("patient_id", env.Event.PatientID).
			Str("alert_kind", string(env.Event.Kind)).
			Str("transition", string(env.Event.Transition)).
			Msg("failed to publish alert event")
		p.spill(env, reason, sink.Name(), err)
	}
}

func (p *Pool) spill(env *models.Envelope, reason, sink string, cause error) {
	p.overflowed.Add(1)
	p.overflow.Write(env, reason, sink, cause)
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	capacity := 0
	for _, ch := range p.shards {
		capacity += cap(ch)
	}
	return Stats{
		Queued:     p.queued.Load(),
		Capacity:   capacity,
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Overflowed: p.overflowed.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Queued     int64  `json:"queued"`
	Capacity   int    `json:"capacity"`
	Processed  uint64 `json:"processed"`
	Failed     uint64 `json:"failed"`
	Overflowed uint64 `json:"overflowed"`
}
