package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"vitalwatch/internal/config"
	"vitalwatch/internal/engine"
	"vitalwatch/internal/logger"
	"vitalwatch/internal/metrics"
)

// Source labels measurements that arrived over Kafka.
const Source = "kafka"

// Ingester accepts raw measurement payloads.
type Ingester interface {
	IngestPayload(source string, body []byte, receivedAt time.Time) (engine.Result, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads measurement payloads from a topic as part of a consumer
// group. Offsets are committed only after a message has been handed to
// the engine, so a crash redelivers rather than loses measurements.
type Consumer struct {
	readers  []messageReader
	ingester Ingester

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewConsumer creates cfg.Readers group readers on the ingest topic.
func NewConsumer(brokers []string, cfg config.KafkaIngestConfig, ingester Ingester) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("ingest topic and group_id are required")
	}

	n := cfg.Readers
	if n <= 0 {
		n = 1
	}

	readers := make([]messageReader, n)
	for i := range readers {
		readers[i] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: 0,
			StartOffset:    kafka.LastOffset,
		})
	}
	return newConsumer(readers, ingester), nil
}

func newConsumer(readers []messageReader, ingester Ingester) *Consumer {
	return &Consumer{readers: readers, ingester: ingester}
}

// Start launches one goroutine per reader. It returns immediately.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	for i, r := range c.readers {
		c.wg.Add(1)
		go func(id int, r messageReader) {
			defer c.wg.Done()
			c.run(ctx, id, r)
		}(i, r)
	}
}

func (c *Consumer) run(ctx context.Context, id int, r messageReader) {
	log := logger.WithComponent("kafka_consumer").With().Int("reader", id).Logger()
	log.Info().Msg("kafka reader started")

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				log.Info().Msg("kafka reader stopped")
				return
			}
			log.Warn().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if !c.handle(msg) {
			log.Info().Msg("engine closed, kafka reader stopping without commit")
			return
		}

		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("commit failed")
		}
	}
}

// handle ingests one message and reports whether its offset may be
// committed. Malformed payloads are committed; they would fail again.
func (c *Consumer) handle(msg kafka.Message) (commit bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("kafka_consumer").Inc()
			log := logger.WithComponent("kafka_consumer")
			log.Error().
				Interface("panic", r).
				Int64("offset", msg.Offset).
				Msg("panic while ingesting message")
			commit = true
		}
	}()

	res, err := c.ingester.IngestPayload(Source, msg.Value, time.Now())
	if errors.Is(err, engine.ErrClosed) {
		return false
	}

	if err != nil || res.Rejected > 0 {
		log := logger.WithComponent("kafka_consumer")
		ev := log.Warn().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Int("accepted", res.Accepted).
			Int("rejected", res.Rejected)
		if err != nil {
			ev = ev.Err(err)
		} else if len(res.Errors) > 0 {
			ev = ev.Str("first_error", res.Errors[0].Error)
		}
		ev.Msg("measurements rejected")
	}
	return true
}

// Stop cancels the readers, waits for them and closes the connections.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	var errs []error
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
