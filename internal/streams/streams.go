// Package streams appends alert events to a Redis stream read by the
// downstream shift summarizers.
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"vitalwatch/internal/config"
	"vitalwatch/internal/logger"
	"vitalwatch/internal/models"
)

// ErrNoStream is returned when the sink has no stream name.
var ErrNoStream = errors.New("redis stream name is required")

// Sink writes alert events with XADD. Each entry carries the lookup fields
// flat and the whole event as JSON under "data".
type Sink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg config.RedisConfig) (*Sink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password(),
		DB:       cfg.DB,
	})
	s, err := NewWithClient(client, cfg.Stream, cfg.MaxLen)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

// NewWithClient wraps an existing client. maxLen <= 0 leaves the stream
// untrimmed.
func NewWithClient(client *redis.Client, stream string, maxLen int64) (*Sink, error) {
	if stream == "" {
		return nil, ErrNoStream
	}
	return &Sink{client: client, stream: stream, maxLen: maxLen}, nil
}

func (s *Sink) Name() string { return "redis" }

func (s *Sink) args(ev *models.AlertEvent) (*redis.XAddArgs, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"patient_id": ev.PatientID,
			"alert_id":   ev.AlertID,
			"alert_kind": string(ev.Kind),
			"severity":   string(ev.Severity),
			"transition": string(ev.Transition),
			"timestamp":  strconv.FormatInt(ev.Timestamp.UnixMilli(), 10),
			"dedup_key":  ev.DedupKey(),
			"data":       string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return args, nil
}

func (s *Sink) Publish(ctx context.Context, envelope *models.Envelope) error {
	args, err := s.args(envelope.Event)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, args).Err()
}

// PublishBatch pipelines one XADD per event.
func (s *Sink) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, env := range envelopes {
			args, err := s.args(env.Event)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		log := logger.WithComponent("redis_stream")
		log.Warn().
			Err(err).
			Str("stream", s.stream).
			Int("batch_size", len(envelopes)).
			Msg("stream append failed")
	}
	return err
}

func (s *Sink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Sink) Close() error {
	return s.client.Close()
}
