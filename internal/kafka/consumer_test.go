package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalwatch/internal/config"
	"vitalwatch/internal/engine"
	"vitalwatch/internal/models"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeIngester struct {
	mu       sync.Mutex
	payloads []string
	closeAt  int
}

func (f *fakeIngester) IngestPayload(source string, body []byte, _ time.Time) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, string(body))
	if f.closeAt > 0 && len(f.payloads) >= f.closeAt {
		return engine.Result{}, engine.ErrClosed
	}
	if string(body) == "garbage" {
		return engine.Result{}, models.ErrMalformed
	}
	return engine.Result{Accepted: 1}, nil
}

func TestConsumerCommitsAfterProcessing(t *testing.T) {
	r := newFakeReader(
		kafka.Message{Offset: 1, Value: []byte(`{"patient_id":"P1","heart_rate":70}`)},
		kafka.Message{Offset: 2, Value: []byte("garbage")},
		kafka.Message{Offset: 3, Value: []byte(`{"patient_id":"P2","heart_rate":70}`)},
	)
	ing := &fakeIngester{}
	c := newConsumer([]messageReader{r}, ing)

	c.Start(context.Background())
	require.Eventually(t, func() bool { return len(r.commits()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Equal(t, []int64{1, 2, 3}, r.commits(), "malformed payloads are committed too")
	assert.True(t, r.closed)
}

func TestConsumerStopsWithoutCommitWhenEngineClosed(t *testing.T) {
	r := newFakeReader(
		kafka.Message{Offset: 1, Value: []byte(`{}`)},
		kafka.Message{Offset: 2, Value: []byte(`{}`)},
		kafka.Message{Offset: 3, Value: []byte(`{}`)},
	)
	ing := &fakeIngester{closeAt: 2}
	c := newConsumer([]messageReader{r}, ing)

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		ing.mu.Lock()
		defer ing.mu.Unlock()
		return len(ing.payloads) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Equal(t, []int64{1}, r.commits())
}

func TestConsumerRecoversPanics(t *testing.T) {
	c := newConsumer(nil, panicIngester{})
	assert.True(t, c.handle(kafka.Message{Offset: 9, Value: []byte(`{}`)}))
}

type panicIngester struct{}

func (panicIngester) IngestPayload(string, []byte, time.Time) (engine.Result, error) {
	panic(errors.New("boom"))
}

func TestNewConsumerValidation(t *testing.T) {
	cfg := config.KafkaIngestConfig{Topic: "vitals", GroupID: "alertengine"}

	_, err := NewConsumer(nil, cfg, &fakeIngester{})
	assert.Error(t, err)

	_, err = NewConsumer([]string{"localhost:9092"}, config.KafkaIngestConfig{Topic: "vitals"}, &fakeIngester{})
	assert.Error(t, err)

	c, err := NewConsumer([]string{"localhost:9092"}, cfg, &fakeIngester{})
	require.NoError(t, err)
	assert.Len(t, c.readers, 1)
	require.NoError(t, c.Stop())
}
