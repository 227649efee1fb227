package overflow

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"

	"vitalwatch/internal/metrics"
	"vitalwatch/internal/models"
)

// Reasons an event ends up in the overflow log.
const (
	ReasonQueueFull  = "queue_full"
	ReasonClosed     = "closed"
	ReasonSinkFailed = "sink_failed"
	ReasonShutdown   = "shutdown"
)

// Log is the local last-resort record of alert events that could not be
// delivered. Each line is one JSON object holding the full event, so the
// file can be replayed into the sinks later.
type Log struct {
	log    zerolog.Logger
	closer io.Closer
	count  atomic.Uint64
}

// Open appends to the file at path, creating it if needed.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("overflow: open %s: %w", path, err)
	}
	l := New(f)
	l.closer = f
	return l, nil
}

// New writes overflow records to w.
func New(w io.Writer) *Log {
	return &Log{
		log: zerolog.New(zerolog.SyncWriter(w)).With().Timestamp().Logger(),
	}
}

// Write records one undelivered event. sink is empty when the event never
// reached a sink.
func (l *Log) Write(env *models.Envelope, reason, sink string, cause error) {
	ev := l.log.Log().
		Str("reason", reason).
		Int("attempts", env.Attempts).
		Time("enqueued_at", env.EnqueuedAt).
		Str("dedup_key", env.Event.DedupKey()).
		Interface("event", env.Event)
	if sink != "" {
		ev = ev.Str("sink", sink)
	}
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("alert event overflowed")

	l.count.Add(1)
	metrics.OverflowEventsTotal.WithLabelValues(reason).Inc()
}

// Count returns how many events were written since start.
func (l *Log) Count() uint64 {
	return l.count.Load()
}

// Close closes the underlying file, if any.
func (l *Log) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
