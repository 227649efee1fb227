package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"vitalwatch/internal/models"
)

// Memory is an in-process AlertStore for development and tests.
type Memory struct {
	mu     sync.RWMutex
	seen   map[string]struct{}
	events []models.AlertEvent
	active map[string]models.AlertEvent // alert id -> raised event
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		seen:   make(map[string]struct{}),
		active: make(map[string]models.AlertEvent),
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Publish(ctx context.Context, envelope *models.Envelope) error {
	return m.PublishBatch(ctx, []*models.Envelope{envelope})
}

func (m *Memory) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, env := range envelopes {
		ev := *env.Event
		key := ev.DedupKey()
		if _, dup := m.seen[key]; dup {
			continue
		}
		m.seen[key] = struct{}{}
		m.events = append(m.events, ev)

		switch ev.Transition {
		case models.TransitionRaised:
			m.active[ev.AlertID] = ev
		case models.TransitionResolved:
			delete(m.active, ev.AlertID)
		}
	}
	return nil
}

func (m *Memory) ActiveAlerts(ctx context.Context, patientID string) ([]models.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AlertEvent, 0)
	for _, ev := range m.active {
		if ev.PatientID == patientID {
			out = append(out, ev)
		}
	}
	sortActive(out)
	return out, nil
}

func (m *Memory) Since(ctx context.Context, since time.Time, limit int) ([]models.AlertEvent, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	out := make([]models.AlertEvent, 0)
	for _, ev := range m.events {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
