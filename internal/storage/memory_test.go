package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalwatch/internal/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func event(id, patient string, kind models.AlertKind, sev models.Severity, tr models.Transition, at time.Time) *models.Envelope {
	return models.NewEnvelope(&models.AlertEvent{
		AlertID:    id,
		PatientID:  patient,
		Kind:       kind,
		Severity:   sev,
		Transition: tr,
		Timestamp:  at,
		Message:    string(kind),
	}, "test")
}

func TestMemoryDedupAndActive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	raised := event("a1", "p1", models.KindTachycardia, models.SeverityHigh, models.TransitionRaised, t0)
	require.NoError(t, m.Publish(ctx, raised))
	require.NoError(t, m.Publish(ctx, raised))
	require.NoError(t, m.PublishBatch(ctx, []*models.Envelope{
		event("a2", "p1", models.KindHypoxia, models.SeverityCritical, models.TransitionRaised, t0.Add(time.Second)),
		event("a3", "p2", models.KindFever, models.SeverityModerate, models.TransitionRaised, t0.Add(2*time.Second)),
	}))

	active, err := m.ActiveAlerts(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, models.KindHypoxia, active[0].Kind)
	assert.Equal(t, models.KindTachycardia, active[1].Kind)

	require.NoError(t, m.Publish(ctx, event("a1", "p1", models.KindTachycardia, models.SeverityHigh, models.TransitionResolved, t0.Add(time.Minute))))

	active, err = m.ActiveAlerts(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a2", active[0].AlertID)

	all, err := m.Since(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4, "duplicate raise must be stored once")
}

func TestMemorySinceOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 5; i > 0; i-- {
		at := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, m.Publish(ctx, event("a", "p1", models.KindFever, models.SeverityModerate, models.TransitionConfirmed, at)))
	}

	got, err := m.Since(ctx, t0.Add(2*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, t0.Add(2*time.Minute), got[0].Timestamp)
	assert.Equal(t, t0.Add(3*time.Minute), got[1].Timestamp)
}

func TestMemoryClosed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Ping(ctx))
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Ping(ctx), ErrClosed)
	assert.ErrorIs(t, m.Publish(ctx, event("a", "p", models.KindFever, models.SeverityLow, models.TransitionRaised, t0)), ErrClosed)
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, configFor("memory"))
	require.NoError(t, err)
	assert.Equal(t, "memory", s.Name())

	_, err = Open(ctx, configFor("cassandra"))
	assert.Error(t, err)

	t.Setenv("VITALWATCH_TEST_DSN", "")
	cfg := configFor("postgres")
	cfg.DSNEnv = "VITALWATCH_TEST_DSN"
	_, err = Open(ctx, cfg)
	assert.ErrorContains(t, err, "VITALWATCH_TEST_DSN")
}
