package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalwatch/internal/config"
	"vitalwatch/internal/models"
)

func configFor(backend string) config.StorageConfig {
	return config.StorageConfig{Backend: backend}
}

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db), mock
}

var eventColumns = []string{
	"alert_id", "patient_id", "alert_kind", "severity", "transition",
	"event_time", "trigger_value", "threshold", "occurrence_count", "message",
}

func TestPostgresEnsureSchema(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS alert_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, pg.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPublish(t *testing.T) {
	pg, mock := newMockPostgres(t)
	env := event("a1", "p1", models.KindTachycardia, models.SeverityHigh, models.TransitionRaised, t0)

	mock.ExpectExec("INSERT INTO alert_events").
		WithArgs(env.Event.DedupKey(), "a1", "p1", "TACHYCARDIA", "high", "raised",
			t0, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "test").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, pg.Publish(context.Background(), env))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPublishBatchCommits(t *testing.T) {
	pg, mock := newMockPostgres(t)
	batch := []*models.Envelope{
		event("a1", "p1", models.KindTachycardia, models.SeverityHigh, models.TransitionRaised, t0),
		event("a1", "p1", models.KindTachycardia, models.SeverityHigh, models.TransitionRaised, t0),
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO alert_events")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, pg.PublishBatch(context.Background(), batch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPublishBatchRollsBack(t *testing.T) {
	pg, mock := newMockPostgres(t)
	batch := []*models.Envelope{
		event("a1", "p1", models.KindTachycardia, models.SeverityHigh, models.TransitionRaised, t0),
	}

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO alert_events").
		ExpectExec().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := pg.PublishBatch(context.Background(), batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPublishBatchEmpty(t *testing.T) {
	pg, mock := newMockPostgres(t)
	require.NoError(t, pg.PublishBatch(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActiveAlerts(t *testing.T) {
	pg, mock := newMockPostgres(t)

	rows := sqlmock.NewRows(eventColumns).
		AddRow("a1", "p1", "TACHYCARDIA", "high", "raised", t0, 120.0, 100.0, 3, "Tachycardia").
		AddRow("a2", "p1", "HYPOXIA", "critical", "raised", t0.Add(time.Second), 85.0, 90.0, 1, "Hypoxia")

	mock.ExpectQuery("NOT EXISTS").WithArgs("p1").WillReturnRows(rows)

	got, err := pg.ActiveAlerts(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.KindHypoxia, got[0].Kind)
	assert.Equal(t, models.SeverityCritical, got[0].Severity)
	assert.Equal(t, models.KindTachycardia, got[1].Kind)
	assert.Equal(t, 3, got[1].OccurrenceCount)
	assert.Equal(t, models.TransitionRaised, got[1].Transition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSince(t *testing.T) {
	pg, mock := newMockPostgres(t)

	rows := sqlmock.NewRows(eventColumns).
		AddRow("a1", "p1", "FEVER", "moderate", "confirmed", t0, 38.9, 38.5, 4, "Fever")

	mock.ExpectQuery("WHERE event_time >= \\$1").
		WithArgs(t0, DefaultQueryLimit).
		WillReturnRows(rows)

	got, err := pg.Since(context.Background(), t0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.TransitionConfirmed, got[0].Transition)
	assert.InDelta(t, 38.9, got[0].TriggerValue, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryError(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectQuery("NOT EXISTS").WillReturnError(errors.New("relation does not exist"))

	_, err := pg.ActiveAlerts(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query active alerts")
}
