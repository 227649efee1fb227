package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"vitalwatch/internal/config"
	"vitalwatch/internal/logger"
	"vitalwatch/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS alert_events (
	dedup_key        TEXT PRIMARY KEY,
	alert_id         TEXT NOT NULL,
	patient_id       TEXT NOT NULL,
	alert_kind       TEXT NOT NULL,
	severity         TEXT NOT NULL,
	transition       TEXT NOT NULL,
	event_time       TIMESTAMPTZ NOT NULL,
	trigger_value    DOUBLE PRECISION NOT NULL,
	threshold        DOUBLE PRECISION NOT NULL,
	occurrence_count INTEGER NOT NULL,
	message          TEXT NOT NULL,
	node             TEXT NOT NULL DEFAULT '',
	stored_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS alert_events_patient_idx ON alert_events (patient_id, alert_id);
CREATE INDEX IF NOT EXISTS alert_events_time_idx ON alert_events (event_time);
`

const insertEvent = `
	INSERT INTO alert_events (
		dedup_key, alert_id, patient_id, alert_kind, severity, transition,
		event_time, trigger_value, threshold, occurrence_count, message, node
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (dedup_key) DO NOTHING
`

const selectColumns = `
	alert_id, patient_id, alert_kind, severity, transition,
	event_time, trigger_value, threshold, occurrence_count, message
`

// OpenPostgres opens a pgx connection pool through database/sql and
// verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string, cfg config.StorageConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Postgres stores alert events in the alert_events table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the table and indexes if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Publish(ctx context.Context, envelope *models.Envelope) error {
	_, err := p.db.ExecContext(ctx, insertEvent, insertArgs(envelope)...)
	if err != nil {
		return fmt.Errorf("insert alert event: %w", err)
	}
	return nil
}

// PublishBatch writes the batch in one transaction.
func (p *Postgres) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, env := range envelopes {
		res, err := stmt.ExecContext(ctx, insertArgs(env)...)
		if err != nil {
			return fmt.Errorf("insert alert event: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if dups := len(envelopes) - inserted; dups > 0 {
		log := logger.WithComponent("postgres")
		log.Debug().Int("duplicates", dups).Msg("skipped already stored alert events")
	}
	return nil
}

func insertArgs(env *models.Envelope) []any {
	ev := env.Event
	return []any{
		ev.DedupKey(),
		ev.AlertID,
		ev.PatientID,
		string(ev.Kind),
		string(ev.Severity),
		string(ev.Transition),
		ev.Timestamp,
		ev.TriggerValue,
		ev.Threshold,
		ev.OccurrenceCount,
		ev.Message,
		env.Node,
	}
}

func (p *Postgres) ActiveAlerts(ctx context.Context, patientID string) ([]models.AlertEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM alert_events r
		WHERE r.patient_id = $1
		  AND r.transition = 'raised'
		  AND NOT EXISTS (
			SELECT 1 FROM alert_events x
			WHERE x.alert_id = r.alert_id AND x.transition = 'resolved'
		  )
		ORDER BY r.event_time
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query active alerts: %w", err)
	}
	out, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	sortActive(out)
	return out, nil
}

func (p *Postgres) Since(ctx context.Context, since time.Time, limit int) ([]models.AlertEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM alert_events
		WHERE event_time >= $1
		ORDER BY event_time, alert_kind
		LIMIT $2
	`, since, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query alerts since: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.AlertEvent, error) {
	defer rows.Close()

	out := make([]models.AlertEvent, 0)
	for rows.Next() {
		var (
			ev                      models.AlertEvent
			kind, severity, transit string
		)
		if err := rows.Scan(
			&ev.AlertID,
			&ev.PatientID,
			&kind,
			&severity,
			&transit,
			&ev.Timestamp,
			&ev.TriggerValue,
			&ev.Threshold,
			&ev.OccurrenceCount,
			&ev.Message,
		); err != nil {
			return nil, fmt.Errorf("scan alert event: %w", err)
		}
		ev.Kind = models.AlertKind(kind)
		ev.Severity = models.Severity(severity)
		ev.Transition = models.Transition(transit)
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
