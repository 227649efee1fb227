package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"vitalwatch/internal/config"
	"vitalwatch/internal/models"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("alert store is closed")

// AlertStore is the durable record of alert events. Writes are idempotent
// on the event dedup key, so redelivered events are harmless.
type AlertStore interface {
	Name() string
	Publish(ctx context.Context, envelope *models.Envelope) error
	PublishBatch(ctx context.Context, envelopes []*models.Envelope) error

	// ActiveAlerts returns the raised event of every alert of the patient
	// that has no resolved event yet, by descending severity then kind.
	ActiveAlerts(ctx context.Context, patientID string) ([]models.AlertEvent, error)

	// Since returns events with a timestamp at or after since, oldest first.
	Since(ctx context.Context, since time.Time, limit int) ([]models.AlertEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// DefaultQueryLimit caps Since when the caller passes no limit.
const DefaultQueryLimit = 500

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (AlertStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, fmt.Errorf("storage: %s is not set", cfg.DSNEnv)
		}
		db, err := OpenPostgres(ctx, dsn, cfg)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		pg := NewPostgres(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

func sortActive(events []models.AlertEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		return a.Kind < b.Kind
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultQueryLimit {
		return DefaultQueryLimit
	}
	return limit
}
