package alerts

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"vitalwatch/internal/models"
)

var (
	// ErrInvariantViolation means a patient's alert ledger is corrupt.
	ErrInvariantViolation = errors.New("alert ledger invariant violated")

	// ErrNoActiveAlert is returned when acknowledging a kind that is not active.
	ErrNoActiveAlert = errors.New("no active alert of that kind")
)

// Phase is the lifecycle phase of one (patient, kind) alert stream.
type Phase int

const (
	PhaseQuiet Phase = iota
	PhasePending
	PhaseActive
	PhaseResolving
)

func (p Phase) String() string {
	switch p {
	case PhaseQuiet:
		return "QUIET"
	case PhasePending:
		return "PENDING"
	case PhaseActive:
		return "ACTIVE"
	case PhaseResolving:
		return "RESOLVING"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Stream is the FSM state of one alert kind for one patient.
type Stream struct {
	Phase Phase

	// PendingSince is the first violating observation of the current
	// PENDING episode.
	PendingSince time.Time
	// Violations counts violating observations since PendingSince.
	Violations int
	// ClearSince is the first clear observation of the current RESOLVING
	// episode.
	ClearSince time.Time
	// LastHeartbeat is when the last raised or confirmed event was emitted.
	LastHeartbeat time.Time

	// Record is set exactly while the stream is ACTIVE or RESOLVING.
	Record *models.AlertRecord
}

// Ledger holds every alert stream of one patient plus the resolved
// records kept for audit.
type Ledger struct {
	Streams map[models.AlertKind]*Stream
	History []*models.AlertRecord
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{Streams: make(map[models.AlertKind]*Stream)}
}

func (l *Ledger) stream(kind models.AlertKind) *Stream {
	s, ok := l.Streams[kind]
	if !ok {
		s = &Stream{}
		l.Streams[kind] = s
	}
	return s
}

// Phase returns the current phase of kind.
func (l *Ledger) Phase(kind models.AlertKind) Phase {
	if s, ok := l.Streams[kind]; ok {
		return s.Phase
	}
	return PhaseQuiet
}

// Active returns copies of the ACTIVE records ordered by severity, then kind.
func (l *Ledger) Active() []models.AlertRecord {
	out := make([]models.AlertRecord, 0, len(l.Streams))
	for _, s := range l.Streams {
		if s.Record != nil {
			out = append(out, *s.Record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bySeverityThenKind(out[i].Severity, out[i].Kind, out[j].Severity, out[j].Kind)
	})
	return out
}

// Resolved returns copies of the records in the audit history, oldest first.
func (l *Ledger) Resolved() []models.AlertRecord {
	out := make([]models.AlertRecord, 0, len(l.History))
	for _, r := range l.History {
		out = append(out, *r)
	}
	return out
}

// Acknowledge marks the active record of kind as acknowledged. An
// acknowledged alert stays active until its condition clears.
func (l *Ledger) Acknowledge(kind models.AlertKind, at time.Time) (models.AlertRecord, error) {
	s, ok := l.Streams[kind]
	if !ok || s.Record == nil {
		return models.AlertRecord{}, fmt.Errorf("%w: %s", ErrNoActiveAlert, kind)
	}
	if s.Record.AcknowledgedAt == nil {
		ack := at.UTC()
		s.Record.AcknowledgedAt = &ack
	}
	return *s.Record, nil
}

// Archive drops resolved records from the history and returns how many
// were removed.
func (l *Ledger) Archive() int {
	n := len(l.History)
	l.History = nil
	return n
}

// Check verifies the ledger invariants: every ACTIVE or RESOLVING stream
// owns exactly one ACTIVE record, QUIET and PENDING streams own none, and
// the history holds only RESOLVED records.
func (l *Ledger) Check() error {
	seen := make(map[string]models.AlertKind, len(l.Streams))
	for kind, s := range l.Streams {
		switch s.Phase {
		case PhaseQuiet, PhasePending:
			if s.Record != nil {
				return fmt.Errorf("%w: %s is %s but holds record %s", ErrInvariantViolation, kind, s.Phase, s.Record.ID)
			}
		case PhaseActive, PhaseResolving:
			if s.Record == nil {
				return fmt.Errorf("%w: %s is %s without a record", ErrInvariantViolation, kind, s.Phase)
			}
			if s.Record.State != models.AlertActive || s.Record.Kind != kind {
				return fmt.Errorf("%w: %s record %s is %s/%s", ErrInvariantViolation, kind, s.Record.ID, s.Record.Kind, s.Record.State)
			}
			if other, dup := seen[s.Record.ID]; dup {
				return fmt.Errorf("%w: record %s shared by %s and %s", ErrInvariantViolation, s.Record.ID, other, kind)
			}
			seen[s.Record.ID] = kind
		default:
			return fmt.Errorf("%w: %s has unknown phase %d", ErrInvariantViolation, kind, int(s.Phase))
		}
	}
	for _, r := range l.History {
		if r.State != models.AlertResolved {
			return fmt.Errorf("%w: history record %s is %s", ErrInvariantViolation, r.ID, r.State)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: record %s is both active and resolved", ErrInvariantViolation, r.ID)
		}
	}
	return nil
}

func bySeverityThenKind(sa models.Severity, ka models.AlertKind, sb models.Severity, kb models.AlertKind) bool {
	if sa.Rank() != sb.Rank() {
		return sa.Rank() > sb.Rank()
	}
	return ka < kb
}
