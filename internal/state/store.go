package state

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"vitalwatch/internal/alerts"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/models"
)

var (
	// ErrStale is returned for a measurement older than last_seen_at minus
	// the grace window. The patient state is not modified.
	ErrStale = errors.New("stale measurement")

	// ErrNotFound is returned for a patient the store has never seen.
	ErrNotFound = errors.New("patient not found")
)

// PatientState is the mutable state of one patient. It must only be
// touched inside Store.Do.
type PatientState struct {
	PatientID  string
	LastValues map[models.VitalKind]models.Reading
	LastSeenAt time.Time
	Ledger     *alerts.Ledger

	discard bool
}

func newPatientState(id string) *PatientState {
	return &PatientState{
		PatientID:  id,
		LastValues: make(map[models.VitalKind]models.Reading, 6),
		Ledger:     alerts.NewLedger(),
	}
}

// Apply merges the vitals present in m. Each vital keeps its own
// timestamp and is never replaced by an older reading; last_seen_at only
// moves forward.
func (ps *PatientState) Apply(m *models.Measurement, grace time.Duration) error {
	if !ps.LastSeenAt.IsZero() && m.Timestamp.Before(ps.LastSeenAt.Add(-grace)) {
		return ErrStale
	}

	for kind, v := range m.Values {
		if cur, ok := ps.LastValues[kind]; ok && cur.At.After(m.Timestamp) {
			continue
		}
		ps.LastValues[kind] = models.Reading{Value: v, At: m.Timestamp}
	}

	if m.Timestamp.After(ps.LastSeenAt) {
		ps.LastSeenAt = m.Timestamp
	}
	return nil
}

// Snapshot copies the merged vitals.
func (ps *PatientState) Snapshot() models.Snapshot {
	values := make(map[models.VitalKind]models.Reading, len(ps.LastValues))
	for k, r := range ps.LastValues {
		values[k] = r
	}
	return models.Snapshot{
		PatientID:  ps.PatientID,
		LastSeenAt: ps.LastSeenAt,
		Values:     values,
	}
}

// Discard drops the patient from the store once the current Do returns.
func (ps *PatientState) Discard() {
	ps.discard = true
}

// View is a read-only copy of a patient's state.
type View struct {
	PatientID    string                              `json:"patient_id"`
	LastSeenAt   time.Time                           `json:"last_seen_at"`
	Values       map[models.VitalKind]models.Reading `json:"values"`
	ActiveAlerts []models.AlertRecord                `json:"active_alerts"`
	History      []models.AlertRecord                `json:"history"`
	Streams      map[models.AlertKind]string         `json:"streams"`
}

func (ps *PatientState) view() View {
	snap := ps.Snapshot()
	streams := make(map[models.AlertKind]string, len(ps.Ledger.Streams))
	for k, s := range ps.Ledger.Streams {
		if s.Phase != alerts.PhaseQuiet {
			streams[k] = s.Phase.String()
		}
	}
	return View{
		PatientID:    ps.PatientID,
		LastSeenAt:   ps.LastSeenAt,
		Values:       snap.Values,
		ActiveAlerts: ps.Ledger.Active(),
		History:      ps.Ledger.Resolved(),
		Streams:      streams,
	}
}

type entry struct {
	mu      sync.Mutex
	state   *PatientState
	removed bool

	// lastSeen mirrors state.LastSeenAt in unix nanos so stale scans
	// never take the patient lock.
	lastSeen atomic.Int64
}

// Store keeps every patient's state. Operations on one patient are
// serialized by that patient's mutex; different patients never share a
// lock.
type Store struct {
	patients sync.Map // patient id -> *entry
	count    atomic.Int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) load(id string, create bool) (*entry, error) {
	if v, ok := s.patients.Load(id); ok {
		return v.(*entry), nil
	}
	if !create {
		return nil, ErrNotFound
	}
	v, loaded := s.patients.LoadOrStore(id, &entry{state: newPatientState(id)})
	if !loaded {
		metrics.TrackedPatients.Set(float64(s.count.Add(1)))
	}
	return v.(*entry), nil
}

// Do runs fn with exclusive access to the patient's state. With create
// set an unknown patient gets a fresh state; otherwise ErrNotFound is
// returned. A state that still has no accepted measurement after fn, or
// that fn discarded, is removed from the store.
func (s *Store) Do(id string, create bool, fn func(*PatientState) error) error {
	for {
		e, err := s.load(id, create)
		if err != nil {
			return err
		}

		e.mu.Lock()
		if e.removed {
			// Lost a race with Remove; the id maps to a new entry now.
			e.mu.Unlock()
			continue
		}

		err = fn(e.state)
		if e.state.discard || e.state.LastSeenAt.IsZero() {
			s.removeLocked(id, e)
		} else {
			e.lastSeen.Store(e.state.LastSeenAt.UnixNano())
		}
		e.mu.Unlock()
		return err
	}
}

func (s *Store) removeLocked(id string, e *entry) {
	e.removed = true
	if s.patients.CompareAndDelete(id, e) {
		metrics.TrackedPatients.Set(float64(s.count.Add(-1)))
	}
}

// Upsert merges m into the patient's state, creating it on first sight,
// and returns the merged snapshot.
func (s *Store) Upsert(m *models.Measurement, grace time.Duration) (models.Snapshot, error) {
	var snap models.Snapshot
	err := s.Do(m.PatientID, true, func(ps *PatientState) error {
		if err := ps.Apply(m, grace); err != nil {
			return err
		}
		snap = ps.Snapshot()
		return nil
	})
	return snap, err
}

// Snapshot returns a copy of the patient's state.
func (s *Store) Snapshot(id string) (View, error) {
	var v View
	err := s.Do(id, false, func(ps *PatientState) error {
		v = ps.view()
		return nil
	})
	return v, err
}

// ListStale returns the patients whose last measurement is more than
// threshold before now. It never blocks on patient locks.
func (s *Store) ListStale(now time.Time, threshold time.Duration) []string {
	cutoff := now.Add(-threshold).UnixNano()
	var out []string
	s.patients.Range(func(key, value any) bool {
		seen := value.(*entry).lastSeen.Load()
		if seen != 0 && seen < cutoff {
			out = append(out, key.(string))
		}
		return true
	})
	return out
}

// Remove drops the patient. It reports whether the patient existed.
func (s *Store) Remove(id string) bool {
	v, ok := s.patients.Load(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	s.removeLocked(id, e)
	return true
}

// Len returns the number of tracked patients.
func (s *Store) Len() int {
	return int(s.count.Load())
}
