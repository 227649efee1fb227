package alerts

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"vitalwatch/internal/models"
)

// Lifecycle turns rule outcomes into alert transitions. Each (patient,
// kind) pair is an independent FSM:
//
//	QUIET     --violation-->                      PENDING
//	PENDING   --violation held >= debounce-->      ACTIVE    (raised)
//	PENDING   --clear-->                          QUIET
//	ACTIVE    --violation, heartbeat due-->       ACTIVE    (confirmed)
//	ACTIVE    --clear-->                          RESOLVING
//	RESOLVING --clear held >= hysteresis-->       QUIET     (resolved)
//	RESOLVING --violation-->                      ACTIVE
//
// Lifecycle keeps no state of its own; everything lives in the Ledger,
// which the caller must own exclusively for the duration of Reconcile.
type Lifecycle struct {
	newID func() string
}

// NewLifecycle creates a lifecycle manager issuing UUID record ids.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{newID: uuid.NewString}
}

// Reconcile applies outcomes observed at now to the ledger and returns
// the resulting events ordered by descending severity, then kind.
// Streams without an outcome are left untouched. If the ledger is left
// in an inconsistent state ErrInvariantViolation is returned together
// with no events.
func (lc *Lifecycle) Reconcile(patientID string, l *Ledger, outcomes []Outcome, now time.Time) ([]*models.AlertEvent, error) {
	var events []*models.AlertEvent
	for _, o := range outcomes {
		if ev := lc.step(patientID, l.stream(o.Rule.Kind), l, o, now); ev != nil {
			events = append(events, ev)
		}
	}

	if err := l.Check(); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		return bySeverityThenKind(events[i].Severity, events[i].Kind, events[j].Severity, events[j].Kind)
	})
	return events, nil
}

func (lc *Lifecycle) step(patientID string, s *Stream, l *Ledger, o Outcome, now time.Time) *models.AlertEvent {
	r := o.Rule

	switch s.Phase {
	case PhaseQuiet:
		if !o.Triggered {
			return nil
		}
		s.Phase = PhasePending
		s.PendingSince = now
		s.Violations = 1
		return lc.maybeRaise(patientID, s, o, now)

	case PhasePending:
		if !o.Triggered {
			s.Phase = PhaseQuiet
			s.PendingSince = time.Time{}
			s.Violations = 0
			return nil
		}
		s.Violations++
		return lc.maybeRaise(patientID, s, o, now)

	case PhaseActive:
		if o.Triggered {
			s.Record.OccurrenceCount++
			s.Record.LastConfirmedAt = now
			if r.ConfirmInterval > 0 && elapsed(s.LastHeartbeat, now) >= r.ConfirmInterval {
				s.LastHeartbeat = now
				return newEvent(s.Record, r, models.TransitionConfirmed, o.Value, now)
			}
			return nil
		}
		s.Phase = PhaseResolving
		s.ClearSince = now
		return lc.maybeResolve(s, l, o, now)

	case PhaseResolving:
		if o.Triggered {
			s.Phase = PhaseActive
			s.ClearSince = time.Time{}
			s.Record.OccurrenceCount++
			s.Record.LastConfirmedAt = now
			return nil
		}
		return lc.maybeResolve(s, l, o, now)
	}
	return nil
}

func (lc *Lifecycle) maybeRaise(patientID string, s *Stream, o Outcome, now time.Time) *models.AlertEvent {
	r := o.Rule
	if elapsed(s.PendingSince, now) < r.Debounce {
		return nil
	}

	s.Record = &models.AlertRecord{
		ID:              lc.newID(),
		PatientID:       patientID,
		Kind:            r.Kind,
		Severity:        r.Severity,
		State:           models.AlertActive,
		RaisedAt:        now,
		LastConfirmedAt: now,
		TriggerValue:    o.Value,
		Threshold:       r.Threshold,
		OccurrenceCount: s.Violations,
	}
	s.Phase = PhaseActive
	s.PendingSince = time.Time{}
	s.Violations = 0
	s.LastHeartbeat = now
	return newEvent(s.Record, r, models.TransitionRaised, o.Value, now)
}

func (lc *Lifecycle) maybeResolve(s *Stream, l *Ledger, o Outcome, now time.Time) *models.AlertEvent {
	if elapsed(s.ClearSince, now) < o.Rule.Hysteresis {
		return nil
	}

	rec := s.Record
	resolvedAt := now
	rec.State = models.AlertResolved
	rec.ResolvedAt = &resolvedAt
	l.History = append(l.History, rec)

	*s = Stream{}
	return newEvent(rec, o.Rule, models.TransitionResolved, o.Value, now)
}

// ResolveAll force-resolves every open alert, e.g. on discharge. Pending
// streams are dropped without an event.
func (lc *Lifecycle) ResolveAll(l *Ledger, now time.Time) []*models.AlertEvent {
	var events []*models.AlertEvent
	for kind, s := range l.Streams {
		if s.Record == nil {
			delete(l.Streams, kind)
			continue
		}
		rec := s.Record
		resolvedAt := now
		rec.State = models.AlertResolved
		rec.ResolvedAt = &resolvedAt
		l.History = append(l.History, rec)
		delete(l.Streams, kind)

		ev := newEvent(rec, RuleDefinition{Kind: rec.Kind}, models.TransitionResolved, rec.TriggerValue, now)
		ev.Message = rec.Kind.Title() + " resolved: patient discharged"
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return bySeverityThenKind(events[i].Severity, events[i].Kind, events[j].Severity, events[j].Kind)
	})
	return events
}

func newEvent(rec *models.AlertRecord, r RuleDefinition, t models.Transition, value float64, now time.Time) *models.AlertEvent {
	return &models.AlertEvent{
		AlertID:         rec.ID,
		PatientID:       rec.PatientID,
		Kind:            rec.Kind,
		Severity:        rec.Severity,
		Transition:      t,
		Timestamp:       now,
		TriggerValue:    value,
		Threshold:       rec.Threshold,
		OccurrenceCount: rec.OccurrenceCount,
		Message:         Message(r, t, value),
	}
}

// elapsed returns now-since, clamped at zero.
func elapsed(since, now time.Time) time.Duration {
	if d := now.Sub(since); d > 0 {
		return d
	}
	return 0
}
