package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vitalwatch/internal/alerts"
	"vitalwatch/internal/config"
	"vitalwatch/internal/logger"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/models"
	"vitalwatch/internal/state"
)

// ErrClosed is returned once shutdown has begun.
var ErrClosed = errors.New("engine closed")

// Measurement status labels
const (
	StatusAccepted  = "accepted"
	StatusMalformed = "malformed"
	StatusStale     = "stale"
	StatusDropped   = "dropped"
)

// Publisher takes alert events off the hot path. Enqueue must not block.
type Publisher interface {
	Enqueue(event *models.AlertEvent) bool
}

// Engine is the clinical alert engine: it merges measurements into the
// patient store and turns rule and liveness outcomes into alert events.
// Everything done for one patient happens inside that patient's lock.
type Engine struct {
	store     *state.Store
	evaluator *alerts.Evaluator
	lifecycle *alerts.Lifecycle
	publisher Publisher

	grace      time.Duration
	maxSkew    time.Duration
	disconnect alerts.RuleDefinition
	now        func() time.Time

	gate     sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	accepted  atomic.Uint64
	malformed atomic.Uint64
	stale     atomic.Uint64
	events    atomic.Uint64
}

// Config holds engine configuration
type Config struct {
	Store     *state.Store
	Evaluator *alerts.Evaluator
	Lifecycle *alerts.Lifecycle
	Publisher Publisher

	GraceWindow  time.Duration
	MaxClockSkew time.Duration

	// Disconnect is the SENSOR_DISCONNECTED rule; its threshold is in seconds.
	Disconnect alerts.RuleDefinition

	// Now overrides the wall clock in tests.
	Now func() time.Time
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.Store == nil {
		cfg.Store = state.NewStore()
	}
	if cfg.Lifecycle == nil {
		cfg.Lifecycle = alerts.NewLifecycle()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = models.DefaultMaxClockSkew
	}
	return &Engine{
		store:      cfg.Store,
		evaluator:  cfg.Evaluator,
		lifecycle:  cfg.Lifecycle,
		publisher:  cfg.Publisher,
		grace:      cfg.GraceWindow,
		maxSkew:    cfg.MaxClockSkew,
		disconnect: cfg.Disconnect,
		now:        cfg.Now,
	}
}

// admit registers an in-flight operation unless the engine is closed.
func (e *Engine) admit() error {
	e.gate.RLock()
	defer e.gate.RUnlock()
	if e.closed {
		return ErrClosed
	}
	e.inflight.Add(1)
	return nil
}

// Ingest validates m, merges it into the patient's state, evaluates the
// rules on the merged snapshot and reconciles the outcomes, all as one
// unit for that patient. Errors wrap models.ErrMalformed, state.ErrStale,
// alerts.ErrInvariantViolation or are ErrClosed.
func (e *Engine) Ingest(source string, m *models.Measurement) error {
	start := time.Now()
	if err := e.admit(); err != nil {
		metrics.MeasurementsTotal.WithLabelValues(source, StatusDropped).Inc()
		return err
	}
	defer e.inflight.Done()

	now := e.now()
	if err := m.Validate(now, e.maxSkew); err != nil {
		e.CountMalformed(source)
		return err
	}
	// A device clock running ahead of ours is pulled back to receive time,
	// otherwise last_seen_at would run ahead and mark on-time readings stale.
	if m.Timestamp.After(now) {
		m.Timestamp = now.UTC()
	}

	err := e.store.Do(m.PatientID, true, func(ps *state.PatientState) error {
		if err := ps.Apply(m, e.grace); err != nil {
			return err
		}
		// Evaluation time follows the patient's own clock, which never
		// moves backwards.
		at := ps.LastSeenAt
		return e.reconcile(ps, e.evaluator.Evaluate(ps.Snapshot(), at), at)
	})

	switch {
	case err == nil:
		e.accepted.Add(1)
		metrics.MeasurementsTotal.WithLabelValues(source, StatusAccepted).Inc()
		metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	case errors.Is(err, state.ErrStale):
		e.stale.Add(1)
		metrics.MeasurementsTotal.WithLabelValues(source, StatusStale).Inc()
	default:
		metrics.MeasurementsTotal.WithLabelValues(source, StatusDropped).Inc()
	}
	return err
}

// CountMalformed records a measurement rejected before it reached Ingest,
// e.g. undecodable JSON.
func (e *Engine) CountMalformed(source string) {
	e.malformed.Add(1)
	metrics.MeasurementsTotal.WithLabelValues(source, StatusMalformed).Inc()
}

// reconcile runs the lifecycle and publishes the resulting events. Must be
// called inside store.Do for ps.
func (e *Engine) reconcile(ps *state.PatientState, outcomes []alerts.Outcome, at time.Time) error {
	events, err := e.lifecycle.Reconcile(ps.PatientID, ps.Ledger, outcomes, at)
	if err != nil {
		if errors.Is(err, alerts.ErrInvariantViolation) {
			log := logger.WithPatient("engine", ps.PatientID)
			log.Error().
				Err(err).
				Int("streams", len(ps.Ledger.Streams)).
				Int("history", len(ps.Ledger.History)).
				Msg("alert ledger corrupt, dropping patient state")
			metrics.InvariantViolationsTotal.Inc()
			ps.Discard()
		}
		return fmt.Errorf("reconcile %s: %w", ps.PatientID, err)
	}

	for _, ev := range events {
		e.emit(ev)
	}
	return nil
}

func (e *Engine) emit(ev *models.AlertEvent) {
	e.events.Add(1)
	metrics.AlertTransitionsTotal.WithLabelValues(string(ev.Kind), string(ev.Transition)).Inc()
	if ev.Kind == models.KindSensorDisconnected && ev.Transition == models.TransitionRaised {
		metrics.DisconnectionsTotal.Inc()
	}

	log := logger.WithPatient("engine", ev.PatientID)
	log.Info().
		Str("alert_id", ev.AlertID).
		Str("alert_kind", string(ev.Kind)).
		Str("severity", string(ev.Severity)).
		Str("transition", string(ev.Transition)).
		Float64("trigger_value", ev.TriggerValue).
		Time("at", ev.Timestamp).
		Msg(ev.Message)

	e.publisher.Enqueue(ev)
}

// StalePatients lists patients silent for more than threshold at now.
func (e *Engine) StalePatients(now time.Time, threshold time.Duration) []string {
	return e.store.ListStale(now, threshold)
}

// CheckLiveness feeds a SENSOR_DISCONNECTED outcome for one patient into
// the lifecycle at wall-clock time now and reports whether the
// disconnection stream is still open.
func (e *Engine) CheckLiveness(patientID string, now time.Time) (bool, error) {
	if err := e.admit(); err != nil {
		return false, err
	}
	defer e.inflight.Done()

	var open bool
	err := e.store.Do(patientID, false, func(ps *state.PatientState) error {
		silent := now.Sub(ps.LastSeenAt).Seconds()
		outcome := alerts.Outcome{
			Rule:      e.disconnect,
			Triggered: e.disconnect.Violated(silent),
			Value:     silent,
		}
		if err := e.reconcile(ps, []alerts.Outcome{outcome}, now); err != nil {
			return err
		}
		open = ps.Ledger.Phase(models.KindSensorDisconnected) != alerts.PhaseQuiet
		return nil
	})
	return open, err
}

// Discharge removes a patient. Alerts still active are resolved first so
// downstream views of active alerts stay truthful.
func (e *Engine) Discharge(patientID string) ([]*models.AlertEvent, error) {
	if err := e.admit(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()

	var events []*models.AlertEvent
	err := e.store.Do(patientID, false, func(ps *state.PatientState) error {
		events = e.lifecycle.ResolveAll(ps.Ledger, e.now().UTC())
		for _, ev := range events {
			e.emit(ev)
		}
		ps.Discard()
		return nil
	})
	if err == nil {
		log := logger.WithPatient("engine", patientID)
		log.Info().
			Int("resolved", len(events)).
			Msg("patient discharged")
	}
	return events, err
}

// Acknowledge marks the patient's active alert of kind as acknowledged.
func (e *Engine) Acknowledge(patientID string, kind models.AlertKind) (models.AlertRecord, error) {
	var rec models.AlertRecord
	err := e.store.Do(patientID, false, func(ps *state.PatientState) error {
		var err error
		rec, err = ps.Ledger.Acknowledge(kind, e.now())
		return err
	})
	return rec, err
}

// Archive drops the patient's resolved alert history.
func (e *Engine) Archive(patientID string) (int, error) {
	var n int
	err := e.store.Do(patientID, false, func(ps *state.PatientState) error {
		n = ps.Ledger.Archive()
		return nil
	})
	return n, err
}

// Patient returns a copy of the patient's state.
func (e *Engine) Patient(patientID string) (state.View, error) {
	return e.store.Snapshot(patientID)
}

// ActiveAlerts returns the patient's active alert records.
func (e *Engine) ActiveAlerts(patientID string) ([]models.AlertRecord, error) {
	v, err := e.store.Snapshot(patientID)
	if err != nil {
		return nil, err
	}
	return v.ActiveAlerts, nil
}

// ReloadRules atomically replaces the rule set. Streams of kinds that are
// no longer configured keep their state.
func (e *Engine) ReloadRules(rs *alerts.RuleSet) {
	e.evaluator.Swap(rs)
	metrics.RuleReloadsTotal.WithLabelValues("applied").Inc()
	log := logger.WithComponent("engine")
	log.Info().Int("rules", rs.Len()).Msg("rule set reloaded")
}

// ReloadFromConfig compiles rule configs and swaps them in. An invalid
// rule set is rejected and the current rules stay active.
func (e *Engine) ReloadFromConfig(rules []config.RuleConfig) error {
	rs, err := alerts.RulesFromConfig(rules)
	if err != nil {
		metrics.RuleReloadsTotal.WithLabelValues("rejected").Inc()
		log := logger.WithComponent("engine")
		log.Error().Err(err).Msg("rule reload rejected, keeping current rules")
		return err
	}
	e.ReloadRules(rs)
	return nil
}

// Close stops admitting work and waits for in-flight operations.
func (e *Engine) Close() {
	e.gate.Lock()
	e.closed = true
	e.gate.Unlock()
	e.inflight.Wait()
}

// Stats returns engine counters
func (e *Engine) Stats() Stats {
	return Stats{
		Accepted:  e.accepted.Load(),
		Malformed: e.malformed.Load(),
		Stale:     e.stale.Load(),
		Events:    e.events.Load(),
		Patients:  e.store.Len(),
	}
}

// Stats holds engine counters
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Malformed uint64 `json:"malformed"`
	Stale     uint64 `json:"stale"`
	Events    uint64 `json:"events"`
	Patients  int    `json:"patients"`
}
