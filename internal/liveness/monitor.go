package liveness

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"vitalwatch/internal/logger"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/state"
)

// Target is what the monitor sweeps: a source of silent patients and the
// serialized per-patient path that feeds disconnection outcomes into the
// alert lifecycle.
type Target interface {
	// StalePatients lists patients silent for more than threshold at now.
	StalePatients(now time.Time, threshold time.Duration) []string

	// CheckLiveness re-evaluates one patient's disconnection stream at now
	// and reports whether the stream is still open (not QUIET).
	CheckLiveness(patientID string, now time.Time) (open bool, err error)
}

// Monitor periodically detects patients whose sensors went silent.
// Patients with an open disconnection stream are revisited on every
// sweep so that recovery and resolution are observed.
type Monitor struct {
	target    Target
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time

	mu      sync.Mutex
	flagged map[string]struct{}
}

// Config holds monitor configuration
type Config struct {
	Target    Target
	Interval  time.Duration
	Threshold time.Duration

	// Now overrides the wall clock in tests.
	Now func() time.Time
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		target:    cfg.Target,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		now:       cfg.Now,
		flagged:   make(map[string]struct{}),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	log := logger.WithComponent("liveness")
	log.Info().
		Dur("interval", m.interval).
		Dur("threshold", m.threshold).
		Msg("liveness monitor started")
	defer log.Info().Msg("liveness monitor stopped")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.safeSweep()
		}
	}
}

// safeSweep keeps the monitor alive if one sweep panics.
func (m *Monitor) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			log := logger.WithComponent("liveness")
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("liveness sweep panic recovered")
			metrics.PanicsRecovered.WithLabelValues("liveness").Inc()
		}
	}()
	m.Sweep(m.now())
}

// Sweep runs one detection pass at now and returns the number of
// patients with an open disconnection stream afterwards.
func (m *Monitor) Sweep(now time.Time) int {
	start := time.Now()
	defer func() {
		metrics.LivenessSweepDuration.Observe(time.Since(start).Seconds())
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make(map[string]struct{}, len(m.flagged))
	for id := range m.flagged {
		candidates[id] = struct{}{}
	}
	for _, id := range m.target.StalePatients(now, m.threshold) {
		candidates[id] = struct{}{}
	}

	log := logger.WithComponent("liveness")
	for id := range candidates {
		open, err := m.target.CheckLiveness(id, now)
		switch {
		case errors.Is(err, state.ErrNotFound):
			delete(m.flagged, id)
		case err != nil:
			log.Error().Err(err).Str("patient_id", id).Msg("liveness check failed")
		case open:
			m.flagged[id] = struct{}{}
		default:
			delete(m.flagged, id)
		}
	}
	return len(m.flagged)
}

// Flagged returns the number of patients currently tracked as disconnected
// or recovering.
func (m *Monitor) Flagged() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flagged)
}
