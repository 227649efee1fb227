package alerts

import (
	"sync/atomic"
	"time"

	"vitalwatch/internal/models"
)

// Outcome is the result of one rule against one snapshot.
type Outcome struct {
	Rule      RuleDefinition
	Triggered bool
	Value     float64
}

// Evaluate runs every rule whose vital is present and fresh in snap.
// Rules with an absent or expired input produce no outcome. A zero maxAge
// keeps readings forever.
func (rs *RuleSet) Evaluate(snap models.Snapshot, at time.Time, maxAge time.Duration) []Outcome {
	out := make([]Outcome, 0, len(rs.rules))
	for _, r := range rs.rules {
		v, ok := snap.Value(r.Vital, at, maxAge)
		if !ok {
			continue
		}
		out = append(out, Outcome{
			Rule:      r,
			Triggered: r.Violated(v),
			Value:     v,
		})
	}
	return out
}

// Evaluator evaluates snapshots against the current rule set. The rule
// set can be swapped while evaluations are running; each evaluation sees
// exactly one rule set.
type Evaluator struct {
	rules  atomic.Pointer[RuleSet]
	maxAge time.Duration
}

// NewEvaluator creates an evaluator over rs.
func NewEvaluator(rs *RuleSet, maxAge time.Duration) *Evaluator {
	e := &Evaluator{maxAge: maxAge}
	e.rules.Store(rs)
	return e
}

// Evaluate runs the current rule set against snap at the given time.
func (e *Evaluator) Evaluate(snap models.Snapshot, at time.Time) []Outcome {
	return e.rules.Load().Evaluate(snap, at, e.maxAge)
}

// Rules returns the current rule set.
func (e *Evaluator) Rules() *RuleSet {
	return e.rules.Load()
}

// Swap atomically replaces the rule set and returns the previous one.
func (e *Evaluator) Swap(rs *RuleSet) *RuleSet {
	return e.rules.Swap(rs)
}
