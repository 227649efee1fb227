package alerts

import (
	"errors"
	"fmt"
	"time"

	"vitalwatch/internal/config"
	"vitalwatch/internal/models"
)

// ErrInvalidRules is returned when a rule set fails validation. A rejected
// rule set never replaces the active one.
var ErrInvalidRules = errors.New("invalid rule set")

// Comparator is the direction a vital has to cross its threshold.
type Comparator string

const (
	Above Comparator = "above"
	Below Comparator = "below"
)

// RuleDefinition is one threshold rule: vital <comparator> threshold.
// Definitions are values and never change once loaded.
type RuleDefinition struct {
	Kind       models.AlertKind
	Vital      models.VitalKind
	Comparator Comparator
	Threshold  float64
	Severity   models.Severity

	// Debounce is how long a violation must persist before it is raised.
	Debounce time.Duration
	// Hysteresis is how long the condition must stay clear before resolving.
	Hysteresis time.Duration
	// ConfirmInterval is the heartbeat cadence of an active alert; zero
	// disables heartbeats.
	ConfirmInterval time.Duration
}

// Violated reports whether value breaks the rule.
func (r RuleDefinition) Violated(value float64) bool {
	switch r.Comparator {
	case Above:
		return value > r.Threshold
	case Below:
		return value < r.Threshold
	default:
		return false
	}
}

// Validate checks a single definition.
func (r RuleDefinition) Validate() error {
	if r.Kind == "" {
		return fmt.Errorf("%w: rule kind is required", ErrInvalidRules)
	}
	if r.Kind == models.KindSensorDisconnected {
		if r.Vital != "" {
			return fmt.Errorf("%w: %s does not take a vital", ErrInvalidRules, r.Kind)
		}
	} else if !r.Vital.IsValid() {
		return fmt.Errorf("%w: %s: unknown vital %q", ErrInvalidRules, r.Kind, r.Vital)
	}
	if r.Comparator != Above && r.Comparator != Below {
		return fmt.Errorf("%w: %s: unknown comparator %q", ErrInvalidRules, r.Kind, r.Comparator)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidRules, r.Kind, r.Severity)
	}
	if r.Debounce < 0 || r.Hysteresis < 0 || r.ConfirmInterval < 0 {
		return fmt.Errorf("%w: %s: windows must not be negative", ErrInvalidRules, r.Kind)
	}
	return nil
}

// RuleSet is an immutable, validated collection of rules with one rule per
// alert kind.
type RuleSet struct {
	rules  []RuleDefinition
	byKind map[models.AlertKind]RuleDefinition
}

// NewRuleSet validates defs and builds a rule set. Rules are evaluated in
// the order given.
func NewRuleSet(defs []RuleDefinition) (*RuleSet, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrInvalidRules)
	}

	rs := &RuleSet{
		rules:  make([]RuleDefinition, 0, len(defs)),
		byKind: make(map[models.AlertKind]RuleDefinition, len(defs)),
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if d.Kind == models.KindSensorDisconnected {
			return nil, fmt.Errorf("%w: %s is reserved for liveness", ErrInvalidRules, d.Kind)
		}
		if _, dup := rs.byKind[d.Kind]; dup {
			return nil, fmt.Errorf("%w: duplicate kind %s", ErrInvalidRules, d.Kind)
		}
		rs.rules = append(rs.rules, d)
		rs.byKind[d.Kind] = d
	}
	return rs, nil
}

// RulesFromConfig compiles the rules section of the config file.
func RulesFromConfig(cfgs []config.RuleConfig) (*RuleSet, error) {
	defs := make([]RuleDefinition, 0, len(cfgs))
	for _, c := range cfgs {
		defs = append(defs, RuleDefinition{
			Kind:            models.AlertKind(c.Kind),
			Vital:           models.VitalKind(c.Vital),
			Comparator:      Comparator(c.Comparator),
			Threshold:       c.Threshold,
			Severity:        models.Severity(c.Severity),
			Debounce:        c.Debounce,
			Hysteresis:      c.Hysteresis,
			ConfirmInterval: c.ConfirmInterval,
		})
	}
	return NewRuleSet(defs)
}

// DisconnectRule builds the SENSOR_DISCONNECTED rule from the liveness
// settings. Its value is the number of seconds since the last measurement.
func DisconnectRule(c config.LivenessConfig) (RuleDefinition, error) {
	severity := models.Severity(c.Severity)
	if severity == "" {
		severity = models.SeverityHigh
	}
	r := RuleDefinition{
		Kind:            models.KindSensorDisconnected,
		Comparator:      Above,
		Threshold:       c.Threshold.Seconds(),
		Severity:        severity,
		Debounce:        c.Debounce,
		Hysteresis:      c.Hysteresis,
		ConfirmInterval: c.ConfirmInterval,
	}
	if err := r.Validate(); err != nil {
		return RuleDefinition{}, err
	}
	return r, nil
}

// Rules returns the definitions in evaluation order.
func (rs *RuleSet) Rules() []RuleDefinition {
	out := make([]RuleDefinition, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Rule returns the definition for kind.
func (rs *RuleSet) Rule(kind models.AlertKind) (RuleDefinition, bool) {
	r, ok := rs.byKind[kind]
	return r, ok
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Message renders the human readable text carried by an alert event.
func Message(r RuleDefinition, t models.Transition, value float64) string {
	if r.Kind == models.KindSensorDisconnected {
		silent := time.Duration(value * float64(time.Second)).Round(time.Second)
		if t == models.TransitionResolved {
			return "Sensor reconnected"
		}
		return fmt.Sprintf("Sensor disconnected: no measurement for %s", silent)
	}

	unit := r.Vital.Unit()
	if t == models.TransitionResolved {
		return fmt.Sprintf("%s resolved: %s %.1f %s", r.Kind.Title(), r.Vital, value, unit)
	}
	return fmt.Sprintf("%s: %s %.1f %s %s %.1f", r.Kind.Title(), r.Vital, value, unit, r.Comparator, r.Threshold)
}
