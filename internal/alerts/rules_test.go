package alerts

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalwatch/internal/config"
	"vitalwatch/internal/models"
)

func TestRulesFromConfigDefaults(t *testing.T) {
	rs, err := RulesFromConfig(config.DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, len(config.DefaultRules()), rs.Len())

	r, ok := rs.Rule(models.KindHypertensiveCrisis)
	require.True(t, ok)
	assert.Equal(t, models.SeverityCritical, r.Severity)
	assert.Equal(t, models.VitalSystolicBP, r.Vital)
	assert.True(t, r.Violated(181))
	assert.False(t, r.Violated(180))
}

func TestNewRuleSetRejectsInvalid(t *testing.T) {
	valid := tachycardia(0, 0, 0)

	tests := []struct {
		name string
		defs []RuleDefinition
	}{
		{"empty", nil},
		{"duplicate kind", []RuleDefinition{valid, valid}},
		{"unknown vital", []RuleDefinition{func() RuleDefinition { r := valid; r.Vital = "glucose"; return r }()}},
		{"unknown comparator", []RuleDefinition{func() RuleDefinition { r := valid; r.Comparator = "equals"; return r }()}},
		{"unknown severity", []RuleDefinition{func() RuleDefinition { r := valid; r.Severity = "urgent"; return r }()}},
		{"negative debounce", []RuleDefinition{func() RuleDefinition { r := valid; r.Debounce = -time.Second; return r }()}},
		{"reserved kind", []RuleDefinition{{Kind: models.KindSensorDisconnected, Comparator: Above, Severity: models.SeverityHigh}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRuleSet(tt.defs)
			assert.True(t, errors.Is(err, ErrInvalidRules), "got %v", err)
		})
	}
}

func TestDisconnectRule(t *testing.T) {
	r, err := DisconnectRule(config.LivenessConfig{Threshold: 30 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, models.KindSensorDisconnected, r.Kind)
	assert.Equal(t, models.SeverityHigh, r.Severity)
	assert.True(t, r.Violated(31))
	assert.False(t, r.Violated(30))
	assert.Equal(t, "Sensor disconnected: no measurement for 45s", Message(r, models.TransitionRaised, 45))

	_, err = DisconnectRule(config.LivenessConfig{Threshold: time.Second, Severity: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidRules)
}

func TestEvaluateSkipsAbsentAndExpiredVitals(t *testing.T) {
	rs, err := RulesFromConfig(config.DefaultRules())
	require.NoError(t, err)

	snap := models.Snapshot{
		PatientID: "P001",
		Values: map[models.VitalKind]models.Reading{
			models.VitalHeartRate: {Value: 130, At: t0},
			models.VitalSpO2:      {Value: 85, At: t0.Add(-10 * time.Minute)},
		},
	}

	outcomes := rs.Evaluate(snap, t0, 5*time.Minute)

	byKind := map[models.AlertKind]Outcome{}
	for _, o := range outcomes {
		byKind[o.Rule.Kind] = o
	}
	assert.Len(t, outcomes, 2, "only the heart rate rules have a fresh input")
	assert.True(t, byKind[models.KindTachycardia].Triggered)
	assert.Equal(t, 130.0, byKind[models.KindTachycardia].Value)
	assert.False(t, byKind[models.KindBradycardia].Triggered)
	_, hasHypoxia := byKind[models.KindHypoxia]
	assert.False(t, hasHypoxia, "expired spo2 must not be evaluated")
}

func TestEvaluatorSwapIsAtomic(t *testing.T) {
	strict, err := NewRuleSet([]RuleDefinition{tachycardia(0, 0, 0)})
	require.NoError(t, err)
	lenient := tachycardia(0, 0, 0)
	lenient.Threshold = 200
	relaxed, err := NewRuleSet([]RuleDefinition{lenient})
	require.NoError(t, err)

	ev := NewEvaluator(strict, 0)
	snap := models.Snapshot{Values: map[models.VitalKind]models.Reading{
		models.VitalHeartRate: {Value: 150, At: t0},
	}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				out := ev.Evaluate(snap, t0)
				if len(out) != 1 {
					t.Errorf("expected one outcome, got %d", len(out))
					return
				}
				if th := out[0].Rule.Threshold; th != 100 && th != 200 {
					t.Errorf("torn rule set, threshold %v", th)
					return
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			ev.Swap(relaxed)
		} else {
			ev.Swap(strict)
		}
	}
	wg.Wait()

	assert.Same(t, strict, ev.Rules())
}
