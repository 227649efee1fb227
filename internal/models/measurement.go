package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// VitalKind names one physiological signal carried by a measurement.
type VitalKind string

const (
	VitalHeartRate       VitalKind = "heart_rate"
	VitalSpO2            VitalKind = "spo2"
	VitalSystolicBP      VitalKind = "systolic_bp"
	VitalDiastolicBP     VitalKind = "diastolic_bp"
	VitalTemperature     VitalKind = "temperature_c"
	VitalRespiratoryRate VitalKind = "respiratory_rate"
)

// vitalRange holds the plausible range and display unit of a vital.
type vitalRange struct {
	Min  float64
	Max  float64
	Unit string
}

var vitalRanges = map[VitalKind]vitalRange{
	VitalHeartRate:       {Min: 1, Max: 300, Unit: "bpm"},
	VitalSpO2:            {Min: 1, Max: 100, Unit: "%"},
	VitalSystolicBP:      {Min: 20, Max: 300, Unit: "mmHg"},
	VitalDiastolicBP:     {Min: 10, Max: 250, Unit: "mmHg"},
	VitalTemperature:     {Min: 20, Max: 45, Unit: "°C"},
	VitalRespiratoryRate: {Min: 1, Max: 100, Unit: "/min"},
}

// IsValid reports whether v is a known vital kind.
func (v VitalKind) IsValid() bool {
	_, ok := vitalRanges[v]
	return ok
}

// Unit returns the display unit of the vital.
func (v VitalKind) Unit() string {
	return vitalRanges[v].Unit
}

// VitalKinds returns every known vital kind in a stable order.
func VitalKinds() []VitalKind {
	out := make([]VitalKind, 0, len(vitalRanges))
	for k := range vitalRanges {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Measurement is one (possibly partial) vitals reading for a patient.
// Units are already normalized: temperature in Celsius, SpO2 in percent.
type Measurement struct {
	PatientID string                `json:"patient_id"`
	Timestamp time.Time             `json:"timestamp"`
	Values    map[VitalKind]float64 `json:"values"`
}

// Reading is the last known value of one vital together with its timestamp.
type Reading struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// Snapshot is the merged last-known view of every vital of one patient.
type Snapshot struct {
	PatientID  string                `json:"patient_id"`
	LastSeenAt time.Time             `json:"last_seen_at"`
	Values     map[VitalKind]Reading `json:"values"`
}

// Value returns the reading for kind if it is present and not older than
// maxAge relative to at. A zero maxAge disables the age check.
func (s Snapshot) Value(kind VitalKind, at time.Time, maxAge time.Duration) (float64, bool) {
	r, ok := s.Values[kind]
	if !ok {
		return 0, false
	}
	if maxAge > 0 && at.Sub(r.At) > maxAge {
		return 0, false
	}
	return r.Value, true
}

// ErrMalformed is the root of every measurement validation error.
var ErrMalformed = errors.New("malformed measurement")

// Validation errors
var (
	ErrEmptyPatientID   = fmt.Errorf("%w: patient id cannot be empty", ErrMalformed)
	ErrZeroTimestamp    = fmt.Errorf("%w: timestamp cannot be zero", ErrMalformed)
	ErrFutureTimestamp  = fmt.Errorf("%w: timestamp too far in the future", ErrMalformed)
	ErrInvalidTimestamp = fmt.Errorf("%w: invalid timestamp format", ErrMalformed)
	ErrNoVitals         = fmt.Errorf("%w: no vitals present", ErrMalformed)
	ErrUnknownVital     = fmt.Errorf("%w: unknown vital", ErrMalformed)
	ErrVitalOutOfRange  = fmt.Errorf("%w: vital out of range", ErrMalformed)
	ErrUnknownUnit      = fmt.Errorf("%w: unknown temperature unit", ErrMalformed)
	ErrPatientIDTooLong = fmt.Errorf("%w: patient id exceeds maximum length", ErrMalformed)
)

const (
	MaxPatientIDLength  = 128
	DefaultMaxClockSkew = 10 * time.Second
)

// Validate checks the measurement against structural and physiological
// bounds. Timestamps later than now+maxSkew are rejected.
func (m *Measurement) Validate(now time.Time, maxSkew time.Duration) error {
	if m.PatientID == "" {
		return ErrEmptyPatientID
	}

	if len(m.PatientID) > MaxPatientIDLength {
		return ErrPatientIDTooLong
	}

	if m.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	if maxSkew > 0 && m.Timestamp.After(now.Add(maxSkew)) {
		return ErrFutureTimestamp
	}

	if len(m.Values) == 0 {
		return ErrNoVitals
	}

	for kind, v := range m.Values {
		rng, ok := vitalRanges[kind]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownVital, kind)
		}
		if math.IsNaN(v) || v < rng.Min || v > rng.Max {
			return fmt.Errorf("%w: %s=%v", ErrVitalOutOfRange, kind, v)
		}
	}

	return nil
}
