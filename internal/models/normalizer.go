package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// BloodPressureInput is the nested blood pressure object some feeds send.
type BloodPressureInput struct {
	Systolic  *float64 `json:"systolic"`
	Diastolic *float64 `json:"diastolic"`
}

// MeasurementInput is the wire format of a measurement. Both snake_case and
// the camelCase names used by the vitals generator are accepted.
type MeasurementInput struct {
	PatientID    string `json:"patient_id"`
	PatientIDAlt string `json:"patientId,omitempty"`
	Timestamp    string `json:"timestamp"`

	HeartRate    *float64 `json:"heart_rate,omitempty"`
	HeartRateAlt *float64 `json:"heartRate,omitempty"`

	SpO2    *float64 `json:"spo2,omitempty"`
	SpO2Alt *float64 `json:"spO2,omitempty"`

	SystolicBP       *float64            `json:"systolic_bp,omitempty"`
	DiastolicBP      *float64            `json:"diastolic_bp,omitempty"`
	BloodPressure    *BloodPressureInput `json:"blood_pressure,omitempty"`
	BloodPressureAlt *BloodPressureInput `json:"bloodPressure,omitempty"`

	TemperatureC    *float64 `json:"temperature_c,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TemperatureUnit string   `json:"temperature_unit,omitempty"`

	RespiratoryRate *float64 `json:"respiratory_rate,omitempty"`
	RespiratoryAlt  *float64 `json:"respiratory,omitempty"`
}

// BatchInput is the envelope form {"measurements": [...]}.
type BatchInput struct {
	Measurement  *MeasurementInput  `json:"measurement,omitempty"`
	Measurements []MeasurementInput `json:"measurements,omitempty"`
}

// ParseMeasurements decodes a payload holding a batch envelope, a JSON array
// or a single measurement object.
func ParseMeasurements(body []byte) ([]MeasurementInput, error) {
	var batch BatchInput
	if err := json.Unmarshal(body, &batch); err == nil {
		if len(batch.Measurements) > 0 {
			return batch.Measurements, nil
		}
		if batch.Measurement != nil {
			return []MeasurementInput{*batch.Measurement}, nil
		}
	}

	var inputs []MeasurementInput
	if err := json.Unmarshal(body, &inputs); err == nil && len(inputs) > 0 {
		return inputs, nil
	}

	var single MeasurementInput
	// The patient id may be missing here and supplied by the transport,
	// e.g. an MQTT topic segment.
	if err := json.Unmarshal(body, &single); err == nil && (single.patientID() != "" || single.hasVitals()) {
		return []MeasurementInput{single}, nil
	}

	return nil, fmt.Errorf("%w: expected measurement object or array of measurements", ErrMalformed)
}

// ToMeasurement converts the wire input into a normalized Measurement.
// A missing timestamp is replaced by receivedAt.
func (in MeasurementInput) ToMeasurement(receivedAt time.Time) (*Measurement, error) {
	m := &Measurement{
		PatientID: in.patientID(),
		Values:    make(map[VitalKind]float64, 6),
	}

	if strings.TrimSpace(in.Timestamp) == "" {
		m.Timestamp = receivedAt.UTC()
	} else {
		ts, err := ParseTimestamp(in.Timestamp)
		if err != nil {
			return nil, err
		}
		m.Timestamp = ts
	}

	put := func(kind VitalKind, vals ...*float64) {
		for _, v := range vals {
			if v != nil {
				m.Values[kind] = *v
				return
			}
		}
	}

	put(VitalHeartRate, in.HeartRate, in.HeartRateAlt)
	put(VitalSpO2, in.SpO2, in.SpO2Alt)
	put(VitalRespiratoryRate, in.RespiratoryRate, in.RespiratoryAlt)
	put(VitalSystolicBP, in.SystolicBP)
	put(VitalDiastolicBP, in.DiastolicBP)
	for _, bp := range []*BloodPressureInput{in.BloodPressure, in.BloodPressureAlt} {
		if bp == nil {
			continue
		}
		if _, ok := m.Values[VitalSystolicBP]; !ok && bp.Systolic != nil {
			m.Values[VitalSystolicBP] = *bp.Systolic
		}
		if _, ok := m.Values[VitalDiastolicBP]; !ok && bp.Diastolic != nil {
			m.Values[VitalDiastolicBP] = *bp.Diastolic
		}
	}

	switch {
	case in.TemperatureC != nil:
		m.Values[VitalTemperature] = *in.TemperatureC
	case in.Temperature != nil:
		c, err := ToCelsius(*in.Temperature, in.TemperatureUnit)
		if err != nil {
			return nil, err
		}
		m.Values[VitalTemperature] = c
	}

	m.Normalize()
	return m, nil
}

// patientID returns the trimmed patient id from whichever field carried it.
func (in MeasurementInput) patientID() string {
	if id := strings.TrimSpace(in.PatientID); id != "" {
		return id
	}
	return strings.TrimSpace(in.PatientIDAlt)
}

// hasVitals reports whether any vital field was sent.
func (in MeasurementInput) hasVitals() bool {
	for _, v := range []*float64{
		in.HeartRate, in.HeartRateAlt, in.SpO2, in.SpO2Alt,
		in.SystolicBP, in.DiastolicBP, in.TemperatureC, in.Temperature,
		in.RespiratoryRate, in.RespiratoryAlt,
	} {
		if v != nil {
			return true
		}
	}
	return in.BloodPressure != nil || in.BloodPressureAlt != nil
}

// Normalize applies unit normalization to a Measurement
// - trims the patient id
// - converts SpO2 fractions (0..1] to percent
// - converts the timestamp to UTC
func (m *Measurement) Normalize() {
	m.PatientID = strings.TrimSpace(m.PatientID)
	m.Timestamp = m.Timestamp.UTC()

	if v, ok := m.Values[VitalSpO2]; ok && v > 0 && v <= 1 {
		m.Values[VitalSpO2] = v * 100
	}
}

// ToCelsius converts a temperature in the given unit (C, F, K; empty means C).
func ToCelsius(v float64, unit string) (float64, error) {
	switch strings.ToUpper(strings.TrimSpace(unit)) {
	case "", "C", "CELSIUS":
		return v, nil
	case "F", "FAHRENHEIT":
		return (v - 32) * 5 / 9, nil
	case "K", "KELVIN":
		return v - 273.15, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
