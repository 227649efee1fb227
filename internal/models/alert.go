package models

import (
	"fmt"
	"strings"
	"time"
)

// AlertKind identifies one independent alert stream per patient.
type AlertKind string

const (
	KindTachycardia        AlertKind = "TACHYCARDIA"
	KindBradycardia        AlertKind = "BRADYCARDIA"
	KindHypoxia            AlertKind = "HYPOXIA"
	KindFever              AlertKind = "FEVER"
	KindHypertensiveCrisis AlertKind = "HYPERTENSIVE_CRISIS"
	KindHypotension        AlertKind = "HYPOTENSION"
	KindHypothermia        AlertKind = "HYPOTHERMIA"
	KindTachypnea          AlertKind = "TACHYPNEA"
	KindBradypnea          AlertKind = "BRADYPNEA"

	// KindSensorDisconnected is raised by the liveness monitor, never by a rule.
	KindSensorDisconnected AlertKind = "SENSOR_DISCONNECTED"
)

// Title returns a human readable name, e.g. "Hypertensive crisis".
func (k AlertKind) Title() string {
	s := strings.ToLower(strings.ReplaceAll(string(k), "_", " "))
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Severity is the clinical urgency of an alert kind.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityModerate:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// IsValid checks if the severity level is valid
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// AlertState is the persisted state of an AlertRecord.
type AlertState string

const (
	AlertActive   AlertState = "ACTIVE"
	AlertResolved AlertState = "RESOLVED"
)

// Transition is the lifecycle change an AlertEvent reports.
type Transition string

const (
	TransitionRaised    Transition = "raised"
	TransitionConfirmed Transition = "confirmed"
	TransitionResolved  Transition = "resolved"
)

// AlertRecord is the audit record of one alert occurrence for one patient.
type AlertRecord struct {
	ID              string     `json:"id"`
	PatientID       string     `json:"patient_id"`
	Kind            AlertKind  `json:"alert_kind"`
	Severity        Severity   `json:"severity"`
	State           AlertState `json:"state"`
	RaisedAt        time.Time  `json:"raised_at"`
	LastConfirmedAt time.Time  `json:"last_confirmed_at"`
	TriggerValue    float64    `json:"trigger_value"`
	Threshold       float64    `json:"threshold"`
	OccurrenceCount int        `json:"occurrence_count"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// AlertEvent is one lifecycle transition delivered to downstream sinks.
type AlertEvent struct {
	AlertID         string     `json:"alert_id"`
	PatientID       string     `json:"patient_id"`
	Kind            AlertKind  `json:"alert_kind"`
	Severity        Severity   `json:"severity"`
	Transition      Transition `json:"transition"`
	Timestamp       time.Time  `json:"timestamp"`
	TriggerValue    float64    `json:"trigger_value"`
	Threshold       float64    `json:"threshold"`
	OccurrenceCount int        `json:"occurrence_count"`
	Message         string     `json:"message"`
}

// DedupKey is the idempotency key consumers deduplicate on:
// patient, kind, transition and transition timestamp.
func (e *AlertEvent) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%d", e.PatientID, e.Kind, e.Transition, e.Timestamp.UnixNano())
}
