package models

import (
	"time"
)

// Envelope wraps an AlertEvent with internal metadata for publishing
type Envelope struct {
	// Event being delivered
	Event *AlertEvent `json:"event"`

	// Internal publishing metadata
	EnqueuedAt   time.Time `json:"enqueued_at"`
	Node         string    `json:"node"`
	Attempts     int       `json:"attempts"`
	PartitionKey string    `json:"partition_key"`
}

// NewEnvelope creates a new envelope wrapping an alert event
func NewEnvelope(event *AlertEvent, node string) *Envelope {
	return &Envelope{
		Event:        event,
		EnqueuedAt:   time.Now().UTC(),
		Node:         node,
		PartitionKey: event.PatientID, // partition by patient for ordering
	}
}
