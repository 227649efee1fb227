package engine

import (
	"errors"
	"time"

	"vitalwatch/internal/metrics"
	"vitalwatch/internal/models"
)

// Result summarizes one ingested payload.
type Result struct {
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Errors   []ItemError `json:"errors,omitempty"`
}

// ItemError describes why one measurement of a payload was rejected.
type ItemError struct {
	Index     int    `json:"index"`
	PatientID string `json:"patient_id,omitempty"`
	Error     string `json:"error"`
}

// IngestPayload decodes a JSON payload (object, array or batch envelope)
// and ingests every measurement in it. A payload that cannot be decoded
// at all is returned as an error wrapping models.ErrMalformed.
func (e *Engine) IngestPayload(source string, body []byte, receivedAt time.Time) (Result, error) {
	inputs, err := models.ParseMeasurements(body)
	if err != nil {
		e.CountMalformed(source)
		return Result{}, err
	}
	return e.IngestInputs(source, inputs, receivedAt)
}

// IngestInputs converts and ingests decoded measurements in order.
// Per-item failures are reported in the result; only ErrClosed stops
// the batch.
func (e *Engine) IngestInputs(source string, inputs []models.MeasurementInput, receivedAt time.Time) (Result, error) {
	metrics.IngestBatchSize.Observe(float64(len(inputs)))

	res := Result{}
	for i, in := range inputs {
		m, err := in.ToMeasurement(receivedAt)
		if err != nil {
			e.CountMalformed(source)
			res.reject(i, in.PatientID, err)
			continue
		}

		if err := e.Ingest(source, m); err != nil {
			if errors.Is(err, ErrClosed) {
				res.Rejected += len(inputs) - i
				return res, err
			}
			res.reject(i, m.PatientID, err)
			continue
		}
		res.Accepted++
	}
	return res, nil
}

func (r *Result) reject(i int, patientID string, err error) {
	r.Rejected++
	r.Errors = append(r.Errors, ItemError{Index: i, PatientID: patientID, Error: err.Error()})
}
