package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"vitalwatch/internal/alerts"
	"vitalwatch/internal/engine"
	"vitalwatch/internal/logger"
	"vitalwatch/internal/models"
	"vitalwatch/internal/state"
)

// PatientService is the engine surface behind the patient endpoints.
type PatientService interface {
	Patient(patientID string) (state.View, error)
	Discharge(patientID string) ([]*models.AlertEvent, error)
	Acknowledge(patientID string, kind models.AlertKind) (models.AlertRecord, error)
	Archive(patientID string) (int, error)
}

// AlertQuery reads the durable alert store.
type AlertQuery interface {
	ActiveAlerts(ctx context.Context, patientID string) ([]models.AlertEvent, error)
	Since(ctx context.Context, since time.Time, limit int) ([]models.AlertEvent, error)
}

type alertsResponse struct {
	Count  int                 `json:"count"`
	Alerts []models.AlertEvent `json:"alerts"`
}

func registerPatientRoutes(r chi.Router, svc PatientService, query AlertQuery) {
	r.Route("/v1/patients/{patientID}", func(pr chi.Router) {
		pr.Get("/", getPatientHandler(svc))
		pr.Delete("/", dischargeHandler(svc))
		pr.Get("/alerts/active", activeAlertsHandler(query))
		pr.Post("/alerts/{kind}/ack", acknowledgeHandler(svc))
		pr.Post("/alerts/archive", archiveHandler(svc))
	})

	r.Get("/v1/alerts", alertsSinceHandler(query))
}

func getPatientHandler(svc PatientService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.Patient(chi.URLParam(r, "patientID"))
		if err != nil {
			writeStateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func dischargeHandler(svc PatientService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "patientID")
		events, err := svc.Discharge(id)
		if err != nil {
			writeStateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"patient_id": id,
			"resolved":   len(events),
		})
	}
}

func activeAlertsHandler(query AlertQuery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "patientID")
		events, err := query.ActiveAlerts(r.Context(), id)
		if err != nil {
			log := logger.WithPatient("http", id)
			log.Error().Err(err).Msg("active alerts query failed")
			writeError(w, http.StatusServiceUnavailable, "alert store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, alertsResponse{Count: len(events), Alerts: events})
	}
}

func acknowledgeHandler(svc PatientService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := models.AlertKind(strings.ToUpper(chi.URLParam(r, "kind")))
		rec, err := svc.Acknowledge(chi.URLParam(r, "patientID"), kind)
		if err != nil {
			writeStateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func archiveHandler(svc PatientService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.Archive(chi.URLParam(r, "patientID"))
		if err != nil {
			writeStateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"archived": n})
	}
}

func alertsSinceHandler(query AlertQuery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var since time.Time
		if raw := q.Get("since"); raw != "" {
			t, err := models.ParseTimestamp(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
				return
			}
			since = t
		}

		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		events, err := query.Since(r.Context(), since, limit)
		if err != nil {
			log := logger.WithComponent("http")
			log.Error().Err(err).Msg("alerts query failed")
			writeError(w, http.StatusServiceUnavailable, "alert store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, alertsResponse{Count: len(events), Alerts: events})
	}
}

func writeStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, "patient not found")
	case errors.Is(err, alerts.ErrNoActiveAlert):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
