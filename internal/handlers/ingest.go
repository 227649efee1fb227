package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"vitalwatch/internal/engine"
	"vitalwatch/internal/logger"
	"vitalwatch/internal/middleware"
)

// Source labels measurements that arrived over HTTP.
const Source = "http"

// Ingester accepts raw measurement payloads.
type Ingester interface {
	IngestPayload(source string, body []byte, receivedAt time.Time) (engine.Result, error)
}

// IngestHandler handles measurement ingestion via HTTP
type IngestHandler struct {
	ingester Ingester

	// Max body size (default 1MB)
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Ingester    Ingester
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}

	return &IngestHandler{
		ingester:    cfg.Ingester,
		maxBodySize: maxBodySize,
	}
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool               `json:"success"`
	Accepted int                `json:"accepted"`
	Rejected int                `json:"rejected"`
	Errors   []engine.ItemError `json:"errors,omitempty"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	res, err := h.ingester.IngestPayload(Source, body, time.Now())
	switch {
	case errors.Is(err, engine.ErrClosed):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	response := IngestResponse{
		Success:  res.Rejected == 0,
		Accepted: res.Accepted,
		Rejected: res.Rejected,
		Errors:   res.Errors,
	}

	if res.Rejected > 0 {
		log := logger.WithRequestID(r.Header.Get(middleware.RequestIDHeader))
		log.Debug().
			Int("accepted", res.Accepted).
			Int("rejected", res.Rejected).
			Msg("measurements rejected")
	}

	status := http.StatusAccepted
	if res.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
