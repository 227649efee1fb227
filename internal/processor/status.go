package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"vitalwatch/internal/engine"
	"vitalwatch/internal/kafka"
	"vitalwatch/internal/worker"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Sinks     map[string]string `json:"sinks"`
}

// healthHandler pings every sink. Any sink failing its ping makes the
// service unhealthy.
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Sinks:     make(map[string]string, len(p.sinks)),
	}
	status := http.StatusOK

	for _, s := range p.sinks {
		pg, ok := s.(pinger)
		if !ok {
			continue
		}
		if err := pg.Ping(ctx); err != nil {
			resp.Sinks[s.Name()] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Sinks[s.Name()] = "ok"
	}

	writeJSON(w, status, resp)
}

type statsResponse struct {
	Engine       engine.Stats         `json:"engine"`
	Publisher    worker.Stats         `json:"publisher"`
	Producer     *kafka.ProducerStats `json:"producer,omitempty"`
	Overflow     uint64               `json:"overflow_written"`
	Disconnected int                  `json:"disconnected_patients"`
	LiveClients  int                  `json:"live_clients"`
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Engine:       p.engine.Stats(),
		Publisher:    p.workerPool.Stats(),
		Overflow:     p.overflow.Count(),
		Disconnected: p.monitor.Flagged(),
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		resp.Producer = &ps
	}
	if p.hub != nil {
		resp.LiveClients = p.hub.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
