package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vitalwatch/internal/logger"
	"vitalwatch/internal/middleware"
)

// Options wires the HTTP surface. Live, Health, Stats and ReloadRules
// are optional.
type Options struct {
	Ingester    Ingester
	Patients    PatientService
	Alerts      AlertQuery
	MaxBodySize int64

	Live        http.Handler
	Health      http.HandlerFunc
	Stats       http.HandlerFunc
	ReloadRules func() error
}

// NewRouter builds the API router.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)

	r.Handle("/metrics", promhttp.Handler())

	if opts.Health != nil {
		r.Get("/health", opts.Health)
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if opts.Stats != nil {
		r.Get("/stats", opts.Stats)
	}

	r.Method(http.MethodPost, "/v1/measurements", NewIngestHandler(IngestConfig{
		Ingester:    opts.Ingester,
		MaxBodySize: opts.MaxBodySize,
	}))

	registerPatientRoutes(r, opts.Patients, opts.Alerts)

	if opts.ReloadRules != nil {
		r.Post("/admin/rules/reload", reloadHandler(opts.ReloadRules))
	}
	if opts.Live != nil {
		r.Handle("/ws/alerts", opts.Live)
	}

	return r
}

func reloadHandler(reload func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reload(); err != nil {
			log := logger.WithRequestID(r.Header.Get(middleware.RequestIDHeader))
			log.Warn().
				Err(err).
				Msg("rule reload rejected")
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}
