package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var startTime = time.Now()

// RegisterRoutes регистрирует маршруты API, /healthz и /metrics.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Events
	mux.Handle("POST /api/v1/events", chain(http.HandlerFunc(h.SendEvent)))

	// Runs
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))

	// Functions
	mux.Handle("GET /api/v1/functions", chain(http.HandlerFunc(h.ListFunctions)))
	mux.Handle("GET /api/v1/functions/{id}/runs", chain(http.HandlerFunc(h.ListFunctionRuns)))

	RegisterHealth(mux)
}

// RegisterHealth добавляет /healthz и /metrics. Используется всеми бинарниками.
func RegisterHealth(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime).Round(time.Second))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
}
