package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// DAGs
	mux.Handle("GET /api/v1/dags", chain(http.HandlerFunc(h.ListDAGs)))
	mux.Handle("GET /api/v1/dags/{id}", chain(http.HandlerFunc(h.GetDAG)))
	mux.Handle("POST /api/v1/dags/{id}/runs", chain(http.HandlerFunc(h.TriggerDAG)))
	mux.Handle("PUT /api/v1/dags/{id}/paused", chain(http.HandlerFunc(h.SetDAGPaused)))

	// Runs
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))
	mux.Handle("GET /api/v1/runs/{id}/tasks", chain(http.HandlerFunc(h.ListRunTasks)))
}
