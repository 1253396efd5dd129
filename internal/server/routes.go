package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
func (s *Server) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.WebSocketHandler)
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	mux.Handle("POST /api/emit", s.ingressHandler("emit", s.handleEmit))
	mux.Handle("POST /api/counters/transition", s.ingressHandler("counters_transition", s.handleTransition))
	mux.Handle("POST /api/counters/individual", s.ingressHandler("counters_individual", s.handleIndividual))
	mux.Handle("GET /api/counters", s.ingressHandler("counters_snapshot", s.handleCounters))
	mux.Handle("POST /api/sync", s.ingressHandler("sync", s.handleSync))
	mux.Handle("POST /api/progress", s.ingressHandler("progress_start", s.handleProgressStart))
	mux.Handle("GET /api/progress/{id}", s.ingressHandler("progress_get", s.handleProgressGet))
	mux.Handle("PATCH /api/progress/{id}", s.ingressHandler("progress_update", s.handleProgressUpdate))
	return mux
}
