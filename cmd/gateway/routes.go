package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires the gateway's three HTTP endpoints to the shared mux:
// the WebSocket streaming endpoint, a liveness probe, and Prometheus metrics
// (spec.md §4.G expansion: "/health and /metrics", matching the teacher's
// registerRoutes route-registration style).
func registerRoutes(mux *http.ServeMux, wsHandler http.Handler) {
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
