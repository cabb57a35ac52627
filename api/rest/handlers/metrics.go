package handlers

import (
	"net/http"
)

// MetricsSource renders metrics in the Prometheus text format
type MetricsSource interface {
	GetPrometheusMetrics() string
}

// MetricsHandler serves the metrics and health endpoints
type MetricsHandler struct {
	source MetricsSource
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(source MetricsSource) *MetricsHandler {
	return &MetricsHandler{source: source}
}

// GetMetrics handles GET /metrics
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(h.source.GetPrometheusMetrics()))
}

// Health handles GET /health
func (h *MetricsHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
