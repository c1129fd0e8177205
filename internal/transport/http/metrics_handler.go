package http

import (
	"net/http"

	"github.com/go-chi/render"

	licenseErrors "gymdesk/internal/errors"
)

// MetricsHandler serves the Prometheus scrape endpoint
type MetricsHandler struct {
	exporter http.Handler
}

// NewMetricsHandler creates a new metrics handler. A nil exporter means
// metrics are disabled.
func NewMetricsHandler(exporter http.Handler) *MetricsHandler {
	return &MetricsHandler{exporter: exporter}
}

// ServeHTTP handles GET /metrics
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		_ = render.Render(w, r, licenseErrors.NewProblemDetails(
			http.StatusNotFound,
			licenseErrors.TypeNotFound,
			"Metrics Disabled",
			"Metrics collection is disabled in the configuration.",
			r.URL.Path,
		))
		return
	}
	h.exporter.ServeHTTP(w, r)
}
