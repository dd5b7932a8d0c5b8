package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zoff-tech/go-outbound/pkg/metrics"
)

// NewRouter mounts the handler routes plus /metrics and /healthz.
func NewRouter(h *Handler, rec *metrics.Recorder, gatherer prometheus.Gatherer, metricsPath string) http.Handler {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument(rec, h.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/webhooks/{provider}", h.verifyWebhook)
		r.Post("/webhooks/{provider}", h.webhook)
		r.Get("/observability/metrics", h.metricsSnapshot)

		r.Group(func(r chi.Router) {
			r.Use(requireTenant)
			r.Post("/messages", h.enqueue)
			r.Get("/messages/{id}", h.getMessage)
			r.Get("/messages/{id}/attempts", h.attempts)
			r.Post("/messages/{id}/cancel", h.cancel)
			r.Post("/messages/{id}/requeue", h.requeue)
			r.Post("/inbound", h.inbound)
			r.Get("/quota/usage", h.quotaUsage)
			r.Get("/quota/cost", h.quotaCost)
		})
	})
	return r
}
