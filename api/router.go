package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykit/relaykit/api/controllers"
	"github.com/relaykit/relaykit/api/controllers/webhooks"
	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/logger"
)

type Pinger = controllers.Pinger

type RouterParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	Admitter webhooks.AdmitterService
	DB       controllers.Pinger
	Redis    controllers.Pinger // nil when redis is not configured
	Metrics  prometheus.Gatherer
}

// NewRouter wires the ingress surface: the events webhook, health and
// metrics.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", controllers.Health(params.DB, params.Redis, params.Logger))

	gatherer := params.Metrics
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Post("/webhooks/events", webhooks.Events(params.Admitter, params.Config.Ingress, params.Logger))

	return r
}
