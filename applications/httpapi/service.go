package httpapi

import (
	"net/http"
	"time"

	"github.com/cardrisk/monitor/infrastructure/logging"
	"github.com/cardrisk/monitor/infrastructure/metrics"
	"github.com/cardrisk/monitor/infrastructure/middleware"
)

// Service bundles the handler, the admin health checker, and the
// readiness flag the graceful-shutdown sequence flips, into one
// net/http.Server-backed router.
type Service struct {
	Handler *Handler
	Health  *middleware.HealthChecker
	Ready   *bool
	Log     *logging.Logger
	Metrics *metrics.Metrics

	// MaxBodyBytes bounds request bodies; AdminTimeout bounds the admin
	// endpoints only — the evaluation endpoint enforces its own
	// deadline internally (spec §5) rather than through request
	// abortion, since the top-level handler must never abort an
	// in-flight evaluation.
	MaxBodyBytes int64
	AdminTimeout time.Duration
}

// NewMux builds the process's single http.ServeMux, with
// recovery/logging/metrics/body-limit wrapping every route and the
// timeout middleware applied only to admin routes, never to
// /v1/evaluate/monitoring.
func (s *Service) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	recovery := middleware.NewRecoveryMiddleware(s.Log)
	bodyLimit := middleware.NewBodyLimitMiddleware(s.MaxBodyBytes)
	adminTimeout := middleware.NewTimeoutMiddleware(s.AdminTimeout)

	wrapEval := func(fn http.HandlerFunc) http.HandlerFunc {
		h := http.Handler(fn)
		h = bodyLimit.Handler(h)
		h = recovery.Handler(h)
		h = middleware.LoggingMiddleware(s.Log)(h)
		h = middleware.MetricsMiddleware("monitor", s.Metrics)(h)
		return h.ServeHTTP
	}
	wrapAdmin := func(fn http.HandlerFunc) http.HandlerFunc {
		h := http.Handler(fn)
		h = bodyLimit.Handler(h)
		h = adminTimeout.Handler(h)
		h = recovery.Handler(h)
		h = middleware.LoggingMiddleware(s.Log)(h)
		h = middleware.MetricsMiddleware("monitor", s.Metrics)(h)
		return h.ServeHTTP
	}

	mountRoutes(mux,
		route{pattern: "POST /v1/evaluate/monitoring", handler: wrapEval(s.Handler.HandleMonitoring)},
		route{pattern: "GET /v1/evaluate/health", handler: wrapAdmin(s.Handler.HandleHealth)},
		route{pattern: "GET /v1/evaluate/rulesets/registry/status", handler: wrapAdmin(s.Handler.HandleRegistryStatus)},
		route{pattern: "GET /v1/evaluate/rulesets/registry/{country}", handler: wrapAdmin(s.Handler.HandleRegistryCountry)},
		route{pattern: "POST /v1/evaluate/rulesets/hotswap", handler: wrapAdmin(s.Handler.HandleHotswap)},
		route{pattern: "POST /v1/evaluate/rulesets/load", handler: wrapAdmin(s.Handler.HandleLoad)},
		route{pattern: "POST /v1/evaluate/rulesets/bulk-load", handler: wrapAdmin(s.Handler.HandleBulkLoad)},
	)

	mux.HandleFunc("GET /livez", middleware.LivenessHandler())
	mux.HandleFunc("GET /readyz", middleware.ReadinessHandler(s.Ready))
	if s.Health != nil {
		mux.HandleFunc("GET /healthz", s.Health.Handler())
	}

	return mux
}
