// Package handler provides the HTTP JSON API for the membership service.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Router wires the account API, health check and metrics endpoint.
type Router struct {
	accountHandler *AccountHandler
	health         HealthChecker
	gatherer       prometheus.Gatherer
	metricsPath    string
	maxBodySize    int64
	logger         zerolog.Logger
}

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	AccountHandler *AccountHandler
	Health         HealthChecker

	// Gatherer serves the metrics endpoint. Nil disables it.
	Gatherer    prometheus.Gatherer
	MetricsPath string

	// MaxBodySize caps request bodies in bytes. Zero means no limit.
	MaxBodySize int64
	Logger      zerolog.Logger
}

// NewRouter creates a new Router.
func NewRouter(config RouterConfig) *Router {
	path := config.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	return &Router{
		accountHandler: config.AccountHandler,
		health:         config.Health,
		gatherer:       config.Gatherer,
		metricsPath:    path,
		maxBodySize:    config.MaxBodySize,
		logger:         config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)
	if rt.maxBodySize > 0 {
		r.Use(middleware.RequestSize(rt.maxBodySize))
	}

	r.Get("/health", rt.handleHealth)
	if rt.gatherer != nil {
		r.Handle(rt.metricsPath, promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	if rt.accountHandler != nil {
		rt.accountHandler.RegisterRoutes(r)
	}
	return r
}

// handleHealth handles health check requests.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if rt.health != nil {
		if err := rt.health.Health(r.Context()); err != nil {
			rt.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// requestLogger logs one line per request.
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			rt.logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}
