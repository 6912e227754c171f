// SPDX-License-Identifier: MIT

// Package api exposes the daemon's operational HTTP surface: liveness,
// readiness and Prometheus metrics. The orchestrator's functional
// operations are reachable only through the broker RPC layer.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loopchat/courier/internal/health"
	"github.com/loopchat/courier/internal/log"
)

// NewRouter builds the operational router.
func NewRouter(healthMgr *health.Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", healthMgr.ServeHealth)
	r.Get("/readyz", healthMgr.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// NewServer wraps the router in an http.Server with sane timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// requestLogger logs each request with method, path, status and
// duration.
func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("event", "api.request").
			Msg("handled request")
	})
}
