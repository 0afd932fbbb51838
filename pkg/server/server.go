// Package server holds this device's HTTP surfaces: the catalog server
// peers fetch from, and the status listener for metrics and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/lightsaber/pkg/logging"
	"github.com/lightsaber/pkg/proximity"
	"github.com/lightsaber/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusServer exposes metrics, a health probe and the proximity index.
type StatusServer struct {
	registry    *prometheus.Registry
	metricsPath string
	index       *proximity.Index
	router      chi.Router

	mu     sync.Mutex
	server *http.Server
}

// NewStatusServer creates a status server with its own registry holding collector.
func NewStatusServer(metricsPath string, collector prometheus.Collector, index *proximity.Index) *StatusServer {
	registry := prometheus.NewRegistry()
	if collector != nil {
		registry.MustRegister(collector)
	}
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	s := &StatusServer{
		registry:    registry,
		metricsPath: metricsPath,
		index:       index,
		router:      chi.NewRouter(),
	}

	s.router.Handle(metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.router.Get("/proximity", s.handleProximity)
	s.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
<head><title>Lightsaber</title></head>
<body>
<h1>Lightsaber</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
<p><a href="/proximity">Proximity</a></p>
</body>
</html>`))
	})

	return s
}

// Handler returns the status routes.
func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving on addr until Shutdown.
func (s *StatusServer) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	logging.Logf("[listen] status addr=%s metrics=%s health=/healthz", listener.Addr(), s.metricsPath)
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops a running ListenAndServe.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *StatusServer) handleProximity(w http.ResponseWriter, r *http.Request) {
	entries := []types.ProximityEntry{}
	if s.index != nil {
		entries = s.index.Entries()
	}
	body, err := json.Marshal(entries)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
