package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lightsaber/pkg/inventory"
	"github.com/lightsaber/pkg/logging"
	"github.com/lightsaber/pkg/metrics"
	"github.com/lightsaber/pkg/protocol"
)

// Route labels and results reported to metrics.
const (
	RouteCatalog  = "catalog"
	RouteManifest = "manifest"
	RouteDownload = "download"

	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// CatalogServer answers catalog fetches from other peers.
type CatalogServer struct {
	bindAddr  string
	inventory inventory.Inventory
	metrics   *metrics.Collector
	router    chi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewCatalogServer creates a server for inv. It does not listen until Start.
func NewCatalogServer(bindAddr string, inv inventory.Inventory, collector *metrics.Collector) *CatalogServer {
	s := &CatalogServer{
		bindAddr:  bindAddr,
		inventory: inv,
		metrics:   collector,
		router:    chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get(protocol.PathCatalog, s.handleCatalog)
	s.router.Get(protocol.PathManifest, s.handleManifest)
	s.router.Get(protocol.PathDownload, s.handleDownload)

	return s
}

// Handler returns the catalog routes, for tests or embedding.
func (s *CatalogServer) Handler() http.Handler {
	return s.router
}

// Start begins listening. Calling it while already running is a no-op.
func (s *CatalogServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.bindAddr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	s.server = srv
	s.listener = listener
	s.done = done

	go func() {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("[catalog] server error: %v", err)
		}
	}()

	logging.Logf("[listen] catalog addr=%s", listener.Addr())
	return nil
}

// Stop shuts the server down and clears the handle so Start can run again.
// Stopping a server that is not running is a no-op.
func (s *CatalogServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server = nil
	s.listener = nil
	s.done = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	<-done
	logging.Logf("[catalog] server stopped")
	return err
}

// Running reports whether the server holds a listener.
func (s *CatalogServer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

// Addr returns the bound address while running, or "".
func (s *CatalogServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *CatalogServer) handleCatalog(w http.ResponseWriter, r *http.Request) {
	apps, err := s.inventory.ListInstalled(r.Context())
	if err != nil {
		s.fail(w, RouteCatalog, err)
		return
	}
	body, err := s.inventory.Render(apps)
	if err != nil {
		s.fail(w, RouteCatalog, err)
		return
	}

	w.Header().Set("Content-Type", protocol.ContentTypeCatalog)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	s.metrics.RecordCatalogRequest(RouteCatalog, ResultOK)
	logging.Debugf("[catalog] served catalog apps=%d remote=%s", len(apps), r.RemoteAddr)
}

// handleManifest serves the installed manifest, rewritten so the
// requesting peer may install it from here.
func (s *CatalogServer) handleManifest(w http.ResponseWriter, r *http.Request) {
	name, ok := protocol.ParseAppParam(r.URL.Query())
	if !ok {
		s.notFound(w, RouteManifest, "")
		return
	}
	app, err := s.inventory.Lookup(r.Context(), name)
	if errors.Is(err, inventory.ErrNotFound) {
		s.notFound(w, RouteManifest, name)
		return
	}
	if err != nil {
		s.fail(w, RouteManifest, err)
		return
	}

	body, err := protocol.EncodeManifest(protocol.RewriteManifest(app.Manifest, name))
	if err != nil {
		s.fail(w, RouteManifest, err)
		return
	}

	w.Header().Set("Content-Type", protocol.ContentTypeManifest)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	s.metrics.RecordCatalogRequest(RouteManifest, ResultOK)
}

func (s *CatalogServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	name, ok := protocol.ParseAppParam(r.URL.Query())
	if !ok {
		s.notFound(w, RouteDownload, "")
		return
	}
	app, err := s.inventory.Lookup(r.Context(), name)
	if errors.Is(err, inventory.ErrNotFound) {
		s.notFound(w, RouteDownload, name)
		return
	}
	if err != nil {
		s.fail(w, RouteDownload, err)
		return
	}

	pkg, err := s.inventory.Export(r.Context(), app)
	if errors.Is(err, inventory.ErrNotFound) {
		s.notFound(w, RouteDownload, name)
		return
	}
	if err != nil {
		s.fail(w, RouteDownload, err)
		return
	}
	defer pkg.Close()

	w.Header().Set("Content-Type", protocol.ContentTypePackage)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, pkg); err != nil {
		logging.Debugf("[catalog] download app=%s aborted: %v", name, err)
		s.metrics.RecordCatalogRequest(RouteDownload, ResultError)
		return
	}
	s.metrics.RecordCatalogRequest(RouteDownload, ResultOK)
	logging.Logf("[catalog] served package app=%s remote=%s", name, r.RemoteAddr)
}

// notFound answers with an empty 404.
func (s *CatalogServer) notFound(w http.ResponseWriter, route, name string) {
	logging.Debugf("[catalog] %s: app=%q not found", route, name)
	w.WriteHeader(http.StatusNotFound)
	s.metrics.RecordCatalogRequest(route, ResultNotFound)
}

func (s *CatalogServer) fail(w http.ResponseWriter, route string, err error) {
	logging.Warnf("[catalog] %s failed: %v", route, err)
	w.WriteHeader(http.StatusInternalServerError)
	s.metrics.RecordCatalogRequest(route, ResultError)
}
