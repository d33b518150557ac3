// Package server exposes the management HTTP API: server config CRUD,
// process lifecycle, the tool catalog, tool dispatch, and the audit
// trail.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/anvil/internal/catalog"
	"github.com/michaelbrown/anvil/internal/config"
	"github.com/michaelbrown/anvil/internal/registry"
	"github.com/michaelbrown/anvil/internal/storage"
	"github.com/michaelbrown/anvil/internal/supervisor"
)

// Server is the HTTP server for the Anvil management API.
type Server struct {
	cfg        *config.Config
	store      storage.Store
	registry   *registry.Registry
	sup        *supervisor.Supervisor
	builder    *catalog.Builder
	dispatcher *catalog.Dispatcher
	router     chi.Router
	http       *http.Server
}

// supervisorSource adapts the supervisor to catalog.Source.
type supervisorSource struct {
	sup *supervisor.Supervisor
}

func (s supervisorSource) Transport(serverID string) (catalog.Transport, bool) {
	ch, ok := s.sup.Transport(serverID)
	if !ok {
		return nil, false
	}
	return ch, true
}

// New wires the components into a Server.
func New(cfg *config.Config, store storage.Store, reg *registry.Registry, sup *supervisor.Supervisor) *Server {
	fallback := catalog.NewFallback(cfg.Fallback.BillTable)
	source := supervisorSource{sup: sup}
	s := &Server{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		sup:        sup,
		builder:    catalog.NewBuilder(source, fallback, cfg.RPC.ListTimeout),
		dispatcher: catalog.NewDispatcher(source, fallback, store, cfg.RPC.CallTimeout),
		router:     chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Server configs and lifecycle
		r.Get("/servers", s.handleListServers)
		r.Post("/servers", s.handleRegisterServer)
		r.Post("/servers/start-all", s.handleStartAll)
		r.Post("/servers/stop-all", s.handleStopAll)
		r.Post("/servers/import", s.handleImportServers)
		r.Get("/servers/export", s.handleExportServers)
		r.Get("/servers/{id}", s.handleGetServer)
		r.Put("/servers/{id}", s.handleUpdateServer)
		r.Delete("/servers/{id}", s.handleRemoveServer)
		r.Post("/servers/{id}/start", s.handleStartServer)
		r.Post("/servers/{id}/stop", s.handleStopServer)
		r.Post("/servers/{id}/restart", s.handleRestartServer)
		r.Get("/servers/{id}/status", s.handleServerStatus)
		r.Get("/servers/{id}/stderr", s.handleServerStderr)

		// Tools
		r.Get("/tools", s.handleToolCatalog)
		r.Post("/tools/call", s.handleToolCall)

		// Audit trail
		r.Get("/invocations", s.handleListInvocations)

		// WebSocket (no JSON content-type)
		r.Get("/servers/{id}/events/ws", s.handleEvents)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	log.Printf("Anvil server starting on http://localhost%s", addr)
	return s.http.ListenAndServe()
}

// Shutdown stops the HTTP server and every managed tool server process.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")
	s.sup.StopAll(ctx)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
