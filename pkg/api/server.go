// Package api exposes the controller's HTTP, WebSocket, and SSE surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaosmaps/sandboxd/pkg/artifacts"
	"github.com/kaosmaps/sandboxd/pkg/events"
	"github.com/kaosmaps/sandboxd/pkg/log"
	"github.com/kaosmaps/sandboxd/pkg/logstream"
	"github.com/kaosmaps/sandboxd/pkg/metrics"
	"github.com/kaosmaps/sandboxd/pkg/reconciler"
	"github.com/kaosmaps/sandboxd/pkg/registry"
	"github.com/kaosmaps/sandboxd/pkg/runtime"
	"github.com/kaosmaps/sandboxd/pkg/workerpool"
)

// Config holds the environment-derived settings the API surface needs.
type Config struct {
	Addr             string
	WebhookSecret    string
	DockerNetwork    string
	ContainerPrefix  string
	SandboxDomain    string
	CORSOrigins      []string
	GitHubToken      string
	GitUserName      string
	GitUserEmail     string
}

// Server wires the Registry, Event Bus, Artifact Store, Container Driver,
// Reaper, and worker pool into the HTTP/WebSocket/SSE surface.
type Server struct {
	cfg       Config
	mux       *http.ServeMux
	srv       *http.Server
	logger    zerolog.Logger
	registry  *registry.Registry
	bus       *events.Bus
	artifacts *artifacts.Store
	driver    *runtime.Driver
	pool      *workerpool.Pool
	reaper    *reconciler.Reconciler
	streamer  *logstream.Streamer
}

// New wires every dependency into a Server ready to Start.
func New(cfg Config, reg *registry.Registry, bus *events.Bus, store *artifacts.Store, driver *runtime.Driver, pool *workerpool.Pool, reaper *reconciler.Reconciler) *Server {
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    log.WithComponent("api"),
		registry:  reg,
		bus:       bus,
		artifacts: store,
		driver:    driver,
		pool:      pool,
		reaper:    reaper,
		streamer:  logstream.New(driver),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.Handle("POST /webhook/deploy", s.withAuth(http.HandlerFunc(s.handleDeploy)))
	s.mux.Handle("DELETE /webhook/deploy/{id}", s.withAuth(http.HandlerFunc(s.handleTeardown)))
	s.mux.HandleFunc("GET /deployments", s.handleListDeployments)
	s.mux.HandleFunc("GET /deployments/{id}", s.handleGetDeployment)
	s.mux.HandleFunc("GET /deployments/{id}/logs", s.handleLogs)

	s.mux.HandleFunc("POST /artifacts/upload", s.handleArtifactUpload)
	s.mux.HandleFunc("GET /artifacts/{id}", s.handleArtifactDownload)
	s.mux.HandleFunc("GET /artifacts", s.handleArtifactList)
	s.mux.HandleFunc("DELETE /artifacts/{id}", s.handleArtifactDelete)
	s.mux.HandleFunc("POST /artifacts/commit", s.handleArtifactCommit)

	s.mux.HandleFunc("GET /ws/progress/{id}", s.handleWSProgress)
	s.mux.HandleFunc("GET /ws/status", s.handleWSStatus)
}

// Start begins serving. It blocks until the server stops or fails.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.withCORS(s.mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints (SSE/WS) write indefinitely
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("api server starting")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down, giving in-flight requests ctx's
// remaining time to drain.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
