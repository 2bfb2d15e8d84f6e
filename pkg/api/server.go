// Package api provides the HTTP and WebSocket surface of the moderation
// pipeline.
package api

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/streamguard/moderator/pkg/config"
	"github.com/streamguard/moderator/pkg/decision"
	"github.com/streamguard/moderator/pkg/filter"
	"github.com/streamguard/moderator/pkg/hub"
	"github.com/streamguard/moderator/pkg/llm"
	"github.com/streamguard/moderator/pkg/metrics"
	"github.com/streamguard/moderator/pkg/orchestrator"
	"github.com/streamguard/moderator/pkg/sim"
	"github.com/streamguard/moderator/pkg/templates"
)

// maxRequestBody bounds request bodies at the HTTP read level: the 4 KiB
// message cap plus generous JSON envelope overhead.
const maxRequestBody = 16 * 1024

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	filter       *filter.Filter
	templates    *templates.Registry
	decisions    *decision.Handler
	hub          *hub.Hub
	llmClient    *llm.Client
	simulator    *sim.Simulator
	metrics      *metrics.Registry
	db           *sql.DB // nil when the violation store is in-memory
}

// NewServer creates the API server and registers routes.
func NewServer(
	cfg *config.Config,
	orch *orchestrator.Orchestrator,
	f *filter.Filter,
	reg *templates.Registry,
	decisions *decision.Handler,
	h *hub.Hub,
	llmClient *llm.Client,
	simulator *sim.Simulator,
	m *metrics.Registry,
) *Server {
	s := &Server{
		echo:         echo.New(),
		cfg:          cfg,
		orchestrator: orch,
		filter:       f,
		templates:    reg,
		decisions:    decisions,
		hub:          h,
		llmClient:    llmClient,
		simulator:    simulator,
		metrics:      m,
	}
	s.setupRoutes()
	return s
}

// SetDB wires the violation store's database handle into the health check.
func (s *Server) SetDB(db *sql.DB) {
	s.db = db
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(maxRequestBody))

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", s.metricsHandler)
	s.echo.GET("/templates", s.templatesHandler)

	s.echo.POST("/moderate", s.moderateHandler)
	s.echo.POST("/filter", s.filterHandler)
	s.echo.POST("/decide", s.decideHandler)

	s.echo.GET("/ws", s.wsHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by tests to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
