package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/cobalt/internal/dispatch"
	"github.com/mattjoyce/cobalt/internal/events"
	"github.com/mattjoyce/cobalt/internal/instance"
)

// Operations is the dispatcher surface exposed over HTTP. *dispatch.Dispatcher
// satisfies it.
type Operations interface {
	BlessInstance(ctx context.Context, uuid string) error
	DiscardInstance(ctx context.Context, uuid string) error
	LaunchInstance(ctx context.Context, req dispatch.LaunchRequest) error
	PauseInstance(ctx context.Context, uuid string) (json.RawMessage, error)
	UnpauseInstance(ctx context.Context, uuid string) (json.RawMessage, error)
	Instance(ctx context.Context, uuid string) (*instance.Instance, error)
	ListLaunchedInstances(ctx context.Context, uuid string) ([]*instance.Instance, error)
	ListBlessedInstances(ctx context.Context, uuid string) ([]*instance.Instance, error)
}

// Registry records VMs that already run on a host. *instance.Store
// satisfies it.
type Registry interface {
	Register(ctx context.Context, inst *instance.Instance) (*instance.Instance, error)
}

// QueueDepther reports pending messages on a queue.
type QueueDepther interface {
	Depth(ctx context.Context, queueName string) (int, error)
}

// Config holds API server configuration
type Config struct {
	Listen         string
	APIKey         string
	SchedulerTopic string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	ops       Operations
	registry  Registry
	queue     QueueDepther
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	events    *events.Hub
}

// New creates a new API server instance. hub may be nil.
func New(config Config, ops Operations, registry Registry, queue QueueDepther, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		ops:       ops,
		registry:  registry,
		queue:     queue,
		logger:    logger,
		startedAt: time.Now(),
		events:    hub,
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// pause/unpause block for the messaging call timeout
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/instances", s.handleRegister)
		r.Route("/instances/{uuid}", func(r chi.Router) {
			r.Get("/", s.handleGetInstance)
			r.Get("/launched", s.handleListLaunched)
			r.Get("/blessed", s.handleListBlessed)
			r.Post("/bless", s.handleBless)
			r.Post("/discard", s.handleDiscard)
			r.Post("/launch", s.handleLaunch)
			r.Post("/pause", s.handlePause)
			r.Post("/unpause", s.handleUnpause)
		})
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
