package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/andresmejia3/facetag/internal/recognition"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Server hosts a frame processor over HTTP
type Server struct {
	processor  *recognition.Processor
	router     *chi.Mux
	httpServer *http.Server
	logger     *log.Logger
	sessionID  string
	startedAt  time.Time
}

// NewServer creates a new server for processor listening on addr
func NewServer(processor *recognition.Processor, addr string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	r := chi.NewRouter()

	s := &Server{
		processor: processor,
		router:    r,
		logger:    logger,
		sessionID: uuid.New().String(),
		startedAt: time.Now(),
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(time.Minute))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Printf("listening on %s (session %s)", s.httpServer.Addr, s.sessionID)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Println("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

// SessionID identifies this server run; clients use it to notice a restart
// that dropped every cached track.
func (s *Server) SessionID() string {
	return s.sessionID
}
