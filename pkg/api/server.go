// Package api serves the admin HTTP interface of the deletion engine.
//
// Routes (all JSON unless noted):
//
//	GET    /healthz
//	GET    /api/feeds
//	POST   /api/feeds
//	GET    /api/feeds/{feedID}
//	DELETE /api/feeds/{feedID}                       303 to /feeds unless ?format=json
//	POST   /api/feeds/bulk-delete
//	GET    /api/feeds/{feedID}/emails
//	POST   /api/feeds/{feedID}/emails
//	DELETE /api/feeds/{feedID}/emails/{emailKey}
//	POST   /api/feeds/{feedID}/emails/bulk-delete
//	POST   /api/feeds/{feedID}/purge
//	GET    /api/purges/pending
//
// Request-shape errors map to 400 (empty or invalid) and 413 (too large).
// Partial failures of bulk routes are a 200 carrying both halves of the
// outcome.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/feedmail/internal/logger"
	"github.com/marmos91/feedmail/pkg/feed"
	"github.com/marmos91/feedmail/pkg/purge"
)

// PendingLister reports feeds whose background purge has not finished.
// *purge.Scheduler implements it.
type PendingLister interface {
	Pending(ctx context.Context) ([]string, error)
}

// Config configures the API server.
type Config struct {
	// Host to bind. Empty binds every interface.
	Host string

	// Port to listen on (default: 8080)
	Port int

	// MaxBodyBytes caps request bodies (default: 1 MiB)
	MaxBodyBytes int64
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
}

// Server is the admin HTTP server.
type Server struct {
	engine       *purge.Engine
	repo         *feed.Repository
	pending      PendingLister
	config       Config
	server       *http.Server
	shutdownOnce sync.Once
}

// NewServer creates an API server in a stopped state. Call Start to serve.
//
// Parameters:
//   - config: Listen address and limits
//   - engine: Deletion engine backing the delete and purge routes
//   - repo: Feed repository backing the read and create routes
//   - pending: Source of /api/purges/pending; nil disables the route
func NewServer(config Config, engine *purge.Engine, repo *feed.Repository, pending PendingLister) *Server {
	config.applyDefaults()

	s := &Server{
		engine:  engine,
		repo:    repo,
		pending: pending,
		config:  config,
	}

	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/feeds", func(r chi.Router) {
			r.Get("/", s.handleListFeeds)
			r.Post("/", s.handleCreateFeed)
			r.Post("/bulk-delete", s.handleBulkDeleteFeeds)

			r.Route("/{feedID}", func(r chi.Router) {
				r.Get("/", s.handleGetFeed)
				r.Delete("/", s.handleDeleteFeed)
				r.Post("/purge", s.handlePurgeStep)

				r.Route("/emails", func(r chi.Router) {
					r.Get("/", s.handleListEmails)
					r.Post("/", s.handleAddEmail)
					r.Post("/bulk-delete", s.handleBulkDeleteEmails)
					r.Delete("/{emailKey}", s.handleDeleteEmail)
				})
			})
		})

		if s.pending != nil {
			r.Get("/purges/pending", s.handlePendingPurges)
		}
	})

	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the address the server binds.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start serves until ctx is cancelled or the listener fails.
//
// Returns:
//   - nil on graceful shutdown
//   - error if the server fails to start or shutdown fails
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("api server failed: %w", err)
	}
}

// Stop gracefully shuts the server down. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("api server shutdown error: %w", err)
			logger.Error("API server shutdown error: %v", err)
			return
		}
		logger.Info("API server stopped gracefully")
	})
	return shutdownErr
}

// requestLogger logs one line per request through the process logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug("%s %s -> %d (%dB) in %s [%s]",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}
