// Package serve exposes a running simulation over HTTP: status, run
// control, weight operations, archives and a Server-Sent Events stream.
package serve

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/everydev1618/spikenet"
	"github.com/everydev1618/spikenet/archiver"
	"github.com/everydev1618/spikenet/store"
)

// Config holds server configuration.
type Config struct {
	Addr string
}

// ArchiveStore is the part of the store the API reads archives from.
type ArchiveStore interface {
	ListArchives(ctx context.Context, network spikenet.NetworkID) ([]store.ArchiveInfo, error)
	FiringRecords(ctx context.Context, archiveID string) ([]archiver.Record, error)
}

// Server is the HTTP server for the simulation API.
type Server struct {
	orch      *spikenet.Orchestrator
	archives  ArchiveStore
	logger    *slog.Logger
	cfg       Config
	startedAt time.Time
}

// New creates a new Server.
func New(orch *spikenet.Orchestrator, archives ArchiveStore, logger *slog.Logger, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:      orch,
		archives:  archives,
		logger:    logger,
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

// Start listens for HTTP requests. It blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	// Requests inherit ctx so open event streams end when it is cancelled.
	srv := &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down api")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api shutdown error", "error", err)
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Status
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/weights", s.handleWeights)

	// Run control
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/step", s.handleStep)
	mux.HandleFunc("POST /api/timestep", s.handleTimestep)
	mux.HandleFunc("POST /api/firing-monitor", s.handleFiringMonitor)
	mux.HandleFunc("POST /api/archiving", s.handleArchiving)
	mux.HandleFunc("POST /api/groups/{id}/noise", s.handleNoise)
	mux.HandleFunc("POST /api/groups/{id}/fire", s.handleFire)
	mux.HandleFunc("POST /api/weights/{op}", s.handleWeightOp)

	// Archives
	mux.HandleFunc("GET /api/archives", s.handleListArchives)
	mux.HandleFunc("GET /api/archives/{id}/records", s.handleArchiveRecords)

	// SSE
	mux.HandleFunc("GET /api/events", s.handleSSE)
}

// corsMiddleware adds permissive CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
