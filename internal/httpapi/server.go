package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/proposalforge/collabd/internal/bus"
	"github.com/proposalforge/collabd/internal/lock"
	"github.com/proposalforge/collabd/internal/presence"
	"github.com/proposalforge/collabd/internal/session"
	"github.com/proposalforge/collabd/internal/telemetry"
)

// Config holds HTTP listener settings.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Server is collabd's HTTP front.
type Server struct {
	cfg    Config
	logger *slog.Logger

	sessions *session.Manager
	metrics  *telemetry.Aggregator
	presence *presence.Registry
	locks    *lock.Manager
	events   *bus.Bus
	db       *pgxpool.Pool // nil when the archive is disabled

	srv *http.Server
}

// NewServer wires the routes. db may be nil.
func NewServer(
	cfg Config,
	sessions *session.Manager,
	metrics *telemetry.Aggregator,
	reg *presence.Registry,
	locks *lock.Manager,
	events *bus.Bus,
	db *pgxpool.Pool,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		metrics:  metrics,
		presence: reg,
		locks:    locks,
		events:   events,
		db:       db,
	}
	s.srv = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.router(),
	}
	return s
}

// Router returns the handler, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.srv.Handler
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.sessions.HandleUpgrade).Methods(http.MethodGet)
	r.HandleFunc("/diagnostics/export", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/diagnostics/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/internal/tasks/{id}/status", s.handleTaskStatus).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return r
}

// Start begins serving. The listener runs until Stop.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
