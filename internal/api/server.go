// Package api serves the management HTTP surface: read-only views over the
// store and stats provider, plus admin mutations routed through the users
// manager. Responses are pretty-printed JSON with open CORS so a static
// dashboard on another origin can consume them directly.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wgmond/wgmond/internal/metrics"
	"github.com/wgmond/wgmond/internal/stats"
	"github.com/wgmond/wgmond/internal/store"
	"github.com/wgmond/wgmond/internal/users"
)

const DefaultMaxHandshakeAge = 180 * time.Second

// LiveCounter reports how many sessions the engine is tracking.
type LiveCounter interface {
	LiveCount() int
}

// InterfaceClient answers for the kernel interface by name and health.
type InterfaceClient interface {
	Name() string
	Status(ctx context.Context) error
}

type ServerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  *store.Store
	Stats  *stats.Provider
	Users  *users.Manager
	Engine LiveCounter
	WG     InterfaceClient

	// MaxHandshakeAge is echoed on /api/status so the dashboard can label
	// the online threshold.
	MaxHandshakeAge time.Duration
}

func (c *ServerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Stats == nil {
		return errors.New("stats provider is required")
	}
	if c.Users == nil {
		return errors.New("users manager is required")
	}
	if c.Engine == nil {
		return errors.New("engine is required")
	}
	if c.WG == nil {
		return errors.New("wg client is required")
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg *ServerConfig
	mux *http.ServeMux
}

func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxHandshakeAge == 0 {
		cfg.MaxHandshakeAge = DefaultMaxHandshakeAge
	}
	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/dashboard", s.handleDashboard)
	s.mux.HandleFunc("GET /api/traffic/chart", s.handleTrafficChart)

	s.mux.HandleFunc("GET /api/users", s.handleUsers)
	s.mux.HandleFunc("GET /api/users/management", s.handleUserManagement)
	s.mux.HandleFunc("POST /api/users", s.handleCreateUser)
	s.mux.HandleFunc("GET /api/users/{id}/config", s.handleUserConfig)
	s.mux.HandleFunc("GET /api/users/{id}/{action}", s.handleUserAction)
	s.mux.HandleFunc("PUT /api/users/{id}", s.handleUpdateUser)
	s.mux.HandleFunc("POST /api/users/{id}/update", s.handleUpdateUser)
	s.mux.HandleFunc("PUT /api/users/{id}/update", s.handleUpdateUser)
	s.mux.HandleFunc("DELETE /api/users/{id}", s.handleDeleteUser)

	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events/history", s.handleEventsHistory)

	s.mux.HandleFunc("/", s.handleNotFound)
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.mux)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("server shutdown error", "error", err)
		} else {
			s.log.Info("server shutdown via context")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			s.log.Info("server closed")
			return nil
		}
		return err
	}
}

// withCORS stamps the open-CORS headers on every response, answers
// preflights directly, and counts finished requests.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, "API endpoint not found")
}
