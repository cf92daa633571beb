// Package server implements the Baton HTTP server: REST API, dashboard auth,
// and the SSE and WebSocket event streams.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/baton/broker"
	"github.com/GoCodeAlone/baton/config"
	"github.com/GoCodeAlone/baton/server/api"
	"github.com/GoCodeAlone/baton/server/ws"
)

// Server is the Baton HTTP server.
type Server struct {
	addr    string
	broker  *broker.Broker
	logger  *slog.Logger
	version string
	now     func() time.Time

	auth atomic.Pointer[config.AuthConfig]

	once    sync.Once
	mux     *http.ServeMux
	httpSrv *http.Server
}

// New creates a Server for b. A nil logger uses slog.Default.
func New(cfg config.Config, b *broker.Broker, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:    cfg.Server.Addr,
		broker:  b,
		logger:  logger,
		version: ver,
		now:     time.Now,
		mux:     http.NewServeMux(),
	}
	s.UpdateAuth(cfg.Auth)
	return s
}

// Handler returns the root handler, registering routes on first use.
func (s *Server) Handler() http.Handler {
	s.once.Do(s.registerRoutes)
	return s.mux
}

// Start begins listening and blocks until the server stops.
func (s *Server) Start() error {
	addr := s.addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr), slog.Bool("auth", s.authConfig().Enabled()))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server. Open event streams end when
// their request contexts are canceled.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Broker:  s.broker,
		Logger:  s.logger,
		Version: s.version,
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())
	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	streams := ws.NewStreamer(s.broker.Hub(), ws.HeartbeatFunc(func(ctx context.Context, id string) error {
		_, err := s.broker.Heartbeat(ctx, id)
		return err
	}), s.logger)
	s.mux.Handle("GET /events", s.streamAuth(http.HandlerFunc(streams.ServeSSE)))
	s.mux.Handle("GET /ws", s.streamAuth(http.HandlerFunc(streams.ServeWS)))

	// Protected API
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
