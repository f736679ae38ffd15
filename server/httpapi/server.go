// Package httpapi serves the health, relay queue and metrics endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/server/relayqueue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is a dependency whose reachability decides /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats reports relay queue counts.
type QueueStats interface {
	Stats() (relayqueue.Stats, error)
}

// ConnectionCounter is implemented by the protocol servers.
type ConnectionCounter interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// ServerOptions holds configuration options for the HTTP server.
type ServerOptions struct {
	Addr        string
	APIKey      string
	Checks      map[string]Pinger
	Queue       QueueStats
	Connections map[string]ConnectionCounter
}

type Server struct {
	opts   ServerOptions
	server *http.Server
}

func New(opts ServerOptions) *Server {
	s := &Server{opts: opts}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		logger.Info("HTTP: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP: shutdown error", "error", err)
		}
	}()
	logger.Info("HTTP: listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	protected := router.NewRoute().Subrouter()
	protected.Use(s.authMiddleware)
	protected.HandleFunc("/relay/stats", s.handleRelayStats).Methods(http.MethodGet)
	protected.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	protected.HandleFunc("/connections/{protocol}", s.handleConnections).Methods(http.MethodGet)
	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP: request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.opts.APIKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Components: make(map[string]string, len(s.opts.Checks))}
	for name, check := range s.opts.Checks {
		if err := check.Ping(ctx); err != nil {
			logger.Warn("HTTP: health check failed", "component", name, "error", err)
			resp.Components[name] = "unavailable"
			resp.Status = "degraded"
			continue
		}
		resp.Components[name] = "ok"
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleRelayStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Queue == nil {
		s.writeError(w, http.StatusNotFound, "Relay queue is not configured")
		return
	}
	stats, err := s.opts.Queue.Stats()
	if err != nil {
		logger.Warn("HTTP: relay stats failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read relay queue")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type connectionCounts struct {
	Total         int64 `json:"total"`
	Authenticated int64 `json:"authenticated"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if protocol, ok := mux.Vars(r)["protocol"]; ok {
		c, found := s.opts.Connections[strings.ToLower(protocol)]
		if !found {
			s.writeError(w, http.StatusNotFound, "Unknown protocol")
			return
		}
		s.writeJSON(w, http.StatusOK, connectionCounts{c.GetTotalConnections(), c.GetAuthenticatedConnections()})
		return
	}
	out := make(map[string]connectionCounts, len(s.opts.Connections))
	for name, c := range s.opts.Connections {
		out[name] = connectionCounts{c.GetTotalConnections(), c.GetAuthenticatedConnections()}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
