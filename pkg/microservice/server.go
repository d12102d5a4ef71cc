// Package microservice provides the HTTP server shared by the bridge's
// control plane.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"
)

// Service defines the lifecycle of a long-running process with an HTTP surface.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Mux() *http.ServeMux
	GetHTTPPort() string
}

// BaseServer provides common functionalities for microservice servers.
type BaseServer struct {
	Logger         zerolog.Logger
	HTTPPort       string
	AllowedOrigins []string
	httpServer     *http.Server
	mux            *http.ServeMux
	actualAddr     string
	mu             sync.RWMutex
}

// NewBaseServer creates and initializes a new BaseServer. Browser requests
// are only accepted from allowedOrigins; requests without an Origin header
// are always served.
func NewBaseServer(logger zerolog.Logger, httpPort string, allowedOrigins []string) *BaseServer {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", HealthzHandler)

	s := &BaseServer{
		Logger:         logger,
		HTTPPort:       httpPort,
		AllowedOrigins: allowedOrigins,
		mux:            mux,
	}
	s.httpServer = &http.Server{
		Addr:    httpPort,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the mux wrapped in the CORS middleware.
func (s *BaseServer) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins(s.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	return rejectDisallowedOrigins(s.AllowedOrigins, s.Logger)(cors(s.mux))
}

// rejectDisallowedOrigins answers 403 for a request carrying an Origin that is
// not on the allow list. gorilla/handlers only omits the CORS headers in that
// case, which still lets the handler run.
func rejectDisallowedOrigins(allowed []string, logger zerolog.Logger) func(http.Handler) http.Handler {
	allowAll := slices.Contains(allowed, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll || slices.Contains(allowed, origin) {
				next.ServeHTTP(w, r)
				return
			}
			logger.Warn().Str("origin", origin).Str("path", r.URL.Path).Msg("Rejected request from disallowed origin.")
			http.Error(w, "origin not allowed", http.StatusForbidden)
		})
	}
}

// Start initiates the HTTP server in a background goroutine.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided context's deadline.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the actual configured HTTP port the server is listening on.
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// HealthzHandler responds to liveness probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
