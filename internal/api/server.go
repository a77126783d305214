package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bansheerubber/xcom-clone-sub000/internal/server"
	"github.com/bansheerubber/xcom-clone-sub000/internal/transport/ws"
)

// Options configures the public HTTP surface
type Options struct {
	RateLimit      RateLimitConfig
	CORSOrigins    []string
	Origins        OriginPolicy
	MaxConnections int
	MaxPerIP       int
	Socket         ws.Config
	DisableLogging bool
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		RateLimit:      DefaultRateLimitConfig,
		Origins:        OriginPolicy{Allowed: DefaultAllowedOrigins},
		MaxConnections: MaxWSConnectionsTotal,
		MaxPerIP:       MaxWSConnectionsPerIP,
		Socket:         ws.DefaultConfig(),
	}
}

// Server is the HTTP API server carrying the replication socket.
type Server struct {
	host        *server.Host
	router      *chi.Mux
	socket      *SocketHandler
	rateLimiter *IPRateLimiter
	http        *http.Server
}

// NewServer creates the API server around a host.
//
// No listener is opened until Start is called, so tests can construct the
// server and drive Router() through httptest.
func NewServer(host *server.Host, opts Options) *Server {
	s := &Server{
		host:        host,
		rateLimiter: NewIPRateLimiter(opts.RateLimit),
	}
	s.socket = NewSocketHandler(host,
		NewConnectionLimiter(opts.MaxConnections, opts.MaxPerIP),
		opts.Origins, opts.Socket)

	s.router = NewRouter(RouterConfig{
		Host:           host,
		Socket:         s.socket,
		RateLimiter:    s.rateLimiter,
		CORSOrigins:    opts.CORSOrigins,
		DisableLogging: opts.DisableLogging,
	})
	return s
}

// Start listens on addr until Stop. TLS is used when both files are set.
func (s *Server) Start(addr, certFile, keyFile string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var err error
	if certFile != "" && keyFile != "" {
		log.Printf("🌐 API server starting on %s (TLS)", addr)
		err = s.http.ListenAndServeTLS(certFile, keyFile)
	} else {
		log.Printf("🌐 API server starting on %s", addr)
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Socket returns the replication socket handler
func (s *Server) Socket() *SocketHandler {
	return s.socket
}

// Stop shuts the listener down and stops background workers.
func (s *Server) Stop(ctx context.Context) error {
	s.rateLimiter.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
