// Package api exposes the dispatch engine over HTTP.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m3r33/izues/internal/dispatch"
	"github.com/m3r33/izues/internal/relay"
)

// shutdownTimeout is the maximum time to wait for in-flight requests
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// maxBodyBytes caps request bodies.
const maxBodyBytes = 10 << 20

// Dispatcher runs dispatches and reports their progress. *dispatch.Engine
// implements it.
type Dispatcher interface {
	Run(ctx context.Context, req dispatch.Request) (*dispatch.Report, error)
	State() dispatch.State
	LastRun() *dispatch.RunSummary
}

// Verifier checks relay credentials without sending. *relay.Registry
// implements it.
type Verifier interface {
	Verify(ctx context.Context, cfg relay.Config) error
}

// ServerConfig holds the configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8080").
	ListenAddr string

	// TLSConfig enables HTTPS when set.
	TLSConfig *tls.Config

	// VerifyTimeout bounds a relay connectivity check. Zero means no limit
	// beyond the request's own lifetime.
	VerifyTimeout time.Duration
}

// Server serves the dispatch API.
type Server struct {
	config     ServerConfig
	dispatcher Dispatcher
	verifier   Verifier
	handler    http.Handler

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Server. It does not start listening.
func New(cfg ServerConfig, d Dispatcher, v Verifier) *Server {
	s := &Server{
		config:     cfg,
		dispatcher: d,
		verifier:   v,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("POST /api/smtp-test", s.handleSMTPTest)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.handler = mux

	return s
}

// Handler returns the root handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe starts the HTTP server and blocks until the context is
// cancelled. On cancellation it stops accepting connections and waits up to
// 30 seconds for in-flight requests, including running dispatches.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	slog.Info("HTTP server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
