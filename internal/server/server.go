// Package server exposes the current location, world images and QR codes
// over HTTP for overlay clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/whereami/internal/broadcast"
	"github.com/dgnsrekt/whereami/internal/imagecache"
	"github.com/dgnsrekt/whereami/internal/location"
	"github.com/dgnsrekt/whereami/internal/metrics"
	"github.com/dgnsrekt/whereami/internal/ws"
)

const (
	DefaultHeartbeat       = 15 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Locator reads the current location.
type Locator interface {
	Current() *location.Location
}

// Feed delivers location transitions.
type Feed interface {
	Subscribe() (*broadcast.Subscriber[*location.Location], error)
	Current() (*location.Location, uint64)
	Len() int
}

// Images is the part of the image cache the handlers read.
type Images interface {
	Known(worldID string) bool
	Get(ctx context.Context, worldID string) (imagecache.Entry, error)
	Open(e imagecache.Entry) (*os.File, error)
}

// Deps are the components the server reads from. Hub and Metrics may be nil.
type Deps struct {
	State   Locator
	Feed    Feed
	Images  Images
	Hub     *ws.Hub
	Metrics *metrics.Metrics
}

type Options struct {
	Address         string
	ContentDir      string
	Heartbeat       time.Duration
	ShutdownTimeout time.Duration
	Gzip            bool
}

type Server struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{deps: deps, opts: opts, logger: logger}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
// Request contexts derive from ctx so open streams end on shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	router, err := NewRouter(s, s.logger)
	if err != nil {
		ln.Close()
		return err
	}

	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("addr", ln.Addr().String()))
		errc <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}
