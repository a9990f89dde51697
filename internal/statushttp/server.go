// Package statushttp serves the daemon's sync status over HTTP.
package statushttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/openmined/syftsync/internal/sync"
)

const (
	shutdownTimeout  = 5 * time.Second
	defaultRateLimit = 20
)

// Engines is what the server reports on; *sync.SyncManager satisfies it.
type Engines interface {
	Engines() []*sync.SyncEngine
	Engine(tag string) *sync.SyncEngine
}

type Server struct {
	addr    string
	engines Engines
	routes  *RouteConfig
	server  *http.Server
}

type Option func(*Server)

// WithToken requires a bearer token on the /v1 API.
func WithToken(token string) Option {
	return func(s *Server) {
		s.routes.Token = token
	}
}

// WithRateLimit sets the requests per second allowed per client; 0 disables
// limiting.
func WithRateLimit(perSecond int64) Option {
	return func(s *Server) {
		s.routes.RateLimit = perSecond
	}
}

func New(addr string, engines Engines, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		engines: engines,
		routes:  &RouteConfig{RateLimit: defaultRateLimit},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes, for mounting or tests.
func (s *Server) Handler() http.Handler {
	return SetupRoutes(s.engines, s.routes)
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status server listen %s: %w", s.addr, err)
	}
	slog.Info("status server start", "addr", ln.Addr().String(), "auth", s.routes.Token != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	slog.Info("status server stop")
	return nil
}
