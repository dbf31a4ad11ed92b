package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	reqerrors "github.com/marcogenualdo/reqprint/internal/errors"
	"github.com/marcogenualdo/reqprint/internal/handlers"
	"github.com/marcogenualdo/reqprint/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", handlers.NewHealthHandler(s.cfg, s.archive, s.logger))
	mux.Handle("GET /requests/{id}", handlers.NewRecordHandler(s.archive, s.logger))

	return middleware.Recovery(s.logger)(
		middleware.Logging(s.logger)(mux),
	)
}

// startAdmin serves metrics, health and archived requests on the configured bind address.
func (s *Server) startAdmin() error {
	ln, err := net.Listen("tcp", s.cfg.Metrics.Bind)
	if err != nil {
		return reqerrors.NewBindError(s.cfg.Metrics.Bind, err)
	}

	s.httpServer = &http.Server{
		Handler:      s.setupRoutes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting admin server", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server stopped", "error", err)
		}
	}()

	return nil
}

func (s *Server) shutdownAdmin() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("error during admin server shutdown", "error", err)
	}
}
