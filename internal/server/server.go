package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/marcogenualdo/reqprint/internal/archive"
	"github.com/marcogenualdo/reqprint/internal/config"
	reqerrors "github.com/marcogenualdo/reqprint/internal/errors"
	"github.com/marcogenualdo/reqprint/internal/handlers"
	"github.com/marcogenualdo/reqprint/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// ConnHandler services one connection and must close it before returning.
type ConnHandler interface {
	Handle(ctx context.Context, conn io.ReadWriteCloser) error
}

// Server accepts request connections and runs the optional admin endpoint.
type Server struct {
	cfg     config.Config
	handler ConnHandler
	archive *archive.Archive
	logger  *slog.Logger
	console io.Writer

	listener   net.Listener
	conns      *connSet
	httpServer *http.Server
}

// New builds a Server. arch may be nil when archiving is disabled.
func New(cfg config.Config, handler ConnHandler, arch *archive.Archive, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		archive: arch,
		logger:  logger,
		console: os.Stdout,
		conns:   newConnSet(),
	}
}

// Start serves until SIGINT or SIGTERM. A second signal kills the process the
// usual way.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	context.AfterFunc(ctx, stop)

	return s.Run(ctx)
}

// Run binds the listeners and serves until ctx is done or a connection fails
// without isolation.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	if s.cfg.Metrics.Bind != "" {
		if err := s.startAdmin(); err != nil {
			s.listener.Close()
			return err
		}
		defer s.shutdownAdmin()
	}

	err := s.Serve(ctx)
	if ctx.Err() != nil {
		s.logger.Info("received shutdown signal")
	}
	return err
}

// Listen binds the request listener and prints the startup banner.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return reqerrors.NewBindError(s.cfg.Addr(), err)
	}
	s.listener = ln

	port := s.cfg.Server.Port
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	fmt.Fprintf(s.console, "Listening on port %d (specify on command line with --port <number>)\n", port)

	s.logger.Info("starting listener",
		"addr", ln.Addr().String(),
		"concurrent", s.cfg.Server.Concurrent,
		"isolate_errors", s.cfg.Server.IsolateErrors,
		"verbose", s.cfg.Output.Verbose,
	)
	return nil
}

// Addr is the bound address of the request listener, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on the bound listener. It returns nil once ctx is
// done and in-flight connections have finished.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("serve called before listen")
	}
	defer s.listener.Close()

	if s.cfg.Server.Concurrent {
		return s.serveConcurrent(ctx)
	}
	return s.serveSequential(ctx)
}

func (s *Server) serveSequential(ctx context.Context) error {
	defer context.AfterFunc(ctx, s.closeAll)()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return reqerrors.NewIOError("accept", err)
		}

		if err := s.serveConn(ctx, conn); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) serveConcurrent(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	defer context.AfterFunc(gctx, s.closeAll)()

	var acceptErr error
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if gctx.Err() == nil {
				acceptErr = reqerrors.NewIOError("accept", err)
				s.closeAll()
			}
			break
		}

		g.Go(func() error {
			return s.serveConn(gctx, conn)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}
	return acceptErr
}

// serveConn returns an error only when it should stop the listener.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	if !s.conns.add(conn) {
		conn.Close()
		return nil
	}
	defer s.conns.remove(conn)

	id := uuid.NewString()
	metrics.Connections.Inc()

	logger := s.logger.With("conn_id", id, "remote_addr", conn.RemoteAddr().String())
	logger.Debug("connection accepted")

	err := s.handler.Handle(handlers.WithConnectionID(ctx, id), conn)
	if err == nil {
		logger.Debug("connection done")
		return nil
	}

	if ctx.Err() != nil {
		logger.Debug("connection interrupted by shutdown", "error", err)
		return nil
	}

	if s.cfg.Server.IsolateErrors {
		logger.Warn("connection failed", "error", err)
		return nil
	}

	return fmt.Errorf("connection %s: %w", id, err)
}

func (s *Server) closeAll() {
	s.listener.Close()
	s.conns.closeAll()
}

type connSet struct {
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[net.Conn]struct{})}
}

func (cs *connSet) add(conn net.Conn) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.closed {
		return false
	}
	cs.conns[conn] = struct{}{}
	return true
}

func (cs *connSet) remove(conn net.Conn) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	delete(cs.conns, conn)
}

func (cs *connSet) closeAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.closed = true
	for conn := range cs.conns {
		conn.Close()
	}
}
