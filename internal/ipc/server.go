package ipc

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/config"
)

// Server is the Unix socket server.
type Server struct {
	cfg     config.IPCConfig
	log     *slog.Logger
	handler *Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	pool     *ants.Pool // bounds connection handlers, nil when unlimited
	wg       sync.WaitGroup
}

// NewServer creates a new IPC server.
func NewServer(cfg config.IPCConfig, log *slog.Logger, h *Handler) *Server {
	return &Server{
		cfg:     cfg,
		log:     log.With("component", "ipc"),
		handler: h,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Addr returns the socket path.
func (s *Server) Addr() string { return s.cfg.SocketPath }

// Start listens on the socket, replacing a stale socket file.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	if err := os.RemoveAll(s.cfg.SocketPath); err != nil {
		s.log.Warn("failed to remove old socket", "path", s.cfg.SocketPath, "error", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}

	if s.cfg.MaxConnections > 0 {
		pool, err := ants.NewPool(s.cfg.MaxConnections, ants.WithPanicHandler(func(v any) {
			s.log.Error("ipc connection handler panic", "panic", v)
		}))
		if err != nil {
			ln.Close()
			return err
		}
		s.pool = pool
	}

	s.listener = ln
	s.log.Info("ipc server listening", "path", s.cfg.SocketPath, "max_connections", s.cfg.MaxConnections)
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every open connection, then waits for their
// handlers.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	if ln == nil {
		s.mu.Unlock()
		return nil
	}
	ln.Close()
	for conn := range s.conns {
		conn.Close()
	}
	pool := s.pool
	s.pool = nil
	s.mu.Unlock()

	s.wg.Wait()
	if pool != nil {
		_ = pool.ReleaseTimeout(3 * time.Second)
	}
	s.log.Info("ipc server stopped")
	return nil
}

func (s *Server) track(conn net.Conn) (*ants.Pool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil, false
	}
	s.conns[conn] = struct{}{}
	return s.pool, true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			s.log.Error("accept error", "error", err)
			continue
		}

		pool, ok := s.track(conn)
		if !ok {
			conn.Close()
			return
		}
		s.wg.Add(1)
		serve := func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(conn)
		}
		if pool == nil {
			go serve()
			continue
		}
		if err := pool.Submit(serve); err != nil {
			s.wg.Done()
			s.untrack(conn)
			s.log.Error("failed to submit connection handler to pool", "error", err)
		}
	}
}

// serveConn answers requests until the client hangs up or subscribes.
func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connection handler panic", "panic", r)
		}
	}()

	for {
		data, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("connection read", "error", err)
			}
			return
		}

		req, err := DecodeRequest(data)
		var (
			resp    *ResponseFrame
			session *SubscribeSession
		)
		if err != nil {
			s.log.Error("failed to decode request", "error", err)
			resp = &ResponseFrame{Status: StatusError, Payload: ErrorPayload(err.Error(), "")}
		} else {
			resp, session = s.handler.Handle(conn, req)
		}

		out, err := EncodeResponse(resp)
		if err == nil {
			err = WriteFrame(conn, out)
		}
		if session != nil {
			session.Ready()
			defer session.Cancel()
		}
		if err != nil {
			s.log.Error("failed to write response", "error", err)
			return
		}
		if session != nil {
			s.stream(conn, session)
			return
		}
	}
}

// stream holds a subscribed connection open. Anything the client sends is
// discarded; reading only detects the hang up.
func (s *Server) stream(conn net.Conn, session *SubscribeSession) {
	gone := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		close(gone)
	}()
	select {
	case <-session.CloseChan:
	case <-gone:
	}
	s.log.Debug("ipc subscriber gone", "topic", session.Topic)
}
