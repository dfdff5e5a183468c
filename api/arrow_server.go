package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ArrowServerConfig holds configuration for the Arrow ingress server.
type ArrowServerConfig struct {
	Address string `mapstructure:"address"`
	// Mode is ModeExecute or ModeSubmit
	Mode string `mapstructure:"mode"`
	// IdleTimeout closes connections without a request for this long
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	Auth        AuthConfig    `mapstructure:"auth"`
}

// DefaultArrowServerConfig returns an ArrowServerConfig with sensible defaults.
func DefaultArrowServerConfig() ArrowServerConfig {
	return ArrowServerConfig{
		Address:     ":50052",
		Mode:        ModeExecute,
		IdleTimeout: 5 * time.Minute,
	}
}

// ArrowServer is a TCP server that executes Arrow IPC transaction batches.
type ArrowServer struct {
	config  ArrowServerConfig
	handler *ArrowHandler
	auth    *Authenticator
	metrics *Metrics
	logger  *zap.Logger

	listener net.Listener
	conns    map[net.Conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewArrowServer creates a new ArrowServer instance. metrics may be nil.
func NewArrowServer(config ArrowServerConfig, handler *ArrowHandler, metrics *Metrics, logger *zap.Logger) *ArrowServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArrowServer{
		config:  config,
		handler: handler,
		auth:    NewAuthenticator(config.Auth),
		metrics: metrics,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Authenticator returns the server's authenticator.
func (s *ArrowServer) Authenticator() *Authenticator {
	return s.auth
}

// Start starts the Arrow server on the specified address.
// This method blocks until the server is stopped or fails.
func (s *ArrowServer) Start(address string) error {
	if err := s.StartAsync(address); err != nil {
		return err
	}
	<-s.ctx.Done()
	s.wg.Wait()
	return nil
}

// StartAsync starts the server in a background goroutine.
func (s *ArrowServer) StartAsync(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(lis)

	s.logger.Info("arrow server started",
		zap.String("address", lis.Addr().String()),
		zap.Bool("auth", s.auth.IsEnabled()))
	return nil
}

// Addr returns the bound address.
func (s *ArrowServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *ArrowServer) acceptLoop(lis net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

// Stop stops the server, closes open connections and waits for in-flight
// requests to finish.
func (s *ArrowServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	_ = s.listener.Close()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("arrow server stopped")
}

// handleConnection handles a single client connection.
func (s *ArrowServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))

	s.setDeadline(conn)
	if err := s.auth.Handshake(conn); err != nil {
		logger.Warn("authentication failed", zap.Error(err))
		return
	}

	for {
		s.setDeadline(conn)
		payload, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		// the request itself is bounded by the handler timeout
		_ = conn.SetDeadline(time.Time{})

		start := time.Now()
		response, err := s.handler.Respond(s.ctx, payload)
		status := "ok"
		if err != nil {
			status = "error"
			logger.Warn("batch failed", zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.RecordRequest(status, time.Since(start))
		}

		if err := WriteMessage(conn, response); err != nil {
			logger.Debug("write failed", zap.Error(err))
			return
		}
	}
}

func (s *ArrowServer) setDeadline(conn net.Conn) {
	if s.config.IdleTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.config.IdleTimeout))
	}
}
