package api

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/paradigm-network/paradigm-engine/engine"
)

// Version is the current version of the engine.
const Version = "0.1.0"

// ExecutionService is the health service name reported next to the overall
// server status.
const ExecutionService = "paradigm.engine.Execution"

// StatusSource reports the execution service status.
type StatusSource interface {
	GetStatus() engine.ServiceStatus
}

// ServerConfig holds configuration for the gRPC server.
type ServerConfig struct {
	// Address to listen on (e.g., ":50051")
	Address string `mapstructure:"address"`

	// PollInterval is how often the service status is mirrored into the
	// health service
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// MaxRecvMsgSize is the maximum message size in bytes
	MaxRecvMsgSize int `mapstructure:"max_recv_msg_size"`

	// MaxSendMsgSize is the maximum message size in bytes
	MaxSendMsgSize int `mapstructure:"max_send_msg_size"`
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:        ":50051",
		PollInterval:   time.Second,
		MaxRecvMsgSize: 16 * 1024 * 1024, // 16MB
		MaxSendMsgSize: 16 * 1024 * 1024, // 16MB
	}
}

// Server is a gRPC server exposing the standard health service. Its status
// follows the execution service.
type Server struct {
	config *ServerConfig
	source StatusSource
	logger *zap.Logger

	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	startTime  time.Time

	running bool
	quit    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// NewServer creates a new gRPC server instance.
func NewServer(config *ServerConfig, source StatusSource, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultServerConfig().PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		config: config,
		source: source,
		logger: logger,
		health: health.NewServer(),
	}
}

// StartAsync starts the gRPC server asynchronously and returns immediately.
func (s *Server) StartAsync(address string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(s.config.MaxSendMsgSize),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.running = true
	s.startTime = time.Now()
	s.quit = make(chan struct{})
	s.mu.Unlock()

	s.Refresh()

	s.wg.Add(1)
	go s.pollStatus()

	// Start serving asynchronously
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Warn("grpc server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("grpc health server started", zap.String("address", lis.Addr().String()))
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Refresh mirrors the current service status into the health service.
func (s *Server) Refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.source != nil && s.source.GetStatus() == engine.StatusActive {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ExecutionService, status)
}

func (s *Server) pollStatus() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Stop gracefully stops the gRPC server. Watchers see NOT_SERVING before
// the server goes away.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	s.mu.Unlock()

	s.wg.Wait()
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// ServerStats contains gRPC server statistics.
type ServerStats struct {
	Version       string  `json:"version"`
	Running       bool    `json:"running"`
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// GetStats returns current server statistics.
func (s *Server) GetStats() ServerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := ServerStats{Version: Version, Running: s.running, Status: engine.StatusStopped.String()}
	if s.source != nil {
		stats.Status = s.source.GetStatus().String()
	}
	if s.running {
		stats.UptimeSeconds = time.Since(s.startTime).Seconds()
	}
	return stats
}
