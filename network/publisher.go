package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paradigm-network/paradigm-engine/arrow"
	"github.com/paradigm-network/paradigm-engine/engine"
)

// PublisherConfig holds configuration for the outcome publisher.
type PublisherConfig struct {
	// Endpoint to bind, e.g. "tcp://*:5556"
	Endpoint string `mapstructure:"endpoint"`
	Topic    string `mapstructure:"topic"`
}

// DefaultPublisherConfig returns a PublisherConfig with sensible defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Endpoint: "tcp://127.0.0.1:5556",
		Topic:    DefaultTopic,
	}
}

// Publisher broadcasts batch outcomes on a ZeroMQ PUB socket.
type Publisher struct {
	id     string
	config PublisherConfig
	codec  *arrow.Codec
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sock   zmq4.Socket

	sequence  atomic.Uint64
	published atomic.Int64
	failed    atomic.Int64

	running bool
	mu      sync.RWMutex
}

var _ engine.ReportSink = (*Publisher)(nil)

// NewPublisher creates a new publisher.
func NewPublisher(config PublisherConfig, logger *zap.Logger) *Publisher {
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		id:     uuid.NewString(),
		config: config,
		codec:  arrow.NewCodec(),
		logger: logger,
	}
}

// Start binds the PUB socket.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.sock = zmq4.NewPub(p.ctx)
	if err := p.sock.Listen(p.config.Endpoint); err != nil {
		p.cancel()
		return fmt.Errorf("failed to bind publisher: %w", err)
	}

	p.running = true
	p.logger.Info("publisher started", zap.String("endpoint", p.Endpoint()))
	return nil
}

// Endpoint returns the bound endpoint, resolving an ephemeral port.
func (p *Publisher) Endpoint() string {
	if p.sock == nil || p.sock.Addr() == nil {
		return p.config.Endpoint
	}
	return "tcp://" + p.sock.Addr().String()
}

// Publish sends one outcome. It implements engine.ReportSink.
func (p *Publisher) Publish(ctx context.Context, outcome *engine.BatchOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrNotRunning
	}

	env := &Envelope{
		PublisherID: p.id,
		Sequence:    p.sequence.Add(1),
		Timestamp:   time.Now().UTC(),
		Report:      outcome.Report,
		Requeued:    outcome.Requeued,
		Failed:      outcome.Failed,
	}
	if outcome.Err != nil {
		env.Error = outcome.Err.Error()
	}

	frames, err := encodeFrames(p.codec, p.config.Topic, env, outcome.Results)
	if err != nil {
		p.failed.Add(1)
		return err
	}

	if err := p.sock.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	p.published.Add(1)
	return nil
}

// Stop closes the socket.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	p.cancel()
	if err := p.sock.Close(); err != nil {
		p.logger.Debug("publisher close", zap.Error(err))
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	PublisherID string `json:"publisher_id"`
	Endpoint    string `json:"endpoint"`
	IsRunning   bool   `json:"is_running"`
	Published   int64  `json:"published"`
	Failed      int64  `json:"failed"`
}

// GetStats returns current publisher statistics.
func (p *Publisher) GetStats() PublisherStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return PublisherStats{
		PublisherID: p.id,
		Endpoint:    p.Endpoint(),
		IsRunning:   p.running,
		Published:   p.published.Load(),
		Failed:      p.failed.Load(),
	}
}
