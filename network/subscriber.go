package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/paradigm-network/paradigm-engine/arrow"
)

// Subscriber receives outcomes from one or more publishers.
type Subscriber struct {
	endpoint string
	topic    string
	codec    *arrow.Codec
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sock   zmq4.Socket

	msgChan chan *Notification

	// Replay protection: last sequence seen per publisher
	lastSeq map[string]uint64
	seqMu   sync.Mutex

	dropped   atomic.Int64
	malformed atomic.Int64

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewSubscriber creates a subscriber for topic on endpoint. An empty topic
// receives everything.
func NewSubscriber(endpoint, topic string, buffer int, logger *zap.Logger) *Subscriber {
	if buffer <= 0 {
		buffer = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		endpoint: endpoint,
		topic:    topic,
		codec:    arrow.NewCodec(),
		logger:   logger,
		msgChan:  make(chan *Notification, buffer),
		lastSeq:  make(map[string]uint64),
	}
}

// Start connects and begins receiving.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.sock = zmq4.NewSub(s.ctx)
	if err := s.sock.Dial(s.endpoint); err != nil {
		s.mu.Unlock()
		s.cancel()
		return fmt.Errorf("failed to connect subscriber: %w", err)
	}
	if err := s.sock.SetOption(zmq4.OptionSubscribe, s.topic); err != nil {
		s.mu.Unlock()
		s.cancel()
		_ = s.sock.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receiverLoop()

	return nil
}

// Notifications returns the channel of received outcomes. It is closed by
// Stop.
func (s *Subscriber) Notifications() <-chan *Notification {
	return s.msgChan
}

// Stop disconnects and waits for the receiver to exit.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	if err := s.sock.Close(); err != nil {
		s.logger.Debug("subscriber close", zap.Error(err))
	}
	s.wg.Wait()

	close(s.msgChan)
}

// receiverLoop continuously receives messages from the SUB socket.
func (s *Subscriber) receiverLoop() {
	defer s.wg.Done()

	for {
		msg, err := s.sock.Recv()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Debug("receive failed", zap.Error(err))
			continue
		}

		n, err := decodeFrames(s.codec, msg.Frames)
		if err != nil {
			s.malformed.Add(1)
			s.logger.Warn("dropping malformed outcome", zap.Error(err))
			continue
		}

		if !s.isFresh(&n.Envelope) {
			continue
		}

		// Send to channel (non-blocking)
		select {
		case s.msgChan <- n:
		default:
			s.dropped.Add(1)
		}
	}
}

// isFresh rejects envelopes whose sequence is not newer than the last one
// seen from the same publisher.
func (s *Subscriber) isFresh(env *Envelope) bool {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	last, seen := s.lastSeq[env.PublisherID]
	if seen && env.Sequence <= last {
		return false
	}
	s.lastSeq[env.PublisherID] = env.Sequence
	return true
}

// SubscriberStats contains subscriber statistics.
type SubscriberStats struct {
	Endpoint   string `json:"endpoint"`
	IsRunning  bool   `json:"is_running"`
	Publishers int    `json:"publishers"`
	Dropped    int64  `json:"dropped"`
	Malformed  int64  `json:"malformed"`
	QueueSize  int    `json:"queue_size"`
}

// GetStats returns current subscriber statistics.
func (s *Subscriber) GetStats() SubscriberStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.seqMu.Lock()
	publishers := len(s.lastSeq)
	s.seqMu.Unlock()

	return SubscriberStats{
		Endpoint:   s.endpoint,
		IsRunning:  s.running,
		Publishers: publishers,
		Dropped:    s.dropped.Load(),
		Malformed:  s.malformed.Load(),
		QueueSize:  len(s.msgChan),
	}
}
