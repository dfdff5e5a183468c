package api

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/paradigm-network/paradigm-engine/arrow"
	"github.com/paradigm-network/paradigm-engine/engine"
)

// ArrowClient sends transaction batches to an ArrowServer. Requests on one
// client are serialized.
type ArrowClient struct {
	conn      net.Conn
	codec     *arrow.Codec
	chunkSize int
	mu        sync.Mutex
}

// DialArrow connects to address and authenticates with token when it is not
// empty. chunkSize bounds the rows per record batch on the wire.
func DialArrow(address, token string, chunkSize int, timeout time.Duration) (*ArrowClient, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	if token != "" {
		if err := ClientHandshake(conn, token); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("handshake: %w", err)
		}
	}

	return &ArrowClient{
		conn:      conn,
		codec:     arrow.NewCodec(),
		chunkSize: chunkSize,
	}, nil
}

// Execute sends txs and waits for their results.
func (c *ArrowClient) Execute(txs []*engine.Transaction) ([]*engine.ExecutionResult, error) {
	payload, err := c.codec.EncodeTransactions(txs, c.chunkSize)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteMessage(c.conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadMessage(c.conn)
	if err != nil {
		return nil, err
	}
	body, err := DecodeResponse(frame)
	if err != nil {
		return nil, err
	}
	return c.codec.DecodeResults(body)
}

// Close closes the connection.
func (c *ArrowClient) Close() error {
	return c.conn.Close()
}
