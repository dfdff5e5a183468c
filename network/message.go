package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/paradigm-network/paradigm-engine/arrow"
	"github.com/paradigm-network/paradigm-engine/engine"
)

// Common errors for network operations
var (
	ErrNotRunning     = errors.New("socket is not running")
	ErrAlreadyRunning = errors.New("socket already running")
	ErrSendFailed     = errors.New("failed to send message")
	ErrMalformed      = errors.New("malformed message")
)

// DefaultTopic is the topic outcomes are published under.
const DefaultTopic = "batch"

// Envelope is the JSON frame of a published outcome.
type Envelope struct {
	PublisherID string             `json:"publisher_id"`
	Sequence    uint64             `json:"sequence"`
	Timestamp   time.Time          `json:"timestamp"`
	Report      engine.BatchReport `json:"report"`
	Requeued    []uuid.UUID        `json:"requeued,omitempty"`
	Failed      []uuid.UUID        `json:"failed,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Notification is a decoded outcome.
type Notification struct {
	Topic    string
	Envelope Envelope
	Results  []*engine.ExecutionResult
}

func encodeFrames(codec *arrow.Codec, topic string, env *Envelope, results []*engine.ExecutionResult) ([][]byte, error) {
	header, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	body, err := codec.EncodeResults(results)
	if err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}
	return [][]byte{[]byte(topic), header, body}, nil
}

func decodeFrames(codec *arrow.Codec, frames [][]byte) (*Notification, error) {
	if len(frames) != 3 {
		return nil, fmt.Errorf("%w: %d frames", ErrMalformed, len(frames))
	}

	n := &Notification{Topic: string(frames[0])}
	if err := json.Unmarshal(frames[1], &n.Envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	results, err := codec.DecodeResults(frames[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	n.Results = results
	return n, nil
}
