package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxMessageSize is the maximum allowed message size (50MB).
const MaxMessageSize = 50 * 1024 * 1024 // 50MB

// Response status bytes. A response frame is [status][payload].
const (
	StatusOK    byte = 0
	StatusError byte = 1
)

// Protocol errors
var (
	ErrMessageTooLarge = errors.New("message size exceeds maximum allowed size")
	ErrEmptyResponse   = errors.New("empty response frame")
)

// RemoteError is an error reported by the server in a response frame.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// ReadMessage reads a length-prefixed message from the reader.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func ReadMessage(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, length, MaxMessageSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	return buf, nil
}

// WriteMessage writes a length-prefixed message to the writer.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func WriteMessage(w io.Writer, data []byte) error {
	if len(data) > math.MaxUint32 || len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data))) // #nosec G115 - bounds checked above
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// EncodeResponse prefixes payload with a status byte.
func EncodeResponse(status byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = status
	copy(out[1:], payload)
	return out
}

// DecodeResponse splits a response frame. An error status is returned as a
// *RemoteError.
func DecodeResponse(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyResponse
	}
	switch frame[0] {
	case StatusOK:
		return frame[1:], nil
	case StatusError:
		return nil, &RemoteError{Message: string(frame[1:])}
	default:
		return nil, fmt.Errorf("unknown response status %d", frame[0])
	}
}
