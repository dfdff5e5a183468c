package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Authentication errors
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthTokenInvalid  = errors.New("invalid auth message")
	ErrAuthTokenMismatch = errors.New("auth token mismatch")
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Enabled determines if authentication is required
	Enabled bool `mapstructure:"enabled"`
	// Token is the secret token that clients must provide
	Token string `mapstructure:"token"`
}

// Authenticator handles connection authentication.
type Authenticator struct {
	config AuthConfig
	mu     sync.RWMutex
}

// NewAuthenticator creates a new Authenticator with the given config. An
// enabled config without a token gets a generated one.
func NewAuthenticator(config AuthConfig) *Authenticator {
	if config.Enabled && config.Token == "" {
		config.Token = GenerateToken()
	}
	return &Authenticator{
		config: config,
	}
}

// IsEnabled returns true if authentication is enabled.
func (a *Authenticator) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Enabled
}

// GetToken returns the current auth token (for displaying to admin).
func (a *Authenticator) GetToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Token
}

// ValidateToken checks if the provided token matches the configured token.
// Uses constant-time comparison.
func (a *Authenticator) ValidateToken(providedToken string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.config.Enabled {
		return nil
	}

	if providedToken == "" {
		return ErrAuthRequired
	}

	if subtle.ConstantTimeCompare([]byte(a.config.Token), []byte(providedToken)) != 1 {
		return ErrAuthTokenMismatch
	}

	return nil
}

// Handshake reads the auth message from rw and answers with an
// AuthResponse. It is a no-op when authentication is disabled.
func (a *Authenticator) Handshake(rw io.ReadWriter) error {
	if !a.IsEnabled() {
		return nil
	}

	frame, err := ReadMessage(rw)
	if err != nil {
		return err
	}

	var msg AuthMessage
	authErr := json.Unmarshal(frame, &msg)
	if authErr != nil || msg.Type != AuthMessageType {
		authErr = ErrAuthTokenInvalid
	} else {
		authErr = a.ValidateToken(msg.Token)
	}

	resp := AuthResponse{Success: authErr == nil}
	if authErr != nil {
		resp.Error = authErr.Error()
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := WriteMessage(rw, raw); err != nil {
		return err
	}
	return authErr
}

// ClientHandshake sends token and waits for the server's verdict.
func ClientHandshake(rw io.ReadWriter, token string) error {
	raw, err := json.Marshal(AuthMessage{Type: AuthMessageType, Token: token})
	if err != nil {
		return err
	}
	if err := WriteMessage(rw, raw); err != nil {
		return err
	}

	frame, err := ReadMessage(rw)
	if err != nil {
		return err
	}
	var resp AuthResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthTokenInvalid, err)
	}
	if !resp.Success {
		return &RemoteError{Message: resp.Error}
	}
	return nil
}

// GenerateToken generates a cryptographically secure random token.
func GenerateToken() string {
	bytes := make([]byte, 32) // 256 bits
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(bytes)
}

// AuthMessageType is the Type of an AuthMessage.
const AuthMessageType = "auth"

// AuthMessage represents an authentication handshake message.
// This is the first message a client must send when auth is enabled.
type AuthMessage struct {
	Type  string `json:"type"`  // Must be "auth"
	Token string `json:"token"` // The authentication token
}

// AuthResponse is sent back to the client after auth attempt.
type AuthResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
