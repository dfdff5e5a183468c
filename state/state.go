// Package state defines the account-state access capability consumed by the
// execution engine, together with the in-memory and LevelDB backends, the
// per-transaction journal and the speculative overlay used during optimistic
// execution.
package state

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AddressLength is the size of an account address in bytes.
const AddressLength = 32

// Well-known account fields.
const (
	FieldBalance = "balance"
	FieldNonce   = "nonce"
)

// Common errors for state operations
var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrClosed         = errors.New("state is closed")
)

// Address identifies an account.
type Address [AddressLength]byte

// BytesToAddress converts b to an Address. If b is longer than AddressLength
// it is cropped from the left.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

// ParseAddress decodes a hex address, with or without a 0x prefix.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != AddressLength {
		return Address{}, fmt.Errorf("%w: got %d bytes", ErrInvalidAddress, len(raw))
	}
	return BytesToAddress(raw), nil
}

// Bytes returns a copy of the address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressLength)
	copy(b, a[:])
	return b
}

// IsZero reports whether a is the all-zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Compare orders addresses bytewise.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a[:], b[:])
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// MarshalText encodes the address as 0x-prefixed hex.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a hex address.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Key names one field of one account.
type Key struct {
	Address Address
	Field   string
}

// Less orders keys by address, then field.
func (k Key) Less(o Key) bool {
	if c := k.Address.Compare(o.Address); c != 0 {
		return c < 0
	}
	return k.Field < o.Field
}

func (k Key) String() string {
	return k.Address.String() + "/" + k.Field
}

// Reader reads account fields. A missing field reads as nil with no error.
type Reader interface {
	Get(addr Address, field string) ([]byte, error)
}

// Writer writes account fields. Writing a nil value deletes the field.
type Writer interface {
	Set(addr Address, field string, value []byte) error
}

// Access is the read/write state capability injected into the engine.
// Implementations must tolerate concurrent calls on disjoint keys.
type Access interface {
	Reader
	Writer
}

// Change is a single pending write.
type Change struct {
	Key   Key
	Value []byte
}

// BatchWriter is implemented by backends that can commit several writes
// atomically.
type BatchWriter interface {
	WriteBatch(changes []Change) error
}

// Entry is a stored key/value pair.
type Entry struct {
	Key   Key
	Value []byte
}

// Snapshotter is implemented by backends that can list their contents in key
// order.
type Snapshotter interface {
	Snapshot() ([]Entry, error)
}

// StateChange records one account-field mutation. It is the unit of both
// commit and rollback.
type StateChange struct {
	Address  Address `json:"address"`
	Field    string  `json:"field"`
	OldValue []byte  `json:"old_value,omitempty"`
	NewValue []byte  `json:"new_value,omitempty"`
}

// Key returns the key the change applies to.
func (c StateChange) Key() Key {
	return Key{Address: c.Address, Field: c.Field}
}

// Inverse returns the change that undoes c.
func (c StateChange) Inverse() StateChange {
	return StateChange{
		Address:  c.Address,
		Field:    c.Field,
		OldValue: c.NewValue,
		NewValue: c.OldValue,
	}
}

// Apply writes changes to dst, atomically when dst is a BatchWriter.
func Apply(dst Writer, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	if bw, ok := dst.(BatchWriter); ok {
		return bw.WriteBatch(changes)
	}
	for _, c := range changes {
		if err := dst.Set(c.Key.Address, c.Key.Field, c.Value); err != nil {
			return fmt.Errorf("set %s: %w", c.Key, err)
		}
	}
	return nil
}

// ApplyStateChanges writes the NewValue of every change to dst.
func ApplyStateChanges(dst Writer, changes []StateChange) error {
	batch := make([]Change, len(changes))
	for i, c := range changes {
		batch[i] = Change{Key: c.Key(), Value: c.NewValue}
	}
	return Apply(dst, batch)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
