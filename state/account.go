package state

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
)

// GetBalance reads the balance of addr. Balances are stored as 32-byte
// big-endian integers; a missing balance is zero.
func GetBalance(r Reader, addr Address) (*uint256.Int, error) {
	raw, err := r.Get(addr, FieldBalance)
	if err != nil {
		return nil, err
	}
	if len(raw) > 32 {
		return nil, fmt.Errorf("balance of %s: %d bytes", addr, len(raw))
	}
	return new(uint256.Int).SetBytes(raw), nil
}

// SetBalance stores the balance of addr.
func SetBalance(w Writer, addr Address, balance *uint256.Int) error {
	b := balance.Bytes32()
	return w.Set(addr, FieldBalance, b[:])
}

// GetNonce reads the nonce of addr. A missing nonce is zero.
func GetNonce(r Reader, addr Address) (uint64, error) {
	raw, err := r.Get(addr, FieldNonce)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("nonce of %s: %d bytes", addr, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// SetNonce stores the nonce of addr.
func SetNonce(w Writer, addr Address, nonce uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], nonce)
	return w.Set(addr, FieldNonce, b[:])
}
