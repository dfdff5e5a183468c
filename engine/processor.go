package engine

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/paradigm-network/paradigm-engine/state"
)

// Gas schedule of the transfer processor.
const (
	TxBaseGas        uint64 = 21000
	TxPayloadByteGas uint64 = 16
)

// Processor applies one transaction to a journal. A returned error is a
// logical failure of that transaction only; the journal is then discarded.
// Processors run concurrently on distinct journals and must not keep state
// between calls.
type Processor interface {
	Process(tx *Transaction, j *state.Journal) (gasUsed uint64, err error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(tx *Transaction, j *state.Journal) (uint64, error)

// Process calls f.
func (f ProcessorFunc) Process(tx *Transaction, j *state.Journal) (uint64, error) {
	return f(tx, j)
}

// TransferProcessor moves value between accounts. The sender pays value plus
// fee, the recipient receives value and the fee is burned. The sender nonce
// is incremented.
type TransferProcessor struct {
	// StrictNonce rejects transactions whose nonce differs from the sender's
	// current nonce.
	StrictNonce bool
}

// IntrinsicGas returns the gas charged for tx.
func IntrinsicGas(tx *Transaction) uint64 {
	return TxBaseGas + TxPayloadByteGas*uint64(len(tx.Payload))
}

// Process implements Processor.
func (p TransferProcessor) Process(tx *Transaction, j *state.Journal) (uint64, error) {
	gas := IntrinsicGas(tx)
	if tx.GasLimit > 0 && gas > tx.GasLimit {
		return 0, fmt.Errorf("%w: need %d, limit %d", ErrOutOfGas, gas, tx.GasLimit)
	}

	nonce, err := state.GetNonce(j, tx.From)
	if err != nil {
		return 0, err
	}
	if p.StrictNonce && tx.Nonce != nonce {
		return 0, fmt.Errorf("%w: expected %d, got %d", ErrNonceMismatch, nonce, tx.Nonce)
	}

	balance, err := state.GetBalance(j, tx.From)
	if err != nil {
		return 0, err
	}
	cost, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(tx.Value), uint256.NewInt(tx.Fee))
	if overflow || balance.Lt(cost) {
		return 0, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance.Dec(), cost.Dec())
	}
	if err := state.SetBalance(j, tx.From, new(uint256.Int).Sub(balance, cost)); err != nil {
		return 0, err
	}

	if tx.To != nil {
		// Read after the debit so that self-transfers see it.
		recv, err := state.GetBalance(j, *tx.To)
		if err != nil {
			return 0, err
		}
		credited, overflow := new(uint256.Int).AddOverflow(recv, uint256.NewInt(tx.Value))
		if overflow {
			return 0, fmt.Errorf("balance overflow for %s", tx.To)
		}
		if err := state.SetBalance(j, *tx.To, credited); err != nil {
			return 0, err
		}
	}

	if err := state.SetNonce(j, tx.From, nonce+1); err != nil {
		return 0, err
	}
	return gas, nil
}
