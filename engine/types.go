// Package engine executes batches of transactions in parallel while keeping
// the outcome equivalent to a sequential execution. Batches are analysed for
// read/write conflicts, partitioned into waves of mutually independent
// transactions and executed wave by wave on a bounded worker pool. An
// optimistic mode executes the whole batch at once and rolls back the
// transactions that turn out to conflict.
package engine

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/paradigm-network/paradigm-engine/state"
)

// Common errors for engine operations
var (
	ErrWorkerPanic          = errors.New("worker panic")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrNonceMismatch        = errors.New("nonce mismatch")
	ErrOutOfGas             = errors.New("out of gas")
	ErrSpeculativeConflict  = errors.New("speculative execution conflict")
	ErrDuplicateTransaction = errors.New("duplicate transaction in batch")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrEngineClosed         = errors.New("engine is closed")
)

// PartialBatchError is returned when the batch deadline expired before every
// transaction ran. Results returned alongside it are valid and committed.
type PartialBatchError struct {
	Pending []uuid.UUID
	Err     error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("batch partially executed: %d transactions pending: %v", len(e.Pending), e.Err)
}

func (e *PartialBatchError) Unwrap() error {
	return e.Err
}

// Access declares an address the transaction payload touches beyond its
// sender and recipient.
type Access struct {
	Address state.Address `json:"address"`
	Write   bool          `json:"write"`
}

// Transaction is an immutable input to the engine.
type Transaction struct {
	ID         uuid.UUID      `json:"id"`
	From       state.Address  `json:"from"`
	To         *state.Address `json:"to,omitempty"`
	Value      uint64         `json:"value"`
	Fee        uint64         `json:"fee"`
	GasLimit   uint64         `json:"gas_limit"`
	Nonce      uint64         `json:"nonce"`
	Payload    []byte         `json:"payload,omitempty"`
	AccessList []Access       `json:"access_list,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Validate checks if the transaction has required fields.
func (tx *Transaction) Validate() error {
	if tx.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrInvalidTransaction)
	}
	if tx.From.IsZero() {
		return fmt.Errorf("%w: sender is required", ErrInvalidTransaction)
	}
	return nil
}

func transactionIDs(txs []*Transaction) []uuid.UUID {
	out := make([]uuid.UUID, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}

// validateBatch rejects nil, invalid and duplicate transactions.
func validateBatch(txs []*Transaction) error {
	seen := make(map[uuid.UUID]struct{}, len(txs))
	for i, tx := range txs {
		if tx == nil {
			return fmt.Errorf("%w: nil transaction at index %d", ErrInvalidTransaction, i)
		}
		if err := tx.Validate(); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
		if _, dup := seen[tx.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx.ID)
		}
		seen[tx.ID] = struct{}{}
	}
	return nil
}

// AddressSet is a set of account addresses.
type AddressSet map[state.Address]struct{}

// NewAddressSet creates a set holding addrs.
func NewAddressSet(addrs ...state.Address) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

// Add inserts a.
func (s AddressSet) Add(a state.Address) {
	s[a] = struct{}{}
}

// AddAll inserts every address of o.
func (s AddressSet) AddAll(o map[state.Address]struct{}) {
	for a := range o {
		s[a] = struct{}{}
	}
}

// Has reports whether a is in the set.
func (s AddressSet) Has(a state.Address) bool {
	_, ok := s[a]
	return ok
}

// Intersects reports whether s and o share an address.
func (s AddressSet) Intersects(o map[state.Address]struct{}) bool {
	small, large := map[state.Address]struct{}(s), o
	if len(small) > len(large) {
		small, large = large, small
	}
	for a := range small {
		if _, ok := large[a]; ok {
			return true
		}
	}
	return false
}

// Sorted returns the addresses in ascending order.
func (s AddressSet) Sorted() []state.Address {
	out := make([]state.Address, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	slices.SortFunc(out, state.Address.Compare)
	return out
}

// ConflictAnalysis describes what one transaction of a batch touches and how
// it relates to the rest of the batch. Dependencies and ConflictsWith are
// ordered by submission index.
type ConflictAnalysis struct {
	TxID          uuid.UUID
	Index         int
	ReadSet       AddressSet
	WriteSet      AddressSet
	Dependencies  []uuid.UUID
	ConflictsWith []uuid.UUID
}

// Conflicts reports whether a and b touch a common address with at least one
// of them writing it.
func (a *ConflictAnalysis) Conflicts(b *ConflictAnalysis) bool {
	return a.WriteSet.Intersects(b.WriteSet) ||
		a.ReadSet.Intersects(b.WriteSet) ||
		a.WriteSet.Intersects(b.ReadSet)
}

// ExecutionWave is a group of mutually non-conflicting transactions executed
// in one parallel step. Transactions are listed in submission order.
type ExecutionWave struct {
	Index             int         `json:"index"`
	Transactions      []uuid.UUID `json:"transactions"`
	ParallelismFactor int         `json:"parallelism_factor"`
}

// ExecutionPlan is the ordered sequence of waves for one batch.
type ExecutionPlan struct {
	Waves []ExecutionWave `json:"waves"`
}

// Len returns the number of waves.
func (p *ExecutionPlan) Len() int {
	return len(p.Waves)
}

// TotalTransactions returns the number of scheduled transactions.
func (p *ExecutionPlan) TotalTransactions() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w.Transactions)
	}
	return n
}

// ExecutionResult is the outcome of one transaction.
type ExecutionResult struct {
	TransactionID uuid.UUID           `json:"transaction_id"`
	Success       bool                `json:"success"`
	GasUsed       uint64              `json:"gas_used"`
	StateChanges  []state.StateChange `json:"state_changes,omitempty"`
	ExecutionTime time.Duration       `json:"execution_time"`
	Error         string              `json:"error,omitempty"`
	Wave          int                 `json:"wave"`
}

func failedResult(tx *Transaction, wave int, d time.Duration, err error) *ExecutionResult {
	return &ExecutionResult{
		TransactionID: tx.ID,
		Success:       false,
		ExecutionTime: d,
		Error:         err.Error(),
		Wave:          wave,
	}
}
