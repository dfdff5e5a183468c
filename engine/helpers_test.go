package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/paradigm-network/paradigm-engine/core"
	"github.com/paradigm-network/paradigm-engine/state"
)

func addr(b byte) state.Address {
	return state.BytesToAddress([]byte{b})
}

func transfer(from, to byte, value, nonce uint64) *Transaction {
	recipient := addr(to)
	return &Transaction{
		ID:    uuid.New(),
		From:  addr(from),
		To:    &recipient,
		Value: value,
		Nonce: nonce,
	}
}

func fund(t testing.TB, st state.Writer, balance uint64, accounts ...byte) {
	t.Helper()
	for _, a := range accounts {
		require.NoError(t, state.SetBalance(st, addr(a), uint256.NewInt(balance)))
	}
}

func balanceOf(t testing.TB, st state.Reader, a byte) uint64 {
	t.Helper()
	b, err := state.GetBalance(st, addr(a))
	require.NoError(t, err)
	return b.Uint64()
}

func nonceOf(t testing.TB, st state.Reader, a byte) uint64 {
	t.Helper()
	n, err := state.GetNonce(st, addr(a))
	require.NoError(t, err)
	return n
}

func newTestPool(t testing.TB, workers int) *core.WorkerPool {
	t.Helper()
	pool := core.NewWorkerPool("test", workers, 0, nil)
	t.Cleanup(pool.Shutdown)
	return pool
}

func newTestAnalyzer(workers int) *ConflictAnalyzer {
	return NewConflictAnalyzer(AnalyzerConfig{
		EnableReadWriteAnalysis: true,
		Workers:                 workers,
	}, nil)
}

func newTestParallel(t testing.TB, st state.Access, p Processor, workers int) *ParallelExecutor {
	t.Helper()
	return NewParallelExecutor(newTestAnalyzer(workers), NewWaveScheduler(nil),
		newTestPool(t, workers), p, st, false, nil)
}

func newTestSpeculative(t testing.TB, st state.Access, p Processor, workers int, reexecute bool) *SpeculativeExecutor {
	t.Helper()
	pool := newTestPool(t, workers)
	fallback := NewParallelExecutor(newTestAnalyzer(workers), NewWaveScheduler(nil),
		pool, p, st, false, nil)
	return NewSpeculativeExecutor(pool, p, st, state.NewSpeculativeState(),
		state.NewRollbackLog(), fallback, reexecute, nil)
}

func ids(txs []*Transaction) []uuid.UUID {
	return transactionIDs(txs)
}

func resultsByID(results []*ExecutionResult) map[uuid.UUID]*ExecutionResult {
	out := make(map[uuid.UUID]*ExecutionResult, len(results))
	for _, r := range results {
		out[r.TransactionID] = r
	}
	return out
}

// replay executes txs one by one in plan order on st.
func replay(t testing.TB, st state.Access, p Processor, txs []*Transaction, plan *ExecutionPlan) {
	t.Helper()
	byID := make(map[uuid.UUID]*Transaction, len(txs))
	for _, tx := range txs {
		byID[tx.ID] = tx
	}
	for _, w := range plan.Waves {
		for _, id := range w.Transactions {
			j := state.NewJournal(st)
			if _, err := p.Process(byID[id], j); err != nil {
				continue
			}
			require.NoError(t, j.Commit(st))
		}
	}
}
