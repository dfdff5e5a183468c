package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/paradigm-network/paradigm-engine/state"
)

var errAlwaysFails = errors.New("always fails")

// failing wraps p and fails the transactions in ids.
func failing(p Processor, ids ...uuid.UUID) Processor {
	fail := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		fail[id] = struct{}{}
	}
	return ProcessorFunc(func(tx *Transaction, j *state.Journal) (uint64, error) {
		if _, ok := fail[tx.ID]; ok {
			return 0, errAlwaysFails
		}
		return p.Process(tx, j)
	})
}

func TestParallelExecuteExampleScenario(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 100, 1, 2, 4)

	tx1 := transfer(1, 2, 10, 0)
	tx2 := transfer(2, 3, 20, 0)
	tx3 := transfer(4, 5, 30, 0)

	results, err := newTestParallel(t, st, TransferProcessor{}, 4).
		Execute(context.Background(), []*Transaction{tx1, tx2, tx3})
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := resultsByID(results)
	require.ElementsMatch(t, ids([]*Transaction{tx1, tx2, tx3}), resultIDs(results))
	require.Equal(t, 0, byID[tx1.ID].Wave)
	require.Equal(t, 0, byID[tx3.ID].Wave)
	require.Equal(t, 1, byID[tx2.ID].Wave)
	require.Equal(t, tx2.ID, results[2].TransactionID, "wave order not preserved")

	for _, r := range results {
		require.True(t, r.Success, r.Error)
		require.Equal(t, TxBaseGas, r.GasUsed)
		require.NotEmpty(t, r.StateChanges)
	}

	require.Equal(t, uint64(90), balanceOf(t, st, 1))
	require.Equal(t, uint64(90), balanceOf(t, st, 2))
	require.Equal(t, uint64(20), balanceOf(t, st, 3))
	require.Equal(t, uint64(70), balanceOf(t, st, 4))
	require.Equal(t, uint64(30), balanceOf(t, st, 5))
}

func resultIDs(results []*ExecutionResult) []uuid.UUID {
	out := make([]uuid.UUID, len(results))
	for i, r := range results {
		out[i] = r.TransactionID
	}
	return out
}

func TestParallelLocalFailureIsolation(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 100, 1, 3, 5, 7)

	txs := []*Transaction{
		transfer(1, 2, 10, 0),
		transfer(3, 4, 10, 0),
		transfer(5, 6, 10, 0),
		transfer(7, 8, 10, 0),
	}
	p := failing(TransferProcessor{}, txs[1].ID)

	results, err := newTestParallel(t, st, p, 2).Execute(context.Background(), txs)
	require.NoError(t, err)
	require.Len(t, results, 4)

	byID := resultsByID(results)
	require.False(t, byID[txs[1].ID].Success)
	require.Equal(t, errAlwaysFails.Error(), byID[txs[1].ID].Error)
	require.Empty(t, byID[txs[1].ID].StateChanges)
	for _, i := range []int{0, 2, 3} {
		require.True(t, byID[txs[i].ID].Success)
		require.Equal(t, 0, byID[txs[i].ID].Wave)
	}

	require.Equal(t, uint64(100), balanceOf(t, st, 3))
	require.Equal(t, uint64(0), balanceOf(t, st, 4))
	require.Equal(t, uint64(10), balanceOf(t, st, 8))
}

func TestParallelInsufficientBalance(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 5, 1)

	results, err := newTestParallel(t, st, TransferProcessor{}, 1).
		Execute(context.Background(), []*Transaction{transfer(1, 2, 10, 0)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Success)
	require.Contains(t, results[0].Error, ErrInsufficientBalance.Error())
	require.Equal(t, uint64(5), balanceOf(t, st, 1))
}

func TestParallelSequentialEquivalence(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 99))

	for round := 0; round < 10; round++ {
		parallel := state.NewMemState()
		fund(t, parallel, 50, 1, 2, 3, 4, 5, 6, 7, 8)
		serial := parallel.Clone()

		txs := randomBatch(r, 200, 8, false)
		exec := newTestParallel(t, parallel, TransferProcessor{}, 4)

		results, err := exec.Execute(context.Background(), txs)
		require.NoError(t, err)
		require.Len(t, results, len(txs))

		plan, _, err := exec.Plan(context.Background(), txs)
		require.NoError(t, err)
		replay(t, serial, TransferProcessor{}, txs, plan)

		want, err := serial.Snapshot()
		require.NoError(t, err)
		got, err := parallel.Snapshot()
		require.NoError(t, err)
		require.Equal(t, want, got, "round %d", round)
	}
}

func TestParallelStrictNonceChain(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 1000, 1)

	// submitted out of nonce order
	txs := []*Transaction{
		transfer(1, 2, 1, 3),
		transfer(1, 3, 1, 1),
		transfer(1, 4, 1, 0),
		transfer(1, 5, 1, 2),
	}

	results, err := newTestParallel(t, st, TransferProcessor{StrictNonce: true}, 4).
		Execute(context.Background(), txs)
	require.NoError(t, err)
	for _, r := range results {
		require.True(t, r.Success, r.Error)
	}
	require.Equal(t, uint64(4), nonceOf(t, st, 1))
	require.Equal(t, uint64(996), balanceOf(t, st, 1))
}

func TestParallelSerialMode(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 100, 1, 3)

	exec := NewParallelExecutor(newTestAnalyzer(2), NewWaveScheduler(nil), newTestPool(t, 2),
		TransferProcessor{}, st, true, nil)
	txs := []*Transaction{transfer(1, 2, 1, 0), transfer(3, 4, 1, 0)}

	results, err := exec.Execute(context.Background(), txs)
	require.NoError(t, err)
	require.Equal(t, 0, results[0].Wave)
	require.Equal(t, 1, results[1].Wave)
}

func TestParallelDeadlinePartialCompletion(t *testing.T) {
	st := state.NewMemState()
	txs := make([]*Transaction, 10)
	for i := range txs {
		txs[i] = transfer(byte(10+i), 1, 0, 0)
	}
	slow := ProcessorFunc(func(tx *Transaction, j *state.Journal) (uint64, error) {
		time.Sleep(20 * time.Millisecond)
		return TransferProcessor{}.Process(tx, j)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := newTestParallel(t, st, slow, 2).Execute(ctx, txs)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)
	require.NotEmpty(t, results)
	require.NotEmpty(t, partial.Pending)
	require.Len(t, append(resultIDs(results), partial.Pending...), len(txs))

	// committed results are durable
	for _, r := range results {
		require.True(t, r.Success)
	}
	for i := range txs {
		executed := i < len(results)
		require.Equal(t, executed, nonceOf(t, st, byte(10+i)) == 1, "tx %d", i)
	}
}

func TestParallelCanceledBeforeAnalysis(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 100, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	txs := []*Transaction{transfer(1, 2, 1, 0), transfer(3, 4, 0, 0)}
	results, err := newTestParallel(t, st, TransferProcessor{}, 2).Execute(ctx, txs)
	require.ErrorIs(t, err, context.Canceled)

	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)
	require.Empty(t, results)
	require.Equal(t, ids(txs), partial.Pending)
	require.Equal(t, uint64(100), balanceOf(t, st, 1))
}

func TestParallelWorkerPanicFailsBatch(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 100, 1, 3)

	txs := []*Transaction{transfer(1, 2, 1, 0), transfer(3, 4, 1, 0)}
	p := ProcessorFunc(func(tx *Transaction, j *state.Journal) (uint64, error) {
		if tx.ID == txs[1].ID {
			panic("boom")
		}
		return TransferProcessor{}.Process(tx, j)
	})

	results, err := newTestParallel(t, st, p, 2).Execute(context.Background(), txs)
	require.ErrorIs(t, err, ErrWorkerPanic)
	require.NotErrorAs(t, err, new(*PartialBatchError))

	// the sibling chunk committed and keeps its result
	require.Equal(t, []uuid.UUID{txs[0].ID}, resultIDs(results))
	require.Equal(t, uint64(99), balanceOf(t, st, 1))
	require.Equal(t, uint64(100), balanceOf(t, st, 3))
}

func TestParallelEmptyAndInvalidBatch(t *testing.T) {
	exec := newTestParallel(t, state.NewMemState(), TransferProcessor{}, 1)

	results, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, results)

	tx := transfer(1, 2, 1, 0)
	_, err = exec.Execute(context.Background(), []*Transaction{tx, tx})
	require.ErrorIs(t, err, ErrDuplicateTransaction)
}

func TestParallelCommitFailureIsFatal(t *testing.T) {
	st := &failingWriter{Access: state.NewMemState(), err: errors.New("disk full")}
	fund(t, st.Access, 100, 1)

	_, err := newTestParallel(t, st, TransferProcessor{}, 1).
		Execute(context.Background(), []*Transaction{transfer(1, 2, 1, 0)})
	require.ErrorIs(t, err, st.err)
}

type failingWriter struct {
	state.Access
	err error
}

func (f *failingWriter) Set(state.Address, string, []byte) error {
	return f.err
}

func BenchmarkParallelExecute(b *testing.B) {
	r := rand.New(rand.NewPCG(1, 1))
	st := state.NewMemState()
	for a := 1; a <= 255; a++ {
		fund(b, st, 1<<40, byte(a))
	}
	exec := newTestParallel(b, st, TransferProcessor{}, 8)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		txs := randomBatch(r, 500, 255, false)
		if _, err := exec.Execute(context.Background(), txs); err != nil {
			b.Fatal(err)
		}
	}
}
