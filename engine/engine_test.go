package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paradigm-network/paradigm-engine/core"
	"github.com/paradigm-network/paradigm-engine/state"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxWorkerThreads = 4
	cfg.QueueSize = 64
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, st state.Access, opts ...Option) *Engine {
	t.Helper()
	e := New(cfg, st, opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngineExecuteDefaultsToSpeculative(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 100, 1)

	var reports []BatchReport
	e := newTestEngine(t, testConfig(), st, WithObserver(ObserverFunc(func(r BatchReport) {
		reports = append(reports, r)
	})))

	txs := []*Transaction{transfer(1, 2, 10, 0), transfer(1, 3, 20, 0)}
	results, err := e.Execute(context.Background(), txs)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.Success, r.Error)
	}
	require.Equal(t, uint64(70), balanceOf(t, st, 1))

	require.Len(t, reports, 1)
	require.Equal(t, ModeSpeculative, reports[0].Mode)
	require.NotZero(t, reports[0].BatchID)
	require.Equal(t, 1, reports[0].Rollbacks)

	m := e.GetMetrics()
	require.Equal(t, uint64(2), m.TotalTransactionsProcessed)
	require.Equal(t, uint64(1), m.ParallelBatchesExecuted)
	require.Equal(t, uint64(1), m.RollbackCount)
}

func TestEngineParallelMode(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 100, 1, 2, 4)

	cfg := testConfig()
	cfg.EnableSpeculativeExecution = false
	e := newTestEngine(t, cfg, st)

	txs := []*Transaction{transfer(1, 2, 10, 0), transfer(2, 3, 10, 0), transfer(4, 5, 10, 0)}
	results, report, err := e.ExecuteWithReport(context.Background(), txs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, ModeParallel, report.Mode)
	require.Equal(t, 2, report.Waves)
	require.Equal(t, 2, report.Conflicts)

	snap := e.GetMetrics()
	require.InDelta(t, 1.5, snap.AverageParallelism, 1e-9)
	require.InDelta(t, 2.0/3.0, snap.ConflictRate, 1e-9)
}

func TestEnginePlan(t *testing.T) {
	e := newTestEngine(t, testConfig(), state.NewMemState())
	txs := []*Transaction{transfer(1, 2, 1, 0), transfer(3, 4, 1, 0)}

	plan, err := e.Plan(context.Background(), txs)
	require.NoError(t, err)
	require.Equal(t, 1, plan.Len())

	cfg := testConfig()
	cfg.EnableDependencyAnalysis = false
	serial := newTestEngine(t, cfg, state.NewMemState())
	plan, err = serial.Plan(context.Background(), txs)
	require.NoError(t, err)
	require.Equal(t, 2, plan.Len())
}

func TestEngineExplicitModes(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 100, 1, 3)
	e := newTestEngine(t, testConfig(), st)

	results, err := e.ExecuteParallel(context.Background(), []*Transaction{transfer(1, 2, 1, 0)})
	require.NoError(t, err)
	require.True(t, results[0].Success)

	results, err = e.ExecuteSpeculative(context.Background(), []*Transaction{transfer(3, 4, 1, 0)})
	require.NoError(t, err)
	require.True(t, results[0].Success)
	require.Empty(t, e.RollbackLog())

	require.Equal(t, uint64(2), e.GetMetrics().ParallelBatchesExecuted)
}

func TestEngineRejectsInvalidBatch(t *testing.T) {
	e := newTestEngine(t, testConfig(), state.NewMemState())
	tx := transfer(1, 2, 1, 0)

	results, report, err := e.ExecuteWithReport(context.Background(), []*Transaction{tx, tx})
	require.ErrorIs(t, err, ErrDuplicateTransaction)
	require.Nil(t, results)
	require.Nil(t, report)
	require.Zero(t, e.GetMetrics().ParallelBatchesExecuted)
}

func TestEngineConcurrentCallersAreSerialized(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 1000, 1)
	e := newTestEngine(t, testConfig(), st)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), []*Transaction{transfer(1, 2, 1, 0)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(992), balanceOf(t, st, 1))
	require.Equal(t, uint64(8), balanceOf(t, st, 2))
}

func TestEngineExternalPool(t *testing.T) {
	pool := core.NewWorkerPool("shared", 2, 16, nil)
	defer pool.Shutdown()

	st := state.NewMemState()
	fund(t, st, 10, 1)
	e := New(testConfig(), st, WithPool(pool))

	_, err := e.Execute(context.Background(), []*Transaction{transfer(1, 2, 1, 0)})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// the engine does not own the pool
	require.True(t, pool.IsRunning())
	require.Zero(t, e.GetStats().Pool.Workers)
}

func TestEngineClose(t *testing.T) {
	e := New(testConfig(), state.NewMemState())
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Execute(context.Background(), []*Transaction{transfer(1, 2, 1, 0)})
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngineStats(t *testing.T) {
	st := state.NewMemState()
	fund(t, st, 10, 1)
	e := newTestEngine(t, testConfig(), st)

	_, err := e.ExecuteParallel(context.Background(), []*Transaction{transfer(1, 2, 1, 0)})
	require.NoError(t, err)

	stats := e.GetStats()
	require.Equal(t, 4, stats.Pool.Workers)
	require.Equal(t, uint64(1), stats.Metrics.TotalTransactionsProcessed)
	require.Equal(t, int64(1), stats.Analysis.Misses)
}
