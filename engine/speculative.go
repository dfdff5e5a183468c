package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paradigm-network/paradigm-engine/core"
	"github.com/paradigm-network/paradigm-engine/state"
)

// speculativeRun is the outcome of executing one transaction optimistically.
type speculativeRun struct {
	journal  *state.Journal
	gas      uint64
	err      error
	duration time.Duration
	done     bool
}

// SpeculativeExecutor executes a whole batch concurrently against the
// pre-batch state, then validates the realized read and write sets in
// submission order. Transactions that collide with an earlier committed one
// are rolled back and, when re-execution is enabled, executed again through
// the wave-bounded executor.
type SpeculativeExecutor struct {
	pool      Pool
	processor Processor
	state     state.Access
	spec      *state.SpeculativeState
	rollback  *state.RollbackLog
	fallback  *ParallelExecutor
	reexecute bool
	logger    *zap.Logger

	// one speculative batch at a time per executor
	mu sync.Mutex
}

// NewSpeculativeExecutor creates a speculative executor. spec and rollback
// are owned by the executor for the duration of each batch; spec is empty
// between batches.
func NewSpeculativeExecutor(pool Pool, processor Processor, st state.Access, spec *state.SpeculativeState, rollback *state.RollbackLog, fallback *ParallelExecutor, reexecute bool, logger *zap.Logger) *SpeculativeExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpeculativeExecutor{
		pool:      pool,
		processor: processor,
		state:     st,
		spec:      spec,
		rollback:  rollback,
		fallback:  fallback,
		reexecute: reexecute,
		logger:    logger,
	}
}

// RollbackLog returns the rollback log of the last batch.
func (e *SpeculativeExecutor) RollbackLog() []state.StateChange {
	return e.rollback.Entries()
}

// Execute runs txs speculatively and returns their results in submission
// order.
func (e *SpeculativeExecutor) Execute(ctx context.Context, txs []*Transaction) ([]*ExecutionResult, error) {
	results, _, err := e.execute(ctx, txs)
	return results, err
}

func (e *SpeculativeExecutor) execute(ctx context.Context, txs []*Transaction) ([]*ExecutionResult, *BatchReport, error) {
	start := time.Now()
	report := &BatchReport{Mode: ModeSpeculative, Transactions: len(txs)}
	if len(txs) == 0 {
		return nil, report, nil
	}
	if err := validateBatch(txs); err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollback.Reset()
	defer e.spec.Discard()

	runs, err := e.run(ctx, txs)
	if err != nil {
		return nil, nil, err
	}
	report.Waves = 1

	results := make([]*ExecutionResult, len(txs))
	var losers []int
	var pending []uuid.UUID
	committedR, committedW := make(AddressSet), make(AddressSet)

	for i, run := range runs {
		tx := txs[i]
		if !run.done {
			pending = append(pending, tx.ID)
			continue
		}
		reads, writes := run.journal.ReadSet(), run.journal.WriteSet()

		if run.err != nil {
			// A failure may stem from a stale read.
			if committedW.Intersects(reads) {
				losers = append(losers, i)
				continue
			}
			committedR.AddAll(reads)
			results[i] = failedResult(tx, 0, run.duration, run.err)
			continue
		}

		if committedW.Intersects(reads) || committedW.Intersects(writes) || committedR.Intersects(writes) {
			changes := run.journal.Changes()
			e.rollback.Append(e.spec.Revert(i, changes)...)
			losers = append(losers, i)
			continue
		}

		committedR.AddAll(reads)
		committedW.AddAll(writes)
		results[i] = &ExecutionResult{
			TransactionID: tx.ID,
			Success:       true,
			GasUsed:       run.gas,
			StateChanges:  run.journal.Changes(),
			ExecutionTime: run.duration,
		}
	}

	if _, err := e.spec.Commit(e.state); err != nil {
		return nil, nil, fmt.Errorf("commit speculative batch: %w", err)
	}

	report.Conflicts = len(losers)
	report.Rollbacks = len(losers)
	if len(losers) > 0 {
		e.logger.Debug("speculative conflicts",
			zap.Int("conflicts", len(losers)),
			zap.Int("rolled_back_changes", e.rollback.Len()))
	}

	for _, i := range losers {
		results[i] = failedResult(txs[i], 0, runs[i].duration, ErrSpeculativeConflict)
	}

	var batchErr error
	if len(losers) > 0 && e.reexecute {
		batchErr = e.reexecuteLosers(ctx, txs, losers, results, report)
	}

	out := make([]*ExecutionResult, 0, len(txs))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}

	var partial *PartialBatchError
	if errors.As(batchErr, &partial) {
		pending = append(pending, partial.Pending...)
		batchErr = nil
	}
	if batchErr == nil && len(pending) > 0 {
		cause := ctx.Err()
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		batchErr = &PartialBatchError{Pending: pending, Err: cause}
	}

	report.Pending = len(pending)
	report.fill(out, time.Since(start))
	return out, report, batchErr
}

// run executes every transaction concurrently against the pre-batch state
// and publishes successful writes into the speculative state.
func (e *SpeculativeExecutor) run(ctx context.Context, txs []*Transaction) ([]*speculativeRun, error) {
	runs := make([]*speculativeRun, len(txs))
	for i := range runs {
		runs[i] = &speculativeRun{journal: state.NewJournal(e.state)}
	}

	var futures []*core.Future
	var submitErr error
	for ci, r := range chunkRanges(len(txs), e.pool.Workers()) {
		task := core.NewTask(ctx, fmt.Sprintf("speculative-chunk-%d", ci), func(ctx context.Context) (any, error) {
			for i := r.start; i < r.end; i++ {
				if ctx.Err() != nil {
					return nil, nil
				}
				run := runs[i]
				begin := time.Now()
				run.gas, run.err = e.processor.Process(txs[i], run.journal)
				run.duration = time.Since(begin)
				run.done = true
				if run.err == nil {
					e.spec.Publish(i, run.journal.Changes())
				}
			}
			return nil, nil
		})
		f, err := e.pool.SubmitContext(ctx, task)
		if err != nil {
			submitErr = err
			break
		}
		futures = append(futures, f)
	}

	var fatal error
	for _, f := range futures {
		if res := f.Wait(); res.Panicked {
			fatal = errors.Join(fatal, fmt.Errorf("%w: speculative: %v", ErrWorkerPanic, res.Error))
		}
	}
	if fatal != nil {
		e.logger.Error("speculative batch failed", zap.Error(fatal))
		return nil, fatal
	}
	if submitErr != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("speculative submit: %w", submitErr)
	}
	return runs, nil
}

// reexecuteLosers runs rolled-back transactions through the wave-bounded
// executor on top of the committed winners and replaces their results.
func (e *SpeculativeExecutor) reexecuteLosers(ctx context.Context, txs []*Transaction, losers []int, results []*ExecutionResult, report *BatchReport) error {
	retry := make([]*Transaction, len(losers))
	pos := make(map[uuid.UUID]int, len(losers))
	for k, i := range losers {
		retry[k] = txs[i]
		pos[txs[i].ID] = i
	}

	reexec, sub, err := e.fallback.execute(ctx, retry)
	if sub != nil {
		report.Waves += sub.Waves
	}
	for _, r := range reexec {
		// Waves of the re-execution follow the speculative pass.
		r.Wave++
		results[pos[r.TransactionID]] = r
	}

	var partial *PartialBatchError
	if errors.As(err, &partial) {
		for _, id := range partial.Pending {
			results[pos[id]] = nil
		}
	}
	return err
}
