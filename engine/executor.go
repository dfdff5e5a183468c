package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paradigm-network/paradigm-engine/core"
	"github.com/paradigm-network/paradigm-engine/state"
)

// Pool is the worker-pool capability the executors dispatch chunks to.
// *core.WorkerPool implements it.
type Pool interface {
	SubmitContext(ctx context.Context, task *core.Task) (*core.Future, error)
	Workers() int
}

// ParallelExecutor runs a batch wave by wave. Transactions of a wave run
// concurrently; a wave's effects are committed before the next wave starts.
type ParallelExecutor struct {
	analyzer  *ConflictAnalyzer
	scheduler *WaveScheduler
	pool      Pool
	processor Processor
	state     state.Access
	// serial disables dependency analysis: every transaction gets its own
	// wave.
	serial bool
	logger *zap.Logger
}

// NewParallelExecutor creates a wave-bounded executor over st.
func NewParallelExecutor(analyzer *ConflictAnalyzer, scheduler *WaveScheduler, pool Pool, processor Processor, st state.Access, serial bool, logger *zap.Logger) *ParallelExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParallelExecutor{
		analyzer:  analyzer,
		scheduler: scheduler,
		pool:      pool,
		processor: processor,
		state:     st,
		serial:    serial,
		logger:    logger,
	}
}

// Plan analyses txs and returns their execution plan.
func (e *ParallelExecutor) Plan(ctx context.Context, txs []*Transaction) (*ExecutionPlan, []*ConflictAnalysis, error) {
	analyses, err := e.analyzer.AnalyzeBatch(ctx, txs)
	if err != nil {
		return nil, nil, err
	}
	if e.serial {
		return e.scheduler.SerialPlan(analyses), analyses, nil
	}
	return e.scheduler.Plan(analyses), analyses, nil
}

// Execute analyses, plans and executes txs. It returns one result per
// executed transaction, ordered by wave and by submission order within a
// wave.
//
// A transaction's own failure yields an unsuccessful result and never stops
// the batch. A worker panic fails the whole batch with ErrWorkerPanic. When
// ctx expires the results executed so far are returned together with a
// *PartialBatchError listing the transactions that did not run.
func (e *ParallelExecutor) Execute(ctx context.Context, txs []*Transaction) ([]*ExecutionResult, error) {
	results, _, err := e.execute(ctx, txs)
	return results, err
}

func (e *ParallelExecutor) execute(ctx context.Context, txs []*Transaction) ([]*ExecutionResult, *BatchReport, error) {
	start := time.Now()
	report := &BatchReport{Mode: ModeParallel, Transactions: len(txs)}
	if len(txs) == 0 {
		return nil, report, nil
	}

	plan, analyses, err := e.Plan(ctx, txs)
	if err != nil {
		if cause := ctx.Err(); cause != nil && errors.Is(err, cause) {
			// Expired during analysis: nothing ran.
			report.Pending = len(txs)
			report.fill(nil, time.Since(start))
			return nil, report, &PartialBatchError{Pending: transactionIDs(txs), Err: cause}
		}
		return nil, nil, err
	}
	for _, an := range analyses {
		if len(an.ConflictsWith) > 0 {
			report.Conflicts++
		}
	}

	results, err := e.ExecutePlan(ctx, txs, plan)
	report.Waves = plan.Len()
	report.fill(results, time.Since(start))
	var partial *PartialBatchError
	if errors.As(err, &partial) {
		report.Pending = len(partial.Pending)
	}
	return results, report, err
}

// ExecutePlan executes txs following plan. Every transaction of the plan must
// be present in txs.
func (e *ParallelExecutor) ExecutePlan(ctx context.Context, txs []*Transaction, plan *ExecutionPlan) ([]*ExecutionResult, error) {
	byID := make(map[uuid.UUID]*Transaction, len(txs))
	for _, tx := range txs {
		byID[tx.ID] = tx
	}

	results := make([]*ExecutionResult, 0, plan.TotalTransactions())
	for wi, wave := range plan.Waves {
		if err := ctx.Err(); err != nil {
			return results, &PartialBatchError{Pending: pendingFrom(plan.Waves[wi:], nil), Err: err}
		}

		waveTxs := make([]*Transaction, len(wave.Transactions))
		for i, id := range wave.Transactions {
			tx, ok := byID[id]
			if !ok {
				return results, fmt.Errorf("wave %d: transaction %s not in batch", wave.Index, id)
			}
			waveTxs[i] = tx
		}

		waveResults, err := e.executeWave(ctx, wave.Index, waveTxs)
		if err != nil {
			// Transactions that committed before the failure keep their result.
			for _, r := range waveResults {
				if r != nil {
					results = append(results, r)
				}
			}
			return results, err
		}

		var pending []uuid.UUID
		for i, r := range waveResults {
			if r == nil {
				pending = append(pending, waveTxs[i].ID)
				continue
			}
			results = append(results, r)
		}
		if len(pending) > 0 {
			pending = append(pending, pendingFrom(plan.Waves[wi+1:], nil)...)
			return results, &PartialBatchError{Pending: pending, Err: ctx.Err()}
		}
	}
	return results, nil
}

// executeWave runs one wave and blocks until every chunk is done. Entries of
// the returned slice are nil for transactions that did not run. On error the
// slice still holds the results of committed transactions.
func (e *ParallelExecutor) executeWave(ctx context.Context, wave int, txs []*Transaction) ([]*ExecutionResult, error) {
	results := make([]*ExecutionResult, len(txs))
	ranges := chunkRanges(len(txs), e.pool.Workers())
	futures := make([]*core.Future, 0, len(ranges))

	var submitErr error
	for ci, r := range ranges {
		task := core.NewTask(ctx, fmt.Sprintf("wave-%d-chunk-%d", wave, ci), func(ctx context.Context) (any, error) {
			for i := r.start; i < r.end; i++ {
				if ctx.Err() != nil {
					return nil, nil
				}
				res, err := e.executeOne(txs[i], wave)
				if err != nil {
					return nil, err
				}
				results[i] = res
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

	// Barrier: nothing of the next wave may start before this one is done.
	var fatal error
	for _, f := range futures {
		res := f.Wait()
		switch {
		case res.Panicked:
			fatal = errors.Join(fatal, fmt.Errorf("%w: wave %d: %v", ErrWorkerPanic, wave, res.Error))
		case res.Error != nil && !errors.Is(res.Error, context.Canceled) && !errors.Is(res.Error, context.DeadlineExceeded):
			fatal = errors.Join(fatal, fmt.Errorf("wave %d: %w", wave, res.Error))
		}
	}
	if fatal != nil {
		e.logger.Error("wave failed", zap.Int("wave", wave), zap.Error(fatal))
		return results, fatal
	}
	if submitErr != nil && ctx.Err() == nil {
		return results, fmt.Errorf("wave %d: submit: %w", wave, submitErr)
	}
	return results, nil
}

// executeOne runs tx against a journal over the shared state and commits its
// changes on success. The returned error is reserved for storage failures.
func (e *ParallelExecutor) executeOne(tx *Transaction, wave int) (*ExecutionResult, error) {
	start := time.Now()
	j := state.NewJournal(e.state)

	gas, err := e.processor.Process(tx, j)
	if err != nil {
		return failedResult(tx, wave, time.Since(start), err), nil
	}

	changes := j.Changes()
	if err := state.ApplyStateChanges(e.state, changes); err != nil {
		return nil, fmt.Errorf("commit %s: %w", tx.ID, err)
	}
	return &ExecutionResult{
		TransactionID: tx.ID,
		Success:       true,
		GasUsed:       gas,
		StateChanges:  changes,
		ExecutionTime: time.Since(start),
		Wave:          wave,
	}, nil
}

func pendingFrom(waves []ExecutionWave, into []uuid.UUID) []uuid.UUID {
	for _, w := range waves {
		into = append(into, w.Transactions...)
	}
	return into
}
