package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/paradigm-network/paradigm-engine/arrow"
	"github.com/paradigm-network/paradigm-engine/engine"
)

// Handler modes.
const (
	ModeExecute = "execute"
	ModeSubmit  = "submit"
)

// PendingResultError is the error of results standing for transactions a
// batch deadline left unexecuted. They did not touch state and may be
// resubmitted.
const PendingResultError = "pending: batch deadline reached"

// Submitter queues a transaction for batched execution.
type Submitter interface {
	Submit(tx *engine.Transaction) error
}

// ArrowHandler executes Arrow IPC transaction batches, or queues them on a
// Submitter when one is set.
type ArrowHandler struct {
	codec     *arrow.Codec
	executor  engine.BatchExecutor
	submitter Submitter
	timeout   time.Duration
	logger    *zap.Logger
}

// NewArrowHandler creates a handler executing batches on executor. A
// positive timeout bounds each batch.
func NewArrowHandler(executor engine.BatchExecutor, timeout time.Duration, logger *zap.Logger) *ArrowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArrowHandler{
		codec:    arrow.NewCodec(),
		executor: executor,
		timeout:  timeout,
		logger:   logger,
	}
}

// NewSubmitHandler creates a handler queuing transactions on submitter.
// Outcomes are delivered by the submitter's own sinks.
func NewSubmitHandler(submitter Submitter, logger *zap.Logger) *ArrowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArrowHandler{
		codec:     arrow.NewCodec(),
		submitter: submitter,
		logger:    logger,
	}
}

// ProcessBatch decodes payload as an Arrow IPC stream of transactions and
// returns Arrow IPC encoded results. In execute mode the batch runs
// immediately and every transaction gets a result; when the deadline cuts the
// batch short, the ones that did not run get a failed result with
// PendingResultError. In submit mode only rejected transactions get a
// (failed) result.
func (h *ArrowHandler) ProcessBatch(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("received empty data")
	}

	txs, err := h.codec.DecodeTransactions(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}

	if h.submitter != nil {
		return h.submit(txs)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	results, report, err := h.executor.ExecuteWithReport(ctx, txs)
	var partial *engine.PartialBatchError
	switch {
	case errors.As(err, &partial):
		h.logger.Warn("batch deadline reached",
			zap.Int("executed", len(results)),
			zap.Int("pending", len(partial.Pending)))
		for _, id := range partial.Pending {
			results = append(results, &engine.ExecutionResult{
				TransactionID: id,
				Error:         PendingResultError,
			})
		}
		return h.codec.EncodeResults(results)
	case err != nil:
		return nil, err
	}

	h.logger.Debug("batch executed",
		zap.Stringer("batch_id", report.BatchID),
		zap.Int("transactions", report.Transactions),
		zap.Int("waves", report.Waves),
		zap.Duration("wall_time", report.WallTime))

	return h.codec.EncodeResults(results)
}

func (h *ArrowHandler) submit(txs []*engine.Transaction) ([]byte, error) {
	var rejected []*engine.ExecutionResult
	for _, tx := range txs {
		if err := h.submitter.Submit(tx); err != nil {
			rejected = append(rejected, &engine.ExecutionResult{
				TransactionID: tx.ID,
				Error:         err.Error(),
			})
		}
	}
	if len(rejected) > 0 {
		h.logger.Debug("transactions rejected",
			zap.Int("submitted", len(txs)),
			zap.Int("rejected", len(rejected)))
	}
	return h.codec.EncodeResults(rejected)
}

// Respond runs ProcessBatch and wraps the outcome in a response frame.
func (h *ArrowHandler) Respond(ctx context.Context, payload []byte) ([]byte, error) {
	out, err := h.ProcessBatch(ctx, payload)
	if err != nil {
		return EncodeResponse(StatusError, []byte(err.Error())), err
	}
	return EncodeResponse(StatusOK, out), nil
}
