package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ServiceStatus represents the status of the execution service.
type ServiceStatus int

const (
	StatusStopped ServiceStatus = iota
	StatusActive
	StatusDraining
)

func (s ServiceStatus) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusActive:
		return "active"
	case StatusDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Common errors for service operations
var (
	ErrServiceRunning    = errors.New("service already running")
	ErrServiceNotRunning = errors.New("service not running")
	ErrDrainStalled      = errors.New("service stopped with transactions pending")
)

// BatchExecutor executes one batch. *Engine implements it.
type BatchExecutor interface {
	ExecuteWithReport(ctx context.Context, txs []*Transaction) ([]*ExecutionResult, *BatchReport, error)
}

// BatchOutcome is emitted for every batch the service cuts.
type BatchOutcome struct {
	Report  BatchReport
	Results []*ExecutionResult
	// Requeued lists transactions put back into the mempool because the
	// batch deadline expired before they ran.
	Requeued []uuid.UUID
	// Failed lists transactions of the batch that did not execute and were
	// not requeued, e.g. after a worker panic or with a full mempool. They
	// left the mempool and must be resubmitted.
	Failed []uuid.UUID
	Err    error
}

// ReportSink receives batch outcomes, e.g. to publish them to other nodes.
type ReportSink interface {
	Publish(ctx context.Context, outcome *BatchOutcome) error
}

// ServiceConfig contains configuration for the execution service.
type ServiceConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	MaxPending       int           `mapstructure:"max_pending"`
	OutcomeBuffer    int           `mapstructure:"outcome_buffer"`
}

// DefaultServiceConfig returns default configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		BatchSize:        1000,
		BatchTimeout:     200 * time.Millisecond,
		ExecutionTimeout: 5 * time.Second,
		MaxPending:       10000,
		OutcomeBuffer:    100,
	}
}

// Service pulls transactions from a mempool, cuts them into batches by size
// or timeout and executes each batch under a deadline.
type Service struct {
	config   ServiceConfig
	mempool  *Mempool
	executor BatchExecutor
	sinks    []ReportSink
	logger   *zap.Logger

	notify   chan struct{}
	outcomes chan *BatchOutcome

	status ServiceStatus
	mu     sync.RWMutex

	// Stats
	batchesExecuted      int64
	transactionsExecuted int64
	transactionsRequeued int64
	transactionsFailed   int64
	batchErrors          int64
	outcomesDropped      int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates an execution service.
func NewService(config ServiceConfig, executor BatchExecutor, logger *zap.Logger, sinks ...ReportSink) *Service {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultServiceConfig().BatchSize
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = DefaultServiceConfig().BatchTimeout
	}
	if config.MaxPending <= 0 {
		config.MaxPending = DefaultServiceConfig().MaxPending
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config:   config,
		mempool:  NewMempool(config.MaxPending),
		executor: executor,
		sinks:    sinks,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		outcomes: make(chan *BatchOutcome, max(config.OutcomeBuffer, 1)),
		status:   StatusStopped,
	}
}

// Start begins cutting and executing batches.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusStopped {
		return ErrServiceRunning
	}
	s.status = StatusActive
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("execution service started",
		zap.Int("batch_size", s.config.BatchSize),
		zap.Duration("batch_timeout", s.config.BatchTimeout))
	return nil
}

// Stop executes what is still pending, then stops the service.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return
	}
	s.status = StatusDraining
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()
	s.logger.Info("execution service stopped")
}

// Submit queues a transaction for execution.
func (s *Service) Submit(tx *Transaction) error {
	if s.GetStatus() != StatusActive {
		return ErrServiceNotRunning
	}
	if err := s.mempool.Add(tx); err != nil {
		return err
	}
	if s.mempool.Size() >= s.config.BatchSize {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Outcomes returns the channel of batch outcomes. Outcomes are dropped when
// nobody consumes them.
func (s *Service) Outcomes() <-chan *BatchOutcome {
	return s.outcomes
}

// Mempool returns the service mempool.
func (s *Service) Mempool() *Mempool {
	return s.mempool
}

func (s *Service) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.flush(true, true)
			return
		case <-s.notify:
			s.flush(false, false)
		case <-ticker.C:
			s.flush(true, false)
		}
	}
}

// flush executes full batches, and a final partial one when force is set.
// While draining it keeps going until the mempool is empty, and gives up on
// the remainder only when a batch makes no progress.
func (s *Service) flush(force, draining bool) {
	for {
		size := s.mempool.Size()
		if size == 0 || (size < s.config.BatchSize && !force) {
			return
		}
		batch := s.mempool.PopBatch(s.config.BatchSize)
		executed, requeued := s.executeBatch(batch)
		if requeued == 0 {
			continue
		}
		if !draining {
			// The remainder waits for the next tick.
			return
		}
		if executed == 0 {
			s.abandon(s.mempool.PopBatch(s.mempool.Size()))
			return
		}
	}
}

// abandon reports txs as failed in a final outcome.
func (s *Service) abandon(txs []*Transaction) {
	if len(txs) == 0 {
		return
	}
	outcome := &BatchOutcome{
		Report: BatchReport{Transactions: len(txs), Pending: len(txs)},
		Failed: transactionIDs(txs),
		Err:    ErrDrainStalled,
	}
	s.logger.Error("pending transactions abandoned", zap.Int("transactions", len(txs)))

	s.mu.Lock()
	s.transactionsFailed += int64(len(txs))
	s.mu.Unlock()

	s.emit(context.Background(), outcome)
}

// executeBatch runs batch and returns how many transactions executed and
// how many went back to the mempool.
func (s *Service) executeBatch(batch []*Transaction) (int, int) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if s.config.ExecutionTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.config.ExecutionTimeout)
		defer cancel()
	}

	results, report, err := s.executor.ExecuteWithReport(ctx, batch)
	outcome := &BatchOutcome{Results: results, Err: err}
	if report != nil {
		outcome.Report = *report
	}

	var partial *PartialBatchError
	switch {
	case errors.As(err, &partial):
		outcome.Requeued = s.requeue(batch, partial.Pending)
	case err != nil:
		s.logger.Error("batch failed", zap.Int("transactions", len(batch)), zap.Error(err))
		s.mu.Lock()
		s.batchErrors++
		s.mu.Unlock()
	}

	outcome.Failed = unaccounted(batch, results, outcome.Requeued)
	if len(outcome.Failed) > 0 {
		s.logger.Warn("transactions not executed", zap.Int("transactions", len(outcome.Failed)))
	}

	s.mu.Lock()
	s.batchesExecuted++
	s.transactionsExecuted += int64(len(results))
	s.transactionsRequeued += int64(len(outcome.Requeued))
	s.transactionsFailed += int64(len(outcome.Failed))
	s.mu.Unlock()

	s.emit(ctx, outcome)
	return len(results), len(outcome.Requeued)
}

// unaccounted returns the ids of batch that have neither a result nor were
// requeued, in batch order.
func unaccounted(batch []*Transaction, results []*ExecutionResult, requeued []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(results)+len(requeued))
	for _, r := range results {
		seen[r.TransactionID] = struct{}{}
	}
	for _, id := range requeued {
		seen[id] = struct{}{}
	}
	var missing []uuid.UUID
	for _, tx := range batch {
		if _, ok := seen[tx.ID]; !ok {
			missing = append(missing, tx.ID)
		}
	}
	return missing
}

func (s *Service) requeue(batch []*Transaction, pending []uuid.UUID) []uuid.UUID {
	want := make(map[uuid.UUID]struct{}, len(pending))
	for _, id := range pending {
		want[id] = struct{}{}
	}
	var txs []*Transaction
	for _, tx := range batch {
		if _, ok := want[tx.ID]; ok {
			txs = append(txs, tx)
		}
	}

	dropped := s.mempool.Requeue(txs)
	for _, tx := range dropped {
		s.logger.Warn("pending transaction dropped, mempool full", zap.Stringer("tx", tx.ID))
	}

	requeued := make([]uuid.UUID, 0, len(txs)-len(dropped))
	droppedIDs := make(map[uuid.UUID]struct{}, len(dropped))
	for _, tx := range dropped {
		droppedIDs[tx.ID] = struct{}{}
	}
	for _, tx := range txs {
		if _, gone := droppedIDs[tx.ID]; !gone {
			requeued = append(requeued, tx.ID)
		}
	}
	return requeued
}

func (s *Service) emit(ctx context.Context, outcome *BatchOutcome) {
	for _, sink := range s.sinks {
		if err := sink.Publish(context.WithoutCancel(ctx), outcome); err != nil {
			s.logger.Warn("report sink failed", zap.Error(err))
		}
	}

	select {
	case s.outcomes <- outcome:
	default:
		s.mu.Lock()
		s.outcomesDropped++
		s.mu.Unlock()
	}
}

// GetStatus returns current service status.
func (s *Service) GetStatus() ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// ServiceStats contains service statistics.
type ServiceStats struct {
	Status               string `json:"status"`
	BatchesExecuted      int64  `json:"batches_executed"`
	TransactionsExecuted int64  `json:"transactions_executed"`
	TransactionsRequeued int64  `json:"transactions_requeued"`
	TransactionsFailed   int64  `json:"transactions_failed"`
	BatchErrors          int64  `json:"batch_errors"`
	OutcomesDropped      int64  `json:"outcomes_dropped"`
	PendingCount         int    `json:"pending_count"`
}

// GetStats returns service statistics.
func (s *Service) GetStats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServiceStats{
		Status:               s.status.String(),
		BatchesExecuted:      s.batchesExecuted,
		TransactionsExecuted: s.transactionsExecuted,
		TransactionsRequeued: s.transactionsRequeued,
		TransactionsFailed:   s.transactionsFailed,
		BatchErrors:          s.batchErrors,
		OutcomesDropped:      s.outcomesDropped,
		PendingCount:         s.mempool.Size(),
	}
}
