package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Execution modes reported in BatchReport.Mode.
const (
	ModeParallel    = "parallel"
	ModeSpeculative = "speculative"
)

// BatchReport summarizes the execution of one batch.
type BatchReport struct {
	BatchID      uuid.UUID     `json:"batch_id"`
	Mode         string        `json:"mode"`
	Transactions int           `json:"transactions"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Pending      int           `json:"pending"`
	Waves        int           `json:"waves"`
	Conflicts    int           `json:"conflicts"`
	Rollbacks    int           `json:"rollbacks"`
	GasUsed      uint64        `json:"gas_used"`
	WallTime     time.Duration `json:"wall_time"`
	// ExecTime is the sum of per-transaction execution times.
	ExecTime time.Duration `json:"exec_time"`
}

func (r *BatchReport) fill(results []*ExecutionResult, wall time.Duration) {
	r.Succeeded, r.Failed, r.GasUsed, r.ExecTime = 0, 0, 0, 0
	for _, res := range results {
		if res.Success {
			r.Succeeded++
		} else {
			r.Failed++
		}
		r.GasUsed += res.GasUsed
		r.ExecTime += res.ExecutionTime
	}
	r.WallTime = wall
}

// Executed returns the number of transactions that produced a result.
func (r *BatchReport) Executed() int {
	return r.Succeeded + r.Failed
}

// Observer receives a report after every batch. Observers are called
// synchronously and must not block.
type Observer interface {
	ObserveBatch(report BatchReport)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(report BatchReport)

// ObserveBatch calls f.
func (f ObserverFunc) ObserveBatch(report BatchReport) {
	f(report)
}

// MetricsSnapshot contains the aggregate execution counters.
type MetricsSnapshot struct {
	TotalTransactionsProcessed uint64        `json:"total_transactions_processed"`
	ParallelBatchesExecuted    uint64        `json:"parallel_batches_executed"`
	AverageParallelism         float64       `json:"average_parallelism"`
	ConflictRate               float64       `json:"conflict_rate"`
	RollbackCount              uint64        `json:"rollback_count"`
	ThroughputImprovement      float64       `json:"throughput_improvement"`
	AverageExecutionTime       time.Duration `json:"average_execution_time"`
}

// Metrics aggregates batch reports into running counters.
type Metrics struct {
	mu   sync.RWMutex
	snap MetricsSnapshot
}

// NewMetrics creates an empty aggregator.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveBatch folds report into the counters. Averages are running means
// over batches.
func (m *Metrics) ObserveBatch(report BatchReport) {
	executed := report.Executed()
	if executed == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.snap
	s.TotalTransactionsProcessed += uint64(executed)
	s.ParallelBatchesExecuted++
	s.RollbackCount += uint64(report.Rollbacks)

	n := float64(s.ParallelBatchesExecuted)
	waves := max(report.Waves, 1)
	parallelism := float64(executed) / float64(waves)
	conflictRate := float64(report.Conflicts) / float64(report.Transactions)

	var improvement float64
	if report.WallTime > 0 {
		improvement = float64(report.ExecTime) / float64(report.WallTime)
	}
	perTx := report.WallTime / time.Duration(executed)

	s.AverageParallelism += (parallelism - s.AverageParallelism) / n
	s.ConflictRate += (conflictRate - s.ConflictRate) / n
	s.ThroughputImprovement = improvement
	s.AverageExecutionTime += time.Duration((float64(perTx) - float64(s.AverageExecutionTime)) / n)
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Reset zeroes the counters.
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.snap = MetricsSnapshot{}
	m.mu.Unlock()
}
