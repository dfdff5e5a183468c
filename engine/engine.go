package engine

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paradigm-network/paradigm-engine/cache"
	"github.com/paradigm-network/paradigm-engine/core"
	"github.com/paradigm-network/paradigm-engine/state"
)

// Config contains configuration for the execution engine.
type Config struct {
	MaxWorkerThreads           int           `mapstructure:"max_worker_threads"`
	EnableDependencyAnalysis   bool          `mapstructure:"enable_dependency_analysis"`
	EnableReadWriteAnalysis    bool          `mapstructure:"enable_read_write_analysis"`
	BatchSize                  int           `mapstructure:"batch_size"`
	QueueSize                  int           `mapstructure:"queue_size"`
	EnableSpeculativeExecution bool          `mapstructure:"enable_speculative_execution"`
	RollbackOnConflict         bool          `mapstructure:"rollback_on_conflict"`
	StrictNonce                bool          `mapstructure:"strict_nonce"`
	AnalysisCacheSize          int           `mapstructure:"analysis_cache_size"`
	AnalysisCacheTTL           time.Duration `mapstructure:"analysis_cache_ttl"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	c := cache.DefaultConfig()
	return Config{
		MaxWorkerThreads:           runtime.NumCPU(),
		EnableDependencyAnalysis:   true,
		EnableReadWriteAnalysis:    true,
		BatchSize:                  1000,
		QueueSize:                  10000,
		EnableSpeculativeExecution: true,
		RollbackOnConflict:         true,
		AnalysisCacheSize:          c.Size,
		AnalysisCacheTTL:           c.TTL,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithProcessor replaces the default transfer processor.
func WithProcessor(p Processor) Option {
	return func(e *Engine) { e.processor = p }
}

// WithObserver registers an observer of batch reports.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithPool makes the engine dispatch to an externally owned pool instead of
// creating its own.
func WithPool(p Pool) Option {
	return func(e *Engine) { e.pool = p }
}

// Engine wires the analyzer, scheduler and both executors over one state.
// Batches are executed one at a time.
type Engine struct {
	cfg       Config
	state     state.Access
	logger    *zap.Logger
	processor Processor
	observers []Observer

	pool        Pool
	ownPool     *core.WorkerPool
	analyzer    *ConflictAnalyzer
	scheduler   *WaveScheduler
	parallel    *ParallelExecutor
	speculative *SpeculativeExecutor
	metrics     *Metrics

	batchMu sync.Mutex
	mu      sync.RWMutex
	closed  bool
}

// New creates an engine executing against st.
func New(cfg Config, st state.Access, opts ...Option) *Engine {
	if cfg.MaxWorkerThreads <= 0 {
		cfg.MaxWorkerThreads = runtime.NumCPU()
	}
	e := &Engine{
		cfg:     cfg,
		state:   st,
		metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.processor == nil {
		e.processor = TransferProcessor{StrictNonce: cfg.StrictNonce}
	}
	if e.pool == nil {
		e.ownPool = core.NewWorkerPool("engine", cfg.MaxWorkerThreads, cfg.QueueSize, e.logger)
		e.pool = e.ownPool
	}

	e.analyzer = NewConflictAnalyzer(AnalyzerConfig{
		EnableReadWriteAnalysis: cfg.EnableReadWriteAnalysis,
		Workers:                 e.pool.Workers(),
		CacheSize:               cfg.AnalysisCacheSize,
		CacheTTL:                cfg.AnalysisCacheTTL,
	}, e.logger.Named("analyzer"))
	e.scheduler = NewWaveScheduler(e.logger.Named("scheduler"))
	e.parallel = NewParallelExecutor(e.analyzer, e.scheduler, e.pool, e.processor, st,
		!cfg.EnableDependencyAnalysis, e.logger.Named("parallel"))
	e.speculative = NewSpeculativeExecutor(e.pool, e.processor, st,
		state.NewSpeculativeState(), state.NewRollbackLog(), e.parallel,
		cfg.RollbackOnConflict, e.logger.Named("speculative"))
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// State returns the state the engine executes against.
func (e *Engine) State() state.Access {
	return e.state
}

// Execute runs txs with the configured default strategy.
func (e *Engine) Execute(ctx context.Context, txs []*Transaction) ([]*ExecutionResult, error) {
	results, _, err := e.ExecuteWithReport(ctx, txs)
	return results, err
}

// ExecuteWithReport is Execute returning the batch report as well. The report
// is nil when the batch failed before execution started.
func (e *Engine) ExecuteWithReport(ctx context.Context, txs []*Transaction) ([]*ExecutionResult, *BatchReport, error) {
	if e.cfg.EnableSpeculativeExecution {
		return e.run(ctx, txs, e.speculative.execute)
	}
	return e.run(ctx, txs, e.parallel.execute)
}

// ExecuteParallel runs txs wave by wave.
func (e *Engine) ExecuteParallel(ctx context.Context, txs []*Transaction) ([]*ExecutionResult, error) {
	results, _, err := e.run(ctx, txs, e.parallel.execute)
	return results, err
}

// ExecuteSpeculative runs txs optimistically.
func (e *Engine) ExecuteSpeculative(ctx context.Context, txs []*Transaction) ([]*ExecutionResult, error) {
	results, _, err := e.run(ctx, txs, e.speculative.execute)
	return results, err
}

// Plan returns the wave plan the parallel executor would use for txs.
func (e *Engine) Plan(ctx context.Context, txs []*Transaction) (*ExecutionPlan, error) {
	plan, _, err := e.parallel.Plan(ctx, txs)
	return plan, err
}

// RollbackLog returns the changes reverted by the last speculative batch.
func (e *Engine) RollbackLog() []state.StateChange {
	return e.speculative.RollbackLog()
}

type executeFunc func(context.Context, []*Transaction) ([]*ExecutionResult, *BatchReport, error)

func (e *Engine) run(ctx context.Context, txs []*Transaction, exec executeFunc) ([]*ExecutionResult, *BatchReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, nil, ErrEngineClosed
	}

	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	results, report, err := exec(ctx, txs)
	if report == nil {
		e.logger.Warn("batch rejected", zap.Int("transactions", len(txs)), zap.Error(err))
		return results, nil, err
	}

	report.BatchID = uuid.New()
	e.metrics.ObserveBatch(*report)
	for _, o := range e.observers {
		o.ObserveBatch(*report)
	}

	fields := []zap.Field{
		zap.Stringer("batch", report.BatchID),
		zap.String("mode", report.Mode),
		zap.Int("transactions", report.Transactions),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("waves", report.Waves),
		zap.Int("conflicts", report.Conflicts),
		zap.Duration("wall_time", report.WallTime),
	}
	if err != nil {
		e.logger.Warn("batch incomplete", append(fields, zap.Error(err))...)
	} else {
		e.logger.Debug("batch executed", fields...)
	}
	return results, report, err
}

// GetMetrics returns the aggregate counters.
func (e *Engine) GetMetrics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// EngineStats contains engine statistics.
type EngineStats struct {
	Metrics  MetricsSnapshot `json:"metrics"`
	Pool     core.PoolStats  `json:"pool"`
	Analysis cache.Stats     `json:"analysis_cache"`
}

// GetStats returns engine statistics.
func (e *Engine) GetStats() EngineStats {
	s := EngineStats{
		Metrics:  e.metrics.Snapshot(),
		Analysis: e.analyzer.CacheStats(),
	}
	if e.ownPool != nil {
		s.Pool = e.ownPool.GetStats()
	}
	return s
}

// Close stops the engine's own worker pool after running batches finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.ownPool != nil {
		e.ownPool.Shutdown()
	}
	return nil
}
