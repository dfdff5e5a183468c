// Package core provides the bounded worker pool that executes transaction
// chunks on behalf of the engine.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Common errors for worker pool operations
var (
	ErrPoolClosed      = errors.New("worker pool is shut down")
	ErrQueueFull       = errors.New("task queue is full")
	ErrNoProcessFunc   = errors.New("no process function defined")
	ErrShutdownTimeout = errors.New("shutdown timeout")
	ErrTaskPanic       = errors.New("panic in task processing")
)

// Task is a unit of work for the worker pool.
type Task struct {
	ID        string
	Fn        func(ctx context.Context) (any, error)
	CreatedAt time.Time
	Ctx       context.Context
}

// NewTask creates a new task bound to ctx.
func NewTask(ctx context.Context, id string, fn func(ctx context.Context) (any, error)) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Task{
		ID:        id,
		Fn:        fn,
		CreatedAt: time.Now(),
		Ctx:       ctx,
	}
}

// Result is the outcome of a task.
type Result struct {
	TaskID   string
	Success  bool
	Data     any
	Error    error
	Panicked bool
	Duration time.Duration
	WorkerID int
}

// Future resolves to the Result of a submitted task.
type Future struct {
	done   chan struct{}
	result *Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(r *Result) {
	f.result = r
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task has finished.
func (f *Future) Wait() *Result {
	<-f.done
	return f.result
}

type job struct {
	task   *Task
	future *Future
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Panics      int64   `json:"panics"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkerPool runs tasks on a fixed set of goroutines fed by a bounded queue.
type WorkerPool struct {
	name    string
	workers int
	jobs    chan job
	wg      sync.WaitGroup
	logger  *zap.Logger

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64

	running bool
	mu      sync.RWMutex
}

// NewWorkerPool creates a pool with the given number of workers and queue
// capacity. Non-positive values fall back to one worker and a queue of
// workers*100.
func NewWorkerPool(name string, workers, queueSize int, logger *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:    name,
		workers: workers,
		jobs:    make(chan job, queueSize),
		logger:  logger.With(zap.String("pool", name)),
		running: true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for j := range p.jobs {
		j.future.resolve(p.processTask(id, j.task))
	}
}

func (p *WorkerPool) processTask(workerID int, task *Task) (result *Result) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	result = &Result{
		TaskID:   task.ID,
		WorkerID: workerID,
	}

	// One panicking task must not take the pool down.
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Panicked = true
			result.Error = fmt.Errorf("%w: %s", ErrTaskPanic, panicToString(r))
			result.Duration = time.Since(start)
			p.failed.Add(1)
			p.panics.Add(1)
			p.logger.Error("task panicked",
				zap.String("task", task.ID),
				zap.Int("worker", workerID),
				zap.Error(result.Error))
		}
	}()

	ctx := task.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		p.failed.Add(1)
		return result
	}

	if task.Fn == nil {
		result.Error = ErrNoProcessFunc
	} else {
		result.Data, result.Error = task.Fn(ctx)
	}
	result.Success = result.Error == nil
	result.Duration = time.Since(start)

	if result.Success {
		p.completed.Add(1)
	} else {
		p.failed.Add(1)
	}
	return result
}

func panicToString(r any) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Submit queues a task without blocking. It fails with ErrQueueFull when the
// queue is at capacity.
func (p *WorkerPool) Submit(task *Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return nil, ErrPoolClosed
	}

	f := newFuture()
	select {
	case p.jobs <- job{task: task, future: f}:
		return f, nil
	default:
		return nil, ErrQueueFull
	}
}

// SubmitContext queues a task, waiting for queue space until ctx is done.
func (p *WorkerPool) SubmitContext(ctx context.Context, task *Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return nil, ErrPoolClosed
	}

	f := newFuture()
	select {
	case p.jobs <- job{task: task, future: f}:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitAndWait submits a task and waits for its result.
func (p *WorkerPool) SubmitAndWait(task *Task, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	f, err := p.SubmitContext(ctx, task)
	if err != nil {
		return nil, err
	}

	select {
	case <-f.Done():
		return f.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Workers returns the number of workers.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// GetStats returns current worker pool statistics.
func (p *WorkerPool) GetStats() PoolStats {
	completed := p.completed.Load()
	failed := p.failed.Load()
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      p.active.Load(),
		Completed:   completed,
		Failed:      failed,
		Panics:      p.panics.Load(),
		Pending:     len(p.jobs),
		SuccessRate: successRate,
	}
}

func (p *WorkerPool) stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	p.running = false
	close(p.jobs)
	return true
}

// Shutdown stops accepting tasks and waits for queued tasks to finish.
func (p *WorkerPool) Shutdown() {
	if p.stop() {
		p.wg.Wait()
	}
}

// ShutdownWithTimeout shuts down with a timeout.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	if !p.stop() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// IsRunning returns true if the pool is still accepting tasks.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
