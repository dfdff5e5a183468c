package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewWorkerPool(t *testing.T) {
	pool := NewWorkerPool("test", 4, 0, nil)
	defer pool.Shutdown()

	stats := pool.GetStats()
	if stats.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", stats.Workers)
	}
	if stats.Name != "test" {
		t.Errorf("Expected name 'test', got %s", stats.Name)
	}
	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
}

func TestWorkerPoolSubmit(t *testing.T) {
	pool := NewWorkerPool("test", 2, 10, nil)
	defer pool.Shutdown()

	var processed atomic.Int64
	task := NewTask(context.Background(), "task-1", func(context.Context) (any, error) {
		processed.Add(1)
		return "data", nil
	})

	f, err := pool.Submit(task)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for result")
	}

	result := f.Wait()
	if !result.Success {
		t.Errorf("Task should succeed")
	}
	if result.TaskID != "task-1" {
		t.Errorf("Expected task ID 'task-1', got %s", result.TaskID)
	}
	if result.Data != "data" {
		t.Errorf("Expected data 'data', got %v", result.Data)
	}
	if processed.Load() != 1 {
		t.Error("Task was not processed")
	}
}

func TestWorkerPoolSubmitWithError(t *testing.T) {
	pool := NewWorkerPool("test", 2, 10, nil)
	defer pool.Shutdown()

	expectedErr := errors.New("task failed")
	f, err := pool.Submit(NewTask(nil, "task-error", func(context.Context) (any, error) {
		return nil, expectedErr
	}))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result := f.Wait()
	if result.Success {
		t.Error("Task should have failed")
	}
	if !errors.Is(result.Error, expectedErr) {
		t.Errorf("Expected %v, got %v", expectedErr, result.Error)
	}
	if result.Panicked {
		t.Error("Plain error must not be reported as panic")
	}

	if stats := pool.GetStats(); stats.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.Failed)
	}
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	pool := NewWorkerPool("test", 1, 10, nil)
	defer pool.Shutdown()

	f, _ := pool.Submit(NewTask(nil, "boom", func(context.Context) (any, error) {
		panic("boom")
	}))
	result := f.Wait()
	if !result.Panicked {
		t.Fatal("Expected panicked result")
	}
	if !errors.Is(result.Error, ErrTaskPanic) {
		t.Errorf("Expected ErrTaskPanic, got %v", result.Error)
	}

	// The worker survives and keeps serving.
	f, _ = pool.Submit(NewTask(nil, "after", func(context.Context) (any, error) {
		return 1, nil
	}))
	if r := f.Wait(); !r.Success {
		t.Errorf("Task after panic should succeed: %v", r.Error)
	}
	if stats := pool.GetStats(); stats.Panics != 1 {
		t.Errorf("Expected 1 panic, got %d", stats.Panics)
	}
}

func TestWorkerPoolCanceledTask(t *testing.T) {
	pool := NewWorkerPool("test", 1, 10, nil)
	defer pool.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	f, err := pool.Submit(NewTask(ctx, "canceled", func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if r := f.Wait(); !errors.Is(r.Error, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", r.Error)
	}
	if ran.Load() {
		t.Error("Canceled task must not run")
	}
}

func TestWorkerPoolQueueFull(t *testing.T) {
	pool := NewWorkerPool("test", 1, 1, nil)
	defer pool.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}
	if _, err := pool.Submit(NewTask(nil, "blocker", blocker)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	noop := func(context.Context) (any, error) { return nil, nil }
	if _, err := pool.Submit(NewTask(nil, "queued", noop)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := pool.Submit(NewTask(nil, "overflow", noop)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.SubmitContext(ctx, NewTask(nil, "waiting", noop)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}

	close(release)
}

func TestWorkerPoolConcurrency(t *testing.T) {
	pool := NewWorkerPool("test", 8, 0, nil)
	defer pool.Shutdown()

	numTasks := 100
	var completed atomic.Int64
	futures := make([]*Future, 0, numTasks)

	for i := 0; i < numTasks; i++ {
		task := NewTask(nil, fmt.Sprintf("task-%d", i), func(context.Context) (any, error) {
			time.Sleep(time.Millisecond)
			completed.Add(1)
			return nil, nil
		})
		f, err := pool.SubmitContext(context.Background(), task)
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		futures = append(futures, f)
	}

	done := make(chan struct{})
	go func() {
		for _, f := range futures {
			f.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("Timeout: only %d/%d completed", completed.Load(), numTasks)
	}

	if completed.Load() != int64(numTasks) {
		t.Errorf("Expected %d completed, got %d", numTasks, completed.Load())
	}
}

func TestWorkerPoolShutdownDrainsQueue(t *testing.T) {
	pool := NewWorkerPool("test", 2, 0, nil)

	var done atomic.Int64
	var futures []*Future
	for i := 0; i < 10; i++ {
		f, _ := pool.Submit(NewTask(nil, fmt.Sprintf("t-%d", i), func(context.Context) (any, error) {
			time.Sleep(time.Millisecond)
			done.Add(1)
			return nil, nil
		}))
		futures = append(futures, f)
	}

	pool.Shutdown()

	if pool.IsRunning() {
		t.Error("Pool should not be running after shutdown")
	}
	if done.Load() != 10 {
		t.Errorf("Expected queued tasks to drain, got %d", done.Load())
	}
	for _, f := range futures {
		if r := f.Wait(); !r.Success {
			t.Errorf("Task %s failed: %v", r.TaskID, r.Error)
		}
	}

	if _, err := pool.Submit(NewTask(nil, "late", nil)); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit after shutdown: expected ErrPoolClosed, got %v", err)
	}
	pool.Shutdown()
}

func TestWorkerPoolShutdownWithTimeout(t *testing.T) {
	pool := NewWorkerPool("test", 1, 0, nil)

	release := make(chan struct{})
	_, _ = pool.Submit(NewTask(nil, "slow", func(context.Context) (any, error) {
		<-release
		return nil, nil
	}))

	if err := pool.ShutdownWithTimeout(10 * time.Millisecond); !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Expected ErrShutdownTimeout, got %v", err)
	}
	close(release)
	pool.wg.Wait()

	if err := pool.ShutdownWithTimeout(time.Second); err != nil {
		t.Errorf("Second shutdown should be a no-op, got %v", err)
	}
}

func TestWorkerPoolStats(t *testing.T) {
	pool := NewWorkerPool("stats-test", 2, 0, nil)
	defer pool.Shutdown()

	var wg sync.WaitGroup
	submit := func(id string, fn func(context.Context) (any, error)) {
		f, err := pool.Submit(NewTask(nil, id, fn))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Wait()
		}()
	}

	for i := 0; i < 5; i++ {
		submit(fmt.Sprintf("ok-%d", i), func(context.Context) (any, error) { return nil, nil })
	}
	for i := 0; i < 3; i++ {
		submit(fmt.Sprintf("fail-%d", i), func(context.Context) (any, error) { return nil, errors.New("fail") })
	}
	wg.Wait()

	stats := pool.GetStats()
	if stats.Completed != 5 {
		t.Errorf("Expected 5 completed, got %d", stats.Completed)
	}
	if stats.Failed != 3 {
		t.Errorf("Expected 3 failed, got %d", stats.Failed)
	}
}

func BenchmarkWorkerPoolThroughput(b *testing.B) {
	pool := NewWorkerPool("throughput", 16, 0, nil)
	defer pool.Shutdown()

	b.ResetTimer()
	futures := make([]*Future, 0, b.N)
	for i := 0; i < b.N; i++ {
		f, err := pool.SubmitContext(context.Background(), NewTask(nil, "bench", func(context.Context) (any, error) {
			return nil, nil
		}))
		if err != nil {
			b.Fatal(err)
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		f.Wait()
	}
}
