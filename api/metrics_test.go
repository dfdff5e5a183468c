package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/paradigm-network/paradigm-engine/core"
	"github.com/paradigm-network/paradigm-engine/engine"
)

func TestMetricsObserveBatch(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.ObserveBatch(engine.BatchReport{
		Mode:         engine.ModeSpeculative,
		Transactions: 10,
		Succeeded:    7,
		Failed:       1,
		Pending:      2,
		Waves:        4,
		Conflicts:    4,
		Rollbacks:    2,
		GasUsed:      168000,
		WallTime:     5 * time.Millisecond,
		ExecTime:     8 * time.Millisecond,
	})

	if got := testutil.ToFloat64(m.TransactionsTotal); got != 10 {
		t.Errorf("Expected 10 transactions, got %v", got)
	}
	if got := testutil.ToFloat64(m.TransactionsSucceeded); got != 7 {
		t.Errorf("Expected 7 succeeded, got %v", got)
	}
	if got := testutil.ToFloat64(m.TransactionsPending); got != 2 {
		t.Errorf("Expected 2 pending, got %v", got)
	}
	if got := testutil.ToFloat64(m.BatchesTotal.WithLabelValues(engine.ModeSpeculative)); got != 1 {
		t.Errorf("Expected 1 speculative batch, got %v", got)
	}
	if got := testutil.ToFloat64(m.Rollbacks); got != 2 {
		t.Errorf("Expected 2 rollbacks, got %v", got)
	}
	if got := testutil.ToFloat64(m.Parallelism); got != 2 {
		t.Errorf("Expected parallelism 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.ConflictRatio); got != 0.5 {
		t.Errorf("Expected conflict ratio 0.5, got %v", got)
	}
}

func TestMetricsGauges(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.UpdateMempoolSize(42)
	m.UpdateWorkerPool(core.PoolStats{Active: 3, Pending: 7})
	m.RecordRequest("ok", time.Millisecond)

	if got := testutil.ToFloat64(m.MempoolSize); got != 42 {
		t.Errorf("Expected mempool size 42, got %v", got)
	}
	if got := testutil.ToFloat64(m.WorkerPoolPending); got != 7 {
		t.Errorf("Expected 7 pending tasks, got %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("Expected 1 request, got %v", got)
	}
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("paradigm", reg)
	m.UpdateMempoolSize(5)

	var healthy atomic.Bool
	server := NewMetricsServer("127.0.0.1:0", reg, healthy.Load)
	if err := server.StartAsync(); err != nil {
		t.Fatalf("Failed to start metrics server: %v", err)
	}
	defer server.Stop(context.Background())

	base := "http://" + server.Addr()

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "paradigm_mempool_size 5") {
		t.Errorf("Expected mempool gauge in output, got:\n%s", body)
	}

	resp, err = http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 while unhealthy, got %d", resp.StatusCode)
	}

	healthy.Store(true)
	resp, err = http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 while healthy, got %d", resp.StatusCode)
	}
}
