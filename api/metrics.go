// Package api exposes the engine to the outside: Prometheus metrics, the
// gRPC health service and the Arrow IPC ingress server.
package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paradigm-network/paradigm-engine/core"
	"github.com/paradigm-network/paradigm-engine/engine"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Transaction metrics
	TransactionsTotal     prometheus.Counter
	TransactionsSucceeded prometheus.Counter
	TransactionsFailed    prometheus.Counter
	TransactionsPending   prometheus.Counter
	TransactionLatency    prometheus.Histogram

	// Batch metrics
	BatchesTotal  *prometheus.CounterVec
	BatchSize     prometheus.Histogram
	BatchLatency  prometheus.Histogram
	BatchWaves    prometheus.Histogram
	Conflicts     prometheus.Counter
	Rollbacks     prometheus.Counter
	GasUsed       prometheus.Counter
	Parallelism   prometheus.Gauge
	ConflictRatio prometheus.Gauge

	// System metrics
	MempoolSize       prometheus.Gauge
	WorkerPoolActive  prometheus.Gauge
	WorkerPoolPending prometheus.Gauge

	// Ingress metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates metrics under namespace and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TransactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Total number of transactions submitted for execution",
		}),
		TransactionsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_succeeded_total",
			Help:      "Total number of transactions executed successfully",
		}),
		TransactionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_failed_total",
			Help:      "Total number of failed transactions",
		}),
		TransactionsPending: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_pending_total",
			Help:      "Total number of transactions left unexecuted by a deadline",
		}),
		TransactionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_latency_seconds",
			Help:      "Mean transaction execution time per batch in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}),

		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of executed batches by mode",
		}, []string{"mode"}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of transactions per batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),
		BatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_latency_seconds",
			Help:      "Batch wall-clock latency in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		BatchWaves: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_waves",
			Help:      "Number of execution waves per batch",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50, 100},
		}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Total number of transactions involved in a conflict",
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Total number of speculative rollbacks",
		}),
		GasUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gas_used_total",
			Help:      "Total gas used by executed transactions",
		}),
		Parallelism: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_batch_parallelism",
			Help:      "Transactions per wave in the last batch",
		}),
		ConflictRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_batch_conflict_ratio",
			Help:      "Fraction of conflicting transactions in the last batch",
		}),

		MempoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mempool_size",
			Help:      "Current number of pending transactions in mempool",
		}),
		WorkerPoolActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_active",
			Help:      "Number of active workers",
		}),
		WorkerPoolPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_pending",
			Help:      "Number of pending tasks in worker pool",
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_requests_total",
			Help:      "Total ingress requests by status",
		}, []string{"status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingress_request_duration_seconds",
			Help:      "Ingress request duration by status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}
}

// ObserveBatch records a batch report. It implements engine.Observer.
func (m *Metrics) ObserveBatch(r engine.BatchReport) {
	m.BatchesTotal.WithLabelValues(r.Mode).Inc()
	m.BatchSize.Observe(float64(r.Transactions))
	m.BatchLatency.Observe(r.WallTime.Seconds())
	m.BatchWaves.Observe(float64(r.Waves))

	m.TransactionsTotal.Add(float64(r.Transactions))
	m.TransactionsSucceeded.Add(float64(r.Succeeded))
	m.TransactionsFailed.Add(float64(r.Failed))
	m.TransactionsPending.Add(float64(r.Pending))
	m.Conflicts.Add(float64(r.Conflicts))
	m.Rollbacks.Add(float64(r.Rollbacks))
	m.GasUsed.Add(float64(r.GasUsed))

	if executed := r.Executed(); executed > 0 {
		m.TransactionLatency.Observe((r.ExecTime / time.Duration(executed)).Seconds())
		m.ConflictRatio.Set(float64(r.Conflicts) / float64(executed))
	}
	if r.Waves > 0 {
		m.Parallelism.Set(float64(r.Executed()) / float64(r.Waves))
	}
}

// RecordRequest records an ingress request.
func (m *Metrics) RecordRequest(status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(status).Inc()
	m.RequestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// UpdateMempoolSize updates the mempool gauge.
func (m *Metrics) UpdateMempoolSize(size int) {
	m.MempoolSize.Set(float64(size))
}

// UpdateWorkerPool updates worker pool gauges.
func (m *Metrics) UpdateWorkerPool(stats core.PoolStats) {
	m.WorkerPoolActive.Set(float64(stats.Active))
	m.WorkerPoolPending.Set(float64(stats.Pending))
}

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
}

// NewMetricsServer creates a metrics server serving gatherer on addr. The
// health endpoint answers 503 while healthy reports false; a nil healthy
// always answers 200.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, healthy func() bool) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("UNAVAILABLE"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// StartAsync binds the listener and serves in a goroutine.
func (s *MetricsServer) StartAsync() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	go func() {
		_ = s.server.Serve(lis)
	}()
	return nil
}

// Addr returns the bound address, or the configured one before StartAsync.
func (s *MetricsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
