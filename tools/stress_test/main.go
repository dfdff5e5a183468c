package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/paradigm-network/paradigm-engine/api"
	"github.com/paradigm-network/paradigm-engine/engine"
	"github.com/paradigm-network/paradigm-engine/state"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Address       string
	Concurrency   int
	BatchSize     int
	ChunkSize     int
	Accounts      int
	ConflictRatio float64
	Duration      time.Duration
	AuthToken     string
	ReportFile    string
	GenesisOut    string
	Balance       string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	Transactions   int64
	TxSucceeded    int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
	TxPerSec       float64
}

type counters struct {
	totalReqs    atomic.Int64
	successReqs  atomic.Int64
	failedReqs   atomic.Int64
	txs          atomic.Int64
	txSucceeded  atomic.Int64
	totalLatency atomic.Int64
	minLatency   atomic.Int64
	maxLatency   atomic.Int64
}

func main() {
	config := parseFlags()

	if config.GenesisOut != "" {
		if err := writeGenesis(config); err != nil {
			log.Fatalf("Failed to write genesis: %v", err)
		}
		fmt.Printf("Genesis with %d accounts saved to: %s\n", config.Concurrency*config.Accounts+1, config.GenesisOut)
		return
	}

	fmt.Println("=== Paradigm Engine Stress Test ===")
	fmt.Printf("Target: %s\n", config.Address)
	fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
	fmt.Printf("Batch size: %d transactions\n", config.BatchSize)
	fmt.Printf("Conflict ratio: %.2f\n", config.ConflictRatio)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Printf("Auth: %v\n", config.AuthToken != "")
	fmt.Println()

	result := runStressTest(config)

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.StringVar(&config.Address, "addr", "127.0.0.1:50052", "Arrow ingress address")
	flag.IntVarP(&config.Concurrency, "concurrency", "c", 10, "Number of concurrent workers")
	flag.IntVarP(&config.BatchSize, "batch", "b", 100, "Transactions per request")
	flag.IntVar(&config.ChunkSize, "chunk", 0, "Rows per Arrow record batch (0 = one record)")
	flag.IntVar(&config.Accounts, "accounts", 16, "Sender accounts per worker")
	flag.Float64Var(&config.ConflictRatio, "conflict", 0.1, "Fraction of transfers sent to the shared hot account")
	flag.DurationVarP(&config.Duration, "duration", "d", 30*time.Second, "Duration of test")
	flag.StringVar(&config.AuthToken, "token", "", "Authentication token")
	flag.StringVarP(&config.ReportFile, "output", "o", "", "Output report file (JSON)")
	flag.StringVar(&config.GenesisOut, "genesis-out", "", "Write a genesis file funding every sender and exit")
	flag.StringVar(&config.Balance, "balance", "1000000000000", "Genesis balance per account")

	flag.Parse()

	return config
}

func senderAddress(worker, account int) state.Address {
	return state.BytesToAddress([]byte{0xa0, byte(worker >> 8), byte(worker), byte(account >> 8), byte(account)})
}

// hotAccount is the shared recipient that makes transfers conflict.
var hotAccount = state.BytesToAddress([]byte{0xff})

func writeGenesis(config StressTestConfig) error {
	g := state.Genesis{hotAccount: config.Balance}
	for w := 0; w < config.Concurrency; w++ {
		for a := 0; a < config.Accounts; a++ {
			g[senderAddress(w, a)] = config.Balance
		}
	}
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(config.GenesisOut, data, 0644)
}

// generateBatch builds transfers from the worker's own senders. Non-hot
// transfers go to a fresh recipient so they never conflict with each other.
func generateBatch(worker int, config StressTestConfig, rng *rand.Rand) []*engine.Transaction {
	txs := make([]*engine.Transaction, config.BatchSize)
	for i := range txs {
		fresh := uuid.New()
		to := state.BytesToAddress(fresh[:])
		if rng.Float64() < config.ConflictRatio {
			to = hotAccount
		}
		txs[i] = &engine.Transaction{
			ID:        uuid.New(),
			From:      senderAddress(worker, rng.IntN(config.Accounts)),
			To:        &to,
			Value:     1,
			Fee:       1,
			Timestamp: time.Now(),
		}
	}
	return txs
}

func runStressTest(config StressTestConfig) StressTestResult {
	var (
		c        counters
		wg       sync.WaitGroup
		stopChan = make(chan struct{})
	)
	c.minLatency.Store(1<<63 - 1)

	startTime := time.Now()

	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(workerID, config, stopChan, &c)
		}(i)
	}

	time.Sleep(config.Duration)
	close(stopChan)
	wg.Wait()

	duration := time.Since(startTime)
	success := c.successReqs.Load()

	var avgLatency time.Duration
	if success > 0 {
		avgLatency = time.Duration(c.totalLatency.Load() / success)
	}
	minLat := c.minLatency.Load()
	if success == 0 {
		minLat = 0
	}

	return StressTestResult{
		TotalRequests:  c.totalReqs.Load(),
		SuccessfulReqs: success,
		FailedReqs:     c.failedReqs.Load(),
		Transactions:   c.txs.Load(),
		TxSucceeded:    c.txSucceeded.Load(),
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLat),
		MaxLatency:     time.Duration(c.maxLatency.Load()),
		RequestsPerSec: float64(c.totalReqs.Load()) / duration.Seconds(),
		TxPerSec:       float64(c.txs.Load()) / duration.Seconds(),
	}
}

func runWorker(id int, config StressTestConfig, stop chan struct{}, c *counters) {
	rng := rand.New(rand.NewPCG(uint64(id), uint64(time.Now().UnixNano())))

	var client *api.ArrowClient
	defer func() {
		if client != nil {
			_ = client.Close()
		}
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if client == nil {
			var err error
			client, err = api.DialArrow(config.Address, config.AuthToken, config.ChunkSize, 5*time.Second)
			if err != nil {
				c.totalReqs.Add(1)
				c.failedReqs.Add(1)
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}

		txs := generateBatch(id, config, rng)
		start := time.Now()
		results, err := client.Execute(txs)
		latency := int64(time.Since(start))
		c.totalReqs.Add(1)

		if err != nil {
			c.failedReqs.Add(1)
			_ = client.Close()
			client = nil
			time.Sleep(10 * time.Millisecond)
			continue
		}

		c.successReqs.Add(1)
		c.totalLatency.Add(latency)
		c.txs.Add(int64(len(results)))
		for _, r := range results {
			if r.Success {
				c.txSucceeded.Add(1)
			}
		}

		for {
			old := c.minLatency.Load()
			if latency >= old || c.minLatency.CompareAndSwap(old, latency) {
				break
			}
		}
		for {
			old := c.maxLatency.Load()
			if latency <= old || c.maxLatency.CompareAndSwap(old, latency) {
				break
			}
		}
	}
}

func percent(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, percent(result.SuccessfulReqs, result.TotalRequests))
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, percent(result.FailedReqs, result.TotalRequests))
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Transactions:    %d (%.2f%% succeeded)\n", result.Transactions, percent(result.TxSucceeded, result.Transactions))
	fmt.Printf("Tx/sec:          %.2f\n", result.TxPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":        config.Address,
			"concurrency":    config.Concurrency,
			"batch_size":     config.BatchSize,
			"conflict_ratio": config.ConflictRatio,
			"duration":       config.Duration.String(),
		},
		"results": map[string]interface{}{
			"total_requests":   result.TotalRequests,
			"successful":       result.SuccessfulReqs,
			"failed":           result.FailedReqs,
			"requests_per_sec": result.RequestsPerSec,
			"transactions":     result.Transactions,
			"tx_succeeded":     result.TxSucceeded,
			"tx_per_sec":       result.TxPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
