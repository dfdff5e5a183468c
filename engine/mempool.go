package engine

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Common errors for mempool operations
var (
	ErrMempoolFull     = errors.New("mempool is full")
	ErrTxAlreadyExists = errors.New("transaction already exists")
	ErrTxNotFound      = errors.New("transaction not found")
)

type mempoolEntry struct {
	tx       *Transaction
	seq      uint64
	requeued bool
}

// priorityQueue orders requeued transactions first, in requeue order, and
// the rest by fee, then arrival.
type priorityQueue []*mempoolEntry

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.requeued != b.requeued {
		return a.requeued
	}
	if a.requeued {
		return a.seq < b.seq
	}
	// Higher fee first, then earlier timestamp, then insertion order
	if a.tx.Fee != b.tx.Fee {
		return a.tx.Fee > b.tx.Fee
	}
	if !a.tx.Timestamp.Equal(b.tx.Timestamp) {
		return a.tx.Timestamp.Before(b.tx.Timestamp)
	}
	return a.seq < b.seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}

func (pq *priorityQueue) Push(x any) {
	*pq = append(*pq, x.(*mempoolEntry))
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // avoid memory leak
	*pq = old[0 : n-1]
	return e
}

// Mempool holds pending transactions until they are cut into a batch.
type Mempool struct {
	pending map[uuid.UUID]*mempoolEntry
	queue   priorityQueue
	maxSize int
	seq     uint64
	mu      sync.RWMutex
}

// NewMempool creates a new Mempool with the specified maximum size.
func NewMempool(maxSize int) *Mempool {
	m := &Mempool{
		pending: make(map[uuid.UUID]*mempoolEntry),
		queue:   make(priorityQueue, 0),
		maxSize: maxSize,
	}
	heap.Init(&m.queue)
	return m
}

// Add adds a transaction to the mempool.
// Returns error if mempool is full or transaction already exists.
func (m *Mempool) Add(tx *Transaction) error {
	if tx == nil {
		return ErrInvalidTransaction
	}
	if err := tx.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(tx, false)
}

func (m *Mempool) addLocked(tx *Transaction, requeued bool) error {
	if _, exists := m.pending[tx.ID]; exists {
		return ErrTxAlreadyExists
	}
	if len(m.pending) >= m.maxSize {
		return ErrMempoolFull
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now()
	}

	m.seq++
	e := &mempoolEntry{tx: tx, seq: m.seq, requeued: requeued}
	m.pending[tx.ID] = e
	heap.Push(&m.queue, e)
	return nil
}

// AddBatch adds every valid transaction of txs and returns the per-index
// errors of the rejected ones.
func (m *Mempool) AddBatch(txs []*Transaction) map[int]error {
	errs := make(map[int]error)

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, tx := range txs {
		if tx == nil {
			errs[i] = ErrInvalidTransaction
			continue
		}
		if err := tx.Validate(); err != nil {
			errs[i] = err
			continue
		}
		if err := m.addLocked(tx, false); err != nil {
			errs[i] = err
		}
	}
	return errs
}

// Requeue puts transactions back, typically the pending part of a batch that
// ran out of time. They are popped before any other pending transaction, in
// the order given. Transactions that no longer fit are returned.
func (m *Mempool) Requeue(txs []*Transaction) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []*Transaction
	for _, tx := range txs {
		if err := m.addLocked(tx, true); err != nil && !errors.Is(err, ErrTxAlreadyExists) {
			dropped = append(dropped, tx)
		}
	}
	return dropped
}

// Get retrieves a transaction by ID without removing it.
func (m *Mempool) Get(id uuid.UUID) *Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.pending[id]; ok {
		return e.tx
	}
	return nil
}

// Remove removes a transaction by ID.
// Returns true if the transaction was found and removed.
func (m *Mempool) Remove(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[id]; !exists {
		return false
	}
	delete(m.pending, id)

	newQueue := make(priorityQueue, 0, len(m.queue))
	for _, e := range m.queue {
		if e.tx.ID != id {
			newQueue = append(newQueue, e)
		}
	}
	m.queue = newQueue
	heap.Init(&m.queue)

	return true
}

// PopBatch removes and returns up to n highest-priority transactions.
func (m *Mempool) PopBatch(n int) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || len(m.queue) == 0 {
		return nil
	}
	n = min(n, len(m.queue))

	batch := make([]*Transaction, 0, n)
	for i := 0; i < n; i++ {
		e := heap.Pop(&m.queue).(*mempoolEntry)
		delete(m.pending, e.tx.ID)
		batch = append(batch, e.tx)
	}
	return batch
}

// Peek returns up to n highest-priority transactions without removing them.
func (m *Mempool) Peek(n int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 || len(m.queue) == 0 {
		return nil
	}
	n = min(n, len(m.queue))

	sorted := make(priorityQueue, len(m.queue))
	copy(sorted, m.queue)
	heap.Init(&sorted)

	batch := make([]*Transaction, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, heap.Pop(&sorted).(*mempoolEntry).tx)
	}
	return batch
}

// Size returns the current number of transactions in the mempool.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// IsFull returns true if the mempool has reached its maximum size.
func (m *Mempool) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending) >= m.maxSize
}

// Contains checks if a transaction exists in the mempool.
func (m *Mempool) Contains(id uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.pending[id]
	return exists
}

// Clear removes all transactions from the mempool.
func (m *Mempool) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = make(map[uuid.UUID]*mempoolEntry)
	m.queue = make(priorityQueue, 0)
	heap.Init(&m.queue)
}

// MempoolStats contains mempool statistics.
type MempoolStats struct {
	Size      int `json:"size"`
	MaxSize   int `json:"max_size"`
	Available int `json:"available"`
}

// Stats returns mempool statistics.
func (m *Mempool) Stats() MempoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MempoolStats{
		Size:      len(m.pending),
		MaxSize:   m.maxSize,
		Available: m.maxSize - len(m.pending),
	}
}
