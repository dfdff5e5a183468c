package state

import (
	"sync"

	"github.com/google/btree"
)

const memDegree = 32

// MemState is an ordered in-memory state backend.
type MemState struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[Entry]
}

func entryLess(a, b Entry) bool {
	return a.Key.Less(b.Key)
}

// NewMemState creates an empty in-memory state.
func NewMemState() *MemState {
	return &MemState{tree: btree.NewG(memDegree, entryLess)}
}

// Get returns a copy of the stored value, or nil if the field is missing.
func (m *MemState) Get(addr Address, field string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.tree.Get(Entry{Key: Key{Address: addr, Field: field}})
	if !ok {
		return nil, nil
	}
	return cloneBytes(e.Value), nil
}

// Set stores value; a nil value removes the field.
func (m *MemState) Set(addr Address, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setLocked(Key{Address: addr, Field: field}, value)
	return nil
}

func (m *MemState) setLocked(k Key, value []byte) {
	if value == nil {
		m.tree.Delete(Entry{Key: k})
		return
	}
	m.tree.ReplaceOrInsert(Entry{Key: k, Value: cloneBytes(value)})
}

// WriteBatch applies all changes under a single lock.
func (m *MemState) WriteBatch(changes []Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range changes {
		m.setLocked(c.Key, c.Value)
	}
	return nil
}

// Snapshot returns every entry in key order.
func (m *MemState) Snapshot() ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, m.tree.Len())
	m.tree.Ascend(func(e Entry) bool {
		out = append(out, Entry{Key: e.Key, Value: cloneBytes(e.Value)})
		return true
	})
	return out, nil
}

// Clone returns an independent copy of the state.
func (m *MemState) Clone() *MemState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &MemState{tree: m.tree.Clone()}
}

// Len returns the number of stored fields.
func (m *MemState) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}
