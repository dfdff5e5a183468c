package state

import (
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// Tentative is a value published by one speculative writer.
type Tentative struct {
	Writer int
	Change StateChange
}

// SpeculativeState holds the tentative writes of an optimistic batch, keyed
// by account field. Writers are identified by their submission index in the
// batch. Concurrent publishes to any keys are safe.
type SpeculativeState struct {
	entries *xsync.Map[Key, []Tentative]
}

// NewSpeculativeState creates an empty speculative state.
func NewSpeculativeState() *SpeculativeState {
	return &SpeculativeState{entries: xsync.NewMap[Key, []Tentative]()}
}

// Publish records the tentative changes of writer.
func (s *SpeculativeState) Publish(writer int, changes []StateChange) {
	for _, c := range changes {
		t := Tentative{Writer: writer, Change: c}
		s.entries.Compute(c.Key(), func(old []Tentative, _ bool) ([]Tentative, xsync.ComputeOp) {
			next := make([]Tentative, 0, len(old)+1)
			next = append(next, old...)
			next = append(next, t)
			slices.SortStableFunc(next, func(a, b Tentative) int { return a.Writer - b.Writer })
			return next, xsync.UpdateOp
		})
	}
}

// Load returns the tentative value of the latest writer of key.
func (s *SpeculativeState) Load(key Key) ([]byte, bool) {
	ts, ok := s.entries.Load(key)
	if !ok || len(ts) == 0 {
		return nil, false
	}
	return cloneBytes(ts[len(ts)-1].Change.NewValue), true
}

// Writers returns the writers of key in ascending order.
func (s *SpeculativeState) Writers(key Key) []int {
	ts, _ := s.entries.Load(key)
	out := make([]int, len(ts))
	for i, t := range ts {
		out[i] = t.Writer
	}
	return out
}

// Revert removes every tentative value published by writer for the given
// keys and returns the removed changes in key order of changes.
func (s *SpeculativeState) Revert(writer int, changes []StateChange) []StateChange {
	var reverted []StateChange
	for _, c := range changes {
		s.entries.Compute(c.Key(), func(old []Tentative, loaded bool) ([]Tentative, xsync.ComputeOp) {
			if !loaded {
				return nil, xsync.CancelOp
			}
			next := make([]Tentative, 0, len(old))
			for _, t := range old {
				if t.Writer == writer {
					reverted = append(reverted, t.Change)
					continue
				}
				next = append(next, t)
			}
			if len(next) == 0 {
				return nil, xsync.DeleteOp
			}
			return next, xsync.UpdateOp
		})
	}
	return reverted
}

// Commit writes the latest tentative value of every key to dst in a single
// batch and clears the speculative state. It returns the committed changes
// in key order.
func (s *SpeculativeState) Commit(dst Writer) ([]StateChange, error) {
	var committed []StateChange
	s.entries.Range(func(_ Key, ts []Tentative) bool {
		if len(ts) > 0 {
			committed = append(committed, ts[len(ts)-1].Change)
		}
		return true
	})
	slices.SortFunc(committed, func(a, b StateChange) int {
		ka, kb := a.Key(), b.Key()
		switch {
		case ka.Less(kb):
			return -1
		case kb.Less(ka):
			return 1
		}
		return 0
	})
	if err := ApplyStateChanges(dst, committed); err != nil {
		return nil, err
	}
	s.entries.Clear()
	return committed, nil
}

// Discard drops every tentative value.
func (s *SpeculativeState) Discard() {
	s.entries.Clear()
}

// Len returns the number of keys with at least one tentative value.
func (s *SpeculativeState) Len() int {
	return s.entries.Size()
}

// RollbackLog is the ordered record of speculative changes that were undone
// during one batch.
type RollbackLog struct {
	mu      sync.Mutex
	entries []StateChange
}

// NewRollbackLog creates an empty rollback log.
func NewRollbackLog() *RollbackLog {
	return &RollbackLog{}
}

// Append records reverted changes.
func (l *RollbackLog) Append(changes ...StateChange) {
	l.mu.Lock()
	l.entries = append(l.entries, changes...)
	l.mu.Unlock()
}

// Entries returns a copy of the log.
func (l *RollbackLog) Entries() []StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Len returns the number of reverted changes.
func (l *RollbackLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Reset clears the log.
func (l *RollbackLog) Reset() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
