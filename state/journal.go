package state

// Journal buffers the reads and writes of a single transaction on top of a
// base Reader. Nothing reaches the base until Commit.
//
// A Journal is not safe for concurrent use.
type Journal struct {
	base Reader

	writes map[Key][]byte
	olds   map[Key][]byte
	order  []Key

	readAddrs  map[Address]struct{}
	writeAddrs map[Address]struct{}
}

// NewJournal creates a journal over base.
func NewJournal(base Reader) *Journal {
	return &Journal{
		base:       base,
		writes:     make(map[Key][]byte),
		olds:       make(map[Key][]byte),
		readAddrs:  make(map[Address]struct{}),
		writeAddrs: make(map[Address]struct{}),
	}
}

// Get reads through the journal's own writes first, then the base. Base reads
// are recorded in the read set.
func (j *Journal) Get(addr Address, field string) ([]byte, error) {
	k := Key{Address: addr, Field: field}
	if v, ok := j.writes[k]; ok {
		return cloneBytes(v), nil
	}
	j.readAddrs[addr] = struct{}{}
	v, err := j.base.Get(addr, field)
	if err != nil {
		return nil, err
	}
	if _, seen := j.olds[k]; !seen {
		j.olds[k] = cloneBytes(v)
	}
	return v, nil
}

// Set buffers a write.
func (j *Journal) Set(addr Address, field string, value []byte) error {
	k := Key{Address: addr, Field: field}
	if _, ok := j.writes[k]; !ok {
		if _, seen := j.olds[k]; !seen {
			old, err := j.base.Get(addr, field)
			if err != nil {
				return err
			}
			j.olds[k] = cloneBytes(old)
		}
		j.order = append(j.order, k)
	}
	j.writes[k] = cloneBytes(value)
	j.writeAddrs[addr] = struct{}{}
	return nil
}

// ReadSet returns the addresses read from the base.
func (j *Journal) ReadSet() map[Address]struct{} {
	return j.readAddrs
}

// WriteSet returns the addresses written.
func (j *Journal) WriteSet() map[Address]struct{} {
	return j.writeAddrs
}

// Changes returns the buffered writes in first-write order.
func (j *Journal) Changes() []StateChange {
	out := make([]StateChange, 0, len(j.order))
	for _, k := range j.order {
		out = append(out, StateChange{
			Address:  k.Address,
			Field:    k.Field,
			OldValue: cloneBytes(j.olds[k]),
			NewValue: cloneBytes(j.writes[k]),
		})
	}
	return out
}

// Commit writes the buffered changes to dst.
func (j *Journal) Commit(dst Writer) error {
	return ApplyStateChanges(dst, j.Changes())
}

// Reset discards everything recorded so far.
func (j *Journal) Reset() {
	clear(j.writes)
	clear(j.olds)
	clear(j.readAddrs)
	clear(j.writeAddrs)
	j.order = j.order[:0]
}
