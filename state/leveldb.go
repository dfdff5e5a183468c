package state

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// LevelState persists account state in LevelDB. Keys are the 32-byte
// address followed by the field name.
type LevelState struct {
	db *leveldb.DB
}

// OpenLevelState opens (or creates) a LevelDB database at path.
func OpenLevelState(path string) (*LevelState, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		Compression: opt.SnappyCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelState{db: db}, nil
}

// NewMemLevelState opens a LevelDB instance backed by memory storage.
func NewMemLevelState() (*LevelState, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelState{db: db}, nil
}

func encodeKey(k Key) []byte {
	b := make([]byte, AddressLength+len(k.Field))
	copy(b, k.Address[:])
	copy(b[AddressLength:], k.Field)
	return b
}

func decodeKey(b []byte) (Key, error) {
	if len(b) < AddressLength {
		return Key{}, fmt.Errorf("%w: short key", ErrInvalidAddress)
	}
	return Key{Address: BytesToAddress(b[:AddressLength]), Field: string(b[AddressLength:])}, nil
}

// Get returns the stored value, or nil if the field is missing.
func (l *LevelState) Get(addr Address, field string) ([]byte, error) {
	v, err := l.db.Get(encodeKey(Key{Address: addr, Field: field}), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if errors.Is(err, leveldb.ErrClosed) {
		return nil, ErrClosed
	}
	return v, err
}

// Set stores value; a nil value removes the field.
func (l *LevelState) Set(addr Address, field string, value []byte) error {
	key := encodeKey(Key{Address: addr, Field: field})
	if value == nil {
		return l.db.Delete(key, nil)
	}
	return l.db.Put(key, value, nil)
}

// WriteBatch commits all changes in one atomic LevelDB batch.
func (l *LevelState) WriteBatch(changes []Change) error {
	batch := new(leveldb.Batch)
	for _, c := range changes {
		if c.Value == nil {
			batch.Delete(encodeKey(c.Key))
			continue
		}
		batch.Put(encodeKey(c.Key), c.Value)
	}
	return l.db.Write(batch, &opt.WriteOptions{Sync: false})
}

// Snapshot returns every entry in key order.
func (l *LevelState) Snapshot() ([]Entry, error) {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	var out []Entry
	for iter.Next() {
		k, err := decodeKey(iter.Key())
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: k, Value: cloneBytes(iter.Value())})
	}
	return out, iter.Error()
}

// Close closes the underlying database.
func (l *LevelState) Close() error {
	return l.db.Close()
}
