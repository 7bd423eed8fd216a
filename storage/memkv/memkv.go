// Package memkv is an in-memory storage.Database, used for tests and
// single-process demos where a persistent backend isn't needed. It mirrors
// the bucket-less, copy-on-write Snapshot shape of storage.boltkv without
// touching disk.
package memkv

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ironforge-chain/ironforge/storage"
)

// Database is a copy-on-write, in-memory storage.Database. Merge replaces
// the committed map wholesale under a write lock so Snapshots taken before
// a Merge keep observing their own, unchanged map.
type Database struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty Database.
func New() *Database {
	return &Database{data: make(map[string][]byte)}
}

// Snapshot returns a read-only view of the currently committed state.
func (d *Database) Snapshot() storage.Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &snapshot{data: d.data}
}

// Merge copy-on-writes patch into a new committed map.
func (d *Database) Merge(patch storage.Patch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make(map[string][]byte, len(d.data)+len(patch))
	for k, v := range d.data {
		next[k] = v
	}
	for k, op := range patch {
		if op.Delete {
			delete(next, k)
		} else {
			next[k] = op.Value
		}
	}
	d.data = next
	return nil
}

// Close is a no-op for the in-memory backend.
func (d *Database) Close() error { return nil }

type snapshot struct {
	data map[string][]byte
}

func (s *snapshot) Get(key []byte) ([]byte, bool) {
	v, ok := s.data[string(key)]
	return v, ok
}

func (s *snapshot) Contains(key []byte) bool {
	_, ok := s.data[string(key)]
	return ok
}

// Release is a no-op: the in-memory backend holds no per-Snapshot resources.
func (s *snapshot) Release() {}

func (s *snapshot) Iter(prefix, from []byte) storage.Iterator {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		kb := []byte(k)
		if !bytes.HasPrefix(kb, prefix) {
			continue
		}
		if from != nil && bytes.Compare(kb, from) < 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &iterator{keys: keys, data: s.data}
}

type iterator struct {
	keys []string
	data map[string][]byte
	pos  int
}

func (it *iterator) Valid() bool   { return it.pos < len(it.keys) }
func (it *iterator) Next()         { it.pos++ }
func (it *iterator) Key() []byte   { return []byte(it.keys[it.pos]) }
func (it *iterator) Value() []byte { return it.data[it.keys[it.pos]] }
