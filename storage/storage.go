// Package storage implements the snapshot/fork key-value abstraction of
// spec §4.2: a read-only Snapshot, a mutable Fork overlaying one, and a
// Database that produces Snapshots and atomically applies a Patch.
package storage

// Snapshot is a read-only, point-in-time view of the key-value space. A
// Snapshot obtained from a Database survives any number of subsequent
// Merge calls unchanged — this is the MVCC guarantee the consensus
// handler relies on to let API workers read concurrently with block
// commits.
type Snapshot interface {
	// Get returns the value at key, or ok=false if it is absent.
	Get(key []byte) (value []byte, ok bool)
	// Contains reports whether key is present, without fetching its value.
	Contains(key []byte) bool
	// Iter returns an Iterator over all keys >= from, in ascending byte
	// order, restricted to the given key prefix.
	Iter(prefix, from []byte) Iterator
	// Release returns the Snapshot's resources, if any, to the Database it
	// came from. Callers must call Release exactly once when done reading;
	// backends without per-Snapshot resources (memkv) make this a no-op.
	Release()
}

// Iterator walks an ordered key range. A new Iterator is already
// positioned at its first entry, if any, so Key/Value may be read as soon
// as Valid() is true; Next moves to the following entry. There is no
// explicit Close.
type Iterator interface {
	// Valid reports whether the iterator is positioned at an entry.
	Valid() bool
	// Next advances the iterator.
	Next()
	// Key returns the current key. Only valid while Valid() is true.
	Key() []byte
	// Value returns the current value. Only valid while Valid() is true.
	Value() []byte
}

// Op is a patch entry: either Put(value) or Delete.
type Op struct {
	Delete bool
	Value  []byte
}

// Patch is a set of writes produced by a Fork, keyed by key bytes and
// carrying no order of its own, ready to be atomically applied to a
// Database via Merge.
type Patch map[string]Op

// Put records a write of value at key.
func (p Patch) Put(key, value []byte) {
	p[string(key)] = Op{Value: append([]byte(nil), value...)}
}

// DeleteKey records a tombstone at key.
func (p Patch) DeleteKey(key []byte) {
	p[string(key)] = Op{Delete: true}
}

// Database produces Snapshots and atomically applies Patches. Merge is the
// only mutating operation visible to concurrent readers.
type Database interface {
	// Snapshot returns a new read-only view of the current state.
	Snapshot() Snapshot
	// Merge atomically applies patch, making its writes visible to every
	// Snapshot taken afterward.
	Merge(patch Patch) error
	// Close releases any resources held by the database.
	Close() error
}

// Fork is a mutable overlay on a Snapshot: every Put/Delete is buffered in
// memory until the caller extracts it with IntoPatch and applies it via
// Database.Merge.
type Fork struct {
	base    Snapshot
	overlay map[string]Op
	// overlay has no order of its own; Iter reads it through a sorted key
	// scan on each call.
}

// NewFork wraps base in a fresh, empty overlay.
func NewFork(base Snapshot) *Fork {
	return &Fork{base: base, overlay: make(map[string]Op)}
}

// Get returns the overlay's value at key if present (respecting deletes),
// otherwise falls through to the base Snapshot.
func (f *Fork) Get(key []byte) ([]byte, bool) {
	if op, ok := f.overlay[string(key)]; ok {
		if op.Delete {
			return nil, false
		}
		return op.Value, true
	}
	return f.base.Get(key)
}

// Contains reports presence through the overlay, falling through to base.
func (f *Fork) Contains(key []byte) bool {
	if op, ok := f.overlay[string(key)]; ok {
		return !op.Delete
	}
	return f.base.Contains(key)
}

// Put buffers a write in the overlay.
func (f *Fork) Put(key, value []byte) {
	f.overlay[string(key)] = Op{Value: append([]byte(nil), value...)}
}

// Delete buffers a tombstone in the overlay, suppressing the base
// Snapshot's value for key if any.
func (f *Fork) Delete(key []byte) {
	f.overlay[string(key)] = Op{Delete: true}
}

// Iter returns a merged view of the base Snapshot and the overlay, starting
// at the first key >= from within prefix. At equal keys the overlay wins;
// overlay deletes suppress the base entry entirely.
func (f *Fork) Iter(prefix, from []byte) Iterator {
	return newMergeIterator(f.base.Iter(prefix, from), newOverlayIterator(f.overlay, prefix, from))
}

// IntoPatch drains the overlay into a Patch ready for Database.Merge. The
// Fork must not be used afterward.
func (f *Fork) IntoPatch() Patch {
	p := make(Patch, len(f.overlay))
	for k, v := range f.overlay {
		p[k] = v
	}
	return p
}

// Release releases the Fork's underlying base Snapshot. Call it once the
// Fork's Patch has been extracted and merged (or discarded).
func (f *Fork) Release() {
	f.base.Release()
}
