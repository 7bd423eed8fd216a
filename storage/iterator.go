package storage

import (
	"bytes"
	"sort"
)

// overlayIterator walks a Fork's in-memory overlay in ascending key order,
// restricted to a prefix and a starting key. It surfaces Delete entries as
// well as Puts so mergeIterator can suppress the corresponding base key.
type overlayIterator struct {
	keys []string
	ops  map[string]Op
	pos  int
}

func newOverlayIterator(overlay map[string]Op, prefix, from []byte) *overlayIterator {
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if from != nil && bytes.Compare([]byte(k), from) < 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &overlayIterator{keys: keys, ops: overlay}
}

func (it *overlayIterator) Valid() bool { return it.pos < len(it.keys) }
func (it *overlayIterator) Next()       { it.pos++ }
func (it *overlayIterator) Key() []byte { return []byte(it.keys[it.pos]) }
func (it *overlayIterator) Value() []byte {
	return it.ops[it.keys[it.pos]].Value
}
func (it *overlayIterator) isDelete() bool {
	return it.ops[it.keys[it.pos]].Delete
}

// mergeIterator lazily merges a base Snapshot iterator with a Fork overlay
// iterator: both streams are peekable and advance independently, equal
// keys favor the overlay, and overlay deletes suppress the base key.
type mergeIterator struct {
	base    Iterator
	overlay *overlayIterator
}

func newMergeIterator(base Iterator, overlay *overlayIterator) *mergeIterator {
	m := &mergeIterator{base: base, overlay: overlay}
	m.skipDeleted()
	return m
}

func (m *mergeIterator) skipDeleted() {
	for m.overlay.Valid() && m.overlay.isDelete() {
		if m.base.Valid() {
			cmp := bytes.Compare(m.base.Key(), m.overlay.Key())
			if cmp < 0 {
				// The base entry comes first and this delete doesn't touch it.
				return
			}
			if cmp == 0 {
				// Overlay deletes the base entry at this key: drop both and
				// re-check.
				m.base.Next()
			}
		}
		// Either the matching base entry was just dropped, or this is a
		// stray delete for a key absent from base: skip it.
		m.overlay.Next()
	}
}

func (m *mergeIterator) Valid() bool {
	return m.base.Valid() || m.overlay.Valid()
}

func (m *mergeIterator) current() (fromOverlay bool) {
	if !m.base.Valid() {
		return true
	}
	if !m.overlay.Valid() {
		return false
	}
	return bytes.Compare(m.overlay.Key(), m.base.Key()) <= 0
}

func (m *mergeIterator) Key() []byte {
	if m.current() {
		return m.overlay.Key()
	}
	return m.base.Key()
}

func (m *mergeIterator) Value() []byte {
	if m.current() {
		return m.overlay.Value()
	}
	return m.base.Value()
}

func (m *mergeIterator) Next() {
	fromOverlay := m.current()
	if fromOverlay {
		// Equal keys on both streams: the overlay wins, so the base's
		// duplicate must also be dropped.
		if m.base.Valid() && bytes.Equal(m.base.Key(), m.overlay.Key()) {
			m.base.Next()
		}
		m.overlay.Next()
	} else {
		m.base.Next()
	}
	m.skipDeleted()
}
