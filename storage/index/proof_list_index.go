package index

import (
	"github.com/pkg/errors"

	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/storage"
)

// ProofListIndex is a ListIndex whose contents additionally fold into a
// complete-binary-tree Merkle root, contributing to a block's state_hash.
// Internal nodes aren't persisted — the root and any proof are recomputed
// from the leaves on demand, the same way beacon-chain's Merkle tries
// recompute from their leaf slice rather than maintaining branch nodes in
// storage.
type ProofListIndex struct {
	list *ListIndex
}

// NewProofListIndex builds a read-only view.
func NewProofListIndex(prefix []byte, snap storage.Snapshot) *ProofListIndex {
	return &ProofListIndex{list: NewListIndex(prefix, snap)}
}

// NewProofListIndexFork builds a read-write view.
func NewProofListIndexFork(prefix []byte, fork *storage.Fork) *ProofListIndex {
	return &ProofListIndex{list: NewListIndexFork(prefix, fork)}
}

// Len returns the number of elements.
func (p *ProofListIndex) Len() uint64 { return p.list.Len() }

// Get returns the element at index i.
func (p *ProofListIndex) Get(i uint64) ([]byte, bool) { return p.list.Get(i) }

// Push appends value and returns its index.
func (p *ProofListIndex) Push(value []byte) uint64 { return p.list.Push(value) }

// All returns every element in order.
func (p *ProofListIndex) All() [][]byte { return p.list.All() }

// RootHash folds every leaf bottom-up: two children hash as
// SumAll(left, right); a node with no right sibling promotes as
// SumAll(left) alone, so odd-length levels never pad with a zero hash. An
// empty list's root is the hash of nothing.
func (p *ProofListIndex) RootHash() crypto.Hash {
	leaves := p.leafHashes()
	return buildRoot(leaves)
}

func (p *ProofListIndex) leafHashes() []crypto.Hash {
	n := p.Len()
	out := make([]crypto.Hash, n)
	for i := uint64(0); i < n; i++ {
		v, _ := p.Get(i)
		out[i] = leafHash(v)
	}
	return out
}

func buildRoot(leaves []crypto.Hash) crypto.Hash {
	if len(leaves) == 0 {
		return crypto.Sum(nil)
	}
	level := leaves
	for len(level) > 1 {
		next := make([]crypto.Hash, (len(level)+1)/2)
		for i := range next {
			l := level[2*i]
			if 2*i+1 < len(level) {
				r := level[2*i+1]
				next[i] = crypto.SumAll(l.Bytes(), r.Bytes())
			} else {
				next[i] = crypto.SumAll(l.Bytes())
			}
		}
		level = next
	}
	return level[0]
}

// ErrEmptyRange is returned by ConstructProof when the list has no elements
// to prove membership of.
var ErrEmptyRange = errors.New("listproof: cannot construct a proof over an empty list")

// ErrInvalidRange is returned by ConstructProof when [from, to) is not a
// valid, in-bounds, non-empty range.
var ErrInvalidRange = errors.New("listproof: invalid proof range")

// ConstructProof builds a ListProof attesting to every element in
// [from, to).
func (p *ProofListIndex) ConstructProof(from, to uint64) (*ListProof, error) {
	n := p.Len()
	if n == 0 {
		return nil, ErrEmptyRange
	}
	if from >= to || to > n {
		return nil, ErrInvalidRange
	}
	values := p.list.All()
	height := treeHeight(n)
	node, _ := buildListProof(values, height, 0, from, to, n)
	return node, nil
}

// buildListProof returns the proof node for the subtree rooted at
// (level, start) — covering leaves [start, start+2^(level-1)) intersected
// with the real list of length total — and that subtree's hash.
func buildListProof(values [][]byte, level int, start, from, to, total uint64) (*ListProof, crypto.Hash) {
	if level == 1 {
		h := leafHash(values[start])
		if start >= from && start < to {
			return &ListProof{Variant: ProofLeaf, Value: values[start]}, h
		}
		return nil, h
	}
	span := uint64(1) << uint(level-1)
	half := span / 2
	leftStart := start
	rightStart := start + half
	rightExists := rightStart < total

	leftHi := leftStart + half
	overlapsLeft := from < leftHi && to > leftStart
	overlapsRight := rightExists && from < start+span && to > rightStart

	switch {
	case overlapsLeft && overlapsRight:
		ln, lh := buildListProof(values, level-1, leftStart, from, to, total)
		rn, rh := buildListProof(values, level-1, rightStart, from, to, total)
		return &ListProof{Variant: ProofFull, Left: ln, Right: rn}, combineHash(lh, &rh, true)
	case overlapsLeft:
		ln, lh := buildListProof(values, level-1, leftStart, from, to, total)
		var rhPtr *crypto.Hash
		if rightExists {
			_, rh := buildListProof(values, level-1, rightStart, 0, 0, total)
			rhPtr = &rh
		}
		return &ListProof{Variant: ProofLeft, LeftProof: ln, RightHash: rhPtr}, combineHash(lh, rhPtr, rightExists)
	case overlapsRight:
		_, lh := buildListProof(values, level-1, leftStart, 0, 0, total)
		rn, rh := buildListProof(values, level-1, rightStart, from, to, total)
		return &ListProof{Variant: ProofRight, LeftHash: &lh, RightProof: rn}, combineHash(lh, &rh, true)
	default:
		// No overlap: caller only needed this subtree's hash as a sibling.
		_, lh := buildListProof(values, level-1, leftStart, 0, 0, total)
		if !rightExists {
			return nil, combineHash(lh, nil, false)
		}
		_, rh := buildListProof(values, level-1, rightStart, 0, 0, total)
		return nil, combineHash(lh, &rh, true)
	}
}

func combineHash(left crypto.Hash, right *crypto.Hash, rightExists bool) crypto.Hash {
	if !rightExists || right == nil {
		return crypto.SumAll(left.Bytes())
	}
	return crypto.SumAll(left.Bytes(), right.Bytes())
}
