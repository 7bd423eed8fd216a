package index

import (
	"github.com/pkg/errors"

	"github.com/ironforge-chain/ironforge/crypto"
)

// ListProofVariant tags the shape of a ListProof node.
type ListProofVariant int

const (
	// ProofFull carries both children expanded, used when the proven range
	// spans both halves of the subtree.
	ProofFull ListProofVariant = iota
	// ProofLeft carries the left child expanded and the right child's hash
	// only (absent entirely if the tree has no right sibling at this node).
	ProofLeft
	// ProofRight carries the right child expanded and the left child's hash.
	ProofRight
	// ProofLeaf carries a single proven value.
	ProofLeaf
)

var (
	// ErrUnexpectedLeaf is returned when a Leaf node appears above the leaf
	// level of the conceptual tree.
	ErrUnexpectedLeaf = errors.New("listproof: unexpected leaf above leaf level")
	// ErrUnexpectedBranch is returned when a Full/Left/Right node appears at
	// or below the leaf level.
	ErrUnexpectedBranch = errors.New("listproof: unexpected branch at leaf level")
	// ErrUnmatchedRootHash is returned when the recomputed root does not
	// equal the root the caller asked to validate against.
	ErrUnmatchedRootHash = errors.New("listproof: root hash mismatch")
)

// ListProof is a recursive Merkle membership proof over a ProofListIndex:
// Full(left, right), Left(left, rightHash?), Right(leftHash, right), or a
// terminal Leaf(value). Validate recomputes the root from the proof shape
// and the claimed leaf values, rejecting anything that doesn't recompute to
// the expected root.
type ListProof struct {
	Variant ListProofVariant

	Left  *ListProof // Full
	Right *ListProof // Full

	LeftProof *ListProof   // Left
	RightHash *crypto.Hash // Left, nil if no right sibling exists

	LeftHash   *crypto.Hash // Right
	RightProof *ListProof   // Right

	Value []byte // Leaf
}

func leafHash(value []byte) crypto.Hash {
	return crypto.Sum(value)
}

// treeHeight returns ⌈log2(length)⌉+1, the number of levels a ListProof
// over a list of the given length must fold through before reaching a
// Leaf. treeHeight(0) is 0, a sentinel meaning "no valid non-empty proof".
func treeHeight(length uint64) int {
	if length == 0 {
		return 0
	}
	h := 1
	size := uint64(1)
	for size < length {
		size <<= 1
		h++
	}
	return h
}

// Validate recomputes the Merkle root implied by proof and checks it
// against root, returning the (index -> value) pairs the proof attests to.
// length is the list's claimed length, used only to pick the expected tree
// height; Validate does not otherwise trust it.
func Validate(proof *ListProof, root crypto.Hash, length uint64) (map[uint64][]byte, error) {
	leaves := make(map[uint64][]byte)
	height := treeHeight(length)
	if height == 0 {
		if proof != nil {
			return nil, ErrUnmatchedRootHash
		}
		if root != crypto.Sum(nil) {
			return nil, ErrUnmatchedRootHash
		}
		return leaves, nil
	}
	got, err := foldListProof(proof, height, 0, leaves)
	if err != nil {
		return nil, err
	}
	if got != root {
		return nil, ErrUnmatchedRootHash
	}
	return leaves, nil
}

func foldListProof(node *ListProof, level int, index uint64, leaves map[uint64][]byte) (crypto.Hash, error) {
	if node == nil {
		return crypto.Hash{}, ErrUnexpectedBranch
	}
	if node.Variant == ProofLeaf {
		if level != 1 {
			return crypto.Hash{}, ErrUnexpectedLeaf
		}
		leaves[index] = node.Value
		return leafHash(node.Value), nil
	}
	if level <= 1 {
		return crypto.Hash{}, ErrUnexpectedBranch
	}
	switch node.Variant {
	case ProofFull:
		lh, err := foldListProof(node.Left, level-1, index<<1, leaves)
		if err != nil {
			return crypto.Hash{}, err
		}
		rh, err := foldListProof(node.Right, level-1, (index<<1)+1, leaves)
		if err != nil {
			return crypto.Hash{}, err
		}
		return crypto.SumAll(lh.Bytes(), rh.Bytes()), nil
	case ProofLeft:
		lh, err := foldListProof(node.LeftProof, level-1, index<<1, leaves)
		if err != nil {
			return crypto.Hash{}, err
		}
		if node.RightHash == nil {
			return crypto.SumAll(lh.Bytes()), nil
		}
		return crypto.SumAll(lh.Bytes(), node.RightHash.Bytes()), nil
	case ProofRight:
		if node.LeftHash == nil {
			return crypto.Hash{}, ErrUnexpectedBranch
		}
		rh, err := foldListProof(node.RightProof, level-1, (index<<1)+1, leaves)
		if err != nil {
			return crypto.Hash{}, err
		}
		return crypto.SumAll(node.LeftHash.Bytes(), rh.Bytes()), nil
	default:
		return crypto.Hash{}, ErrUnexpectedBranch
	}
}
