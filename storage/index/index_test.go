package index_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/storage"
	"github.com/ironforge-chain/ironforge/storage/index"
	"github.com/ironforge-chain/ironforge/storage/memkv"
)

func newFork() *storage.Fork {
	db := memkv.New()
	return storage.NewFork(db.Snapshot())
}

func TestMapIndexPutGetRemove(t *testing.T) {
	fork := newFork()
	m := index.NewMapIndexFork([]byte("svc/map/"), fork)

	_, ok := m.Get([]byte("k1"))
	require.False(t, ok)

	m.Put([]byte("k1"), []byte("v1"))
	v, ok := m.Get([]byte("k1"))
	require.True(t, ok)
	require.Equal(t, "v1", string(v))

	m.Remove([]byte("k1"))
	_, ok = m.Get([]byte("k1"))
	require.False(t, ok)
}

func TestMapIndexIterStripsPrefix(t *testing.T) {
	fork := newFork()
	m := index.NewMapIndexFork([]byte("svc/map/"), fork)
	m.Put([]byte("a"), []byte("1"))
	m.Put([]byte("b"), []byte("2"))

	var keys []string
	for it := m.Iter(nil); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"a", "b"}, keys)
}

func TestMapIndexNamespaceIsolation(t *testing.T) {
	fork := newFork()
	a := index.NewMapIndexFork([]byte("svcA/"), fork)
	b := index.NewMapIndexFork([]byte("svcB/"), fork)

	a.Put([]byte("k"), []byte("a-value"))
	_, ok := b.Get([]byte("k"))
	require.False(t, ok)
}

func TestListIndexPushGetLen(t *testing.T) {
	fork := newFork()
	l := index.NewListIndexFork([]byte("svc/list/"), fork)
	require.Equal(t, uint64(0), l.Len())

	i0 := l.Push([]byte("x"))
	i1 := l.Push([]byte("y"))
	require.Equal(t, uint64(0), i0)
	require.Equal(t, uint64(1), i1)
	require.Equal(t, uint64(2), l.Len())

	v, ok := l.Get(1)
	require.True(t, ok)
	require.Equal(t, "y", string(v))

	_, ok = l.Get(2)
	require.False(t, ok)
}

func TestListIndexSetOverwrites(t *testing.T) {
	fork := newFork()
	l := index.NewListIndexFork([]byte("svc/list/"), fork)
	l.Push([]byte("orig"))
	l.Set(0, []byte("replaced"))
	v, ok := l.Get(0)
	require.True(t, ok)
	require.Equal(t, "replaced", string(v))
}

func proofListWithValues(t *testing.T, values ...string) (*storage.Fork, *index.ProofListIndex) {
	t.Helper()
	fork := newFork()
	pl := index.NewProofListIndexFork([]byte("svc/plist/"), fork)
	for _, v := range values {
		pl.Push([]byte(v))
	}
	return fork, pl
}

func TestProofListIndexEmptyRoot(t *testing.T) {
	_, pl := proofListWithValues(t)
	require.Equal(t, crypto.Sum(nil), pl.RootHash())

	_, err := pl.ConstructProof(0, 1)
	require.ErrorIs(t, err, index.ErrEmptyRange)
}

func TestProofListIndexSingleLeafProof(t *testing.T) {
	_, pl := proofListWithValues(t, "only")
	root := pl.RootHash()

	proof, err := pl.ConstructProof(0, 1)
	require.NoError(t, err)
	require.Equal(t, index.ProofLeaf, proof.Variant)

	leaves, err := index.Validate(proof, root, pl.Len())
	require.NoError(t, err)
	require.Equal(t, map[uint64][]byte{0: []byte("only")}, leaves)
}

func TestProofListIndexTwoLeafProof(t *testing.T) {
	_, pl := proofListWithValues(t, "v0", "v1")
	root := pl.RootHash()

	proof, err := pl.ConstructProof(1, 2)
	require.NoError(t, err)
	require.Equal(t, index.ProofRight, proof.Variant)
	require.NotNil(t, proof.LeftHash)
	require.Equal(t, crypto.Sum([]byte("v0")), *proof.LeftHash)

	leaves, err := index.Validate(proof, root, pl.Len())
	require.NoError(t, err)
	require.Equal(t, map[uint64][]byte{1: []byte("v1")}, leaves)
}

func TestProofListIndexOddLengthPromotion(t *testing.T) {
	_, pl := proofListWithValues(t, "v0", "v1", "v2")
	root := pl.RootHash()

	for i := uint64(0); i < 3; i++ {
		proof, err := pl.ConstructProof(i, i+1)
		require.NoError(t, err)
		leaves, err := index.Validate(proof, root, pl.Len())
		require.NoError(t, err, "index %d", i)
		require.Len(t, leaves, 1)
	}
}

func TestProofListIndexRangeProof(t *testing.T) {
	_, pl := proofListWithValues(t, "v0", "v1", "v2", "v3", "v4")
	root := pl.RootHash()

	proof, err := pl.ConstructProof(1, 4)
	require.NoError(t, err)

	leaves, err := index.Validate(proof, root, pl.Len())
	require.NoError(t, err)
	require.Equal(t, map[uint64][]byte{
		1: []byte("v1"),
		2: []byte("v2"),
		3: []byte("v3"),
	}, leaves)
}

func TestProofListIndexTamperedProofRejected(t *testing.T) {
	_, pl := proofListWithValues(t, "v0", "v1", "v2", "v3")
	root := pl.RootHash()

	proof, err := pl.ConstructProof(2, 3)
	require.NoError(t, err)
	// The leaf for index 2 of four sits under the root's right child,
	// as that child's left proof.
	proof.RightProof.LeftProof.Value = []byte("tampered")

	_, err = index.Validate(proof, root, pl.Len())
	require.ErrorIs(t, err, index.ErrUnmatchedRootHash)
}

func hashKey(s string) crypto.Hash {
	return crypto.Sum([]byte(s))
}

func TestProofMapIndexMembershipProof(t *testing.T) {
	fork := newFork()
	pm := index.NewProofMapIndexFork([]byte("svc/pmap/"), fork)
	pm.Put(hashKey("alice"), []byte("100"))
	pm.Put(hashKey("bob"), []byte("200"))

	root := pm.RootHash()

	proof := pm.ConstructProof(hashKey("alice"))
	value, present, err := index.ValidateMap(proof, root)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "100", string(value))
}

func TestProofMapIndexNonMembershipProof(t *testing.T) {
	fork := newFork()
	pm := index.NewProofMapIndexFork([]byte("svc/pmap/"), fork)
	pm.Put(hashKey("alice"), []byte("100"))

	root := pm.RootHash()

	proof := pm.ConstructProof(hashKey("carol"))
	value, present, err := index.ValidateMap(proof, root)
	require.NoError(t, err)
	require.False(t, present)
	require.Nil(t, value)
}

func TestProofMapIndexTamperedValueRejected(t *testing.T) {
	fork := newFork()
	pm := index.NewProofMapIndexFork([]byte("svc/pmap/"), fork)
	pm.Put(hashKey("alice"), []byte("100"))
	root := pm.RootHash()

	proof := pm.ConstructProof(hashKey("alice"))
	proof.Value = []byte("999")

	_, _, err := index.ValidateMap(proof, root)
	require.ErrorIs(t, err, index.ErrUnmatchedMapRootHash)
}

func TestProofMapIndexEmptyRoot(t *testing.T) {
	fork := newFork()
	pm := index.NewProofMapIndexFork([]byte("svc/pmap/"), fork)
	root := pm.RootHash()
	require.Equal(t, root, pm.RootHash(), "root hash must be deterministic")

	proof := pm.ConstructProof(hashKey("anything"))
	value, present, err := index.ValidateMap(proof, root)
	require.NoError(t, err)
	require.False(t, present)
	require.Nil(t, value)
}
