package storage_test

import (
	"testing"

	"github.com/ironforge-chain/ironforge/storage"
	"github.com/ironforge-chain/ironforge/storage/memkv"
	"github.com/stretchr/testify/require"
)

func drain(it storage.Iterator) [][2]string {
	var out [][2]string
	for it.Valid() {
		out = append(out, [2]string{string(it.Key()), string(it.Value())})
		it.Next()
	}
	return out
}

func TestForkGetMatchesIterContract(t *testing.T) {
	db := memkv.New()
	require.NoError(t, db.Merge(storage.Patch{
		"a": {Value: []byte("1")},
		"b": {Value: []byte("2")},
		"c": {Value: []byte("3")},
	}))

	snap := db.Snapshot()
	fork := storage.NewFork(snap)
	fork.Put([]byte("b"), []byte("overwritten"))
	fork.Delete([]byte("c"))
	fork.Put([]byte("d"), []byte("new"))

	for _, k := range []string{"a", "b", "c", "d", "zz"} {
		v, ok := fork.Get([]byte(k))
		it := fork.Iter(nil, []byte(k))
		if it.Valid() && string(it.Key()) == k {
			require.True(t, ok, "key %s", k)
			require.Equal(t, v, it.Value())
		} else {
			require.False(t, ok, "key %s", k)
		}
	}
}

func TestForkIterMergeOrderAndOverlayPrecedence(t *testing.T) {
	db := memkv.New()
	require.NoError(t, db.Merge(storage.Patch{
		"a": {Value: []byte("base-a")},
		"b": {Value: []byte("base-b")},
		"d": {Value: []byte("base-d")},
	}))

	fork := storage.NewFork(db.Snapshot())
	fork.Put([]byte("b"), []byte("fork-b"))
	fork.Put([]byte("c"), []byte("fork-c"))
	fork.Delete([]byte("d"))

	got := drain(fork.Iter(nil, nil))
	require.Equal(t, [][2]string{
		{"a", "base-a"},
		{"b", "fork-b"},
		{"c", "fork-c"},
	}, got)
}

func TestSnapshotSurvivesLaterMerge(t *testing.T) {
	db := memkv.New()
	require.NoError(t, db.Merge(storage.Patch{"k": {Value: []byte("v1")}}))
	snap := db.Snapshot()

	require.NoError(t, db.Merge(storage.Patch{"k": {Value: []byte("v2")}}))

	v, ok := snap.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "v1", string(v))

	fresh := db.Snapshot()
	v2, _ := fresh.Get([]byte("k"))
	require.Equal(t, "v2", string(v2))
}

func TestPrefixIteration(t *testing.T) {
	db := memkv.New()
	require.NoError(t, db.Merge(storage.Patch{
		"a/1": {Value: []byte("1")},
		"a/2": {Value: []byte("2")},
		"b/1": {Value: []byte("3")},
	}))
	got := drain(db.Snapshot().Iter([]byte("a/"), nil))
	require.Len(t, got, 2)
}
