package consensus_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironforge-chain/ironforge/consensus"
	ifcrypto "github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/wire"
)

const testNetworkID = 7

func genKey(t *testing.T) ifcrypto.PrivateKey {
	t.Helper()
	k, err := ifcrypto.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	return k
}

func makePrevote(t *testing.T, idx uint16, round uint32, proposeHash ifcrypto.Hash) *wire.Prevote {
	t.Helper()
	raw, err := wire.EncodePrevote(testNetworkID, genKey(t), idx, 5, round, proposeHash, wire.NoLockedRound)
	require.NoError(t, err)
	pv, err := wire.DecodePrevote(testNetworkID, raw)
	require.NoError(t, err)
	return pv
}

func makePrecommit(t *testing.T, idx uint16, round uint32, proposeHash, blockHash ifcrypto.Hash) *wire.Precommit {
	t.Helper()
	raw, err := wire.EncodePrecommit(testNetworkID, genKey(t), idx, 5, round, proposeHash, blockHash)
	require.NoError(t, err)
	pc, err := wire.DecodePrecommit(testNetworkID, raw)
	require.NoError(t, err)
	return pc
}

func TestProposerRotation(t *testing.T) {
	require.Equal(t, uint16(1), consensus.Proposer(0, 1, 4))
	require.Equal(t, uint16(2), consensus.Proposer(0, 2, 4))
	require.Equal(t, uint16(2), consensus.Proposer(5, 1, 4))
	require.Equal(t, uint16(0), consensus.Proposer(5, 3, 4))
}

func TestHeightStateQuorumAndLock(t *testing.T) {
	hs := consensus.NewHeightState(5, 3)
	require.Equal(t, consensus.NoLockedRound, hs.LockedRound())

	proposeHash := ifcrypto.Sum([]byte("propose-a"))
	for i := uint16(0); i < 2; i++ {
		hs.AddPrevote(makePrevote(t, i, 1, proposeHash))
		require.False(t, hs.HasPrevoteQuorum(1, proposeHash))
	}
	hs.AddPrevote(makePrevote(t, 2, 1, proposeHash))
	require.True(t, hs.HasPrevoteQuorum(1, proposeHash))

	require.True(t, hs.TryLock(1, proposeHash))
	require.Equal(t, uint32(1), hs.LockedRound())
	require.Equal(t, proposeHash, hs.LockedHash())
}

func TestHeightStateCannotRelockToLowerRound(t *testing.T) {
	hs := consensus.NewHeightState(5, 3)
	proposeHash := ifcrypto.Sum([]byte("propose-a"))
	for i := uint16(0); i < 3; i++ {
		hs.AddPrevote(makePrevote(t, i, 2, proposeHash))
	}
	require.True(t, hs.TryLock(2, proposeHash))

	other := ifcrypto.Sum([]byte("propose-b"))
	for i := uint16(0); i < 3; i++ {
		hs.AddPrevote(makePrevote(t, i, 1, other))
	}
	// Round 1 < locked round 2: must not relock backward.
	require.False(t, hs.TryLock(1, other))
	require.Equal(t, uint32(2), hs.LockedRound())
}

func TestHeightStateUnlockAtHigherRound(t *testing.T) {
	hs := consensus.NewHeightState(5, 3)
	first := ifcrypto.Sum([]byte("propose-a"))
	for i := uint16(0); i < 3; i++ {
		hs.AddPrevote(makePrevote(t, i, 1, first))
	}
	require.True(t, hs.TryLock(1, first))

	second := ifcrypto.Sum([]byte("propose-b"))
	for i := uint16(0); i < 3; i++ {
		hs.AddPrevote(makePrevote(t, i, 3, second))
	}
	require.True(t, hs.TryLock(3, second))
	require.Equal(t, second, hs.LockedHash())
	require.Equal(t, uint32(3), hs.LockedRound())
}

func TestHeightStatePrecommitQuorum(t *testing.T) {
	hs := consensus.NewHeightState(5, 3)
	blockHash := ifcrypto.Sum([]byte("block"))
	proposeHash := ifcrypto.Sum([]byte("propose"))
	for i := uint16(0); i < 3; i++ {
		hs.AddPrecommit(makePrecommit(t, i, 1, proposeHash, blockHash))
	}
	require.True(t, hs.HasPrecommitQuorum(1, blockHash))
}
