package requests_test

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ironforge-chain/ironforge/consensus/requests"
	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/wire"
)

const testNetworkID = 7

func genKey(t *testing.T) crypto.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	return k
}

func TestRequestIssuedAtMostOncePerTarget(t *testing.T) {
	self := genKey(t)
	peer := genKey(t).Public()
	now := time.Unix(1000, 0)
	tr := requests.NewTracker(self, func() time.Time { return now })

	dataHash := crypto.Sum([]byte("data"))
	sent := 0
	send := func(to crypto.PublicKey, raw []byte) error { sent++; return nil }

	require.NoError(t, tr.Request(testNetworkID, wire.RequestPropose, 5, 1, dataHash, nil, []crypto.PublicKey{peer}, send))
	require.NoError(t, tr.Request(testNetworkID, wire.RequestPropose, 5, 1, dataHash, nil, []crypto.PublicKey{peer}, send))
	require.Equal(t, 1, sent)
}

func TestTickRotatesToNextCandidateAfterTimeout(t *testing.T) {
	self := genKey(t)
	peerA := genKey(t).Public()
	peerB := genKey(t).Public()
	now := time.Unix(1000, 0)
	tr := requests.NewTracker(self, func() time.Time { return now })

	dataHash := crypto.Sum([]byte("data"))
	var sentTo []crypto.PublicKey
	send := func(to crypto.PublicKey, raw []byte) error { sentTo = append(sentTo, to); return nil }

	require.NoError(t, tr.Request(testNetworkID, wire.RequestBlock, 5, 0, dataHash, nil, []crypto.PublicKey{peerA, peerB}, send))
	require.Equal(t, []crypto.PublicKey{peerA}, sentTo)

	now = now.Add(requests.RetryBlock + time.Millisecond)
	tr.Tick(testNetworkID, send)
	require.Equal(t, []crypto.PublicKey{peerA, peerB}, sentTo)
}

func TestResolveStopsFurtherRetries(t *testing.T) {
	self := genKey(t)
	peerA := genKey(t).Public()
	peerB := genKey(t).Public()
	now := time.Unix(1000, 0)
	tr := requests.NewTracker(self, func() time.Time { return now })

	dataHash := crypto.Sum([]byte("data"))
	var sentTo []crypto.PublicKey
	send := func(to crypto.PublicKey, raw []byte) error { sentTo = append(sentTo, to); return nil }

	require.NoError(t, tr.Request(testNetworkID, wire.RequestTransactions, 5, 0, dataHash, nil, []crypto.PublicKey{peerA, peerB}, send))
	tr.Resolve(wire.RequestTransactions, 5, 0, dataHash)

	now = now.Add(requests.RetryTransactions + time.Millisecond)
	tr.Tick(testNetworkID, send)
	require.Equal(t, []crypto.PublicKey{peerA}, sentTo)
}
