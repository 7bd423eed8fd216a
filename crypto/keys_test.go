package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	msg := []byte("propose height=10 round=1")
	sig, err := key.Sign(msg)
	require.NoError(t, err)

	require.True(t, Verify(key.Public(), msg, sig))
	require.False(t, Verify(key.Public(), append(msg, 0x01), sig))
}

func TestPrivateKeyFromSeedDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x07}, 32)
	k1, err := PrivateKeyFromSeed(seed)
	require.NoError(t, err)
	k2, err := PrivateKeyFromSeed(seed)
	require.NoError(t, err)
	require.Equal(t, k1.Public(), k2.Public())
}

func TestHashSumDeterministic(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, Sum([]byte("world")))
}
