package node_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironforge-chain/ironforge/node"
)

func freePortAddr(t *testing.T) string {
	t.Helper()
	return "127.0.0.1:0"
}

func TestNewBootstrapsGenesisConfiguration(t *testing.T) {
	dir := t.TempDir()
	selfSeed := randSeedHex(t)

	body := "network_id: 7\n" +
		"listen_addr: " + freePortAddr(t) + "\n" +
		"data_dir: " + dir + "\n" +
		"private_key: " + selfSeed + "\n" +
		"genesis_validators:\n" +
		"  - " + pubKeyHexFromSeed(t, selfSeed) + "\n"

	path := writeConfig(t, body)
	cfg, err := node.LoadConfig(path)
	require.NoError(t, err)

	n, err := node.New(cfg)
	require.NoError(t, err)
	require.NotNil(t, n)
}

func TestNewFailsWithoutGenesisOrExistingChain(t *testing.T) {
	dir := t.TempDir()
	body := "network_id: 7\n" +
		"listen_addr: " + freePortAddr(t) + "\n" +
		"data_dir: " + dir + "\n" +
		"private_key: " + randSeedHex(t) + "\n"
	path := writeConfig(t, body)
	cfg, err := node.LoadConfig(path)
	require.NoError(t, err)

	_, err = node.New(cfg)
	require.Error(t, err)
}

func pubKeyHexFromSeed(t *testing.T, seedHex string) string {
	t.Helper()
	seed, err := hex.DecodeString(seedHex)
	require.NoError(t, err)
	_ = seed
	// The genesis validator set only needs to be well-formed hex of the
	// right length; it need not correspond to a real keypair for this
	// bootstrap-path test, so reuse the seed bytes directly.
	return seedHex
}
