package node_test

import (
	"crypto/rand"
	"encoding/hex"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironforge-chain/ironforge/node"
)

func randSeedHex(t *testing.T) string {
	t.Helper()
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	return hex.EncodeToString(seed)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigRequiresListenAddrAndDataDir(t *testing.T) {
	path := writeConfig(t, "network_id: 7\n")
	_, err := node.LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigParsesFields(t *testing.T) {
	seed := randSeedHex(t)
	body := "network_id: 7\n" +
		"listen_addr: 127.0.0.1:9000\n" +
		"data_dir: /tmp/ironforge-data\n" +
		"private_key: " + seed + "\n" +
		"peers:\n" +
		"  - address: 127.0.0.1:9001\n" +
		"    public_key: " + seed + "\n"
	path := writeConfig(t, body)

	cfg, err := node.LoadConfig(path)
	require.NoError(t, err)
	require.EqualValues(t, 7, cfg.NetworkID)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	require.Len(t, cfg.Peers, 1)
	require.Equal(t, "127.0.0.1:9001", cfg.Peers[0].Address)

	key, err := cfg.PrivateKeyPair()
	require.NoError(t, err)
	require.NotZero(t, key.Public())
}

func TestConfigDefaultsTimeouts(t *testing.T) {
	seed := randSeedHex(t)
	body := "network_id: 1\n" +
		"listen_addr: 127.0.0.1:9100\n" +
		"data_dir: /tmp/ironforge-data-2\n" +
		"private_key: " + seed + "\n"
	path := writeConfig(t, body)

	cfg, err := node.LoadConfig(path)
	require.NoError(t, err)
	require.NotZero(t, cfg.RoundTimeout)
	require.NotZero(t, cfg.ProposeTimeout)
}

func TestGenesisValidatorKeysRejectsBadHex(t *testing.T) {
	body := "network_id: 1\n" +
		"listen_addr: 127.0.0.1:9100\n" +
		"data_dir: /tmp/ironforge-data-3\n" +
		"private_key: " + randSeedHex(t) + "\n" +
		"genesis_validators:\n" +
		"  - not-hex\n"
	path := writeConfig(t, body)

	cfg, err := node.LoadConfig(path)
	require.NoError(t, err)
	_, err = cfg.GenesisValidatorKeys()
	require.Error(t, err)
}
