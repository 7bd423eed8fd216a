package node

import (
	"encoding/hex"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/ironforge-chain/ironforge/crypto"
)

// PeerConfig names a validator peer this node dials at startup.
type PeerConfig struct {
	Address   string `yaml:"address"`
	PublicKey string `yaml:"public_key"` // hex-encoded Ed25519 public key
}

// Config is the on-disk YAML configuration for a single node, the same
// shape as params.NetworkConfig but for node-local rather than
// network-wide parameters: listen address, data directory, validator key
// material, and the peers to dial at startup.
type Config struct {
	NetworkID  uint16       `yaml:"network_id"`
	ListenAddr string       `yaml:"listen_addr"`
	DataDir    string       `yaml:"data_dir"`
	PrivateKey string       `yaml:"private_key"` // hex-encoded Ed25519 seed
	Peers      []PeerConfig `yaml:"peers"`

	RoundTimeout   time.Duration `yaml:"round_timeout"`
	ProposeTimeout time.Duration `yaml:"propose_timeout"`
	StatusTimeout  time.Duration `yaml:"status_timeout"`

	// PeerExchangeTimeout and ReconnectTimeout tune p2p.Service: how often
	// a node asks a random peer for its peer list (spec §4.7), and how
	// long to wait before redialing a statically configured peer after it
	// disconnects.
	PeerExchangeTimeout time.Duration `yaml:"peers_timeout"`
	ReconnectTimeout    time.Duration `yaml:"reconnect_timeout"`

	// GenesisValidators, together with the timeouts above, seed the
	// initial Configuration when the database has no active configuration
	// yet (height 0, no prior ScheduleConfiguration call).
	GenesisValidators []string `yaml:"genesis_validators"` // hex-encoded public keys, in index order
}

// LoadConfig reads and parses a YAML node configuration file.
func LoadConfig(path string) (*Config, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	cfg := &Config{
		RoundTimeout:        3 * time.Second,
		ProposeTimeout:      500 * time.Millisecond,
		StatusTimeout:       5 * time.Second,
		PeerExchangeTimeout: 5 * time.Second,
		ReconnectTimeout:    3 * time.Second,
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	if cfg.ListenAddr == "" {
		return nil, errors.New("config: listen_addr is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("config: data_dir is required")
	}
	return cfg, nil
}

// PrivateKeyPair decodes the node's validator private key from its
// hex-encoded seed.
func (c *Config) PrivateKeyPair() (crypto.PrivateKey, error) {
	seed, err := hex.DecodeString(c.PrivateKey)
	if err != nil {
		return crypto.PrivateKey{}, errors.Wrap(err, "decode private_key hex")
	}
	return crypto.PrivateKeyFromSeed(seed)
}

// GenesisValidatorKeys decodes GenesisValidators into public keys.
func (c *Config) GenesisValidatorKeys() ([]crypto.PublicKey, error) {
	keys := make([]crypto.PublicKey, 0, len(c.GenesisValidators))
	for _, h := range c.GenesisValidators {
		key, err := decodePublicKeyHex(h)
		if err != nil {
			return nil, errors.Wrapf(err, "decode genesis validator %q", h)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func decodePublicKeyHex(h string) (crypto.PublicKey, error) {
	var key crypto.PublicKey
	b, err := hex.DecodeString(h)
	if err != nil {
		return key, err
	}
	if len(b) != crypto.PublicKeySize {
		return key, errors.Errorf("expected %d bytes, got %d", crypto.PublicKeySize, len(b))
	}
	copy(key[:], b)
	return key, nil
}
