package wire

import "github.com/ironforge-chain/ironforge/crypto"

// Configuration is the validator set and consensus parameters active from
// a given height onward. Configurations are appended, never rewritten, and
// are addressed by the hash of their own encoding.
type Configuration struct {
	raw              []byte
	ValidatorKeys    []crypto.PublicKey
	RoundTimeoutMs   uint32
	ProposeTimeoutMs uint32
	StatusTimeoutMs  uint32
	PeersTimeoutMs   uint32
	ServiceConfig    []byte
	PrevConfigHash   crypto.Hash
	ActivationHeight uint64
}

func (cfg *Configuration) Raw() []byte       { return cfg.raw }
func (cfg *Configuration) Hash() crypto.Hash { return crypto.Sum(cfg.raw) }

// N is the configured validator count.
func (cfg *Configuration) N() int { return len(cfg.ValidatorKeys) }

// F is the maximum number of faulty validators tolerated: ⌊(n-1)/3⌋.
func (cfg *Configuration) F() int { return (cfg.N() - 1) / 3 }

// Quorum is the minimum concurring validators required to advance the
// protocol: 2f+1.
func (cfg *Configuration) Quorum() int { return 2*cfg.F() + 1 }

func EncodeConfiguration(networkID uint16, key crypto.PrivateKey, validatorKeys []crypto.PublicKey, roundTimeoutMs, proposeTimeoutMs, statusTimeoutMs, peersTimeoutMs uint32, serviceConfig []byte, prevConfigHash crypto.Hash, activationHeight uint64) ([]byte, error) {
	fixedLen := HeaderSize + segmentRefSize + 4*4 + segmentRefSize + crypto.HashSize + 8
	keysBytes := make([]byte, len(validatorKeys)*crypto.PublicKeySize)
	for i, k := range validatorKeys {
		copy(keysBytes[i*crypto.PublicKeySize:], k[:])
	}
	total := fixedLen + len(keysBytes) + len(serviceConfig) + SignatureSize
	buf := make([]byte, total)
	PutHeader(buf, Header{NetworkID: networkID, ProtocolVersion: CurrentProtocolVersion, Class: ClassService, Type: 1, PayloadLength: uint32(total)})

	c := &cursor{buf: buf, at: HeaderSize}
	keysRefAt := c.reserveSegment()
	c.putUint32(roundTimeoutMs)
	c.putUint32(proposeTimeoutMs)
	c.putUint32(statusTimeoutMs)
	c.putUint32(peersTimeoutMs)
	cfgRefAt := c.reserveSegment()
	c.putHash(prevConfigHash)
	c.putUint64(activationHeight)

	tailEnd := appendSegment(buf, keysRefAt, fixedLen, keysBytes, len(validatorKeys))
	appendSegment(buf, cfgRefAt, tailEnd, serviceConfig, len(serviceConfig))

	if err := Sign(buf, key); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodeConfiguration(networkID uint16, buf []byte) (*Configuration, error) {
	if err := checkedHeader(buf, networkID, ClassService, 1, 0); err != nil {
		return nil, err
	}
	fixedLen := HeaderSize + segmentRefSize + 4*4 + segmentRefSize + crypto.HashSize + 8
	c := &cursor{buf: buf, at: HeaderSize}
	keysRefAt := c.skipSegmentRef()
	roundTimeoutMs := c.getUint32()
	proposeTimeoutMs := c.getUint32()
	statusTimeoutMs := c.getUint32()
	peersTimeoutMs := c.getUint32()
	cfgRefAt := c.skipSegmentRef()
	prevConfigHash := c.getHash()
	activationHeight := c.getUint64()

	specs := []segmentSpec{
		{refAt: keysRefAt, elemSize: crypto.PublicKeySize, kind: kindBytes},
		{refAt: cfgRefAt, elemSize: 1, kind: kindBytes},
	}
	if err := verifySegments(buf, fixedLen, specs); err != nil {
		return nil, err
	}

	keysBytes := segmentBytes(buf, keysRefAt, crypto.PublicKeySize)
	keys := make([]crypto.PublicKey, len(keysBytes)/crypto.PublicKeySize)
	for i := range keys {
		copy(keys[i][:], keysBytes[i*crypto.PublicKeySize:])
	}

	return &Configuration{
		raw:              buf,
		ValidatorKeys:    keys,
		RoundTimeoutMs:   roundTimeoutMs,
		ProposeTimeoutMs: proposeTimeoutMs,
		StatusTimeoutMs:  statusTimeoutMs,
		PeersTimeoutMs:   peersTimeoutMs,
		ServiceConfig:    segmentBytes(buf, cfgRefAt, 1),
		PrevConfigHash:   prevConfigHash,
		ActivationHeight: activationHeight,
	}, nil
}

// TypeConfigVote is the configuration-vote message of spec §4.5's
// configuration transitions: a validator's vote, cast the same way as a
// Prevote or Precommit, that the named pending Configuration (identified
// by its content hash) should be scheduled.
const TypeConfigVote uint16 = 3 // ClassService

// ConfigVote is one validator's vote for a pending Configuration. Like
// Prevote and Precommit, verification is deferred: the caller resolves
// ValidatorIndex to a public key against the configuration active at
// Height before calling VerifySignedBy.
type ConfigVote struct {
	raw            []byte
	ValidatorIndex uint16
	Height         uint64
	ConfigHash     crypto.Hash
}

func (v *ConfigVote) Raw() []byte                { return v.raw }
func (v *ConfigVote) Hash() crypto.Hash          { return crypto.Sum(v.raw) }
func (v *ConfigVote) VerifySignedBy(pub crypto.PublicKey) bool {
	return VerifySignature(v.raw, pub)
}

func EncodeConfigVote(networkID uint16, key crypto.PrivateKey, validatorIndex uint16, height uint64, configHash crypto.Hash) ([]byte, error) {
	fixedLen := HeaderSize + 2 + 8 + crypto.HashSize
	total := fixedLen + SignatureSize
	buf := make([]byte, total)
	PutHeader(buf, Header{NetworkID: networkID, ProtocolVersion: CurrentProtocolVersion, Class: ClassService, Type: TypeConfigVote, PayloadLength: uint32(total)})

	c := &cursor{buf: buf, at: HeaderSize}
	c.putUint16(validatorIndex)
	c.putUint64(height)
	c.putHash(configHash)

	if err := Sign(buf, key); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodeConfigVote(networkID uint16, buf []byte) (*ConfigVote, error) {
	if err := checkedHeader(buf, networkID, ClassService, TypeConfigVote, 0); err != nil {
		return nil, err
	}
	fixedLen := HeaderSize + 2 + 8 + crypto.HashSize
	if len(buf) != fixedLen+SignatureSize {
		return nil, ErrUnexpectedlyShortPayload
	}
	c := &cursor{buf: buf, at: HeaderSize}
	validatorIndex := c.getUint16()
	height := c.getUint64()
	configHash := c.getHash()

	return &ConfigVote{raw: buf, ValidatorIndex: validatorIndex, Height: height, ConfigHash: configHash}, nil
}
