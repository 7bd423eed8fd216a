package crypto

import (
	stded25519 "crypto/ed25519"
	"io"

	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
)

// PublicKeySize and SignatureSize are the fixed wire widths of an Ed25519
// public key and signature. Every signed message in this module carries a
// signature of exactly SignatureSize bytes in its last field.
const (
	PublicKeySize = 32
	SignatureSize = 64
)

// PublicKey is a validator's or peer's Ed25519 public key in its raw,
// fixed-width wire form.
type PublicKey [PublicKeySize]byte

// Signature is a raw Ed25519 signature.
type Signature [SignatureSize]byte

// Bytes returns a copy of the public key bytes.
func (k PublicKey) Bytes() []byte {
	b := make([]byte, PublicKeySize)
	copy(b, k[:])
	return b
}

func (k PublicKey) String() string { return Hash(k).String()[:16] }

// Bytes returns a copy of the signature bytes.
func (s Signature) Bytes() []byte {
	b := make([]byte, SignatureSize)
	copy(b, s[:])
	return b
}

// PrivateKey signs messages on behalf of a validator or peer. It wraps
// libp2p-core's Ed25519 key implementation, the same one used for peer
// identity elsewhere in the p2p stack, so a single keypair can double as
// both a libp2p peer identity and a consensus signing key.
type PrivateKey struct {
	priv libp2pcrypto.PrivKey
	pub  PublicKey
}

// GenerateKeyPair generates a fresh Ed25519 keypair from r (use
// crypto/rand.Reader in production, a seeded PRNG in tests).
func GenerateKeyPair(r io.Reader) (PrivateKey, error) {
	priv, pub, err := libp2pcrypto.GenerateEd25519Key(r)
	if err != nil {
		return PrivateKey{}, errors.Wrap(err, "generate ed25519 key")
	}
	rawPub, err := pub.Raw()
	if err != nil {
		return PrivateKey{}, errors.Wrap(err, "extract raw public key")
	}
	var pk PublicKey
	copy(pk[:], rawPub)
	return PrivateKey{priv: priv, pub: pk}, nil
}

// PrivateKeyFromSeed deterministically derives a keypair from a 32-byte
// seed. Used to load a validator's configured signing key from disk.
func PrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != stded25519.SeedSize {
		return PrivateKey{}, errors.New("crypto: ed25519 seed must be 32 bytes")
	}
	stdKey := stded25519.NewKeyFromSeed(seed)
	priv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(stdKey)
	if err != nil {
		return PrivateKey{}, errors.Wrap(err, "unmarshal ed25519 private key")
	}
	rawPub, err := priv.GetPublic().Raw()
	if err != nil {
		return PrivateKey{}, errors.Wrap(err, "extract raw public key")
	}
	var pk PublicKey
	copy(pk[:], rawPub)
	return PrivateKey{priv: priv, pub: pk}, nil
}

// Public returns the public key corresponding to p.
func (p PrivateKey) Public() PublicKey { return p.pub }

// PeerID derives the libp2p peer identity for this key, used to address
// the validator on the gossip layer.
func (p PrivateKey) PeerID() (peer.ID, error) {
	return peer.IDFromPublicKey(p.priv.GetPublic())
}

// Sign produces a raw Ed25519 signature over data.
func (p PrivateKey) Sign(data []byte) (Signature, error) {
	raw, err := p.priv.Sign(data)
	if err != nil {
		return Signature{}, errors.Wrap(err, "sign message")
	}
	var sig Signature
	copy(sig[:], raw)
	return sig, nil
}

// Verify checks that sig is a valid Ed25519 signature over data under pub.
func Verify(pub PublicKey, data []byte, sig Signature) bool {
	key, err := libp2pcrypto.UnmarshalEd25519PublicKey(pub.Bytes())
	if err != nil {
		return false
	}
	ok, err := key.Verify(data, sig.Bytes())
	if err != nil {
		return false
	}
	return ok
}

// PeerIDFromPublicKey derives the libp2p peer identity for a raw Ed25519
// public key, used when addressing peers by their announced key alone.
func PeerIDFromPublicKey(pub PublicKey) (peer.ID, error) {
	key, err := libp2pcrypto.UnmarshalEd25519PublicKey(pub.Bytes())
	if err != nil {
		return "", errors.Wrap(err, "unmarshal ed25519 public key")
	}
	return peer.IDFromPublicKey(key)
}
