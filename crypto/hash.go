// Package crypto provides the hashing and signing primitives shared by the
// wire, storage, and consensus packages. A message decoded from the network
// and the same message read back from storage hash and verify identically,
// since both domains run through this package exclusively.
package crypto

import (
	"golang.org/x/crypto/sha3"
)

// HashSize is the length in bytes of a content hash.
const HashSize = 32

// Hash is a content hash produced by Sum.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash, used as the previous-block hash of genesis.
var ZeroHash = Hash{}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Bytes returns a copy of the hash bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// String renders the hash as lowercase hex.
func (h Hash) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, HashSize*2)
	for i, b := range h {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// HashFromBytes copies b into a Hash, returning an error if the length is
// not exactly HashSize.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, errInvalidHashLength(len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Sum returns the Keccak-256 hash of data. Every content hash in this
// module — transaction hashes, block hashes, Merkle roots — goes through
// this single function, so wire bytes and storage bytes always hash the
// same way.
func Sum(data []byte) Hash {
	var h Hash
	d := sha3.NewLegacyKeccak256()
	d.Write(data) //nolint:errcheck // hash.Hash.Write never returns an error
	d.Sum(h[:0])
	return h
}

// SumAll concatenates the given byte strings and hashes the result. Used
// for internal Merkle-node hashing (h(left || right)) so callers don't
// allocate an intermediate slice themselves.
func SumAll(parts ...[]byte) Hash {
	d := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		d.Write(p) //nolint:errcheck
	}
	var h Hash
	d.Sum(h[:0])
	return h
}

type errInvalidHashLength int

func (e errInvalidHashLength) Error() string {
	return "crypto: invalid hash length"
}
