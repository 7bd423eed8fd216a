package wire

import (
	"github.com/ironforge-chain/ironforge/crypto"
)

// SignatureOffset returns the byte offset of the trailing signature within
// a buffer of the given total length.
func SignatureOffset(totalLen int) int {
	return totalLen - SignatureSize
}

// Sign computes the Ed25519 signature over buf[:len(buf)-SignatureSize] and
// writes it into the last SignatureSize bytes of buf. buf must already be
// allocated to its final length with the signature region zeroed.
func Sign(buf []byte, key crypto.PrivateKey) error {
	off := SignatureOffset(len(buf))
	sig, err := key.Sign(buf[:off])
	if err != nil {
		return err
	}
	copy(buf[off:], sig.Bytes())
	return nil
}

// VerifySignature checks the trailing signature of buf against pub. It does
// not validate field layout; call verifySegments first.
func VerifySignature(buf []byte, pub crypto.PublicKey) bool {
	off := SignatureOffset(len(buf))
	if off < 0 {
		return false
	}
	var sig crypto.Signature
	copy(sig[:], buf[off:])
	return crypto.Verify(pub, buf[:off], sig)
}

// ExtractSignature extracts the trailing signature from an already-verified
// buffer.
func ExtractSignature(buf []byte) crypto.Signature {
	var sig crypto.Signature
	copy(sig[:], buf[SignatureOffset(len(buf)):])
	return sig
}
