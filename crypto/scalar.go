// Package crypto implements the signature-noise scalar/point arithmetic,
// Schnorr multi-signature aggregation, and pre-image hash chains the
// consensus core signs envelopes and blocks with. It is built directly
// on github.com/decred/dcrd/dcrec/secp256k1/v4's low-level ModNScalar and
// JacobianPoint types rather than that module's higher-level "schnorr"
// subpackage, which implements single-signer BIP-340 over an x-only key
// and has no notion of the linear nonce/key aggregation §4.4 requires.
package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/scpchain/scpd/wire"
)

// Scalar is an element of the secp256k1 scalar field, used for private
// keys, signature-noise nonces, and partial signature shares.
type Scalar struct {
	v secp256k1.ModNScalar
}

// RandomScalar draws a uniformly random nonzero scalar, used both for
// fresh validator signing keys and for the seed of a pre-image chain.
func RandomScalar() (Scalar, error) {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return Scalar{}, fmt.Errorf("crypto: read random scalar: %w", err)
		}
		var s Scalar
		overflow := s.v.SetBytes(&buf)
		if overflow == 0 && !s.v.IsZero() {
			return s, nil
		}
	}
}

// ScalarFromHash reduces a 32-byte hash into a scalar mod the group
// order, used to turn a pre-image element into the additive term of a
// per-block nonce.
func ScalarFromHash(h wire.Hash) Scalar {
	var s Scalar
	b := [32]byte(h)
	s.v.SetBytes(&b)
	return s
}

// ScalarFromBytes decodes a canonical 32-byte big-endian scalar.
func ScalarFromBytes(b []byte) (Scalar, error) {
	if len(b) != 32 {
		return Scalar{}, fmt.Errorf("crypto: scalar must be 32 bytes, got %d", len(b))
	}
	var arr [32]byte
	copy(arr[:], b)
	var s Scalar
	s.v.SetBytes(&arr)
	return s, nil
}

func (s Scalar) Bytes() [32]byte {
	return s.v.Bytes()
}

func (s Scalar) IsZero() bool { return s.v.IsZero() }

func (s Scalar) Add(other Scalar) Scalar {
	var out Scalar
	out.v.Set(&s.v)
	out.v.Add(&other.v)
	return out
}

func (s Scalar) Mul(other Scalar) Scalar {
	var out Scalar
	out.v.Set(&s.v)
	out.v.Mul(&other.v)
	return out
}

// Point computes s*G, the public counterpart of a private scalar.
func (s Scalar) Point() Point {
	var j secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s.v, &j)
	j.ToAffine()
	return Point{v: j}
}
