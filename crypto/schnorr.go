package crypto

import (
	"fmt"

	"github.com/scpchain/scpd/wire"
)

// Signature is a Schnorr signature (R, s): a public nonce point and a
// scalar. Both single-signer signatures (enrollment, envelope signing)
// and the collective block signature of §4.4 share this shape — the
// latter simply sums several signers' R and s values before the
// equation is checked.
type Signature struct {
	R Point
	S Scalar
}

// SigSize is the canonical encoded size of a Signature: a 33-byte
// compressed R point followed by a 32-byte scalar.
const SigSize = 33 + 32

// Bytes encodes the signature as its canonical 65 bytes.
func (sig Signature) Bytes() [SigSize]byte {
	var out [SigSize]byte
	r := sig.R.SerializeCompressed()
	s := sig.S.Bytes()
	copy(out[:33], r[:])
	copy(out[33:], s[:])
	return out
}

// SignatureFromBytes decodes a canonical 65-byte signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	if len(b) != SigSize {
		return Signature{}, fmt.Errorf("crypto: signature must be %d bytes, got %d", SigSize, len(b))
	}
	r, err := PointFromCompressed(b[:33])
	if err != nil {
		return Signature{}, fmt.Errorf("crypto: decode signature R: %w", err)
	}
	s, err := ScalarFromBytes(b[33:])
	if err != nil {
		return Signature{}, fmt.Errorf("crypto: decode signature s: %w", err)
	}
	return Signature{R: r, S: s}, nil
}

// Challenge computes e = H(R, P, msg) reduced into the scalar field,
// the Fiat-Shamir challenge shared by single-signer and aggregated
// verification.
func Challenge(R, P Point, msg wire.Hash) Scalar {
	rBytes := R.SerializeCompressed()
	pBytes := P.SerializeCompressed()
	buf := make([]byte, 0, 33+33+32)
	buf = append(buf, rBytes[:]...)
	buf = append(buf, pBytes[:]...)
	buf = append(buf, msg[:]...)
	h := wire.Sum(wire.DomainEnvelope, buf)
	return ScalarFromHash(h)
}

// Sign produces a single-signer Schnorr signature over msg under sk,
// used for enrollment signatures (§4.1) and SCP envelope signatures
// (§4.3). A fresh nonce is drawn per call.
func Sign(sk Scalar, msg wire.Hash) (Signature, error) {
	r, err := RandomScalar()
	if err != nil {
		return Signature{}, err
	}
	R := r.Point()
	P := sk.Point()
	e := Challenge(R, P, msg)
	s := r.Add(e.Mul(sk))
	return Signature{R: R, S: s}, nil
}

// Verify checks a single-signer (or already-aggregated) Schnorr
// signature: s*G == R + e*P.
func Verify(pub Point, msg wire.Hash, sig Signature) bool {
	e := Challenge(sig.R, pub, msg)
	lhs := sig.S.Point()
	rhs := sig.R.Add(pub.Mul(e))
	return lhs.SerializeCompressed() == rhs.SerializeCompressed()
}

// PartialSign computes one signer's share of a collective block
// signature (§4.4): s_v = r_v + H(R, P, msg) * sk_v, where R is the
// block's aggregate public nonce (sum of every participating signer's
// R_{v,h}) and P is the block's aggregate public key (sum of every
// participating signer's public key). The caller supplies both sums so
// that every signer computes the identical challenge.
func PartialSign(r, sk Scalar, R, P Point, msg wire.Hash) Scalar {
	e := Challenge(R, P, msg)
	return r.Add(e.Mul(sk))
}

// AggregateSignatureShares sums partial signature scalars into the
// collective signature value Σ s_v.
func AggregateSignatureShares(shares []Scalar) Scalar {
	var sum Scalar
	for _, s := range shares {
		sum = sum.Add(s)
	}
	return sum
}

// AggregatePoints sums a set of points, used both for the aggregate
// public key P = Σ pubkeys(V_h) and the aggregate public nonce
// R = Σ R_{v,h}.
func AggregatePoints(points []Point) Point {
	sum := IdentityPoint()
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum
}

// VerifyAggregate checks the collective block signature equation against
// the aggregate nonce R, the aggregate public key of the *participating*
// signers P, and the block message hash.
func VerifyAggregate(R, P Point, msg wire.Hash, s Scalar) bool {
	return Verify(P, msg, Signature{R: R, S: s})
}
