package crypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Point is a secp256k1 group element, used for public keys and public
// nonces. Stored affine; arithmetic promotes to Jacobian internally to
// match decred's non-constant-time (but here non-secret-dependent)
// curve operations.
type Point struct {
	v secp256k1.JacobianPoint
}

// IdentityPoint is the point at infinity, the zero element of Add.
func IdentityPoint() Point {
	var p Point
	p.v.X.SetInt(0)
	p.v.Y.SetInt(0)
	p.v.Z.SetInt(0)
	return p
}

func (p Point) IsIdentity() bool {
	return p.v.Z.IsZero()
}

// Add returns p + other.
func (p Point) Add(other Point) Point {
	a := p.v
	b := other.v
	a.ToAffine()
	b.ToAffine()
	var sum secp256k1.JacobianPoint
	secp256k1.AddNonConst(&a, &b, &sum)
	sum.ToAffine()
	return Point{v: sum}
}

// Mul returns s*p.
func (p Point) Mul(s Scalar) Point {
	a := p.v
	a.ToAffine()
	var out secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&s.v, &a, &out)
	out.ToAffine()
	return Point{v: out}
}

// SerializeCompressed encodes the point as a 33-byte compressed public key.
func (p Point) SerializeCompressed() [33]byte {
	a := p.v
	a.ToAffine()
	pub := secp256k1.NewPublicKey(&a.X, &a.Y)
	var out [33]byte
	copy(out[:], pub.SerializeCompressed())
	return out
}

// PointFromCompressed decodes a 33-byte compressed public key.
func PointFromCompressed(b []byte) (Point, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return Point{}, fmt.Errorf("crypto: parse public key: %w", err)
	}
	var j secp256k1.JacobianPoint
	pub.AsJacobian(&j)
	j.ToAffine()
	return Point{v: j}, nil
}

// XBytes returns the point's affine X coordinate, used as the R.x input
// to the Schnorr challenge hash.
func (p Point) XBytes() [32]byte {
	a := p.v
	a.ToAffine()
	return a.X.Bytes()
}
