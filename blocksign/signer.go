// Package blocksign implements the Block Signer/Verifier of §4.4:
// per-block Schnorr nonce derivation bound to a validator's revealed
// pre-image, collective signature aggregation, and bitfield-driven
// verification against the enrolled validator set.
package blocksign

import (
	"encoding/hex"
	"sort"

	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/scpderr"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// PreimageLookup resolves a validator's publicly revealed pre-image for
// a given height, distinguishing "never revealed anything" from
// "hasn't revealed for this height yet" so verification failures can
// report the precise taxonomy reason of §4.4.
type PreimageLookup interface {
	HasRevealedAny(pub types.PublicKey) bool
	RevealedAt(pub types.PublicKey, height types.Height) (wire.Hash, bool)
}

// EnrollmentLookup resolves a validator's published signature-noise
// point (NoisePoint = r0*G from its Enrollment record), needed to
// recompute its expected per-block nonce R_{v,h} independently of any
// value the signer itself submits.
type EnrollmentLookup interface {
	NoisePoint(pub types.PublicKey) (crypto.Point, bool)
}

// DeriveNonce computes a validator's per-block nonce scalar
// r_h = r0 + scalar(preimage_h), binding the nonce to the pre-image it
// is about to reveal for height h.
func DeriveNonce(r0 crypto.Scalar, preimageH wire.Hash) crypto.Scalar {
	return r0.Add(crypto.ScalarFromHash(preimageH))
}

// expectedR computes a signer's expected public nonce R_{v,h} from its
// published NoisePoint and revealed pre-image, without any private
// scalar: R_{v,h} = NoisePoint + scalar(preimage_h)*G.
func expectedR(noisePoint crypto.Point, preimageH wire.Hash) crypto.Point {
	return noisePoint.Add(crypto.ScalarFromHash(preimageH).Point())
}

// Contribution is one validator's partial signature share, keyed by
// public key for bitfield placement.
type Contribution struct {
	PublicKey types.PublicKey
	R         crypto.Point
	S         crypto.Scalar
}

// PartialSign computes a validator's partial share s_v of the
// collective block signature, given the already-agreed aggregate nonce
// R and aggregate public key P for the block (every participating
// signer must compute the identical challenge).
func PartialSign(r0, sk crypto.Scalar, preimageH wire.Hash, R, P crypto.Point, header *types.BlockHeader) crypto.Scalar {
	r := DeriveNonce(r0, preimageH)
	return crypto.PartialSign(r, sk, R, P, header.Hash())
}

// sortedIndex locates pub's position in the ascending-sorted validator
// set.
func sortedIndex(validatorSet []types.PublicKey, pub types.PublicKey) (int, bool) {
	i := sort.Search(len(validatorSet), func(i int) bool {
		return validatorSet[i].Compare(pub) >= 0
	})
	if i < len(validatorSet) && validatorSet[i] == pub {
		return i, true
	}
	return 0, false
}

// Aggregate combines every contribution into the block header's
// collective signature and validator bitfield. validatorSet must
// already be sorted ascending by public key (§4.4's V_h). Contributions
// whose public key isn't in validatorSet are rejected.
func Aggregate(validatorSet []types.PublicKey, contributions []Contribution, header *types.BlockHeader) error {
	bits := wire.NewBitField(len(validatorSet))
	var rPoints, pPoints []crypto.Point
	var shares []crypto.Scalar

	for _, c := range contributions {
		idx, ok := sortedIndex(validatorSet, c.PublicKey)
		if !ok {
			return scpderr.New(scpderr.KindConsensus, "blocksign.Aggregate",
				errNotEnrolled(hex.EncodeToString(c.PublicKey[:])))
		}
		bits.Set(idx, true)
		rPoints = append(rPoints, c.R)
		pub, err := crypto.PointFromCompressed(c.PublicKey[:])
		if err != nil {
			return scpderr.New(scpderr.KindCrypto, "blocksign.Aggregate", err)
		}
		pPoints = append(pPoints, pub)
		shares = append(shares, c.S)
	}

	R := crypto.AggregatePoints(rPoints)
	P := crypto.AggregatePoints(pPoints)
	s := crypto.AggregateSignatureShares(shares)

	header.ValidatorBits = bits
	header.SetSignature(crypto.Signature{R: R, S: s})
	// P is recomputed independently by Verify from the bitfield, so it
	// isn't stored on the header; the signing side only needs it to reach
	// the same Fiat-Shamir challenge as every contributing signer.
	_ = P
	return nil
}

// Verify checks a block header's collective signature per §4.4: every
// set bit must reference an enrolled validator with a pre-image
// revealed for this height, the sum of expected per-signer nonces must
// equal the header's R, and the aggregate Schnorr equation must hold
// over the participating signers' summed public key.
func Verify(header *types.BlockHeader, validatorSet []types.PublicKey, preimages PreimageLookup, enrollments EnrollmentLookup) error {
	if header.ValidatorBits == nil || header.ValidatorBits.Len() != len(validatorSet) {
		return scpderr.New(scpderr.KindConsensus, "blocksign.Verify", errRMismatch())
	}

	sig, err := header.Signature()
	if err != nil {
		return scpderr.New(scpderr.KindCrypto, "blocksign.Verify", err)
	}

	expected := crypto.IdentityPoint()
	aggregateP := crypto.IdentityPoint()

	for _, idx := range header.ValidatorBits.Indices() {
		pub := validatorSet[idx]
		hexPub := hex.EncodeToString(pub[:])

		noisePoint, ok := enrollments.NoisePoint(pub)
		if !ok {
			return scpderr.New(scpderr.KindConsensus, "blocksign.Verify", errNotEnrolled(hexPub))
		}
		if !preimages.HasRevealedAny(pub) {
			return scpderr.New(scpderr.KindConsensus, "blocksign.Verify", errNoPreimages(hexPub))
		}
		preimageH, ok := preimages.RevealedAt(pub, header.Height)
		if !ok {
			return scpderr.New(scpderr.KindConsensus, "blocksign.Verify", errNoPreimageForHeight(hexPub))
		}

		expected = expected.Add(expectedR(noisePoint, preimageH))

		pubPoint, perr := crypto.PointFromCompressed(pub[:])
		if perr != nil {
			return scpderr.New(scpderr.KindCrypto, "blocksign.Verify", perr)
		}
		aggregateP = aggregateP.Add(pubPoint)
	}

	if expected.SerializeCompressed() != sig.R.SerializeCompressed() {
		return scpderr.New(scpderr.KindConsensus, "blocksign.Verify", errRMismatch())
	}

	if !crypto.VerifyAggregate(sig.R, aggregateP, header.Hash(), sig.S) {
		return scpderr.New(scpderr.KindConsensus, "blocksign.Verify", errInvalidSignature())
	}
	return nil
}
