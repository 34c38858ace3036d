package types

import (
	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/wire"
)

// Enrollment commits a validator to a signing cycle, per §3. UtxoKey
// identifies the frozen UTXO backing the enrollment; RandomSeed is the
// terminal element of the validator's pre-image chain; EnrollSig is a
// Schnorr signature over the other fields by the UTXO owner's key.
type Enrollment struct {
	UtxoKey     wire.Hash
	RandomSeed  wire.Hash
	CycleLength uint64
	// NoisePoint is r0*G, the validator's public signature-noise point.
	// Published so peers can recompute a signer's expected per-block
	// nonce R_{v,h} = NoisePoint + scalar(preimage_h)*G during block
	// signature verification (§4.4) without the private scalar ever
	// leaving the enrolling node.
	NoisePoint PublicKey
	EnrollSig  [crypto.SigSize]byte

	// EnrolledHeight is nil until set_enrolled_height is called; it is
	// write-once (§4.1 invariant (b)). Not part of the signed payload.
	EnrolledHeight *Height

	// ExpiredAt is nil unless the Ledger Facade administratively expired
	// the enrollment early for missing MissedBlocksPenalty consecutive
	// contributions (supplemented from the original implementation; not
	// part of the signed payload).
	ExpiredAt *Height
}

// SignedPayload returns the canonical bytes the enrollment signature
// covers: every field except EnrollSig, EnrolledHeight and ExpiredAt.
func (e *Enrollment) SignedPayload() []byte {
	enc := wire.NewEncoder()
	enc.PutFixed(e.UtxoKey[:])
	enc.PutFixed(e.RandomSeed[:])
	enc.PutUint64(e.CycleLength)
	enc.PutFixed(e.NoisePoint[:])
	return enc.Bytes()
}

// Hash returns the enrollment's canonical, domain-separated hash: the
// challenge input to EnrollSig verification and the identifier used by
// HasEnrollment/GetEnrollment.
func (e *Enrollment) Hash() wire.Hash {
	return wire.Sum(wire.DomainEnrollment, e.SignedPayload())
}

// Signature decodes EnrollSig into a crypto.Signature.
func (e *Enrollment) Signature() (crypto.Signature, error) {
	return crypto.SignatureFromBytes(e.EnrollSig[:])
}

// SetSignature encodes sig into EnrollSig.
func (e *Enrollment) SetSignature(sig crypto.Signature) {
	e.EnrollSig = sig.Bytes()
}

// MarshalCanonical encodes the full persisted record, including the
// signature and (if set) the enrolled height, with a presence byte so
// unregistered records round-trip.
func (e *Enrollment) MarshalCanonical() []byte {
	enc := wire.NewEncoder()
	enc.PutFixed(e.UtxoKey[:])
	enc.PutFixed(e.RandomSeed[:])
	enc.PutUint64(e.CycleLength)
	enc.PutFixed(e.NoisePoint[:])
	enc.PutFixed(e.EnrollSig[:])
	if e.EnrolledHeight != nil {
		enc.PutUint8(1)
		enc.PutUint64(uint64(*e.EnrolledHeight))
	} else {
		enc.PutUint8(0)
	}
	if e.ExpiredAt != nil {
		enc.PutUint8(1)
		enc.PutUint64(uint64(*e.ExpiredAt))
	} else {
		enc.PutUint8(0)
	}
	return enc.Bytes()
}

func (e *Enrollment) UnmarshalCanonical(data []byte) error {
	d := wire.NewDecoder(data)
	utxoKey, err := d.GetFixed(32)
	if err != nil {
		return err
	}
	seed, err := d.GetFixed(32)
	if err != nil {
		return err
	}
	cycle, err := d.GetUint64()
	if err != nil {
		return err
	}
	noise, err := d.GetFixed(33)
	if err != nil {
		return err
	}
	sig, err := d.GetFixed(crypto.SigSize)
	if err != nil {
		return err
	}
	present, err := d.GetUint8()
	if err != nil {
		return err
	}
	copy(e.UtxoKey[:], utxoKey)
	copy(e.RandomSeed[:], seed)
	e.CycleLength = cycle
	copy(e.NoisePoint[:], noise)
	copy(e.EnrollSig[:], sig)
	e.EnrolledHeight = nil
	if present == 1 {
		h, err := d.GetUint64()
		if err != nil {
			return err
		}
		height := Height(h)
		e.EnrolledHeight = &height
	}
	expiredPresent, err := d.GetUint8()
	if err != nil {
		return err
	}
	e.ExpiredAt = nil
	if expiredPresent == 1 {
		h, err := d.GetUint64()
		if err != nil {
			return err
		}
		height := Height(h)
		e.ExpiredAt = &height
	}
	return nil
}

// IsActive reports whether the enrollment is active at the given
// height: active from the block after inclusion for CycleLength
// blocks (§3 lifecycle summary).
func (e *Enrollment) IsActive(height Height) bool {
	if e.EnrolledHeight == nil {
		return false
	}
	start := *e.EnrolledHeight + 1
	end := start + Height(e.CycleLength)
	if e.ExpiredAt != nil && *e.ExpiredAt < end {
		end = *e.ExpiredAt
	}
	return height >= start && height < end
}
