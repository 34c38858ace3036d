package scp

import (
	"fmt"

	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// Phase identifies which federated-voting statement an Envelope carries
// (§4.3): Nominating proposes/accepts candidate values, Prepare and
// Confirm drive the ballot protocol, Externalize announces the
// agreed-on value for a slot.
type Phase uint8

const (
	PhaseNominate Phase = iota
	PhasePrepare
	PhaseConfirm
	PhaseExternalize
)

// Statement is the body of an Envelope. Not every field is meaningful
// in every phase: Nominate uses Votes/Accepted; Prepare, Confirm and
// Externalize share the ballot-centric fields, following the same
// Ballot/Prepared/PreparedPrime/NC/NH shape the underlying federated
// voting rounds share in the literature this driver implements.
type Statement struct {
	Phase Phase
	Slot  types.Height

	Votes    []Value
	Accepted []Value

	Ballot        Ballot
	Prepared      *Ballot
	PreparedPrime *Ballot
	NC            uint32
	NH            uint32
}

// SignedPayload returns the canonical bytes an Envelope's signature
// covers.
func (s *Statement) SignedPayload() []byte {
	e := wire.NewEncoder()
	e.PutUint8(uint8(s.Phase))
	e.PutUint64(uint64(s.Slot))
	e.PutVarint(uint64(len(s.Votes)))
	for _, v := range s.Votes {
		e.PutFixed(v[:])
	}
	e.PutVarint(uint64(len(s.Accepted)))
	for _, v := range s.Accepted {
		e.PutFixed(v[:])
	}
	e.PutUint32(s.Ballot.Counter)
	e.PutFixed(s.Ballot.Value[:])
	putOptionalBallot(e, s.Prepared)
	putOptionalBallot(e, s.PreparedPrime)
	e.PutUint32(s.NC)
	e.PutUint32(s.NH)
	return e.Bytes()
}

func putOptionalBallot(e *wire.Encoder, b *Ballot) {
	if b == nil {
		e.PutUint8(0)
		return
	}
	e.PutUint8(1)
	e.PutUint32(b.Counter)
	e.PutFixed(b.Value[:])
}

// Envelope is a signed Statement, the unit exchanged between nodes.
type Envelope struct {
	Statement Statement
	PublicKey types.PublicKey
	Signature [crypto.SigSize]byte
}

// Hash is the canonical, domain-separated digest of the envelope's
// statement and sender — the message a signature covers.
func (env *Envelope) Hash() wire.Hash {
	payload := env.Statement.SignedPayload()
	buf := make([]byte, 0, len(payload)+33)
	buf = append(buf, env.PublicKey[:]...)
	buf = append(buf, payload...)
	return wire.Sum(wire.DomainEnvelope, buf)
}

// Sign computes env.Signature over env.Hash() under sk, setting
// env.PublicKey to match.
func (env *Envelope) Sign(sk crypto.Scalar) error {
	pub := sk.Point().SerializeCompressed()
	copy(env.PublicKey[:], pub[:])
	sig, err := crypto.Sign(sk, env.Hash())
	if err != nil {
		return fmt.Errorf("scp: sign envelope: %w", err)
	}
	env.Signature = sig.Bytes()
	return nil
}

// VerifySignature checks that env.Signature is a valid signature by
// env.PublicKey over env.Hash().
func (env *Envelope) VerifySignature() bool {
	pub, err := crypto.PointFromCompressed(env.PublicKey[:])
	if err != nil {
		return false
	}
	sig, err := crypto.SignatureFromBytes(env.Signature[:])
	if err != nil {
		return false
	}
	return crypto.Verify(pub, env.Hash(), sig)
}

// MarshalCanonical encodes the full, signed envelope for gossip
// transport.
func (env *Envelope) MarshalCanonical() []byte {
	e := wire.NewEncoder()
	e.PutBytes(env.Statement.SignedPayload())
	e.PutFixed(env.PublicKey[:])
	e.PutFixed(env.Signature[:])
	return e.Bytes()
}

// UnmarshalCanonical decodes an envelope from MarshalCanonical's
// output. It does not verify the signature; callers must call
// VerifySignature before acting on the result.
func (env *Envelope) UnmarshalCanonical(data []byte) error {
	d := wire.NewDecoder(data)
	payload, err := d.GetBytes()
	if err != nil {
		return err
	}
	if err := decodeStatement(&env.Statement, payload); err != nil {
		return err
	}
	pub, err := d.GetFixed(33)
	if err != nil {
		return err
	}
	sig, err := d.GetFixed(crypto.SigSize)
	if err != nil {
		return err
	}
	copy(env.PublicKey[:], pub)
	copy(env.Signature[:], sig)
	return nil
}

// decodeStatement parses the bytes SignedPayload produces.
func decodeStatement(s *Statement, data []byte) error {
	d := wire.NewDecoder(data)
	phase, err := d.GetUint8()
	if err != nil {
		return err
	}
	slot, err := d.GetUint64()
	if err != nil {
		return err
	}
	votes, err := decodeValueList(d)
	if err != nil {
		return err
	}
	accepted, err := decodeValueList(d)
	if err != nil {
		return err
	}
	counter, err := d.GetUint32()
	if err != nil {
		return err
	}
	value, err := d.GetFixed(32)
	if err != nil {
		return err
	}
	prepared, err := decodeOptionalBallot(d)
	if err != nil {
		return err
	}
	preparedPrime, err := decodeOptionalBallot(d)
	if err != nil {
		return err
	}
	nc, err := d.GetUint32()
	if err != nil {
		return err
	}
	nh, err := d.GetUint32()
	if err != nil {
		return err
	}

	s.Phase = Phase(phase)
	s.Slot = types.Height(slot)
	s.Votes = votes
	s.Accepted = accepted
	s.Ballot.Counter = counter
	copy(s.Ballot.Value[:], value)
	s.Prepared = prepared
	s.PreparedPrime = preparedPrime
	s.NC = nc
	s.NH = nh
	return nil
}

func decodeValueList(d *wire.Decoder) ([]Value, error) {
	n, err := d.GetVarint()
	if err != nil {
		return nil, err
	}
	out := make([]Value, n)
	for i := range out {
		v, err := d.GetFixed(32)
		if err != nil {
			return nil, err
		}
		copy(out[i][:], v)
	}
	return out, nil
}

func decodeOptionalBallot(d *wire.Decoder) (*Ballot, error) {
	present, err := d.GetUint8()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	counter, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	value, err := d.GetFixed(32)
	if err != nil {
		return nil, err
	}
	b := &Ballot{Counter: counter}
	copy(b.Value[:], value)
	return b, nil
}
