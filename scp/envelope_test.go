package scp

import (
	"testing"

	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/wire"
)

func newTestKey(t *testing.T) crypto.Scalar {
	t.Helper()
	sk, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	return sk
}

func TestEnvelopeSignAndVerify(t *testing.T) {
	sk := newTestKey(t)
	env := &Envelope{Statement: Statement{
		Phase:  PhasePrepare,
		Slot:   7,
		Ballot: Ballot{Counter: 1, Value: wire.Sum(wire.DomainEnvelope, []byte("candidate"))},
	}}
	if err := env.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !env.VerifySignature() {
		t.Fatalf("expected a freshly signed envelope to verify")
	}
}

func TestEnvelopeVerifyRejectsTamperedStatement(t *testing.T) {
	sk := newTestKey(t)
	env := &Envelope{Statement: Statement{
		Phase:  PhaseNominate,
		Slot:   3,
		Votes:  []Value{wire.Sum(wire.DomainEnvelope, []byte("a"))},
	}}
	if err := env.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	env.Statement.Votes = append(env.Statement.Votes, wire.Sum(wire.DomainEnvelope, []byte("b")))
	if env.VerifySignature() {
		t.Fatalf("expected verification to fail after the statement was tampered with")
	}
}

func TestEnvelopeMarshalRoundTrip(t *testing.T) {
	sk := newTestKey(t)
	prepared := Ballot{Counter: 3, Value: wire.Sum(wire.DomainEnvelope, []byte("prepared"))}
	env := &Envelope{Statement: Statement{
		Phase:    PhasePrepare,
		Slot:     42,
		Votes:    []Value{wire.Sum(wire.DomainEnvelope, []byte("a")), wire.Sum(wire.DomainEnvelope, []byte("b"))},
		Accepted: []Value{wire.Sum(wire.DomainEnvelope, []byte("a"))},
		Ballot:   Ballot{Counter: 4, Value: wire.Sum(wire.DomainEnvelope, []byte("current"))},
		Prepared: &prepared,
		NC:       2,
		NH:       4,
	}}
	if err := env.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	data := env.MarshalCanonical()
	var decoded Envelope
	if err := decoded.UnmarshalCanonical(data); err != nil {
		t.Fatalf("UnmarshalCanonical: %v", err)
	}
	if !decoded.VerifySignature() {
		t.Fatalf("expected a round-tripped envelope to still verify")
	}
	if decoded.Statement.Slot != env.Statement.Slot || decoded.Statement.Phase != env.Statement.Phase {
		t.Fatalf("decoded statement header mismatch: %+v vs %+v", decoded.Statement, env.Statement)
	}
	if len(decoded.Statement.Votes) != 2 || len(decoded.Statement.Accepted) != 1 {
		t.Fatalf("decoded vote/accepted lengths mismatch: %+v", decoded.Statement)
	}
	if decoded.Statement.Prepared == nil || *decoded.Statement.Prepared != prepared {
		t.Fatalf("decoded Prepared = %v, want %v", decoded.Statement.Prepared, prepared)
	}
	if decoded.Statement.PreparedPrime != nil {
		t.Fatalf("expected PreparedPrime to remain nil through the round trip")
	}
}

func TestEnvelopeVerifyRejectsWrongKey(t *testing.T) {
	sk := newTestKey(t)
	other := newTestKey(t)
	env := &Envelope{Statement: Statement{Phase: PhaseConfirm, Slot: 1}}
	if err := env.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	compressed := other.Point().SerializeCompressed()
	copy(env.PublicKey[:], compressed[:])
	if env.VerifySignature() {
		t.Fatalf("expected verification to fail against a substituted public key")
	}
}
