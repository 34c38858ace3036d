package blocksign

import (
	"sort"
	"testing"

	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

type testValidator struct {
	sk         crypto.Scalar
	pub        types.PublicKey
	r0         crypto.Scalar
	noisePoint crypto.Point
	preimage   wire.Hash
}

type fakeRegistry struct {
	validators map[types.PublicKey]*testValidator
	height     types.Height
}

func (r *fakeRegistry) NoisePoint(pub types.PublicKey) (crypto.Point, bool) {
	v, ok := r.validators[pub]
	if !ok {
		return crypto.Point{}, false
	}
	return v.noisePoint, true
}

func (r *fakeRegistry) HasRevealedAny(pub types.PublicKey) bool {
	_, ok := r.validators[pub]
	return ok
}

func (r *fakeRegistry) RevealedAt(pub types.PublicKey, height types.Height) (wire.Hash, bool) {
	v, ok := r.validators[pub]
	if !ok || height != r.height {
		return wire.Hash{}, false
	}
	return v.preimage, true
}

func newTestValidator(t *testing.T, seed byte) *testValidator {
	t.Helper()
	sk, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar (sk): %v", err)
	}
	r0, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar (r0): %v", err)
	}
	var pub types.PublicKey
	compressed := sk.Point().SerializeCompressed()
	copy(pub[:], compressed[:])
	preimage := wire.Sum(wire.DomainPreimage, []byte{seed})
	return &testValidator{
		sk:         sk,
		pub:        pub,
		r0:         r0,
		noisePoint: r0.Point(),
		preimage:   preimage,
	}
}

func TestAggregateAndVerifyRoundTrip(t *testing.T) {
	v1 := newTestValidator(t, 1)
	v2 := newTestValidator(t, 2)
	v3 := newTestValidator(t, 3)
	validators := []*testValidator{v1, v2, v3}

	validatorSet := []types.PublicKey{v1.pub, v2.pub, v3.pub}
	sort.Slice(validatorSet, func(i, j int) bool {
		return validatorSet[i].Compare(validatorSet[j]) < 0
	})

	header := &types.BlockHeader{
		PrevHash:   wire.ZeroHash,
		MerkleRoot: wire.Sum(wire.DomainBlockHeader, []byte("txs")),
		Height:     7,
	}

	// First pass: every signer derives its nonce and computes R, then
	// the aggregate R and P are known so every signer can compute its
	// final partial share over the same challenge.
	var rPoints []crypto.Point
	for _, v := range validators {
		rPoints = append(rPoints, DeriveNonce(v.r0, v.preimage).Point())
	}
	R := crypto.AggregatePoints(rPoints)
	var pPoints []crypto.Point
	for _, v := range validators {
		pPoints = append(pPoints, v.sk.Point())
	}
	P := crypto.AggregatePoints(pPoints)

	var contributions []Contribution
	for _, v := range validators {
		s := PartialSign(v.r0, v.sk, v.preimage, R, P, header)
		contributions = append(contributions, Contribution{PublicKey: v.pub, R: DeriveNonce(v.r0, v.preimage).Point(), S: s})
	}

	if err := Aggregate(validatorSet, contributions, header); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	registry := &fakeRegistry{validators: make(map[types.PublicKey]*testValidator), height: header.Height}
	for _, v := range validators {
		registry.validators[v.pub] = v
	}

	if err := Verify(header, validatorSet, registry, registry); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsMissingPreimage(t *testing.T) {
	v1 := newTestValidator(t, 1)
	v2 := newTestValidator(t, 2)
	validatorSet := []types.PublicKey{v1.pub, v2.pub}
	sort.Slice(validatorSet, func(i, j int) bool {
		return validatorSet[i].Compare(validatorSet[j]) < 0
	})

	header := &types.BlockHeader{Height: 3}
	var rPoints, pPoints []crypto.Point
	for _, v := range []*testValidator{v1, v2} {
		rPoints = append(rPoints, DeriveNonce(v.r0, v.preimage).Point())
		pPoints = append(pPoints, v.sk.Point())
	}
	R := crypto.AggregatePoints(rPoints)
	P := crypto.AggregatePoints(pPoints)

	var contributions []Contribution
	for _, v := range []*testValidator{v1, v2} {
		s := PartialSign(v.r0, v.sk, v.preimage, R, P, header)
		contributions = append(contributions, Contribution{PublicKey: v.pub, R: DeriveNonce(v.r0, v.preimage).Point(), S: s})
	}
	if err := Aggregate(validatorSet, contributions, header); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	registry := &fakeRegistry{validators: map[types.PublicKey]*testValidator{v1.pub: v1, v2.pub: v2}, height: 99}
	if err := Verify(header, validatorSet, registry, registry); err == nil {
		t.Fatalf("Verify: expected error when preimage height does not match block height")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	v1 := newTestValidator(t, 1)
	validatorSet := []types.PublicKey{v1.pub}

	header := &types.BlockHeader{Height: 1}
	r0Point := DeriveNonce(v1.r0, v1.preimage).Point()
	s := PartialSign(v1.r0, v1.sk, v1.preimage, r0Point, v1.sk.Point(), header)
	contributions := []Contribution{{PublicKey: v1.pub, R: r0Point, S: s}}
	if err := Aggregate(validatorSet, contributions, header); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	// Tamper with the height after signing: the header hash changes, so
	// the signature no longer validates against it.
	header.Height = 2

	registry := &fakeRegistry{validators: map[types.PublicKey]*testValidator{v1.pub: v1}, height: 2}
	if err := Verify(header, validatorSet, registry, registry); err == nil {
		t.Fatalf("Verify: expected error for a header mutated after signing")
	}
}
