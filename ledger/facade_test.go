package ledger

import (
	"testing"

	"github.com/scpchain/scpd/blocksign"
	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/enrollment"
	"github.com/scpchain/scpd/storage/memory"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

type noopPreimages struct{}

func (noopPreimages) HasRevealedAny(types.PublicKey) bool { return false }
func (noopPreimages) RevealedAt(types.PublicKey, types.Height) (wire.Hash, bool) {
	return wire.Hash{}, false
}

func pubKeyOf(sk crypto.Scalar) types.PublicKey {
	var pub types.PublicKey
	compressed := sk.Point().SerializeCompressed()
	copy(pub[:], compressed[:])
	return pub
}

// seedOutput plants an unspent output directly in the backing store, as
// if it had been produced by some earlier, untested genesis transaction.
func seedOutput(f *Facade, ref types.OutputRef, out types.TxOutput) {
	_ = f.kv.Put(refKey(ref), out.MarshalCanonical())
}

func newFacade(t *testing.T) (*Facade, *enrollment.Manager) {
	t.Helper()
	kv := memory.New()
	mgr, err := enrollment.New(kv)
	if err != nil {
		t.Fatalf("enrollment.New: %v", err)
	}
	f, err := NewFacade(kv, mgr, nil)
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}
	return f, mgr
}

// signedSpend builds a single-input, single-output transaction spending
// ref (owned by sk) entirely to recipient, signed over SignedHash.
func signedSpend(t *testing.T, sk crypto.Scalar, ref types.OutputRef, amount uint64, recipient types.PublicKey) types.Transaction {
	t.Helper()
	tx := types.Transaction{
		Inputs:  []types.TxInput{{Ref: ref}},
		Outputs: []types.TxOutput{{Amount: amount, Address: recipient, OutputType: types.OutputTypePayment}},
	}
	sig, err := crypto.Sign(sk, tx.SignedHash())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tx.Inputs[0].Signature = sig.Bytes()
	return tx
}

func emptyBlock(height types.Height, validatorSet []types.PublicKey) *types.Block {
	header := types.BlockHeader{
		PrevHash:   wire.ZeroHash,
		MerkleRoot: types.MerkleRootOf(nil),
		Height:     height,
	}
	_ = blocksign.Aggregate(validatorSet, nil, &header)
	return &types.Block{Header: header}
}

func TestFacadeValidateTxSetAcceptsValidSet(t *testing.T) {
	f, _ := newFacade(t)
	owner, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	ownerPub := pubKeyOf(owner)
	recipient := pubKeyOf(owner)

	ref := types.OutputRef{TxHash: wire.Sum(wire.DomainTransaction, []byte("genesis")), Index: 0}
	seedOutput(f, ref, types.TxOutput{Amount: 100, Address: ownerPub, OutputType: types.OutputTypePayment})

	tx := signedSpend(t, owner, ref, 60, recipient)
	if err := f.ValidateTxSet([]types.Transaction{tx}); err != nil {
		t.Fatalf("ValidateTxSet: %v", err)
	}
}

func TestFacadeValidateTxSetRejectsDoubleSpend(t *testing.T) {
	f, _ := newFacade(t)
	owner, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	ownerPub := pubKeyOf(owner)

	ref := types.OutputRef{TxHash: wire.Sum(wire.DomainTransaction, []byte("genesis")), Index: 0}
	seedOutput(f, ref, types.TxOutput{Amount: 100, Address: ownerPub, OutputType: types.OutputTypePayment})

	tx1 := signedSpend(t, owner, ref, 40, ownerPub)
	tx2 := signedSpend(t, owner, ref, 40, ownerPub)
	if err := f.ValidateTxSet([]types.Transaction{tx1, tx2}); err == nil {
		t.Fatalf("ValidateTxSet: expected double-spend rejection")
	}
}

func TestFacadeValidateTxSetRejectsBadSignature(t *testing.T) {
	f, _ := newFacade(t)
	owner, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	impostor, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	ownerPub := pubKeyOf(owner)

	ref := types.OutputRef{TxHash: wire.Sum(wire.DomainTransaction, []byte("genesis")), Index: 0}
	seedOutput(f, ref, types.TxOutput{Amount: 100, Address: ownerPub, OutputType: types.OutputTypePayment})

	tx := signedSpend(t, impostor, ref, 40, ownerPub)
	if err := f.ValidateTxSet([]types.Transaction{tx}); err == nil {
		t.Fatalf("ValidateTxSet: expected rejection of a signature from the wrong key")
	}
}

func TestFacadeValidateTxSetRejectsInsufficientInputValue(t *testing.T) {
	f, _ := newFacade(t)
	owner, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	ownerPub := pubKeyOf(owner)

	ref := types.OutputRef{TxHash: wire.Sum(wire.DomainTransaction, []byte("genesis")), Index: 0}
	seedOutput(f, ref, types.TxOutput{Amount: 100, Address: ownerPub, OutputType: types.OutputTypePayment})

	tx := signedSpend(t, owner, ref, 200, ownerPub)
	if err := f.ValidateTxSet([]types.Transaction{tx}); err == nil {
		t.Fatalf("ValidateTxSet: expected rejection when outputs exceed inputs")
	}
}

func TestFacadeApplyRejectsWrongHeight(t *testing.T) {
	f, _ := newFacade(t)
	block := emptyBlock(2, nil)
	if err := f.Apply(block, noopPreimages{}); err == nil {
		t.Fatalf("Apply: expected rejection of a block skipping ahead of height+1")
	}
}

func TestFacadeApplyRejectsBadMerkleRoot(t *testing.T) {
	f, _ := newFacade(t)
	header := types.BlockHeader{
		PrevHash:   wire.ZeroHash,
		MerkleRoot: wire.Sum(wire.DomainBlockHeader, []byte("wrong")),
		Height:     1,
	}
	if err := blocksign.Aggregate(nil, nil, &header); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	block := &types.Block{Header: header}
	if err := f.Apply(block, noopPreimages{}); err == nil {
		t.Fatalf("Apply: expected rejection of a block whose merkle root does not match its transactions")
	}
}

func TestFacadeApplyAdvancesHeightAndInstallsEnrollment(t *testing.T) {
	f, mgr := newFacade(t)

	owner, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	ownerPub := pubKeyOf(owner)
	frozenRef := types.OutputRef{TxHash: wire.Sum(wire.DomainTransaction, []byte("freeze")), Index: 0}
	seedOutput(f, frozenRef, types.TxOutput{Amount: types.MinFreezeAmount, Address: ownerPub, OutputType: types.OutputTypeFreeze})

	e, err := mgr.CreateOwn(owner, frozenRef.TxHash)
	if err != nil {
		t.Fatalf("CreateOwn: %v", err)
	}

	block1 := emptyBlock(1, nil)
	block1.Header.Enrollments = []types.Enrollment{*e}
	if err := f.Apply(block1, noopPreimages{}); err != nil {
		t.Fatalf("Apply(block1): %v", err)
	}
	if f.Height() != 1 {
		t.Fatalf("Height after block1 = %d, want 1", f.Height())
	}
	got, ok := mgr.Get(frozenRef.TxHash)
	if !ok || got.EnrolledHeight == nil || *got.EnrolledHeight != 1 {
		t.Fatalf("expected enrollment to record EnrolledHeight=1, got %+v", got)
	}

	// The enrollment activates the block after set_enrolled_height, so it
	// is still absent from the active set used to sign block2.
	if len(f.ActiveValidatorSet(1)) != 0 {
		t.Fatalf("ActiveValidatorSet(1): enrollment should not yet be active")
	}

	block2 := emptyBlock(2, nil)
	if err := f.Apply(block2, noopPreimages{}); err != nil {
		t.Fatalf("Apply(block2): %v", err)
	}
	if len(f.ActiveValidatorSet(2)) != 1 {
		t.Fatalf("ActiveValidatorSet(2): expected enrollment to be active")
	}
}

func TestFacadeApplyPenalizesMissedValidatorsAndExpiresEarly(t *testing.T) {
	f, mgr := newFacade(t)

	owner, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	ownerPub := pubKeyOf(owner)
	frozenRef := types.OutputRef{TxHash: wire.Sum(wire.DomainTransaction, []byte("freeze")), Index: 0}
	seedOutput(f, frozenRef, types.TxOutput{Amount: types.MinFreezeAmount, Address: ownerPub, OutputType: types.OutputTypeFreeze})

	e, err := mgr.CreateOwn(owner, frozenRef.TxHash)
	if err != nil {
		t.Fatalf("CreateOwn: %v", err)
	}

	block1 := emptyBlock(1, nil)
	block1.Header.Enrollments = []types.Enrollment{*e}
	if err := f.Apply(block1, noopPreimages{}); err != nil {
		t.Fatalf("Apply(block1): %v", err)
	}

	// block2: enrollment still not active yet (start = enrolled_height+1 = 2).
	block2 := emptyBlock(2, nil)
	if err := f.Apply(block2, noopPreimages{}); err != nil {
		t.Fatalf("Apply(block2): %v", err)
	}

	// From height 2 onward the validator is active; sign blocks 3-5 with
	// an empty bitfield to simulate MissedBlocksPenalty consecutive
	// missed contributions.
	for h := types.Height(3); h <= 5; h++ {
		validatorSet := f.ActiveValidatorSet(f.Height())
		if len(validatorSet) != 1 {
			t.Fatalf("ActiveValidatorSet at height %d = %d validators, want 1", f.Height(), len(validatorSet))
		}
		block := emptyBlock(h, validatorSet)
		if err := f.Apply(block, noopPreimages{}); err != nil {
			t.Fatalf("Apply(block at height %d): %v", h, err)
		}
	}

	if len(f.ActiveValidatorSet(f.Height())) != 0 {
		t.Fatalf("expected enrollment to be administratively expired after %d missed blocks", types.MissedBlocksPenalty)
	}
	got, ok := mgr.Get(frozenRef.TxHash)
	if !ok || got.ExpiredAt == nil {
		t.Fatalf("expected ExpiredAt to be set after missed-block penalty, got %+v", got)
	}
}
