package enrollment

import (
	"testing"

	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/storage/memory"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

type fakeUTXOLookup struct {
	outputs map[wire.Hash]*types.TxOutput
}

func (f *fakeUTXOLookup) FindUTXO(ref types.OutputRef) (*types.TxOutput, bool) {
	out, ok := f.outputs[ref.TxHash]
	return out, ok
}

func newOwnerUTXO(t *testing.T) (crypto.Scalar, wire.Hash, *fakeUTXOLookup) {
	t.Helper()
	owner, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	var addr types.PublicKey
	compressed := owner.Point().SerializeCompressed()
	copy(addr[:], compressed[:])

	utxoHash := wire.Sum(wire.DomainTransaction, []byte("frozen-utxo"))
	lookup := &fakeUTXOLookup{outputs: map[wire.Hash]*types.TxOutput{
		utxoHash: {
			Amount:     types.MinFreezeAmount,
			Address:    addr,
			OutputType: types.OutputTypeFreeze,
		},
	}}
	return owner, utxoHash, lookup
}

func TestManagerCreateOwnAndAdd(t *testing.T) {
	owner, utxoHash, lookup := newOwnerUTXO(t)

	creator, err := New(memory.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, err := creator.CreateOwn(owner, utxoHash)
	if err != nil {
		t.Fatalf("CreateOwn: %v", err)
	}

	receiver, err := New(memory.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	added, err := receiver.Add(lookup, e)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !added {
		t.Fatalf("Add: expected enrollment to be accepted")
	}
	if !receiver.Has(utxoHash) {
		t.Fatalf("Has: expected enrollment to be present after Add")
	}

	added, err = receiver.Add(lookup, e)
	if err != nil {
		t.Fatalf("Add (duplicate): %v", err)
	}
	if added {
		t.Fatalf("Add: duplicate enrollment should not be accepted twice")
	}
}

func TestManagerAddRejectsBadSignature(t *testing.T) {
	_, utxoHash, lookup := newOwnerUTXO(t)

	other, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}

	e := &types.Enrollment{
		UtxoKey:     utxoHash,
		CycleLength: types.CycleLength,
	}
	sig, err := crypto.Sign(other, e.Hash())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	e.SetSignature(sig)

	m, err := New(memory.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	added, err := m.Add(lookup, e)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added {
		t.Fatalf("Add: enrollment signed by the wrong key must be rejected")
	}
}

func TestManagerAddRejectsUnknownUTXO(t *testing.T) {
	owner, _, lookup := newOwnerUTXO(t)

	unknown := wire.Sum(wire.DomainTransaction, []byte("no-such-utxo"))
	e := &types.Enrollment{UtxoKey: unknown, CycleLength: types.CycleLength}
	sig, err := crypto.Sign(owner, e.Hash())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	e.SetSignature(sig)

	m, err := New(memory.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	added, err := m.Add(lookup, e)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added {
		t.Fatalf("Add: enrollment referencing an unknown UTXO must be rejected")
	}
}

func TestManagerSetEnrolledHeightWriteOnce(t *testing.T) {
	owner, utxoHash, lookup := newOwnerUTXO(t)

	m, err := New(memory.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, err := m.CreateOwn(owner, utxoHash)
	if err != nil {
		t.Fatalf("CreateOwn: %v", err)
	}
	_ = lookup

	ok, err := m.SetEnrolledHeight(utxoHash, 10)
	if err != nil {
		t.Fatalf("SetEnrolledHeight: %v", err)
	}
	if !ok {
		t.Fatalf("SetEnrolledHeight: expected first write to succeed")
	}

	ok, err = m.SetEnrolledHeight(utxoHash, 20)
	if err != nil {
		t.Fatalf("SetEnrolledHeight: %v", err)
	}
	if ok {
		t.Fatalf("SetEnrolledHeight: second write must be rejected (write-once)")
	}

	got, ok := m.Get(utxoHash)
	if !ok {
		t.Fatalf("Get: expected enrollment to be present")
	}
	if got.EnrolledHeight == nil || *got.EnrolledHeight != 10 {
		t.Fatalf("EnrolledHeight = %v, want 10", got.EnrolledHeight)
	}
	_ = e
}

func TestManagerActiveWindow(t *testing.T) {
	owner, utxoHash, _ := newOwnerUTXO(t)

	m, err := New(memory.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.CreateOwn(owner, utxoHash); err != nil {
		t.Fatalf("CreateOwn: %v", err)
	}
	if _, err := m.SetEnrolledHeight(utxoHash, 100); err != nil {
		t.Fatalf("SetEnrolledHeight: %v", err)
	}

	if len(m.Active(100)) != 0 {
		t.Fatalf("Active(100): enrollment activates the block after inclusion, not at it")
	}
	if len(m.Active(101)) != 1 {
		t.Fatalf("Active(101): expected enrollment to be active")
	}
	if len(m.Active(101 + types.Height(types.CycleLength))) != 0 {
		t.Fatalf("Active: expected enrollment to have expired after cycle length")
	}
}

func TestManagerLoadAllFromExistingStore(t *testing.T) {
	owner, utxoHash, lookup := newOwnerUTXO(t)

	kv := memory.New()
	m1, err := New(kv)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, err := m1.CreateOwn(owner, utxoHash)
	if err != nil {
		t.Fatalf("CreateOwn: %v", err)
	}
	_ = lookup

	m2, err := New(kv)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	got, ok := m2.Get(utxoHash)
	if !ok {
		t.Fatalf("Get: expected enrollment persisted by m1 to be loaded by m2")
	}
	if got.Hash() != e.Hash() {
		t.Fatalf("Hash mismatch after reload")
	}
}

func TestManagerNodeDataRoundTrip(t *testing.T) {
	owner, utxoHash, _ := newOwnerUTXO(t)

	kv := memory.New()
	m1, err := New(kv)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m1.CreateOwn(owner, utxoHash); err != nil {
		t.Fatalf("CreateOwn: %v", err)
	}

	m2, err := New(kv)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	data, err := m2.LoadNodeData()
	if err != nil {
		t.Fatalf("LoadNodeData: %v", err)
	}
	if len(data.Preimages) != types.CycleLength {
		t.Fatalf("Preimages length = %d, want %d", len(data.Preimages), types.CycleLength)
	}
	if data.NoisePoint.SerializeCompressed() != data.NoiseScalar.Point().SerializeCompressed() {
		t.Fatalf("NoisePoint does not match NoiseScalar's derived point")
	}
}
