package quorum

import (
	"testing"

	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

type fakeFinder struct {
	outputs map[wire.Hash]*types.TxOutput
}

func (f *fakeFinder) FindUTXO(ref types.OutputRef) (*types.TxOutput, bool) {
	out, ok := f.outputs[ref.TxHash]
	return out, ok
}

func makeValidator(t *testing.T, seed byte, amount uint64) (*types.Enrollment, types.PublicKey, *types.TxOutput) {
	t.Helper()
	var pub types.PublicKey
	for i := range pub {
		pub[i] = seed
	}
	utxoHash := wire.Sum(wire.DomainTransaction, []byte{seed})
	e := &types.Enrollment{UtxoKey: utxoHash, CycleLength: types.CycleLength}
	out := &types.TxOutput{Amount: amount, Address: pub, OutputType: types.OutputTypeFreeze}
	return e, pub, out
}

func TestBuildAlwaysIncludesOwnerAndRespectsRange(t *testing.T) {
	finder := &fakeFinder{outputs: make(map[wire.Hash]*types.TxOutput)}
	var active []*types.Enrollment
	var ownKey types.PublicKey

	for i := byte(1); i <= 10; i++ {
		e, pub, out := makeValidator(t, i, uint64(i)*1_000_000)
		finder.outputs[e.UtxoKey] = out
		active = append(active, e)
		if i == 1 {
			ownKey = pub
		}
	}

	cfg, err := Build(ownKey, active, finder)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !cfg.Contains(ownKey) {
		t.Fatalf("Build: quorum must contain the owner's own key")
	}
	if len(cfg.Members) < types.QuorumMinSize || len(cfg.Members) > types.QuorumMaxSize {
		t.Fatalf("Build: member count %d outside [%d, %d]", len(cfg.Members), types.QuorumMinSize, types.QuorumMaxSize)
	}
	if !cfg.IsUnanimous() {
		t.Fatalf("Build: threshold must equal member count (unanimous)")
	}
	for i := 1; i < len(cfg.Members); i++ {
		if cfg.Members[i-1].Compare(cfg.Members[i]) >= 0 {
			t.Fatalf("Build: members not sorted ascending at index %d", i)
		}
	}
}

func TestBuildIsDeterministicPerNode(t *testing.T) {
	finder := &fakeFinder{outputs: make(map[wire.Hash]*types.TxOutput)}
	var active []*types.Enrollment
	var ownKey types.PublicKey

	for i := byte(1); i <= 6; i++ {
		e, pub, out := makeValidator(t, i, uint64(i)*1_000_000)
		finder.outputs[e.UtxoKey] = out
		active = append(active, e)
		if i == 1 {
			ownKey = pub
		}
	}

	cfg1, err := Build(ownKey, active, finder)
	if err != nil {
		t.Fatalf("Build (1): %v", err)
	}
	cfg2, err := Build(ownKey, active, finder)
	if err != nil {
		t.Fatalf("Build (2): %v", err)
	}
	if len(cfg1.Members) != len(cfg2.Members) {
		t.Fatalf("Build: member count differs across runs: %d vs %d", len(cfg1.Members), len(cfg2.Members))
	}
	for i := range cfg1.Members {
		if cfg1.Members[i] != cfg2.Members[i] {
			t.Fatalf("Build: member %d differs across runs", i)
		}
	}
}

func TestBuildMinimumSizeWithFewValidators(t *testing.T) {
	finder := &fakeFinder{outputs: make(map[wire.Hash]*types.TxOutput)}
	e, ownKey, out := makeValidator(t, 1, 1_000_000)
	finder.outputs[e.UtxoKey] = out

	cfg, err := Build(ownKey, []*types.Enrollment{e}, finder)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(cfg.Members) != types.QuorumMinSize {
		t.Fatalf("Build: with no peers, want minimum size %d, got %d", types.QuorumMinSize, len(cfg.Members))
	}
}

func TestSanityCheckRejectsMissingSelf(t *testing.T) {
	var owner, other types.PublicKey
	owner[0] = 1
	other[0] = 2
	cfg := &types.QuorumConfig{Owner: owner, Members: []types.PublicKey{other}, Threshold: 1}
	if err := SanityCheck(cfg); err == nil {
		t.Fatalf("SanityCheck: expected error when owner is not a member")
	}
}

func TestGlobalIntersectionCheck(t *testing.T) {
	var a, b, c types.PublicKey
	a[0], b[0], c[0] = 1, 2, 3

	shared := types.PublicKey{}
	shared[0] = 9

	cfgA := &types.QuorumConfig{Owner: a, Members: []types.PublicKey{a, shared, b}, Threshold: 3}
	cfgB := &types.QuorumConfig{Owner: b, Members: []types.PublicKey{b, shared, c}, Threshold: 3}
	if err := GlobalIntersectionCheck([]*types.QuorumConfig{cfgA, cfgB}); err != nil {
		t.Fatalf("GlobalIntersectionCheck: expected intersecting quorums to pass: %v", err)
	}

	cfgC := &types.QuorumConfig{Owner: c, Members: []types.PublicKey{c}, Threshold: 1}
	if err := GlobalIntersectionCheck([]*types.QuorumConfig{cfgA, cfgC}); err == nil {
		t.Fatalf("GlobalIntersectionCheck: expected disjoint quorums to fail")
	}
}
