// Package quorum implements the Quorum Builder of §4.2: deterministic,
// per-validator quorum-set selection from the active enrollment set,
// weighted by frozen stake and seeded from a 64-bit Mersenne Twister.
package quorum

import (
	"sort"

	"github.com/prysmaticlabs/go-bitfield"

	"github.com/scpchain/scpd/mt64"
	"github.com/scpchain/scpd/scpderr"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// seedPersonalization is the hard-coded key folded into the RNG seed
// derivation; it is a domain-separation constant, not a secret —
// reproducibility across peers is not required, only determinism per
// node across restarts.
const seedPersonalization = "scpd-quorum-builder-v1"

// UTXOFinder resolves an enrollment's utxo_key to the frozen output
// backing it, the source of both the owner's public key and stake
// weight.
type UTXOFinder interface {
	FindUTXO(ref types.OutputRef) (*types.TxOutput, bool)
}

// NodeStake pairs a validator's public key with the frozen amount
// backing its enrollment, the input to weighted sampling.
type NodeStake struct {
	PublicKey types.PublicKey
	Amount    uint64
}

// candidatePool resolves active enrollments (other than the owner's)
// into their NodeStake, sorted by amount descending as §4.2 specifies,
// skipping any enrollment whose backing UTXO cannot be resolved (the
// Ledger Facade guarantees this doesn't happen for active enrollments,
// but the builder must not panic on stale input).
func candidatePool(ownKey types.PublicKey, active []*types.Enrollment, finder UTXOFinder) []NodeStake {
	pool := make([]NodeStake, 0, len(active))
	for _, e := range active {
		out, ok := finder.FindUTXO(types.OutputRef{TxHash: e.UtxoKey})
		if !ok {
			continue
		}
		if out.Address == ownKey {
			continue
		}
		pool = append(pool, NodeStake{PublicKey: out.Address, Amount: out.Amount})
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].Amount > pool[j].Amount
	})
	return pool
}

// seedFor derives the per-node RNG seed: shorthash(H(own_key)) folded
// with the hard-coded personalization constant, mirroring the
// teacher's domain-separated hashing idiom.
func seedFor(ownKey types.PublicKey) uint64 {
	h := wire.Sum(wire.DomainQuorumSet, append([]byte(seedPersonalization), ownKey[:]...))
	return wire.ShortHash(h)
}

// targetSize returns min(max(MIN, N+1), MAX) where N is the number of
// other active enrollments.
func targetSize(n int) int {
	size := n + 1
	if size < types.QuorumMinSize {
		size = types.QuorumMinSize
	}
	if size > types.QuorumMaxSize {
		size = types.QuorumMaxSize
	}
	return size
}

// Build constructs ownKey's quorum configuration from the current
// active enrollment set. Sampling is weighted by integral stake amount
// without replacement; the own key is always member #1. The result is
// sorted ascending by public key with an unanimous threshold.
func Build(ownKey types.PublicKey, active []*types.Enrollment, finder UTXOFinder) (*types.QuorumConfig, error) {
	pool := candidatePool(ownKey, active, finder)
	want := targetSize(len(pool))

	members := []types.PublicKey{ownKey}
	chosen := make(map[types.PublicKey]bool, want)
	chosen[ownKey] = true

	rng := mt64.New(seedFor(ownKey))
	remaining := append([]NodeStake{}, pool...)
	for len(members) < want && len(remaining) > 0 {
		idx := weightedPick(rng, remaining)
		pick := remaining[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		if chosen[pick.PublicKey] {
			continue
		}
		chosen[pick.PublicKey] = true
		members = append(members, pick.PublicKey)
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].Compare(members[j]) < 0
	})

	cfg := &types.QuorumConfig{
		Owner:     ownKey,
		Members:   members,
		Threshold: len(members),
	}
	if err := SanityCheck(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// weightedPick draws an index into pool proportional to each entry's
// stake amount, falling back to uniform selection if every remaining
// amount is zero.
func weightedPick(rng *mt64.Source, pool []NodeStake) int {
	var total uint64
	for _, n := range pool {
		total += n.Amount
	}
	if total == 0 {
		return rng.Intn(len(pool))
	}
	target := rng.Uint64() % total
	var cum uint64
	for i, n := range pool {
		cum += n.Amount
		if target < cum {
			return i
		}
	}
	return len(pool) - 1
}

// SanityCheck validates a single quorum configuration per §4.2: the
// threshold is in range, the set has no empty inner members, and the
// owner is a member of its own quorum (no self-reference loop missing).
func SanityCheck(cfg *types.QuorumConfig) error {
	if len(cfg.Members) < types.QuorumMinSize || len(cfg.Members) > types.QuorumMaxSize {
		return scpderr.New(scpderr.KindQuorum, "quorum.SanityCheck",
			errQuorumSize(len(cfg.Members)))
	}
	if cfg.Threshold <= 0 || cfg.Threshold > len(cfg.Members) {
		return scpderr.New(scpderr.KindQuorum, "quorum.SanityCheck", errThresholdRange(cfg.Threshold))
	}
	if !cfg.Contains(cfg.Owner) {
		return scpderr.New(scpderr.KindQuorum, "quorum.SanityCheck", errMissingSelf{})
	}
	seen := make(map[types.PublicKey]bool, len(cfg.Members))
	for _, m := range cfg.Members {
		if seen[m] {
			return scpderr.New(scpderr.KindQuorum, "quorum.SanityCheck", errDuplicateMember{})
		}
		seen[m] = true
	}
	return nil
}

// GlobalIntersectionCheck verifies that every pair of quorum
// configurations in the given set shares at least one member — the
// "no two quorums are disjoint" invariant of §3/§8. Called across the
// full validator set before a new generation of configurations is
// installed. Each configuration's membership is flattened into a
// bitfield.Bitlist over a shared index of every public key referenced
// by any configuration, so a pair's intersection is a single bitwise
// AND rather than a member-by-member scan.
func GlobalIntersectionCheck(cfgs []*types.QuorumConfig) error {
	universe := make(map[types.PublicKey]int)
	for _, cfg := range cfgs {
		for _, m := range cfg.Members {
			if _, ok := universe[m]; !ok {
				universe[m] = len(universe)
			}
		}
	}
	masks := make([]bitfield.Bitlist, len(cfgs))
	for i, cfg := range cfgs {
		bl := bitfield.NewBitlist(uint64(len(universe)))
		for _, m := range cfg.Members {
			bl.SetBitAt(uint64(universe[m]), true)
		}
		masks[i] = bl
	}

	for i := 0; i < len(cfgs); i++ {
		for j := i + 1; j < len(cfgs); j++ {
			if !masks[i].Overlaps(masks[j]) {
				return scpderr.New(scpderr.KindQuorum, "quorum.GlobalIntersectionCheck",
					errDisjointQuorums{A: cfgs[i].Owner, B: cfgs[j].Owner})
			}
		}
	}
	return nil
}
