package node

import (
	"context"
	"log/slog"
	"testing"

	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/scp"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

func newTestValidatorKey(t *testing.T) (crypto.Scalar, types.PublicKey) {
	t.Helper()
	sk, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	var pub types.PublicKey
	compressed := sk.Point().SerializeCompressed()
	copy(pub[:], compressed[:])
	return sk, pub
}

// newTestNode builds a minimal *Node sufficient to drive startHeight
// directly: a real driver over a single-member self-quorum, no network
// service, backed by a cancellable context so any background
// nomination timer that fires after the test returns takes the
// ctx.Done() branch in post instead of blocking or leaking.
func newTestNode(t *testing.T) *Node {
	t.Helper()
	sk, pub := newTestValidatorKey(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	n := &Node{
		logger:        slog.Default(),
		ownKey:        pub,
		signingKey:    sk,
		quorumsByKey:  map[types.PublicKey]*types.QuorumConfig{pub: {Owner: pub, Members: []types.PublicKey{pub}, Threshold: 1}},
		quorumsByHash: make(map[wire.Hash]*types.QuorumConfig),
		candidates:    make(map[wire.Hash][]types.Transaction),
		events:        make(chan func(), 4),
		ctx:           ctx,
		cancel:        cancel,
	}
	n.driver = scp.NewDriver(n.ownKey, n, n, 1)
	return n
}

// An empty mempool skips nomination entirely (§8's boundary behavior:
// "Empty transaction set → nomination is skipped") rather than
// proposing an all-empty block.
func TestStartHeightSkipsNominationOnEmptyMempool(t *testing.T) {
	n := newTestNode(t)
	n.mempool = nil

	n.startHeight(1)

	if n.mempool != nil {
		t.Fatalf("mempool = %v, want nil after startHeight", n.mempool)
	}
	if len(n.candidates) != 0 {
		t.Fatalf("candidates = %v, want empty: an idle node must not register an empty-block candidate", n.candidates)
	}
}

// A non-empty mempool is nominated as-is: its own Merkle root becomes
// the candidate value, registered under that hash for later
// ValidateValue/CombineCandidates lookups.
func TestStartHeightNominatesNonEmptyMempool(t *testing.T) {
	n := newTestNode(t)
	txs := []types.Transaction{{}}
	n.mempool = txs

	n.startHeight(1)

	if n.mempool != nil {
		t.Fatalf("mempool = %v, want nil after startHeight", n.mempool)
	}
	want := types.MerkleRootOf(txs)
	got, ok := n.candidates[want]
	if !ok {
		t.Fatalf("candidates[%x] missing, want registered transaction set", want)
	}
	if len(got) != len(txs) {
		t.Fatalf("candidates[%x] = %v, want %v", want, got, txs)
	}
}
