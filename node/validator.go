package node

import (
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/scpchain/scpd/blocksign"
	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/scp"
	"github.com/scpchain/scpd/scpderr"
	"github.com/scpchain/scpd/storage"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// preimageStore is the node's PreimageLookup (blocksign.PreimageLookup):
// every pre-image any validator has revealed, for any height, gathered
// from gossiped contributions (own and peers'). It never forgets a
// revealed pre-image, mirroring §4.4's requirement that verification
// must be able to check pre-images revealed long before the verifying
// node joined.
type preimageStore struct {
	mu       sync.Mutex
	revealed map[types.PublicKey]map[types.Height]wire.Hash
}

func newPreimageStore() *preimageStore {
	return &preimageStore{revealed: make(map[types.PublicKey]map[types.Height]wire.Hash)}
}

func (p *preimageStore) record(pub types.PublicKey, height types.Height, preimage wire.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byHeight, ok := p.revealed[pub]
	if !ok {
		byHeight = make(map[types.Height]wire.Hash)
		p.revealed[pub] = byHeight
	}
	byHeight[height] = preimage
}

// HasRevealedAny implements blocksign.PreimageLookup.
func (p *preimageStore) HasRevealedAny(pub types.PublicKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	byHeight, ok := p.revealed[pub]
	return ok && len(byHeight) > 0
}

// RevealedAt implements blocksign.PreimageLookup.
func (p *preimageStore) RevealedAt(pub types.PublicKey, height types.Height) (wire.Hash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byHeight, ok := p.revealed[pub]
	if !ok {
		return wire.Hash{}, false
	}
	h, ok := byHeight[height]
	return h, ok
}

func (p *preimageStore) at(pub types.PublicKey, height types.Height) (wire.Hash, bool) {
	return p.RevealedAt(pub, height)
}

// pendingContribution tracks one open height's collective-signature
// collection, the node-owned state machine riding on top of
// network.ContributionTopic described in DESIGN.md.
type pendingContribution struct {
	block           *types.Block
	activeSet       []types.PublicKey // sorted ascending, V_h
	shares          map[types.PublicKey]blocksign.Contribution
	ownPreimageSent bool
	ownShareSent    bool
}

// startHeight begins nomination for height: it snapshots the current
// mempool as the proposed value's content, registers the value's
// content under its hash so ValidateValue/CombineCandidates can
// resolve it, and calls Nominate. The transaction set's own Merkle
// root doubles as its nomination value, so two validators that
// independently propose the same content always nominate the same
// hash. An empty mempool skips nomination entirely (§8's boundary
// behavior: "Empty transaction set → nomination is skipped") — the
// slot still opens lazily once an envelope from a peer with its own
// pending transactions arrives, so an idle node doesn't block the
// height on a block of its own making.
func (n *Node) startHeight(height types.Height) {
	txs := n.mempool
	n.mempool = nil
	if len(txs) == 0 {
		return
	}

	value := types.MerkleRootOf(txs)
	n.mu.Lock()
	n.candidates[value] = txs
	n.mu.Unlock()

	if err := n.driver.Nominate(height, value); err != nil {
		n.logger.Error("nominate failed", "height", height, "error", err)
	}
}

// collectPendingEnrollments gathers enrollments awaiting their
// set_enrolled_height call, to be carried in the next proposed block's
// header (§4.1).
func (n *Node) collectPendingEnrollments() []types.Enrollment {
	pending := n.enrollments.Unregistered()
	out := make([]types.Enrollment, len(pending))
	for i, e := range pending {
		out[i] = *e
	}
	return out
}

// lastBlockHash returns the hash of the most recently applied block's
// header, or the zero hash before any block has been applied.
func (n *Node) lastBlockHash() wire.Hash {
	height := n.ledger.Height()
	if height == 0 {
		return wire.ZeroHash
	}
	raw, err := n.kv.Get(storage.BlockKey(uint64(height)))
	if err != nil {
		return wire.ZeroHash
	}
	var b types.Block
	if err := b.UnmarshalCanonical(raw); err != nil {
		return wire.ZeroHash
	}
	return b.Header.Hash()
}

// noisePointFor resolves a validator's published signature-noise
// point by scanning active enrollments for the one whose backing UTXO
// is owned by pub, the same resolution ledger's unexported
// enrollmentView performs for blocksign.Verify.
func (n *Node) noisePointFor(pub types.PublicKey) (crypto.Point, bool) {
	for _, e := range n.enrollments.Active(n.ledger.Height()) {
		out, ok := n.ledger.UTXOs().FindUTXO(types.OutputRef{TxHash: e.UtxoKey})
		if !ok || out.Address != pub {
			continue
		}
		return crypto.PointFromCompressed(e.NoisePoint[:])
	}
	return crypto.Point{}, false
}

// findOwnEnrollment returns the node's own active enrollment, if any.
func (n *Node) findOwnEnrollment() (*types.Enrollment, bool) {
	for _, e := range n.enrollments.Active(n.ledger.Height()) {
		out, ok := n.ledger.UTXOs().FindUTXO(types.OutputRef{TxHash: e.UtxoKey})
		if !ok || out.Address != n.ownKey {
			continue
		}
		return e, true
	}
	return nil, false
}

// ValueExternalized implements scp.Nominator: it is called exactly
// once per height, in order, once federated voting has agreed on a
// value. It assembles the block for that height and starts the
// block-signature contribution round described in node/contribution.go.
func (n *Node) ValueExternalized(slot types.Height, value scp.Value) {
	n.mu.Lock()
	txs, ok := n.candidates[value]
	n.mu.Unlock()
	if !ok {
		n.logger.Warn("externalized value with unknown content; proposing empty block",
			"height", slot)
		txs = nil
	}

	header := types.BlockHeader{
		PrevHash:    n.lastBlockHash(),
		MerkleRoot:  types.MerkleRootOf(txs),
		Height:      slot,
		Enrollments: n.collectPendingEnrollments(),
	}
	block := &types.Block{Header: header, Transactions: txs}

	pc := &pendingContribution{
		block:     block,
		activeSet: n.ledger.ActiveValidatorSet(n.ledger.Height()),
		shares:    make(map[types.PublicKey]blocksign.Contribution),
	}
	n.pending[slot] = pc

	n.revealOwnPreimage(slot, pc)
}

// revealOwnPreimage publishes this node's pre-image reveal for height,
// the contribution round's first phase (node/contribution.go). No-op
// if the node has no active enrollment (it is not a validator for this
// height and has nothing to contribute).
func (n *Node) revealOwnPreimage(height types.Height, pc *pendingContribution) {
	e, ok := n.findOwnEnrollment()
	if !ok || e.EnrolledHeight == nil {
		return
	}
	chain := crypto.RestorePreimageChain(n.nodeData.Preimages)
	k := int(height - *e.EnrolledHeight)
	preimage, ok := chain.RevealAt(k)
	if !ok {
		n.logger.Warn("no pre-image available for height", "height", height)
		return
	}

	n.preimages.record(n.ownKey, height, preimage)
	pc.ownPreimageSent = true

	msg := &contribution{Height: height, PublicKey: n.ownKey, Preimage: preimage}
	n.gossipContribution(msg)
	n.tryAggregate(height)
}

// gossipContribution publishes a node-encoded contribution over
// network.GossipContribution.
func (n *Node) gossipContribution(msg *contribution) {
	if n.net == nil {
		return
	}
	if err := n.net.GossipContribution(n.ctx, msg.marshalCanonical()); err != nil {
		n.logger.Warn("gossip contribution failed", "height", msg.Height, "error", err)
	}
}

// OnContribution is the network.Handlers callback for gossiped
// block-signature contributions.
func (n *Node) OnContribution(data []byte, from peer.ID) {
	var msg contribution
	if err := msg.unmarshalCanonical(data); err != nil {
		n.logger.Debug("drop contribution: decode failed", "from", from, "error", err)
		return
	}
	n.post(func() { n.handleContribution(&msg) })
}

func (n *Node) handleContribution(msg *contribution) {
	n.preimages.record(msg.PublicKey, msg.Height, msg.Preimage)

	pc, ok := n.pending[msg.Height]
	if !ok {
		return
	}

	if msg.HasShare {
		noisePoint, ok := n.noisePointFor(msg.PublicKey)
		if !ok {
			n.logger.Debug("contribution from unenrolled key", "public_key", msg.PublicKey)
			return
		}
		R := crypto.ScalarFromHash(msg.Preimage).Point().Add(noisePoint)
		pc.shares[msg.PublicKey] = blocksign.Contribution{PublicKey: msg.PublicKey, R: R, S: msg.Share}
	}

	n.tryAggregate(msg.Height)
}

// haveAllPreimages reports whether every member of activeSet has a
// recorded pre-image reveal for height.
func (n *Node) haveAllPreimages(height types.Height, activeSet []types.PublicKey) bool {
	for _, pub := range activeSet {
		if _, ok := n.preimages.at(pub, height); !ok {
			return false
		}
	}
	return true
}

// tryAggregate drives pending[height] through the two-phase
// contribution collection described in node/contribution.go: once
// every active validator's pre-image has arrived, it computes and
// broadcasts this node's own partial signature share; once every
// active validator's share has arrived, it aggregates the collective
// signature and applies the block.
func (n *Node) tryAggregate(height types.Height) {
	pc, ok := n.pending[height]
	if !ok {
		return
	}

	if !pc.ownShareSent && pc.ownPreimageSent && n.haveAllPreimages(height, pc.activeSet) {
		n.computeAndBroadcastOwnShare(height, pc)
	}

	if len(pc.shares) < len(pc.activeSet) {
		return
	}

	contributions := make([]blocksign.Contribution, 0, len(pc.activeSet))
	for _, pub := range pc.activeSet {
		c, ok := pc.shares[pub]
		if !ok {
			return
		}
		contributions = append(contributions, c)
	}

	if err := blocksign.Aggregate(pc.activeSet, contributions, &pc.block.Header); err != nil {
		n.logger.Error("aggregate collective signature failed", "height", height, "error", err)
		return
	}

	if err := n.ledger.Apply(pc.block, n.preimages); err != nil {
		n.logger.Error("apply block failed", "height", height, "error", err)
		if se, ok := err.(*scpderr.Error); ok && se.Kind == scpderr.KindLedger {
			// The externalized block fails local validation: consensus divergence.
			err = scpderr.New(scpderr.KindFatal, "node.tryAggregate", err)
		}
		if scpderr.IsFatal(err) {
			n.reportFatal(err)
		}
		return
	}

	if err := n.kv.Put(storage.BlockKey(uint64(height)), pc.block.MarshalCanonical()); err != nil {
		n.logger.Error("persist block failed", "height", height, "error", err)
	}

	delete(n.pending, height)
	n.mu.Lock()
	delete(n.candidates, pc.block.Header.MerkleRoot)
	n.mu.Unlock()

	n.driver.AdvanceLowest(height + 1)
	n.logger.Info("applied block", "height", height, "transactions", len(pc.block.Transactions))
	n.startHeight(height + 1)
}

// computeAndBroadcastOwnShare derives the block's aggregate nonce and
// public key from every active validator's revealed pre-image and
// published signature-noise point (§4.4's expectedR, independently
// computable without any private scalar), computes this node's partial
// signature share under that shared challenge, and gossips it as the
// contribution round's second-phase message.
func (n *Node) computeAndBroadcastOwnShare(height types.Height, pc *pendingContribution) {
	R := crypto.IdentityPoint()
	P := crypto.IdentityPoint()
	for _, pub := range pc.activeSet {
		noisePoint, ok := n.noisePointFor(pub)
		if !ok {
			n.logger.Warn("missing noise point for active validator", "public_key", pub)
			return
		}
		preimage, ok := n.preimages.at(pub, height)
		if !ok {
			return
		}
		R = R.Add(crypto.ScalarFromHash(preimage).Point().Add(noisePoint))
		pubPoint, err := crypto.PointFromCompressed(pub[:])
		if err != nil {
			n.logger.Warn("bad validator public key", "public_key", pub, "error", err)
			return
		}
		P = P.Add(pubPoint)
	}

	ownPreimage, ok := n.preimages.at(n.ownKey, height)
	if !ok {
		return
	}
	share := blocksign.PartialSign(n.nodeData.NoiseScalar, n.signingKey, ownPreimage, R, P, &pc.block.Header)

	ownNoisePoint, ok := n.noisePointFor(n.ownKey)
	if !ok {
		return
	}
	ownR := crypto.ScalarFromHash(ownPreimage).Point().Add(ownNoisePoint)
	pc.shares[n.ownKey] = blocksign.Contribution{PublicKey: n.ownKey, R: ownR, S: share}
	pc.ownShareSent = true

	n.gossipContribution(&contribution{
		Height:    height,
		PublicKey: n.ownKey,
		Preimage:  ownPreimage,
		HasShare:  true,
		Share:     share,
	})
}

// --- network.ChainReader ---

// QuorumSetByHash implements network.ChainReader, serving a peer's
// request for a quorum configuration. Unlike GetQuorumSet (the
// scp.Nominator method), this never falls back to a network query:
// doing so would let two nodes each missing the same hash bounce the
// request back and forth forever.
func (n *Node) QuorumSetByHash(hash wire.Hash) (*types.QuorumConfig, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cfg, ok := n.quorumsByHash[hash]
	return cfg, ok
}

// BlocksFrom implements network.ChainReader, serving a peer's chain
// sync request with up to count persisted blocks starting at start.
func (n *Node) BlocksFrom(start types.Height, count int) ([]*types.Block, error) {
	height := n.ledger.Height()
	var blocks []*types.Block
	for h := start; h <= height && len(blocks) < count; h++ {
		raw, err := n.kv.Get(storage.BlockKey(uint64(h)))
		if err != nil {
			continue
		}
		var b types.Block
		if err := b.UnmarshalCanonical(raw); err != nil {
			return nil, scpderr.New(scpderr.KindSerialization, "node.BlocksFrom", err)
		}
		blocks = append(blocks, &b)
	}
	return blocks, nil
}

// HasEnrollment implements network.ChainReader, serving §6's
// has_enrollment(hash) peer RPC.
func (n *Node) HasEnrollment(hash wire.Hash) bool {
	return n.enrollments.Has(hash)
}

// GetEnrollment implements network.ChainReader, serving §6's
// get_enrollment(hash) peer RPC.
func (n *Node) GetEnrollment(hash wire.Hash) (*types.Enrollment, bool) {
	return n.enrollments.Get(hash)
}

// EnrollValidator implements network.ChainReader, serving §6's
// enroll_validator(enrollment) peer RPC: it admits e into the pending
// enrollment set, to be carried in a future block header by
// collectPendingEnrollments. The stream handler invokes this from its
// own goroutine, so the mutation is posted onto the event loop (§5: the
// enrollment manager's mutating operations are only ever called from
// there) and this call blocks for the result.
func (n *Node) EnrollValidator(e *types.Enrollment) error {
	result := make(chan error, 1)
	n.post(func() {
		ok, err := n.enrollments.Add(n.ledger.UTXOs(), e)
		if err != nil {
			result <- err
			return
		}
		if !ok {
			result <- scpderr.New(scpderr.KindEnrollment, "node.EnrollValidator", fmt.Errorf("enrollment rejected"))
			return
		}
		result <- nil
	})
	select {
	case err := <-result:
		return err
	case <-n.ctx.Done():
		return n.ctx.Err()
	}
}
