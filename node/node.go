package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/enrollment"
	"github.com/scpchain/scpd/ledger"
	"github.com/scpchain/scpd/network"
	"github.com/scpchain/scpd/quorum"
	"github.com/scpchain/scpd/scp"
	"github.com/scpchain/scpd/scpderr"
	"github.com/scpchain/scpd/storage"
	"github.com/scpchain/scpd/storage/memory"
	"github.com/scpchain/scpd/storage/pebble"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// Node is the top-level consensus process that connects the Enrollment
// Manager, Quorum Builder, SCP Driver, Block Signer/Verifier, and
// Ledger Facade, per §4's component design. It replaces the teacher's
// wall-clock slotTicker with SCP's own externalize-driven progression
// (FULL §5): a new height's nomination starts as soon as the previous
// one externalizes and is applied, rather than on a fixed schedule.
type Node struct {
	config *Config
	logger *slog.Logger

	kv          storage.KV
	enrollments *enrollment.Manager
	ledger      *ledger.Facade

	ownKey     types.PublicKey
	signingKey crypto.Scalar
	nodeData   enrollment.NodeEnrollData

	net    network.PeerNetwork
	driver *scp.Driver

	mu            sync.Mutex
	quorumsByKey  map[types.PublicKey]*types.QuorumConfig
	quorumsByHash map[wire.Hash]*types.QuorumConfig
	candidates    map[wire.Hash][]types.Transaction
	mempool       []types.Transaction
	preimages     *preimageStore
	pending       map[types.Height]*pendingContribution

	events chan func()
	fatal  chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Node from cfg but does not start its network
// service or event loop; call Start for that. The storage layer is
// selected by cfg.DataDir (pebble if set, memory otherwise), mirroring
// the teacher's injectable forkchoice.Store backing.
func New(ctx context.Context, cfg *Config) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var kv storage.KV
	if cfg.DataDir != "" {
		store, err := pebble.Open(cfg.DataDir)
		if err != nil {
			return nil, scpderr.New(scpderr.KindIO, "node.New", err)
		}
		kv = store
	} else {
		kv = memory.New()
	}

	enrollments, err := enrollment.New(kv)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	n := &Node{
		config:        cfg,
		logger:        logger,
		kv:            kv,
		enrollments:   enrollments,
		signingKey:    cfg.SigningKey,
		quorumsByKey:  make(map[types.PublicKey]*types.QuorumConfig),
		quorumsByHash: make(map[wire.Hash]*types.QuorumConfig),
		candidates:    make(map[wire.Hash][]types.Transaction),
		preimages:     newPreimageStore(),
		pending:       make(map[types.Height]*pendingContribution),
		events:        make(chan func(), 256),
		fatal:         make(chan error, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	pub := cfg.SigningKey.Point().SerializeCompressed()
	copy(n.ownKey[:], pub[:])

	ledgerFacade, err := ledger.NewFacade(kv, enrollments, n.onActiveSetChanged)
	if err != nil {
		cancel()
		return nil, err
	}
	n.ledger = ledgerFacade

	if err := n.maybeSeedGenesis(cfg.Genesis); err != nil {
		cancel()
		return nil, err
	}

	if data, err := enrollments.LoadNodeData(); err == nil {
		n.nodeData = data
	}

	if err := n.rebuildQuorums(); err != nil {
		cancel()
		return nil, fmt.Errorf("node: build quorums: %w", err)
	}

	n.driver = scp.NewDriver(n.ownKey, n, n, n.ledger.Height()+1)
	n.restoreExternalizedSlots()

	return n, nil
}

// restoreExternalizedSlots replays every persisted block's Merkle root
// back into the driver (§4.3's restoration contract) so a restarted
// node's driver knows heights 1..Height() already externalized instead
// of treating them as open slots a peer might still contest.
func (n *Node) restoreExternalizedSlots() {
	height := n.ledger.Height()
	if height == 0 {
		return
	}
	n.driver.Restore(1, height+1, func(h types.Height) (scp.Value, bool) {
		raw, err := n.kv.Get(storage.BlockKey(uint64(h)))
		if err != nil {
			return scp.Value{}, false
		}
		var b types.Block
		if err := b.UnmarshalCanonical(raw); err != nil {
			return scp.Value{}, false
		}
		return types.MerkleRootOf(b.Transactions), true
	})
}

// maybeSeedGenesis installs cfg's founding UTXOs if the ledger has no
// height yet recorded, the bootstrap external collaborators would
// otherwise supply (§1's explicit non-goal: "the UTXO set
// implementation beyond the read interface the core consumes").
func (n *Node) maybeSeedGenesis(genesis *GenesisConfig) error {
	if genesis == nil || n.ledger.Height() != 0 {
		return nil
	}
	for _, f := range genesis.FreezeOutputs {
		ref := types.OutputRef{TxHash: f.TxHash}
		if err := n.ledger.UTXOs().Put(ref, f.Output); err != nil {
			return scpderr.New(scpderr.KindIO, "node.maybeSeedGenesis", err)
		}
	}
	return nil
}

// AttachNetwork wires svc as the node's PeerNetwork after construction,
// separated from New so tests can substitute memnet.
func (n *Node) AttachNetwork(svc network.PeerNetwork) {
	n.net = svc
}

// Start launches the event loop and kicks off nomination for the first
// open height.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.run()
	n.post(func() { n.startHeight(n.ledger.Height() + 1) })
}

// Stop cancels the event loop and waits for it to drain.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()
}

// run is the node's single cooperative event loop (§5): every inbound
// network event and every timer firing is funneled through post, so no
// two callbacks into the driver, ledger, or enrollment manager ever run
// concurrently with each other.
func (n *Node) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case fn := <-n.events:
			fn()
		}
	}
}

// post enqueues fn to run on the event loop. Safe to call from any
// goroutine (gossip callbacks, timers).
func (n *Node) post(fn func()) {
	select {
	case n.events <- fn:
	case <-n.ctx.Done():
	}
}

// Height returns the ledger's current committed height.
func (n *Node) Height() types.Height { return n.ledger.Height() }

// Fatal delivers an error once this node detects unrecoverable
// consensus divergence or corrupted persistent state (§7's Fatal
// error kind), the signal cmd/scpd uses to exit with code 2 instead of
// 0. Never closed; at most one value is ever sent.
func (n *Node) Fatal() <-chan error { return n.fatal }

// reportFatal records a fatal error for Fatal to deliver, without
// blocking if nothing is listening yet.
func (n *Node) reportFatal(err error) {
	select {
	case n.fatal <- err:
	default:
	}
}

// PublicKey returns the node's own validator identity.
func (n *Node) PublicKey() types.PublicKey { return n.ownKey }

// CreateEnrollmentData implements §6's admin-only
// create_enrollment_data() peer RPC: it generates this node's
// pre-image hash chain and signature-noise key, signs an Enrollment
// over frozenUTXO, and persists the node's own enrollment data. Not
// exposed over PeerNetwork (admin-only means locally invoked, e.g. by
// cmd/scpd's --create-enrollment flag, not gossiped or served to
// peers).
func (n *Node) CreateEnrollmentData(frozenUTXO wire.Hash) (*types.Enrollment, error) {
	e, err := n.enrollments.CreateOwn(n.signingKey, frozenUTXO)
	if err != nil {
		return nil, err
	}
	if data, err := n.enrollments.LoadNodeData(); err == nil {
		n.nodeData = data
	}
	return e, nil
}

// --- scp.QuorumSource ---

// QuorumFor implements scp.QuorumSource, resolving only the node's own
// quorum (the only key the driver ever looks up, since each node only
// drives its own federated-voting view).
func (n *Node) QuorumFor(pub types.PublicKey) (*types.QuorumConfig, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cfg, ok := n.quorumsByKey[pub]
	return cfg, ok
}

// --- scp.Nominator: quorum-set resolution ---

// GetQuorumSet implements scp.Nominator. hash identifies a quorum
// configuration by its canonical encoding's hash; every active
// validator's configuration is deterministically derivable from the
// current enrollment set (§4.2), so the local cache built by
// rebuildQuorums answers most lookups without a network round trip.
func (n *Node) GetQuorumSet(hash wire.Hash) (*types.QuorumConfig, bool) {
	n.mu.Lock()
	cfg, ok := n.quorumsByHash[hash]
	n.mu.Unlock()
	if ok {
		return cfg, true
	}
	if n.net == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	fetched, err := n.net.GetQuorumSet(ctx, hash)
	if err != nil {
		return nil, false
	}
	n.mu.Lock()
	n.quorumsByHash[fetched.Hash()] = fetched
	n.mu.Unlock()
	return fetched, true
}

// rebuildQuorums recomputes every active validator's quorum
// configuration from the current enrollment set, checks pairwise
// intersection across all of them (§4.2/§8's no-disjoint-quorums
// invariant), and replaces the node's lookup caches. Called once at
// startup and again whenever the Ledger Facade reports the active set
// changed.
func (n *Node) rebuildQuorums() error {
	active := n.enrollments.Active(n.ledger.Height())
	validatorSet := n.ledger.ActiveValidatorSet(n.ledger.Height())

	byKey := make(map[types.PublicKey]*types.QuorumConfig, len(validatorSet)+1)
	byHash := make(map[wire.Hash]*types.QuorumConfig, len(validatorSet)+1)

	ownCfg, err := quorum.Build(n.ownKey, active, n.ledger.UTXOs())
	if err != nil {
		return err
	}
	byKey[n.ownKey] = ownCfg
	byHash[ownCfg.Hash()] = ownCfg

	var all []*types.QuorumConfig
	all = append(all, ownCfg)
	for _, pub := range validatorSet {
		if pub == n.ownKey {
			continue
		}
		cfg, err := quorum.Build(pub, active, n.ledger.UTXOs())
		if err != nil {
			n.logger.Warn("skip unbuildable quorum", "validator", pub, "error", err)
			continue
		}
		byKey[pub] = cfg
		byHash[cfg.Hash()] = cfg
		all = append(all, cfg)
	}

	if err := quorum.GlobalIntersectionCheck(all); err != nil {
		return err
	}

	n.mu.Lock()
	n.quorumsByKey = byKey
	n.quorumsByHash = byHash
	n.mu.Unlock()
	return nil
}

// onActiveSetChanged is the Ledger Facade's callback (§3: "notifies the
// Quorum Builder if the active validator set changed"), run on the
// event loop since Apply is always called from there.
func (n *Node) onActiveSetChanged() {
	if err := n.rebuildQuorums(); err != nil {
		n.logger.Error("rebuild quorums after active set change failed", "error", err)
	}
}

// --- scp.Nominator: value validation ---

// ValidateValue implements scp.Nominator. value is the hash of a
// candidate transaction set; a hash this node hasn't seen the content
// for yet is MaybeValid (it may still turn out valid once the content
// arrives via put_transaction gossip or CombineCandidates resolution),
// per §4.3's validate_value contract.
func (n *Node) ValidateValue(slot types.Height, value scp.Value) scp.Validity {
	n.mu.Lock()
	txs, ok := n.candidates[value]
	n.mu.Unlock()
	if !ok {
		return scp.MaybeValid
	}
	if err := n.ledger.ValidateTxSet(txs); err != nil {
		return scp.Invalid
	}
	return scp.FullyValid
}

// CombineCandidates implements scp.Nominator: it picks the first
// candidate (by the slot's own hash-sorted ordering, already the order
// candidates arrives in) that validates fully, per the Open Question
// decision recorded in DESIGN.md. If none validates fully it falls
// back to the first candidate so balloting still makes progress
// against a value every quorum member can independently judge.
func (n *Node) CombineCandidates(slot types.Height, candidates []scp.Value) scp.Value {
	for _, v := range candidates {
		if n.ValidateValue(slot, v) == scp.FullyValid {
			return v
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return scp.Value{}
}

// --- scp.Nominator: envelope signing/emission ---

// SignEnvelope implements scp.Nominator.
func (n *Node) SignEnvelope(env *scp.Envelope) error {
	return env.Sign(n.signingKey)
}

// EmitEnvelope implements scp.Nominator: gossips env to the network.
// The driver has already applied env's local effects before calling
// this, so no loopback delivery is needed.
func (n *Node) EmitEnvelope(env *scp.Envelope) {
	if n.net == nil {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	if err := n.net.GossipEnvelope(ctx, env); err != nil {
		n.logger.Warn("gossip envelope failed", "slot", env.Statement.Slot, "error", err)
	}
}

// --- scp.Nominator: timers ---

// SetupTimer implements scp.Nominator by scheduling fire to run on the
// event loop after delay. The driver's own watermark bookkeeping
// (timerSet.isLive) decides whether a late firing still matters; this
// method only guarantees fire never races other event-loop work.
func (n *Node) SetupTimer(slot types.Height, class scp.TimerClass, id uint64, delay time.Duration, fire func()) {
	time.AfterFunc(delay, func() { n.post(fire) })
}

// --- network handlers ---

// OnEnvelope is the network.Handlers callback for gossiped consensus
// envelopes.
func (n *Node) OnEnvelope(env *scp.Envelope, from peer.ID) {
	n.post(func() {
		if err := n.driver.ReceiveEnvelope(env); err != nil {
			n.logger.Debug("reject envelope", "from", from, "error", err)
		}
	})
}

// OnTransaction is the network.Handlers callback for gossiped
// transactions: it adds tx to the mempool so a future proposal can
// include it.
func (n *Node) OnTransaction(tx *types.Transaction, from peer.ID) {
	n.post(func() {
		n.mempool = append(n.mempool, *tx)
	})
}
