// Package memnet implements network.PeerNetwork as an in-process fake,
// letting tests and local devnets wire several nodes together without a
// real libp2p host. Mirrors storage/memory's role beside storage/pebble:
// same interface, a mutex-guarded map instead of a disk-backed store.
package memnet

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/scpchain/scpd/network"
	"github.com/scpchain/scpd/scp"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// Hub is the shared medium a set of Peers gossip and query each other
// over. Zero value is ready to use.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[string]*Peer)}
}

// Peer is one node's view of the Hub: it implements
// network.PeerNetwork by broadcasting to, and querying, every other
// registered Peer.
type Peer struct {
	name     string
	hub      *Hub
	handlers *network.Handlers
	reader   network.ChainReader
}

// Join registers a new Peer named name on hub. name must be unique
// within the hub.
func (h *Hub) Join(name string, handlers *network.Handlers, reader network.ChainReader) (*Peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.peers[name]; exists {
		return nil, fmt.Errorf("memnet: peer %q already joined", name)
	}
	if h.peers == nil {
		h.peers = make(map[string]*Peer)
	}
	p := &Peer{name: name, hub: h, handlers: handlers, reader: reader}
	h.peers[name] = p
	return p, nil
}

// Leave removes a Peer from its Hub.
func (p *Peer) Leave() {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	delete(p.hub.peers, p.name)
}

func (p *Peer) others() []*Peer {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	out := make([]*Peer, 0, len(p.hub.peers))
	for name, peer := range p.hub.peers {
		if name != p.name {
			out = append(out, peer)
		}
	}
	return out
}

// GossipEnvelope delivers env to every other joined peer's OnEnvelope
// handler.
func (p *Peer) GossipEnvelope(ctx context.Context, env *scp.Envelope) error {
	for _, peer := range p.others() {
		if peer.handlers != nil && peer.handlers.OnEnvelope != nil {
			peer.handlers.OnEnvelope(env, "")
		}
	}
	return nil
}

// PutTransaction delivers tx to every other joined peer's
// OnTransaction handler.
func (p *Peer) PutTransaction(ctx context.Context, tx *types.Transaction) error {
	for _, peer := range p.others() {
		if peer.handlers != nil && peer.handlers.OnTransaction != nil {
			peer.handlers.OnTransaction(tx, "")
		}
	}
	return nil
}

// GossipContribution delivers data to every other joined peer's
// OnContribution handler.
func (p *Peer) GossipContribution(ctx context.Context, data []byte) error {
	for _, peer := range p.others() {
		if peer.handlers != nil && peer.handlers.OnContribution != nil {
			peer.handlers.OnContribution(data, "")
		}
	}
	return nil
}

// GetQuorumSet asks the other joined peers, in random order, for the
// quorum configuration matching hash, returning the first match.
func (p *Peer) GetQuorumSet(ctx context.Context, hash wire.Hash) (*types.QuorumConfig, error) {
	for _, peer := range shuffled(p.others()) {
		if peer.reader == nil {
			continue
		}
		if cfg, ok := peer.reader.QuorumSetByHash(hash); ok {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("memnet: no peer has quorum set %x", hash)
}

// GetBlockHeight asks a random other joined peer for its current
// chain height.
func (p *Peer) GetBlockHeight(ctx context.Context) (uint64, error) {
	for _, peer := range shuffled(p.others()) {
		if peer.reader == nil {
			continue
		}
		return uint64(peer.reader.Height()), nil
	}
	return 0, fmt.Errorf("memnet: no peers joined")
}

// GetBlocksFrom asks a random other joined peer for up to count
// blocks starting at height start.
func (p *Peer) GetBlocksFrom(ctx context.Context, start uint64, count int) ([]*types.Block, error) {
	for _, peer := range shuffled(p.others()) {
		if peer.reader == nil {
			continue
		}
		return peer.reader.BlocksFrom(types.Height(start), count)
	}
	return nil, fmt.Errorf("memnet: no peers joined")
}

// HasEnrollment asks a random other joined peer whether it has an
// enrollment matching hash.
func (p *Peer) HasEnrollment(ctx context.Context, hash wire.Hash) (bool, error) {
	for _, peer := range shuffled(p.others()) {
		if peer.reader == nil {
			continue
		}
		return peer.reader.HasEnrollment(hash), nil
	}
	return false, fmt.Errorf("memnet: no peers joined")
}

// GetEnrollment asks the other joined peers, in random order, for the
// enrollment matching hash, returning the first match.
func (p *Peer) GetEnrollment(ctx context.Context, hash wire.Hash) (*types.Enrollment, error) {
	for _, peer := range shuffled(p.others()) {
		if peer.reader == nil {
			continue
		}
		if e, ok := peer.reader.GetEnrollment(hash); ok {
			return e, nil
		}
	}
	return nil, fmt.Errorf("memnet: no peer has enrollment %x", hash)
}

// EnrollValidator submits e to a random other joined peer.
func (p *Peer) EnrollValidator(ctx context.Context, e *types.Enrollment) error {
	for _, peer := range shuffled(p.others()) {
		if peer.reader == nil {
			continue
		}
		return peer.reader.EnrollValidator(e)
	}
	return fmt.Errorf("memnet: no peers joined")
}

func shuffled(peers []*Peer) []*Peer {
	out := make([]*Peer, len(peers))
	copy(out, peers)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

var _ network.PeerNetwork = (*Peer)(nil)
