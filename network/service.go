package network

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/scpchain/scpd/scp"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// PeerNetwork is everything the node's event loop needs from the
// network: gossiping consensus envelopes and transactions, and asking
// a specific peer for a quorum set or a range of blocks during catch-up.
type PeerNetwork interface {
	GossipEnvelope(ctx context.Context, env *scp.Envelope) error
	GetQuorumSet(ctx context.Context, hash wire.Hash) (*types.QuorumConfig, error)
	PutTransaction(ctx context.Context, tx *types.Transaction) error
	GetBlockHeight(ctx context.Context) (uint64, error)
	GetBlocksFrom(ctx context.Context, start uint64, count int) ([]*types.Block, error)
	HasEnrollment(ctx context.Context, hash wire.Hash) (bool, error)
	GetEnrollment(ctx context.Context, hash wire.Hash) (*types.Enrollment, error)
	EnrollValidator(ctx context.Context, e *types.Enrollment) error
}

// EnvelopeHandler processes an incoming consensus envelope gossiped by
// a peer.
type EnvelopeHandler func(env *scp.Envelope, from peer.ID)

// TransactionHandler processes an incoming transaction gossiped by a
// peer.
type TransactionHandler func(tx *types.Transaction, from peer.ID)

// ContributionHandler processes an incoming block-signature
// contribution gossiped by a peer. Contributions are an internal,
// node-owned wire format (not part of the core's PeerNetwork
// contract), so Service passes the raw decompressed payload through
// rather than decoding it itself — mirrors the teacher's separation
// between networking.Service (transport) and node.Node (message
// semantics) for its attestation topic.
type ContributionHandler func(data []byte, from peer.ID)

// Handlers holds the node's callbacks for gossiped messages.
type Handlers struct {
	OnEnvelope     EnvelopeHandler
	OnTransaction  TransactionHandler
	OnContribution ContributionHandler
}

// Service is the libp2p-backed PeerNetwork implementation: gossipsub
// for envelopes and transactions, a request-response protocol for
// quorum-set lookups and block sync. Grounded on the teacher's
// networking.Service, generalized from its fixed block/attestation
// topic pair to this chain's envelope/transaction pair plus the added
// request-response side the teacher's design didn't need.
type Service struct {
	host     host.Host
	pubsub   *pubsub.PubSub
	handlers *Handlers
	logger   *slog.Logger
	reqresp  *reqRespHandler

	envelopeTopic     *pubsub.Topic
	envelopeSub       *pubsub.Subscription
	txTopic           *pubsub.Topic
	txSub             *pubsub.Subscription
	contributionTopic *pubsub.Topic
	contributionSub   *pubsub.Subscription

	failedBootnodes []peer.AddrInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the parameters for a Service.
type Config struct {
	Host      host.Host
	Handlers  *Handlers
	Reader    ChainReader
	Bootnodes []peer.AddrInfo
	Logger    *slog.Logger
}

// NewService builds a Service over cfg.Host: joins and subscribes to
// the envelope/transaction topics, registers the request-response
// protocol handlers, and attempts (once) to connect to any configured
// bootnodes, queueing the rest for periodic retry.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ps, err := NewGossipSub(ctx, cfg.Host)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: create gossipsub: %w", err)
	}

	envelopeTopic, err := ps.Join(EnvelopeTopic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: join envelope topic: %w", err)
	}
	txTopic, err := ps.Join(TransactionTopic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: join transaction topic: %w", err)
	}
	contributionTopic, err := ps.Join(ContributionTopic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: join contribution topic: %w", err)
	}

	envelopeSub, err := envelopeTopic.Subscribe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: subscribe envelope topic: %w", err)
	}
	txSub, err := txTopic.Subscribe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: subscribe transaction topic: %w", err)
	}
	contributionSub, err := contributionTopic.Subscribe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: subscribe contribution topic: %w", err)
	}

	svc := &Service{
		host:              cfg.Host,
		pubsub:            ps,
		handlers:          cfg.Handlers,
		logger:            logger,
		reqresp:           newReqRespHandler(cfg.Host, cfg.Reader),
		envelopeTopic:     envelopeTopic,
		envelopeSub:       envelopeSub,
		txTopic:           txTopic,
		txSub:             txSub,
		contributionTopic: contributionTopic,
		contributionSub:   contributionSub,
		ctx:               ctx,
		cancel:            cancel,
	}
	svc.reqresp.registerProtocols()

	for _, pi := range cfg.Bootnodes {
		if err := cfg.Host.Connect(ctx, pi); err != nil {
			logger.Warn("failed to connect to bootnode", "peer", pi.ID, "error", err)
			svc.failedBootnodes = append(svc.failedBootnodes, pi)
		} else {
			logger.Info("connected to bootnode", "peer", pi.ID)
		}
	}

	return svc, nil
}

// Start launches the background goroutines that drain gossip
// subscriptions and retry failed bootnode connections.
func (s *Service) Start() {
	s.wg.Add(3)
	go s.processEnvelopes()
	go s.processTransactions()
	go s.processContributions()

	if len(s.failedBootnodes) > 0 {
		s.wg.Add(1)
		go s.retryBootnodes()
	}

	s.logger.Info("network service started", "peer_id", s.host.ID(), "addrs", s.host.Addrs())
}

// Stop cancels the service's context, unsubscribes, waits for the
// background goroutines to exit, and closes the host.
func (s *Service) Stop() {
	s.cancel()
	s.envelopeSub.Cancel()
	s.txSub.Cancel()
	s.contributionSub.Cancel()
	s.wg.Wait()
	_ = s.host.Close()
	s.logger.Info("network service stopped")
}

// GossipEnvelope publishes a signed consensus envelope to the network.
func (s *Service) GossipEnvelope(ctx context.Context, env *scp.Envelope) error {
	return s.envelopeTopic.Publish(ctx, compress(env.MarshalCanonical()))
}

// PutTransaction publishes a transaction to the network.
func (s *Service) PutTransaction(ctx context.Context, tx *types.Transaction) error {
	return s.txTopic.Publish(ctx, compress(tx.MarshalCanonical()))
}

// GossipContribution publishes a node-encoded block-signature
// contribution to the network.
func (s *Service) GossipContribution(ctx context.Context, data []byte) error {
	return s.contributionTopic.Publish(ctx, compress(data))
}

// GetQuorumSet asks a connected peer for the quorum configuration
// matching hash, trying peers in turn until one answers.
func (s *Service) GetQuorumSet(ctx context.Context, hash wire.Hash) (*types.QuorumConfig, error) {
	var lastErr error
	for _, p := range s.candidatePeers() {
		cfg, err := requestQuorumSet(s.host, p, hash)
		if err == nil {
			return cfg, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("network: no connected peers")
	}
	return nil, fmt.Errorf("network: get quorum set: %w", lastErr)
}

// GetBlockHeight asks a connected peer for its current chain height.
func (s *Service) GetBlockHeight(ctx context.Context) (uint64, error) {
	var lastErr error
	for _, p := range s.candidatePeers() {
		h, err := requestBlockHeight(s.host, p)
		if err == nil {
			return uint64(h), nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("network: no connected peers")
	}
	return 0, fmt.Errorf("network: get block height: %w", lastErr)
}

// GetBlocksFrom asks a connected peer for up to count blocks starting
// at height start.
func (s *Service) GetBlocksFrom(ctx context.Context, start uint64, count int) ([]*types.Block, error) {
	var lastErr error
	for _, p := range s.candidatePeers() {
		blocks, err := requestBlocksFrom(s.host, p, types.Height(start), count)
		if err == nil {
			return blocks, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("network: no connected peers")
	}
	return nil, fmt.Errorf("network: get blocks from: %w", lastErr)
}

// HasEnrollment asks a connected peer whether it has an enrollment
// matching hash.
func (s *Service) HasEnrollment(ctx context.Context, hash wire.Hash) (bool, error) {
	var lastErr error
	for _, p := range s.candidatePeers() {
		ok, err := requestHasEnrollment(s.host, p, hash)
		if err == nil {
			return ok, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("network: no connected peers")
	}
	return false, fmt.Errorf("network: has enrollment: %w", lastErr)
}

// GetEnrollment asks a connected peer for the enrollment matching hash.
func (s *Service) GetEnrollment(ctx context.Context, hash wire.Hash) (*types.Enrollment, error) {
	var lastErr error
	for _, p := range s.candidatePeers() {
		e, err := requestGetEnrollment(s.host, p, hash)
		if err == nil {
			return e, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("network: no connected peers")
	}
	return nil, fmt.Errorf("network: get enrollment: %w", lastErr)
}

// EnrollValidator submits e to a connected peer for admission into its
// pending enrollment set; tries peers in turn until one accepts it.
func (s *Service) EnrollValidator(ctx context.Context, e *types.Enrollment) error {
	var lastErr error
	for _, p := range s.candidatePeers() {
		if err := requestEnrollValidator(s.host, p, e); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("network: no connected peers")
	}
	return fmt.Errorf("network: enroll validator: %w", lastErr)
}

// candidatePeers returns the connected peer set in a random order, so
// repeated request-response calls spread load rather than hammering
// whichever peer happens to sort first.
func (s *Service) candidatePeers() []peer.ID {
	peers := s.host.Network().Peers()
	shuffled := make([]peer.ID, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled
}

// PeerCount returns the number of connected peers.
func (s *Service) PeerCount() int {
	return len(s.host.Network().Peers())
}

const bootnodeRetryInterval = 30 * time.Second

func (s *Service) retryBootnodes() {
	defer s.wg.Done()

	ticker := time.NewTicker(bootnodeRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			var remaining []peer.AddrInfo
			for _, pi := range s.failedBootnodes {
				if err := s.host.Connect(s.ctx, pi); err != nil {
					s.logger.Debug("bootnode reconnect failed", "peer", pi.ID, "error", err)
					remaining = append(remaining, pi)
				} else {
					s.logger.Info("reconnected to bootnode", "peer", pi.ID)
				}
			}
			s.failedBootnodes = remaining
			if len(s.failedBootnodes) == 0 {
				return
			}
		}
	}
}

func (s *Service) processEnvelopes() {
	defer s.wg.Done()

	for {
		msg, err := s.envelopeSub.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("envelope subscription error", "error", err)
			continue
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}

		data, err := decompress(msg.Data)
		if err != nil {
			s.logger.Debug("drop envelope: decompress failed", "error", err)
			continue
		}
		var env scp.Envelope
		if err := env.UnmarshalCanonical(data); err != nil {
			s.logger.Debug("drop envelope: decode failed", "error", err)
			continue
		}
		if !env.VerifySignature() {
			s.logger.Debug("drop envelope: bad signature", "from", msg.ReceivedFrom)
			continue
		}

		if s.handlers != nil && s.handlers.OnEnvelope != nil {
			s.handlers.OnEnvelope(&env, msg.ReceivedFrom)
		}
	}
}

func (s *Service) processTransactions() {
	defer s.wg.Done()

	for {
		msg, err := s.txSub.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("transaction subscription error", "error", err)
			continue
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}

		data, err := decompress(msg.Data)
		if err != nil {
			s.logger.Debug("drop transaction: decompress failed", "error", err)
			continue
		}
		var tx types.Transaction
		if err := tx.UnmarshalCanonical(data); err != nil {
			s.logger.Debug("drop transaction: decode failed", "error", err)
			continue
		}

		if s.handlers != nil && s.handlers.OnTransaction != nil {
			s.handlers.OnTransaction(&tx, msg.ReceivedFrom)
		}
	}
}

func (s *Service) processContributions() {
	defer s.wg.Done()

	for {
		msg, err := s.contributionSub.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("contribution subscription error", "error", err)
			continue
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}

		data, err := decompress(msg.Data)
		if err != nil {
			s.logger.Debug("drop contribution: decompress failed", "error", err)
			continue
		}

		if s.handlers != nil && s.handlers.OnContribution != nil {
			s.handlers.OnContribution(data, msg.ReceivedFrom)
		}
	}
}
