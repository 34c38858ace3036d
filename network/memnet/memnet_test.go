package memnet

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/scpchain/scpd/network"
	"github.com/scpchain/scpd/scp"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

type fakeReader struct {
	height types.Height
	cfg    *types.QuorumConfig
}

func (f *fakeReader) QuorumSetByHash(hash wire.Hash) (*types.QuorumConfig, bool) {
	if f.cfg == nil {
		return nil, false
	}
	return f.cfg, true
}

func (f *fakeReader) Height() types.Height { return f.height }

func (f *fakeReader) BlocksFrom(start types.Height, count int) ([]*types.Block, error) {
	return nil, nil
}

func (f *fakeReader) HasEnrollment(hash wire.Hash) bool { return false }

func (f *fakeReader) GetEnrollment(hash wire.Hash) (*types.Enrollment, bool) { return nil, false }

func (f *fakeReader) EnrollValidator(e *types.Enrollment) error { return nil }

func TestPeerGossipEnvelopeReachesOtherPeers(t *testing.T) {
	hub := NewHub()

	var received *scp.Envelope
	a, err := hub.Join("a", &network.Handlers{}, &fakeReader{})
	if err != nil {
		t.Fatalf("Join a: %v", err)
	}
	if _, err := hub.Join("b", &network.Handlers{
		OnEnvelope: func(env *scp.Envelope, from peer.ID) { received = env },
	}, &fakeReader{}); err != nil {
		t.Fatalf("Join b: %v", err)
	}

	env := &scp.Envelope{}
	if err := a.GossipEnvelope(context.Background(), env); err != nil {
		t.Fatalf("GossipEnvelope: %v", err)
	}
	if received != env {
		t.Fatalf("expected peer b to receive the gossiped envelope")
	}
}

func TestPeerGetBlockHeightQueriesAnotherPeer(t *testing.T) {
	hub := NewHub()
	a, err := hub.Join("a", &network.Handlers{}, &fakeReader{height: 0})
	if err != nil {
		t.Fatalf("Join a: %v", err)
	}
	if _, err := hub.Join("b", &network.Handlers{}, &fakeReader{height: 41}); err != nil {
		t.Fatalf("Join b: %v", err)
	}

	height, err := a.GetBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("GetBlockHeight: %v", err)
	}
	if height != 41 {
		t.Fatalf("GetBlockHeight = %d, want 41", height)
	}
}

func TestPeerJoinRejectsDuplicateName(t *testing.T) {
	hub := NewHub()
	if _, err := hub.Join("a", &network.Handlers{}, &fakeReader{}); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	if _, err := hub.Join("a", &network.Handlers{}, &fakeReader{}); err == nil {
		t.Fatalf("expected duplicate Join to fail")
	}
}
