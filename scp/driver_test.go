package scp

import (
	"sync"
	"testing"
	"time"

	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// testNetwork is an in-process, queue-based message bus: EmitEnvelope
// enqueues rather than calling ReceiveEnvelope synchronously, so a
// cascade of rebroadcasts during drain never re-enters an already-held
// Slot lock on the same goroutine.
type testNetwork struct {
	mu    sync.Mutex
	queue []queuedEnvelope
}

type queuedEnvelope struct {
	to  *Driver
	env *Envelope
}

func (n *testNetwork) enqueue(to *Driver, env *Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = append(n.queue, queuedEnvelope{to: to, env: env})
}

// drain delivers every queued envelope, including ones enqueued as a
// side effect of an earlier delivery, until the queue is empty or a
// safety bound is hit.
func (n *testNetwork) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		msg := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		_ = msg.to.ReceiveEnvelope(msg.env)
	}
	t.Fatalf("testNetwork.drain: exceeded safety bound without quiescing")
}

type fakeNominator struct {
	sk    crypto.Scalar
	net   *testNetwork
	peers []*Driver

	mu           sync.Mutex
	externalized map[types.Height]Value
}

func (f *fakeNominator) ValidateValue(types.Height, Value) Validity { return FullyValid }

func (f *fakeNominator) CombineCandidates(_ types.Height, candidates []Value) Value {
	if len(candidates) == 0 {
		return Value{}
	}
	return candidates[0]
}

func (f *fakeNominator) EmitEnvelope(env *Envelope) {
	for _, p := range f.peers {
		f.net.enqueue(p, env)
	}
}

func (f *fakeNominator) SignEnvelope(env *Envelope) error { return env.Sign(f.sk) }

func (f *fakeNominator) SetupTimer(types.Height, TimerClass, uint64, time.Duration, func()) {
	// Convergence in these tests comes entirely from honest quorum
	// participation; no test here depends on a timeout ever firing.
}

func (f *fakeNominator) GetQuorumSet(wire.Hash) (*types.QuorumConfig, bool) { return nil, false }

func (f *fakeNominator) ValueExternalized(slot types.Height, value Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.externalized == nil {
		f.externalized = make(map[types.Height]Value)
	}
	f.externalized[slot] = value
}

func (f *fakeNominator) externalizedValue(slot types.Height) (Value, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.externalized[slot]
	return v, ok
}

type fixedQuorumSource struct{ cfg *types.QuorumConfig }

func (f fixedQuorumSource) QuorumFor(types.PublicKey) (*types.QuorumConfig, bool) { return f.cfg, true }

func newTestPublicKey(t *testing.T) (crypto.Scalar, types.PublicKey) {
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

// threeNodeNetwork wires up three drivers sharing a single unanimous
// quorum (each node's own quorum config lists all three), the simplest
// topology that exercises federated voting end to end.
func threeNodeNetwork(t *testing.T) (drivers [3]*Driver, nominators [3]*fakeNominator, net *testNetwork) {
	t.Helper()
	net = &testNetwork{}
	var sks [3]crypto.Scalar
	var pubs [3]types.PublicKey
	for i := range sks {
		sks[i], pubs[i] = newTestPublicKey(t)
	}
	cfg := &types.QuorumConfig{Members: []types.PublicKey{pubs[0], pubs[1], pubs[2]}, Threshold: 3}

	for i := range drivers {
		own := cfg
		ownCfg := &types.QuorumConfig{Owner: pubs[i], Members: own.Members, Threshold: own.Threshold}
		nom := &fakeNominator{sk: sks[i], net: net}
		nominators[i] = nom
		drivers[i] = NewDriver(pubs[i], nom, fixedQuorumSource{cfg: ownCfg}, 0)
	}
	for i := range drivers {
		for j := range drivers {
			if i != j {
				nominators[i].peers = append(nominators[i].peers, drivers[j])
			}
		}
	}
	return drivers, nominators, net
}

func TestDriverExternalizesOnUnanimousNomination(t *testing.T) {
	drivers, nominators, net := threeNodeNetwork(t)
	value := wire.Sum(wire.DomainEnvelope, []byte("candidate-block"))

	for _, d := range drivers {
		if err := d.Nominate(1, value); err != nil {
			t.Fatalf("Nominate: %v", err)
		}
	}
	net.drain(t)

	for i, nom := range nominators {
		got, ok := nom.externalizedValue(1)
		if !ok {
			t.Fatalf("node %d: expected slot 1 to externalize", i)
		}
		if got != value {
			t.Fatalf("node %d: externalized %x, want %x", i, got, value)
		}
		if ev, ok := drivers[i].ValueExternalized(1); !ok || ev != value {
			t.Fatalf("node %d: Driver.ValueExternalized = (%x, %v), want (%x, true)", i, ev, ok, value)
		}
	}
}

func TestDriverNominateRejectsStaleHeight(t *testing.T) {
	drivers, _, _ := threeNodeNetwork(t)
	drivers[0].AdvanceLowest(5)
	if err := drivers[0].Nominate(1, Value{0x01}); err == nil {
		t.Fatalf("expected Nominate on a height below the lowest open slot to fail")
	}
}

func TestDriverReceiveEnvelopeRejectsBadSignature(t *testing.T) {
	drivers, nominators, _ := threeNodeNetwork(t)
	env := &Envelope{Statement: Statement{Phase: PhaseNominate, Slot: 1}}
	if err := nominators[0].SignEnvelope(env); err != nil {
		t.Fatalf("SignEnvelope: %v", err)
	}
	env.Statement.Slot = 2 // tamper after signing
	if err := drivers[1].ReceiveEnvelope(env); err == nil {
		t.Fatalf("expected a tampered envelope to be rejected")
	}
}

func TestDriverRestoreSynthesizesExternalizedSlots(t *testing.T) {
	drivers, _, _ := threeNodeNetwork(t)
	value := wire.Sum(wire.DomainEnvelope, []byte("genesis-block"))
	drivers[0].Restore(0, 3, func(h types.Height) (Value, bool) {
		return value, true
	})
	for h := types.Height(0); h < 3; h++ {
		got, ok := drivers[0].ValueExternalized(h)
		if !ok || got != value {
			t.Fatalf("height %d: ValueExternalized = (%x, %v), want (%x, true)", h, got, ok, value)
		}
	}
	if err := drivers[0].Nominate(1, value); err == nil {
		t.Fatalf("expected Nominate on an already-restored height to fail (below lowest open slot)")
	}
}
