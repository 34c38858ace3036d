package scp

import (
	"fmt"
	"sync"

	"github.com/scpchain/scpd/scpderr"
	"github.com/scpchain/scpd/types"
)

// QuorumSource resolves a validator's quorum configuration, used both
// to start a new slot (the owner's own quorum) and to validate
// incoming envelopes are from a sender the owner actually listens to.
type QuorumSource interface {
	QuorumFor(pub types.PublicKey) (*types.QuorumConfig, bool)
}

// Driver owns one Slot per open height and routes inbound envelopes and
// outbound nominate calls to the right one, per §4.3's "SCP Driver
// (FBA State Machine)".
type Driver struct {
	mu        sync.Mutex
	ownKey    types.PublicKey
	nominator Nominator
	quorums   QuorumSource
	slots     map[types.Height]*Slot
	lowest    types.Height
}

// NewDriver constructs a Driver for ownKey. lowestOpen is the first
// height the driver will accept nomination/envelopes for — ordinarily
// one past the highest externalized (or restored) height.
func NewDriver(ownKey types.PublicKey, nominator Nominator, quorums QuorumSource, lowestOpen types.Height) *Driver {
	return &Driver{
		ownKey:    ownKey,
		nominator: nominator,
		quorums:   quorums,
		slots:     make(map[types.Height]*Slot),
		lowest:    lowestOpen,
	}
}

func (d *Driver) slotFor(height types.Height) (*Slot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if height < d.lowest {
		return nil, scpderr.New(scpderr.KindConsensus, "scp.Driver",
			errStaleHeight{height: height, lowest: d.lowest})
	}
	if s, ok := d.slots[height]; ok {
		return s, nil
	}
	quorum, ok := d.quorums.QuorumFor(d.ownKey)
	if !ok {
		return nil, scpderr.New(scpderr.KindConsensus, "scp.Driver", errNoQuorum{height: height})
	}
	s := newSlot(height, d.ownKey, quorum, d.nominator)
	d.slots[height] = s
	return s, nil
}

// Nominate starts (or continues) a height's nomination round with
// proposed as one of the node's own votes.
func (d *Driver) Nominate(height types.Height, proposed Value) error {
	s, err := d.slotFor(height)
	if err != nil {
		return err
	}
	s.nominate(proposed)
	return nil
}

// ReceiveEnvelope routes an inbound signed envelope to its slot after
// checking the signature and that the sender is a member of the
// owner's quorum for that height.
func (d *Driver) ReceiveEnvelope(env *Envelope) error {
	if !env.VerifySignature() {
		return scpderr.New(scpderr.KindConsensus, "scp.Driver.ReceiveEnvelope", errBadSignature{})
	}
	s, err := d.slotFor(env.Statement.Slot)
	if err != nil {
		return err
	}
	if !s.quorum.Contains(env.PublicKey) && env.PublicKey != d.ownKey {
		return nil
	}
	s.receiveEnvelope(env)
	return nil
}

// ValueExternalized reports the externalized value for height, if any.
func (d *Driver) ValueExternalized(height types.Height) (Value, bool) {
	d.mu.Lock()
	s, ok := d.slots[height]
	d.mu.Unlock()
	if !ok {
		return Value{}, false
	}
	return s.ExternalizedValue()
}

// AdvanceLowest bumps the lowest open height, pruning slots below it.
// Called once a height has been durably applied to the ledger so the
// driver need not keep its full history resident.
func (d *Driver) AdvanceLowest(height types.Height) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if height <= d.lowest {
		return
	}
	d.lowest = height
	for h := range d.slots {
		if h < height {
			delete(d.slots, h)
		}
	}
}

// Restore installs a slot already in the externalized phase, holding the
// committed value, for every height in [fromHeight, toHeight) that
// valueAt resolves, so a restarted node's
// driver reflects ledger state without replaying the ballot protocol
// for blocks the Ledger Facade already applied. valueAt resolves a
// committed height to the value (candidate hash) that was agreed on.
func (d *Driver) Restore(fromHeight, toHeight types.Height, valueAt func(types.Height) (Value, bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h := fromHeight; h < toHeight; h++ {
		value, ok := valueAt(h)
		if !ok {
			continue
		}
		quorum, ok := d.quorums.QuorumFor(d.ownKey)
		if !ok {
			continue
		}
		s := newSlot(h, d.ownKey, quorum, d.nominator)
		s.phase = phaseExternalized
		s.externalized = true
		s.externalizedValue = value
		d.slots[h] = s
	}
	if toHeight > d.lowest {
		d.lowest = toHeight
	}
}

type errStaleHeight struct {
	height, lowest types.Height
}

func (e errStaleHeight) Error() string {
	return fmt.Sprintf("scp: height %d is below the lowest open slot %d", e.height, e.lowest)
}

type errNoQuorum struct{ height types.Height }

func (e errNoQuorum) Error() string {
	return fmt.Sprintf("scp: no quorum configuration for own key at height %d", e.height)
}

type errBadSignature struct{}

func (errBadSignature) Error() string { return "scp: envelope signature verification failed" }
