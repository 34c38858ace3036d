package scp

import (
	"time"

	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// Validity is the result of validating a candidate value against
// application state (§4.3's validate_value).
type Validity uint8

const (
	Invalid Validity = iota
	MaybeValid
	FullyValid
)

// TimerClass distinguishes the two timer families a slot drives (§5):
// nomination round timeouts and ballot round timeouts. Each class is
// cancelled independently of the other by bumping its own watermark.
type TimerClass uint8

const (
	TimerNomination TimerClass = iota
	TimerBallot
)

// Nominator is the capability set a Driver calls out to, modeled
// exactly as §9's design notes describe: {validate_value,
// combine_candidates, emit_envelope, sign_envelope, setup_timer,
// get_quorum_set, value_externalized}. A concrete implementation wires
// validate_value to the Ledger Facade's transaction-set validation,
// emit_envelope to gossip, and sign_envelope to the node's own SCP
// signing key.
type Nominator interface {
	// ValidateValue judges a candidate value without side effects.
	ValidateValue(slot types.Height, value Value) Validity

	// CombineCandidates picks one value to ballot on from several
	// accepted nominees. Candidates are passed sorted ascending by
	// hash for determinism; the caller is free to pick any one of
	// them (see the "first validating candidate" Open Question
	// decision in DESIGN.md).
	CombineCandidates(slot types.Height, candidates []Value) Value

	// EmitEnvelope broadcasts a signed envelope to the network.
	EmitEnvelope(env *Envelope)

	// SignEnvelope signs env in place under the node's SCP key.
	SignEnvelope(env *Envelope) error

	// SetupTimer schedules fire to run after delay unless cancelled
	// first. id is supplied by the driver so the nominator's timer
	// implementation need not track identity itself.
	SetupTimer(slot types.Height, class TimerClass, id uint64, delay time.Duration, fire func())

	// GetQuorumSet resolves a quorum configuration by the hash of its
	// canonical encoding, from a local cache or a peer request.
	GetQuorumSet(hash wire.Hash) (*types.QuorumConfig, bool)

	// ValueExternalized is called exactly once per slot, in strictly
	// increasing height order, when federated voting reaches
	// consensus on value for slot.
	ValueExternalized(slot types.Height, value Value)
}
