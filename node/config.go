// Package node wires the Enrollment Manager, Quorum Builder, SCP
// Driver, Block Signer/Verifier, and Ledger Facade into a runnable
// process: it owns the node's storage, signing key, peer network, and
// the single event loop that drives consensus forward. Grounded on the
// teacher's node.Node, generalized from its wall-clock slot ticker to
// SCP's externalize-driven progression (§5 FULL).
package node

import (
	"log/slog"

	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// Config holds everything New needs to construct a Node, mirroring the
// teacher's node.Config but replacing its genesis-time/validator-count
// placeholders with this chain's enrollment-driven bootstrap.
type Config struct {
	// DataDir selects a pebble-backed store at that path. If empty, the
	// node runs against an in-memory store (used by tests and local
	// devnets that don't need to survive a restart).
	DataDir string

	// ListenAddrs and Bootnodes configure the libp2p host, passed
	// straight through to network.NewHost / network.ParseBootnodes.
	ListenAddrs []string
	Bootnodes   []string

	// SigningKey is the node's validator identity: the scalar backing
	// both its UTXO-owner public key and its SCP envelope signature
	// key. Loaded from config by default; overridable with --seed
	// (§6's CLI contract).
	SigningKey crypto.Scalar

	// Genesis seeds an empty store on first run: it is ignored if the
	// store already has a chain height persisted.
	Genesis *GenesisConfig

	Logger *slog.Logger
}

// GenesisConfig describes the initial UTXO set a fresh node bootstraps
// from (it carries no enrollments) — the "external collaborator" UTXO-set
// implementation beyond the read interface the core consumes (§1's
// explicit non-goal), stubbed here with the minimum needed to exercise
// enrollment and quorum formation end to end.
type GenesisConfig struct {
	// FreezeOutputs seeds the UTXO set with one Freeze output per
	// founding validator, keyed by an arbitrary synthetic transaction
	// hash so enrollments can reference them by OutputRef.
	FreezeOutputs []GenesisFreeze
}

// GenesisFreeze is one founding validator's frozen stake.
type GenesisFreeze struct {
	TxHash wire.Hash
	Output types.TxOutput
}
