// Package scp implements the SCP Driver of §4.3: a per-height slot
// state machine carrying nomination and ballot (prepare/confirm)
// federated voting through to externalization, exactly as the
// teacher's forkchoice.Store owns one State per root — here one Slot
// per block height.
package scp

import "github.com/scpchain/scpd/wire"

// Value is the externalizable unit a slot agrees on: the hash of a
// candidate transaction set. Resolving a Value to its actual content
// (the transaction set gossiped separately) is the Nominator's
// concern, not the driver's — application-level transaction semantics
// are explicitly out of scope here.
type Value = wire.Hash

// Ballot is a (counter, value) pair, ordered lexicographically by
// counter then value (§4.3).
type Ballot struct {
	Counter uint32
	Value   Value
}

// Compare returns -1, 0, or 1 as b orders before, equal to, or after
// other.
func (b Ballot) Compare(other Ballot) int {
	if b.Counter != other.Counter {
		if b.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return b.Value.Compare(other.Value)
}

func (b Ballot) Less(other Ballot) bool { return b.Compare(other) < 0 }

func (b Ballot) IsZero() bool { return b.Counter == 0 }
