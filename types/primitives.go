// Package types defines the consensus core's data model: transactions,
// the read-only UTXO view, enrollments, block headers, and quorum
// configurations, with canonical (hash-stable) encoding for each.
package types

import "github.com/scpchain/scpd/wire"

// Height identifies a block by its position in the chain.
type Height uint64

// PublicKey is a 33-byte compressed secp256k1 point, identifying both a
// UTXO owner and, once enrolled, a validator.
type PublicKey [33]byte

func (p PublicKey) Hash() wire.Hash {
	return wire.Sum(wire.DomainEnrollment, p[:])
}

func (p PublicKey) Compare(other PublicKey) int {
	for i := range p {
		if p[i] != other[i] {
			if p[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// OutputType distinguishes a plain payment output from a Freeze output
// that backs a validator enrollment.
type OutputType uint8

const (
	OutputTypePayment OutputType = iota
	OutputTypeFreeze
)

// MinFreezeAmount is the minimum amount a Freeze output must carry to
// back an enrollment (§3, §4.1).
const MinFreezeAmount uint64 = 40_000_000_000000 // 40,000,000 coins at 1e6 decimals

// CycleLength is the fixed enrollment cycle length in blocks (§3).
const CycleLength = 1008

// MissedBlocksPenalty is the number of consecutive missed
// pre-image/signature contributions within a cycle after which the
// Ledger Facade administratively expires the enrollment early. Not part
// of spec.md's explicit model; supplemented from the original
// implementation's missed-validator handling (see SPEC_FULL.md §4.5).
const MissedBlocksPenalty = 3
