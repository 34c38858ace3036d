package scp

import "github.com/scpchain/scpd/types"

// quorumAccepts reports whether every member of quorum — the owner
// included — has asserted the predicate captured by asserted.
func quorumAccepts(quorum *types.QuorumConfig, asserted map[types.PublicKey]bool) bool {
	for _, m := range quorum.Members {
		if !asserted[m] {
			return false
		}
	}
	return true
}

// vBlockingAccepts reports whether a v-blocking subset of quorum has
// asserted the predicate. Every QuorumConfig this system builds is
// unanimous (threshold == len(members), §4.2's quorum builder), which
// gives a node's quorum exactly one slice — its own full member set —
// so the general "intersects every slice" rule collapses to "any
// single other member asserted it": hitting the one slice at all is
// enough to block.
func vBlockingAccepts(quorum *types.QuorumConfig, asserted map[types.PublicKey]bool) bool {
	for _, m := range quorum.Members {
		if m == quorum.Owner {
			continue
		}
		if asserted[m] {
			return true
		}
	}
	return false
}
