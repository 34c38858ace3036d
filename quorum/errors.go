package quorum

import (
	"fmt"

	"github.com/scpchain/scpd/types"
)

func errQuorumSize(n int) error {
	return fmt.Errorf("quorum size %d outside [%d, %d]", n, types.QuorumMinSize, types.QuorumMaxSize)
}

func errThresholdRange(t int) error {
	return fmt.Errorf("threshold %d out of range", t)
}

type errMissingSelf struct{}

func (errMissingSelf) Error() string { return "owner is not a member of its own quorum" }

type errDuplicateMember struct{}

func (errDuplicateMember) Error() string { return "quorum contains a duplicate member" }

type errDisjointQuorums struct {
	A, B types.PublicKey
}

func (e errDisjointQuorums) Error() string {
	return fmt.Sprintf("quorums for %x and %x do not intersect", e.A[:4], e.B[:4])
}
