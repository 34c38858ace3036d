package types

import "github.com/scpchain/scpd/wire"

// QuorumConfig is one validator's quorum slice: a set of 3-7 validator
// public keys (always including the owner) and a threshold, which this
// design fixes equal to the set size (unanimous), per §3/§4.2.
type QuorumConfig struct {
	Owner     PublicKey
	Members   []PublicKey // sorted ascending by public key
	Threshold int
}

// MarshalCanonical encodes the quorum configuration for both
// persistence and the get_quorum_set wire response.
func (q *QuorumConfig) MarshalCanonical() []byte {
	e := wire.NewEncoder()
	e.PutFixed(q.Owner[:])
	e.PutVarint(uint64(len(q.Members)))
	for _, m := range q.Members {
		e.PutFixed(m[:])
	}
	e.PutUint32(uint32(q.Threshold))
	return e.Bytes()
}

// UnmarshalCanonical decodes a quorum configuration from its canonical
// bytes.
func (q *QuorumConfig) UnmarshalCanonical(data []byte) error {
	d := wire.NewDecoder(data)
	owner, err := d.GetFixed(33)
	if err != nil {
		return err
	}
	n, err := d.GetVarint()
	if err != nil {
		return err
	}
	members := make([]PublicKey, n)
	for i := range members {
		m, err := d.GetFixed(33)
		if err != nil {
			return err
		}
		copy(members[i][:], m)
	}
	threshold, err := d.GetUint32()
	if err != nil {
		return err
	}
	copy(q.Owner[:], owner)
	q.Members = members
	q.Threshold = int(threshold)
	return nil
}

// Hash is the canonical identifier peers exchange in get_quorum_set
// requests and responses.
func (q *QuorumConfig) Hash() wire.Hash {
	return wire.Sum(wire.DomainQuorumSet, q.MarshalCanonical())
}

const (
	QuorumMinSize = 3
	QuorumMaxSize = 7
)

// Contains reports whether pub is a member of the quorum.
func (q *QuorumConfig) Contains(pub PublicKey) bool {
	for _, m := range q.Members {
		if m == pub {
			return true
		}
	}
	return false
}

// IsUnanimous reports whether the threshold equals the member count,
// the invariant §8 calls "Unanimous quorum".
func (q *QuorumConfig) IsUnanimous() bool {
	return q.Threshold == len(q.Members)
}
