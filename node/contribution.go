package node

import (
	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// contribution is the node-owned wire format gossiped over
// network.ContributionTopic. The collective block signature's
// Fiat-Shamir challenge depends on the full aggregate nonce R and
// aggregate public key P of every participating signer (§4.4), so a
// validator cannot compute its own partial share until it has seen
// every other active validator's revealed pre-image for the height.
// Collection therefore runs in two rounds over the same topic:
//
//  1. every active validator gossips a contribution carrying only
//     Height/PublicKey/Preimage (Share absent);
//  2. once a validator has collected a preimage from every member of
//     the active set, it can independently derive R and P (§4.4's
//     expectedR, from each member's public NoisePoint and revealed
//     preimage) and compute its own partial signature share, which it
//     then gossips as a second contribution carrying the same
//     Height/PublicKey/Preimage plus Share.
//
// See the "Block-signature contribution gossip" note in DESIGN.md for
// why this lives outside the core PeerNetwork contract, and for the
// full-participation simplification this collection scheme assumes.
type contribution struct {
	Height    types.Height
	PublicKey types.PublicKey
	Preimage  wire.Hash
	HasShare  bool
	Share     crypto.Scalar
}

func (c *contribution) marshalCanonical() []byte {
	e := wire.NewEncoder()
	e.PutUint64(uint64(c.Height))
	e.PutFixed(c.PublicKey[:])
	e.PutFixed(c.Preimage[:])
	if c.HasShare {
		e.PutUint8(1)
		shareBytes := c.Share.Bytes()
		e.PutFixed(shareBytes[:])
	} else {
		e.PutUint8(0)
	}
	return e.Bytes()
}

func (c *contribution) unmarshalCanonical(data []byte) error {
	d := wire.NewDecoder(data)
	height, err := d.GetUint64()
	if err != nil {
		return err
	}
	pub, err := d.GetFixed(33)
	if err != nil {
		return err
	}
	preimage, err := d.GetFixed(32)
	if err != nil {
		return err
	}
	hasShare, err := d.GetUint8()
	if err != nil {
		return err
	}
	c.Height = types.Height(height)
	copy(c.PublicKey[:], pub)
	copy(c.Preimage[:], preimage)
	c.HasShare = hasShare == 1
	if c.HasShare {
		shareBytes, err := d.GetFixed(32)
		if err != nil {
			return err
		}
		share, err := crypto.ScalarFromBytes(shareBytes)
		if err != nil {
			return err
		}
		c.Share = share
	}
	return nil
}
