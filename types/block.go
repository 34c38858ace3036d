package types

import (
	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/wire"
)

// BlockHeader is the canonically hashed, signed portion of a block.
type BlockHeader struct {
	PrevHash      wire.Hash
	MerkleRoot    wire.Hash
	Height        Height
	Enrollments   []Enrollment
	ValidatorBits *wire.BitField           // bit i set iff validator i (sorted by pubkey) signed
	CollectiveSig [crypto.SigSize]byte // aggregate Schnorr signature (R || s), §4.4
}

// Signature decodes CollectiveSig into a crypto.Signature.
func (h *BlockHeader) Signature() (crypto.Signature, error) {
	return crypto.SignatureFromBytes(h.CollectiveSig[:])
}

// SetSignature encodes sig into CollectiveSig.
func (h *BlockHeader) SetSignature(sig crypto.Signature) {
	h.CollectiveSig = sig.Bytes()
}

// SignedPayload returns the bytes the collective block signature signs:
// every field except the bitfield/R/S themselves (the signature cannot
// cover its own encoding).
func (h *BlockHeader) SignedPayload() []byte {
	e := wire.NewEncoder()
	e.PutFixed(h.PrevHash[:])
	e.PutFixed(h.MerkleRoot[:])
	e.PutUint64(uint64(h.Height))
	e.PutVarint(uint64(len(h.Enrollments)))
	for _, en := range h.Enrollments {
		e.PutBytes(en.MarshalCanonical())
	}
	return e.Bytes()
}

// Hash returns the canonical, domain-separated block hash used as
// PrevHash in the following block and as the challenge message for the
// collective signature.
func (h *BlockHeader) Hash() wire.Hash {
	return wire.Sum(wire.DomainBlockHeader, h.SignedPayload())
}

// MarshalCanonical encodes the full header, including the fields the
// collective signature itself doesn't cover, for persistence and
// get_blocks_from transport.
func (h *BlockHeader) MarshalCanonical() []byte {
	e := wire.NewEncoder()
	e.PutBytes(h.SignedPayload())
	if h.ValidatorBits != nil {
		e.PutUint8(1)
		e.PutBytes(h.ValidatorBits.MarshalCanonical())
	} else {
		e.PutUint8(0)
	}
	e.PutFixed(h.CollectiveSig[:])
	return e.Bytes()
}

// UnmarshalCanonical decodes a header from MarshalCanonical's output.
// It re-derives PrevHash/MerkleRoot/Height/Enrollments from the signed
// payload rather than duplicating their encoding.
func (h *BlockHeader) UnmarshalCanonical(data []byte) error {
	d := wire.NewDecoder(data)
	payload, err := d.GetBytes()
	if err != nil {
		return err
	}
	if err := decodeSignedPayload(h, payload); err != nil {
		return err
	}
	present, err := d.GetUint8()
	if err != nil {
		return err
	}
	if present == 1 {
		bitsData, err := d.GetBytes()
		if err != nil {
			return err
		}
		bits := &wire.BitField{}
		if err := bits.UnmarshalCanonical(bitsData); err != nil {
			return err
		}
		h.ValidatorBits = bits
	} else {
		h.ValidatorBits = nil
	}
	sig, err := d.GetFixed(crypto.SigSize)
	if err != nil {
		return err
	}
	copy(h.CollectiveSig[:], sig)
	return nil
}

// decodeSignedPayload parses the bytes SignedPayload produces, the
// portion of a header shared between hashing and full encoding.
func decodeSignedPayload(h *BlockHeader, data []byte) error {
	d := wire.NewDecoder(data)
	prev, err := d.GetFixed(32)
	if err != nil {
		return err
	}
	merkle, err := d.GetFixed(32)
	if err != nil {
		return err
	}
	height, err := d.GetUint64()
	if err != nil {
		return err
	}
	n, err := d.GetVarint()
	if err != nil {
		return err
	}
	enrollments := make([]Enrollment, n)
	for i := range enrollments {
		raw, err := d.GetBytes()
		if err != nil {
			return err
		}
		if err := enrollments[i].UnmarshalCanonical(raw); err != nil {
			return err
		}
	}
	copy(h.PrevHash[:], prev)
	copy(h.MerkleRoot[:], merkle)
	h.Height = Height(height)
	h.Enrollments = enrollments
	return nil
}

// Block pairs a header with its transaction set.
type Block struct {
	Header       BlockHeader
	Transactions []Transaction
}

// MarshalCanonical encodes the full block for get_blocks_from transport
// and block persistence.
func (b *Block) MarshalCanonical() []byte {
	e := wire.NewEncoder()
	e.PutBytes(b.Header.MarshalCanonical())
	e.PutVarint(uint64(len(b.Transactions)))
	for i := range b.Transactions {
		e.PutBytes(b.Transactions[i].MarshalCanonical())
	}
	return e.Bytes()
}

// UnmarshalCanonical decodes a block from MarshalCanonical's output.
func (b *Block) UnmarshalCanonical(data []byte) error {
	d := wire.NewDecoder(data)
	headerData, err := d.GetBytes()
	if err != nil {
		return err
	}
	if err := b.Header.UnmarshalCanonical(headerData); err != nil {
		return err
	}
	n, err := d.GetVarint()
	if err != nil {
		return err
	}
	txs := make([]Transaction, n)
	for i := range txs {
		raw, err := d.GetBytes()
		if err != nil {
			return err
		}
		if err := txs[i].UnmarshalCanonical(raw); err != nil {
			return err
		}
	}
	b.Transactions = txs
	return nil
}

// MerkleRootOf computes a simple binary Merkle root over transaction
// hashes, duplicating the last element on an odd level exactly as the
// teacher's common/ssz.Merkleize pads to a power of two, but without
// SSZ's zero-hash-by-limit padding since block bodies here have no
// fixed capacity.
func MerkleRootOf(txs []Transaction) wire.Hash {
	if len(txs) == 0 {
		return wire.ZeroHash
	}
	level := make([]wire.Hash, len(txs))
	for i, tx := range txs {
		level[i] = tx.Hash()
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]wire.Hash, len(level)/2)
		for i := range next {
			buf := make([]byte, 0, 64)
			buf = append(buf, level[2*i][:]...)
			buf = append(buf, level[2*i+1][:]...)
			next[i] = wire.Sum(wire.DomainBlockHeader, buf)
		}
		level = next
	}
	return level[0]
}
