package types

import (
	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/wire"
)

// OutputRef identifies a prior transaction output by the hash of the
// transaction that created it and the output's index within that
// transaction.
type OutputRef struct {
	TxHash wire.Hash
	Index  uint32
}

func (r OutputRef) MarshalCanonical() []byte {
	e := wire.NewEncoder()
	e.PutFixed(r.TxHash[:])
	e.PutUint32(r.Index)
	return e.Bytes()
}

// TxInput references a prior output and carries the spender's
// signature over the enclosing transaction's SignedHash.
type TxInput struct {
	Ref       OutputRef
	Signature [crypto.SigSize]byte // Schnorr (R || s), 33+32 bytes
}

func (in TxInput) marshalInto(e *wire.Encoder) {
	e.PutFixed(in.Ref.TxHash[:])
	e.PutUint32(in.Ref.Index)
	e.PutFixed(in.Signature[:])
}

// TxOutput pays an amount to a destination address under a lock
// script. The lock script is opaque to the consensus core; it is
// interpreted by the UTXO set the core reads through UTXOFinder.
type TxOutput struct {
	Amount     uint64
	Address    PublicKey
	LockScript []byte
	OutputType OutputType
}

func (out TxOutput) marshalInto(e *wire.Encoder) {
	e.PutUint64(out.Amount)
	e.PutFixed(out.Address[:])
	e.PutBytes(out.LockScript)
	e.PutUint8(uint8(out.OutputType))
}

// MarshalCanonical encodes a single output on its own, used to persist
// unspent outputs in the UTXO store independent of any transaction.
func (out TxOutput) MarshalCanonical() []byte {
	e := wire.NewEncoder()
	out.marshalInto(e)
	return e.Bytes()
}

// UnmarshalOutputCanonical decodes a single output previously encoded
// by TxOutput.MarshalCanonical.
func UnmarshalOutputCanonical(data []byte) (TxOutput, error) {
	d := wire.NewDecoder(data)
	amount, err := d.GetUint64()
	if err != nil {
		return TxOutput{}, err
	}
	addr, err := d.GetFixed(33)
	if err != nil {
		return TxOutput{}, err
	}
	lock, err := d.GetBytes()
	if err != nil {
		return TxOutput{}, err
	}
	otype, err := d.GetUint8()
	if err != nil {
		return TxOutput{}, err
	}
	var out TxOutput
	out.Amount = amount
	copy(out.Address[:], addr)
	out.LockScript = lock
	out.OutputType = OutputType(otype)
	return out, nil
}

// Transaction is a payment or freeze record with ordered inputs and
// outputs. Hashing is canonical and stable across peers, and the
// signature bytes of each input ARE included in Hash's preimage,
// since the core treats the signed transaction as the atomic unit
// peers gossip and reference by hash (inputs reference prior
// transactions by this same hash). Each input's own signature instead
// covers SignedPayload, which omits every input's signature bytes —
// otherwise a signature would need to cover its own encoding.
type Transaction struct {
	Inputs  []TxInput
	Outputs []TxOutput
}

// SignedPayload returns the bytes each input's signature signs: every
// field except the input signatures themselves.
func (tx *Transaction) SignedPayload() []byte {
	e := wire.NewEncoder()
	e.PutVarint(uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		e.PutFixed(in.Ref.TxHash[:])
		e.PutUint32(in.Ref.Index)
	}
	e.PutVarint(uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		out.marshalInto(e)
	}
	return e.Bytes()
}

// SignedHash is the domain-separated hash each input's signature signs.
func (tx *Transaction) SignedHash() wire.Hash {
	return wire.Sum(wire.DomainTransaction, tx.SignedPayload())
}

// MarshalCanonical encodes the transaction in struct declaration order
// with varint length prefixes on both sequences.
func (tx *Transaction) MarshalCanonical() []byte {
	e := wire.NewEncoder()
	e.PutVarint(uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		in.marshalInto(e)
	}
	e.PutVarint(uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		out.marshalInto(e)
	}
	return e.Bytes()
}

// Hash returns the transaction's canonical, domain-separated hash,
// including every input's signature: the identity peers gossip and
// reference by.
func (tx *Transaction) Hash() wire.Hash {
	return wire.Sum(wire.DomainTransaction, tx.MarshalCanonical())
}

// UnmarshalCanonical decodes a transaction from its canonical bytes.
func (tx *Transaction) UnmarshalCanonical(data []byte) error {
	d := wire.NewDecoder(data)
	nIn, err := d.GetVarint()
	if err != nil {
		return err
	}
	inputs := make([]TxInput, nIn)
	for i := range inputs {
		h, err := d.GetFixed(32)
		if err != nil {
			return err
		}
		idx, err := d.GetUint32()
		if err != nil {
			return err
		}
		sig, err := d.GetFixed(crypto.SigSize)
		if err != nil {
			return err
		}
		copy(inputs[i].Ref.TxHash[:], h)
		inputs[i].Ref.Index = idx
		copy(inputs[i].Signature[:], sig)
	}

	nOut, err := d.GetVarint()
	if err != nil {
		return err
	}
	outputs := make([]TxOutput, nOut)
	for i := range outputs {
		amount, err := d.GetUint64()
		if err != nil {
			return err
		}
		addr, err := d.GetFixed(33)
		if err != nil {
			return err
		}
		lock, err := d.GetBytes()
		if err != nil {
			return err
		}
		otype, err := d.GetUint8()
		if err != nil {
			return err
		}
		outputs[i].Amount = amount
		copy(outputs[i].Address[:], addr)
		outputs[i].LockScript = lock
		outputs[i].OutputType = OutputType(otype)
	}

	tx.Inputs = inputs
	tx.Outputs = outputs
	return nil
}
