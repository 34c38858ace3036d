// Package ledger implements the Ledger Facade of §4.5: UTXO-set
// validation and atomic block application, backed by storage.KV for
// the all-or-nothing commit pebble's batch API provides.
package ledger

import (
	"encoding/hex"

	"github.com/scpchain/scpd/storage"
	"github.com/scpchain/scpd/types"
)

// refKey returns the storage key for an output reference.
func refKey(ref types.OutputRef) []byte {
	enc := ref.MarshalCanonical()
	return append([]byte("utxo/"), []byte(hex.EncodeToString(enc))...)
}

// UTXOSet is the core's read-write view of unspent outputs, backed by
// storage.KV. The consensus core's data model treats the UTXO set as
// read-only from the driver's perspective (accessed via a find_utxo
// capability); this type is the concrete store behind that capability,
// owned by the Ledger Facade rather than an external system, since no
// application layer is in scope here.
type UTXOSet struct {
	kv storage.KV
}

func NewUTXOSet(kv storage.KV) *UTXOSet {
	return &UTXOSet{kv: kv}
}

// FindUTXO implements enrollment.UTXOLookup and quorum.UTXOFinder.
func (s *UTXOSet) FindUTXO(ref types.OutputRef) (*types.TxOutput, bool) {
	raw, err := s.kv.Get(refKey(ref))
	if err != nil {
		return nil, false
	}
	out, err := types.UnmarshalOutputCanonical(raw)
	if err != nil {
		return nil, false
	}
	return &out, true
}

// Put installs a single unspent output directly, used by genesis
// bootstrap to seed founding validators' frozen stake without routing
// it through a transaction.
func (s *UTXOSet) Put(ref types.OutputRef, out types.TxOutput) error {
	return s.kv.Put(refKey(ref), out.MarshalCanonical())
}

// applyToBatch stages the effects of a transaction set onto a batch:
// every input is deleted, every output is created keyed by its
// producing transaction's hash and index.
func applyToBatch(batch storage.Batch, txs []types.Transaction) {
	for _, tx := range txs {
		txHash := tx.Hash()
		for _, in := range tx.Inputs {
			batch.Delete(refKey(in.Ref))
		}
		for i, out := range tx.Outputs {
			ref := types.OutputRef{TxHash: txHash, Index: uint32(i)}
			batch.Put(refKey(ref), out.MarshalCanonical())
		}
	}
}
