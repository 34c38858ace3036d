package storage

import (
	"encoding/binary"
)

// Key prefixes for the persisted state layout of §6.
//
//	validator_set      keyed by utxo_key hex -> canonical Enrollment
//	node_enroll_data    two fixed keys: "signature_noise", "preimages"
//	blocks             keyed by big-endian height -> canonical Block (FULL,
//	                   supplemented: backs get_blocks_from/chain sync,
//	                   not part of spec.md's persisted state layout)
var (
	prefixValidatorSet = []byte("validator_set/")
	keySignatureNoise  = []byte("node_enroll_data/signature_noise")
	keyPreimages       = []byte("node_enroll_data/preimages")
	keyChainHeight     = []byte("ledger/height")
	prefixBlocks       = []byte("blocks/")
)

// BlockKey returns the storage key for the block at height.
func BlockKey(height uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return append(append([]byte{}, prefixBlocks...), buf[:]...)
}

// ValidatorSetKey returns the storage key for the enrollment whose
// utxo_key is utxoKeyHex.
func ValidatorSetKey(utxoKeyHex string) []byte {
	return append(append([]byte{}, prefixValidatorSet...), utxoKeyHex...)
}

// ValidatorSetPrefix returns the scan prefix covering every persisted
// enrollment.
func ValidatorSetPrefix() []byte {
	return prefixValidatorSet
}

// SignatureNoiseKey returns the fixed key for the node's own
// (scalar, point) signature-noise pair.
func SignatureNoiseKey() []byte { return keySignatureNoise }

// PreimagesKey returns the fixed key for the node's own pre-image
// chain.
func PreimagesKey() []byte { return keyPreimages }

// ChainHeightKey returns the fixed key for the Ledger Facade's current
// block height.
func ChainHeightKey() []byte { return keyChainHeight }
