package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/scpchain/scpd/blocksign"
	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/enrollment"
	"github.com/scpchain/scpd/scpderr"
	"github.com/scpchain/scpd/storage"
	"github.com/scpchain/scpd/types"
)

// Facade is the Ledger Facade of §4.5: it owns the UTXO set, drives
// validate_tx_set and apply, and administers the supplemented
// missed-validator penalty (FULL §4.5) on the enrollment registry it
// wraps.
type Facade struct {
	kv          storage.KV
	utxos       *UTXOSet
	enrollments *enrollment.Manager

	height     types.Height
	missCounts map[types.PublicKey]int

	// onActiveSetChanged is invoked after Apply when the set of active
	// enrollments changed (activation or expiry) at this height, the
	// signal the Quorum Builder reacts to (§3: "notifies the Quorum
	// Builder if the active validator set changed").
	onActiveSetChanged func()
}

func NewFacade(kv storage.KV, enrollments *enrollment.Manager, onActiveSetChanged func()) (*Facade, error) {
	f := &Facade{
		kv:                 kv,
		utxos:              NewUTXOSet(kv),
		enrollments:        enrollments,
		missCounts:         make(map[types.PublicKey]int),
		onActiveSetChanged: onActiveSetChanged,
	}
	h, err := f.loadHeight()
	if err != nil {
		return nil, err
	}
	f.height = h
	return f, nil
}

func (f *Facade) loadHeight() (types.Height, error) {
	raw, err := f.kv.Get(storage.ChainHeightKey())
	if err == storage.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, scpderr.New(scpderr.KindIO, "ledger.loadHeight", err)
	}
	if len(raw) != 8 {
		return 0, scpderr.New(scpderr.KindSerialization, "ledger.loadHeight", errBadHeightRecord{})
	}
	return types.Height(binary.LittleEndian.Uint64(raw)), nil
}

type errBadHeightRecord struct{}

func (errBadHeightRecord) Error() string { return "corrupt chain height record" }

// Height returns the current chain height.
func (f *Facade) Height() types.Height { return f.height }

// UTXOs exposes the underlying read view, the find_utxo capability the
// rest of the core consumes.
func (f *Facade) UTXOs() *UTXOSet { return f.utxos }

// ValidateTxSet returns nil if every transaction in txs may be applied
// together: every input resolves to an unspent output, no output is
// spent twice within the set, every input's signature is valid, and
// outputs never exceed inputs.
func (f *Facade) ValidateTxSet(txs []types.Transaction) error {
	spent := make(map[types.OutputRef]bool)
	for _, tx := range txs {
		var inputTotal uint64
		msg := tx.SignedHash()
		for _, in := range tx.Inputs {
			if spent[in.Ref] {
				return errDoubleSpend(in.Ref)
			}
			out, ok := f.utxos.FindUTXO(in.Ref)
			if !ok {
				return errNoSuchOutput(in.Ref)
			}
			spent[in.Ref] = true

			pub, err := crypto.PointFromCompressed(out.Address[:])
			if err != nil {
				return scpderr.New(scpderr.KindCrypto, "ledger.ValidateTxSet", err)
			}
			sig, err := crypto.SignatureFromBytes(in.Signature[:])
			if err != nil {
				return errBadInputSignature(in.Ref)
			}
			if !crypto.Verify(pub, msg, sig) {
				return errBadInputSignature(in.Ref)
			}
			inputTotal += out.Amount
		}

		var outputTotal uint64
		for _, out := range tx.Outputs {
			outputTotal += out.Amount
		}
		if outputTotal > inputTotal {
			return errInsufficientInputValue()
		}
	}
	return nil
}

// enrollmentView adapts the Enrollment Manager's active set at a
// height into blocksign's EnrollmentLookup, resolving a validator
// public key to its Enrollment by scanning active enrollments' backing
// UTXOs (the Enrollment record itself only names its UTXO, not the
// owner's key directly).
type enrollmentView struct {
	facade *Facade
	height types.Height
}

func (v *enrollmentView) findEnrollment(pub types.PublicKey) (*types.Enrollment, bool) {
	for _, e := range v.facade.enrollments.Active(v.height) {
		out, ok := v.facade.utxos.FindUTXO(types.OutputRef{TxHash: e.UtxoKey})
		if !ok {
			continue
		}
		if out.Address == pub {
			return e, true
		}
	}
	return nil, false
}

func (v *enrollmentView) NoisePoint(pub types.PublicKey) (crypto.Point, bool) {
	e, ok := v.findEnrollment(pub)
	if !ok {
		return crypto.Point{}, false
	}
	p, err := crypto.PointFromCompressed(e.NoisePoint[:])
	if err != nil {
		return crypto.Point{}, false
	}
	return p, true
}

// ActiveValidatorSet returns the public keys of every validator active
// at height, sorted ascending — §4.4's V_h.
func (f *Facade) ActiveValidatorSet(height types.Height) []types.PublicKey {
	var out []types.PublicKey
	for _, e := range f.enrollments.Active(height) {
		u, ok := f.utxos.FindUTXO(types.OutputRef{TxHash: e.UtxoKey})
		if !ok {
			continue
		}
		out = append(out, u.Address)
	}
	sortPublicKeys(out)
	return out
}

func sortPublicKeys(keys []types.PublicKey) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1].Compare(keys[j]) > 0; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
}

// Apply atomically validates and appends block at the facade's current
// height+1: it verifies the collective block signature, verifies the
// transaction set, commits the UTXO-set delta, installs any new
// enrollments named in the header, administers the missed-validator
// penalty, advances height, and — if the active validator set
// changed — invokes onActiveSetChanged. No mutation is visible until
// every validation step has already succeeded.
func (f *Facade) Apply(block *types.Block, preimages blocksign.PreimageLookup) error {
	wantHeight := f.height + 1
	if block.Header.Height != wantHeight {
		return scpderr.New(scpderr.KindLedger, "ledger.Apply", errWrongHeight{want: wantHeight, got: block.Header.Height})
	}

	validatorSet := f.ActiveValidatorSet(f.height)
	view := &enrollmentView{facade: f, height: f.height}
	if err := blocksign.Verify(&block.Header, validatorSet, preimages, view); err != nil {
		return err
	}

	root := types.MerkleRootOf(block.Transactions)
	if root != block.Header.MerkleRoot {
		return scpderr.New(scpderr.KindLedger, "ledger.Apply", errBadMerkleRoot{})
	}

	if err := f.ValidateTxSet(block.Transactions); err != nil {
		return scpderr.New(scpderr.KindLedger, "ledger.Apply", err)
	}

	batch := f.kv.NewBatch()
	applyToBatch(batch, block.Transactions)
	var heightBuf [8]byte
	binary.LittleEndian.PutUint64(heightBuf[:], uint64(block.Header.Height))
	batch.Put(storage.ChainHeightKey(), heightBuf[:])
	if err := batch.Commit(); err != nil {
		return scpderr.New(scpderr.KindIO, "ledger.Apply", err)
	}
	f.height = block.Header.Height

	activeBefore := len(validatorSet)
	for _, e := range block.Header.Enrollments {
		en := e
		if !f.enrollments.Has(en.UtxoKey) {
			if _, err := f.enrollments.Add(f.utxos, &en); err != nil {
				return err
			}
		}
		if _, err := f.enrollments.SetEnrolledHeight(en.UtxoKey, block.Header.Height); err != nil {
			return err
		}
	}

	f.penalizeMissedValidators(block.Header, validatorSet)

	activeAfter := len(f.ActiveValidatorSet(f.height))
	if activeAfter != activeBefore {
		if f.onActiveSetChanged != nil {
			f.onActiveSetChanged()
		}
	}
	return nil
}

type errWrongHeight struct {
	want, got types.Height
}

func (e errWrongHeight) Error() string {
	return fmt.Sprintf("ledger: expected block at height %d, got %d", e.want, e.got)
}

type errBadMerkleRoot struct{}

func (errBadMerkleRoot) Error() string { return "merkle root does not match transaction set" }

// penalizeMissedValidators implements the supplemented missed-validator
// penalty (FULL §4.5): any validator active at this height that did
// not contribute to the block's collective signature has its miss
// counter incremented; reaching MissedBlocksPenalty administratively
// expires its enrollment early, freeing its quorum slot.
func (f *Facade) penalizeMissedValidators(header types.BlockHeader, validatorSet []types.PublicKey) {
	participated := make(map[types.PublicKey]bool, header.ValidatorBits.Count())
	if header.ValidatorBits != nil {
		for _, idx := range header.ValidatorBits.Indices() {
			if idx < len(validatorSet) {
				participated[validatorSet[idx]] = true
			}
		}
	}

	for _, pub := range validatorSet {
		if participated[pub] {
			f.missCounts[pub] = 0
			continue
		}
		f.missCounts[pub]++
		if f.missCounts[pub] < types.MissedBlocksPenalty {
			continue
		}
		e, ok := f.findEnrollmentFor(pub)
		if !ok {
			continue
		}
		if _, err := f.enrollments.ExpireEarly(e.UtxoKey, header.Height); err == nil {
			f.missCounts[pub] = 0
		}
	}
}

func (f *Facade) findEnrollmentFor(pub types.PublicKey) (*types.Enrollment, bool) {
	v := &enrollmentView{facade: f, height: f.height}
	return v.findEnrollment(pub)
}
