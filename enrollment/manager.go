// Package enrollment implements the Enrollment Manager of §4.1: it
// stores validator enrollments, the node's own pre-image hash chain and
// signature-noise key, and enforces the write-once enrolled_height
// discipline. Backed by storage.KV (pebble in production, memory in
// tests), mirroring the teacher's forkchoice.Store being built over an
// injectable storage.Store.
package enrollment

import (
	"encoding/hex"
	"sort"
	"sync"

	"github.com/scpchain/scpd/crypto"
	"github.com/scpchain/scpd/scpderr"
	"github.com/scpchain/scpd/storage"
	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// UTXOLookup is the subset of the ledger's UTXO read interface the
// manager needs to validate a new enrollment: the referenced output
// must exist, be of type Freeze, and meet the minimum freeze amount.
type UTXOLookup interface {
	FindUTXO(ref types.OutputRef) (*types.TxOutput, bool)
}

// Manager is the Enrollment Manager. All mutating operations run on the
// node's single event-loop goroutine (§5); the mutex below guards
// concurrent reads from the networking/validation path against that
// goroutine, not against other writers.
type Manager struct {
	mu    sync.RWMutex
	kv    storage.KV
	cache map[wire.Hash]*types.Enrollment // keyed by utxo_key
}

func New(kv storage.KV) (*Manager, error) {
	m := &Manager{kv: kv, cache: make(map[wire.Hash]*types.Enrollment)}
	if err := m.loadAll(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadAll() error {
	rows, err := m.kv.ScanPrefix(storage.ValidatorSetPrefix())
	if err != nil {
		return scpderr.New(scpderr.KindIO, "enrollment.loadAll", err)
	}
	for _, raw := range rows {
		var e types.Enrollment
		if err := e.UnmarshalCanonical(raw); err != nil {
			return scpderr.New(scpderr.KindSerialization, "enrollment.loadAll", err)
		}
		m.cache[e.UtxoKey] = &e
	}
	return nil
}

func hexKey(h wire.Hash) string { return hex.EncodeToString(h[:]) }

// Add validates signature, checks the referenced UTXO, checks for
// duplicates, and persists the enrollment. Returns whether it was
// added (false if a duplicate or invalid, not an error — §4.1 leaves
// "rejected" and "already present" as non-error boolean outcomes).
func (m *Manager) Add(finder UTXOLookup, e *types.Enrollment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cache[e.UtxoKey]; exists {
		return false, nil
	}

	out, ok := finder.FindUTXO(types.OutputRef{TxHash: e.UtxoKey})
	if !ok {
		return false, nil
	}
	if out.OutputType != types.OutputTypeFreeze || out.Amount < types.MinFreezeAmount {
		return false, nil
	}

	pub, err := crypto.PointFromCompressed(out.Address[:])
	if err != nil {
		return false, scpderr.New(scpderr.KindCrypto, "enrollment.Add", err)
	}
	ok, err = VerifyEnrollment(pub, e)
	if err != nil {
		return false, scpderr.New(scpderr.KindCrypto, "enrollment.Add", err)
	}
	if !ok {
		return false, nil
	}

	m.cache[e.UtxoKey] = e
	if err := m.persist(e); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) persist(e *types.Enrollment) error {
	if err := m.kv.Put(storage.ValidatorSetKey(hexKey(e.UtxoKey)), e.MarshalCanonical()); err != nil {
		return scpderr.New(scpderr.KindIO, "enrollment.persist", err)
	}
	return nil
}

// Remove deletes the enrollment; no error if absent.
func (m *Manager) Remove(utxoKey wire.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, utxoKey)
	if err := m.kv.Delete(storage.ValidatorSetKey(hexKey(utxoKey))); err != nil {
		return scpderr.New(scpderr.KindIO, "enrollment.Remove", err)
	}
	return nil
}

func (m *Manager) Has(utxoKey wire.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.cache[utxoKey]
	return ok
}

func (m *Manager) Get(utxoKey wire.Hash) (*types.Enrollment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cache[utxoKey]
	return e, ok
}

// Unregistered returns enrollments whose enrolled_height is unset,
// sorted ascending by utxo_key.
func (m *Manager) Unregistered() []*types.Enrollment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Enrollment
	for _, e := range m.cache {
		if e.EnrolledHeight == nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UtxoKey.Compare(out[j].UtxoKey) < 0
	})
	return out
}

// Active returns every enrollment active at height, in no particular
// order.
func (m *Manager) Active(height types.Height) []*types.Enrollment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Enrollment
	for _, e := range m.cache {
		if e.IsActive(height) {
			out = append(out, e)
		}
	}
	return out
}

// SetEnrolledHeight fails if already set (monotone-once discipline,
// §4.1 invariant (b)).
func (m *Manager) SetEnrolledHeight(utxoKey wire.Hash, height types.Height) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[utxoKey]
	if !ok {
		return false, nil
	}
	if e.EnrolledHeight != nil {
		return false, nil
	}
	e.EnrolledHeight = &height
	if err := m.persist(e); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireEarly administratively terminates an enrollment before its
// cycle naturally ends (the supplemented missed-validator penalty of
// §4.5 FULL). No-op if already expired or already ended.
func (m *Manager) ExpireEarly(utxoKey wire.Hash, height types.Height) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[utxoKey]
	if !ok || e.EnrolledHeight == nil {
		return false, nil
	}
	if e.ExpiredAt != nil {
		return false, nil
	}
	if height >= *e.EnrolledHeight+1+types.Height(e.CycleLength) {
		return false, nil
	}
	e.ExpiredAt = &height
	if err := m.persist(e); err != nil {
		return false, err
	}
	return true, nil
}

// NodeEnrollData is the node's own signature-noise key pair plus
// pre-image chain, persisted under node_enroll_data (§6). The private
// scalar never leaves the process except via its own Schnorr
// signatures.
type NodeEnrollData struct {
	NoiseScalar crypto.Scalar
	NoisePoint  crypto.Point
	Preimages   []wire.Hash
}

// CreateOwn generates a fresh random seed, the 1008-element hash chain,
// a fresh signature-noise key pair, signs the enrollment with the
// frozen UTXO's owning key, persists the pre-images and noise key, and
// returns the record.
func (m *Manager) CreateOwn(ownerKey crypto.Scalar, frozenUtxoHash wire.Hash) (*types.Enrollment, error) {
	chain, err := crypto.NewPreimageChain(types.CycleLength)
	if err != nil {
		return nil, scpderr.New(scpderr.KindCrypto, "enrollment.CreateOwn", err)
	}

	noiseScalar, err := crypto.RandomScalar()
	if err != nil {
		return nil, scpderr.New(scpderr.KindCrypto, "enrollment.CreateOwn", err)
	}

	e := &types.Enrollment{
		UtxoKey:     frozenUtxoHash,
		RandomSeed:  chain.RandomSeed(),
		CycleLength: types.CycleLength,
	}
	noiseCompressed := noiseScalar.Point().SerializeCompressed()
	copy(e.NoisePoint[:], noiseCompressed[:])
	sig, err := crypto.Sign(ownerKey, e.Hash())
	if err != nil {
		return nil, scpderr.New(scpderr.KindCrypto, "enrollment.CreateOwn", err)
	}
	e.SetSignature(sig)

	data := NodeEnrollData{
		NoiseScalar: noiseScalar,
		NoisePoint:  noiseScalar.Point(),
		Preimages:   chain.Elements(),
	}
	if err := m.persistNodeData(data); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[e.UtxoKey] = e
	m.mu.Unlock()
	if err := m.persist(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (m *Manager) persistNodeData(d NodeEnrollData) error {
	sEnc := wire.NewEncoder()
	sBytes := d.NoiseScalar.Bytes()
	sEnc.PutFixed(sBytes[:])
	pBytes := d.NoisePoint.SerializeCompressed()
	sEnc.PutFixed(pBytes[:])
	if err := m.kv.Put(storage.SignatureNoiseKey(), sEnc.Bytes()); err != nil {
		return scpderr.New(scpderr.KindIO, "enrollment.persistNodeData", err)
	}

	pEnc := wire.NewEncoder()
	pEnc.PutVarint(uint64(len(d.Preimages)))
	for _, h := range d.Preimages {
		pEnc.PutFixed(h[:])
	}
	if err := m.kv.Put(storage.PreimagesKey(), pEnc.Bytes()); err != nil {
		return scpderr.New(scpderr.KindIO, "enrollment.persistNodeData", err)
	}
	return nil
}

// LoadNodeData restores the node's signature-noise key and pre-image
// chain after a restart (§4.1 invariant (c)).
func (m *Manager) LoadNodeData() (NodeEnrollData, error) {
	raw, err := m.kv.Get(storage.SignatureNoiseKey())
	if err != nil {
		return NodeEnrollData{}, scpderr.New(scpderr.KindIO, "enrollment.LoadNodeData", err)
	}
	d := wire.NewDecoder(raw)
	sBytes, err := d.GetFixed(32)
	if err != nil {
		return NodeEnrollData{}, scpderr.New(scpderr.KindSerialization, "enrollment.LoadNodeData", err)
	}
	scalar, err := crypto.ScalarFromBytes(sBytes)
	if err != nil {
		return NodeEnrollData{}, scpderr.New(scpderr.KindCrypto, "enrollment.LoadNodeData", err)
	}
	pBytes, err := d.GetFixed(33)
	if err != nil {
		return NodeEnrollData{}, scpderr.New(scpderr.KindSerialization, "enrollment.LoadNodeData", err)
	}
	point, err := crypto.PointFromCompressed(pBytes)
	if err != nil {
		return NodeEnrollData{}, scpderr.New(scpderr.KindCrypto, "enrollment.LoadNodeData", err)
	}

	praw, err := m.kv.Get(storage.PreimagesKey())
	if err != nil {
		return NodeEnrollData{}, scpderr.New(scpderr.KindIO, "enrollment.LoadNodeData", err)
	}
	pd := wire.NewDecoder(praw)
	n, err := pd.GetVarint()
	if err != nil {
		return NodeEnrollData{}, scpderr.New(scpderr.KindSerialization, "enrollment.LoadNodeData", err)
	}
	preimages := make([]wire.Hash, n)
	for i := range preimages {
		h, err := pd.GetFixed(32)
		if err != nil {
			return NodeEnrollData{}, scpderr.New(scpderr.KindSerialization, "enrollment.LoadNodeData", err)
		}
		copy(preimages[i][:], h)
	}

	return NodeEnrollData{NoiseScalar: scalar, NoisePoint: point, Preimages: preimages}, nil
}

// VerifyEnrollment checks an enrollment's EnrollSig against the UTXO
// owner's public key, over the enrollment's signed payload hash.
func VerifyEnrollment(pub crypto.Point, e *types.Enrollment) (bool, error) {
	sig, err := e.Signature()
	if err != nil {
		return false, err
	}
	return crypto.Verify(pub, e.Hash(), sig), nil
}
