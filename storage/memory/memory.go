// Package memory implements storage.KV as a mutex-guarded in-memory
// map, used in tests and by a node whose Config.DataDir is empty. Mirrors the
// teacher's storage/memory.Store, generalized from block/state-specific
// accessors to the opaque byte-keyed interface the rest of this repo is
// built on.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/scpchain/scpd/storage"
)

type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (m *Store) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *Store) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}

func (m *Store) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *Store) ScanPrefix(prefix []byte) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	p := string(prefix)
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasPrefix(k, p) {
			v := m.data[k]
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}

func (m *Store) NewBatch() storage.Batch {
	return &batch{store: m}
}

func (m *Store) Close() error { return nil }

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

type batch struct {
	store *Store
	ops   []batchOp
}

func (b *batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: key, value: value})
}

func (b *batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: key, delete: true})
}

func (b *batch) Commit() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, op := range b.ops {
		if op.delete {
			delete(b.store.data, string(op.key))
			continue
		}
		cp := make([]byte, len(op.value))
		copy(cp, op.value)
		b.store.data[string(op.key)] = cp
	}
	return nil
}
