// Package pebble implements storage.KV on top of cockroachdb/pebble, an
// embedded LSM-tree key-value store. The teacher repo lists pebble in
// its go.mod but never opens one (its fork-choice store is in-memory
// only); this repo is where that dependency actually gets exercised,
// backing the Enrollment Manager's durable pre-image/signature-noise
// persistence (§4.1 invariant (c)) and the Ledger Facade's atomic
// block-apply commits (§4.5).
package pebble

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/scpchain/scpd/storage"
)

type Store struct {
	db *pebble.DB
}

// Open opens (or creates) a pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble: get: %w", err)
	}
	out := make([]byte, len(v))
	copy(out, v)
	if cerr := closer.Close(); cerr != nil {
		return nil, fmt.Errorf("pebble: close read handle: %w", cerr)
	}
	return out, nil
}

func (s *Store) Put(key, value []byte) error {
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble: put: %w", err)
	}
	return nil
}

func (s *Store) Delete(key []byte) error {
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("pebble: delete: %w", err)
	}
	return nil
}

func (s *Store) ScanPrefix(prefix []byte) (map[string][]byte, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble: new iterator: %w", err)
	}
	defer iter.Close()

	out := make(map[string][]byte)
	for iter.First(); iter.Valid(); iter.Next() {
		v, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("pebble: scan value: %w", err)
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		out[string(key)] = cp
	}
	return out, nil
}

func (s *Store) NewBatch() storage.Batch {
	return &batch{b: s.db.NewBatch()}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// prefixUpperBound computes the smallest byte string strictly greater
// than every string with the given prefix, for a bounded iterator scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff bytes: unbounded above
}

type batch struct {
	b *pebble.Batch
}

func (b *batch) Put(key, value []byte) {
	_ = b.b.Set(key, value, nil)
}

func (b *batch) Delete(key []byte) {
	_ = b.b.Delete(key, nil)
}

func (b *batch) Commit() error {
	if err := b.b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble: commit batch: %w", err)
	}
	return nil
}
