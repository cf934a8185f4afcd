// Package catalog snapshots the keys already published in a store so a batch
// can skip months it has already delivered.
package catalog

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/relab/bbhash"
)

// Lister enumerates logical keys under a prefix.
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// Snapshot is an immutable set of keys taken once per batch.
// Keys are placed by a minimal perfect hash; the stored key at each slot
// confirms membership, so lookups for absent keys are exact. When two keys
// share a hash the snapshot falls back to a plain set.
type Snapshot struct {
	mph   *bbhash.BBHash2
	keys  []string
	exact map[string]struct{}
}

// hashKey maps a key to the 64-bit value fed to bbhash.
var hashKey = func(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// Empty returns a snapshot that contains nothing.
func Empty() *Snapshot {
	return &Snapshot{}
}

// List calls lister once and snapshots the result.
func List(ctx context.Context, lister Lister, prefix string) (*Snapshot, error) {
	keys, err := lister.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list catalog %q: %w", prefix, err)
	}
	return New(keys)
}

// New builds a snapshot from keys. Duplicates are ignored.
func New(keys []string) (*Snapshot, error) {
	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}
	if len(unique) == 0 {
		return Empty(), nil
	}

	hashes := make([]uint64, len(unique))
	distinct := make(map[uint64]struct{}, len(unique))
	for i, k := range unique {
		hashes[i] = hashKey(k)
		distinct[hashes[i]] = struct{}{}
	}
	if len(distinct) != len(unique) {
		return &Snapshot{exact: seen}, nil
	}

	mph, err := bbhash.New(hashes, bbhash.Gamma(2.0))
	if err != nil {
		return &Snapshot{exact: seen}, nil
	}

	// BBHash returns 1-indexed positions
	slots := make([]string, len(unique))
	for i, k := range unique {
		pos := mph.Find(hashes[i])
		if pos == 0 {
			return &Snapshot{exact: seen}, nil
		}
		slots[pos-1] = k
	}

	return &Snapshot{mph: mph, keys: slots}, nil
}

// Contains reports whether key was present when the snapshot was taken.
func (s *Snapshot) Contains(key string) bool {
	if s == nil {
		return false
	}
	if s.exact != nil {
		_, ok := s.exact[key]
		return ok
	}
	if s.mph == nil {
		return false
	}
	pos := s.mph.Find(hashKey(key))
	if pos == 0 || pos > uint64(len(s.keys)) {
		return false
	}
	return s.keys[pos-1] == key
}

// Len returns the number of distinct keys.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	if s.exact != nil {
		return len(s.exact)
	}
	return len(s.keys)
}
