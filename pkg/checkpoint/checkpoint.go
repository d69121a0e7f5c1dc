// Package checkpoint persists the stable half of the store state: the asset
// table and the optional owner. Runtime state (chunks, batches, the certified
// tree) is never written.
package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/jacktea/assetvault/pkg/asset"
)

// State is the durable subset of the store.
type State struct {
	Owner  *string
	Assets []asset.Asset
}

// Clone deep-copies the state.
func (s State) Clone() State {
	out := State{}
	if s.Owner != nil {
		owner := *s.Owner
		out.Owner = &owner
	}
	if s.Assets != nil {
		out.Assets = make([]asset.Asset, len(s.Assets))
		for i, a := range s.Assets {
			out.Assets[i] = a.Clone()
		}
	}
	return out
}

// Store saves and loads whole-state checkpoints. Save replaces the previous
// checkpoint atomically.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
	Close() error
}

// MemoryStore keeps the last checkpoint in memory. Useful for tests and for
// running without durability.
type MemoryStore struct {
	mu    sync.Mutex
	state State
	saves int
}

// NewMemoryStore returns an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st.Clone()
	m.saves++
	return nil
}

// Saves returns how many checkpoints have been written.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// Migrate copies the checkpoint held by src into dst and returns the number of
// assets moved.
func Migrate(ctx context.Context, src, dst Store) (int, error) {
	st, err := src.Load(ctx)
	if err != nil {
		return 0, err
	}
	if err := dst.Save(ctx, st); err != nil {
		return 0, err
	}
	return len(st.Assets), nil
}

func sortAssets(assets []asset.Asset) {
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].Key.FullPath < assets[j].Key.FullPath
	})
}
