package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/certtree"
	"github.com/jacktea/assetvault/pkg/checkpoint"
	"github.com/jacktea/assetvault/pkg/xerrors"
)

// Snapshot copies the stable state: the asset table and the owner. Chunks,
// batches and the tree are runtime-only.
func (s *Store) Snapshot() checkpoint.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := checkpoint.State{}
	if s.owner != nil {
		owner := *s.owner
		st.Owner = &owner
	}
	for _, a := range s.assets.List("") {
		st.Assets = append(st.Assets, a.Clone())
	}
	return st
}

// Checkpoint saves the stable state to cs.
func (s *Store) Checkpoint(ctx context.Context, cs checkpoint.Store) error {
	st := s.Snapshot()
	if err := cs.Save(ctx, st); err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), "store.Checkpoint", "", err)
	}
	s.log.Debug("checkpoint saved", zap.Int("assets", len(st.Assets)))
	return nil
}

// Restore replaces the store's contents with the state held by cs. In-flight
// batches and chunks are dropped and the tree is rebuilt from the assets.
func (s *Store) Restore(ctx context.Context, cs checkpoint.Store) error {
	st, err := cs.Load(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), "store.Restore", "", err)
	}
	if err := s.Load(st); err != nil {
		return err
	}
	s.log.Info("state restored", zap.Int("assets", len(st.Assets)))
	return nil
}

// Load installs st after validating every asset. On error the store is left
// unchanged.
func (s *Store) Load(st checkpoint.State) error {
	const op = "store.Load"
	table := asset.NewTable()
	tree := certtree.New()
	for _, a := range st.Assets {
		a = a.Clone()
		a.Key = a.Key.Normalize()
		enc, ok := a.Primary()
		if !ok {
			return xerrors.Wrap(xerrors.KindInternal, op, a.Key.FullPath,
				fmt.Errorf("no %s encoding", asset.IdentityEncoding))
		}
		for name, e := range a.Encodings {
			if !e.Verify() {
				return xerrors.Wrap(xerrors.KindInternal, op, a.Key.FullPath,
					fmt.Errorf("%s encoding fails digest check", name))
			}
		}
		if _, dup := table.Upsert(a); dup {
			return xerrors.Wrap(xerrors.KindInternal, op, a.Key.FullPath, fmt.Errorf("duplicate path"))
		}
		tree.Insert(a.Key.FullPath, certtree.Hash(enc.SHA256))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = nil
	if st.Owner != nil {
		owner := *st.Owner
		s.owner = &owner
	}
	s.assets = table
	s.tree = tree
	s.resetRuntime()
	s.publishState()
	return nil
}
