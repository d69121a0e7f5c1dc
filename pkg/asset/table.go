package asset

import (
	"sort"
	"strings"

	"github.com/jacktea/assetvault/pkg/xerrors"
)

// Table maps full paths to committed assets. It is not safe for concurrent
// use; the owning store serialises access.
type Table struct {
	assets map[string]Asset
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{assets: make(map[string]Asset)}
}

// Upsert replaces any entry at a.Key.FullPath. Encodings are never merged.
// It returns the previous entry, if any, so callers can roll back.
func (t *Table) Upsert(a Asset) (prev Asset, existed bool) {
	prev, existed = t.assets[a.Key.FullPath]
	t.assets[a.Key.FullPath] = a
	return prev, existed
}

// Get returns the asset stored at fullPath.
func (t *Table) Get(fullPath string) (Asset, error) {
	a, ok := t.assets[fullPath]
	if !ok {
		return Asset{}, xerrors.E(xerrors.KindNotFound, "asset.Get", fullPath)
	}
	return a, nil
}

// Remove drops the entry at fullPath and returns it.
func (t *Table) Remove(fullPath string) (Asset, error) {
	a, ok := t.assets[fullPath]
	if !ok {
		return Asset{}, xerrors.E(xerrors.KindNotFound, "asset.Remove", fullPath)
	}
	delete(t.assets, fullPath)
	return a, nil
}

// Len returns the number of stored assets.
func (t *Table) Len() int { return len(t.assets) }

// List returns assets sorted by full path. An empty folder matches every
// asset; otherwise only assets whose Key.Folder equals folder (ignoring
// surrounding slashes) are returned.
func (t *Table) List(folder string) []Asset {
	folder = strings.Trim(folder, "/")
	out := make([]Asset, 0, len(t.assets))
	for _, a := range t.assets {
		if folder != "" && strings.Trim(a.Key.Folder, "/") != folder {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.FullPath < out[j].Key.FullPath
	})
	return out
}
