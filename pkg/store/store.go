// Package store ties the chunk buffer, batch ledger, asset table and
// certified tree into the upload and serving surface of assetvault.
//
// Every exported method runs under the store lock, so a commit or delete is
// never observable with the table and tree disagreeing.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacktea/assetvault/pkg/access"
	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/batch"
	"github.com/jacktea/assetvault/pkg/certtree"
	"github.com/jacktea/assetvault/pkg/chunk"
	"github.com/jacktea/assetvault/pkg/metrics"
	"github.com/jacktea/assetvault/pkg/xerrors"
)

const (
	// DefaultMaxChunkSize bounds a single uploaded chunk.
	DefaultMaxChunkSize = 2 << 20
	// DefaultMaxAssetSize bounds the assembled identity encoding.
	DefaultMaxAssetSize = 512 << 20
)

// Options configures a Store.
type Options struct {
	BatchTTL     time.Duration
	MaxChunkSize int
	MaxAssetSize uint64
	Now          func() time.Time
	NewID        func() uuid.UUID
	Capability   access.Capability
	Authorizer   access.Authorizer
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Store is the process state: stable (assets, owner) and runtime (chunks,
// batches, tree).
type Store struct {
	mu     sync.RWMutex
	opts   Options
	log    *zap.Logger
	owner  *string
	assets *asset.Table
	tree   *certtree.Tree
	ledger *batch.Ledger
	chunks *chunk.Buffer
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.MaxAssetSize == 0 {
		opts.MaxAssetSize = DefaultMaxAssetSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Capability == nil {
		opts.Capability = access.TokenMatch{}
	}
	if opts.Authorizer == nil {
		opts.Authorizer = access.OwnerMatch{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		opts:   opts,
		log:    log,
		assets: asset.NewTable(),
		tree:   certtree.New(),
	}
	s.resetRuntime()
	return s
}

func (s *Store) resetRuntime() {
	s.ledger = batch.NewLedger(batch.Options{TTL: s.opts.BatchTTL, Now: s.opts.Now, NewID: s.opts.NewID})
	s.chunks = chunk.NewBuffer(chunk.Options{NewID: s.opts.NewID})
}

// InitiateUpload opens a batch targeting key.
func (s *Store) InitiateUpload(ctx context.Context, key asset.Key) (batch.ID, error) {
	const op = "store.InitiateUpload"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(ctx, op, key.FullPath); err != nil {
		return batch.ID{}, err
	}
	key = key.Normalize()
	if key.FullPath == "/" {
		return batch.ID{}, xerrors.Wrap(xerrors.KindInvalid, op, key.FullPath, fmt.Errorf("empty asset path"))
	}
	b := s.ledger.Initiate(key)
	s.opts.Metrics.BatchInitiated()
	s.log.Debug("batch initiated",
		zap.String("batch", b.ID.String()),
		zap.String("path", key.FullPath),
		zap.Time("expires_at", b.ExpiresAt))
	return b.ID, nil
}

// UploadChunk stores content for an open batch and refreshes its expiry.
func (s *Store) UploadChunk(ctx context.Context, id batch.ID, content []byte) (chunk.ID, error) {
	const op = "store.UploadChunk"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(ctx, op, id.String()); err != nil {
		return chunk.ID{}, err
	}
	if len(content) > s.opts.MaxChunkSize {
		return chunk.ID{}, xerrors.Wrap(xerrors.KindChunkTooLarge, op, id.String(),
			fmt.Errorf("%d bytes exceeds %d", len(content), s.opts.MaxChunkSize))
	}
	if _, err := s.ledger.Touch(id); err != nil {
		s.reclaimIfExpired(id, err)
		return chunk.ID{}, err
	}
	if total := s.chunks.BatchBytes(id) + uint64(len(content)); total > s.opts.MaxAssetSize {
		return chunk.ID{}, xerrors.Wrap(xerrors.KindAssetTooLarge, op, id.String(),
			fmt.Errorf("%d bytes exceeds %d", total, s.opts.MaxAssetSize))
	}
	cid := s.chunks.Put(id, content)
	s.opts.Metrics.ChunkUploaded(len(content))
	s.publishState()
	return cid, nil
}

// DiscardChunks releases chunks of an open batch that will not be committed,
// returning their bytes to the batch's size allowance.
func (s *Store) DiscardChunks(ctx context.Context, id batch.ID, ids []chunk.ID) (int, error) {
	const op = "store.DiscardChunks"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(ctx, op, id.String()); err != nil {
		return 0, err
	}
	if _, err := s.ledger.Touch(id); err != nil {
		s.reclaimIfExpired(id, err)
		return 0, err
	}
	n := s.chunks.Discard(id, ids)
	s.publishState()
	return n, nil
}

// CommitBatch assembles the batch's chunks in the given order into the
// identity encoding of its target asset. The batch is consumed whether or not
// the commit succeeds; on failure the asset table and tree are unchanged.
func (s *Store) CommitBatch(ctx context.Context, id batch.ID, headers []asset.HeaderField, chunkIDs []chunk.ID) (err error) {
	const op = "store.CommitBatch"
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if err != nil {
			s.opts.Metrics.Commit(xerrors.KindOf(err).String())
		} else {
			s.opts.Metrics.Commit("ok")
		}
	}()
	if err := s.authorize(ctx, op, id.String()); err != nil {
		return err
	}
	b, err := s.ledger.Commit(id)
	if err != nil {
		s.reclaimIfExpired(id, err)
		return err
	}
	defer func() {
		s.chunks.DropBatch(id)
		s.publishState()
	}()

	path := b.Key.FullPath
	if len(chunkIDs) == 0 {
		return xerrors.E(xerrors.KindEmptyCommit, op, path)
	}
	payloads, err := s.chunks.Take(id, chunkIDs)
	if err != nil {
		return xerrors.Wrap(xerrors.KindChunkMismatch, op, path, err)
	}
	enc := asset.NewEncoding(payloads, s.opts.Now())
	if enc.TotalLength > s.opts.MaxAssetSize {
		return xerrors.Wrap(xerrors.KindAssetTooLarge, op, path,
			fmt.Errorf("%d bytes exceeds %d", enc.TotalLength, s.opts.MaxAssetSize))
	}
	a := asset.Asset{
		Key:       b.Key,
		Headers:   append([]asset.HeaderField(nil), headers...),
		Encodings: map[string]asset.Encoding{asset.IdentityEncoding: enc},
	}
	if err := s.put(op, a); err != nil {
		return err
	}
	s.log.Info("asset committed",
		zap.String("path", path),
		zap.String("batch", id.String()),
		zap.Int("chunks", len(payloads)),
		zap.Uint64("bytes", enc.TotalLength))
	return nil
}

// Delete removes the asset at fullPath and its tree entry.
func (s *Store) Delete(ctx context.Context, fullPath string, token *string) error {
	const op = "store.Delete"
	fullPath = asset.CleanPath(fullPath)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(ctx, op, fullPath); err != nil {
		return err
	}
	a, err := s.assets.Get(fullPath)
	if err != nil {
		return err
	}
	if !access.Check(s.opts.Capability, a.Key.Token, token) {
		return xerrors.E(xerrors.KindForbidden, op, fullPath)
	}
	s.assets.Remove(fullPath)
	s.tree.Delete(fullPath)
	if err := s.checkPath(fullPath); err != nil {
		s.assets.Upsert(a)
		s.certify(a)
		return xerrors.Wrap(xerrors.KindInternal, op, fullPath, err)
	}
	s.opts.Metrics.Deleted()
	s.publishState()
	s.log.Info("asset deleted", zap.String("path", fullPath))
	return nil
}

// SweepExpired reclaims every expired batch and its orphaned chunks. It
// returns the number of batches removed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.ledger.Sweep()
	var dropped int
	for _, id := range ids {
		dropped += s.chunks.DropBatch(id)
	}
	s.opts.Metrics.BatchesExpired(len(ids))
	s.publishState()
	if len(ids) > 0 {
		s.log.Info("expired batches reclaimed",
			zap.Int("batches", len(ids)),
			zap.Int("chunks", dropped))
	}
	return len(ids), nil
}

// SetOwner installs the owning principal. Once set, only a caller passing the
// authorizer for the current owner may change it.
func (s *Store) SetOwner(ctx context.Context, principal string) error {
	const op = "store.SetOwner"
	if principal == "" {
		return xerrors.Wrap(xerrors.KindInvalid, op, "", fmt.Errorf("empty principal"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(ctx, op, ""); err != nil {
		return err
	}
	s.owner = &principal
	s.log.Info("owner set", zap.String("owner", principal))
	return nil
}

// Owner returns the owning principal, if any.
func (s *Store) Owner() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.owner == nil {
		return "", false
	}
	return *s.owner, true
}

// Stats is a point-in-time view of store occupancy.
type Stats struct {
	Assets        int
	Batches       int
	Chunks        int
	BufferedBytes uint64
}

// Stats reports current occupancy.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Assets:        s.assets.Len(),
		Batches:       s.ledger.Len(),
		Chunks:        s.chunks.Len(),
		BufferedBytes: s.chunks.Bytes(),
	}
}

// put upserts a and certifies it, rolling both back if they disagree.
func (s *Store) put(op string, a asset.Asset) error {
	path := a.Key.FullPath
	prev, existed := s.assets.Upsert(a)
	s.certify(a)
	if err := s.checkPath(path); err != nil {
		if existed {
			s.assets.Upsert(prev)
			s.certify(prev)
		} else {
			s.assets.Remove(path)
			s.tree.Delete(path)
		}
		s.log.Error("table and tree disagree", zap.String("path", path), zap.Error(err))
		return xerrors.Wrap(xerrors.KindInternal, op, path, err)
	}
	s.publishState()
	return nil
}

func (s *Store) certify(a asset.Asset) {
	enc, ok := a.Primary()
	if !ok {
		s.tree.Delete(a.Key.FullPath)
		return
	}
	s.tree.Insert(a.Key.FullPath, certtree.Hash(enc.SHA256))
}

// checkPath verifies the table and tree agree about path.
func (s *Store) checkPath(path string) error {
	if s.assets.Len() != s.tree.Len() {
		return fmt.Errorf("table has %d assets, tree has %d entries", s.assets.Len(), s.tree.Len())
	}
	a, err := s.assets.Get(path)
	got, inTree := s.tree.Get(path)
	switch {
	case err != nil && inTree:
		return fmt.Errorf("tree entry without asset")
	case err != nil:
		return nil
	case !inTree:
		return fmt.Errorf("asset without tree entry")
	}
	enc, ok := a.Primary()
	if !ok {
		return fmt.Errorf("asset without %s encoding", asset.IdentityEncoding)
	}
	if certtree.Hash(enc.SHA256) != got {
		return fmt.Errorf("tree digest differs from encoding digest")
	}
	return nil
}

func (s *Store) authorize(ctx context.Context, op, path string) error {
	if s.owner == nil {
		return nil
	}
	if err := s.opts.Authorizer.Authorize(ctx, *s.owner); err != nil {
		return xerrors.Wrap(xerrors.KindForbidden, op, path, err)
	}
	return nil
}

// reclaimIfExpired drops an expired batch and its chunks when a lookup has
// just reported it as Expired.
func (s *Store) reclaimIfExpired(id batch.ID, err error) {
	if !xerrors.IsKind(err, xerrors.KindExpired) {
		return
	}
	if s.ledger.Reap(id) {
		n := s.chunks.DropBatch(id)
		s.opts.Metrics.BatchesExpired(1)
		s.publishState()
		s.log.Debug("expired batch reclaimed", zap.String("batch", id.String()), zap.Int("chunks", n))
	}
}

func (s *Store) publishState() {
	s.opts.Metrics.SetState(s.assets.Len(), s.chunks.Bytes())
}
