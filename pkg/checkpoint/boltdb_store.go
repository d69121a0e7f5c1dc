package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/encryption"
)

var (
	bucketMeta   = []byte("meta")
	bucketAssets = []byte("assets")
	bucketChunks = []byte("chunks")

	metaOwnerKey   = []byte("owner")
	metaSavedAtKey = []byte("saved-at")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path       string
	NoSync     bool
	Timeout    time.Duration
	Encryption encryption.Options
}

// BoltStore persists checkpoints in BoltDB. Chunk payloads are stored once
// per distinct content under their SHA-256 and sealed when encryption is
// enabled.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// BoltStats describes what a BoltStore currently holds.
type BoltStats struct {
	Assets  int
	Chunks  int
	SavedAt time.Time
}

// NewBoltStore opens or creates the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if err := cfg.Encryption.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketAssets, bucketChunks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// Load implements Store.
func (b *BoltStore) Load(ctx context.Context) (State, error) {
	var st State
	err := b.db.View(func(tx *bolt.Tx) error {
		if owner := tx.Bucket(bucketMeta).Get(metaOwnerKey); owner != nil {
			s := string(owner)
			st.Owner = &s
		}
		chunks := tx.Bucket(bucketChunks)
		resolve := func(d asset.Digest) ([]byte, error) {
			return b.openChunk(chunks, d)
		}
		return tx.Bucket(bucketAssets).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := unmarshalRecord(v)
			if err != nil {
				return fmt.Errorf("boltdb: asset %s: %w", k, err)
			}
			a, err := fromRecord(rec, resolve)
			if err != nil {
				return err
			}
			st.Assets = append(st.Assets, a)
			return nil
		})
	})
	if err != nil {
		return State{}, err
	}
	return st, nil
}

// Save implements Store. The previous checkpoint is replaced in a single
// write transaction, and chunks no longer referenced are removed in it.
func (b *BoltStore) Save(ctx context.Context, st State) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if st.Owner != nil {
			if err := meta.Put(metaOwnerKey, []byte(*st.Owner)); err != nil {
				return err
			}
		} else if err := meta.Delete(metaOwnerKey); err != nil {
			return err
		}
		if err := meta.Put(metaSavedAtKey, []byte(time.Now().UTC().Format(time.RFC3339Nano))); err != nil {
			return err
		}

		if err := tx.DeleteBucket(bucketAssets); err != nil {
			return fmt.Errorf("boltdb: reset assets: %w", err)
		}
		assets, err := tx.CreateBucket(bucketAssets)
		if err != nil {
			return fmt.Errorf("boltdb: reset assets: %w", err)
		}
		chunks := tx.Bucket(bucketChunks)
		live := make(map[asset.Digest]struct{})
		ref := func(c []byte) (asset.Digest, error) {
			d := asset.Digest(sha256.Sum256(c))
			live[d] = struct{}{}
			if _, ok := lookup(chunks, d[:]); ok {
				return d, nil
			}
			sealed, err := encryption.Encrypt(c, d[:], b.cfg.Encryption)
			if err != nil {
				return d, err
			}
			return d, chunks.Put(d[:], sealed)
		}
		for _, a := range st.Assets {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := toRecord(a, ref)
			if err != nil {
				return fmt.Errorf("boltdb: asset %s: %w", a.Key.FullPath, err)
			}
			data, err := marshalRecord(rec)
			if err != nil {
				return fmt.Errorf("boltdb: asset %s: %w", a.Key.FullPath, err)
			}
			if err := assets.Put([]byte(a.Key.FullPath), data); err != nil {
				return err
			}
		}
		return sweepChunks(chunks, live)
	})
}

// Stats reports the stored asset and chunk counts.
func (b *BoltStore) Stats() (BoltStats, error) {
	var out BoltStats
	err := b.db.View(func(tx *bolt.Tx) error {
		out.Assets = tx.Bucket(bucketAssets).Stats().KeyN
		out.Chunks = tx.Bucket(bucketChunks).Stats().KeyN
		if raw := tx.Bucket(bucketMeta).Get(metaSavedAtKey); raw != nil {
			t, err := time.Parse(time.RFC3339Nano, string(raw))
			if err != nil {
				return err
			}
			out.SavedAt = t
		}
		return nil
	})
	return out, err
}

// Close implements Store.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) openChunk(chunks *bolt.Bucket, d asset.Digest) ([]byte, error) {
	raw, ok := lookup(chunks, d[:])
	if !ok {
		return nil, fmt.Errorf("boltdb: chunk %x missing", d[:8])
	}
	plain, err := encryption.Decrypt(raw, d[:], b.cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("boltdb: chunk %x: %w", d[:8], err)
	}
	// bolt memory is only valid inside the transaction.
	out := bytes.Clone(plain)
	if sha256.Sum256(out) != d {
		return nil, fmt.Errorf("boltdb: chunk %x fails digest check", d[:8])
	}
	return out, nil
}

// lookup distinguishes a stored empty value from a missing key, which Get
// cannot.
func lookup(b *bolt.Bucket, key []byte) ([]byte, bool) {
	k, v := b.Cursor().Seek(key)
	if !bytes.Equal(k, key) {
		return nil, false
	}
	return v, true
}

func sweepChunks(chunks *bolt.Bucket, live map[asset.Digest]struct{}) error {
	var dead [][]byte
	err := chunks.ForEach(func(k, _ []byte) error {
		var d asset.Digest
		copy(d[:], k)
		if _, ok := live[d]; !ok {
			dead = append(dead, bytes.Clone(k))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range dead {
		if err := chunks.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
