package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jacktea/assetvault/pkg/encryption"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "assetvault:".
	Prefix     string
	Encryption encryption.Options
}

// RedisStore keeps one hash of CBOR asset records plus an owner key. Chunk
// payloads are stored inline in each record.
type RedisStore struct {
	cfg    RedisConfig
	client redis.UniversalClient
	owned  bool
}

// NewRedisStore connects to cfg.Address and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis: address is required")
	}
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Address, err)
	}
	s, err := NewRedisStoreWithClient(cfg, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. Close does not close it.
func NewRedisStoreWithClient(cfg RedisConfig, client redis.UniversalClient) (*RedisStore, error) {
	if err := cfg.Encryption.Validate(); err != nil {
		return nil, err
	}
	return &RedisStore{cfg: cfg, client: client}, nil
}

func (r *RedisStore) assetsKey() string { return r.cfg.Prefix + "assets" }
func (r *RedisStore) ownerKey() string  { return r.cfg.Prefix + "owner" }

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context) (State, error) {
	var st State
	owner, err := r.client.Get(ctx, r.ownerKey()).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return State{}, fmt.Errorf("redis: load owner: %w", err)
	default:
		st.Owner = &owner
	}
	fields, err := r.client.HGetAll(ctx, r.assetsKey()).Result()
	if err != nil {
		return State{}, fmt.Errorf("redis: load assets: %w", err)
	}
	for path, raw := range fields {
		plain, err := encryption.Decrypt([]byte(raw), []byte(path), r.cfg.Encryption)
		if err != nil {
			return State{}, fmt.Errorf("redis: asset %s: %w", path, err)
		}
		rec, err := unmarshalRecord(plain)
		if err != nil {
			return State{}, fmt.Errorf("redis: asset %s: %w", path, err)
		}
		a, err := fromRecord(rec, nil)
		if err != nil {
			return State{}, err
		}
		st.Assets = append(st.Assets, a)
	}
	sortAssets(st.Assets)
	return st, nil
}

// Save implements Store. The hash and owner key are replaced in one
// MULTI/EXEC transaction.
func (r *RedisStore) Save(ctx context.Context, st State) error {
	values := make(map[string]any, len(st.Assets))
	for _, a := range st.Assets {
		rec, err := toRecord(a, nil)
		if err != nil {
			return err
		}
		data, err := marshalRecord(rec)
		if err != nil {
			return fmt.Errorf("redis: asset %s: %w", a.Key.FullPath, err)
		}
		sealed, err := encryption.Encrypt(data, []byte(a.Key.FullPath), r.cfg.Encryption)
		if err != nil {
			return fmt.Errorf("redis: asset %s: %w", a.Key.FullPath, err)
		}
		values[a.Key.FullPath] = sealed
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.assetsKey())
		if len(values) > 0 {
			pipe.HSet(ctx, r.assetsKey(), values)
		}
		if st.Owner != nil {
			pipe.Set(ctx, r.ownerKey(), *st.Owner, 0)
		} else {
			pipe.Del(ctx, r.ownerKey())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save: %w", err)
	}
	return nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
