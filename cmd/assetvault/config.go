package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jacktea/assetvault/pkg/checkpoint"
	"github.com/jacktea/assetvault/pkg/encryption"
	"github.com/jacktea/assetvault/pkg/metrics"
	"github.com/jacktea/assetvault/pkg/store"
)

// buildLogger returns a zap logger writing to stderr. format is "json" or
// "console".
func buildLogger(level, format string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		lvl = parsed
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch strings.ToLower(format) {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core), nil
}

func encryptionOptions(enabled bool, key string) (encryption.Options, error) {
	if !enabled {
		return encryption.Options{Method: encryption.MethodNone}, nil
	}
	if key == "" {
		return encryption.Options{}, errors.New("encryption enabled but key missing")
	}
	raw, err := encryption.ParseKey(key)
	if err != nil {
		return encryption.Options{}, err
	}
	opts := encryption.Options{Method: encryption.MethodAES256GCM, Key: raw}
	if err := opts.Validate(); err != nil {
		return encryption.Options{}, err
	}
	return opts, nil
}

type checkpointOptions struct {
	DataPath    string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	RedisPrefix string
	Encryption  encryption.Options
}

func checkpointOptionsFromConfig() (checkpointOptions, error) {
	enc, err := encryptionOptions(viper.GetBool("encrypt"), viper.GetString("key"))
	if err != nil {
		return checkpointOptions{}, err
	}
	return checkpointOptions{
		DataPath:    viper.GetString("data"),
		RedisAddr:   viper.GetString("redis_addr"),
		RedisPass:   viper.GetString("redis_password"),
		RedisDB:     viper.GetInt("redis_db"),
		RedisPrefix: viper.GetString("redis_prefix"),
		Encryption:  enc,
	}, nil
}

// openCheckpoint prefers Redis when an address is configured and falls back
// to a bbolt file.
func openCheckpoint(ctx context.Context, opts checkpointOptions) (checkpoint.Store, error) {
	if opts.RedisAddr != "" {
		return openRedis(ctx, opts)
	}
	return openBolt(opts)
}

func openBolt(opts checkpointOptions) (*checkpoint.BoltStore, error) {
	if opts.DataPath == "" {
		return nil, errors.New("data path required")
	}
	if dir := filepath.Dir(opts.DataPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return checkpoint.NewBoltStore(checkpoint.BoltConfig{
		Path:       opts.DataPath,
		Timeout:    5 * time.Second,
		Encryption: opts.Encryption,
	})
}

func openRedis(ctx context.Context, opts checkpointOptions) (*checkpoint.RedisStore, error) {
	return checkpoint.NewRedisStore(ctx, checkpoint.RedisConfig{
		Address:    opts.RedisAddr,
		Password:   opts.RedisPass,
		DB:         opts.RedisDB,
		Prefix:     opts.RedisPrefix,
		Encryption: opts.Encryption,
	})
}

func storeOptionsFromConfig(log *zap.Logger, m *metrics.Metrics) store.Options {
	return store.Options{
		BatchTTL:     viper.GetDuration("batch_ttl"),
		MaxChunkSize: viper.GetInt("max_chunk"),
		MaxAssetSize: uint64(viper.GetInt64("max_asset")),
		Logger:       log,
		Metrics:      m,
	}
}
