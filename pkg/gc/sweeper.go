// Package gc runs the periodic background passes of the server: reclaiming
// expired upload batches and writing checkpoints.
package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Expirer reclaims expired batches and reports how many it removed.
type Expirer interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Options configures a Sweeper.
type Options struct {
	Store  Expirer
	Logger *zap.Logger
}

// Sweeper removes expired batches and their orphaned chunks. Expiry is also
// enforced lazily on access; the sweeper bounds memory held by batches that
// are never touched again.
type Sweeper struct {
	store Expirer
	log   *zap.Logger
}

// NewSweeper wires the store for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store: opts.Store,
		log:   log,
	}
}

// Sweep performs one pass, returning the number of batches reclaimed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, fmt.Errorf("gc sweeper missing store")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.store.SweepExpired(ctx)
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	return Every(ctx, interval, s.log.Named("gc"), "sweep", func(ctx context.Context) error {
		n, err := s.Sweep(ctx)
		if n > 0 {
			s.log.Debug("gc sweep", zap.Int("batches", n))
		}
		return err
	})
}

// Every runs fn immediately and then on every tick of interval until the
// returned cancel func is called or ctx ends. Errors are logged, not fatal.
func Every(ctx context.Context, interval time.Duration, log *zap.Logger, name string, fn func(context.Context) error) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn(name+" failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
