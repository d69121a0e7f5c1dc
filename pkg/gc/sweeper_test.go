package gc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/store"
)

func TestSweeperReclaimsExpiredBatches(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := store.New(store.Options{
		BatchTTL: time.Second,
		Now:      func() time.Time { return now },
	})
	id, err := s.InitiateUpload(ctx, asset.Key{FullPath: "/abandoned"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := s.UploadChunk(ctx, id, []byte("orphan")); err != nil {
		t.Fatalf("upload: %v", err)
	}

	sweeper := NewSweeper(Options{Store: s, Logger: zaptest.NewLogger(t)})
	count, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nothing expired yet, got %d", count)
	}

	now = now.Add(2 * time.Second)
	count, err = sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 batch reclaimed, got %d", count)
	}
	if st := s.Stats(); st.Chunks != 0 || st.BufferedBytes != 0 || st.Batches != 0 {
		t.Fatalf("expected empty runtime state, got %+v", st)
	}
}

func TestSweeperRequiresStore(t *testing.T) {
	if _, err := NewSweeper(Options{}).Sweep(context.Background()); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestEveryRunsUntilCanceled(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{}, 8)
	cancel := Every(context.Background(), 5*time.Millisecond, zap.NewNop(), "tick", func(context.Context) error {
		calls.Add(1)
		select {
		case done <- struct{}{}:
		default:
		}
		return errors.New("logged, not fatal")
	})
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("loop stalled after %d calls", calls.Load())
		}
	}
	cancel()
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 calls, got %d", calls.Load())
	}
}
