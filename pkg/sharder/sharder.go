// Package sharder splits readers into upload chunks and reassembles streamed
// fragments.
package sharder

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/batch"
	"github.com/jacktea/assetvault/pkg/chunk"
	"github.com/jacktea/assetvault/pkg/stream"
)

// DefaultChunkSize matches the store's default chunk ceiling.
const DefaultChunkSize = 2 << 20

// Uploader accepts chunks for an open batch.
type Uploader interface {
	UploadChunk(ctx context.Context, id batch.ID, content []byte) (chunk.ID, error)
}

// FragmentReader serves stream fragments.
type FragmentReader interface {
	Read(ctx context.Context, req stream.Request) (stream.Fragment, error)
}

// WriterOptions controls chunking behaviour.
type WriterOptions struct {
	ChunkSize   int
	Concurrency int
}

// Upload reads r to EOF, uploads it in ChunkSize pieces and returns the chunk
// ids in content order together with the number of bytes read.
func Upload(ctx context.Context, up Uploader, id batch.ID, r io.Reader, opts WriterOptions) ([]chunk.ID, int64, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Concurrency <= 1 {
		return uploadSequential(ctx, up, id, r, opts)
	}
	return uploadConcurrent(ctx, up, id, r, opts)
}

// Split calls fn with consecutive pieces of r of at most size bytes. Each
// piece is a fresh slice.
func Split(r io.Reader, size int, fn func([]byte) error) (int64, error) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	buf := make([]byte, size)
	var total int64
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return total, nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return total, err
		}
		total += int64(n)
		if ferr := fn(append([]byte(nil), buf[:n]...)); ferr != nil {
			return total, ferr
		}
		if err == io.ErrUnexpectedEOF {
			return total, nil
		}
	}
}

// Concat writes every fragment of the requested encoding to w, following
// continuation tokens, and checks the whole-content digest once the final
// fragment arrives.
func Concat(ctx context.Context, src FragmentReader, req stream.Request, w io.Writer) (int64, error) {
	h := asset.Hasher()
	out := io.MultiWriter(w, h)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		f, err := src.Read(ctx, req)
		if err != nil {
			return written, err
		}
		n, err := out.Write(f.Body)
		written += int64(n)
		if err != nil {
			return written, err
		}
		if f.Next == nil {
			var sum asset.Digest
			copy(sum[:], h.Sum(nil))
			if sum != f.Digest || uint64(written) != f.TotalLength {
				return written, fmt.Errorf("concat %s: content does not match digest %x", req.FullPath, f.Digest[:8])
			}
			return written, nil
		}
		req = stream.RequestFromToken(*f.Next)
	}
}

// Digest returns the SHA-256 of r.
func Digest(r io.Reader) (asset.Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	var d asset.Digest
	copy(d[:], h.Sum(nil))
	return d, n, err
}

func uploadSequential(ctx context.Context, up Uploader, id batch.ID, r io.Reader, opts WriterOptions) ([]chunk.ID, int64, error) {
	var ids []chunk.ID
	total, err := Split(r, opts.ChunkSize, func(piece []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		cid, err := up.UploadChunk(ctx, id, piece)
		if err != nil {
			return err
		}
		ids = append(ids, cid)
		return nil
	})
	if err != nil {
		return nil, total, err
	}
	return ids, total, nil
}

func uploadConcurrent(ctx context.Context, up Uploader, id batch.ID, r io.Reader, opts WriterOptions) ([]chunk.ID, int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type task struct {
		index int
		data  []byte
	}
	type result struct {
		index int
		id    chunk.ID
		err   error
	}

	taskCh := make(chan task)
	resultCh := make(chan result, opts.Concurrency*2)
	var workerWG sync.WaitGroup

	worker := func() {
		defer workerWG.Done()
		for t := range taskCh {
			cid, err := up.UploadChunk(ctx, id, t.data)
			resultCh <- result{index: t.index, id: cid, err: err}
			if err != nil {
				cancel()
				return
			}
		}
	}
	for i := 0; i < opts.Concurrency; i++ {
		workerWG.Add(1)
		go worker()
	}

	var (
		count    int
		total    int64
		splitErr error
	)
	go func() {
		defer func() {
			close(taskCh)
			workerWG.Wait()
			close(resultCh)
		}()
		total, splitErr = Split(r, opts.ChunkSize, func(piece []byte) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case taskCh <- task{index: count, data: piece}:
				count++
				return nil
			}
		})
	}()

	ids := make(map[int]chunk.ID)
	var firstErr error
	for res := range resultCh {
		if res.err != nil && firstErr == nil {
			firstErr = res.err
			cancel()
		}
		ids[res.index] = res.id
	}
	if firstErr != nil {
		return nil, total, firstErr
	}
	if splitErr != nil {
		return nil, total, splitErr
	}
	out := make([]chunk.ID, count)
	for i := 0; i < count; i++ {
		cid, ok := ids[i]
		if !ok {
			return nil, total, fmt.Errorf("missing chunk %d", i)
		}
		out[i] = cid
	}
	return out, total, nil
}
