// Package chunk holds uploaded byte fragments until a batch commit consumes
// them.
package chunk

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/jacktea/assetvault/pkg/batch"
	"github.com/jacktea/assetvault/pkg/xerrors"
)

// ID is a process-unique 128-bit chunk identifier.
type ID uuid.UUID

// String renders the canonical UUID form.
func (id ID) String() string { return uuid.UUID(id).String() }

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

// ParseID parses the canonical string form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, xerrors.Wrap(xerrors.KindInvalid, "chunk.ParseID", s, err)
	}
	return ID(u), nil
}

// Chunk is one uploaded fragment tagged with its batch.
type Chunk struct {
	BatchID batch.ID
	Content []byte
}

// Options configures a Buffer.
type Options struct {
	// NewID overrides identifier generation (tests).
	NewID func() uuid.UUID
}

// Buffer stores chunks until they are taken by a commit or dropped with
// their batch. Not safe for concurrent use.
type Buffer struct {
	chunks     map[ID]Chunk
	batchCount map[batch.ID]int
	batchBytes map[batch.ID]uint64
	bytes      uint64
	newID      func() uuid.UUID
}

// NewBuffer returns an empty buffer.
func NewBuffer(opts Options) *Buffer {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.New
	}
	return &Buffer{
		chunks:     make(map[ID]Chunk),
		batchCount: make(map[batch.ID]int),
		batchBytes: make(map[batch.ID]uint64),
		newID:      newID,
	}
}

// Put stores a copy of content under a fresh identifier.
func (b *Buffer) Put(batchID batch.ID, content []byte) ID {
	id := ID(b.newID())
	for {
		if _, taken := b.chunks[id]; !taken {
			break
		}
		id = ID(b.newID())
	}
	b.chunks[id] = Chunk{BatchID: batchID, Content: bytes.Clone(content)}
	b.batchCount[batchID]++
	b.batchBytes[batchID] += uint64(len(content))
	b.bytes += uint64(len(content))
	return id
}

// Take removes and returns the payloads for ids in order. Every id must exist
// and belong to batchID; on failure nothing is removed.
func (b *Buffer) Take(batchID batch.ID, ids []ID) ([][]byte, error) {
	seen := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		c, ok := b.chunks[id]
		if !ok {
			return nil, xerrors.E(xerrors.KindNotFound, "chunk.Take", id.String())
		}
		if c.BatchID != batchID {
			return nil, xerrors.Wrap(xerrors.KindNotFound, "chunk.Take", id.String(),
				fmt.Errorf("chunk belongs to batch %s", c.BatchID))
		}
		if _, dup := seen[id]; dup {
			return nil, xerrors.Wrap(xerrors.KindNotFound, "chunk.Take", id.String(),
				fmt.Errorf("chunk listed twice"))
		}
		seen[id] = struct{}{}
	}
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = b.chunks[id].Content
		b.remove(id)
	}
	return out, nil
}

// Discard removes the listed chunks of batchID and returns how many were
// removed. Unknown ids and chunks of other batches are skipped.
func (b *Buffer) Discard(batchID batch.ID, ids []ID) int {
	var n int
	for _, id := range ids {
		if c, ok := b.chunks[id]; ok && c.BatchID == batchID {
			b.remove(id)
			n++
		}
	}
	return n
}

// DropBatch discards every chunk tagged with batchID and returns how many
// were removed.
func (b *Buffer) DropBatch(batchID batch.ID) int {
	if b.batchCount[batchID] == 0 {
		return 0
	}
	var n int
	for id, c := range b.chunks {
		if c.BatchID == batchID {
			b.remove(id)
			n++
		}
	}
	return n
}

// BatchBytes returns the bytes currently buffered for batchID.
func (b *Buffer) BatchBytes(batchID batch.ID) uint64 { return b.batchBytes[batchID] }

// Len returns the number of buffered chunks.
func (b *Buffer) Len() int { return len(b.chunks) }

// Bytes returns the total buffered payload size.
func (b *Buffer) Bytes() uint64 { return b.bytes }

func (b *Buffer) remove(id ID) {
	c := b.chunks[id]
	delete(b.chunks, id)
	size := uint64(len(c.Content))
	b.bytes -= size
	b.batchCount[c.BatchID]--
	if b.batchCount[c.BatchID] <= 0 {
		delete(b.batchCount, c.BatchID)
		delete(b.batchBytes, c.BatchID)
		return
	}
	b.batchBytes[c.BatchID] -= size
}
