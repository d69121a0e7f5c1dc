package checkpoint

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/jacktea/assetvault/pkg/asset"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("checkpoint: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("checkpoint: cbor dec mode: %v", err))
	}
}

// assetRecord is the persisted form of one asset. Chunk payloads are either
// inline or referenced by digest, depending on the backend.
type assetRecord struct {
	Key       asset.Key                 `cbor:"1,keyasint"`
	Headers   []asset.HeaderField       `cbor:"2,keyasint,omitempty"`
	Encodings map[string]encodingRecord `cbor:"3,keyasint"`
}

type encodingRecord struct {
	Modified    time.Time      `cbor:"1,keyasint"`
	TotalLength uint64         `cbor:"2,keyasint"`
	SHA256      asset.Digest   `cbor:"3,keyasint"`
	ChunkRefs   []asset.Digest `cbor:"4,keyasint,omitempty"`
	Chunks      [][]byte       `cbor:"5,keyasint,omitempty"`
}

// toRecord converts a; ref is called per chunk when chunks are stored out of
// line, otherwise payloads are kept inline.
func toRecord(a asset.Asset, ref func([]byte) (asset.Digest, error)) (assetRecord, error) {
	rec := assetRecord{
		Key:       a.Key,
		Headers:   a.Headers,
		Encodings: make(map[string]encodingRecord, len(a.Encodings)),
	}
	for name, enc := range a.Encodings {
		er := encodingRecord{
			Modified:    enc.Modified,
			TotalLength: enc.TotalLength,
			SHA256:      enc.SHA256,
		}
		if ref == nil {
			er.Chunks = enc.ContentChunks
		} else {
			er.ChunkRefs = make([]asset.Digest, 0, len(enc.ContentChunks))
			for _, c := range enc.ContentChunks {
				d, err := ref(c)
				if err != nil {
					return assetRecord{}, err
				}
				er.ChunkRefs = append(er.ChunkRefs, d)
			}
		}
		rec.Encodings[name] = er
	}
	return rec, nil
}

// fromRecord rebuilds an asset; resolve is called for referenced chunks.
func fromRecord(rec assetRecord, resolve func(asset.Digest) ([]byte, error)) (asset.Asset, error) {
	a := asset.Asset{
		Key:       rec.Key,
		Headers:   rec.Headers,
		Encodings: make(map[string]asset.Encoding, len(rec.Encodings)),
	}
	for name, er := range rec.Encodings {
		enc := asset.Encoding{
			Modified:      er.Modified,
			TotalLength:   er.TotalLength,
			SHA256:        er.SHA256,
			ContentChunks: er.Chunks,
		}
		if len(er.ChunkRefs) > 0 {
			if resolve == nil {
				return asset.Asset{}, fmt.Errorf("checkpoint: %s: chunk references without resolver", rec.Key.FullPath)
			}
			enc.ContentChunks = make([][]byte, 0, len(er.ChunkRefs))
			for _, d := range er.ChunkRefs {
				c, err := resolve(d)
				if err != nil {
					return asset.Asset{}, fmt.Errorf("checkpoint: %s: %w", rec.Key.FullPath, err)
				}
				enc.ContentChunks = append(enc.ContentChunks, c)
			}
		}
		a.Encodings[name] = enc
	}
	return a, nil
}

func marshalRecord(rec assetRecord) ([]byte, error) {
	return encMode.Marshal(rec)
}

func unmarshalRecord(b []byte) (assetRecord, error) {
	var rec assetRecord
	if err := decMode.Unmarshal(b, &rec); err != nil {
		return assetRecord{}, fmt.Errorf("checkpoint: decode asset record: %w", err)
	}
	return rec, nil
}
