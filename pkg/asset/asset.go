// Package asset defines the stored asset model and the in-memory asset table.
package asset

import (
	"crypto/sha256"
	"hash"
	"path"
	"strings"
	"time"
)

// IdentityEncoding is the name of the raw, unencoded representation. It is
// the primary encoding of every committed asset and the one certified in the
// hash tree.
const IdentityEncoding = "identity"

// Digest is a 32-byte SHA-256 digest.
type Digest [sha256.Size]byte

// HeaderField is one response header attached to an asset.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Key identifies a logical asset. FullPath is the only lookup index.
type Key struct {
	Name     string  `json:"name"`
	Folder   string  `json:"folder"`
	FullPath string  `json:"full_path"`
	Token    *string `json:"token,omitempty"`
	// SHA256 is the digest computed by the uploader. It is stored as-is so
	// clients can detect unchanged content without downloading chunks.
	SHA256 []byte `json:"sha256,omitempty"`
}

// Encoding is one physical representation of an asset's content.
type Encoding struct {
	Modified      time.Time `json:"modified"`
	ContentChunks [][]byte  `json:"-"`
	TotalLength   uint64    `json:"total_length"`
	SHA256        Digest    `json:"sha256"`
}

// Asset is an assembled, committed asset.
type Asset struct {
	Key       Key                 `json:"key"`
	Headers   []HeaderField       `json:"headers"`
	Encodings map[string]Encoding `json:"encodings"`
}

// Hasher returns the digest function used for encodings.
func Hasher() hash.Hash {
	return sha256.New()
}

// NewEncoding builds an encoding from ordered chunk payloads, computing the
// digest over their concatenation.
func NewEncoding(chunks [][]byte, modified time.Time) Encoding {
	h := Hasher()
	var total uint64
	for _, c := range chunks {
		h.Write(c)
		total += uint64(len(c))
	}
	enc := Encoding{
		Modified:      modified,
		ContentChunks: chunks,
		TotalLength:   total,
	}
	copy(enc.SHA256[:], h.Sum(nil))
	return enc
}

// Verify reports whether the stored digest and length match the chunks.
func (e Encoding) Verify() bool {
	check := NewEncoding(e.ContentChunks, e.Modified)
	return check.SHA256 == e.SHA256 && check.TotalLength == e.TotalLength
}

// Primary returns the identity encoding.
func (a Asset) Primary() (Encoding, bool) {
	enc, ok := a.Encodings[IdentityEncoding]
	return enc, ok
}

// Encoding returns the named encoding, defaulting to identity when name is empty.
func (a Asset) Encoding(name string) (Encoding, bool) {
	if name == "" {
		name = IdentityEncoding
	}
	enc, ok := a.Encodings[name]
	return enc, ok
}

// Clone returns a copy whose slices and maps can be mutated independently.
// Chunk payloads are shared; they are never modified in place.
func (a Asset) Clone() Asset {
	out := Asset{Key: a.Key.Clone()}
	if a.Headers != nil {
		out.Headers = append([]HeaderField(nil), a.Headers...)
	}
	if a.Encodings != nil {
		out.Encodings = make(map[string]Encoding, len(a.Encodings))
		for name, enc := range a.Encodings {
			enc.ContentChunks = append([][]byte(nil), enc.ContentChunks...)
			out.Encodings[name] = enc
		}
	}
	return out
}

// Clone deep-copies optional fields.
func (k Key) Clone() Key {
	out := k
	if k.Token != nil {
		tok := *k.Token
		out.Token = &tok
	}
	if k.SHA256 != nil {
		out.SHA256 = append([]byte(nil), k.SHA256...)
	}
	return out
}

// CleanPath canonicalises a full path: rooted, slash separated, no dot
// segments, no trailing slash.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

// Normalize fills derived key fields. FullPath wins when present; otherwise it
// is built from Folder and Name.
func (k Key) Normalize() Key {
	out := k.Clone()
	if out.FullPath == "" {
		out.FullPath = path.Join("/", out.Folder, out.Name)
	}
	out.FullPath = CleanPath(out.FullPath)
	if out.Name == "" {
		out.Name = path.Base(out.FullPath)
	}
	if out.Folder == "" {
		out.Folder = strings.TrimPrefix(path.Dir(out.FullPath), "/")
	}
	return out
}
