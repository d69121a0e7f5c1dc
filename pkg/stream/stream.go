// Package stream pages a stored encoding into response fragments, one
// content chunk per fragment.
package stream

import (
	"bytes"
	"time"

	"github.com/jacktea/assetvault/pkg/access"
	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/xerrors"
)

// Source resolves committed assets by full path. *asset.Table satisfies it.
type Source interface {
	Get(fullPath string) (asset.Asset, error)
}

// Request selects one fragment.
type Request struct {
	FullPath string
	// Encoding defaults to identity when empty.
	Encoding string
	Index    int
	Token    *string
	// Digest, when set, must equal the encoding's SHA-256.
	Digest []byte
}

// Fragment is one chunk of an encoding plus what a client needs to verify
// and continue the stream.
type Fragment struct {
	// Body is a copy of the stored chunk.
	Body        []byte
	Index       int
	Count       int
	Encoding    string
	TotalLength uint64
	// Digest covers the whole encoding, not this fragment.
	Digest   asset.Digest
	Modified time.Time
	Headers  []asset.HeaderField
	// Next is nil on the final fragment.
	Next *Token
}

// RequestFromToken turns a continuation token back into a request.
func RequestFromToken(t Token) Request {
	return Request{
		FullPath: t.FullPath,
		Encoding: t.Encoding,
		Index:    t.Index,
		Token:    t.Token,
		Digest:   t.SHA256,
	}
}

// Read resolves req against src. Out-of-range indices and unknown encodings
// are NotFound; a token mismatch is Forbidden; a differing requested digest is
// StaleDigest.
func Read(src Source, caps access.Capability, req Request) (Fragment, error) {
	const op = "stream.Read"
	a, err := src.Get(req.FullPath)
	if err != nil {
		return Fragment{}, err
	}
	if !access.Check(caps, a.Key.Token, req.Token) {
		return Fragment{}, xerrors.E(xerrors.KindForbidden, op, req.FullPath)
	}
	name := req.Encoding
	if name == "" {
		name = asset.IdentityEncoding
	}
	enc, ok := a.Encoding(name)
	if !ok {
		return Fragment{}, xerrors.Wrap(xerrors.KindNotFound, op, req.FullPath, errEncoding(name))
	}
	if req.Digest != nil && !bytes.Equal(req.Digest, enc.SHA256[:]) {
		return Fragment{}, xerrors.E(xerrors.KindStaleDigest, op, req.FullPath)
	}
	count := len(enc.ContentChunks)
	if req.Index < 0 || req.Index >= count {
		return Fragment{}, xerrors.Wrap(xerrors.KindNotFound, op, req.FullPath, errIndex(req.Index, count))
	}
	f := Fragment{
		Body:        bytes.Clone(enc.ContentChunks[req.Index]),
		Index:       req.Index,
		Count:       count,
		Encoding:    name,
		TotalLength: enc.TotalLength,
		Digest:      enc.SHA256,
		Modified:    enc.Modified,
		Headers:     append([]asset.HeaderField(nil), a.Headers...),
	}
	if req.Index+1 < count {
		f.Next = &Token{
			FullPath: a.Key.FullPath,
			Token:    req.Token,
			Headers:  f.Headers,
			SHA256:   append([]byte(nil), enc.SHA256[:]...),
			Index:    req.Index + 1,
		}
		if name != asset.IdentityEncoding {
			f.Next.Encoding = name
		}
	}
	return f, nil
}
