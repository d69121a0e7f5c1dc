package store

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/certtree"
	"github.com/jacktea/assetvault/pkg/stream"
	"github.com/jacktea/assetvault/pkg/xerrors"
)

// CertificateHeader carries the root hash and the CBOR witness for the
// served path.
const CertificateHeader = "Asset-Certificate"

// HTTPRequest is the boundary request shape.
type HTTPRequest struct {
	URL     string
	Method  string
	Headers []asset.HeaderField
	Body    []byte
}

// HTTPResponse is the boundary response shape. StreamingToken is set when
// more fragments follow Body.
type HTTPResponse struct {
	Body           []byte
	Headers        []asset.HeaderField
	StatusCode     int
	StreamingToken *stream.Token
}

// StreamingResponse answers a continuation request.
type StreamingResponse struct {
	Body  []byte
	Token *stream.Token
}

// Entry summarises one asset for listings.
type Entry struct {
	Key         asset.Key    `json:"key"`
	TotalLength uint64       `json:"total_length"`
	Chunks      int          `json:"chunks"`
	SHA256      asset.Digest `json:"sha256"`
	Modified    time.Time    `json:"modified"`
}

// Read returns one fragment of a stored encoding.
func (s *Store) Read(ctx context.Context, req stream.Request) (stream.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return stream.Fragment{}, err
	}
	req.FullPath = asset.CleanPath(req.FullPath)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stream.Read(s.assets, s.opts.Capability, req)
}

// HTTPRequest serves GET and HEAD for the path in req.URL. The response holds
// fragment 0 and a streaming token when the asset has more chunks.
func (s *Store) HTTPRequest(ctx context.Context, req HTTPRequest) HTTPResponse {
	resp := s.httpRequest(ctx, req)
	s.opts.Metrics.Fragment(resp.StatusCode)
	return resp
}

func (s *Store) httpRequest(ctx context.Context, req HTTPRequest) HTTPResponse {
	const op = "store.HTTPRequest"
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return errorResponse(xerrors.Wrap(xerrors.KindInvalid, op, req.URL,
			fmt.Errorf("method %s not allowed", req.Method)), http.StatusMethodNotAllowed)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return errorResponse(xerrors.Wrap(xerrors.KindInvalid, op, req.URL, err), 0)
	}
	sreq := stream.Request{FullPath: asset.CleanPath(u.Path)}
	if q := u.Query(); q.Has("token") {
		tok := q.Get("token")
		sreq.Token = &tok
	}
	if err := ctx.Err(); err != nil {
		return errorResponse(xerrors.Wrap(xerrors.KindInternal, op, sreq.FullPath, err), 0)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	frag, err := stream.Read(s.assets, s.opts.Capability, sreq)
	if err != nil {
		s.log.Debug("request failed", zap.String("path", sreq.FullPath), zap.Error(err))
		return errorResponse(err, 0)
	}
	cert, err := s.certificate(sreq.FullPath)
	if err != nil {
		s.log.Error("certificate unavailable", zap.String("path", sreq.FullPath), zap.Error(err))
		return errorResponse(err, 0)
	}

	headers := make([]asset.HeaderField, 0, len(frag.Headers)+3)
	headers = append(headers, frag.Headers...)
	headers = append(headers,
		asset.HeaderField{Name: "Content-Length", Value: strconv.FormatUint(frag.TotalLength, 10)},
		asset.HeaderField{Name: "ETag", Value: `"` + hex.EncodeToString(frag.Digest[:]) + `"`},
		asset.HeaderField{Name: CertificateHeader, Value: cert},
	)
	resp := HTTPResponse{Headers: headers, StatusCode: http.StatusOK}
	if req.Method == http.MethodGet {
		resp.Body = frag.Body
		resp.StreamingToken = frag.Next
	}
	return resp
}

// StreamingContinuation serves the fragment named by tok. The token's digest
// is enforced, so a replaced asset yields StaleDigest rather than mixing
// content from two versions.
func (s *Store) StreamingContinuation(ctx context.Context, tok stream.Token) (StreamingResponse, error) {
	frag, err := s.Read(ctx, stream.RequestFromToken(tok))
	if err != nil {
		s.opts.Metrics.Fragment(StatusFor(err))
		return StreamingResponse{}, err
	}
	s.opts.Metrics.Fragment(http.StatusOK)
	return StreamingResponse{Body: frag.Body, Token: frag.Next}, nil
}

// List returns assets in folder, or all assets when folder is empty, sorted
// by full path.
func (s *Store) List(folder string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := s.assets.List(folder)
	out := make([]Entry, 0, len(assets))
	for _, a := range assets {
		e := Entry{Key: a.Key.Clone()}
		e.Key.Token = nil
		if enc, ok := a.Primary(); ok {
			e.TotalLength = enc.TotalLength
			e.Chunks = len(enc.ContentChunks)
			e.SHA256 = enc.SHA256
			e.Modified = enc.Modified
		}
		out = append(out, e)
	}
	return out
}

// RootHash returns the current certified root.
func (s *Store) RootHash() certtree.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.RootHash()
}

// Witness returns the proof for fullPath together with the root it proves
// against.
func (s *Store) Witness(fullPath string) (certtree.Proof, certtree.Hash, error) {
	fullPath = asset.CleanPath(fullPath)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.tree.Witness(fullPath)
	if err != nil {
		return certtree.Proof{}, certtree.Hash{}, err
	}
	return p, s.tree.RootHash(), nil
}

// certificate renders the CertificateHeader value for path. Caller holds the
// lock.
func (s *Store) certificate(path string) (string, error) {
	p, err := s.tree.Witness(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, "store.certificate", path, err)
	}
	return FormatCertificate(s.tree.RootHash(), p)
}

// FormatCertificate renders root and proof as a structured header value.
func FormatCertificate(root certtree.Hash, p certtree.Proof) (string, error) {
	w, err := p.Encode()
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, "store.FormatCertificate", p.Key, err)
	}
	return fmt.Sprintf("root=:%s:, witness=:%s:",
		base64.StdEncoding.EncodeToString(root[:]),
		base64.StdEncoding.EncodeToString(w)), nil
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindForbidden:
		return http.StatusForbidden
	case xerrors.KindExpired:
		return http.StatusGone
	case xerrors.KindStaleDigest:
		return http.StatusPreconditionFailed
	case xerrors.KindChunkTooLarge, xerrors.KindAssetTooLarge:
		return http.StatusRequestEntityTooLarge
	case xerrors.KindEmptyCommit, xerrors.KindChunkMismatch:
		return http.StatusConflict
	case xerrors.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error, status int) HTTPResponse {
	if status == 0 {
		status = StatusFor(err)
	}
	return HTTPResponse{
		Body:       []byte(err.Error()),
		Headers:    []asset.HeaderField{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}},
		StatusCode: status,
	}
}
