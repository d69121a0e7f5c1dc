// Package httpapi exposes the asset store over HTTP+JSON.
package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/batch"
	"github.com/jacktea/assetvault/pkg/certtree"
	"github.com/jacktea/assetvault/pkg/chunk"
	"github.com/jacktea/assetvault/pkg/metrics"
	"github.com/jacktea/assetvault/pkg/server/middleware"
	"github.com/jacktea/assetvault/pkg/sharder"
	"github.com/jacktea/assetvault/pkg/store"
	"github.com/jacktea/assetvault/pkg/stream"
)

const (
	// StreamingTokenHeader carries the encoded continuation token when more
	// fragments follow.
	StreamingTokenHeader = "X-Streaming-Token"
	// AssetLengthHeader carries the full encoding length; Content-Length
	// describes only the fragment in the body.
	AssetLengthHeader = "X-Asset-Length"
)

// Server exposes a Store over a simple HTTP+JSON API.
type Server struct {
	Store   *store.Store
	Log     *zap.Logger
	Metrics *metrics.Metrics
	// Gatherer backs /metrics; the endpoint is absent when nil.
	Gatherer prometheus.Gatherer
	Opts     Options

	once    sync.Once
	proofs  *expirable.LRU[string, witnessResponse]
	handler http.Handler
}

// Options configure auth, pagination, rate limiting and caching.
type Options struct {
	APIKey          string
	RateLimit       middleware.RateLimitOptions
	DefaultPageSize int
	MaxPageSize     int
	// MaxChunkBytes bounds chunk upload bodies read from the wire.
	MaxChunkBytes int
	WitnessCache  int
	WitnessTTL    time.Duration
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		if s.Log == nil {
			s.Log = zap.NewNop()
		}
		size := s.Opts.WitnessCache
		if size <= 0 {
			size = 1024
		}
		ttl := s.Opts.WitnessTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		s.proofs = expirable.NewLRU[string, witnessResponse](size, nil, ttl)
		s.handler = s.router()
	})
	return s.handler
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/assets/", s.handleAssets)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/files/", s.handleFiles)
	mux.HandleFunc("/batches", s.handleInitiate)
	mux.HandleFunc("/batches/", s.handleBatch)
	mux.HandleFunc("/list", s.handleList)
	mux.HandleFunc("/tree/root", s.handleRoot)
	mux.HandleFunc("/tree/witness/", s.handleWitness)
	mux.HandleFunc("/owner", s.handleOwner)
	return s.applyMiddleware(mux)
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/assets")
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		u := strings.TrimPrefix(r.URL.EscapedPath(), "/assets")
		if r.URL.RawQuery != "" {
			u += "?" + r.URL.RawQuery
		}
		resp := s.Store.HTTPRequest(r.Context(), store.HTTPRequest{
			URL:     u,
			Method:  r.Method,
			Headers: requestHeaders(r),
		})
		s.writeFragment(w, r, resp.StatusCode, resp.Headers, resp.Body, resp.StreamingToken)
	case http.MethodDelete:
		if err := s.Store.Delete(r.Context(), p, queryToken(r)); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tok, err := stream.DecodeToken(r.URL.Query().Get("token"))
	if err != nil {
		httpError(w, err)
		return
	}
	resp, err := s.Store.StreamingContinuation(r.Context(), tok)
	if err != nil {
		httpError(w, err)
		return
	}
	s.writeFragment(w, r, http.StatusOK, nil, resp.Body, resp.Token)
}

func (s *Server) writeFragment(w http.ResponseWriter, r *http.Request, status int, headers []asset.HeaderField, body []byte, next *stream.Token) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			w.Header().Set(AssetLengthHeader, h.Value)
			if r.Method == http.MethodHead {
				w.Header().Set("Content-Length", h.Value)
			}
			continue
		}
		w.Header().Add(h.Name, h.Value)
	}
	if next != nil {
		enc, err := next.Encode()
		if err != nil {
			httpError(w, err)
			return
		}
		w.Header().Set(StreamingTokenHeader, enc)
	}
	if r.Method != http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(body)
	}
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req := stream.Request{FullPath: asset.CleanPath(strings.TrimPrefix(r.URL.Path, "/files")), Token: queryToken(r)}
	var buf bytes.Buffer
	if _, err := sharder.Concat(r.Context(), s.Store, req, &buf); err != nil {
		httpError(w, err)
		return
	}
	content := buf.Bytes()
	size := int64(len(content))
	w.Header().Set("Accept-Ranges", "bytes")
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, parseErr := parseRangeHeader(rangeHeader, size)
		if parseErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", end-start+1))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
		return
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

type initiateResponse struct {
	BatchID batch.ID `json:"batch_id"`
}

type chunkResponse struct {
	ChunkID chunk.ID `json:"chunk_id"`
}

type commitPayload struct {
	Headers  []asset.HeaderField `json:"headers"`
	ChunkIDs []chunk.ID          `json:"chunk_ids"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var key asset.Key
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	id, err := s.Store.InitiateUpload(r.Context(), key)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, initiateResponse{BatchID: id})
}

// handleBatch serves /batches/{id}/chunks and /batches/{id}/commit.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/batches/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	id, err := batch.ParseID(parts[0])
	if err != nil {
		httpError(w, err)
		return
	}
	switch {
	case parts[1] == "chunks" && r.Method == http.MethodPut:
		s.uploadChunk(w, r, id)
	case parts[1] == "commit" && r.Method == http.MethodPost:
		s.commit(w, r, id)
	case parts[1] == "chunks" || parts[1] == "commit":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) uploadChunk(w http.ResponseWriter, r *http.Request, id batch.ID) {
	limit := s.Opts.MaxChunkBytes
	if limit <= 0 {
		limit = store.DefaultMaxChunkSize
	}
	// One byte over the limit lets the store report ChunkTooLarge.
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	cid, err := s.Store.UploadChunk(r.Context(), id, body)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chunkResponse{ChunkID: cid})
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request, id batch.ID) {
	var payload commitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.Store.CommitBatch(r.Context(), id, payload.Headers, payload.ChunkIDs); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, token := s.listingParams(r)
	all := s.Store.List(r.URL.Query().Get("folder"))
	entries := make([]store.Entry, 0, limit)
	for _, e := range all {
		if token != "" && e.Key.FullPath <= token {
			continue
		}
		entries = append(entries, e)
		if len(entries) >= limit+1 {
			break
		}
	}
	var nextToken string
	if len(entries) > limit {
		nextToken = entries[limit-1].Key.FullPath
		entries = entries[:limit]
	}
	response := struct {
		Entries       []listEntry `json:"entries"`
		NextPageToken string      `json:"next_page_token,omitempty"`
	}{
		Entries:       make([]listEntry, 0, len(entries)),
		NextPageToken: nextToken,
	}
	for _, e := range entries {
		response.Entries = append(response.Entries, toListEntry(e))
	}
	writeJSON(w, http.StatusOK, response)
}

type listEntry struct {
	FullPath    string    `json:"full_path"`
	Name        string    `json:"name"`
	Folder      string    `json:"folder"`
	TotalLength uint64    `json:"total_length"`
	Chunks      int       `json:"chunks"`
	SHA256      string    `json:"sha256"`
	ClientHash  string    `json:"client_sha256,omitempty"`
	Modified    time.Time `json:"modified"`
}

func toListEntry(e store.Entry) listEntry {
	return listEntry{
		FullPath:    e.Key.FullPath,
		Name:        e.Key.Name,
		Folder:      e.Key.Folder,
		TotalLength: e.TotalLength,
		Chunks:      e.Chunks,
		SHA256:      hex.EncodeToString(e.SHA256[:]),
		ClientHash:  hex.EncodeToString(e.Key.SHA256),
		Modified:    e.Modified,
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	root := s.Store.RootHash()
	writeJSON(w, http.StatusOK, map[string]string{"root": hex.EncodeToString(root[:])})
}

type witnessResponse struct {
	Root    string `json:"root"`
	Key     string `json:"key"`
	Value   string `json:"value"`
	Witness string `json:"witness"`
}

func (s *Server) handleWitness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := asset.CleanPath(strings.TrimPrefix(r.URL.Path, "/tree/witness"))
	root := s.Store.RootHash()
	cacheKey := hex.EncodeToString(root[:]) + p
	if cached, ok := s.proofs.Get(cacheKey); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	proof, proofRoot, err := s.Store.Witness(p)
	if err != nil {
		httpError(w, err)
		return
	}
	resp, err := newWitnessResponse(proof, proofRoot)
	if err != nil {
		httpError(w, err)
		return
	}
	if proofRoot == root {
		s.proofs.Add(cacheKey, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

func newWitnessResponse(p certtree.Proof, root certtree.Hash) (witnessResponse, error) {
	raw, err := p.Encode()
	if err != nil {
		return witnessResponse{}, err
	}
	return witnessResponse{
		Root:    hex.EncodeToString(root[:]),
		Key:     p.Key,
		Value:   hex.EncodeToString(p.Value[:]),
		Witness: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		owner, ok := s.Store.Owner()
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"owner": owner})
	case http.MethodPut:
		var payload struct {
			Principal string `json:"principal"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := s.Store.SetOwner(r.Context(), payload.Principal); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func httpError(w http.ResponseWriter, err error) {
	status := store.StatusFor(err)
	if errors.Is(err, context.Canceled) {
		status = 499
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryToken(r *http.Request) *string {
	q := r.URL.Query()
	if !q.Has("token") {
		return nil
	}
	tok := q.Get("token")
	return &tok
}

func requestHeaders(r *http.Request) []asset.HeaderField {
	out := make([]asset.HeaderField, 0, len(r.Header))
	for name, values := range r.Header {
		for _, v := range values {
			out = append(out, asset.HeaderField{Name: name, Value: v})
		}
	}
	return out
}

func routeLabel(r *http.Request) string {
	p := strings.TrimPrefix(r.URL.Path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	switch p {
	case "assets", "stream", "files", "batches", "list", "tree", "owner", "healthz", "metrics":
		return "/" + p
	default:
		return "other"
	}
}

func parseRangeHeader(header string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, fmt.Errorf("resource empty")
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, fmt.Errorf("unsupported range unit")
	}
	rangeSpec := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if rangeSpec == "" || strings.Contains(rangeSpec, ",") {
		return 0, 0, fmt.Errorf("invalid range")
	}
	if strings.HasPrefix(rangeSpec, "-") {
		n, err := strconv.ParseInt(strings.TrimPrefix(rangeSpec, "-"), 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix range")
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}
	parts := strings.SplitN(rangeSpec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range spec")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start")
	}
	var end int64
	if parts[1] == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || end < 0 {
			return 0, 0, fmt.Errorf("invalid range end")
		}
	}
	if start >= size {
		return 0, 0, fmt.Errorf("start beyond size")
	}
	if end >= size {
		end = size - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("start greater than end")
	}
	return start, end, nil
}

func (s *Server) listingParams(r *http.Request) (limit int, token string) {
	def, max := s.pageBounds()
	limit = def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	token = r.URL.Query().Get("page_token")
	return limit, token
}

func (s *Server) pageBounds() (def int, max int) {
	def = 100
	max = 1000
	if s.Opts.DefaultPageSize > 0 {
		def = s.Opts.DefaultPageSize
	}
	if s.Opts.MaxPageSize > 0 {
		max = s.Opts.MaxPageSize
	}
	if def > max {
		def = max
	}
	return def, max
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	var chain []middleware.HTTPMiddleware
	if observe := middleware.Observe(s.Log, s.Metrics, routeLabel); observe != nil {
		chain = append(chain, observe)
	}
	if auth := middleware.APIKeyAuth(s.Opts.APIKey); auth != nil {
		chain = append(chain, auth)
	}
	if limit := middleware.RateLimit(s.Opts.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	chain = append(chain, middleware.Principal())
	return middleware.Wrap(handler, chain...)
}
