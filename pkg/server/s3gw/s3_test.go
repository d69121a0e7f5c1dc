package s3gw

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"

	"github.com/jacktea/assetvault/pkg/access"
	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/chunk"
	"github.com/jacktea/assetvault/pkg/server/middleware"
	"github.com/jacktea/assetvault/pkg/sharder"
	"github.com/jacktea/assetvault/pkg/store"
	"github.com/jacktea/assetvault/pkg/stream"
	"github.com/jacktea/assetvault/pkg/xerrors"
)

func newGateway(opt Options) (*Server, *store.Store) {
	st := store.New(store.Options{})
	return &Server{Store: st, Opt: opt}, st
}

func readAll(t *testing.T, st *store.Store, fullPath string) string {
	t.Helper()
	var buf bytes.Buffer
	if _, err := sharder.Concat(context.Background(), st, stream.Request{FullPath: fullPath}, &buf); err != nil {
		t.Fatalf("concat %s: %v", fullPath, err)
	}
	return buf.String()
}

func TestS3GatewayPutGet(t *testing.T) {
	srv, st := newGateway(Options{Bucket: "test", ChunkSize: 2})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/hello.txt", bytes.NewBufferString("world"))
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := readAll(t, st, "/hello.txt"); got != "world" {
		t.Fatalf("store holds %q", got)
	}
	if entries := st.List(""); len(entries) != 1 || entries[0].Chunks != 3 {
		t.Fatalf("expected one asset in three chunks, got %+v", entries)
	}
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if string(body) != "world" {
		t.Fatalf("expected world got %q", string(body))
	}
}

func TestS3GatewayEmptyObject(t *testing.T) {
	srv, st := newGateway(Options{Bucket: "test"})
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/empty", bytes.NewReader(nil)))
	if rr.Code != http.StatusOK {
		t.Fatalf("put empty: %d", rr.Code)
	}
	if got := readAll(t, st, "/empty"); got != "" {
		t.Fatalf("expected empty content, got %q", got)
	}
}

func TestS3GatewayAuthMiddleware(t *testing.T) {
	srv, _ := newGateway(Options{Bucket: "test", APIKey: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/?list-type=2", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	req.Header.Set("X-API-Key", "secret")
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 after auth, got %d", rr.Code)
	}
}

func TestS3GatewayRateLimit(t *testing.T) {
	now := time.Unix(0, 0)
	srv, _ := newGateway(Options{
		Bucket: "test",
		RateLimit: middleware.RateLimitOptions{
			Requests: 1,
			Window:   time.Second,
			Now: func() time.Time {
				return now
			},
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/?list-type=2", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	now = now.Add(time.Second)
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ok after refill, got %d", rr.Code)
	}
}

func TestS3GatewayPagination(t *testing.T) {
	srv, _ := newGateway(Options{Bucket: "test"})
	put := func(name string) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/"+name, bytes.NewBufferString(name))
		srv.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("put %s: %d", name, rr.Code)
		}
	}
	put("a.txt")
	put("b.txt")
	put("c.txt")
	req := httptest.NewRequest(http.MethodGet, "/?list-type=2&max-keys=2", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("list page1: %d", rr.Code)
	}
	var resp listResult
	if err := xml.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode page1: %v", err)
	}
	if !resp.IsTruncated || resp.NextContinuationToken == "" {
		t.Fatalf("expected truncation: %+v", resp)
	}
	req = httptest.NewRequest(http.MethodGet, "/?list-type=2&max-keys=2&continuation-token="+resp.NextContinuationToken, nil)
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("list page2: %d", rr.Code)
	}
	if err := xml.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode page2: %v", err)
	}
	if resp.IsTruncated {
		t.Fatalf("expected final page, got truncated")
	}
}

func TestS3GatewayMetadataBecomesHeaders(t *testing.T) {
	srv, st := newGateway(Options{Bucket: "test"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/meta.txt", bytes.NewBufferString("meta"))
	req.Header.Set("X-Amz-Meta-Origin", "build-42")
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("put metadata: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/meta.txt", nil)
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("get metadata: %d", rr.Code)
	}
	if got := rr.Header().Get("X-Amz-Meta-Origin"); got != "build-42" {
		t.Fatalf("expected origin header build-42 got %s", got)
	}

	resp := st.HTTPRequest(context.Background(), store.HTTPRequest{URL: "/meta.txt", Method: http.MethodGet})
	var found bool
	for _, h := range resp.Headers {
		if h.Name == "X-Amz-Meta-Origin" && h.Value == "build-42" {
			found = true
		}
	}
	if !found {
		t.Fatalf("stored headers missing metadata: %+v", resp.Headers)
	}
}

func TestS3GatewayRename(t *testing.T) {
	srv, st := newGateway(Options{Bucket: "test"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/old.txt", bytes.NewBufferString("data"))
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("put old: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/old.txt?rename=/new.txt", nil)
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("rename status %d", rr.Code)
	}
	if got := readAll(t, st, "/new.txt"); got != "data" {
		t.Fatalf("renamed content %q", got)
	}
	if _, err := st.Read(context.Background(), stream.Request{FullPath: "/old.txt"}); !xerrors.IsKind(err, xerrors.KindNotFound) {
		t.Fatalf("expected old missing, err=%v", err)
	}
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/missing.txt?rename=/x.txt", nil)
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 renaming missing object, got %d", rr.Code)
	}
}

func TestS3GatewayMultipart(t *testing.T) {
	srv, st := newGateway(Options{Bucket: "test", ChunkSize: 3})
	srv.httpHandler()
	b := srv.backend

	id, err := b.CreateMultipartUpload("test", "big.bin", map[string]string{"Content-Type": "application/octet-stream"})
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	etag1, err := b.UploadPart("test", "big.bin", id, 1, 5, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("part 1: %v", err)
	}
	etag2, err := b.UploadPart("test", "big.bin", id, 2, 6, strings.NewReader(" world"))
	if err != nil {
		t.Fatalf("part 2: %v", err)
	}
	parts, err := b.ListParts("test", "big.bin", id, 0, 0)
	if err != nil || len(parts.Parts) != 2 {
		t.Fatalf("list parts: %v %+v", err, parts)
	}
	uploads, err := b.ListMultipartUploads("test", nil, gofakes3.Prefix{}, 0)
	if err != nil || len(uploads.Uploads) != 1 {
		t.Fatalf("list uploads: %v %+v", err, uploads)
	}

	if _, _, err := b.CompleteMultipartUpload("test", "big.bin", id, &gofakes3.CompleteMultipartUploadRequest{
		Parts: []gofakes3.CompletedPart{{PartNumber: 1, ETag: "bogus"}},
	}); err != gofakes3.ErrInvalidPart {
		t.Fatalf("expected invalid part, got %v", err)
	}
	_, etag, err := b.CompleteMultipartUpload("test", "big.bin", id, &gofakes3.CompleteMultipartUploadRequest{
		Parts: []gofakes3.CompletedPart{{PartNumber: 1, ETag: etag1}, {PartNumber: 2, ETag: etag2}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !strings.HasSuffix(etag, `-2"`) {
		t.Fatalf("unexpected multipart etag %s", etag)
	}
	if got := readAll(t, st, "/big.bin"); got != "hello world" {
		t.Fatalf("assembled %q", got)
	}
	if _, err := b.ListParts("test", "big.bin", id, 0, 0); err != gofakes3.ErrNoSuchUpload {
		t.Fatalf("expected upload to be gone, got %v", err)
	}
}

func TestS3GatewayAbortMultipart(t *testing.T) {
	srv, _ := newGateway(Options{Bucket: "test"})
	srv.httpHandler()
	b := srv.backend
	id, err := b.CreateMultipartUpload("test", "x", nil)
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if err := b.AbortMultipartUpload("test", "other", id); err != gofakes3.ErrNoSuchUpload {
		t.Fatalf("expected mismatch to fail, got %v", err)
	}
	if err := b.AbortMultipartUpload("test", "x", id); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := b.UploadPart("test", "x", id, 1, 1, strings.NewReader("a")); err != gofakes3.ErrNoSuchUpload {
		t.Fatalf("expected aborted upload to be gone, got %v", err)
	}
}

func TestS3GatewayRetriedPartReleasesChunks(t *testing.T) {
	st := store.New(store.Options{MaxAssetSize: 10})
	srv := &Server{Store: st, Opt: Options{Bucket: "test"}}
	srv.httpHandler()
	b := srv.backend

	id, err := b.CreateMultipartUpload("test", "retry.bin", nil)
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if _, err := b.UploadPart("test", "retry.bin", id, 1, 6, strings.NewReader("aaaaaa")); err != nil {
		t.Fatalf("part 1: %v", err)
	}
	etag1, err := b.UploadPart("test", "retry.bin", id, 1, 6, strings.NewReader("bbbbbb"))
	if err != nil {
		t.Fatalf("retried part 1: %v", err)
	}
	etag2, err := b.UploadPart("test", "retry.bin", id, 2, 4, strings.NewReader("cccc"))
	if err != nil {
		t.Fatalf("part 2: %v", err)
	}
	if got := st.Stats().BufferedBytes; got != 10 {
		t.Fatalf("buffered %d bytes, want 10", got)
	}
	if _, _, err := b.CompleteMultipartUpload("test", "retry.bin", id, &gofakes3.CompleteMultipartUploadRequest{
		Parts: []gofakes3.CompletedPart{{PartNumber: 1, ETag: etag1}, {PartNumber: 2, ETag: etag2}},
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := readAll(t, st, "/retry.bin"); got != "bbbbbbcccc" {
		t.Fatalf("assembled %q", got)
	}
}

func TestS3GatewayAbortReleasesChunks(t *testing.T) {
	srv, st := newGateway(Options{Bucket: "test"})
	srv.httpHandler()
	b := srv.backend
	id, err := b.CreateMultipartUpload("test", "x", nil)
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if _, err := b.UploadPart("test", "x", id, 1, 3, strings.NewReader("abc")); err != nil {
		t.Fatalf("part 1: %v", err)
	}
	if err := b.AbortMultipartUpload("test", "x", id); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if stats := st.Stats(); stats.Chunks != 0 || stats.BufferedBytes != 0 {
		t.Fatalf("chunks left after abort: %+v", stats)
	}
}

func TestS3GatewayHeadReportsModified(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st := store.New(store.Options{Now: func() time.Time { return when }})
	ctx := context.Background()
	id, err := st.InitiateUpload(ctx, asset.Key{FullPath: "/css/site.css", Folder: "styles"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	cid, err := st.UploadChunk(ctx, id, []byte("body{}"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := st.CommitBatch(ctx, id, nil, []chunk.ID{cid}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	srv := &Server{Store: st, Opt: Options{Bucket: "test"}}
	srv.httpHandler()
	obj, err := srv.backend.HeadObject("test", "css/site.css")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if got := obj.Metadata["Last-Modified"]; got != when.Format(http.TimeFormat) {
		t.Fatalf("Last-Modified = %q", got)
	}
}

func TestS3GatewayPresentsPrincipal(t *testing.T) {
	st := store.New(store.Options{})
	if err := st.SetOwner(context.Background(), "deployer"); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	denied := &Server{Store: st, Opt: Options{Bucket: "test"}}
	rr := httptest.NewRecorder()
	denied.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/a", bytes.NewBufferString("a")))
	if rr.Code == http.StatusOK {
		t.Fatalf("expected rejection without principal")
	}
	if len(st.List("")) != 0 {
		t.Fatalf("rejected put stored an asset")
	}

	allowed := &Server{Store: st, Opt: Options{Bucket: "test", Principal: "deployer"}}
	rr = httptest.NewRecorder()
	allowed.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/a", bytes.NewBufferString("a")))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with principal, got %d", rr.Code)
	}
	ctx := access.WithCaller(context.Background(), "deployer")
	if _, err := st.InitiateUpload(ctx, asset.Key{FullPath: "/b"}); err != nil {
		t.Fatalf("owner initiate: %v", err)
	}
}

type listResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
}
