// Package s3gw exposes the asset store through a minimal S3-compatible API.
package s3gw

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/johannesboyne/gofakes3"
	"go.uber.org/zap"

	"github.com/jacktea/assetvault/pkg/server/middleware"
	"github.com/jacktea/assetvault/pkg/sharder"
	"github.com/jacktea/assetvault/pkg/store"
	"github.com/jacktea/assetvault/pkg/stream"
)

// DefaultBucket names the single bucket when Options.Bucket is empty.
const DefaultBucket = "assets"

// Options configure the S3 gateway.
type Options struct {
	Bucket    string
	APIKey    string
	RateLimit middleware.RateLimitOptions
	// Principal is the caller the gateway presents to an owned store.
	Principal   string
	ChunkSize   int
	Concurrency int
}

// Server exposes a tiny subset of the S3 API backed by a Store.
type Server struct {
	Store *store.Store
	Log   *zap.Logger
	Opt   Options

	handlerOnce sync.Once
	handler     http.Handler
	backend     *Backend
}

// Start listens on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.httpHandler()}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpHandler().ServeHTTP(w, r)
}

func (s *Server) bucket() string {
	if s.Opt.Bucket == "" {
		return DefaultBucket
	}
	return s.Opt.Bucket
}

// objectKey strips the bucket from a request path.
func (s *Server) objectKey(p string) string {
	trimmed := strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(p, "/")), "/")
	if trimmed == s.bucket() {
		return ""
	}
	return strings.TrimPrefix(trimmed, s.bucket()+"/")
}

func (s *Server) httpHandler() http.Handler {
	s.handlerOnce.Do(func() {
		s.backend = NewBackend(s.Store, s.bucket(), s.Opt.Principal, sharder.WriterOptions{
			ChunkSize:   s.Opt.ChunkSize,
			Concurrency: s.Opt.Concurrency,
		}, s.Log)
		s3 := gofakes3.New(s.backend).Server()
		var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.handleRename(w, r) {
				return
			}
			s.ensureContentLength(r)
			s.rewriteBucketPath(r)
			s3.ServeHTTP(w, r)
		})
		if chain := s.middlewares(); len(chain) > 0 {
			handler = middleware.Wrap(handler, chain...)
		}
		s.handler = handler
	})
	return s.handler
}

// handleRename serves POST /key?rename=/other as copy then delete.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	renameTo := r.URL.Query().Get("rename")
	if renameTo == "" {
		return false
	}
	src := s.objectKey(r.URL.Path)
	dst := s.objectKey(renameTo)
	if _, err := s.Store.Read(s.backend.ctx, stream.Request{FullPath: objectPath(src)}); err != nil {
		http.Error(w, err.Error(), store.StatusFor(err))
		return true
	}
	if _, err := s.backend.CopyObject(s.bucket(), src, s.bucket(), dst, nil); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return true
	}
	if _, err := s.backend.DeleteObject(s.bucket(), src); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return true
	}
	w.WriteHeader(http.StatusOK)
	return true
}

func (s *Server) rewriteBucketPath(r *http.Request) {
	bucket := s.bucket()
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if trimmed == "" {
		return
	}
	if strings.HasPrefix(trimmed, bucket+"/") || trimmed == bucket {
		return
	}
	newPath := path.Join("/", bucket, trimmed)
	r.URL.Path = newPath
	r.URL.RawPath = newPath
}

func (s *Server) ensureContentLength(r *http.Request) {
	if r.Header.Get("Content-Length") != "" || r.ContentLength < 0 {
		return
	}
	r.Header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
}

func (s *Server) middlewares() []middleware.HTTPMiddleware {
	var chain []middleware.HTTPMiddleware
	if auth := middleware.APIKeyAuth(s.Opt.APIKey); auth != nil {
		chain = append(chain, auth)
	}
	if limit := middleware.RateLimit(s.Opt.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	return chain
}
