package s3gw

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/johannesboyne/gofakes3"
	"go.uber.org/zap"

	"github.com/jacktea/assetvault/pkg/access"
	"github.com/jacktea/assetvault/pkg/asset"
	"github.com/jacktea/assetvault/pkg/batch"
	"github.com/jacktea/assetvault/pkg/chunk"
	"github.com/jacktea/assetvault/pkg/sharder"
	"github.com/jacktea/assetvault/pkg/store"
	"github.com/jacktea/assetvault/pkg/stream"
	"github.com/jacktea/assetvault/pkg/xerrors"
)

// Backend implements gofakes3.Backend + MultipartBackend on top of a Store.
// The store is a single namespace, so the backend exposes exactly one bucket.
// Store calls run with ctx, which carries the gateway's principal.
type Backend struct {
	store  *store.Store
	bucket string
	opts   sharder.WriterOptions
	log    *zap.Logger
	ctx    context.Context

	mu      sync.Mutex
	uploads map[gofakes3.UploadID]*multipartUpload
}

type multipartUpload struct {
	batch     batch.ID
	object    string
	meta      map[string]string
	initiated time.Time
	parts     map[int]uploadPart
}

type uploadPart struct {
	chunks       []chunk.ID
	size         int64
	etag         string
	lastModified time.Time
}

var (
	_ gofakes3.Backend          = (*Backend)(nil)
	_ gofakes3.MultipartBackend = (*Backend)(nil)
)

// NewBackend wraps st with an S3-compatible backend serving bucket. A
// non-empty principal is presented to the store on every mutation.
func NewBackend(st *store.Store, bucket, principal string, opts sharder.WriterOptions, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	ctx := context.Background()
	if principal != "" {
		ctx = access.WithCaller(ctx, principal)
	}
	return &Backend{
		store:   st,
		bucket:  bucket,
		opts:    opts,
		log:     log,
		ctx:     ctx,
		uploads: make(map[gofakes3.UploadID]*multipartUpload),
	}
}

func (b *Backend) ListBuckets() ([]gofakes3.BucketInfo, error) {
	return []gofakes3.BucketInfo{{
		Name:         b.bucket,
		CreationDate: gofakes3.NewContentTime(time.Unix(0, 0)),
	}}, nil
}

func (b *Backend) ListBucket(name string, prefix *gofakes3.Prefix, page gofakes3.ListBucketPage) (*gofakes3.ObjectList, error) {
	if err := b.ensureBucket(name); err != nil {
		return nil, err
	}
	if prefix == nil {
		prefix = &gofakes3.Prefix{}
	}
	limit := int(page.MaxKeys)
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	results := gofakes3.NewObjectList()
	seenPrefixes := make(map[string]struct{})
	marker := page.Marker
	var lastKey string
	count := 0
	for _, e := range b.store.List("") {
		key := objectName(e.Key.FullPath)
		if marker != "" && key <= marker {
			continue
		}
		match := gofakes3.PrefixMatch{Key: key, MatchedPart: key}
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(key, &match) {
				continue
			}
		}
		if match.CommonPrefix {
			if _, ok := seenPrefixes[match.MatchedPart]; ok {
				continue
			}
			seenPrefixes[match.MatchedPart] = struct{}{}
			if count < limit {
				results.AddPrefix(match.MatchedPart)
				count++
			} else {
				results.IsTruncated = true
				lastKey = match.MatchedPart
				break
			}
			continue
		}
		if count < limit {
			results.Add(&gofakes3.Content{
				Key:          key,
				LastModified: gofakes3.NewContentTime(e.Modified),
				Size:         int64(e.TotalLength),
				ETag:         gofakes3.FormatETag(e.SHA256[:]),
			})
			count++
			lastKey = key
		} else {
			results.IsTruncated = true
			lastKey = key
			break
		}
	}
	if results.IsTruncated {
		results.NextMarker = lastKey
	}
	return results, nil
}

func (b *Backend) CreateBucket(name string) error {
	if err := gofakes3.ValidateBucketName(name); err != nil {
		return err
	}
	return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, name)
}

func (b *Backend) BucketExists(name string) (bool, error) {
	return name == b.bucket, nil
}

func (b *Backend) DeleteBucket(name string) error {
	if err := b.ensureBucket(name); err != nil {
		return err
	}
	if len(b.store.List("")) > 0 {
		return gofakes3.ResourceError(gofakes3.ErrBucketNotEmpty, name)
	}
	return nil
}

// ForceDeleteBucket removes every asset; the bucket itself always remains.
func (b *Backend) ForceDeleteBucket(name string) error {
	if err := b.ensureBucket(name); err != nil {
		return err
	}
	for _, e := range b.store.List("") {
		if err := b.store.Delete(b.ctx, e.Key.FullPath, nil); err != nil && !xerrors.IsKind(err, xerrors.KindNotFound) {
			return b.translate(objectName(e.Key.FullPath), err)
		}
	}
	return nil
}

func (b *Backend) GetObject(bucket, object string, rangeRequest *gofakes3.ObjectRangeRequest) (*gofakes3.Object, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return nil, err
	}
	content, a, err := b.readObject(object)
	if err != nil {
		return nil, err
	}
	rng, err := b.rangeForObject(rangeRequest, int64(len(content)))
	if err != nil {
		return nil, err
	}
	body := content
	if rng != nil {
		body = content[rng.Start : rng.Start+rng.Length]
	}
	return b.buildObjectResponse(object, a, io.NopCloser(bytes.NewReader(body)), rng), nil
}

func (b *Backend) HeadObject(bucket, object string) (*gofakes3.Object, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return nil, err
	}
	a, err := b.stat(object)
	if err != nil {
		return nil, err
	}
	return b.buildObjectResponse(object, a, io.NopCloser(bytes.NewReader(nil)), nil), nil
}

func (b *Backend) DeleteObject(bucket, object string) (gofakes3.ObjectDeleteResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.ObjectDeleteResult{}, err
	}
	err := b.store.Delete(b.ctx, objectPath(object), nil)
	if err != nil && !xerrors.IsKind(err, xerrors.KindNotFound) {
		return gofakes3.ObjectDeleteResult{}, b.translate(object, err)
	}
	return gofakes3.ObjectDeleteResult{}, nil
}

func (b *Backend) PutObject(bucket, key string, meta map[string]string, input io.Reader, _ int64, conditions *gofakes3.PutConditions) (gofakes3.PutObjectResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	if conditions != nil {
		info, err := b.objectInfo(key)
		if err != nil {
			return gofakes3.PutObjectResult{}, err
		}
		if err := gofakes3.CheckPutConditions(conditions, info); err != nil {
			return gofakes3.PutObjectResult{}, err
		}
	}
	if _, err := b.put(key, meta, input); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	return gofakes3.PutObjectResult{}, nil
}

func (b *Backend) DeleteMulti(bucket string, objects ...string) (gofakes3.MultiDeleteResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.MultiDeleteResult{}, err
	}
	var result gofakes3.MultiDeleteResult
	for _, key := range objects {
		if _, err := b.DeleteObject(bucket, key); err != nil {
			result.Error = append(result.Error, gofakes3.ErrorResultFromError(err))
		} else {
			result.Deleted = append(result.Deleted, gofakes3.ObjectID{Key: key})
		}
	}
	return result, result.AsError()
}

// CopyObject re-uploads the source content under dstKey. The copy is a new
// batch, so it is certified independently of the source.
func (b *Backend) CopyObject(srcBucket, srcKey, dstBucket, dstKey string, meta map[string]string) (gofakes3.CopyObjectResult, error) {
	if err := b.ensureBucket(srcBucket); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	if err := b.ensureBucket(dstBucket); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	content, src, err := b.readObject(srcKey)
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	if len(meta) == 0 {
		meta = headersToMeta(src.Headers)
	}
	enc, err := b.put(dstKey, meta, bytes.NewReader(content))
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	return gofakes3.CopyObjectResult{
		ETag:         gofakes3.FormatETag(enc.SHA256[:]),
		LastModified: gofakes3.NewContentTime(enc.Modified),
	}, nil
}

func (b *Backend) CreateMultipartUpload(bucket, object string, meta map[string]string) (gofakes3.UploadID, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return "", err
	}
	id, err := b.store.InitiateUpload(b.ctx, asset.Key{FullPath: objectPath(object)})
	if err != nil {
		return "", b.translate(object, err)
	}
	uploadID := gofakes3.UploadID(id.String())
	b.mu.Lock()
	b.uploads[uploadID] = &multipartUpload{
		batch:     id,
		object:    object,
		meta:      cloneMetadata(meta),
		initiated: time.Now().UTC(),
		parts:     make(map[int]uploadPart),
	}
	b.mu.Unlock()
	return uploadID, nil
}

// UploadPart streams one part into the upload's batch. Re-sending a part
// number replaces it and releases the superseded chunks first.
func (b *Backend) UploadPart(bucket, object string, id gofakes3.UploadID, partNumber int, contentLength int64, input io.Reader) (string, error) {
	if partNumber <= 0 || partNumber > gofakes3.MaxUploadPartNumber {
		return "", gofakes3.ErrInvalidPart
	}
	up, err := b.upload(bucket, object, id)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	prev, replaced := up.parts[partNumber]
	delete(up.parts, partNumber)
	b.mu.Unlock()
	if replaced {
		if _, err := b.store.DiscardChunks(b.ctx, up.batch, prev.chunks); err != nil {
			return "", b.translate(object, err)
		}
	}
	hasher := md5.New()
	ids, written, err := sharder.Upload(b.ctx, b.store, up.batch, io.TeeReader(input, hasher), b.opts)
	if err != nil {
		return "", b.translate(object, err)
	}
	if contentLength >= 0 && written != contentLength {
		return "", gofakes3.ErrIncompleteBody
	}
	if len(ids) == 0 {
		cid, err := b.store.UploadChunk(b.ctx, up.batch, nil)
		if err != nil {
			return "", b.translate(object, err)
		}
		ids = append(ids, cid)
	}
	etag := fmt.Sprintf(`"%s"`, hex.EncodeToString(hasher.Sum(nil)))
	b.mu.Lock()
	up.parts[partNumber] = uploadPart{
		chunks:       ids,
		size:         written,
		etag:         etag,
		lastModified: time.Now().UTC(),
	}
	b.mu.Unlock()
	return etag, nil
}

func (b *Backend) ListMultipartUploads(bucket string, marker *gofakes3.UploadListMarker, prefix gofakes3.Prefix, limit int64) (*gofakes3.ListMultipartUploadsResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	summaries := b.collectUploadSummaries()
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Key == summaries[j].Key {
			return summaries[i].Initiated.Before(summaries[j].Initiated)
		}
		return summaries[i].Key < summaries[j].Key
	})
	start := 0
	if marker != nil {
		for idx, sum := range summaries {
			if compareUpload(sum, marker.Object, marker.UploadID) <= 0 {
				start = idx + 1
			} else {
				break
			}
		}
	}
	result := &gofakes3.ListMultipartUploadsResult{
		Bucket:     bucket,
		Delimiter:  prefix.Delimiter,
		Prefix:     prefix.Prefix,
		MaxUploads: limit,
	}
	var match gofakes3.PrefixMatch
	seenPrefixes := make(map[string]bool)
	var count int64
	for idx := start; idx < len(summaries); idx++ {
		sum := summaries[idx]
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(sum.Key, &match) {
				continue
			}
			if match.CommonPrefix {
				if !seenPrefixes[match.MatchedPart] {
					result.CommonPrefixes = append(result.CommonPrefixes, match.AsCommonPrefix())
					seenPrefixes[match.MatchedPart] = true
				}
				continue
			}
		}
		result.Uploads = append(result.Uploads, gofakes3.ListMultipartUploadItem{
			Key:          sum.Key,
			UploadID:     sum.ID,
			StorageClass: "STANDARD",
			Initiated:    gofakes3.NewContentTime(sum.Initiated),
		})
		count++
		if count >= limit {
			if idx+1 < len(summaries) {
				result.IsTruncated = true
				result.NextKeyMarker = summaries[idx+1].Key
				result.NextUploadIDMarker = summaries[idx+1].ID
			}
			break
		}
	}
	return result, nil
}

func (b *Backend) ListParts(bucket, object string, uploadID gofakes3.UploadID, marker int, limit int64) (*gofakes3.ListMultipartUploadPartsResult, error) {
	up, err := b.upload(bucket, object, uploadID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	result := &gofakes3.ListMultipartUploadPartsResult{
		Bucket:           bucket,
		Key:              object,
		UploadID:         uploadID,
		MaxParts:         limit,
		PartNumberMarker: marker,
		StorageClass:     "STANDARD",
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	partNumbers := make([]int, 0, len(up.parts))
	for num := range up.parts {
		partNumbers = append(partNumbers, num)
	}
	sort.Ints(partNumbers)
	var count int64
	for _, num := range partNumbers {
		if num <= marker {
			continue
		}
		if count >= limit {
			result.IsTruncated = true
			result.NextPartNumberMarker = num
			break
		}
		part := up.parts[num]
		result.Parts = append(result.Parts, gofakes3.ListMultipartUploadPartItem{
			PartNumber:   num,
			ETag:         part.etag,
			Size:         part.size,
			LastModified: gofakes3.NewContentTime(part.lastModified),
		})
		count++
	}
	return result, nil
}

// AbortMultipartUpload forgets the upload. Its batch is reclaimed by expiry.
func (b *Backend) AbortMultipartUpload(bucket, object string, id gofakes3.UploadID) error {
	up, err := b.upload(bucket, object, id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.uploads, id)
	var ids []chunk.ID
	for _, part := range up.parts {
		ids = append(ids, part.chunks...)
	}
	b.mu.Unlock()
	if _, err := b.store.DiscardChunks(b.ctx, up.batch, ids); err != nil && !xerrors.IsKind(err, xerrors.KindNotFound) {
		b.log.Warn("discard aborted upload chunks", zap.String("upload", string(id)), zap.Error(err))
	}
	return nil
}

func (b *Backend) CompleteMultipartUpload(bucket, object string, id gofakes3.UploadID, input *gofakes3.CompleteMultipartUploadRequest) (gofakes3.VersionID, string, error) {
	if input == nil || len(input.Parts) == 0 {
		return "", "", gofakes3.ErrInvalidPart
	}
	up, err := b.upload(bucket, object, id)
	if err != nil {
		return "", "", err
	}
	b.mu.Lock()
	var chunkIDs []chunk.ID
	finalHash := md5.New()
	for _, part := range input.Parts {
		info, ok := up.parts[part.PartNumber]
		if !ok || strings.Trim(part.ETag, "\"") != strings.Trim(info.etag, "\"") {
			b.mu.Unlock()
			return "", "", gofakes3.ErrInvalidPart
		}
		hashBytes, err := hex.DecodeString(strings.Trim(info.etag, "\""))
		if err != nil {
			b.mu.Unlock()
			return "", "", gofakes3.ErrInvalidPart
		}
		finalHash.Write(hashBytes)
		chunkIDs = append(chunkIDs, info.chunks...)
	}
	meta := up.meta
	b.mu.Unlock()

	if err := b.store.CommitBatch(b.ctx, up.batch, metaToHeaders(meta), chunkIDs); err != nil {
		return "", "", b.translate(object, err)
	}
	b.mu.Lock()
	delete(b.uploads, id)
	b.mu.Unlock()
	etag := fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(finalHash.Sum(nil)), len(input.Parts))
	return "", etag, nil
}

func (b *Backend) ensureBucket(name string) error {
	if name != b.bucket {
		return gofakes3.BucketNotFound(name)
	}
	return nil
}

func (b *Backend) upload(bucket, object string, id gofakes3.UploadID) (*multipartUpload, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	up, ok := b.uploads[id]
	if !ok || up.object != object {
		return nil, gofakes3.ErrNoSuchUpload
	}
	return up, nil
}

// put uploads input as a fresh batch and commits it under key.
func (b *Backend) put(key string, meta map[string]string, input io.Reader) (asset.Encoding, error) {
	fullPath := objectPath(key)
	id, err := b.store.InitiateUpload(b.ctx, asset.Key{FullPath: fullPath})
	if err != nil {
		return asset.Encoding{}, b.translate(key, err)
	}
	ids, _, err := sharder.Upload(b.ctx, b.store, id, input, b.opts)
	if err != nil {
		return asset.Encoding{}, b.translate(key, err)
	}
	if len(ids) == 0 {
		// Empty objects are stored as a single empty chunk.
		cid, err := b.store.UploadChunk(b.ctx, id, nil)
		if err != nil {
			return asset.Encoding{}, b.translate(key, err)
		}
		ids = append(ids, cid)
	}
	if err := b.store.CommitBatch(b.ctx, id, metaToHeaders(meta), ids); err != nil {
		return asset.Encoding{}, b.translate(key, err)
	}
	b.log.Debug("s3 object stored", zap.String("path", fullPath), zap.Int("chunks", len(ids)))
	a, err := b.stat(key)
	if err != nil {
		return asset.Encoding{}, err
	}
	enc, _ := a.Primary()
	return enc, nil
}

func (b *Backend) stat(object string) (asset.Asset, error) {
	fullPath := objectPath(object)
	frag, err := b.store.Read(b.ctx, stream.Request{FullPath: fullPath})
	if err != nil {
		return asset.Asset{}, b.translate(object, err)
	}
	return asset.Asset{
		Key:     asset.Key{FullPath: fullPath},
		Headers: frag.Headers,
		Encodings: map[string]asset.Encoding{asset.IdentityEncoding: {
			TotalLength: frag.TotalLength,
			SHA256:      frag.Digest,
			Modified:    frag.Modified,
		}},
	}, nil
}

func (b *Backend) readObject(object string) ([]byte, asset.Asset, error) {
	a, err := b.stat(object)
	if err != nil {
		return nil, asset.Asset{}, err
	}
	var buf bytes.Buffer
	enc, _ := a.Primary()
	if _, err := sharder.Concat(b.ctx, b.store, stream.Request{FullPath: a.Key.FullPath, Digest: enc.SHA256[:]}, &buf); err != nil {
		return nil, asset.Asset{}, b.translate(object, err)
	}
	return buf.Bytes(), a, nil
}

func (b *Backend) buildObjectResponse(key string, a asset.Asset, body io.ReadCloser, rng *gofakes3.ObjectRange) *gofakes3.Object {
	enc, _ := a.Primary()
	headers := headersToMeta(a.Headers)
	if !enc.Modified.IsZero() {
		headers["Last-Modified"] = enc.Modified.UTC().Format(http.TimeFormat)
	}
	return &gofakes3.Object{
		Name:     key,
		Metadata: headers,
		Size:     int64(enc.TotalLength),
		Contents: body,
		Hash:     enc.SHA256[:],
		Range:    rng,
	}
}

func (b *Backend) objectInfo(key string) (*gofakes3.ConditionalObjectInfo, error) {
	frag, err := b.store.Read(b.ctx, stream.Request{FullPath: objectPath(key)})
	if xerrors.IsKind(err, xerrors.KindNotFound) {
		return &gofakes3.ConditionalObjectInfo{Exists: false}, nil
	}
	if err != nil {
		return nil, b.translate(key, err)
	}
	return &gofakes3.ConditionalObjectInfo{
		Exists: true,
		Hash:   frag.Digest[:],
	}, nil
}

func (b *Backend) rangeForObject(req *gofakes3.ObjectRangeRequest, size int64) (*gofakes3.ObjectRange, error) {
	if req == nil {
		return nil, nil
	}
	return req.Range(size)
}

// translate maps store errors onto S3 error codes.
func (b *Backend) translate(object string, err error) error {
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return gofakes3.KeyNotFound(object)
	case xerrors.KindForbidden:
		return gofakes3.ResourceError("AccessDenied", object)
	default:
		b.log.Warn("s3 request failed", zap.String("object", object), zap.Error(err))
		return err
	}
}

type uploadSummary struct {
	Key       string
	ID        gofakes3.UploadID
	Initiated time.Time
}

func (b *Backend) collectUploadSummaries() []uploadSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uploadSummary, 0, len(b.uploads))
	for id, up := range b.uploads {
		out = append(out, uploadSummary{Key: up.object, ID: id, Initiated: up.initiated})
	}
	return out
}

func compareUpload(sum uploadSummary, key string, id gofakes3.UploadID) int {
	if sum.Key < key {
		return -1
	}
	if sum.Key > key {
		return 1
	}
	return strings.Compare(string(sum.ID), string(id))
}

func objectPath(key string) string { return asset.CleanPath(key) }

func objectName(fullPath string) string { return strings.TrimPrefix(fullPath, "/") }

func cloneMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// metaToHeaders keeps the metadata gofakes3 extracted from the request as
// stored asset headers, sorted by name.
func metaToHeaders(meta map[string]string) []asset.HeaderField {
	out := make([]asset.HeaderField, 0, len(meta))
	for k, v := range meta {
		if strings.EqualFold(k, "Last-Modified") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		out = append(out, asset.HeaderField{Name: http.CanonicalHeaderKey(k), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func headersToMeta(headers []asset.HeaderField) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for _, h := range headers {
		out[h.Name] = h.Value
	}
	return out
}
