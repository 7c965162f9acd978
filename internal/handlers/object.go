package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	s3err "github.com/pailstore/pailstore/internal/errors"
	"github.com/pailstore/pailstore/internal/metadata"
	"github.com/pailstore/pailstore/internal/storage"
	"github.com/pailstore/pailstore/internal/xmlutil"
)

// ObjectHandler contains handlers for S3 object-level operations.
type ObjectHandler struct {
	meta  metadata.Store
	store storage.Backend
}

// NewObjectHandler creates a new ObjectHandler with the given dependencies.
func NewObjectHandler(meta metadata.Store, store storage.Backend) *ObjectHandler {
	return &ObjectHandler{meta: meta, store: store}
}

// PutObject handles PUT /{bucket}/{key}. The bytes are committed to disk
// before the metadata row is written; a same-key overwrite replaces the row.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	bucket, ok := resolveOwnedBucket(ctx, h.meta, w, r, bucketName)
	if !ok {
		return
	}

	path, size, etag, err := h.store.WriteObject(ctx, bucketName, key, r.Body)
	if err != nil {
		slog.Error("PutObject error", "bucket", bucketName, "key", key, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	obj := &metadata.ObjectRecord{
		BucketID:     bucket.ID,
		Name:         key,
		Size:         size,
		ETag:         etag,
		Filepath:     path,
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
	}
	if err := h.meta.PutObject(ctx, obj); err != nil {
		slog.Error("PutObject error", "bucket", bucketName, "key", key, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	refreshResourceGauges(ctx, h.meta)

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{key} and streams the object bytes.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	bucket, ok := resolveOwnedBucket(ctx, h.meta, w, r, bucketName)
	if !ok {
		return
	}

	obj, err := h.meta.GetObject(ctx, bucket.ID, key)
	if err != nil {
		slog.Error("GetObject error", "bucket", bucketName, "key", key, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		writeError(w, r, s3err.ErrNoSuchKey)
		return
	}

	rc, err := h.store.Open(ctx, obj.Filepath)
	if err != nil {
		slog.Error("GetObject error", "bucket", bucketName, "key", key, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}
	defer rc.Close()

	setObjectResponseHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Error("GetObject stream error", "bucket", bucketName, "key", key, "error", err)
	}
}

// HeadObject handles HEAD /{bucket}/{key}: the GetObject headers with no body.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	bucket, ok := resolveOwnedBucket(ctx, h.meta, w, r, bucketName)
	if !ok {
		return
	}

	obj, err := h.meta.GetObject(ctx, bucket.ID, key)
	if err != nil {
		slog.Error("HeadObject error", "bucket", bucketName, "key", key, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		writeError(w, r, s3err.ErrNoSuchKey)
		return
	}

	setObjectResponseHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{key}. The bytes go before the
// row, and deleting an absent key still returns 204.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	bucket, ok := resolveOwnedBucket(ctx, h.meta, w, r, bucketName)
	if !ok {
		return
	}

	obj, err := h.meta.GetObject(ctx, bucket.ID, key)
	if err != nil {
		slog.Error("DeleteObject error", "bucket", bucketName, "key", key, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}
	if obj != nil {
		if err := h.store.RemoveObject(ctx, obj.Filepath); err != nil {
			slog.Error("DeleteObject error", "bucket", bucketName, "key", key, "error", err)
			writeError(w, r, s3err.ErrInternalError)
			return
		}
		if err := h.meta.DeleteObject(ctx, bucket.ID, key); err != nil {
			slog.Error("DeleteObject error", "bucket", bucketName, "key", key, "error", err)
			writeError(w, r, s3err.ErrInternalError)
			return
		}
		refreshResourceGauges(ctx, h.meta)
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2 with prefix and
// continuation-token pagination.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	bucket, ok := resolveOwnedBucket(ctx, h.meta, w, r, bucketName)
	if !ok {
		return
	}

	maxKeys, s3Err := parseMaxKeys(q.Get("max-keys"))
	if s3Err != nil {
		writeError(w, r, s3Err)
		return
	}
	prefix := q.Get("prefix")
	token := q.Get("continuation-token")

	result, err := h.meta.ListObjects(ctx, bucket.ID, metadata.ListObjectsOptions{
		Prefix:  prefix,
		Marker:  token,
		MaxKeys: maxKeys,
	})
	if err != nil {
		slog.Error("ListObjectsV2 error", "bucket", bucketName, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	contents := make([]xmlutil.Object, 0, len(result.Objects))
	for _, obj := range result.Objects {
		contents = append(contents, xmlutil.Object{
			Key:          obj.Name,
			LastModified: xmlutil.FormatTimeS3(obj.LastModified),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}

	out := &xmlutil.ListBucketResult{
		Name:              bucketName,
		Prefix:            prefix,
		KeyCount:          len(contents),
		MaxKeys:           maxKeys,
		IsTruncated:       result.IsTruncated,
		Contents:          contents,
		ContinuationToken: token,
	}
	if result.IsTruncated {
		out.NextContinuationToken = result.NextMarker
	}
	xmlutil.RenderListObjectsV2(w, out)
}
