// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/pailstore/pailstore/internal/auth"
	s3err "github.com/pailstore/pailstore/internal/errors"
	"github.com/pailstore/pailstore/internal/metadata"
	"github.com/pailstore/pailstore/internal/storage"
	"github.com/pailstore/pailstore/internal/xmlutil"
)

// BucketHandler contains handlers for S3 bucket-level operations.
type BucketHandler struct {
	meta  metadata.Store
	store storage.Backend
}

// NewBucketHandler creates a new BucketHandler with the given dependencies.
func NewBucketHandler(meta metadata.Store, store storage.Backend) *BucketHandler {
	return &BucketHandler{meta: meta, store: store}
}

// ListBuckets handles GET / and returns the buckets owned by the
// authenticated caller.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, accessKey, ok := auth.UserFromContext(ctx)
	if !ok {
		writeError(w, r, s3err.ErrAccessDenied)
		return
	}

	buckets, err := h.meta.ListBuckets(ctx, userID)
	if err != nil {
		slog.Error("ListBuckets error", "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	var xmlBuckets []xmlutil.Bucket
	for _, b := range buckets {
		xmlBuckets = append(xmlBuckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreatedAt),
		})
	}

	result := &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{
			ID:          accessKey,
			DisplayName: accessKey,
		},
		Buckets: xmlBuckets,
	}
	xmlutil.RenderListBuckets(w, result)
}

// CreateBucket handles PUT /{bucket}. Any existing bucket with the same
// name, regardless of owner, yields BucketAlreadyOwnedByYou.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := extractBucketName(r)

	if name == "" || name == reservedBucketName {
		writeError(w, r, s3err.ErrInvalidBucketName)
		return
	}

	userID, _, ok := auth.UserFromContext(ctx)
	if !ok {
		writeError(w, r, s3err.ErrAccessDenied)
		return
	}

	existing, err := h.meta.GetBucket(ctx, name)
	if err != nil {
		slog.Error("CreateBucket error", "bucket", name, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}
	if existing != nil {
		writeError(w, r, s3err.ErrBucketAlreadyOwnedByYou)
		return
	}

	if err := h.store.CreateBucketDir(name); err != nil {
		slog.Error("CreateBucket error", "bucket", name, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	bucket := &metadata.BucketRecord{
		Name:      name,
		OwnerID:   userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.meta.CreateBucket(ctx, bucket); err != nil {
		slog.Error("CreateBucket error", "bucket", name, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	refreshResourceGauges(ctx, h.meta)

	w.Header().Set("Location", "/"+name)
	w.WriteHeader(http.StatusOK)
}

// HeadBucket handles HEAD /{bucket}.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	name := extractBucketName(r)
	if _, ok := resolveOwnedBucket(r.Context(), h.meta, w, r, name); !ok {
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket}. The backing directory is removed
// before the row so a failed removal leaves the bucket intact and retryable.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := extractBucketName(r)

	bucket, ok := resolveOwnedBucket(ctx, h.meta, w, r, name)
	if !ok {
		return
	}

	hasObjects, err := h.meta.BucketHasObjects(ctx, bucket.ID)
	if err != nil {
		slog.Error("DeleteBucket error", "bucket", name, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}
	if hasObjects {
		writeError(w, r, s3err.ErrBucketNotEmpty)
		return
	}

	if err := h.store.RemoveBucketDir(name); err != nil {
		slog.Error("DeleteBucket error", "bucket", name, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}
	if err := h.meta.DeleteBucket(ctx, bucket.ID); err != nil {
		slog.Error("DeleteBucket error", "bucket", name, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	refreshResourceGauges(ctx, h.meta)

	w.WriteHeader(http.StatusNoContent)
}

// GetBucketLocation handles GET /{bucket}?location. The region is always
// the default, rendered as an empty LocationConstraint.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	name := extractBucketName(r)
	if _, ok := resolveOwnedBucket(r.Context(), h.meta, w, r, name); !ok {
		return
	}
	xmlutil.RenderLocationConstraint(w, "")
}
