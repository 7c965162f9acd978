package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	s3err "github.com/pailstore/pailstore/internal/errors"
	"github.com/pailstore/pailstore/internal/metadata"
	"github.com/pailstore/pailstore/internal/storage"
	"github.com/pailstore/pailstore/internal/xmlutil"
)

// MultipartHandler contains handlers for S3 multipart upload operations.
type MultipartHandler struct {
	meta  metadata.Store
	store storage.Backend
}

// NewMultipartHandler creates a new MultipartHandler with the given dependencies.
func NewMultipartHandler(meta metadata.Store, store storage.Backend) *MultipartHandler {
	return &MultipartHandler{meta: meta, store: store}
}

// CreateMultipartUpload handles POST /{bucket}/{key}?uploads and opens a
// new upload with a fresh UUID.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if _, ok := resolveOwnedBucket(ctx, h.meta, w, r, bucketName); !ok {
		return
	}

	upload := &metadata.UploadRecord{
		ID:         uuid.NewString(),
		BucketName: bucketName,
		ObjectName: key,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.meta.CreateUpload(ctx, upload); err != nil {
		slog.Error("CreateMultipartUpload error", "bucket", bucketName, "key", key, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: upload.ID,
	})
}

// UploadPart handles PUT /{bucket}/{key}?uploadId=...&partNumber=N.
// Re-uploading a part number replaces the previous bytes and row.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	if _, ok := resolveOwnedBucket(ctx, h.meta, w, r, bucketName); !ok {
		return
	}

	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 {
		writeError(w, r, s3err.ErrInvalidArgument)
		return
	}

	uploadID := q.Get("uploadId")
	if _, ok := resolveUpload(ctx, h.meta, w, r, uploadID, bucketName, key); !ok {
		return
	}

	path, etag, err := h.store.WritePart(ctx, uploadID, partNumber, r.Body)
	if err != nil {
		slog.Error("UploadPart error", "upload_id", uploadID, "part", partNumber, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	part := &metadata.PartRecord{
		UploadID:   uploadID,
		PartNumber: partNumber,
		ETag:       etag,
		Filepath:   path,
	}
	if err := h.meta.PutPart(ctx, part); err != nil {
		slog.Error("UploadPart error", "upload_id", uploadID, "part", partNumber, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", `"`+etag+`"`)
	w.WriteHeader(http.StatusOK)
}

// CompleteMultipartUpload handles POST /{bucket}/{key}?uploadId=... It
// validates the client's part list against the stored parts, combines the
// part files in ascending part number order, and atomically swaps the
// upload for the finished object. Concurrent completions of the same
// upload are serialized by the metadata store; the loser sees NoSuchUpload.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	bucket, ok := resolveOwnedBucket(ctx, h.meta, w, r, bucketName)
	if !ok {
		return
	}
	if _, ok := resolveUpload(ctx, h.meta, w, r, uploadID, bucketName, key); !ok {
		return
	}

	// The body is small XML; read it fully before any transaction starts.
	body, err := xmlutil.ParseCompleteMultipartUpload(r.Body)
	if err != nil {
		writeError(w, r, s3err.ErrMalformedXML)
		return
	}

	stored, err := h.meta.ListParts(ctx, uploadID)
	if err != nil {
		slog.Error("CompleteMultipartUpload error", "upload_id", uploadID, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	// Collapse the client list by part number first, so a body that
	// repeats one part while omitting another cannot pass the count
	// check. Every distinct client part must then name a stored part
	// with a matching ETag, and the distinct counts must agree exactly.
	claimed := make(map[int]string, len(body.Parts))
	for _, p := range body.Parts {
		claimed[p.PartNumber] = trimETag(p.ETag)
	}
	if len(claimed) != len(stored) {
		writeError(w, r, s3err.ErrInvalidPart)
		return
	}
	for _, s := range stored {
		etag, ok := claimed[s.PartNumber]
		if !ok || etag != s.ETag {
			writeError(w, r, s3err.ErrInvalidPart)
			return
		}
	}

	// Stored parts are already in ascending part number order.
	partPaths := make([]string, len(stored))
	for i, p := range stored {
		partPaths[i] = p.Filepath
	}

	var etag string
	err = h.meta.FinalizeUpload(ctx, uploadID, func() (*metadata.ObjectRecord, error) {
		path, size, compositeETag, err := h.store.CombineParts(ctx, bucketName, key, partPaths)
		if err != nil {
			return nil, err
		}
		etag = compositeETag
		return &metadata.ObjectRecord{
			BucketID:     bucket.ID,
			Name:         key,
			Size:         size,
			ETag:         compositeETag,
			Filepath:     path,
			ContentType:  defaultContentType,
			LastModified: time.Now().UTC(),
		}, nil
	})
	if errors.Is(err, metadata.ErrUploadNotFound) {
		writeError(w, r, s3err.ErrNoSuchUpload)
		return
	}
	if err != nil {
		slog.Error("CompleteMultipartUpload error", "upload_id", uploadID, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	refreshResourceGauges(ctx, h.meta)

	// Part files are no longer needed once the completion is durable.
	if err := h.store.RemoveUploadDir(uploadID); err != nil {
		slog.Warn("CompleteMultipartUpload cleanup failed", "upload_id", uploadID, "error", err)
	}

	xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
		Location: "http://" + r.Host + "/" + bucketName + "/" + key,
		Bucket:   bucketName,
		Key:      key,
		ETag:     etag,
	})
}

// AbortMultipartUpload handles DELETE /{bucket}/{key}?uploadId=... The
// part files are removed before the rows.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if _, ok := resolveOwnedBucket(ctx, h.meta, w, r, bucketName); !ok {
		return
	}
	if _, ok := resolveUpload(ctx, h.meta, w, r, uploadID, bucketName, key); !ok {
		return
	}

	if err := h.store.RemoveUploadDir(uploadID); err != nil {
		slog.Error("AbortMultipartUpload error", "upload_id", uploadID, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}
	if err := h.meta.DeleteUpload(ctx, uploadID); err != nil {
		slog.Error("AbortMultipartUpload error", "upload_id", uploadID, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
