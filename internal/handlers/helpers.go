// Package handlers provides shared helper utilities for S3 operation handlers.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/pailstore/pailstore/internal/auth"
	s3err "github.com/pailstore/pailstore/internal/errors"
	"github.com/pailstore/pailstore/internal/metadata"
	"github.com/pailstore/pailstore/internal/metrics"
	"github.com/pailstore/pailstore/internal/xmlutil"
)

// reservedBucketName is the storage directory reserved for multipart parts
// and staging files; it can never be claimed as a bucket.
const reservedBucketName = ".tmp"

// defaultContentType is recorded when the client sends no Content-Type.
const defaultContentType = "application/octet-stream"

// extractBucketName extracts the bucket name from the URL path.
func extractBucketName(r *http.Request) string {
	path := r.URL.Path
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	idx := strings.IndexByte(path, '/')
	if idx >= 0 {
		return path[:idx]
	}
	return path
}

// extractObjectKey extracts the object key from the request URL path.
// The key is everything after the bucket name in the path.
func extractObjectKey(r *http.Request) string {
	path := r.URL.Path
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}

// writeError renders an S3 error response. HEAD responses carry the status
// code only, since HTTP forbids a body there.
func writeError(w http.ResponseWriter, r *http.Request, s3Err *s3err.S3Error) {
	if r.Method == http.MethodHead {
		w.WriteHeader(s3Err.HTTPStatus)
		return
	}
	xmlutil.WriteErrorResponse(w, r, s3Err)
}

// resolveOwnedBucket looks up the named bucket and checks that the
// authenticated caller owns it. A bucket that does not exist and a bucket
// owned by someone else are indistinguishable to the caller: both produce
// NoSuchBucket, never AccessDenied.
func resolveOwnedBucket(ctx context.Context, meta metadata.Store, w http.ResponseWriter, r *http.Request, name string) (*metadata.BucketRecord, bool) {
	userID, _, ok := auth.UserFromContext(ctx)
	if !ok {
		writeError(w, r, s3err.ErrAccessDenied)
		return nil, false
	}

	bucket, err := meta.GetBucket(ctx, name)
	if err != nil {
		slog.Error("GetBucket error", "bucket", name, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return nil, false
	}
	if bucket == nil || bucket.OwnerID != userID {
		writeError(w, r, s3err.ErrNoSuchBucket)
		return nil, false
	}
	return bucket, true
}

// resolveUpload looks up the multipart upload and checks it targets the
// given bucket and key. Any mismatch reads as NoSuchUpload.
func resolveUpload(ctx context.Context, meta metadata.Store, w http.ResponseWriter, r *http.Request, uploadID, bucket, key string) (*metadata.UploadRecord, bool) {
	upload, err := meta.GetUpload(ctx, uploadID)
	if err != nil {
		slog.Error("GetUpload error", "upload_id", uploadID, "error", err)
		writeError(w, r, s3err.ErrInternalError)
		return nil, false
	}
	if upload == nil || upload.BucketName != bucket || upload.ObjectName != key {
		writeError(w, r, s3err.ErrNoSuchUpload)
		return nil, false
	}
	return upload, true
}

// parseMaxKeys parses the max-keys query parameter. Absent or non-positive
// values fall back to the S3 default of 1000.
func parseMaxKeys(raw string) (int, *s3err.S3Error) {
	if raw == "" {
		return 1000, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, s3err.ErrInvalidArgument
	}
	if n <= 0 {
		return 1000, nil
	}
	return n, nil
}

// refreshResourceGauges updates the bucket and object count gauges from the
// metadata store. Called after successful mutations; failures are logged and
// never surface to the client.
func refreshResourceGauges(ctx context.Context, meta metadata.Store) {
	if n, err := meta.CountBuckets(ctx); err == nil {
		metrics.BucketsTotal.Set(float64(n))
	} else {
		slog.Warn("CountBuckets error", "error", err)
	}
	if n, err := meta.CountObjects(ctx); err == nil {
		metrics.ObjectsTotal.Set(float64(n))
	} else {
		slog.Warn("CountObjects error", "error", err)
	}
}

// trimETag strips the surrounding quotes from an entity tag, if present.
func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// setObjectResponseHeaders sets the standard metadata headers shared by
// GetObject and HeadObject responses.
func setObjectResponseHeaders(w http.ResponseWriter, obj *metadata.ObjectRecord) {
	w.Header().Set("ETag", obj.ETag)
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
}
