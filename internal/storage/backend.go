// Package storage provides the on-disk object store for PailStore. Object
// bytes live under a root directory laid out as <root>/<bucket>/<key>;
// in-flight multipart parts live under <root>/.tmp/<upload-id>/part.<N>.
package storage

import (
	"context"
	"io"
)

// Backend is the interface the request handlers use to read and write
// object bytes. Bytes are always written before the corresponding metadata
// row, so a crash leaves at worst an orphaned file, never a dangling row.
type Backend interface {
	// CreateBucketDir creates the directory backing a bucket.
	CreateBucketDir(bucket string) error

	// RemoveBucketDir removes the directory backing a bucket.
	RemoveBucketDir(bucket string) error

	// WriteObject streams the reader to the object's final path using a
	// temp-write-then-rename commit. It returns the final path, the byte
	// count, and the quoted MD5 ETag.
	WriteObject(ctx context.Context, bucket, key string, reader io.Reader) (string, int64, string, error)

	// Open opens a stored file for reading by its recorded path.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// RemoveObject deletes a stored file by its recorded path. Removing an
	// absent file is not an error.
	RemoveObject(ctx context.Context, path string) error

	// WritePart streams the reader to the part file for an upload. It
	// returns the part path and the unquoted hex MD5 of the part bytes.
	WritePart(ctx context.Context, uploadID string, partNumber int, reader io.Reader) (string, string, error)

	// CombineParts concatenates part files in the given order into the
	// object's final path. It returns the final path, the total byte count,
	// and the quoted composite ETag.
	CombineParts(ctx context.Context, bucket, key string, partPaths []string) (string, int64, string, error)

	// RemoveUploadDir deletes the temp directory of a multipart upload.
	RemoveUploadDir(uploadID string) error
}
