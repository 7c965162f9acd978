// Package metadata defines the metadata store interface and record types
// for PailStore. The metadata store tracks users, buckets, objects, and
// in-flight multipart uploads; object bytes live in the storage backend.
package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrUploadNotFound is returned by FinalizeUpload when the upload row no
// longer exists, typically because a concurrent completion or abort won.
var ErrUploadNotFound = errors.New("multipart upload not found")

// UserRecord holds the stored credentials for one principal.
type UserRecord struct {
	// ID is the surrogate primary key.
	ID int64
	// AccessKey is the public identifier presented in the SigV4 Credential.
	AccessKey string
	// SecretKey is the shared secret used to derive signing keys.
	SecretKey string
}

// BucketRecord holds the metadata for a bucket.
type BucketRecord struct {
	// ID is the surrogate primary key.
	ID int64
	// Name is the globally unique bucket name.
	Name string
	// OwnerID references the user that created the bucket.
	OwnerID int64
	// CreatedAt is the bucket creation time (UTC).
	CreatedAt time.Time
}

// ObjectRecord holds the metadata for a stored object.
type ObjectRecord struct {
	// ID is the surrogate primary key.
	ID int64
	// BucketID references the owning bucket.
	BucketID int64
	// Name is the object key, unique within the bucket.
	Name string
	// Size is the object size in bytes.
	Size int64
	// ETag is the entity tag, persisted with surrounding quotes.
	ETag string
	// Filepath is the path of the object's bytes on disk.
	Filepath string
	// ContentType is the MIME type recorded at write time.
	ContentType string
	// LastModified is the time of the last write (UTC).
	LastModified time.Time
}

// UploadRecord holds the state of an in-flight multipart upload.
type UploadRecord struct {
	// ID is the upload identifier, a canonical UUID string.
	ID string
	// BucketName is the target bucket recorded at initiation.
	BucketName string
	// ObjectName is the target object key recorded at initiation.
	ObjectName string
	// CreatedAt is the initiation time (UTC).
	CreatedAt time.Time
}

// PartRecord holds the metadata for one uploaded part.
type PartRecord struct {
	// ID is the surrogate primary key.
	ID int64
	// UploadID references the owning multipart upload.
	UploadID string
	// PartNumber is the client-assigned part number (>= 1).
	PartNumber int
	// ETag is the unquoted hex MD5 of the part bytes.
	ETag string
	// Filepath is the path of the part's bytes on disk.
	Filepath string
}

// ListObjectsOptions controls filtering and pagination for ListObjects.
type ListObjectsOptions struct {
	// Prefix limits results to keys starting with this string.
	Prefix string
	// Marker excludes keys lexicographically less than or equal to it.
	Marker string
	// MaxKeys caps the number of returned records.
	MaxKeys int
}

// ListObjectsResult is the paginated result of ListObjects.
type ListObjectsResult struct {
	// Objects are the matching records in ascending key order.
	Objects []ObjectRecord
	// IsTruncated indicates more keys exist beyond this page.
	IsTruncated bool
	// NextMarker is the key to resume from when IsTruncated is true.
	NextMarker string
}

// Store is the interface metadata backends implement. Lookup methods
// return (nil, nil) when the record does not exist.
type Store interface {
	// GetUserByAccessKey looks up a user by access key.
	GetUserByAccessKey(ctx context.Context, accessKey string) (*UserRecord, error)

	// CreateUser inserts a user and fills in the record's ID.
	CreateUser(ctx context.Context, user *UserRecord) error

	// CreateBucket inserts a bucket row and fills in the record's ID.
	CreateBucket(ctx context.Context, bucket *BucketRecord) error

	// GetBucket looks up a bucket by name.
	GetBucket(ctx context.Context, name string) (*BucketRecord, error)

	// ListBuckets returns the buckets owned by a user in name order.
	ListBuckets(ctx context.Context, ownerID int64) ([]BucketRecord, error)

	// DeleteBucket removes a bucket row.
	DeleteBucket(ctx context.Context, id int64) error

	// BucketHasObjects reports whether any object rows reference the bucket.
	BucketHasObjects(ctx context.Context, bucketID int64) (bool, error)

	// PutObject inserts an object row, replacing any existing row with the
	// same bucket and name.
	PutObject(ctx context.Context, obj *ObjectRecord) error

	// GetObject looks up an object by bucket ID and key.
	GetObject(ctx context.Context, bucketID int64, name string) (*ObjectRecord, error)

	// DeleteObject removes an object row. Deleting an absent row is not an error.
	DeleteObject(ctx context.Context, bucketID int64, name string) error

	// ListObjects returns a page of object records in ascending key order.
	ListObjects(ctx context.Context, bucketID int64, opts ListObjectsOptions) (*ListObjectsResult, error)

	// CreateUpload inserts a multipart upload row.
	CreateUpload(ctx context.Context, upload *UploadRecord) error

	// GetUpload looks up a multipart upload by ID.
	GetUpload(ctx context.Context, uploadID string) (*UploadRecord, error)

	// PutPart inserts a part row, replacing any existing row with the same
	// upload ID and part number.
	PutPart(ctx context.Context, part *PartRecord) error

	// ListParts returns the parts of an upload in ascending part number order.
	ListParts(ctx context.Context, uploadID string) ([]PartRecord, error)

	// DeleteUpload removes an upload row and, by cascade, its part rows.
	DeleteUpload(ctx context.Context, uploadID string) error

	// FinalizeUpload atomically consumes the upload row and records the
	// completed object. The upload row is claimed inside a write transaction
	// before build runs, so concurrent completions of the same upload are
	// serialized and the loser gets ErrUploadNotFound. build assembles the
	// final object bytes and returns the record to insert. If build fails
	// the transaction rolls back and the upload row survives.
	FinalizeUpload(ctx context.Context, uploadID string, build func() (*ObjectRecord, error)) error

	// CountBuckets returns the total number of bucket rows.
	CountBuckets(ctx context.Context) (int64, error)

	// CountObjects returns the total number of object rows across all buckets.
	CountObjects(ctx context.Context) (int64, error)

	// ListUploadIDs returns the IDs of all in-flight uploads.
	ListUploadIDs(ctx context.Context) ([]string, error)

	// ListObjectFilepaths returns the file paths of all stored objects.
	ListObjectFilepaths(ctx context.Context) ([]string, error)

	// Ping checks connectivity to the backing database.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
