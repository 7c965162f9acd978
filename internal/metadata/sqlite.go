package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	// Microsecond precision so stored values round-trip into listings.
	timeFormat = "2006-01-02T15:04:05.000000Z"
)

// SQLiteStore implements the Store interface using SQLite as the backing
// database. It provides durable, ACID-compliant metadata storage suitable
// for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given DSN and initializes
// the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			access_key TEXT NOT NULL UNIQUE,
			secret_key TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS buckets (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL UNIQUE,
			owner_id   INTEGER NOT NULL,
			created_at TEXT NOT NULL,

			FOREIGN KEY (owner_id) REFERENCES users(id)
		);

		CREATE TABLE IF NOT EXISTS objects (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket_id     INTEGER NOT NULL,
			name          TEXT NOT NULL,
			size          INTEGER NOT NULL,
			etag          TEXT NOT NULL,
			filepath      TEXT NOT NULL,
			content_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
			last_modified TEXT NOT NULL,

			UNIQUE (bucket_id, name),
			FOREIGN KEY (bucket_id) REFERENCES buckets(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_objects_bucket_name ON objects(bucket_id, name);

		CREATE TABLE IF NOT EXISTS multipart_uploads (
			id          TEXT PRIMARY KEY,
			bucket_name TEXT NOT NULL,
			object_name TEXT NOT NULL,
			created_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS multipart_parts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			upload_id   TEXT NOT NULL,
			part_number INTEGER NOT NULL,
			etag        TEXT NOT NULL,
			filepath    TEXT NOT NULL,

			UNIQUE (upload_id, part_number),
			FOREIGN KEY (upload_id) REFERENCES multipart_uploads(id) ON DELETE CASCADE
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// GetUserByAccessKey looks up a user by access key. Returns (nil, nil) if
// the user does not exist.
func (s *SQLiteStore) GetUserByAccessKey(ctx context.Context, accessKey string) (*UserRecord, error) {
	var u UserRecord
	err := s.db.QueryRowContext(ctx,
		"SELECT id, access_key, secret_key FROM users WHERE access_key = ?",
		accessKey,
	).Scan(&u.ID, &u.AccessKey, &u.SecretKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a user and fills in the record's ID.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *UserRecord) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (access_key, secret_key) VALUES (?, ?)",
		user.AccessKey, user.SecretKey,
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading user id: %w", err)
	}
	user.ID = id
	return nil
}

// CreateBucket inserts a bucket row and fills in the record's ID.
func (s *SQLiteStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO buckets (name, owner_id, created_at) VALUES (?, ?, ?)",
		bucket.Name, bucket.OwnerID, bucket.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting bucket: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading bucket id: %w", err)
	}
	bucket.ID = id
	return nil
}

// GetBucket looks up a bucket by name. Returns (nil, nil) if the bucket
// does not exist.
func (s *SQLiteStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	var (
		b         BucketRecord
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, owner_id, created_at FROM buckets WHERE name = ?",
		name,
	).Scan(&b.ID, &b.Name, &b.OwnerID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying bucket: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// ListBuckets returns the buckets owned by a user in name order.
func (s *SQLiteStore) ListBuckets(ctx context.Context, ownerID int64) ([]BucketRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, owner_id, created_at FROM buckets WHERE owner_id = ? ORDER BY name",
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying buckets: %w", err)
	}
	defer rows.Close()

	var buckets []BucketRecord
	for rows.Next() {
		var (
			b         BucketRecord
			createdAt string
		)
		if err := rows.Scan(&b.ID, &b.Name, &b.OwnerID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		b.CreatedAt = parseTime(createdAt)
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// DeleteBucket removes a bucket row.
func (s *SQLiteStore) DeleteBucket(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM buckets WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting bucket: %w", err)
	}
	return nil
}

// BucketHasObjects reports whether any object rows reference the bucket.
func (s *SQLiteStore) BucketHasObjects(ctx context.Context, bucketID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM objects WHERE bucket_id = ? LIMIT 1",
		bucketID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying bucket contents: %w", err)
	}
	return true, nil
}

// PutObject inserts an object row, replacing any existing row with the same
// bucket and name.
func (s *SQLiteStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (bucket_id, name, size, etag, filepath, content_type, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket_id, name) DO UPDATE SET
			size = excluded.size,
			etag = excluded.etag,
			filepath = excluded.filepath,
			content_type = excluded.content_type,
			last_modified = excluded.last_modified`,
		obj.BucketID, obj.Name, obj.Size, obj.ETag, obj.Filepath,
		obj.ContentType, obj.LastModified.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting object: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		obj.ID = id
	}
	return nil
}

// GetObject looks up an object by bucket ID and key. Returns (nil, nil) if
// the object does not exist.
func (s *SQLiteStore) GetObject(ctx context.Context, bucketID int64, name string) (*ObjectRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bucket_id, name, size, etag, filepath, content_type, last_modified
		FROM objects WHERE bucket_id = ? AND name = ?`,
		bucketID, name,
	)
	obj, err := scanObjectRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying object: %w", err)
	}
	return obj, nil
}

// DeleteObject removes an object row. Deleting an absent row is not an error.
func (s *SQLiteStore) DeleteObject(ctx context.Context, bucketID int64, name string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM objects WHERE bucket_id = ? AND name = ?",
		bucketID, name,
	); err != nil {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

// ListObjects returns a page of object records in ascending key order.
// It fetches one row past MaxKeys to detect truncation without a second
// query; NextMarker is the last key actually returned.
func (s *SQLiteStore) ListObjects(ctx context.Context, bucketID int64, opts ListObjectsOptions) (*ListObjectsResult, error) {
	limit := opts.MaxKeys
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT id, bucket_id, name, size, etag, filepath, content_type, last_modified
		FROM objects WHERE bucket_id = ?`
	args := []any{bucketID}

	if opts.Prefix != "" {
		// substr with BINARY collation keeps the prefix match
		// case-sensitive, consistent with the name ordering and the
		// marker comparison below. LIKE would fold ASCII case.
		query += " AND substr(name, 1, length(?)) = ?"
		args = append(args, opts.Prefix, opts.Prefix)
	}
	if opts.Marker != "" {
		query += " AND name > ?"
		args = append(args, opts.Marker)
	}
	query += " ORDER BY name LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying objects: %w", err)
	}
	defer rows.Close()

	objects, err := scanObjectRows(rows)
	if err != nil {
		return nil, err
	}

	result := &ListObjectsResult{Objects: objects}
	if len(objects) > limit {
		result.Objects = objects[:limit]
		result.IsTruncated = true
		result.NextMarker = result.Objects[limit-1].Name
	}
	return result, nil
}

// CreateUpload inserts a multipart upload row.
func (s *SQLiteStore) CreateUpload(ctx context.Context, upload *UploadRecord) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO multipart_uploads (id, bucket_name, object_name, created_at) VALUES (?, ?, ?, ?)",
		upload.ID, upload.BucketName, upload.ObjectName, upload.CreatedAt.UTC().Format(timeFormat),
	); err != nil {
		return fmt.Errorf("inserting upload: %w", err)
	}
	return nil
}

// GetUpload looks up a multipart upload by ID. Returns (nil, nil) if the
// upload does not exist.
func (s *SQLiteStore) GetUpload(ctx context.Context, uploadID string) (*UploadRecord, error) {
	var (
		u         UploadRecord
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, bucket_name, object_name, created_at FROM multipart_uploads WHERE id = ?",
		uploadID,
	).Scan(&u.ID, &u.BucketName, &u.ObjectName, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying upload: %w", err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// PutPart inserts a part row, replacing any existing row with the same
// upload ID and part number.
func (s *SQLiteStore) PutPart(ctx context.Context, part *PartRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO multipart_parts (upload_id, part_number, etag, filepath)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (upload_id, part_number) DO UPDATE SET
			etag = excluded.etag,
			filepath = excluded.filepath`,
		part.UploadID, part.PartNumber, part.ETag, part.Filepath,
	)
	if err != nil {
		return fmt.Errorf("inserting part: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		part.ID = id
	}
	return nil
}

// ListParts returns the parts of an upload in ascending part number order.
func (s *SQLiteStore) ListParts(ctx context.Context, uploadID string) ([]PartRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, upload_id, part_number, etag, filepath FROM multipart_parts WHERE upload_id = ? ORDER BY part_number",
		uploadID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying parts: %w", err)
	}
	defer rows.Close()

	var parts []PartRecord
	for rows.Next() {
		var p PartRecord
		if err := rows.Scan(&p.ID, &p.UploadID, &p.PartNumber, &p.ETag, &p.Filepath); err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// DeleteUpload removes an upload row and its part rows.
func (s *SQLiteStore) DeleteUpload(ctx context.Context, uploadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM multipart_parts WHERE upload_id = ?", uploadID); err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM multipart_uploads WHERE id = ?", uploadID); err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}
	return tx.Commit()
}

// FinalizeUpload atomically consumes the upload row and records the
// completed object. Deleting the upload row first acquires the write lock
// and decides the winner among concurrent completions; the loser's delete
// matches zero rows and returns ErrUploadNotFound before build runs.
func (s *SQLiteStore) FinalizeUpload(ctx context.Context, uploadID string, build func() (*ObjectRecord, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM multipart_uploads WHERE id = ?", uploadID)
	if err != nil {
		return fmt.Errorf("claiming upload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrUploadNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM multipart_parts WHERE upload_id = ?", uploadID); err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}

	obj, err := build()
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO objects (bucket_id, name, size, etag, filepath, content_type, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket_id, name) DO UPDATE SET
			size = excluded.size,
			etag = excluded.etag,
			filepath = excluded.filepath,
			content_type = excluded.content_type,
			last_modified = excluded.last_modified`,
		obj.BucketID, obj.Name, obj.Size, obj.ETag, obj.Filepath,
		obj.ContentType, obj.LastModified.UTC().Format(timeFormat),
	); err != nil {
		return fmt.Errorf("inserting object: %w", err)
	}
	return tx.Commit()
}

// CountBuckets returns the total number of bucket rows.
func (s *SQLiteStore) CountBuckets(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM buckets").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting buckets: %w", err)
	}
	return n, nil
}

// CountObjects returns the total number of object rows across all buckets.
func (s *SQLiteStore) CountObjects(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM objects").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting objects: %w", err)
	}
	return n, nil
}

// ListUploadIDs returns the IDs of all in-flight uploads.
func (s *SQLiteStore) ListUploadIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM multipart_uploads")
	if err != nil {
		return nil, fmt.Errorf("querying upload ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning upload id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListObjectFilepaths returns the file paths of all stored objects.
func (s *SQLiteStore) ListObjectFilepaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT filepath FROM objects")
	if err != nil {
		return nil, fmt.Errorf("querying object filepaths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning filepath: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Ping checks connectivity to the backing database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

// scanObjectRow scans a single object row in the canonical column order.
func scanObjectRow(row scanner) (*ObjectRecord, error) {
	var (
		obj          ObjectRecord
		lastModified string
	)
	err := row.Scan(&obj.ID, &obj.BucketID, &obj.Name, &obj.Size, &obj.ETag,
		&obj.Filepath, &obj.ContentType, &lastModified)
	if err != nil {
		return nil, err
	}
	obj.LastModified = parseTime(lastModified)
	return &obj, nil
}

// scanObjectRows scans all object rows from a result set.
func scanObjectRows(rows *sql.Rows) ([]ObjectRecord, error) {
	var objects []ObjectRecord
	for rows.Next() {
		obj, err := scanObjectRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		objects = append(objects, *obj)
	}
	return objects, rows.Err()
}

// parseTime parses a stored timestamp, tolerating legacy millisecond rows.
func parseTime(s string) time.Time {
	if t, err := time.Parse(timeFormat, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
