package storage

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pailstore/pailstore/internal/uid"
)

// tmpDirName is the reserved directory for multipart parts and staging
// files. The name is also rejected as a bucket name so bucket directories
// can never collide with it.
const tmpDirName = ".tmp"

// LocalStore implements Backend on the local filesystem.
type LocalStore struct {
	// RootDir is the base directory under which all bucket and object data
	// is stored.
	RootDir string
}

// NewLocalStore creates a LocalStore rooted at the given directory. It
// creates the root and the .tmp directory if they do not exist.
func NewLocalStore(rootDir string) (*LocalStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	if err := os.MkdirAll(filepath.Join(rootDir, tmpDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	return &LocalStore{RootDir: rootDir}, nil
}

// objectPath returns the full filesystem path for an object. Keys whose
// cleaned path would escape the bucket directory (".." segments) are
// rejected so no write or read can land outside the storage root.
func (s *LocalStore) objectPath(bucket, key string) (string, error) {
	bucketDir := filepath.Join(s.RootDir, bucket)
	objPath := filepath.Join(bucketDir, key)
	rel, err := filepath.Rel(bucketDir, objPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object key %q escapes bucket directory", key)
	}
	return objPath, nil
}

// stagePath returns a unique staging file path in the .tmp directory.
func (s *LocalStore) stagePath() string {
	return filepath.Join(s.RootDir, tmpDirName, "stage-"+uid.New())
}

// CreateBucketDir creates the directory backing a bucket.
func (s *LocalStore) CreateBucketDir(bucket string) error {
	if err := os.MkdirAll(filepath.Join(s.RootDir, bucket), 0o755); err != nil {
		return fmt.Errorf("creating bucket directory %q: %w", bucket, err)
	}
	return nil
}

// RemoveBucketDir removes the directory backing a bucket and anything
// left inside it.
func (s *LocalStore) RemoveBucketDir(bucket string) error {
	if err := os.RemoveAll(filepath.Join(s.RootDir, bucket)); err != nil {
		return fmt.Errorf("removing bucket directory %q: %w", bucket, err)
	}
	return nil
}

// WriteObject writes object data using the crash-only atomic write pattern:
// write to a staging file, fsync, rename into place. Returns the final path,
// the number of bytes written, and the quoted MD5 ETag.
func (s *LocalStore) WriteObject(ctx context.Context, bucket, key string, reader io.Reader) (string, int64, string, error) {
	objPath, err := s.objectPath(bucket, key)
	if err != nil {
		return "", 0, "", err
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", 0, "", fmt.Errorf("creating parent directories for %q/%q: %w", bucket, key, err)
	}

	h := md5.New()
	size, err := s.commitFile(objPath, io.TeeReader(reader, h))
	if err != nil {
		return "", 0, "", err
	}

	etag := fmt.Sprintf(`"%x"`, h.Sum(nil))
	return objPath, size, etag, nil
}

// Open opens a stored file for reading by its recorded path.
func (s *LocalStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening stored file %q: %w", path, err)
	}
	return file, nil
}

// RemoveObject deletes a stored file by its recorded path. Idempotent:
// removing a non-existent file is not an error. Empty parent directories
// are pruned up to the bucket root.
func (s *LocalStore) RemoveObject(ctx context.Context, path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stored file %q: %w", path, err)
	}

	// Climb toward the root removing directories emptied by the delete.
	// os.Remove fails on non-empty directories, which stops the climb.
	dir := filepath.Dir(path)
	for {
		rel, err := filepath.Rel(s.RootDir, dir)
		if err != nil || rel == "." || rel == ".." {
			break
		}
		if filepath.Dir(rel) == "." {
			// Bucket directories stay in place.
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// WritePart writes one multipart part to <root>/.tmp/<upload-id>/part.<N>.
// A re-upload of the same part number lands on the same path. Returns the
// part path and the unquoted hex MD5 of the part bytes.
func (s *LocalStore) WritePart(ctx context.Context, uploadID string, partNumber int, reader io.Reader) (string, string, error) {
	partDir := filepath.Join(s.RootDir, tmpDirName, uploadID)
	if err := os.MkdirAll(partDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating part directory: %w", err)
	}

	partPath := filepath.Join(partDir, fmt.Sprintf("part.%d", partNumber))

	h := md5.New()
	if _, err := s.commitFile(partPath, io.TeeReader(reader, h)); err != nil {
		return "", "", err
	}

	return partPath, fmt.Sprintf("%x", h.Sum(nil)), nil
}

// CombineParts concatenates the given part files, in order, into the
// object's final path using the atomic write pattern. The composite ETag is
// the MD5 of the concatenated raw part digests, suffixed with the part
// count. Part files are left in place; the caller removes the upload
// directory once the completion is durable.
func (s *LocalStore) CombineParts(ctx context.Context, bucket, key string, partPaths []string) (string, int64, string, error) {
	objPath, err := s.objectPath(bucket, key)
	if err != nil {
		return "", 0, "", err
	}
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", 0, "", fmt.Errorf("creating parent directories for %q/%q: %w", bucket, key, err)
	}

	tmpPath := s.stagePath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, "", fmt.Errorf("creating staging file: %w", err)
	}

	var total int64
	composite := md5.New()
	for _, p := range partPaths {
		partFile, err := os.Open(p)
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return "", 0, "", fmt.Errorf("opening part file %q: %w", p, err)
		}

		partHash := md5.New()
		n, err := io.Copy(tmpFile, io.TeeReader(partFile, partHash))
		partFile.Close()
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return "", 0, "", fmt.Errorf("copying part file %q: %w", p, err)
		}
		total += n
		composite.Write(partHash.Sum(nil))
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, "", fmt.Errorf("syncing staging file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, "", fmt.Errorf("closing staging file: %w", err)
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, "", fmt.Errorf("renaming staging file: %w", err)
	}

	etag := fmt.Sprintf(`"%x-%d"`, composite.Sum(nil), len(partPaths))
	return objPath, total, etag, nil
}

// RemoveUploadDir deletes the temp directory of a multipart upload.
// Idempotent: a missing directory is not an error.
func (s *LocalStore) RemoveUploadDir(uploadID string) error {
	partDir := filepath.Join(s.RootDir, tmpDirName, uploadID)
	if err := os.RemoveAll(partDir); err != nil {
		return fmt.Errorf("removing part directory %q: %w", partDir, err)
	}
	return nil
}

// SweepOrphans reconciles the filesystem against the metadata store at
// startup. Entries under .tmp with no matching upload row and bucket files
// with no matching object row are leftovers from interrupted requests and
// are removed. Returns the number of entries removed.
func (s *LocalStore) SweepOrphans(liveUploadIDs, liveObjectPaths []string) (int, error) {
	uploads := make(map[string]bool, len(liveUploadIDs))
	for _, id := range liveUploadIDs {
		uploads[id] = true
	}
	objects := make(map[string]bool, len(liveObjectPaths))
	for _, p := range liveObjectPaths {
		objects[p] = true
	}

	removed := 0

	// Temp entries: anything without a live upload row goes.
	tmpDir := filepath.Join(s.RootDir, tmpDirName)
	entries, err := os.ReadDir(tmpDir)
	if err != nil && !os.IsNotExist(err) {
		return removed, fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if uploads[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(tmpDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("removing orphaned temp entry %q: %w", entry.Name(), err)
		}
		removed++
	}

	// Bucket files: anything without a live object row goes.
	rootEntries, err := os.ReadDir(s.RootDir)
	if err != nil {
		return removed, fmt.Errorf("reading storage root: %w", err)
	}
	for _, entry := range rootEntries {
		if !entry.IsDir() || entry.Name() == tmpDirName {
			continue
		}
		bucketDir := filepath.Join(s.RootDir, entry.Name())
		err := filepath.WalkDir(bucketDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if objects[path] {
				return nil
			}
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("sweeping bucket directory %q: %w", entry.Name(), err)
		}
	}
	return removed, nil
}

// commitFile streams the reader to a staging file, fsyncs it, and renames
// it onto the destination path.
func (s *LocalStore) commitFile(dst string, reader io.Reader) (int64, error) {
	tmpPath := s.stagePath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating staging file: %w", err)
	}

	size, err := io.Copy(tmpFile, reader)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("syncing staging file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing staging file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming staging file: %w", err)
	}
	return size, nil
}
