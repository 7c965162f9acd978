package serialization

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pailstore/pailstore/internal/metadata"
)

// seedDatabase builds a SQLite database with one user, one bucket, one
// object, and one in-flight multipart upload, then closes it.
func seedDatabase(t *testing.T, dbPath string) {
	t.Helper()
	ctx := context.Background()

	store, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	defer store.Close()

	user := &metadata.UserRecord{AccessKey: "exportkey", SecretKey: "exportsecret"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	bucket := &metadata.BucketRecord{Name: "archive", OwnerID: user.ID, CreatedAt: time.Now().UTC()}
	if err := store.CreateBucket(ctx, bucket); err != nil {
		t.Fatalf("seeding bucket: %v", err)
	}
	obj := &metadata.ObjectRecord{
		BucketID:     bucket.ID,
		Name:         "report.pdf",
		Size:         1234,
		ETag:         `"aabbccdd"`,
		Filepath:     "archive/report.pdf",
		ContentType:  "application/pdf",
		LastModified: time.Now().UTC(),
	}
	if err := store.PutObject(ctx, obj); err != nil {
		t.Fatalf("seeding object: %v", err)
	}
	upload := &metadata.UploadRecord{
		ID:         "upload-0001",
		BucketName: "archive",
		ObjectName: "video.bin",
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.CreateUpload(ctx, upload); err != nil {
		t.Fatalf("seeding upload: %v", err)
	}
	part := &metadata.PartRecord{
		UploadID:   upload.ID,
		PartNumber: 1,
		ETag:       "00112233",
		Filepath:   ".tmp/upload-0001/part.1",
	}
	if err := store.PutPart(ctx, part); err != nil {
		t.Fatalf("seeding part: %v", err)
	}
}

// newEmptyDatabase creates a database with the schema applied but no rows.
func newEmptyDatabase(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "empty.db")
	store, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("creating empty store: %v", err)
	}
	store.Close()
	return dbPath
}

func TestExportRedactsSecretsByDefault(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "meta.db")
	seedDatabase(t, dbPath)

	out, err := ExportMetadata(dbPath, &ExportOptions{Tables: AllTables})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	if strings.Contains(out, "exportsecret") {
		t.Error("export leaked the secret key")
	}
	if !strings.Contains(out, "REDACTED") {
		t.Error("export missing REDACTED marker")
	}
	if !strings.Contains(out, `"pailstore_export"`) {
		t.Error("export missing envelope")
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	for _, table := range AllTables {
		rows, ok := data[table].([]any)
		if !ok {
			t.Errorf("export missing table %s", table)
			continue
		}
		if len(rows) != 1 {
			t.Errorf("table %s has %d rows, want 1", table, len(rows))
		}
	}
}

func TestExportIncludeCredentials(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "meta.db")
	seedDatabase(t, dbPath)

	out, err := ExportMetadata(dbPath, &ExportOptions{Tables: AllTables, IncludeCredentials: true})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	if !strings.Contains(out, "exportsecret") {
		t.Error("export with IncludeCredentials missing the secret key")
	}
}

func TestExportSubsetOfTables(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "meta.db")
	seedDatabase(t, dbPath)

	out, err := ExportMetadata(dbPath, &ExportOptions{Tables: []string{"buckets"}})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		t.Fatalf("unmarshaling export: %v", err)
	}
	if _, ok := data["buckets"]; !ok {
		t.Error("export missing buckets table")
	}
	if _, ok := data["objects"]; ok {
		t.Error("export includes objects table that was not requested")
	}
}

func TestImportRoundTrip(t *testing.T) {
	srcPath := filepath.Join(t.TempDir(), "src.db")
	seedDatabase(t, srcPath)

	out, err := ExportMetadata(srcPath, &ExportOptions{Tables: AllTables, IncludeCredentials: true})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}

	dstPath := newEmptyDatabase(t)
	result, err := ImportMetadata(dstPath, out, nil)
	if err != nil {
		t.Fatalf("ImportMetadata: %v", err)
	}
	for _, table := range AllTables {
		if result.Counts[table] != 1 {
			t.Errorf("imported %d rows into %s, want 1", result.Counts[table], table)
		}
	}

	// The imported rows must be readable through the normal store API.
	ctx := context.Background()
	store, err := metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("opening imported store: %v", err)
	}
	defer store.Close()

	user, err := store.GetUserByAccessKey(ctx, "exportkey")
	if err != nil || user == nil {
		t.Fatalf("GetUserByAccessKey after import = (%v, %v)", user, err)
	}
	if user.SecretKey != "exportsecret" {
		t.Errorf("imported secret = %q, want exportsecret", user.SecretKey)
	}
	bucket, err := store.GetBucket(ctx, "archive")
	if err != nil || bucket == nil {
		t.Fatalf("GetBucket after import = (%v, %v)", bucket, err)
	}
	if bucket.OwnerID != user.ID {
		t.Errorf("imported bucket owner = %d, want %d", bucket.OwnerID, user.ID)
	}
	obj, err := store.GetObject(ctx, bucket.ID, "report.pdf")
	if err != nil || obj == nil {
		t.Fatalf("GetObject after import = (%v, %v)", obj, err)
	}
	if obj.Size != 1234 || obj.ETag != `"aabbccdd"` {
		t.Errorf("imported object = %+v", obj)
	}
	parts, err := store.ListParts(ctx, "upload-0001")
	if err != nil {
		t.Fatalf("ListParts after import: %v", err)
	}
	if len(parts) != 1 || parts[0].PartNumber != 1 {
		t.Errorf("imported parts = %+v, want one part numbered 1", parts)
	}
}

func TestImportSkipsRedactedUsers(t *testing.T) {
	srcPath := filepath.Join(t.TempDir(), "src.db")
	seedDatabase(t, srcPath)

	out, err := ExportMetadata(srcPath, &ExportOptions{Tables: []string{"users"}})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}

	dstPath := newEmptyDatabase(t)
	result, err := ImportMetadata(dstPath, out, nil)
	if err != nil {
		t.Fatalf("ImportMetadata: %v", err)
	}
	if result.Counts["users"] != 0 || result.Skipped["users"] != 1 {
		t.Errorf("redacted import counts = %d/%d, want 0 imported 1 skipped",
			result.Counts["users"], result.Skipped["users"])
	}
	if len(result.Warnings) == 0 {
		t.Error("redacted import produced no warning")
	}
}

func TestImportReplaceMode(t *testing.T) {
	srcPath := filepath.Join(t.TempDir(), "src.db")
	seedDatabase(t, srcPath)
	out, err := ExportMetadata(srcPath, &ExportOptions{Tables: AllTables, IncludeCredentials: true})
	if err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}

	// The destination already has its own rows; Replace must clear them.
	dstPath := filepath.Join(t.TempDir(), "dst.db")
	store, err := metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("creating destination store: %v", err)
	}
	old := &metadata.UserRecord{AccessKey: "oldkey", SecretKey: "oldsecret"}
	if err := store.CreateUser(context.Background(), old); err != nil {
		t.Fatalf("seeding destination: %v", err)
	}
	store.Close()

	result, err := ImportMetadata(dstPath, out, &ImportOptions{Replace: true})
	if err != nil {
		t.Fatalf("ImportMetadata replace: %v", err)
	}
	if result.Counts["users"] != 1 {
		t.Errorf("replace imported %d users, want 1", result.Counts["users"])
	}

	check, err := metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("reopening destination: %v", err)
	}
	defer check.Close()
	gone, err := check.GetUserByAccessKey(context.Background(), "oldkey")
	if err != nil {
		t.Fatalf("GetUserByAccessKey: %v", err)
	}
	if gone != nil {
		t.Error("replace mode kept the pre-existing user")
	}
}

func TestImportRejectsUnsupportedVersion(t *testing.T) {
	dstPath := newEmptyDatabase(t)
	_, err := ImportMetadata(dstPath, `{"pailstore_export":{"version":99}}`, nil)
	if err == nil || !strings.Contains(err.Error(), "unsupported export version") {
		t.Errorf("ImportMetadata error = %v, want unsupported export version", err)
	}
}
