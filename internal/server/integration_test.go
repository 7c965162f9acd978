// Package server contains integration tests that start a full in-process
// PailStore server and run signed HTTP requests against it.
package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/pailstore/pailstore/internal/config"
	"github.com/pailstore/pailstore/internal/metadata"
	"github.com/pailstore/pailstore/internal/storage"
)

const (
	intAccessKey = "minioadmin"
	intSecretKey = "minioadmin-secret"
	intRegion    = "us-east-1"
)

// integrationServer holds a running test server instance.
type integrationServer struct {
	srv      *Server
	addr     string
	endpoint string
	meta     *metadata.SQLiteStore
}

// newIntegrationServer creates and starts a full PailStore server with
// temporary data directories and a seeded user.
func newIntegrationServer(t *testing.T) *integrationServer {
	t.Helper()

	tmpDir := t.TempDir()
	cfg, err := config.Load(tmpDir + "/no-such-config.yaml")
	if err != nil {
		t.Fatalf("loading default config: %v", err)
	}

	metaStore, err := metadata.NewSQLiteStore(tmpDir + "/metadata.db")
	if err != nil {
		t.Fatalf("creating metadata store: %v", err)
	}

	user := &metadata.UserRecord{AccessKey: intAccessKey, SecretKey: intSecretKey}
	if err := metaStore.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("seeding user: %v", err)
	}

	backend, err := storage.NewLocalStore(tmpDir + "/objects")
	if err != nil {
		t.Fatalf("creating storage backend: %v", err)
	}

	srv, err := New(cfg, WithMetadataStore(metaStore), WithStorageBackend(backend))
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	// Find a free port.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	go func() {
		srv.ListenAndServe(addr)
	}()

	endpoint := "http://" + addr
	for i := 0; i < 50; i++ {
		resp, err := http.Get(endpoint + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		metaStore.Close()
	})

	return &integrationServer{
		srv:      srv,
		addr:     addr,
		endpoint: endpoint,
		meta:     metaStore,
	}
}

// intCanonicalQuery reproduces the server's canonical query form: pairs are
// percent-decoded once, stably sorted by key, and rejoined without
// re-encoding. A bare key is rendered as "key=".
func intCanonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	type pair struct{ k, v string }
	var pairs []pair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		dk, err := url.QueryUnescape(k)
		if err != nil {
			dk = k
		}
		dv, err := url.QueryUnescape(v)
		if err != nil {
			dv = v
		}
		pairs = append(pairs, pair{dk, dv})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

func intSha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func intHmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// signRequest attaches a SigV4 Authorization header for the given key pair,
// signing host, x-amz-content-sha256, x-amz-date, and any extra headers
// already set on the request that start with x-amz- or equal content-type.
func (ts *integrationServer) signRequest(req *http.Request, accessKey, secretKey, payloadHash string) {
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStr := now.Format("20060102")

	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	req.Header.Set("X-Amz-Date", amzDate)

	signedHeaders := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	if req.Header.Get("Content-Type") != "" {
		signedHeaders = append(signedHeaders, "content-type")
	}
	sort.Strings(signedHeaders)

	var canonReq strings.Builder
	canonReq.WriteString(req.Method)
	canonReq.WriteByte('\n')
	canonReq.WriteString(req.URL.Path)
	canonReq.WriteByte('\n')
	canonReq.WriteString(intCanonicalQuery(req.URL.RawQuery))
	canonReq.WriteByte('\n')
	for _, h := range signedHeaders {
		canonReq.WriteString(h)
		canonReq.WriteByte(':')
		if h == "host" {
			canonReq.WriteString(ts.addr)
		} else {
			canonReq.WriteString(req.Header.Get(http.CanonicalHeaderKey(h)))
		}
		canonReq.WriteByte('\n')
	}
	canonReq.WriteByte('\n')
	canonReq.WriteString(strings.Join(signedHeaders, ";"))
	canonReq.WriteByte('\n')
	canonReq.WriteString(payloadHash)

	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStr, intRegion)
	stringToSign := "AWS4-HMAC-SHA256\n" + amzDate + "\n" + scope + "\n" +
		intSha256Hex([]byte(canonReq.String()))

	signingKey := intHmacSHA256([]byte("AWS4"+secretKey), dateStr)
	signingKey = intHmacSHA256(signingKey, intRegion)
	signingKey = intHmacSHA256(signingKey, "s3")
	signingKey = intHmacSHA256(signingKey, "aws4_request")
	signature := hex.EncodeToString(intHmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s/%s/s3/aws4_request, SignedHeaders=%s, Signature=%s",
		accessKey, dateStr, intRegion, strings.Join(signedHeaders, ";"), signature))
}

// doSignedAs signs and executes a request as the given key pair.
func (ts *integrationServer) doSignedAs(t *testing.T, accessKey, secretKey, method, path string, body []byte) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.endpoint+path, bodyReader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	ts.signRequest(req, accessKey, secretKey, intSha256Hex(body))
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("executing request %s %s: %v", method, path, err)
	}
	return resp
}

// doSigned signs and executes as the seeded default user.
func (ts *integrationServer) doSigned(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	return ts.doSignedAs(t, intAccessKey, intSecretKey, method, path, body)
}

func intReadBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}

func intReadBodyBytes(resp *http.Response) []byte {
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return data
}

// --- Integration tests ---

func TestIntegrationHealth(t *testing.T) {
	ts := newIntegrationServer(t)
	resp, err := http.Get(ts.endpoint + "/health")
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestIntegrationBucketCRUD(t *testing.T) {
	ts := newIntegrationServer(t)
	bucket := "test-bucket-crud"

	resp := ts.doSigned(t, "PUT", "/"+bucket, nil)
	if resp.StatusCode != 200 {
		t.Errorf("CreateBucket status = %d, want 200: %s", resp.StatusCode, intReadBody(resp))
	} else {
		if loc := resp.Header.Get("Location"); loc != "/"+bucket {
			t.Errorf("CreateBucket Location = %q, want %q", loc, "/"+bucket)
		}
		resp.Body.Close()
	}

	resp = ts.doSigned(t, "HEAD", "/"+bucket, nil)
	if resp.StatusCode != 200 {
		t.Errorf("HeadBucket status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.doSigned(t, "GET", "/", nil)
	body := intReadBody(resp)
	if resp.StatusCode != 200 {
		t.Errorf("ListBuckets status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, bucket) {
		t.Errorf("ListBuckets does not contain bucket %q: %s", bucket, body)
	}

	resp = ts.doSigned(t, "GET", "/"+bucket+"?location", nil)
	body = intReadBody(resp)
	if resp.StatusCode != 200 {
		t.Errorf("GetBucketLocation status = %d, want 200: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, "LocationConstraint") {
		t.Errorf("GetBucketLocation body missing LocationConstraint: %s", body)
	}

	resp = ts.doSigned(t, "DELETE", "/"+bucket, nil)
	if resp.StatusCode != 204 {
		t.Errorf("DeleteBucket status = %d, want 204: %s", resp.StatusCode, intReadBody(resp))
	} else {
		resp.Body.Close()
	}

	resp = ts.doSigned(t, "HEAD", "/"+bucket, nil)
	if resp.StatusCode != 404 {
		t.Errorf("HeadBucket after delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestIntegrationCreateBucketConflicts(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, "PUT", "/.tmp", nil)
	body := intReadBody(resp)
	if resp.StatusCode != 400 || !strings.Contains(body, "InvalidBucketName") {
		t.Errorf("reserved bucket name status = %d body = %s, want 400 InvalidBucketName", resp.StatusCode, body)
	}

	ts.doSigned(t, "PUT", "/dup-bucket", nil).Body.Close()
	resp = ts.doSigned(t, "PUT", "/dup-bucket", nil)
	body = intReadBody(resp)
	if resp.StatusCode != 409 || !strings.Contains(body, "BucketAlreadyOwnedByYou") {
		t.Errorf("duplicate bucket status = %d body = %s, want 409 BucketAlreadyOwnedByYou", resp.StatusCode, body)
	}
}

func TestIntegrationDeleteNonEmptyBucket(t *testing.T) {
	ts := newIntegrationServer(t)
	bucket := "test-nonempty"

	ts.doSigned(t, "PUT", "/"+bucket, nil).Body.Close()
	ts.doSigned(t, "PUT", "/"+bucket+"/a.txt", []byte("x")).Body.Close()

	resp := ts.doSigned(t, "DELETE", "/"+bucket, nil)
	body := intReadBody(resp)
	if resp.StatusCode != 409 || !strings.Contains(body, "BucketNotEmpty") {
		t.Errorf("DeleteBucket status = %d body = %s, want 409 BucketNotEmpty", resp.StatusCode, body)
	}

	ts.doSigned(t, "DELETE", "/"+bucket+"/a.txt", nil).Body.Close()
	resp = ts.doSigned(t, "DELETE", "/"+bucket, nil)
	if resp.StatusCode != 204 {
		t.Errorf("DeleteBucket after emptying status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestIntegrationPutGetObject(t *testing.T) {
	ts := newIntegrationServer(t)
	bucket := "test-object-crud"
	key := "nested/dir/hello.txt"
	body := []byte("Hello, PailStore!")

	ts.doSigned(t, "PUT", "/"+bucket, nil).Body.Close()

	resp := ts.doSigned(t, "PUT", "/"+bucket+"/"+key, body)
	if resp.StatusCode != 200 {
		t.Fatalf("PutObject status = %d, want 200: %s", resp.StatusCode, intReadBody(resp))
	}
	etag := resp.Header.Get("ETag")
	resp.Body.Close()

	expectedMD5 := fmt.Sprintf(`"%x"`, md5.Sum(body))
	if etag != expectedMD5 {
		t.Errorf("PutObject ETag = %q, want %q", etag, expectedMD5)
	}

	resp = ts.doSigned(t, "GET", "/"+bucket+"/"+key, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("GetObject status = %d, want 200: %s", resp.StatusCode, intReadBody(resp))
	}
	if got := resp.Header.Get("ETag"); got != expectedMD5 {
		t.Errorf("GetObject ETag = %q, want %q", got, expectedMD5)
	}
	gotBody := intReadBodyBytes(resp)
	if !bytes.Equal(gotBody, body) {
		t.Errorf("GetObject body = %q, want %q", gotBody, body)
	}

	resp = ts.doSigned(t, "HEAD", "/"+bucket+"/"+key, nil)
	if resp.StatusCode != 200 {
		t.Errorf("HeadObject status = %d, want 200", resp.StatusCode)
	}
	if cl := resp.Header.Get("Content-Length"); cl != fmt.Sprint(len(body)) {
		t.Errorf("HeadObject Content-Length = %q, want %d", cl, len(body))
	}
	resp.Body.Close()

	resp = ts.doSigned(t, "DELETE", "/"+bucket+"/"+key, nil)
	if resp.StatusCode != 204 {
		t.Errorf("DeleteObject status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	// Delete is idempotent.
	resp = ts.doSigned(t, "DELETE", "/"+bucket+"/"+key, nil)
	if resp.StatusCode != 204 {
		t.Errorf("repeat DeleteObject status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.doSigned(t, "GET", "/"+bucket+"/"+key, nil)
	body404 := intReadBody(resp)
	if resp.StatusCode != 404 || !strings.Contains(body404, "NoSuchKey") {
		t.Errorf("GetObject after delete status = %d body = %s, want 404 NoSuchKey", resp.StatusCode, body404)
	}
}

func TestIntegrationListObjectsV2(t *testing.T) {
	ts := newIntegrationServer(t)
	bucket := "test-list"

	ts.doSigned(t, "PUT", "/"+bucket, nil).Body.Close()
	keys := []string{"logs/2026/a.log", "logs/2026/b.log", "logs/2026/c.log", "readme.md"}
	for _, k := range keys {
		ts.doSigned(t, "PUT", "/"+bucket+"/"+k, []byte(k)).Body.Close()
	}

	type listResult struct {
		XMLName               xml.Name `xml:"ListBucketResult"`
		KeyCount              int      `xml:"KeyCount"`
		IsTruncated           bool     `xml:"IsTruncated"`
		NextContinuationToken string   `xml:"NextContinuationToken"`
		Contents              []struct {
			Key  string `xml:"Key"`
			Size int64  `xml:"Size"`
		} `xml:"Contents"`
	}

	resp := ts.doSigned(t, "GET", "/"+bucket+"?list-type=2&max-keys=2&prefix=logs/", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("ListObjectsV2 status = %d, want 200: %s", resp.StatusCode, intReadBody(resp))
	}
	var page1 listResult
	if err := xml.Unmarshal(intReadBodyBytes(resp), &page1); err != nil {
		t.Fatalf("unmarshaling first page: %v", err)
	}
	if page1.KeyCount != 2 || !page1.IsTruncated {
		t.Errorf("page1 KeyCount = %d IsTruncated = %v, want 2 true", page1.KeyCount, page1.IsTruncated)
	}
	if page1.NextContinuationToken == "" {
		t.Fatal("page1 missing NextContinuationToken")
	}

	token := url.QueryEscape(page1.NextContinuationToken)
	resp = ts.doSigned(t, "GET", "/"+bucket+"?list-type=2&max-keys=2&prefix=logs/&continuation-token="+token, nil)
	var page2 listResult
	if err := xml.Unmarshal(intReadBodyBytes(resp), &page2); err != nil {
		t.Fatalf("unmarshaling second page: %v", err)
	}
	if page2.KeyCount != 1 || page2.IsTruncated {
		t.Errorf("page2 KeyCount = %d IsTruncated = %v, want 1 false", page2.KeyCount, page2.IsTruncated)
	}

	var got []string
	for _, c := range append(page1.Contents, page2.Contents...) {
		got = append(got, c.Key)
	}
	want := []string{"logs/2026/a.log", "logs/2026/b.log", "logs/2026/c.log"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("paginated keys = %v, want %v", got, want)
	}

	resp = ts.doSigned(t, "GET", "/"+bucket+"?list-type=2&max-keys=bogus", nil)
	body := intReadBody(resp)
	if resp.StatusCode != 400 || !strings.Contains(body, "InvalidArgument") {
		t.Errorf("bad max-keys status = %d body = %s, want 400 InvalidArgument", resp.StatusCode, body)
	}
}

// initiateUpload starts a multipart upload and returns the upload ID.
func (ts *integrationServer) initiateUpload(t *testing.T, bucket, key string) string {
	t.Helper()
	resp := ts.doSigned(t, "POST", "/"+bucket+"/"+key+"?uploads", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("CreateMultipartUpload status = %d: %s", resp.StatusCode, intReadBody(resp))
	}
	var initResult struct {
		UploadID string `xml:"UploadId"`
	}
	if err := xml.Unmarshal(intReadBodyBytes(resp), &initResult); err != nil {
		t.Fatalf("unmarshaling initiate result: %v", err)
	}
	if initResult.UploadID == "" {
		t.Fatal("initiate result missing UploadId")
	}
	return initResult.UploadID
}

func TestIntegrationMultipartUpload(t *testing.T) {
	ts := newIntegrationServer(t)
	bucket := "test-multipart"
	key := "big/object.bin"
	part1 := bytes.Repeat([]byte("a"), 1024)
	part2 := bytes.Repeat([]byte("b"), 512)

	ts.doSigned(t, "PUT", "/"+bucket, nil).Body.Close()
	uploadID := ts.initiateUpload(t, bucket, key)

	uploadPart := func(n int, data []byte) string {
		resp := ts.doSigned(t, "PUT",
			fmt.Sprintf("/%s/%s?partNumber=%d&uploadId=%s", bucket, key, n, uploadID), data)
		if resp.StatusCode != 200 {
			t.Fatalf("UploadPart %d status = %d: %s", n, resp.StatusCode, intReadBody(resp))
		}
		etag := resp.Header.Get("ETag")
		resp.Body.Close()
		want := fmt.Sprintf(`"%x"`, md5.Sum(data))
		if etag != want {
			t.Errorf("UploadPart %d ETag = %q, want %q", n, etag, want)
		}
		return etag
	}

	etag1 := uploadPart(1, part1)
	etag2 := uploadPart(2, part2)

	completeXML := fmt.Sprintf(`<CompleteMultipartUpload>`+
		`<Part><PartNumber>1</PartNumber><ETag>%s</ETag></Part>`+
		`<Part><PartNumber>2</PartNumber><ETag>%s</ETag></Part>`+
		`</CompleteMultipartUpload>`, etag1, etag2)

	resp := ts.doSigned(t, "POST", "/"+bucket+"/"+key+"?uploadId="+uploadID, []byte(completeXML))
	if resp.StatusCode != 200 {
		t.Fatalf("CompleteMultipartUpload status = %d: %s", resp.StatusCode, intReadBody(resp))
	}
	var completeResult struct {
		ETag     string `xml:"ETag"`
		Location string `xml:"Location"`
	}
	if err := xml.Unmarshal(intReadBodyBytes(resp), &completeResult); err != nil {
		t.Fatalf("unmarshaling complete result: %v", err)
	}

	// Composite ETag is the MD5 of the concatenated raw part digests, dash,
	// part count.
	d1 := md5.Sum(part1)
	d2 := md5.Sum(part2)
	combined := md5.Sum(append(d1[:], d2[:]...))
	wantETag := fmt.Sprintf(`"%x-2"`, combined)
	if completeResult.ETag != wantETag {
		t.Errorf("composite ETag = %q, want %q", completeResult.ETag, wantETag)
	}
	wantLocation := "http://" + ts.addr + "/" + bucket + "/" + key
	if completeResult.Location != wantLocation {
		t.Errorf("Location = %q, want %q", completeResult.Location, wantLocation)
	}

	resp = ts.doSigned(t, "GET", "/"+bucket+"/"+key, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("GetObject after complete status = %d: %s", resp.StatusCode, intReadBody(resp))
	}
	got := intReadBodyBytes(resp)
	want := append(append([]byte{}, part1...), part2...)
	if !bytes.Equal(got, want) {
		t.Errorf("assembled object = %d bytes, want %d bytes", len(got), len(want))
	}

	// The upload is consumed; completing again must fail with NoSuchUpload.
	resp = ts.doSigned(t, "POST", "/"+bucket+"/"+key+"?uploadId="+uploadID, []byte(completeXML))
	body := intReadBody(resp)
	if resp.StatusCode != 404 || !strings.Contains(body, "NoSuchUpload") {
		t.Errorf("repeat complete status = %d body = %s, want 404 NoSuchUpload", resp.StatusCode, body)
	}
}

func TestIntegrationMultipartInvalidPart(t *testing.T) {
	ts := newIntegrationServer(t)
	bucket := "test-mp-invalid"
	key := "obj"

	ts.doSigned(t, "PUT", "/"+bucket, nil).Body.Close()
	uploadID := ts.initiateUpload(t, bucket, key)

	resp := ts.doSigned(t, "PUT", "/"+bucket+"/"+key+"?partNumber=1&uploadId="+uploadID, []byte("data"))
	resp.Body.Close()

	completeXML := `<CompleteMultipartUpload>` +
		`<Part><PartNumber>1</PartNumber><ETag>"deadbeefdeadbeefdeadbeefdeadbeef"</ETag></Part>` +
		`</CompleteMultipartUpload>`
	resp = ts.doSigned(t, "POST", "/"+bucket+"/"+key+"?uploadId="+uploadID, []byte(completeXML))
	body := intReadBody(resp)
	if resp.StatusCode != 400 || !strings.Contains(body, "InvalidPart") {
		t.Errorf("complete with wrong etag status = %d body = %s, want 400 InvalidPart", resp.StatusCode, body)
	}

	resp = ts.doSigned(t, "POST", "/"+bucket+"/"+key+"?uploadId="+uploadID, []byte("not xml at all"))
	body = intReadBody(resp)
	if resp.StatusCode != 400 || !strings.Contains(body, "MalformedXML") {
		t.Errorf("complete with bad body status = %d body = %s, want 400 MalformedXML", resp.StatusCode, body)
	}
}

func TestIntegrationMultipartAbort(t *testing.T) {
	ts := newIntegrationServer(t)
	bucket := "test-mp-abort"
	key := "obj"

	ts.doSigned(t, "PUT", "/"+bucket, nil).Body.Close()
	uploadID := ts.initiateUpload(t, bucket, key)

	ts.doSigned(t, "PUT", "/"+bucket+"/"+key+"?partNumber=1&uploadId="+uploadID, []byte("data")).Body.Close()

	resp := ts.doSigned(t, "DELETE", "/"+bucket+"/"+key+"?uploadId="+uploadID, nil)
	if resp.StatusCode != 204 {
		t.Errorf("AbortMultipartUpload status = %d, want 204: %s", resp.StatusCode, intReadBody(resp))
	} else {
		resp.Body.Close()
	}

	resp = ts.doSigned(t, "PUT", "/"+bucket+"/"+key+"?partNumber=2&uploadId="+uploadID, []byte("more"))
	body := intReadBody(resp)
	if resp.StatusCode != 404 || !strings.Contains(body, "NoSuchUpload") {
		t.Errorf("UploadPart after abort status = %d body = %s, want 404 NoSuchUpload", resp.StatusCode, body)
	}
}

func TestIntegrationUploadPartBadPartNumber(t *testing.T) {
	ts := newIntegrationServer(t)
	bucket := "test-mp-badpart"
	key := "obj"

	ts.doSigned(t, "PUT", "/"+bucket, nil).Body.Close()
	uploadID := ts.initiateUpload(t, bucket, key)

	resp := ts.doSigned(t, "PUT", "/"+bucket+"/"+key+"?partNumber=0&uploadId="+uploadID, []byte("data"))
	body := intReadBody(resp)
	if resp.StatusCode != 400 || !strings.Contains(body, "InvalidArgument") {
		t.Errorf("partNumber=0 status = %d body = %s, want 400 InvalidArgument", resp.StatusCode, body)
	}
}

func TestIntegrationOwnershipIsolation(t *testing.T) {
	ts := newIntegrationServer(t)

	other := &metadata.UserRecord{AccessKey: "otheruser", SecretKey: "other-secret"}
	if err := ts.meta.CreateUser(context.Background(), other); err != nil {
		t.Fatalf("seeding second user: %v", err)
	}

	bucket := "owned-by-default"
	ts.doSigned(t, "PUT", "/"+bucket, nil).Body.Close()
	ts.doSigned(t, "PUT", "/"+bucket+"/secret.txt", []byte("private")).Body.Close()

	// Another user's requests see the bucket as missing, never as forbidden.
	resp := ts.doSignedAs(t, "otheruser", "other-secret", "HEAD", "/"+bucket, nil)
	if resp.StatusCode != 404 {
		t.Errorf("foreign HeadBucket status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.doSignedAs(t, "otheruser", "other-secret", "GET", "/"+bucket+"/secret.txt", nil)
	body := intReadBody(resp)
	if resp.StatusCode != 404 || !strings.Contains(body, "NoSuchBucket") {
		t.Errorf("foreign GetObject status = %d body = %s, want 404 NoSuchBucket", resp.StatusCode, body)
	}

	// The other user's bucket listing stays empty.
	resp = ts.doSignedAs(t, "otheruser", "other-secret", "GET", "/", nil)
	body = intReadBody(resp)
	if strings.Contains(body, bucket) {
		t.Errorf("foreign ListBuckets contains %q: %s", bucket, body)
	}
}

func TestIntegrationAuthFailures(t *testing.T) {
	ts := newIntegrationServer(t)

	// Unsigned request.
	resp, err := http.Get(ts.endpoint + "/some-bucket")
	if err != nil {
		t.Fatalf("unsigned request: %v", err)
	}
	body := intReadBody(resp)
	if resp.StatusCode != 403 || !strings.Contains(body, "AccessDenied") {
		t.Errorf("unsigned status = %d body = %s, want 403 AccessDenied", resp.StatusCode, body)
	}

	// Wrong secret.
	resp = ts.doSignedAs(t, intAccessKey, "wrong-secret", "GET", "/", nil)
	body = intReadBody(resp)
	if resp.StatusCode != 403 || !strings.Contains(body, "SignatureDoesNotMatch") {
		t.Errorf("wrong secret status = %d body = %s, want 403 SignatureDoesNotMatch", resp.StatusCode, body)
	}

	// Unknown access key.
	resp = ts.doSignedAs(t, "nobody", "whatever", "GET", "/", nil)
	body = intReadBody(resp)
	if resp.StatusCode != 403 || !strings.Contains(body, "InvalidAccessKeyId") {
		t.Errorf("unknown key status = %d body = %s, want 403 InvalidAccessKeyId", resp.StatusCode, body)
	}

	// Tampered payload: sign over one hash, send a different body.
	req, err := http.NewRequest("PUT", ts.endpoint+"/b/k", bytes.NewReader([]byte("tampered")))
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	ts.signRequest(req, intAccessKey, intSecretKey, intSha256Hex([]byte("original")))
	req.Header.Set("X-Amz-Content-Sha256", intSha256Hex([]byte("tampered")))
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("tampered request: %v", err)
	}
	body = intReadBody(resp)
	if resp.StatusCode != 403 || !strings.Contains(body, "SignatureDoesNotMatch") {
		t.Errorf("tampered payload status = %d body = %s, want 403 SignatureDoesNotMatch", resp.StatusCode, body)
	}
}

func TestIntegrationNotImplementedFallbacks(t *testing.T) {
	ts := newIntegrationServer(t)
	ts.doSigned(t, "PUT", "/fallback-bucket", nil).Body.Close()

	cases := []struct {
		name   string
		method string
		path   string
	}{
		{"bucket GET without subresource", "GET", "/fallback-bucket"},
		{"bucket POST", "POST", "/fallback-bucket"},
		{"object PATCH", "PATCH", "/fallback-bucket/key"},
		{"service DELETE", "DELETE", "/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.doSigned(t, tc.method, tc.path, nil)
			body := intReadBody(resp)
			if resp.StatusCode != 501 || !strings.Contains(body, "NotImplemented") {
				t.Errorf("%s %s status = %d body = %s, want 501 NotImplemented",
					tc.method, tc.path, resp.StatusCode, body)
			}
		})
	}
}

func TestIntegrationErrorBodyShape(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, "HEAD", "/no-such-bucket", nil)
	if resp.StatusCode != 404 {
		t.Errorf("HeadBucket status = %d, want 404", resp.StatusCode)
	}
	// HEAD errors carry status only.
	if body := intReadBody(resp); body != "" {
		t.Errorf("HEAD error body = %q, want empty", body)
	}

	resp = ts.doSigned(t, "GET", "/no-such-bucket?list-type=2", nil)
	body := intReadBody(resp)
	if resp.StatusCode != 404 {
		t.Errorf("list missing bucket status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(body, "<Code>NoSuchBucket</Code>") {
		t.Errorf("error body missing Code element: %s", body)
	}
	if !strings.Contains(body, "<Resource>/no-such-bucket</Resource>") {
		t.Errorf("error body missing Resource element: %s", body)
	}
	if strings.Contains(body, "RequestId") {
		t.Errorf("error body should not carry RequestId: %s", body)
	}
	if resp.Header.Get("x-amz-request-id") == "" {
		t.Error("response missing x-amz-request-id header")
	}
}
