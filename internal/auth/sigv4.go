// Package auth implements AWS Signature Version 4 request authentication.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pailstore/pailstore/internal/metadata"
)

const (
	// signingKeyTTL is the TTL for cached signing keys (24 hours).
	signingKeyTTL = 24 * time.Hour
	// userCacheTTL is the TTL for cached credential lookups (60 seconds).
	userCacheTTL = 60 * time.Second
	// maxCacheEntries is the maximum number of entries in each cache map.
	maxCacheEntries = 1000
)

// signingKeyCacheEntry holds a cached signing key with its expiration.
type signingKeyCacheEntry struct {
	key       []byte
	expiresAt time.Time
}

// userCacheEntry holds a cached user record with its expiration.
type userCacheEntry struct {
	user      *metadata.UserRecord
	expiresAt time.Time
}

const (
	// algorithm is the signing algorithm identifier.
	algorithm = "AWS4-HMAC-SHA256"

	// scopeTerminator is the fixed suffix of the credential scope.
	scopeTerminator = "aws4_request"

	// emptySHA256 is the SHA-256 hash of an empty string.
	emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// contextKey is an unexported type used for context keys to avoid collisions.
type contextKey int

const (
	// userIDKey is the context key for the authenticated user ID.
	userIDKey contextKey = iota
	// accessKeyKey is the context key for the authenticated access key.
	accessKeyKey
)

// UserFromContext retrieves the authenticated user identity from the
// request context.
func UserFromContext(ctx context.Context) (userID int64, accessKey string, ok bool) {
	userID, ok = ctx.Value(userIDKey).(int64)
	if v, found := ctx.Value(accessKeyKey).(string); found {
		accessKey = v
	}
	return
}

// ContextWithUser sets the user identity on the given context. The
// middleware installs it after verification; tests use it to fabricate an
// authenticated request context.
func ContextWithUser(ctx context.Context, userID int64, accessKey string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, accessKeyKey, accessKey)
	return ctx
}

// SigV4Verifier verifies AWS Signature Version 4 signed requests. It looks
// up credentials from the metadata store to support multiple access keys.
type SigV4Verifier struct {
	// Meta is the metadata store used to look up credentials.
	Meta metadata.Store

	// signingKeys caches derived signing keys. Key format: "secretKey\x00dateStr\x00region\x00service".
	signingKeyMu sync.RWMutex
	signingKeys  map[string]signingKeyCacheEntry

	// userCache caches credential lookups by access key.
	userCacheMu sync.RWMutex
	userCache   map[string]userCacheEntry
}

// NewSigV4Verifier creates a new SigV4Verifier backed by the given metadata store.
func NewSigV4Verifier(meta metadata.Store) *SigV4Verifier {
	return &SigV4Verifier{
		Meta:        meta,
		signingKeys: make(map[string]signingKeyCacheEntry),
		userCache:   make(map[string]userCacheEntry),
	}
}

// cachedDeriveSigningKey returns the signing key for the given inputs,
// deriving and caching it on miss.
func (v *SigV4Verifier) cachedDeriveSigningKey(secretKey, dateStr, region, svc string) []byte {
	cacheKey := secretKey + "\x00" + dateStr + "\x00" + region + "\x00" + svc

	v.signingKeyMu.RLock()
	entry, ok := v.signingKeys[cacheKey]
	v.signingKeyMu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.key
	}

	key := deriveSigningKey(secretKey, dateStr, region, svc)

	v.signingKeyMu.Lock()
	if len(v.signingKeys) >= maxCacheEntries {
		v.signingKeys = make(map[string]signingKeyCacheEntry)
	}
	v.signingKeys[cacheKey] = signingKeyCacheEntry{key: key, expiresAt: time.Now().Add(signingKeyTTL)}
	v.signingKeyMu.Unlock()

	return key
}

// cachedGetUser looks up a user by access key with a short-lived cache.
func (v *SigV4Verifier) cachedGetUser(ctx context.Context, accessKey string) (*metadata.UserRecord, error) {
	v.userCacheMu.RLock()
	entry, ok := v.userCache[accessKey]
	v.userCacheMu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.user, nil
	}

	user, err := v.Meta.GetUserByAccessKey(ctx, accessKey)
	if err != nil {
		return nil, err
	}

	v.userCacheMu.Lock()
	if len(v.userCache) >= maxCacheEntries {
		v.userCache = make(map[string]userCacheEntry)
	}
	v.userCache[accessKey] = userCacheEntry{user: user, expiresAt: time.Now().Add(userCacheTTL)}
	v.userCacheMu.Unlock()

	return user, nil
}

// AuthError is a verification failure with an S3 error code.
type AuthError struct {
	Code    string // S3 error code (AccessDenied, InvalidAccessKeyId, SignatureDoesNotMatch)
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// parsedAuth holds the parsed components of an Authorization header.
type parsedAuth struct {
	AccessKey     string
	DateStr       string // YYYYMMDD
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// parseAuthorizationHeader parses the AWS SigV4 Authorization header.
// Format: AWS4-HMAC-SHA256 Credential=AKID/date/region/service/aws4_request, SignedHeaders=host;..., Signature=hex
func parseAuthorizationHeader(header string) (*parsedAuth, error) {
	if !strings.HasPrefix(header, algorithm+" ") {
		return nil, fmt.Errorf("unsupported algorithm")
	}

	rest := strings.TrimPrefix(header, algorithm+" ")

	parts := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(part[:idx])
		value := strings.TrimSpace(part[idx+1:])
		parts[key] = value
	}

	credential, ok := parts["Credential"]
	if !ok || credential == "" {
		return nil, fmt.Errorf("missing Credential")
	}

	signedHeadersStr, ok := parts["SignedHeaders"]
	if !ok || signedHeadersStr == "" {
		return nil, fmt.Errorf("missing SignedHeaders")
	}

	signature, ok := parts["Signature"]
	if !ok || signature == "" {
		return nil, fmt.Errorf("missing Signature")
	}

	// Parse credential: accessKey/date/region/service/aws4_request
	credParts := strings.SplitN(credential, "/", 5)
	if len(credParts) != 5 {
		return nil, fmt.Errorf("invalid credential format")
	}
	if credParts[4] != scopeTerminator {
		return nil, fmt.Errorf("invalid credential scope terminator: %s", credParts[4])
	}

	return &parsedAuth{
		AccessKey:     credParts[0],
		DateStr:       credParts[1],
		Region:        credParts[2],
		Service:       credParts[3],
		SignedHeaders: strings.Split(signedHeadersStr, ";"),
		Signature:     signature,
	}, nil
}

// VerifyRequest validates the AWS SigV4 signature on the given HTTP request
// using the Authorization header. Returns the user record on success.
func (v *SigV4Verifier) VerifyRequest(r *http.Request) (*metadata.UserRecord, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, &AuthError{Code: "AccessDenied", Message: "Missing Authorization header"}
	}

	parsed, err := parseAuthorizationHeader(authHeader)
	if err != nil {
		return nil, &AuthError{Code: "AccessDenied", Message: fmt.Sprintf("Invalid Authorization header: %v", err)}
	}

	user, err := v.cachedGetUser(r.Context(), parsed.AccessKey)
	if err != nil {
		return nil, &AuthError{Code: "InternalError", Message: "Failed to look up credentials"}
	}
	if user == nil {
		return nil, &AuthError{Code: "InvalidAccessKeyId", Message: "The AWS Access Key Id you provided does not exist in our records"}
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	if amzDate == "" {
		return nil, &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Date or Date header"}
	}

	// When x-amz-content-sha256 is absent (e.g., botocore SigV4Auth without
	// the S3 variant), the client signed over SHA256(body); compute it so
	// the canonical request matches.
	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		if r.Body != nil && r.Body != http.NoBody {
			bodyBytes, readErr := io.ReadAll(r.Body)
			if readErr != nil {
				return nil, &AuthError{Code: "InternalError", Message: "Failed to read request body"}
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			bodyHash := sha256.Sum256(bodyBytes)
			r.Header.Set("X-Amz-Content-Sha256", hex.EncodeToString(bodyHash[:]))
		} else {
			r.Header.Set("X-Amz-Content-Sha256", emptySHA256)
		}
	}

	canonicalRequest := buildCanonicalRequest(r, parsed.SignedHeaders)

	scope := fmt.Sprintf("%s/%s/%s/%s", parsed.DateStr, parsed.Region, parsed.Service, scopeTerminator)
	stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)

	signingKey := v.cachedDeriveSigningKey(user.SecretKey, parsed.DateStr, parsed.Region, parsed.Service)
	expectedSignature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	if subtle.ConstantTimeCompare([]byte(expectedSignature), []byte(parsed.Signature)) != 1 {
		return nil, &AuthError{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided"}
	}

	return user, nil
}

// buildCanonicalRequest assembles the canonical request string:
// METHOD \n URI \n QUERY \n HEADERS \n SIGNED \n PAYLOAD_HASH.
func buildCanonicalRequest(r *http.Request, signedHeaders []string) string {
	return r.Method + "\n" +
		canonicalURI(r.URL.Path) + "\n" +
		canonicalQueryString(r.URL.RawQuery) + "\n" +
		canonicalHeaders(r, signedHeaders) + "\n" +
		strings.ToLower(strings.Join(signedHeaders, ";")) + "\n" +
		r.Header.Get("X-Amz-Content-Sha256")
}

// buildStringToSign assembles the SigV4 string to sign.
func buildStringToSign(amzDate, scope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	return algorithm + "\n" +
		amzDate + "\n" +
		scope + "\n" +
		hex.EncodeToString(hash[:])
}

// deriveSigningKey derives the SigV4 signing key using the HMAC chain.
func deriveSigningKey(secretKey, dateStr, region, svc string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+secretKey), dateStr)
	regionKey := hmacSHA256(dateKey, region)
	serviceKey := hmacSHA256(regionKey, svc)
	return hmacSHA256(serviceKey, scopeTerminator)
}

// canonicalURI returns the request path, percent-decoded exactly once, as
// the canonical URI. No re-encoding is applied. Empty path becomes "/".
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

// canonicalQueryString decodes the raw query into ordered key/value pairs,
// stable-sorts them by key (duplicates keep arrival order), and rejoins
// them as k=v pairs without re-encoding. Bare keys get an empty value.
func canonicalQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	type pair struct{ key, value string }
	var pairs []pair
	for _, segment := range strings.Split(rawQuery, "&") {
		if segment == "" {
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		pairs = append(pairs, pair{key: key, value: value})
	}

	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.key + "=" + p.value
	}
	return strings.Join(parts, "&")
}

// canonicalHeaders builds the canonical headers string: one name:value line
// per signed header, sorted by lowercased name, values as delivered.
func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	names := make([]string, len(signedHeaders))
	for i, name := range signedHeaders {
		names[i] = strings.ToLower(name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		var value string
		if name == "host" {
			value = r.Host
			if value == "" {
				value = r.Header.Get("Host")
			}
		} else {
			value = strings.Join(r.Header.Values(http.CanonicalHeaderKey(name)), ",")
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(strings.TrimSpace(value))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// hmacSHA256 computes HMAC-SHA256 of the data using the given key.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}
