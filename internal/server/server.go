// Package server implements the PailStore HTTP server and S3-compatible route multiplexer.
package server

import (
	"context"
	"net/http"

	"github.com/pailstore/pailstore/internal/auth"
	"github.com/pailstore/pailstore/internal/config"
	s3err "github.com/pailstore/pailstore/internal/errors"
	"github.com/pailstore/pailstore/internal/handlers"
	"github.com/pailstore/pailstore/internal/metadata"
	"github.com/pailstore/pailstore/internal/metrics"
	"github.com/pailstore/pailstore/internal/storage"
	"github.com/pailstore/pailstore/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the PailStore HTTP server. It routes incoming requests to the
// appropriate S3-compatible handler based on the request method and path.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	meta       metadata.Store
	store      storage.Backend
	verifier   *auth.SigV4Verifier
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithMetadataStore sets the metadata store for the server.
func WithMetadataStore(meta metadata.Store) ServerOption {
	return func(s *Server) {
		s.meta = meta
	}
}

// WithStorageBackend sets the storage backend for the server.
func WithStorageBackend(store storage.Backend) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new Server with the given configuration and wires up all
// S3-compatible routes on the Chi router with Huma API. Use ServerOption
// functions to provide the metadata store and storage backend.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("PailStore S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.meta != nil {
		s.verifier = auth.NewSigV4Verifier(s.meta)
	}

	s.bucket = handlers.NewBucketHandler(s.meta, s.store)
	s.object = handlers.NewObjectHandler(s.meta, s.store)
	s.multi = handlers.NewMultipartHandler(s.meta, s.store)

	s.registerRoutes()
	return s, nil
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
// Middleware chain: metricsMiddleware -> commonHeaders -> transferEncodingCheck -> authMiddleware -> router.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Handler returns the fully wrapped HTTP handler, including the middleware
// chain. Exposed for tests that drive the server with httptest.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	if s.verifier != nil {
		handler = auth.Middleware(s.verifier)(handler)
	}
	handler = transferEncodingCheck(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /docs, /openapi.json) and /metrics are registered first.
// The S3 catch-all /* is registered last. Chi matches more specific routes first.
func (s *Server) registerRoutes() {
	// Register /health via Huma for auto-OpenAPI documentation.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the PailStore server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	// Register /metrics via promhttp.Handler().
	s.router.Handle("/metrics", promhttp.Handler())

	// S3 catch-all: all remaining requests go through the dispatch function.
	// Chi matches more specific routes (health, docs, metrics, openapi) first,
	// then falls through to the catch-all.
	s.router.HandleFunc("/*", s.dispatch)
}

// parsePath extracts bucket and object key from the request path.
// Returns ("", "") for root "/", ("bucket", "") for "/{bucket}",
// and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	idx := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx+1:]
}

// invoke runs one S3 operation handler and records its outcome in the
// per-operation metric. Statuses below 400 count as success.
func invoke(name string, h http.HandlerFunc, w http.ResponseWriter, r *http.Request) {
	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	h(rec, r)
	status := "success"
	if rec.statusCode >= 400 {
		status = "error"
	}
	metrics.S3OperationsTotal.WithLabelValues(name, status).Inc()
}

// notImplemented answers requests that do not map to a supported operation.
func notImplemented(w http.ResponseWriter, r *http.Request) {
	xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
}

// dispatch is the main request dispatcher. It parses the path to extract
// bucket and object key, then routes by HTTP method and query parameters.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	q := r.URL.Query()

	// Service-level operations (no bucket in path).
	if bucket == "" {
		switch r.Method {
		case http.MethodGet:
			invoke("ListBuckets", s.bucket.ListBuckets, w, r)
		default:
			notImplemented(w, r)
		}
		return
	}

	// Object-level operations (bucket + key in path).
	if key != "" {
		switch r.Method {
		case http.MethodPut:
			if q.Has("partNumber") && q.Has("uploadId") {
				invoke("UploadPart", s.multi.UploadPart, w, r)
			} else {
				invoke("PutObject", s.object.PutObject, w, r)
			}
		case http.MethodGet:
			invoke("GetObject", s.object.GetObject, w, r)
		case http.MethodHead:
			invoke("HeadObject", s.object.HeadObject, w, r)
		case http.MethodDelete:
			if q.Has("uploadId") {
				invoke("AbortMultipartUpload", s.multi.AbortMultipartUpload, w, r)
			} else {
				invoke("DeleteObject", s.object.DeleteObject, w, r)
			}
		case http.MethodPost:
			switch {
			case q.Has("uploads"):
				invoke("CreateMultipartUpload", s.multi.CreateMultipartUpload, w, r)
			case q.Has("uploadId"):
				invoke("CompleteMultipartUpload", s.multi.CompleteMultipartUpload, w, r)
			default:
				notImplemented(w, r)
			}
		default:
			notImplemented(w, r)
		}
		return
	}

	// Bucket-level operations (bucket in path, no key).
	switch r.Method {
	case http.MethodPut:
		invoke("CreateBucket", s.bucket.CreateBucket, w, r)
	case http.MethodGet:
		switch {
		case q.Has("location"):
			invoke("GetBucketLocation", s.bucket.GetBucketLocation, w, r)
		case q.Get("list-type") == "2":
			invoke("ListObjectsV2", s.object.ListObjectsV2, w, r)
		default:
			notImplemented(w, r)
		}
	case http.MethodHead:
		invoke("HeadBucket", s.bucket.HeadBucket, w, r)
	case http.MethodDelete:
		invoke("DeleteBucket", s.bucket.DeleteBucket, w, r)
	default:
		notImplemented(w, r)
	}
}
