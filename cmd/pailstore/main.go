// Package main is the entry point for the PailStore S3-compatible object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pailstore/pailstore/internal/config"
	"github.com/pailstore/pailstore/internal/logging"
	"github.com/pailstore/pailstore/internal/metadata"
	"github.com/pailstore/pailstore/internal/metrics"
	"github.com/pailstore/pailstore/internal/server"
	"github.com/pailstore/pailstore/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	// Credentials come from the environment only, never from the config file.
	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load credentials: %v\n", err)
		os.Exit(1)
	}

	// Crash-only design: every startup is recovery.
	// No special recovery mode. Steps that would normally be "recovery" run on
	// every boot:
	// - SQLite WAL auto-recovers on open
	// - Orphan sweep of staged files and unreferenced objects (below)
	// - Credential seeding (below)

	dbPath := cfg.Metadata.SQLite.Path
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create metadata directory: %v\n", err)
		os.Exit(1)
	}
	metaStore, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", err)
		os.Exit(1)
	}
	defer metaStore.Close()

	// Seed the bootstrap user (idempotent, runs every boot).
	if err := seedUser(metaStore, creds); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed user: %v\n", err)
		os.Exit(1)
	}

	backend, err := storage.NewLocalStore(cfg.Storage.RootDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage backend: %v\n", err)
		os.Exit(1)
	}
	slog.Info("Storage backend initialized", "root", cfg.Storage.RootDir)

	// Crash-only recovery: remove files on disk that no metadata row
	// references, left behind by writes interrupted mid-flight.
	if err := sweepOrphans(metaStore, backend); err != nil {
		slog.Warn("Orphan sweep failed", "error", err)
	}

	metrics.Register()

	// Prime the resource gauges from the reopened database so /metrics
	// reflects pre-existing rows before the first mutation.
	if n, err := metaStore.CountBuckets(context.Background()); err == nil {
		metrics.BucketsTotal.Set(float64(n))
	}
	if n, err := metaStore.CountObjects(context.Background()); err == nil {
		metrics.ObjectsTotal.Set(float64(n))
	}

	srv, err := server.New(cfg,
		server.WithMetadataStore(metaStore),
		server.WithStorageBackend(backend),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("PailStore listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit. No cleanup -- crash-only design.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// seedUser creates the bootstrap user from the environment credentials if it
// does not already exist. This runs on every startup as part of crash-only
// recovery.
func seedUser(store *metadata.SQLiteStore, creds *config.Credentials) error {
	ctx := context.Background()

	existing, err := store.GetUserByAccessKey(ctx, creds.AccessKey)
	if err != nil {
		return fmt.Errorf("checking bootstrap user: %w", err)
	}
	if existing != nil {
		// Already seeded. Nothing to do.
		return nil
	}

	user := &metadata.UserRecord{
		AccessKey: creds.AccessKey,
		SecretKey: creds.SecretKey,
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("seeding bootstrap user: %w", err)
	}
	slog.Info("Seeded bootstrap user", "access_key", creds.AccessKey)
	return nil
}

// sweepOrphans removes temp directories without an upload row and bucket
// files without an object row. It runs only at startup, before the server
// accepts requests, so no live write can race with it.
func sweepOrphans(store *metadata.SQLiteStore, backend *storage.LocalStore) error {
	ctx := context.Background()

	uploadIDs, err := store.ListUploadIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing uploads: %w", err)
	}
	objectPaths, err := store.ListObjectFilepaths(ctx)
	if err != nil {
		return fmt.Errorf("listing object paths: %w", err)
	}

	removed, err := backend.SweepOrphans(uploadIDs, objectPaths)
	if err != nil {
		return err
	}
	if removed > 0 {
		slog.Info("Swept orphan files", "removed", removed)
	}
	return nil
}
