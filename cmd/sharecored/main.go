// Package main implements the entry point for the sharecore service.
// It wires configuration, storage, auth, the share and dashboard services
// and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/givebridge/sharecore/internal/aggregate"
	"github.com/givebridge/sharecore/internal/auth"
	"github.com/givebridge/sharecore/internal/cache"
	"github.com/givebridge/sharecore/internal/capability"
	"github.com/givebridge/sharecore/internal/config"
	"github.com/givebridge/sharecore/internal/dashboard"
	"github.com/givebridge/sharecore/internal/event"
	"github.com/givebridge/sharecore/internal/jwks"
	"github.com/givebridge/sharecore/internal/media"
	"github.com/givebridge/sharecore/internal/resolver"
	"github.com/givebridge/sharecore/internal/schema"
	"github.com/givebridge/sharecore/internal/server"
	"github.com/givebridge/sharecore/internal/share"
	"github.com/givebridge/sharecore/internal/storage"
	"github.com/givebridge/sharecore/internal/telemetry"
	"gopkg.in/natefinch/lumberjack.v2"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// newLogger builds the JSON logger. With a log file configured, output is
// duplicated into a size-rotated file.
func newLogger(cfg config.Config) (*slog.Logger, func()) {
	level := slog.LevelInfo
	if cfg.Env == "dev" {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	cleanup := func() {}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "warning: cannot create log directory: %v\n", err)
		}
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // MB
			MaxAge:     14,  // days
			MaxBackups: 5,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, file)
		cleanup = func() { _ = file.Close() }
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), cleanup
}

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)

	// Spans go to stdout in dev only
	traceOut := io.Discard
	if cfg.Env == "dev" {
		traceOut = os.Stdout
	}
	if _, err := telemetry.InitTracer("sharecore", version, cfg.Env, traceOut); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		pg, err := storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn("SHARECORE_DB_DSN not set, using in-memory storage")
		store = storage.NewMemory()
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	// Snapshot cache
	var snapshots cache.Cache = cache.Nop{}
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis unavailable, dashboard caching disabled", "error", err)
		} else {
			defer rc.Close()
			snapshots = rc
		}
	}

	// Export storage
	var objects dashboard.ObjectStore
	if cfg.S3.Bucket != "" {
		s3c, err := media.NewS3Client(ctx, cfg.S3.Endpoint, cfg.S3.Region, cfg.S3.Bucket, cfg.S3.AccessKey, cfg.S3.SecretKey)
		if err != nil {
			logger.Error("failed to initialize S3 client", "error", err)
			os.Exit(1)
		}
		objects = s3c
	}

	validator, err := schema.NewValidator()
	if err != nil {
		logger.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	var caps auth.CapabilityChecker
	if cfg.Auth.CapabilityURL != "" {
		caps = capability.New(cfg.Auth.CapabilityURL)
	} else {
		logger.Warn("SHARECORE_CAPABILITY_URL not set, admin endpoints are unreachable")
	}
	authn := auth.NewAuthenticator(jwks.NewClient(cfg.Auth.JWKSURL), caps, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)

	shares := share.NewService(store, resolver.New(store), validator, share.Config{
		BaseURL:          cfg.Share.BaseURL,
		MintAttempts:     cfg.Share.MintAttempts,
		ValidateResource: cfg.Share.ValidateResource,
	}, share.WithPublisher(pub))

	composer := dashboard.NewComposer(aggregate.NewEngine(store), snapshots, dashboard.Config{
		Strict:      cfg.Dashboard.Strict,
		Concurrency: cfg.Dashboard.Concurrency,
		CacheTTL:    cfg.Dashboard.CacheTTL,
	})

	deps := server.Deps{
		Store:              store,
		Shares:             shares,
		Dashboard:          composer,
		Auth:               authn,
		Validator:          validator,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}
	if objects != nil {
		deps.Exporter = dashboard.NewExporter(objects, cfg.Dashboard.ExportURLTTL)
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.NewMux(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second, // Dashboard exports can be slow
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		logger.Error("server failed", "error", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server exited")
}
