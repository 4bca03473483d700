// cmd/qdoid/main.go
// Package main implements the entry point for the query DOI service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dataportal/query-dois-go/internal/archive"
	"github.com/dataportal/query-dois-go/internal/config"
	"github.com/dataportal/query-dois-go/internal/datastore"
	"github.com/dataportal/query-dois-go/internal/event"
	"github.com/dataportal/query-dois-go/internal/metrics"
	"github.com/dataportal/query-dois-go/internal/minter"
	"github.com/dataportal/query-dois-go/internal/registry"
	"github.com/dataportal/query-dois-go/internal/schema"
	"github.com/dataportal/query-dois-go/internal/server"
	"github.com/dataportal/query-dois-go/internal/stats"
	"github.com/dataportal/query-dois-go/internal/storage"
	"github.com/dataportal/query-dois-go/internal/telemetry"
)

// main is the entry point for the query DOI service.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer(cfg.Env)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		// Shutdown the tracer provider
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		// Use PostgreSQL storage for production
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		// Use in-memory storage for development/testing
		store = storage.NewMemory()
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisherFromEnv()
	defer pub.Close() // Ensure publisher is closed on exit

	// Initialize the DOI registry and version catalog clients
	reg := registry.NewDataCite(cfg.DataCiteURL, cfg.DataCiteUsername, cfg.DataCitePassword)
	catalog := datastore.New(cfg.DatastoreURL)

	// Initialize the query shape validator
	validator, err := schema.NewValidator()
	if err != nil {
		logger.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	// Initialize the metadata archive if object storage is configured
	var archiver archive.Archiver = archive.Noop{}
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		archiver, err = archive.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize S3 archiver", "error", err)
			os.Exit(1)
		}
	}

	// Wire the minting pipeline and stat recorder. The store is wrapped so
	// every storage operation shows up in the metrics.
	m := metrics.NewMetrics()
	store = storage.NewInstrumented(store, m)
	mint := minter.New(cfg, store, reg, catalog, validator, archiver, pub, m)
	recorder := stats.NewRecorder(store)

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(cfg, store, mint, recorder, pub)

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,             // Server address
		Handler:      mux,              // Request handler
		ReadTimeout:  5 * time.Second,  // Read timeout
		WriteTimeout: 30 * time.Second, // Write timeout, mints call out to the registry
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "test_mode", cfg.TestMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Close PostgreSQL storage if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	// Note: pub.Close() is deferred above
	logger.Info("server exited")
}
