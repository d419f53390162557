// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

// Package main is the entry point for the Streamlog server.
//
// Streamlog ingests log and telemetry events from mobile and desktop
// devices over WebSocket, buffers them through a crash-safe batch queue,
// and persists them to DuckDB. Operators can watch any connected device's
// event stream live from a web session.
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered load (defaults, YAML file, env vars)
//  2. Badger: shared store for the durable queue and the app directory
//  3. DuckDB: event storage with the overflow and stats tables
//  4. Durable batch queue: recovery of any in-flight batch from a crash
//  5. Live layer: registries, subscription router, WebSocket gateway
//  6. HTTP server: Chi router with the control API and /metrics
//  7. Supervisor tree: queue flusher and HTTP server under suture
//
// Graceful shutdown on SIGINT/SIGTERM: the supervisor stops the HTTP
// server and the flusher; pending queue items survive in Badger and are
// recovered on the next start.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamlog-dev/streamlog/internal/api"
	"github.com/streamlog-dev/streamlog/internal/apps"
	"github.com/streamlog-dev/streamlog/internal/auth"
	"github.com/streamlog-dev/streamlog/internal/config"
	"github.com/streamlog-dev/streamlog/internal/liststore"
	"github.com/streamlog-dev/streamlog/internal/live"
	"github.com/streamlog-dev/streamlog/internal/logging"
	"github.com/streamlog-dev/streamlog/internal/queue"
	"github.com/streamlog-dev/streamlog/internal/stats"
	"github.com/streamlog-dev/streamlog/internal/storage"
	"github.com/streamlog-dev/streamlog/internal/supervisor"
	"github.com/streamlog-dev/streamlog/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("liststore_path", cfg.ListStore.Path).
		Str("db_path", cfg.Database.Path).
		Msg("Starting Streamlog")

	// One Badger instance backs both the durable queue lists and the
	// application directory.
	store, err := liststore.Open(liststore.Config{
		Path:       cfg.ListStore.Path,
		SyncWrites: cfg.ListStore.SyncWrites,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open list store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing list store")
		}
	}()

	db, err := storage.Open(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing storage")
		}
	}()

	sink := storage.NewBreakerSink(db)
	recorder := stats.NewRecorder(db.Conn())
	directory := apps.NewBadgerDirectory(store.DB())

	q := queue.New(store, sink, recorder, cfg.Queue)
	if err := q.RestoreProcessing(context.Background()); err != nil {
		logging.Fatal().Err(err).Msg("Failed to recover in-flight batch")
	}

	tokens, err := auth.NewManager(cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize token manager")
	}

	devices := live.NewDeviceRegistry()
	web := live.NewWebRegistry()
	router := live.NewRouter(devices, 0)
	gateway := live.NewGateway(tokens, directory, devices, web, router, q, cfg.Gateway)

	handler := api.NewHandler(db, recorder, directory, devices, web, router, q)
	mux := api.NewRouter(handler, gateway, tokens, api.RouterConfig{
		CORSOrigins:       cfg.Security.CORSOrigins,
		RequestsPerMinute: cfg.Security.APIRateLimit,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddDurableService(q)
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	// A final flush drains whatever arrived after the last tick; anything
	// that still fails stays in Badger for the next start.
	if err := q.Flush(context.Background()); err != nil {
		logging.Warn().Err(err).Msg("Final flush incomplete, items remain queued")
	}

	logging.Info().Msg("Streamlog stopped")
}
