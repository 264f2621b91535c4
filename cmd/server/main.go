// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

// Command server runs the Custodia compliance pipeline: sovereignty gate,
// risk assessment, qualified sealing and crypto-shredding behind an HTTP
// API, supervised for automatic restart.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/custodia-ai/custodia/internal/api"
	"github.com/custodia-ai/custodia/internal/config"
	"github.com/custodia-ai/custodia/internal/database"
	"github.com/custodia-ai/custodia/internal/logging"
	"github.com/custodia-ai/custodia/internal/pipeline"
	"github.com/custodia-ai/custodia/internal/risk"
	"github.com/custodia-ai/custodia/internal/sealing"
	"github.com/custodia-ai/custodia/internal/shredder"
	"github.com/custodia-ai/custodia/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		// Logging is not configured yet; write directly.
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Msg("Starting Custodia")

	store, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer store.Close()

	var keyPersist shredder.KeyPersistence
	if cfg.KeyStore.Path != "" {
		badgerStore, err := shredder.NewBadgerStore(cfg.KeyStore.Path)
		if err != nil {
			return fmt.Errorf("key store: %w", err)
		}
		defer badgerStore.Close()
		keyPersist = badgerStore
	}

	enc, err := shredder.New(cfg.KeyStore.MasterKey, keyPersist)
	if err != nil {
		return fmt.Errorf("crypto-shredder: %w", err)
	}

	sealer := sealing.New(sealing.Config{
		TokenURL:             cfg.Sealing.TokenURL,
		APIURL:               cfg.Sealing.APIURL,
		ClientID:             cfg.Sealing.ClientID,
		ClientSecret:         cfg.Sealing.ClientSecret,
		Timeout:              cfg.Sealing.Timeout,
		MaxRequestsPerSecond: cfg.Sealing.MaxRequestsPerSecond,
	})

	pipe := pipeline.New(risk.NewEngine(store), sealer, enc, store)

	handler := api.NewHandler(pipe, store)
	router := api.NewRouter(handler, api.RouterConfig{
		RateLimitRequests: cfg.Server.RateLimitReqs,
		RateLimitWindow:   cfg.Server.RateLimitWindow,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddAPIService(&supervisor.HTTPService{Server: httpServer})
	tree.AddSyncService(&supervisor.SealSyncService{
		Syncer:   sealer,
		Interval: cfg.Sealing.SyncInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("Shutdown complete")
	return nil
}
