// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: March 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main provides the entry point for the experimentation API server.
//
// This binary is the all-in-one deployment shape: it serves the HTTP API
// and, unless disabled through configuration, runs the background machinery
// in-process. It is responsible for orchestrating the whole service:
//  1. Connecting storage (Postgres) and cache (Redis), ensuring the schema
//     and event partitions exist.
//  2. Wiring the domain services: assignment, lifecycle, ingestion,
//     analytics and the admin bulk writer.
//  3. Starting the background workers: outbox publisher, rollup builder
//     and partition manager.
//  4. Serving HTTP until SIGINT/SIGTERM, then shutting down in an order
//     that lets in-flight requests and worker cycles finish.
//
// Configuration comes from the environment (see internal/experiments/config);
// the flags below override the knobs that matter during local runs.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"abx"
	"abx/internal/experiments/analytics"
	"abx/internal/experiments/api"
	"abx/internal/experiments/assign"
	"abx/internal/experiments/bulk"
	"abx/internal/experiments/cache"
	"abx/internal/experiments/config"
	"abx/internal/experiments/ingest"
	"abx/internal/experiments/lifecycle"
	"abx/internal/experiments/outbox"
	"abx/internal/experiments/partition"
	"abx/internal/experiments/rollup"
	"abx/internal/experiments/store"
)

func main() {
	cfg := config.Load()
	flag.StringVar(&cfg.HTTPAddr, "http_addr", cfg.HTTPAddr, "HTTP listen address (e.g. :8000)")
	flag.StringVar(&cfg.LogLevel, "log_level", cfg.LogLevel, "zerolog level (trace..panic)")
	flag.StringVar(&cfg.Bus, "bus", cfg.Bus, "outbox sink: kafka, file or log")
	flag.Parse()

	log := newLogger(cfg.LogLevel, "abx-api")
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("abx-api exited")
	}
}

func newLogger(level, service string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().
		Timestamp().Str("service", service).Logger()
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Storage and cache. The schema and the partition layout are
	// idempotent, so every replica ensures them on boot.
	st, err := store.Open(cfg.DatabaseURL, cfg.DatabasePoolSize, cfg.DBTimeout, log)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	c, err := cache.Open(cfg.RedisURL, cfg.CacheTimeout, log)
	if err != nil {
		return err
	}
	defer c.Close()

	bus, err := outbox.FromConfig(cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	// 2. Domain services, all sharing the store and the cache.
	bucket := abx.New(cfg.HashSeed, cfg.BucketSpace)
	assigner := assign.New(st, c, bucket, cfg.AssignmentTTL, log)
	experiments := lifecycle.New(st, c, log)
	ingestor := ingest.New(st, assigner, c, log)
	analyst := analytics.New(st, c, cfg.OperationalWindow, cfg.OperationalSpan, cfg.ResultsCacheTTL, log)
	bulkWriter := bulk.New(st, c, log)

	// 3. Background workers. The partition layout must exist before the
	// first event lands, so Ensure runs synchronously even when the
	// periodic manager is disabled.
	mgr := partition.NewManager(st, cfg.PartitionsAhead, cfg.EventsRetentionDays,
		cfg.OutboxRetentionDays, cfg.PartitionCheckInterval, log)
	if err := mgr.Ensure(ctx); err != nil {
		return err
	}

	var workers sync.WaitGroup
	runWorker := func(f func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			f(ctx)
		}()
	}
	if cfg.PartitionEnabled {
		runWorker(mgr.Run)
	}
	if cfg.OutboxEnabled {
		pub := outbox.NewPublisher(st, bus, cfg.OutboxBatchSize,
			cfg.OutboxPollInterval, cfg.PublishTimeout, log)
		runWorker(pub.Run)
	}
	if cfg.RollupEnabled {
		builder := rollup.NewBuilder(st, cfg.RollupBatchSize, cfg.RollupPollInterval, log)
		runWorker(builder.Run)
	}

	// 4. HTTP server.
	srv := api.NewServer(api.Deps{
		Experiments: experiments,
		Assigner:    assigner,
		Ingestor:    ingestor,
		Analyst:     analyst,
		Bulk:        bulkWriter,
		Directory:   st,
		Cache:       c,
	}, api.Options{
		AuthCacheTTL:      cfg.AuthCacheTTL,
		RateLimitEnabled:  cfg.RateLimitEnabled,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitPeriod:   cfg.RateLimitPeriod,
		CORSOrigins:       cfg.CORSOrigins,
	}, log)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("bus", cfg.Bus).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		stop()
		workers.Wait()
		return err
	case <-ctx.Done():
	}

	// Stop accepting requests first; the workers observe the same context
	// cancellation and finish their current cycle before Wait returns.
	log.Info().Msg("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	workers.Wait()
	log.Info().Msg("stopped")
	return nil
}
