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

// Package main provides the standalone outbox relay.
//
// It drains committed outbox rows onto the configured bus, nothing else.
// Run it next to API replicas that have OUTBOX_ENABLED=false to scale the
// publish path independently of request serving; SKIP LOCKED leasing in
// the store keeps concurrent relays off each other's rows.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"abx/internal/experiments/config"
	"abx/internal/experiments/outbox"
	"abx/internal/experiments/store"
)

func main() {
	cfg := config.Load()
	once := flag.Bool("once", false, "drain a single batch and exit instead of polling")
	flag.StringVar(&cfg.LogLevel, "log_level", cfg.LogLevel, "zerolog level (trace..panic)")
	flag.StringVar(&cfg.Bus, "bus", cfg.Bus, "outbox sink: kafka, file or log")
	flag.Parse()

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(lvl).With().
		Timestamp().Str("service", "abx-relay").Logger()

	if err := run(cfg, *once, log); err != nil {
		log.Fatal().Err(err).Msg("abx-relay exited")
	}
}

func run(cfg config.Config, once bool, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL, cfg.DatabasePoolSize, cfg.DBTimeout, log)
	if err != nil {
		return err
	}
	defer st.Close()

	bus, err := outbox.FromConfig(cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	pub := outbox.NewPublisher(st, bus, cfg.OutboxBatchSize,
		cfg.OutboxPollInterval, cfg.PublishTimeout, log)

	if once {
		n, err := pub.Drain(ctx)
		log.Info().Int("published", n).Msg("drained")
		return err
	}

	log.Info().Str("bus", cfg.Bus).Dur("poll", cfg.OutboxPollInterval).Msg("relay running")
	pub.Run(ctx)
	log.Info().Msg("stopped")
	return nil
}
