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

// Package rollup runs the analytical aggregation worker. It follows the
// outbox cursor: each pass consumes a window of published outbox rows and
// recomputes the events_rollup cells those rows touched, so the analytical
// tables trail the operational truth by at most one poll interval plus the
// publisher lag.
package rollup

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"abx/internal/experiments/store"
	"abx/internal/experiments/telemetry"
)

// Source is the slice of the store the builder needs. *store.Store
// satisfies it.
type Source interface {
	AdvanceRollup(ctx context.Context, batch int) (store.RollupProgress, error)
}

// Builder folds outbox progress into the analytical rollup.
type Builder struct {
	src          Source
	batchSize    int
	pollInterval time.Duration
	log          zerolog.Logger
}

// NewBuilder wires a builder to its store slice. batchSize is the outbox
// window per pass; pollInterval is the tick between passes.
func NewBuilder(src Source, batchSize int, pollInterval time.Duration, log zerolog.Logger) *Builder {
	return &Builder{
		src:          src,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		log:          log.With().Str("component", "rollup-builder").Logger(),
	}
}

// Run ticks until ctx is canceled, then performs one final catch-up pass on
// a fresh deadline so a clean shutdown leaves the rollup current.
func (b *Builder) Run(ctx context.Context) {
	b.log.Info().
		Int("batch_size", b.batchSize).
		Dur("poll_interval", b.pollInterval).
		Msg("rollup builder started")

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), b.pollInterval)
			b.Build(flushCtx)
			cancel()
			b.log.Info().Msg("rollup builder stopped")
			return
		case <-ticker.C:
			b.Build(ctx)
		}
	}
}

// Build consumes outbox windows until the builder has caught up with the
// publisher or a pass fails. A failed pass changes nothing: the cursor
// only moves inside a committed transaction, so the next tick retries the
// same window.
func (b *Builder) Build(ctx context.Context) (int, error) {
	slices := 0
	for {
		progress, err := b.src.AdvanceRollup(ctx, b.batchSize)
		if err != nil {
			b.log.Error().Err(err).Msg("rollup pass failed")
			return slices, err
		}
		slices += progress.Slices
		if progress.Slices > 0 {
			telemetry.RollupSlices.Add(float64(progress.Slices))
		}
		telemetry.RollupCursor.Set(float64(progress.Cursor))
		if progress.Consumed < b.batchSize {
			if slices > 0 {
				b.log.Debug().
					Int("slices", slices).
					Int64("cursor", progress.Cursor).
					Msg("rollup caught up")
			}
			return slices, nil
		}
	}
}
