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

// Package partition keeps the events table's monthly range partitions
// ahead of the clock and retires them once they age out of retention.
// Retirement is gated: a partition is only dropped when the rollup holds
// everything the partition could still contribute, so dropping raw events
// never loses analytical history.
package partition

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"abx/internal/experiments/store"
	"abx/internal/experiments/telemetry"
)

// Source is the slice of the store the manager needs. *store.Store
// satisfies it.
type Source interface {
	EnsureEventPartitions(ctx context.Context, now time.Time, ahead int) ([]string, error)
	ListEventPartitions(ctx context.Context) ([]store.EventPartition, error)
	UnconsumedOutboxInRange(ctx context.Context, from, to time.Time) (int64, error)
	RollupCoversRange(ctx context.Context, from, to time.Time) (bool, error)
	DropEventPartition(ctx context.Context, name string) error
	PurgeProcessedOutbox(ctx context.Context, before time.Time) (int64, error)
}

// Manager creates partitions ahead of time and sweeps expired ones.
type Manager struct {
	src           Source
	ahead         int
	retentionDays int
	outboxDays    int
	checkInterval time.Duration
	now           func() time.Time
	log           zerolog.Logger
}

// NewManager wires a manager to its store slice. ahead is how many future
// monthly partitions to keep ready; retentionDays is the event retention
// horizon (zero or negative keeps events forever); outboxDays is how long
// processed outbox rows are kept.
func NewManager(src Source, ahead, retentionDays, outboxDays int, checkInterval time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		src:           src,
		ahead:         ahead,
		retentionDays: retentionDays,
		outboxDays:    outboxDays,
		checkInterval: checkInterval,
		now:           time.Now,
		log:           log.With().Str("component", "partition-manager").Logger(),
	}
}

// Run performs one full pass immediately, then ticks until ctx is
// canceled. Callers that must not serve traffic before partitions exist
// run Ensure synchronously first; Run tolerates that, the extra pass is a
// no-op.
func (m *Manager) Run(ctx context.Context) {
	m.log.Info().
		Int("ahead", m.ahead).
		Int("retention_days", m.retentionDays).
		Dur("check_interval", m.checkInterval).
		Msg("partition manager started")

	m.pass(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("partition manager stopped")
			return
		case <-ticker.C:
			m.pass(ctx)
		}
	}
}

func (m *Manager) pass(ctx context.Context) {
	if err := m.Ensure(ctx); err != nil {
		m.log.Error().Err(err).Msg("ensure partitions failed")
	}
	if err := m.Sweep(ctx); err != nil {
		m.log.Error().Err(err).Msg("retention sweep failed")
	}
}

// Ensure creates the current month's partition and the configured number
// of future ones.
func (m *Manager) Ensure(ctx context.Context) error {
	created, err := m.src.EnsureEventPartitions(ctx, m.now(), m.ahead)
	if err != nil {
		return err
	}
	for _, name := range created {
		telemetry.PartitionOps.WithLabelValues("create").Inc()
		m.log.Info().Str("partition", name).Msg("created event partition")
	}
	return nil
}

// Sweep drops partitions whose entire range is older than the retention
// horizon and purges processed outbox rows past their own retention. A
// partition is only dropped when no outbox row covering its range awaits
// the rollup and the rollup holds a cell for every valid event in it; a
// partition failing either gate is left alone and retried next tick.
func (m *Manager) Sweep(ctx context.Context) error {
	if m.retentionDays > 0 {
		cutoff := m.now().UTC().AddDate(0, 0, -m.retentionDays)
		parts, err := m.src.ListEventPartitions(ctx)
		if err != nil {
			return err
		}
		for _, p := range parts {
			if p.To.After(cutoff) {
				continue
			}
			pending, err := m.src.UnconsumedOutboxInRange(ctx, p.From, p.To)
			if err != nil {
				return err
			}
			if pending > 0 {
				m.log.Warn().
					Str("partition", p.Name).
					Int64("pending", pending).
					Msg("retention deferred: outbox rows not folded into rollup")
				continue
			}
			covered, err := m.src.RollupCoversRange(ctx, p.From, p.To)
			if err != nil {
				return err
			}
			if !covered {
				m.log.Warn().
					Str("partition", p.Name).
					Msg("retention deferred: rollup does not cover partition")
				continue
			}
			if err := m.src.DropEventPartition(ctx, p.Name); err != nil {
				return err
			}
			telemetry.PartitionOps.WithLabelValues("drop").Inc()
			m.log.Info().Str("partition", p.Name).Msg("dropped expired event partition")
		}
	}

	if m.outboxDays > 0 {
		purged, err := m.src.PurgeProcessedOutbox(ctx, m.now().UTC().AddDate(0, 0, -m.outboxDays))
		if err != nil {
			return err
		}
		if purged > 0 {
			m.log.Info().Int64("rows", purged).Msg("purged processed outbox rows")
		}
	}
	return nil
}
