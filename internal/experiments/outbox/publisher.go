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

package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"abx/internal/experiments/model"
	"abx/internal/experiments/telemetry"
)

// Source is the slice of the store the publisher needs: lease a batch,
// report the backlog. *store.Store satisfies it.
type Source interface {
	DrainOutbox(ctx context.Context, limit int, publish func(ctx context.Context, recs []model.OutboxRecord) ([]int64, error)) (int, error)
	OutboxBacklog(ctx context.Context) (int64, error)
}

// Publisher moves committed outbox rows onto the bus. Several publishers
// may run against the same table; SKIP LOCKED leasing in the store keeps
// them off each other's rows.
type Publisher struct {
	src            Source
	bus            Bus
	batchSize      int
	pollInterval   time.Duration
	publishTimeout time.Duration
	log            zerolog.Logger
}

// NewPublisher wires a publisher to its store slice and bus.
//
// batchSize is the lease size per drain; pollInterval is the tick between
// drains; publishTimeout bounds one bus call so a stuck broker cannot pin
// the lease transaction (0 means unbounded).
func NewPublisher(src Source, bus Bus, batchSize int, pollInterval, publishTimeout time.Duration, log zerolog.Logger) *Publisher {
	return &Publisher{
		src:            src,
		bus:            bus,
		batchSize:      batchSize,
		pollInterval:   pollInterval,
		publishTimeout: publishTimeout,
		log:            log.With().Str("component", "outbox-publisher").Logger(),
	}
}

// Run ticks until ctx is canceled, then attempts one final drain on a
// fresh deadline so a clean shutdown leaves no backlog behind.
func (p *Publisher) Run(ctx context.Context) {
	p.log.Info().
		Int("batch_size", p.batchSize).
		Dur("poll_interval", p.pollInterval).
		Msg("outbox publisher started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), p.pollInterval)
			p.Drain(flushCtx)
			cancel()
			p.log.Info().Msg("outbox publisher stopped")
			return
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain leases and publishes batches until the table is empty or a publish
// fails. A failure leaves the unacknowledged rows pending for the next
// tick, so one bad cycle delays delivery without losing anything.
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.src.DrainOutbox(ctx, p.batchSize, p.publish)
		total += n
		if n > 0 {
			telemetry.OutboxPublished.Add(float64(n))
		}
		if err != nil {
			telemetry.OutboxFailures.Inc()
			p.log.Error().Err(err).Int("published", n).Msg("outbox drain failed")
			p.gauge(ctx)
			return total, err
		}
		if n < p.batchSize {
			if total > 0 {
				p.log.Debug().Int("published", total).Msg("outbox drained")
			}
			p.gauge(ctx)
			return total, nil
		}
	}
}

func (p *Publisher) publish(ctx context.Context, recs []model.OutboxRecord) ([]int64, error) {
	if p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}
	return p.bus.Publish(ctx, recs)
}

func (p *Publisher) gauge(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if backlog, err := p.src.OutboxBacklog(ctx); err == nil {
		telemetry.OutboxBacklog.Set(float64(backlog))
	}
}
