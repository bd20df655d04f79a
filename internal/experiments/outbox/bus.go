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

// Package outbox delivers change-data-capture records from the relational
// outbox to a bus. The domain write path only ever appends rows; this
// package owns everything after the commit: leasing, publishing,
// acknowledging and the backpressure gauge.
package outbox

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"abx/internal/experiments/config"
	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
)

// Bus is a destination for outbox records. Publish delivers records in
// slice order and returns the ids acknowledged by the sink; the returned
// ids must be a prefix of the batch so per-aggregate order survives a
// partial failure. Records past the prefix stay pending and are retried,
// so every sink is at-least-once and consumers dedupe by id.
type Bus interface {
	Publish(ctx context.Context, recs []model.OutboxRecord) ([]int64, error)
	Close() error
}

// FromConfig builds the bus named by cfg.Bus.
func FromConfig(cfg config.Config, log zerolog.Logger) (Bus, error) {
	switch cfg.Bus {
	case "kafka":
		return NewKafka(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
	case "file":
		return NewFile(cfg.BusFilePath)
	case "log":
		return NewLog(log), nil
	}
	return nil, fault.New(fault.Validation, "unknown outbox bus %q", cfg.Bus)
}

// Topic maps an aggregate type to its bus topic, e.g.
// "experiments.assignment" and "experiments.event".
func Topic(prefix, aggregateType string) string {
	return prefix + "." + aggregateType
}

// KafkaBus publishes records to per-aggregate Kafka topics, keyed by
// aggregate id so one aggregate's records land on one partition in order.
type KafkaBus struct {
	client *kgo.Client
	prefix string
}

// NewKafka connects a producer to the bootstrap brokers. Topics are
// auto-created on first publish; the idempotent producer keeps per-partition
// order across retries.
func NewKafka(brokers []string, topicPrefix string) (*KafkaBus, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "connect kafka")
	}
	return &KafkaBus{client: client, prefix: topicPrefix}, nil
}

// Publish produces the whole batch, flushes, and acknowledges the longest
// prefix that reached the brokers.
func (b *KafkaBus) Publish(ctx context.Context, recs []model.OutboxRecord) ([]int64, error) {
	kre := make([]*kgo.Record, len(recs))
	for i := range recs {
		body, err := json.Marshal(&recs[i])
		if err != nil {
			return nil, fault.Wrap(fault.Internal, err, "encode outbox record %d", recs[i].ID)
		}
		kre[i] = &kgo.Record{
			Topic: Topic(b.prefix, recs[i].AggregateType),
			Key:   []byte(recs[i].AggregateID),
			Value: body,
		}
	}

	results := b.client.ProduceSync(ctx, kre...)
	failed := make(map[*kgo.Record]error, len(results))
	for _, res := range results {
		if res.Err != nil {
			failed[res.Record] = res.Err
		}
	}

	acked := make([]int64, 0, len(recs))
	for i := range kre {
		if err, ok := failed[kre[i]]; ok {
			// Later records for other partitions may have landed; they will
			// be produced again on retry, which at-least-once allows.
			return acked, fault.Wrap(fault.Unavailable, err, "kafka publish record %d", recs[i].ID)
		}
		acked = append(acked, recs[i].ID)
	}
	return acked, nil
}

func (b *KafkaBus) Close() error {
	b.client.Close()
	return nil
}

// FileBus appends records as NDJSON. It exists for local runs and for
// feeding captured traffic back through tools; it is durable only up to
// the fsync per batch.
type FileBus struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFile opens (or creates) the NDJSON sink at path.
func NewFile(path string) (*FileBus, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "open outbox file %s", path)
	}
	return &FileBus{f: f, enc: json.NewEncoder(f)}, nil
}

// Publish appends one JSON line per record and fsyncs once at the end. A
// failed fsync acknowledges nothing: the whole batch is retried and readers
// dedupe by id.
func (b *FileBus) Publish(ctx context.Context, recs []model.OutboxRecord) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	acked := make([]int64, 0, len(recs))
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return acked, fault.Wrap(fault.Unavailable, err, "append outbox file")
		}
		if err := b.enc.Encode(&recs[i]); err != nil {
			return acked, fault.Wrap(fault.Unavailable, err, "append outbox file")
		}
		acked = append(acked, recs[i].ID)
	}
	if err := b.f.Sync(); err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "sync outbox file")
	}
	return acked, nil
}

func (b *FileBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Close()
}

// LogBus writes each record to the structured log. It is the default bus
// so a bare `abx-api` run shows the event stream without any broker.
type LogBus struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *LogBus {
	return &LogBus{log: log}
}

func (b *LogBus) Publish(ctx context.Context, recs []model.OutboxRecord) ([]int64, error) {
	acked := make([]int64, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		b.log.Info().
			Int64("outbox_id", rec.ID).
			Str("aggregate_type", rec.AggregateType).
			Str("aggregate_id", rec.AggregateID).
			Str("event_type", rec.EventType).
			RawJSON("payload", rec.Payload).
			Msg("outbox publish")
		acked = append(acked, rec.ID)
	}
	return acked, nil
}

func (b *LogBus) Close() error { return nil }
