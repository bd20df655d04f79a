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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abx/internal/experiments/model"
)

// fakeSource mimics the store's lease semantics: hand a batch to publish,
// drop the acknowledged prefix, keep the rest pending.
type fakeSource struct {
	mu      sync.Mutex
	pending []model.OutboxRecord
	drains  int
}

func (s *fakeSource) DrainOutbox(ctx context.Context, limit int, publish func(context.Context, []model.OutboxRecord) ([]int64, error)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains++

	n := limit
	if n > len(s.pending) {
		n = len(s.pending)
	}
	if n == 0 {
		return 0, nil
	}
	batch := make([]model.OutboxRecord, n)
	copy(batch, s.pending[:n])

	ids, err := publish(ctx, batch)
	s.pending = s.pending[len(ids):]
	return len(ids), err
}

func (s *fakeSource) OutboxBacklog(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending)), nil
}

func (s *fakeSource) backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// fakeBus acknowledges records until it meets failID, then reports the
// prefix delivered so far plus an error.
type fakeBus struct {
	mu     sync.Mutex
	failID int64
	acked  []int64
}

func (b *fakeBus) Publish(ctx context.Context, recs []model.OutboxRecord) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int64, 0, len(recs))
	for i := range recs {
		if b.failID != 0 && recs[i].ID == b.failID {
			b.acked = append(b.acked, ids...)
			return ids, errors.New("broker down")
		}
		ids = append(ids, recs[i].ID)
	}
	b.acked = append(b.acked, ids...)
	return ids, nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failID = 0
}

func (b *fakeBus) ackedIDs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, len(b.acked))
	copy(out, b.acked)
	return out
}

// TestDrainEmptiesBacklogInOrder queues five records against a batch size
// of two and checks Drain keeps leasing until the table is empty, in id
// order, without duplicates.
func TestDrainEmptiesBacklogInOrder(t *testing.T) {
	src := &fakeSource{pending: outboxRecords(5)}
	bus := &fakeBus{}
	p := NewPublisher(src, bus, 2, time.Hour, 0, zerolog.Nop())

	n, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, bus.ackedIDs())
	assert.Equal(t, 0, src.backlog())
	// 2 + 2 + 1: the short final batch ends the loop.
	assert.Equal(t, 3, src.drains)
}

// TestDrainKeepsPrefixOnFailure fails publishing at record 3: the first two
// stay acknowledged, the rest stay pending, and a later drain against a
// healed bus delivers them exactly once.
func TestDrainKeepsPrefixOnFailure(t *testing.T) {
	src := &fakeSource{pending: outboxRecords(5)}
	bus := &fakeBus{failID: 3}
	p := NewPublisher(src, bus, 10, time.Hour, 0, zerolog.Nop())

	n, err := p.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, bus.ackedIDs())
	assert.Equal(t, 3, src.backlog())

	bus.heal()
	n, err = p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, bus.ackedIDs())
	assert.Equal(t, 0, src.backlog())
}

// TestRunFlushesOnShutdown cancels the context before the first tick; Run
// must still perform the shutdown drain so no committed record is left
// behind by a clean stop.
func TestRunFlushesOnShutdown(t *testing.T) {
	src := &fakeSource{pending: outboxRecords(3)}
	bus := &fakeBus{}
	p := NewPublisher(src, bus, 10, time.Hour, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)

	assert.Equal(t, []int64{1, 2, 3}, bus.ackedIDs())
	assert.Equal(t, 0, src.backlog())
}

// TestPublishTimeoutBoundsBusCall gives the bus a deadline and checks the
// publisher attaches one when configured.
func TestPublishTimeoutBoundsBusCall(t *testing.T) {
	var sawDeadline bool
	src := &fakeSource{pending: outboxRecords(1)}
	bus := busFunc(func(ctx context.Context, recs []model.OutboxRecord) ([]int64, error) {
		_, sawDeadline = ctx.Deadline()
		return []int64{recs[0].ID}, nil
	})
	p := NewPublisher(src, bus, 10, time.Hour, 250*time.Millisecond, zerolog.Nop())

	_, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, sawDeadline, "publish context should carry a deadline")
}

type busFunc func(ctx context.Context, recs []model.OutboxRecord) ([]int64, error)

func (f busFunc) Publish(ctx context.Context, recs []model.OutboxRecord) ([]int64, error) {
	return f(ctx, recs)
}

func (f busFunc) Close() error { return nil }
