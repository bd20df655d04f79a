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

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abx/internal/experiments/cache"
	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
	"abx/internal/experiments/store"
)

type fakeRepo struct {
	err        error
	version    int
	created    []*model.Experiment
	activates  int
	pauses     int
	archives   int
	deletes    int
	rebalances int
	metaCalls  int
}

func (f *fakeRepo) CreateExperiment(_ context.Context, exp *model.Experiment) error {
	if f.err != nil {
		return f.err
	}
	exp.ID = int64(len(f.created) + 1)
	exp.Status = model.StatusDraft
	f.created = append(f.created, exp)
	return nil
}

func (f *fakeRepo) GetExperiment(_ context.Context, id int64) (*model.Experiment, error) {
	return nil, fault.New(fault.NotFound, "experiment %d", id)
}

func (f *fakeRepo) GetExperimentByKey(_ context.Context, key string) (*model.Experiment, error) {
	return nil, fault.New(fault.NotFound, "experiment %q", key)
}

func (f *fakeRepo) ListExperiments(_ context.Context, _ model.Status, _, _ int) ([]model.Experiment, error) {
	return nil, f.err
}

func (f *fakeRepo) UpdateExperimentMeta(_ context.Context, id int64, _ store.ExperimentPatch) (*model.Experiment, error) {
	f.metaCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.Experiment{ID: id}, nil
}

func (f *fakeRepo) UpdateVariantAllocations(_ context.Context, _ int64, _ []store.Allocation) (int, error) {
	f.rebalances++
	if f.err != nil {
		return 0, f.err
	}
	f.version++
	return f.version, nil
}

func (f *fakeRepo) ActivateExperiment(_ context.Context, _ int64) (int, error) {
	f.activates++
	if f.err != nil {
		return 0, f.err
	}
	f.version++
	return f.version, nil
}

func (f *fakeRepo) PauseExperiment(_ context.Context, _ int64) error   { f.pauses++; return f.err }
func (f *fakeRepo) ArchiveExperiment(_ context.Context, _ int64) error { f.archives++; return f.err }
func (f *fakeRepo) DeleteExperiment(_ context.Context, _ int64) error  { f.deletes++; return f.err }

func testService(t *testing.T) (*Service, *fakeRepo, *cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := cache.New(rdb, 200*time.Millisecond, zerolog.Nop())
	repo := &fakeRepo{}
	return New(repo, c, zerolog.Nop()), repo, c, srv
}

// seedCaches plants one assignment view and one report for experiment 7
// plus a neighbor under experiment 8 that must survive every invalidation.
func seedCaches(t *testing.T, c *cache.Cache) {
	t.Helper()
	ctx := context.Background()
	c.SetJSON(ctx, cache.AssignmentKey(7, "user_42"), map[string]any{"variant_id": 1}, time.Hour)
	c.SetJSON(ctx, cache.ResultsKey(7, "abcd1234"), map[string]any{"cached": true}, time.Hour)
	c.SetJSON(ctx, cache.AssignmentKey(8, "user_42"), map[string]any{"variant_id": 9}, time.Hour)
}

func cacheHas(c *cache.Cache, key string) bool {
	var v map[string]any
	return c.GetJSON(context.Background(), key, &v)
}

func validDraft() *model.Experiment {
	return &model.Experiment{
		Key:  "demo_color",
		Name: "Demo color",
		Variants: []model.Variant{
			{Key: "control", Name: "Control", AllocationPct: 34, IsControl: true},
			{Key: "blue", Name: "Blue", AllocationPct: 33},
			{Key: "red", Name: "Red", AllocationPct: 33},
		},
	}
}

func TestCreateDefaultsSeedToKey(t *testing.T) {
	s, repo, _, _ := testService(t)

	exp := validDraft()
	require.NoError(t, s.Create(context.Background(), exp))
	assert.Equal(t, "demo_color", exp.Seed)
	assert.Len(t, repo.created, 1)

	withSeed := validDraft()
	withSeed.Key = "demo_color_2"
	withSeed.Seed = "pinned-seed"
	require.NoError(t, s.Create(context.Background(), withSeed))
	assert.Equal(t, "pinned-seed", withSeed.Seed)
}

func TestCreateValidation(t *testing.T) {
	s, repo, _, _ := testService(t)
	ctx := context.Background()

	cases := map[string]func(*model.Experiment){
		"uppercase key":  func(e *model.Experiment) { e.Key = "Demo" },
		"spaced key":     func(e *model.Experiment) { e.Key = "demo color" },
		"empty key":      func(e *model.Experiment) { e.Key = "" },
		"empty name":     func(e *model.Experiment) { e.Name = "" },
		"created active": func(e *model.Experiment) { e.Status = model.StatusActive },
		"two controls":   func(e *model.Experiment) { e.Variants[1].IsControl = true },
		"no control":     func(e *model.Experiment) { e.Variants[0].IsControl = false },
		"pct range":      func(e *model.Experiment) { e.Variants[0].AllocationPct = 101 },
		"bad variant":    func(e *model.Experiment) { e.Variants[0].Key = "Control!" },
		"window order": func(e *model.Experiment) {
			at := time.Now()
			e.StartsAt, e.EndsAt = &at, &at
		},
	}
	for name, mutate := range cases {
		exp := validDraft()
		mutate(exp)
		err := s.Create(ctx, exp)
		assert.True(t, fault.Is(err, fault.Validation), "%s: got %v", name, err)
	}
	assert.Empty(t, repo.created, "invalid experiments must not reach the store")
}

func TestActivateInvalidatesExperimentCaches(t *testing.T) {
	s, repo, c, _ := testService(t)
	seedCaches(t, c)

	version, err := s.Activate(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Equal(t, 1, repo.activates)

	assert.False(t, cacheHas(c, cache.AssignmentKey(7, "user_42")))
	assert.False(t, cacheHas(c, cache.ResultsKey(7, "abcd1234")))
	assert.True(t, cacheHas(c, cache.AssignmentKey(8, "user_42")), "other experiments keep their cache")
}

func TestUpdateAllocationsInvalidates(t *testing.T) {
	s, _, c, _ := testService(t)
	seedCaches(t, c)

	version, err := s.UpdateAllocations(context.Background(), 7, []store.Allocation{
		{VariantID: 1, AllocationPct: 50},
		{VariantID: 2, AllocationPct: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.False(t, cacheHas(c, cache.AssignmentKey(7, "user_42")))
	assert.False(t, cacheHas(c, cache.ResultsKey(7, "abcd1234")))
}

func TestPauseKeepsAssignmentsCached(t *testing.T) {
	s, repo, c, _ := testService(t)
	seedCaches(t, c)

	require.NoError(t, s.Pause(context.Background(), 7))
	assert.Equal(t, 1, repo.pauses)

	// Assignments stay sticky through a pause; only reports go stale.
	assert.True(t, cacheHas(c, cache.AssignmentKey(7, "user_42")))
	assert.False(t, cacheHas(c, cache.ResultsKey(7, "abcd1234")))
}

func TestArchiveKeepsAssignmentsCached(t *testing.T) {
	s, _, c, _ := testService(t)
	seedCaches(t, c)

	require.NoError(t, s.Archive(context.Background(), 7))
	assert.True(t, cacheHas(c, cache.AssignmentKey(7, "user_42")))
	assert.False(t, cacheHas(c, cache.ResultsKey(7, "abcd1234")))
}

func TestDeleteInvalidatesEverything(t *testing.T) {
	s, repo, c, _ := testService(t)
	seedCaches(t, c)

	require.NoError(t, s.Delete(context.Background(), 7))
	assert.Equal(t, 1, repo.deletes)
	assert.False(t, cacheHas(c, cache.AssignmentKey(7, "user_42")))
	assert.False(t, cacheHas(c, cache.ResultsKey(7, "abcd1234")))
	assert.True(t, cacheHas(c, cache.AssignmentKey(8, "user_42")))
}

func TestTransitionFailureLeavesCacheAlone(t *testing.T) {
	s, repo, c, _ := testService(t)
	repo.err = fault.New(fault.PreconditionFailed, "cannot activate archived experiment 7")
	seedCaches(t, c)

	_, err := s.Activate(context.Background(), 7)
	assert.True(t, fault.Is(err, fault.PreconditionFailed))
	assert.True(t, cacheHas(c, cache.AssignmentKey(7, "user_42")))
	assert.True(t, cacheHas(c, cache.ResultsKey(7, "abcd1234")))
}

func TestListRejectsUnknownStatus(t *testing.T) {
	s, _, _, _ := testService(t)
	_, err := s.List(context.Background(), model.Status("cancelled"), 10, 0)
	assert.True(t, fault.Is(err, fault.Validation))
}

func TestUpdateMetaWindowOrder(t *testing.T) {
	s, repo, _, _ := testService(t)
	at := time.Now()
	_, err := s.UpdateMeta(context.Background(), 7, store.ExperimentPatch{StartsAt: &at, EndsAt: &at})
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Zero(t, repo.metaCalls)
}
