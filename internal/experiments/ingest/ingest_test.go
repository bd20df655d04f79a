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

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abx/internal/experiments/assign"
	"abx/internal/experiments/cache"
	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
)

type fakeRepo struct {
	exps        map[int64]*model.Experiment
	views       map[string]*model.AssignmentView
	events      []model.Event
	variantKeys []string
	batchErr    error
}

func (r *fakeRepo) GetExperiment(ctx context.Context, id int64) (*model.Experiment, error) {
	exp, ok := r.exps[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "experiment %d not found", id)
	}
	return exp, nil
}

func (r *fakeRepo) GetAssignmentViews(ctx context.Context, userID string, experimentIDs []int64) (map[int64]*model.AssignmentView, error) {
	out := make(map[int64]*model.AssignmentView)
	for _, id := range experimentIDs {
		if v, ok := r.views[model.AssignmentAggregateID(id, userID)]; ok {
			cp := *v
			out[id] = &cp
		}
	}
	return out, nil
}

func (r *fakeRepo) InsertEvent(ctx context.Context, e *model.Event, variantKey string) error {
	r.events = append(r.events, *e)
	r.variantKeys = append(r.variantKeys, variantKey)
	return nil
}

func (r *fakeRepo) InsertEventsBatch(ctx context.Context, events []model.Event, variantKeys []string) error {
	if r.batchErr != nil {
		return r.batchErr
	}
	r.events = append(r.events, events...)
	r.variantKeys = append(r.variantKeys, variantKeys...)
	return nil
}

type fakeResolver struct {
	views   map[string]*model.AssignmentView
	assigns int
	lookups int
}

func (r *fakeResolver) Lookup(ctx context.Context, experimentID int64, userID string) (*model.AssignmentView, error) {
	r.lookups++
	if v, ok := r.views[model.AssignmentAggregateID(experimentID, userID)]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, fault.New(fault.NotFound, "assignment not found")
}

func (r *fakeResolver) GetOrAssign(ctx context.Context, exp *model.Experiment, userID string, opts assign.Options) (*model.AssignmentView, error) {
	r.assigns++
	key := model.AssignmentAggregateID(exp.ID, userID)
	now := time.Now().UTC()
	if v, ok := r.views[key]; ok {
		if opts.Enroll && v.EnrolledAt == nil {
			v.EnrolledAt = &now
		}
		cp := *v
		return &cp, nil
	}
	v := &model.AssignmentView{
		ExperimentID: exp.ID,
		UserID:       userID,
		VariantID:    exp.Variants[0].ID,
		VariantKey:   exp.Variants[0].Key,
		IsControl:    exp.Variants[0].IsControl,
		AssignedAt:   now,
		Version:      exp.Version,
		Source:       model.SourceHash,
	}
	if opts.Enroll {
		v.EnrolledAt = &now
	}
	r.views[key] = v
	cp := *v
	return &cp, nil
}

func experiment(status model.Status) *model.Experiment {
	return &model.Experiment{
		ID:      7,
		Key:     "demo_color",
		Status:  status,
		Seed:    "demo-color-seed",
		Version: 1,
		Variants: []model.Variant{
			{ID: 1, ExperimentID: 7, Key: "control", AllocationPct: 33, IsControl: true},
			{ID: 2, ExperimentID: 7, Key: "blue", AllocationPct: 33},
			{ID: 3, ExperimentID: 7, Key: "red", AllocationPct: 34},
		},
	}
}

func assignedView(experimentID int64, userID string, at time.Time) *model.AssignmentView {
	return &model.AssignmentView{
		ExperimentID: experimentID,
		UserID:       userID,
		VariantID:    2,
		VariantKey:   "blue",
		AssignedAt:   at,
		Version:      1,
		Source:       model.SourceHash,
	}
}

func testService(t *testing.T, status model.Status) (*Service, *fakeRepo, *fakeResolver, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := cache.New(rdb, 200*time.Millisecond, zerolog.Nop())

	repo := &fakeRepo{
		exps:  map[int64]*model.Experiment{7: experiment(status)},
		views: map[string]*model.AssignmentView{},
	}
	resolver := &fakeResolver{views: map[string]*model.AssignmentView{}}
	return New(repo, resolver, c, zerolog.Nop()), repo, resolver, srv
}

// TestRecordExposureAssignsAndCounts sends a first exposure: the resolver
// must establish the assignment, the stored event must be valid, and the
// realtime counters must move.
func TestRecordExposureAssignsAndCounts(t *testing.T) {
	svc, repo, resolver, srv := testService(t, model.StatusActive)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)

	e, err := svc.Record(ctx, EventInput{
		ExperimentID: 7,
		UserID:       "user_42",
		EventType:    model.EventTypeExposure,
		Timestamp:    ts,
	})
	require.NoError(t, err)
	require.NotNil(t, e.VariantID)
	require.NotNil(t, e.AssignmentAt)
	assert.True(t, e.Valid())
	assert.Equal(t, 1, resolver.assigns)

	require.Len(t, repo.events, 1)
	assert.Equal(t, "control", repo.variantKeys[0])

	counter := cache.HourlyCounterKey(7, *e.VariantID, model.EventTypeExposure, ts)
	got, err := srv.Get(counter)
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	unique := cache.DailyUniqueKey(7, *e.VariantID, model.EventTypeExposure, ts)
	assert.True(t, srv.Exists(unique))
}

// TestRecordWithoutAssignmentStoresInvalid records a conversion for a user
// that was never assigned: the event lands with no variant and is counted
// as invalid, and the resolver must not mint an assignment for it.
func TestRecordWithoutAssignmentStoresInvalid(t *testing.T) {
	svc, repo, resolver, srv := testService(t, model.StatusActive)

	e, err := svc.Record(context.Background(), EventInput{
		ExperimentID: 7,
		UserID:       "user_drive_by",
		EventType:    model.EventTypeConversion,
	})
	require.NoError(t, err)
	assert.Nil(t, e.VariantID)
	assert.Nil(t, e.AssignmentAt)
	assert.False(t, e.Valid())
	assert.Zero(t, resolver.assigns)
	require.Len(t, repo.events, 1)
	assert.Equal(t, "", repo.variantKeys[0])
	assert.Empty(t, srv.Keys(), "no realtime counters for invalid events")
}

// TestRecordPreAssignmentTrafficInvalid replays an event stamped before
// the user's assignment; it must be stored but flagged invalid.
func TestRecordPreAssignmentTrafficInvalid(t *testing.T) {
	svc, repo, resolver, _ := testService(t, model.StatusActive)
	assignedAt := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	resolver.views[model.AssignmentAggregateID(7, "user_42")] = assignedView(7, "user_42", assignedAt)

	e, err := svc.Record(context.Background(), EventInput{
		ExperimentID: 7,
		UserID:       "user_42",
		EventType:    model.EventTypeConversion,
		Timestamp:    assignedAt.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NotNil(t, e.AssignmentAt)
	assert.False(t, e.Valid())
	require.Len(t, repo.events, 1)
}

// TestRecordStatusGate: draft and archived refuse events, paused accepts
// them without touching enrollment or creating assignments.
func TestRecordStatusGate(t *testing.T) {
	for _, status := range []model.Status{model.StatusDraft, model.StatusArchived} {
		t.Run(string(status), func(t *testing.T) {
			svc, repo, _, _ := testService(t, status)
			_, err := svc.Record(context.Background(), EventInput{
				ExperimentID: 7, UserID: "user_42", EventType: model.EventTypeExposure,
			})
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.PreconditionFailed), "got %v", err)
			assert.Empty(t, repo.events)
		})
	}

	t.Run("paused", func(t *testing.T) {
		svc, repo, resolver, _ := testService(t, model.StatusPaused)
		assignedAt := time.Now().UTC().Add(-time.Hour)
		resolver.views[model.AssignmentAggregateID(7, "user_42")] = assignedView(7, "user_42", assignedAt)

		e, err := svc.Record(context.Background(), EventInput{
			ExperimentID: 7, UserID: "user_42", EventType: model.EventTypeExposure,
		})
		require.NoError(t, err)
		assert.True(t, e.Valid())
		assert.Zero(t, resolver.assigns, "paused experiments never go through the assigning path")
		assert.Equal(t, 1, resolver.lookups)
		require.Len(t, repo.events, 1)
	})
}

func TestRecordValidation(t *testing.T) {
	svc, _, _, _ := testService(t, model.StatusActive)
	ctx := context.Background()

	cases := []EventInput{
		{UserID: "u", EventType: "exposure"},
		{ExperimentID: 7, EventType: "exposure"},
		{ExperimentID: 7, UserID: "u"},
	}
	for i, in := range cases {
		_, err := svc.Record(ctx, in)
		require.Error(t, err, "case %d", i)
		assert.True(t, fault.Is(err, fault.Validation), "case %d: got %v", i, err)
	}
}

// TestRecordBatchDenormalizesWithoutCreating submits a mixed batch: the
// assigned user's events come out valid, the stranger's invalid, and the
// resolver is never consulted.
func TestRecordBatchDenormalizesWithoutCreating(t *testing.T) {
	svc, repo, resolver, _ := testService(t, model.StatusActive)
	assignedAt := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	repo.views = map[string]*model.AssignmentView{
		model.AssignmentAggregateID(7, "user_42"): assignedView(7, "user_42", assignedAt),
	}

	ts := assignedAt.Add(time.Hour)
	res, err := svc.RecordBatch(context.Background(), []EventInput{
		{ExperimentID: 7, UserID: "user_42", EventType: "exposure", Timestamp: ts},
		{ExperimentID: 7, UserID: "user_42", EventType: "conversion", Timestamp: ts.Add(time.Minute)},
		{ExperimentID: 7, UserID: "user_stranger", EventType: "conversion", Timestamp: ts},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Recorded)
	assert.Equal(t, 2, res.Valid)
	assert.Equal(t, 1, res.Invalid)
	require.Len(t, res.Events, 3)
	assert.NotEqual(t, uuid.Nil, res.Events[0].ID)

	assert.Zero(t, resolver.assigns)
	assert.Zero(t, resolver.lookups)
	require.Len(t, repo.events, 3)
	assert.Equal(t, []string{"blue", "blue", ""}, repo.variantKeys)
}

// TestRecordBatchAllOrNothing propagates a storage failure for the whole
// batch; nothing is reported accepted.
func TestRecordBatchAllOrNothing(t *testing.T) {
	svc, repo, _, _ := testService(t, model.StatusActive)
	repo.batchErr = fault.New(fault.Validation, "user user_ghost does not exist")

	res, err := svc.RecordBatch(context.Background(), []EventInput{
		{ExperimentID: 7, UserID: "user_42", EventType: "conversion"},
		{ExperimentID: 7, UserID: "user_ghost", EventType: "conversion"},
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, fault.Is(err, fault.Validation), "got %v", err)
}

func TestRecordBatchBounds(t *testing.T) {
	svc, _, _, _ := testService(t, model.StatusActive)
	ctx := context.Background()

	_, err := svc.RecordBatch(ctx, nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation), "got %v", err)

	huge := make([]EventInput, MaxBatch+1)
	for i := range huge {
		huge[i] = EventInput{ExperimentID: 7, UserID: "u", EventType: "x"}
	}
	_, err = svc.RecordBatch(ctx, huge)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation), "got %v", err)
}

// TestRecordBatchRejectsUnknownExperiment fails fast before any insert.
func TestRecordBatchRejectsUnknownExperiment(t *testing.T) {
	svc, repo, _, _ := testService(t, model.StatusActive)

	_, err := svc.RecordBatch(context.Background(), []EventInput{
		{ExperimentID: 404, UserID: "user_42", EventType: "conversion"},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.NotFound), "got %v", err)
	assert.Empty(t, repo.events)
}
