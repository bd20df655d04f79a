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

package analytics

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

var reportNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeRepo struct {
	opCounts []store.VariantCounts
	rlCounts []store.VariantCounts
	opSeries []store.TimePoint
	rlSeries []store.TimePoint
	funnel   []store.FunnelStep

	opCalls       int
	rlCalls       int
	opSeriesCalls int
	rlSeriesCalls int
	funnelCalls   int
	lastGran      string
	lastFilter    store.MetricsFilter
	lastSteps     []string
}

func (f *fakeRepo) VariantCountsOperational(_ context.Context, flt store.MetricsFilter) ([]store.VariantCounts, error) {
	f.opCalls++
	f.lastFilter = flt
	return f.opCounts, nil
}

func (f *fakeRepo) VariantCountsRollup(_ context.Context, flt store.MetricsFilter) ([]store.VariantCounts, error) {
	f.rlCalls++
	f.lastFilter = flt
	return f.rlCounts, nil
}

func (f *fakeRepo) TimeSeriesOperational(_ context.Context, _ store.MetricsFilter, granularity string) ([]store.TimePoint, error) {
	f.opSeriesCalls++
	f.lastGran = granularity
	return f.opSeries, nil
}

func (f *fakeRepo) TimeSeriesRollup(_ context.Context, _ store.MetricsFilter) ([]store.TimePoint, error) {
	f.rlSeriesCalls++
	return f.rlSeries, nil
}

func (f *fakeRepo) FunnelCounts(_ context.Context, _ int64, steps []string, _, _ time.Time) ([]store.FunnelStep, error) {
	f.funnelCalls++
	f.lastSteps = steps
	return f.funnel, nil
}

func testReportService(t *testing.T, repo *fakeRepo) (*Service, *cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := cache.New(rdb, 200*time.Millisecond, zerolog.Nop())

	s := New(repo, c, time.Hour, 30*24*time.Hour, time.Minute, zerolog.Nop())
	s.now = func() time.Time { return reportNow }
	return s, c, srv
}

func reportExperiment(startedAgo time.Duration) *model.Experiment {
	start := reportNow.Add(-startedAgo)
	created := start.Add(-time.Hour)
	return &model.Experiment{
		ID: 7, Key: "demo_color", Status: model.StatusActive,
		Seed: "demo-color-seed", Version: 1,
		StartsAt: &start, CreatedAt: created, UpdatedAt: created,
		Variants: []model.Variant{
			{ID: 1, ExperimentID: 7, Key: "control", IsControl: true, AllocationPct: 33},
			{ID: 2, ExperimentID: 7, Key: "blue", AllocationPct: 33},
			{ID: 3, ExperimentID: 7, Key: "red", AllocationPct: 34},
		},
	}
}

func twoArmCounts(controlUsers, controlConv, blueUsers, blueConv int64) []store.VariantCounts {
	return []store.VariantCounts{
		{VariantID: 1, VariantKey: "control", IsControl: true, UniqueUsers: controlUsers, EventCount: controlUsers * 3, Conversions: controlConv},
		{VariantID: 2, VariantKey: "blue", UniqueUsers: blueUsers, EventCount: blueUsers * 3, Conversions: blueConv},
	}
}

func TestRouteByWindow(t *testing.T) {
	repo := &fakeRepo{}
	s, _, _ := testReportService(t, repo)

	fresh := Params{Start: reportNow.Add(-30 * time.Minute), End: reportNow}
	assert.Equal(t, SourceOperational, s.route(fresh))

	stale := Params{Start: reportNow.Add(-2 * time.Hour), End: reportNow}
	assert.Equal(t, SourceRollup, s.route(stale))

	wide := Params{Start: reportNow.Add(-40 * 24 * time.Hour), End: reportNow.Add(-35 * 24 * time.Hour)}
	assert.Equal(t, SourceRollup, s.route(wide))

	// A property filter needs raw rows regardless of age.
	filtered := Params{
		Start:    reportNow.Add(-2 * time.Hour),
		End:      reportNow,
		Property: model.JSONMap{"plan": "pro"},
	}
	assert.Equal(t, SourceOperational, s.route(filtered))
}

func TestBuildReportComputesComparison(t *testing.T) {
	repo := &fakeRepo{opCounts: twoArmCounts(1000, 100, 1000, 130)}
	s, _, _ := testReportService(t, repo)
	exp := reportExperiment(30 * time.Minute)

	rep, err := s.BuildReport(context.Background(), exp, Params{})
	require.NoError(t, err)

	assert.Equal(t, SourceOperational, rep.Source)
	assert.Equal(t, 1, repo.opCalls)
	assert.Zero(t, repo.rlCalls)
	assert.False(t, rep.Cached)
	require.Len(t, rep.Variants, 2)

	ctrl, blue := rep.Variants[0], rep.Variants[1]
	assert.True(t, ctrl.IsControl)
	assert.InDelta(t, 0.10, ctrl.ConversionRate, 1e-12)
	assert.Equal(t, SampleAdequate, ctrl.SampleAdequacy)
	require.NotNil(t, ctrl.CILower)
	require.NotNil(t, ctrl.CIUpper)
	assert.Less(t, *ctrl.CILower, 0.10)
	assert.Greater(t, *ctrl.CIUpper, 0.10)
	assert.Nil(t, ctrl.PValue, "control is the baseline, not a comparison")

	assert.InDelta(t, 0.13, blue.ConversionRate, 1e-12)
	require.NotNil(t, blue.PValue)
	require.NotNil(t, blue.ZScore)
	require.NotNil(t, blue.IsSignificant)
	require.NotNil(t, blue.LiftVsControl)
	require.NotNil(t, blue.Power)
	assert.Less(t, *blue.PValue, 0.05)
	assert.True(t, *blue.IsSignificant)
	assert.InDelta(t, 0.3, *blue.LiftVsControl, 1e-9)
	assert.Greater(t, *blue.Power, 0.0)

	assert.Equal(t, int64(2000), rep.Summary.TotalUsers)
	assert.Equal(t, 2, rep.Summary.TotalVariants)
	assert.Equal(t, "blue", rep.Summary.BestVariant)
	assert.InDelta(t, 0.13, rep.Summary.BestConversionRate, 1e-12)
	assert.Equal(t, 1, rep.Summary.SignificantImprovements)
	assert.Equal(t, "Deploy blue - significant improvement detected", rep.Summary.Recommendation)
}

func TestBuildReportNoSignificance(t *testing.T) {
	repo := &fakeRepo{opCounts: twoArmCounts(1000, 100, 1000, 103)}
	s, _, _ := testReportService(t, repo)

	rep, err := s.BuildReport(context.Background(), reportExperiment(30*time.Minute), Params{})
	require.NoError(t, err)

	blue := rep.Variants[1]
	require.NotNil(t, blue.IsSignificant)
	assert.False(t, *blue.IsSignificant)
	assert.Zero(t, rep.Summary.SignificantImprovements)
	assert.Equal(t, "Continue experiment - no significant difference detected yet", rep.Summary.Recommendation)
}

func TestBuildReportMinSampleGate(t *testing.T) {
	repo := &fakeRepo{opCounts: twoArmCounts(1000, 100, 50, 30)}
	s, _, _ := testReportService(t, repo)

	rep, err := s.BuildReport(context.Background(), reportExperiment(30*time.Minute), Params{})
	require.NoError(t, err)

	blue := rep.Variants[1]
	assert.Equal(t, SampleInsufficient, blue.SampleAdequacy)
	assert.Equal(t, int64(50), blue.UniqueUsers)
	assert.Equal(t, int64(30), blue.Conversions)
	assert.InDelta(t, 0.6, blue.ConversionRate, 1e-12)
	assert.Nil(t, blue.CILower)
	assert.Nil(t, blue.PValue)
	assert.Nil(t, blue.LiftVsControl)

	// Raw totals still include the small arm.
	assert.Equal(t, int64(1050), rep.Summary.TotalUsers)
	assert.Equal(t, "control", rep.Summary.BestVariant)
	assert.Equal(t, "Continue experiment - no significant difference detected yet", rep.Summary.Recommendation)
}

func TestBuildReportInsufficientControl(t *testing.T) {
	// An under-sampled control cannot serve as the baseline; adequate
	// treatments still report their own interval.
	repo := &fakeRepo{opCounts: twoArmCounts(40, 4, 1000, 130)}
	s, _, _ := testReportService(t, repo)

	rep, err := s.BuildReport(context.Background(), reportExperiment(30*time.Minute), Params{})
	require.NoError(t, err)

	ctrl, blue := rep.Variants[0], rep.Variants[1]
	assert.Equal(t, SampleInsufficient, ctrl.SampleAdequacy)
	assert.NotNil(t, blue.CILower)
	assert.Nil(t, blue.PValue)
	assert.Nil(t, blue.LiftVsControl)
	assert.Equal(t, "blue", rep.Summary.BestVariant)
}

func TestBuildReportAllBelowMinSample(t *testing.T) {
	repo := &fakeRepo{opCounts: twoArmCounts(40, 4, 50, 30)}
	s, _, _ := testReportService(t, repo)

	rep, err := s.BuildReport(context.Background(), reportExperiment(30*time.Minute), Params{})
	require.NoError(t, err)

	assert.Empty(t, rep.Summary.BestVariant)
	assert.Equal(t, "Collect more data - no variant has reached the minimum sample size", rep.Summary.Recommendation)
}

func TestBuildReportCustomMinSample(t *testing.T) {
	repo := &fakeRepo{opCounts: twoArmCounts(40, 4, 50, 10)}
	s, _, _ := testReportService(t, repo)

	rep, err := s.BuildReport(context.Background(), reportExperiment(30*time.Minute), Params{MinSample: 30})
	require.NoError(t, err)

	assert.Equal(t, SampleAdequate, rep.Variants[0].SampleAdequacy)
	assert.Equal(t, SampleAdequate, rep.Variants[1].SampleAdequacy)
	assert.NotNil(t, rep.Variants[1].PValue)
}

func TestBuildReportCacheRoundTrip(t *testing.T) {
	repo := &fakeRepo{opCounts: twoArmCounts(1000, 100, 1000, 130)}
	s, _, _ := testReportService(t, repo)
	exp := reportExperiment(30 * time.Minute)
	p := Params{}

	first, err := s.BuildReport(context.Background(), exp, p)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := s.BuildReport(context.Background(), exp, p)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, repo.opCalls, "second report must come from cache")
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.Variants, second.Variants)

	// Any parameter change is a different cache entry.
	_, err = s.BuildReport(context.Background(), exp, Params{MinSample: 200})
	require.NoError(t, err)
	assert.Equal(t, 2, repo.opCalls)

	// So is a lifecycle version bump.
	bumped := *exp
	bumped.Version = 2
	_, err = s.BuildReport(context.Background(), &bumped, p)
	require.NoError(t, err)
	assert.Equal(t, 3, repo.opCalls)
}

func TestBuildReportPathsAgree(t *testing.T) {
	// The rollup path must reproduce the operational numbers when both
	// hold the same truth.
	counts := twoArmCounts(1000, 100, 1000, 130)
	repo := &fakeRepo{opCounts: counts, rlCounts: counts}
	s, _, _ := testReportService(t, repo)
	exp := reportExperiment(30 * time.Minute)

	op, err := s.BuildReport(context.Background(), exp, Params{
		Start: reportNow.Add(-30 * time.Minute),
	})
	require.NoError(t, err)
	rl, err := s.BuildReport(context.Background(), exp, Params{
		Start: reportNow.Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, SourceOperational, op.Source)
	assert.Equal(t, SourceRollup, rl.Source)
	require.Len(t, rl.Variants, len(op.Variants))
	for i := range op.Variants {
		a, b := op.Variants[i], rl.Variants[i]
		assert.Equal(t, a.VariantKey, b.VariantKey)
		assert.InDelta(t, a.ConversionRate, b.ConversionRate, 1e-9)
		assert.InDelta(t, *a.CILower, *b.CILower, 1e-9)
		assert.InDelta(t, *a.CIUpper, *b.CIUpper, 1e-9)
		if a.PValue != nil {
			assert.InDelta(t, *a.PValue, *b.PValue, 1e-9)
		}
	}
	assert.Equal(t, op.Summary, rl.Summary)
}

func TestBuildReportSeriesRouting(t *testing.T) {
	repo := &fakeRepo{
		opCounts: twoArmCounts(1000, 100, 1000, 130),
		rlCounts: twoArmCounts(1000, 100, 1000, 130),
		opSeries: []store.TimePoint{{VariantID: 1, Bucket: reportNow.Truncate(time.Hour), EventCount: 42}},
		rlSeries: []store.TimePoint{{VariantID: 1, Bucket: reportNow.Truncate(24 * time.Hour), EventCount: 99}},
	}
	s, _, _ := testReportService(t, repo)
	exp := reportExperiment(30 * time.Minute)

	rep, err := s.BuildReport(context.Background(), exp, Params{
		Start: reportNow.Add(-2 * time.Hour), Granularity: GranularityDay,
	})
	require.NoError(t, err)
	assert.Equal(t, SourceRollup, rep.Source)
	assert.Equal(t, 1, repo.rlSeriesCalls)
	require.Len(t, rep.TimeSeries, 1)
	assert.Equal(t, int64(99), rep.TimeSeries[0].EventCount)

	// Hourly buckets exist only in the events table, whatever the source.
	rep, err = s.BuildReport(context.Background(), exp, Params{
		Start: reportNow.Add(-2 * time.Hour), Granularity: GranularityHour,
	})
	require.NoError(t, err)
	assert.Equal(t, SourceRollup, rep.Source)
	assert.Equal(t, 1, repo.opSeriesCalls)
	assert.Equal(t, GranularityHour, repo.lastGran)
	require.Len(t, rep.TimeSeries, 1)
	assert.Equal(t, int64(42), rep.TimeSeries[0].EventCount)
}

func TestBuildReportRealtimeSeries(t *testing.T) {
	repo := &fakeRepo{opCounts: twoArmCounts(1000, 100, 1000, 130)}
	s, c, _ := testReportService(t, repo)
	exp := reportExperiment(30 * time.Minute)
	ctx := context.Background()

	hour := reportNow.Truncate(time.Hour)
	for i := 0; i < 3; i++ {
		c.Incr(ctx, cache.HourlyCounterKey(7, 2, model.EventTypeExposure, hour), cache.HourlyCounterTTL)
	}
	c.Incr(ctx, cache.HourlyCounterKey(7, 2, model.EventTypeConversion, hour), cache.HourlyCounterTTL)
	c.Incr(ctx, cache.HourlyCounterKey(7, 1, model.EventTypeExposure, hour.Add(-time.Hour)), cache.HourlyCounterTTL)

	rep, err := s.BuildReport(ctx, exp, Params{Granularity: GranularityRealtime})
	require.NoError(t, err)
	assert.Zero(t, repo.opSeriesCalls)
	assert.Zero(t, repo.rlSeriesCalls)

	require.Len(t, rep.TimeSeries, 2)
	assert.Equal(t, int64(1), rep.TimeSeries[0].VariantID)
	assert.Equal(t, hour.Add(-time.Hour), rep.TimeSeries[0].Bucket)
	assert.Equal(t, int64(1), rep.TimeSeries[0].EventCount)

	assert.Equal(t, int64(2), rep.TimeSeries[1].VariantID)
	assert.Equal(t, hour, rep.TimeSeries[1].Bucket)
	assert.Equal(t, int64(4), rep.TimeSeries[1].EventCount)
	assert.Equal(t, int64(1), rep.TimeSeries[1].Conversions)
}

func TestBuildReportValidation(t *testing.T) {
	repo := &fakeRepo{}
	s, _, _ := testReportService(t, repo)
	exp := reportExperiment(30 * time.Minute)

	_, err := s.BuildReport(context.Background(), exp, Params{Granularity: "minute"})
	assert.True(t, fault.Is(err, fault.Validation))

	_, err = s.BuildReport(context.Background(), exp, Params{
		Start: reportNow, End: reportNow.Add(-time.Hour),
	})
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Zero(t, repo.opCalls)
}

func TestBuildReportDefaults(t *testing.T) {
	repo := &fakeRepo{opCounts: twoArmCounts(1000, 100, 1000, 130)}
	s, _, _ := testReportService(t, repo)
	exp := reportExperiment(30 * time.Minute)

	rep, err := s.BuildReport(context.Background(), exp, Params{})
	require.NoError(t, err)

	assert.Equal(t, *exp.StartsAt, rep.Start)
	assert.Equal(t, reportNow, rep.End)
	assert.Equal(t, GranularityDay, rep.Granularity)
	assert.Equal(t, int64(100), rep.MinSample)
	assert.InDelta(t, 0.95, rep.Confidence, 1e-12)
	assert.NotNil(t, rep.Variants[0].CILower, "intervals are on by default")

	skipped, err := s.BuildReport(context.Background(), exp, Params{SkipCI: true})
	require.NoError(t, err)
	assert.Nil(t, skipped.Variants[0].CILower)
	assert.NotNil(t, skipped.Variants[1].PValue, "the test does not ride on the interval flag")

	// Without a start date the experiment's creation time anchors the
	// window.
	repo2 := &fakeRepo{opCounts: twoArmCounts(1000, 100, 1000, 130)}
	s2, _, _ := testReportService(t, repo2)
	exp2 := reportExperiment(30 * time.Minute)
	exp2.StartsAt = nil
	rep2, err := s2.BuildReport(context.Background(), exp2, Params{})
	require.NoError(t, err)
	assert.Equal(t, exp2.CreatedAt, rep2.Start)
}
