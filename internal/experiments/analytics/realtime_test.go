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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abx/internal/experiments/cache"
	"abx/internal/experiments/model"
)

func TestBuildRealtime(t *testing.T) {
	s, c, _ := testReportService(t, &fakeRepo{})
	exp := reportExperiment(time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.Incr(ctx, cache.HourlyCounterKey(7, 2, model.EventTypeExposure, reportNow), cache.HourlyCounterTTL)
	}
	c.Incr(ctx, cache.HourlyCounterKey(7, 2, model.EventTypeConversion, reportNow), cache.HourlyCounterTTL)
	for _, u := range []string{"user_1", "user_2", "user_3", "user_1"} {
		c.PFAdd(ctx, cache.DailyUniqueKey(7, 2, model.EventTypeExposure, reportNow), u, cache.DailyUniqueTTL)
	}

	rt := s.BuildRealtime(ctx, exp)
	assert.Equal(t, int64(7), rt.ExperimentID)
	assert.Equal(t, reportNow, rt.GeneratedAt)
	require.Len(t, rt.Variants, 3)

	// Untouched variants read as zero, not as an error.
	ctrl := rt.Variants[0]
	assert.Equal(t, "control", ctrl.VariantKey)
	assert.Zero(t, ctrl.Exposures)
	assert.Zero(t, ctrl.UniqueUsers)

	blue := rt.Variants[1]
	assert.Equal(t, int64(5), blue.Exposures)
	assert.Equal(t, int64(1), blue.Conversions)
	assert.Equal(t, int64(3), blue.UniqueUsers)
}

func TestBuildRealtimeBucketsByHour(t *testing.T) {
	s, c, _ := testReportService(t, &fakeRepo{})
	exp := reportExperiment(time.Hour)
	ctx := context.Background()

	// Last hour's counter is a different key and must not leak into the
	// current snapshot.
	c.Incr(ctx, cache.HourlyCounterKey(7, 1, model.EventTypeExposure, reportNow.Add(-time.Hour)), cache.HourlyCounterTTL)

	rt := s.BuildRealtime(ctx, exp)
	assert.Zero(t, rt.Variants[0].Exposures)
}
