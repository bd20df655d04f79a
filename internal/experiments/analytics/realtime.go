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
	"time"

	"abx/internal/experiments/cache"
	"abx/internal/experiments/model"
)

// RealtimeVariant is one variant's live counters: events in the current
// hour bucket, plus distinct exposed users today from the HLL sketch.
type RealtimeVariant struct {
	VariantID   int64  `json:"variant_id"`
	VariantKey  string `json:"variant_key"`
	Exposures   int64  `json:"exposures_this_hour"`
	Conversions int64  `json:"conversions_this_hour"`
	UniqueUsers int64  `json:"unique_users_today"`
}

// Realtime is the live snapshot of an experiment, read entirely from
// Redis. Counters are best-effort; a missing or degraded counter reads as
// zero and the database is never consulted.
type Realtime struct {
	ExperimentID int64             `json:"experiment_id"`
	GeneratedAt  time.Time         `json:"generated_at"`
	Variants     []RealtimeVariant `json:"variants"`
}

// BuildRealtime assembles the live snapshot for one experiment.
func (s *Service) BuildRealtime(ctx context.Context, exp *model.Experiment) *Realtime {
	at := s.now().UTC()
	keys := make([]string, 0, 2*len(exp.Variants))
	for _, v := range exp.Variants {
		keys = append(keys,
			cache.HourlyCounterKey(exp.ID, v.ID, model.EventTypeExposure, at),
			cache.HourlyCounterKey(exp.ID, v.ID, model.EventTypeConversion, at))
	}
	vals := s.cache.GetMany(ctx, keys)

	rt := &Realtime{ExperimentID: exp.ID, GeneratedAt: at, Variants: make([]RealtimeVariant, 0, len(exp.Variants))}
	for i, v := range exp.Variants {
		rv := RealtimeVariant{VariantID: v.ID, VariantKey: v.Key}
		if raw := vals[2*i]; raw != nil {
			if n, err := parseCounter(raw); err == nil {
				rv.Exposures = n
			}
		}
		if raw := vals[2*i+1]; raw != nil {
			if n, err := parseCounter(raw); err == nil {
				rv.Conversions = n
			}
		}
		if n, ok := s.cache.PFCount(ctx, cache.DailyUniqueKey(exp.ID, v.ID, model.EventTypeExposure, at)); ok {
			rv.UniqueUsers = n
		}
		rt.Variants = append(rt.Variants, rv)
	}
	return rt
}
