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
	"sort"
	"strconv"
	"time"

	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
)

// FunnelStep is one stage of one variant's funnel. ConversionRate is the
// fraction of the variant's step-one users who reached this step.
type FunnelStep struct {
	EventType      string  `json:"event_type"`
	StepOrder      int     `json:"step_order"`
	UsersReached   int64   `json:"users_reached"`
	ConversionRate float64 `json:"conversion_rate"`
}

// FunnelVariant is one variant's walk through the step list.
type FunnelVariant struct {
	VariantID  int64        `json:"variant_id"`
	VariantKey string       `json:"variant_key"`
	Steps      []FunnelStep `json:"steps"`
}

// FunnelSummary aggregates entry and completion across variants.
type FunnelSummary struct {
	TotalEntered   int64   `json:"total_users_entered"`
	TotalCompleted int64   `json:"total_users_completed"`
	OverallRate    float64 `json:"overall_conversion_rate"`
}

// Funnel is an ordered multi-step conversion report. Users advance a step
// only with an event at or after their completion of the previous one.
type Funnel struct {
	ExperimentID int64           `json:"experiment_id"`
	FunnelSteps  []string        `json:"funnel_steps"`
	Start        time.Time       `json:"start"`
	End          time.Time       `json:"end"`
	Variants     []FunnelVariant `json:"variants"`
	Summary      FunnelSummary   `json:"summary"`
}

// BuildFunnel computes the step-ordered funnel for one experiment. Every
// variant of the experiment appears, zero-filled when it saw no traffic.
func (s *Service) BuildFunnel(ctx context.Context, exp *model.Experiment, steps []string, start, end time.Time) (*Funnel, error) {
	if len(steps) < 2 {
		return nil, fault.New(fault.Validation, "a funnel needs at least two steps")
	}
	if end.IsZero() {
		end = s.now().UTC()
	}
	if start.IsZero() {
		if exp.StartsAt != nil {
			start = *exp.StartsAt
		} else {
			start = exp.CreatedAt
		}
	}
	if !start.Before(end) {
		return nil, fault.New(fault.Validation, "start %s is not before end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	rows, err := s.repo.FunnelCounts(ctx, exp.ID, steps, start, end)
	if err != nil {
		return nil, err
	}

	// steps are 1-based in the store rows.
	reached := make(map[int64][]int64)
	for _, r := range rows {
		byStep, seen := reached[r.VariantID]
		if !seen {
			byStep = make([]int64, len(steps))
			reached[r.VariantID] = byStep
		}
		if r.Step >= 1 && r.Step <= len(steps) {
			byStep[r.Step-1] = r.Users
		}
	}

	f := &Funnel{
		ExperimentID: exp.ID,
		FunnelSteps:  steps,
		Start:        start,
		End:          end,
		Variants:     make([]FunnelVariant, 0, len(exp.Variants)),
	}
	for _, v := range exp.Variants {
		byStep := reached[v.ID]
		if byStep == nil {
			byStep = make([]int64, len(steps))
		}
		fv := FunnelVariant{VariantID: v.ID, VariantKey: v.Key, Steps: make([]FunnelStep, len(steps))}
		for i, users := range byStep {
			st := FunnelStep{EventType: steps[i], StepOrder: i + 1, UsersReached: users}
			if byStep[0] > 0 {
				st.ConversionRate = float64(users) / float64(byStep[0])
			}
			fv.Steps[i] = st
		}
		f.Summary.TotalEntered += byStep[0]
		f.Summary.TotalCompleted += byStep[len(steps)-1]
		f.Variants = append(f.Variants, fv)
		delete(reached, v.ID)
	}
	// Rows for variants the experiment no longer lists still count.
	leftover := make([]int64, 0, len(reached))
	for id := range reached {
		leftover = append(leftover, id)
	}
	sort.Slice(leftover, func(i, j int) bool { return leftover[i] < leftover[j] })
	for _, id := range leftover {
		byStep := reached[id]
		fv := FunnelVariant{VariantID: id, VariantKey: strconv.FormatInt(id, 10), Steps: make([]FunnelStep, len(steps))}
		for i, users := range byStep {
			st := FunnelStep{EventType: steps[i], StepOrder: i + 1, UsersReached: users}
			if byStep[0] > 0 {
				st.ConversionRate = float64(users) / float64(byStep[0])
			}
			fv.Steps[i] = st
		}
		f.Summary.TotalEntered += byStep[0]
		f.Summary.TotalCompleted += byStep[len(steps)-1]
		f.Variants = append(f.Variants, fv)
	}

	if f.Summary.TotalEntered > 0 {
		f.Summary.OverallRate = float64(f.Summary.TotalCompleted) / float64(f.Summary.TotalEntered)
	}
	return f, nil
}
