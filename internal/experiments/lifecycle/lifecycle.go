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

// Package lifecycle drives experiments through draft, active, paused and
// archived, and keeps the caches honest across transitions. Status and
// allocation rules live in the store's transactional guards; this layer
// adds input validation and invalidation.
package lifecycle

import (
	"context"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"abx/internal/experiments/cache"
	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
	"abx/internal/experiments/store"
)

// keyPattern constrains experiment and variant keys. Keys end up in cache
// keys, bus topics and URLs, so they stay lowercase and unspaced.
var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,99}$`)

// Repository is the slice of the store the lifecycle layer drives.
type Repository interface {
	CreateExperiment(ctx context.Context, exp *model.Experiment) error
	GetExperiment(ctx context.Context, id int64) (*model.Experiment, error)
	GetExperimentByKey(ctx context.Context, key string) (*model.Experiment, error)
	ListExperiments(ctx context.Context, status model.Status, limit, offset int) ([]model.Experiment, error)
	UpdateExperimentMeta(ctx context.Context, id int64, patch store.ExperimentPatch) (*model.Experiment, error)
	UpdateVariantAllocations(ctx context.Context, experimentID int64, allocs []store.Allocation) (int, error)
	ActivateExperiment(ctx context.Context, id int64) (int, error)
	PauseExperiment(ctx context.Context, id int64) error
	ArchiveExperiment(ctx context.Context, id int64) error
	DeleteExperiment(ctx context.Context, id int64) error
}

// Service wraps experiment management with validation and cache hygiene.
type Service struct {
	repo  Repository
	cache *cache.Cache
	log   zerolog.Logger
}

func New(repo Repository, c *cache.Cache, log zerolog.Logger) *Service {
	return &Service{repo: repo, cache: c, log: log.With().Str("component", "lifecycle").Logger()}
}

// Create inserts a draft experiment with its variants. An empty seed
// defaults to the experiment key; the seed is immutable afterwards, so the
// default must be stable.
func (s *Service) Create(ctx context.Context, exp *model.Experiment) error {
	if !keyPattern.MatchString(exp.Key) {
		return fault.New(fault.Validation, "experiment key %q must match %s", exp.Key, keyPattern)
	}
	if exp.Name == "" {
		return fault.New(fault.Validation, "experiment name is required")
	}
	if exp.Status != "" && exp.Status != model.StatusDraft {
		return fault.New(fault.Validation, "experiments are created as drafts, not %s", exp.Status)
	}
	if exp.StartsAt != nil && exp.EndsAt != nil && !exp.StartsAt.Before(*exp.EndsAt) {
		return fault.New(fault.Validation, "starts_at must precede ends_at")
	}
	controls := 0
	for i := range exp.Variants {
		v := &exp.Variants[i]
		if !keyPattern.MatchString(v.Key) {
			return fault.New(fault.Validation, "variant key %q must match %s", v.Key, keyPattern)
		}
		if v.AllocationPct < 0 || v.AllocationPct > 100 {
			return fault.New(fault.Validation, "variant %q allocation_pct %v out of range", v.Key, v.AllocationPct)
		}
		if v.IsControl {
			controls++
		}
	}
	if len(exp.Variants) > 0 && controls != 1 {
		return fault.New(fault.Validation, "experiment needs exactly one control variant, got %d", controls)
	}
	if exp.Seed == "" {
		exp.Seed = exp.Key
	}

	if err := s.repo.CreateExperiment(ctx, exp); err != nil {
		return err
	}
	s.log.Info().Int64("experiment_id", exp.ID).Str("key", exp.Key).Msg("experiment created")
	return nil
}

// Get loads one experiment with variants.
func (s *Service) Get(ctx context.Context, id int64) (*model.Experiment, error) {
	return s.repo.GetExperiment(ctx, id)
}

// GetByKey loads one experiment by its unique key.
func (s *Service) GetByKey(ctx context.Context, key string) (*model.Experiment, error) {
	return s.repo.GetExperimentByKey(ctx, key)
}

// List pages experiments, optionally by status.
func (s *Service) List(ctx context.Context, status model.Status, limit, offset int) ([]model.Experiment, error) {
	if status != "" && !status.Valid() {
		return nil, fault.New(fault.Validation, "unknown status %q", status)
	}
	return s.repo.ListExperiments(ctx, status, limit, offset)
}

// UpdateMeta patches name, description, config and the schedule. The key,
// seed and status never change here. Reports embed the metadata, so their
// cache empties.
func (s *Service) UpdateMeta(ctx context.Context, id int64, patch store.ExperimentPatch) (*model.Experiment, error) {
	if patch.StartsAt != nil && patch.EndsAt != nil && !patch.StartsAt.Before(*patch.EndsAt) {
		return nil, fault.New(fault.Validation, "starts_at must precede ends_at")
	}
	exp, err := s.repo.UpdateExperimentMeta(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.cache.InvalidatePattern(ctx, cache.ResultsPattern(id))
	return exp, nil
}

// UpdateAllocations rebalances traffic shares. Existing assignments stay
// sticky; the version bump re-keys cached reports and the assignment cache
// empties so decisions made from stale variant lists cannot linger.
func (s *Service) UpdateAllocations(ctx context.Context, id int64, allocs []store.Allocation) (int, error) {
	version, err := s.repo.UpdateVariantAllocations(ctx, id, allocs)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, id)
	s.log.Info().Int64("experiment_id", id).Int("version", version).Msg("allocations updated")
	return version, nil
}

// Activate moves a draft or paused experiment to active. Activating an
// active experiment is a no-op that reports the current version.
func (s *Service) Activate(ctx context.Context, id int64) (int, error) {
	version, err := s.repo.ActivateExperiment(ctx, id)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, id)
	s.log.Info().Int64("experiment_id", id).Int("version", version).Msg("experiment activated")
	return version, nil
}

// Pause stops new assignments and enrollment while leaving existing
// assignments readable and event ingestion open.
func (s *Service) Pause(ctx context.Context, id int64) error {
	if err := s.repo.PauseExperiment(ctx, id); err != nil {
		return err
	}
	s.cache.InvalidatePattern(ctx, cache.ResultsPattern(id))
	s.log.Info().Int64("experiment_id", id).Msg("experiment paused")
	return nil
}

// Archive retires the experiment. Data stays readable for historical
// queries; every write path rejects it from here on.
func (s *Service) Archive(ctx context.Context, id int64) error {
	if err := s.repo.ArchiveExperiment(ctx, id); err != nil {
		return err
	}
	s.cache.InvalidatePattern(ctx, cache.ResultsPattern(id))
	s.log.Info().Int64("experiment_id", id).Msg("experiment archived")
	return nil
}

// Delete removes the experiment and everything hanging off it. Cached
// assignment views would otherwise keep serving rows that no longer exist.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.repo.DeleteExperiment(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	s.log.Info().Int64("experiment_id", id).Msg("experiment deleted")
	return nil
}

func (s *Service) invalidate(ctx context.Context, id int64) {
	// Pattern invalidation scans; bound it so a slow Redis cannot stall
	// the management path.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n := s.cache.InvalidatePattern(ctx, cache.AssignmentPattern(id))
	n += s.cache.InvalidatePattern(ctx, cache.ResultsPattern(id))
	if n > 0 {
		s.log.Debug().Int64("experiment_id", id).Int("keys", n).Msg("cache invalidated")
	}
}
