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

// Package bulk is the administrative batch writer. Inputs are cut into
// chunks; each chunk lands in one set-oriented statement that commits or
// rolls back whole, and the report states which chunks made it. This is
// also the only layer allowed to write override and forced assignments.
package bulk

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"abx/internal/experiments/cache"
	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
	"abx/internal/experiments/store"
	"abx/internal/experiments/telemetry"
)

const (
	// ChunkSize caps rows per statement.
	ChunkSize = 500
	// MaxItems caps one bulk call.
	MaxItems = 10000
)

// Failure is one chunk that rolled back.
type Failure struct {
	Batch int    `json:"batch"`
	Error string `json:"error"`
}

// Report is the outcome of one bulk call. Successful lists the chunk
// indexes that committed; Rows is the total rows written across them.
type Report struct {
	Entity     string    `json:"entity"`
	Op         string    `json:"op"`
	Requested  int       `json:"requested"`
	Rows       int64     `json:"rows"`
	Successful []int     `json:"successful"`
	Failed     []Failure `json:"failed"`
}

func newReport(entity, op string, requested int) *Report {
	return &Report{
		Entity: entity, Op: op, Requested: requested,
		Successful: []int{}, Failed: []Failure{},
	}
}

func (r *Report) chunkDone(idx int, rows int64) {
	r.Rows += rows
	r.Successful = append(r.Successful, idx)
	telemetry.BulkRows.WithLabelValues(r.Entity, r.Op).Add(float64(rows))
}

func (r *Report) chunkFailed(idx int, err error) {
	r.Failed = append(r.Failed, Failure{Batch: idx, Error: err.Error()})
}

// Repository is the slice of the store the bulk writer drives.
type Repository interface {
	GetExperiment(ctx context.Context, id int64) (*model.Experiment, error)
	BulkInsertExperiments(ctx context.Context, exps []model.Experiment) (int64, error)
	BulkUpdateExperiments(ctx context.Context, ids []int64, patch store.ExperimentPatch) (int64, error)
	BulkDeleteExperiments(ctx context.Context, ids []int64) (int64, error)
	OverrideAssignmentsBulk(ctx context.Context, seeds []store.AssignmentSeed) (int64, error)
	BulkDeleteAssignments(ctx context.Context, ids []int64) ([]store.AssignmentRef, error)
	BulkUpdateEventProperties(ctx context.Context, ids []string, properties model.JSONMap) (int64, error)
	BulkDeleteEvents(ctx context.Context, ids []string) (int64, error)
}

// Service executes administrative batches.
type Service struct {
	repo  Repository
	cache *cache.Cache
	log   zerolog.Logger
}

func New(repo Repository, c *cache.Cache, log zerolog.Logger) *Service {
	return &Service{repo: repo, cache: c, log: log.With().Str("component", "bulk").Logger()}
}

func checkSize(n int) error {
	if n == 0 {
		return fault.New(fault.Validation, "empty bulk request")
	}
	if n > MaxItems {
		return fault.New(fault.Validation, "bulk request has %d items, limit is %d", n, MaxItems)
	}
	return nil
}

// chunks yields [lo,hi) windows of ChunkSize over n items.
func chunks(n int) [][2]int {
	out := make([][2]int, 0, n/ChunkSize+1)
	for lo := 0; lo < n; lo += ChunkSize {
		hi := lo + ChunkSize
		if hi > n {
			hi = n
		}
		out = append(out, [2]int{lo, hi})
	}
	return out
}

// CreateExperiments inserts experiment shells. Variants are managed per
// experiment, not in bulk.
func (s *Service) CreateExperiments(ctx context.Context, exps []model.Experiment) (*Report, error) {
	if err := checkSize(len(exps)); err != nil {
		return nil, err
	}
	rep := newReport("experiments", "create", len(exps))
	for idx, w := range chunks(len(exps)) {
		n, err := s.repo.BulkInsertExperiments(ctx, exps[w[0]:w[1]])
		if err != nil {
			rep.chunkFailed(idx, err)
			continue
		}
		rep.chunkDone(idx, n)
	}
	return s.audit(rep), nil
}

// UpdateExperiments applies one patch to every id. Archived experiments
// are skipped by the store, which shows up as a lower row count.
func (s *Service) UpdateExperiments(ctx context.Context, ids []int64, patch store.ExperimentPatch) (*Report, error) {
	if err := checkSize(len(ids)); err != nil {
		return nil, err
	}
	rep := newReport("experiments", "update", len(ids))
	for idx, w := range chunks(len(ids)) {
		n, err := s.repo.BulkUpdateExperiments(ctx, ids[w[0]:w[1]], patch)
		if err != nil {
			rep.chunkFailed(idx, err)
			continue
		}
		rep.chunkDone(idx, n)
		for _, id := range ids[w[0]:w[1]] {
			s.cache.InvalidatePattern(ctx, cache.ResultsPattern(id))
		}
	}
	return s.audit(rep), nil
}

// DeleteExperiments hard-deletes experiments with their assignments,
// events and rollup slices, then empties their caches.
func (s *Service) DeleteExperiments(ctx context.Context, ids []int64) (*Report, error) {
	if err := checkSize(len(ids)); err != nil {
		return nil, err
	}
	rep := newReport("experiments", "delete", len(ids))
	for idx, w := range chunks(len(ids)) {
		n, err := s.repo.BulkDeleteExperiments(ctx, ids[w[0]:w[1]])
		if err != nil {
			rep.chunkFailed(idx, err)
			continue
		}
		rep.chunkDone(idx, n)
		for _, id := range ids[w[0]:w[1]] {
			s.cache.InvalidatePattern(ctx, cache.AssignmentPattern(id))
			s.cache.InvalidatePattern(ctx, cache.ResultsPattern(id))
		}
	}
	return s.audit(rep), nil
}

// Override is one administrative assignment write.
type Override struct {
	ExperimentID int64         `json:"experiment_id"`
	UserID       string        `json:"user_id"`
	VariantID    int64         `json:"variant_id"`
	Source       model.Source  `json:"source"`
	Context      model.JSONMap `json:"context,omitempty"`
}

// OverrideAssignments force-writes assignments, moving users onto chosen
// variants. Every override is validated against the live experiment before
// any chunk runs; sources other than override and forced are rejected, so
// the deterministic path cannot be imitated from the admin surface.
func (s *Service) OverrideAssignments(ctx context.Context, overrides []Override) (*Report, error) {
	if err := checkSize(len(overrides)); err != nil {
		return nil, err
	}

	exps := make(map[int64]*model.Experiment)
	seeds := make([]store.AssignmentSeed, len(overrides))
	for i, o := range overrides {
		switch o.Source {
		case "":
			o.Source = model.SourceOverride
		case model.SourceOverride, model.SourceForced:
		default:
			return nil, fault.New(fault.Validation, "override %d: source %q is not override or forced", i, o.Source)
		}
		if o.UserID == "" {
			return nil, fault.New(fault.Validation, "override %d: user_id is required", i)
		}
		exp, seen := exps[o.ExperimentID]
		if !seen {
			var err error
			if exp, err = s.repo.GetExperiment(ctx, o.ExperimentID); err != nil {
				return nil, err
			}
			exps[o.ExperimentID] = exp
		}
		variant := findVariant(exp, o.VariantID)
		if variant == nil {
			return nil, fault.New(fault.Validation, "override %d: variant %d is not part of experiment %d",
				i, o.VariantID, o.ExperimentID)
		}
		seeds[i] = store.AssignmentSeed{
			ExperimentID: o.ExperimentID,
			UserID:       o.UserID,
			VariantID:    o.VariantID,
			VariantKey:   variant.Key,
			IsControl:    variant.IsControl,
			Version:      exp.Version,
			Source:       o.Source,
			Context:      o.Context,
		}
	}

	rep := newReport("assignments", "override", len(overrides))
	for idx, w := range chunks(len(seeds)) {
		n, err := s.repo.OverrideAssignmentsBulk(ctx, seeds[w[0]:w[1]])
		if err != nil {
			rep.chunkFailed(idx, err)
			continue
		}
		rep.chunkDone(idx, n)
		keys := make([]string, 0, w[1]-w[0])
		for _, seed := range seeds[w[0]:w[1]] {
			keys = append(keys, cache.AssignmentKey(seed.ExperimentID, seed.UserID))
		}
		s.cache.Del(ctx, keys...)
	}
	return s.audit(rep), nil
}

func findVariant(exp *model.Experiment, id int64) *model.Variant {
	for i := range exp.Variants {
		if exp.Variants[i].ID == id {
			return &exp.Variants[i]
		}
	}
	return nil
}

// DeleteAssignments removes assignments by surrogate id and evicts exactly
// the cache entries that served them.
func (s *Service) DeleteAssignments(ctx context.Context, ids []int64) (*Report, error) {
	if err := checkSize(len(ids)); err != nil {
		return nil, err
	}
	rep := newReport("assignments", "delete", len(ids))
	for idx, w := range chunks(len(ids)) {
		refs, err := s.repo.BulkDeleteAssignments(ctx, ids[w[0]:w[1]])
		if err != nil {
			rep.chunkFailed(idx, err)
			continue
		}
		rep.chunkDone(idx, int64(len(refs)))
		keys := make([]string, 0, len(refs))
		for _, ref := range refs {
			keys = append(keys, cache.AssignmentKey(ref.ExperimentID, ref.UserID))
		}
		s.cache.Del(ctx, keys...)
	}
	return s.audit(rep), nil
}

// UpdateEventProperties overwrites the properties object on the given
// events. Rollup slices are not rewritten; property filters only run on
// the operational path, which sees the change immediately.
func (s *Service) UpdateEventProperties(ctx context.Context, ids []string, properties model.JSONMap) (*Report, error) {
	if err := checkSize(len(ids)); err != nil {
		return nil, err
	}
	if err := checkEventIDs(ids); err != nil {
		return nil, err
	}
	rep := newReport("events", "update", len(ids))
	for idx, w := range chunks(len(ids)) {
		n, err := s.repo.BulkUpdateEventProperties(ctx, ids[w[0]:w[1]], properties)
		if err != nil {
			rep.chunkFailed(idx, err)
			continue
		}
		rep.chunkDone(idx, n)
	}
	return s.audit(rep), nil
}

// DeleteEvents removes events by id. Rollup slices built from them keep
// their historical numbers until the affected days are recomputed.
func (s *Service) DeleteEvents(ctx context.Context, ids []string) (*Report, error) {
	if err := checkSize(len(ids)); err != nil {
		return nil, err
	}
	if err := checkEventIDs(ids); err != nil {
		return nil, err
	}
	rep := newReport("events", "delete", len(ids))
	for idx, w := range chunks(len(ids)) {
		n, err := s.repo.BulkDeleteEvents(ctx, ids[w[0]:w[1]])
		if err != nil {
			rep.chunkFailed(idx, err)
			continue
		}
		rep.chunkDone(idx, n)
	}
	return s.audit(rep), nil
}

func checkEventIDs(ids []string) error {
	for i, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return fault.New(fault.Validation, "event id %d (%q) is not a uuid", i, id)
		}
	}
	return nil
}

func (s *Service) audit(rep *Report) *Report {
	s.log.Info().
		Str("entity", rep.Entity).
		Str("op", rep.Op).
		Int("requested", rep.Requested).
		Int64("rows", rep.Rows).
		Int("failed_chunks", len(rep.Failed)).
		Msg("bulk operation")
	return rep
}
