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

// Package assign resolves which variant a user sees. Resolution order is
// cache, persisted row, then a fresh deterministic decision that is made
// durable before it is returned, so a user can never observe a variant
// that was not first committed.
package assign

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"abx"
	"abx/internal/experiments/cache"
	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
	"abx/internal/experiments/store"
	"abx/internal/experiments/telemetry"
)

// Repository is the slice of the store the engine needs.
type Repository interface {
	GetAssignmentView(ctx context.Context, experimentID int64, userID string) (*model.AssignmentView, error)
	GetAssignmentViews(ctx context.Context, userID string, experimentIDs []int64) (map[int64]*model.AssignmentView, error)
	UpsertAssignment(ctx context.Context, seed store.AssignmentSeed, enroll bool) (*model.AssignmentView, bool, error)
	UpsertAssignmentsBulk(ctx context.Context, seeds []store.AssignmentSeed) (int, error)
	EnrollAssignment(ctx context.Context, experimentID int64, userID string) (*model.AssignmentView, error)
}

// Engine is the assignment resolver shared by the HTTP layer and event
// ingestion.
type Engine struct {
	repo   Repository
	cache  *cache.Cache
	bucket abx.Bucketer
	ttl    time.Duration
	log    zerolog.Logger
}

// New wires an engine. ttl bounds how long resolved assignments stay
// cached; the rows themselves are permanent.
func New(repo Repository, c *cache.Cache, bucket abx.Bucketer, ttl time.Duration, log zerolog.Logger) *Engine {
	return &Engine{
		repo:   repo,
		cache:  c,
		bucket: bucket,
		ttl:    ttl,
		log:    log.With().Str("component", "assign").Logger(),
	}
}

// Options tune a single resolution.
type Options struct {
	// Enroll stamps enrolled_at on the winning row if it is still unset.
	Enroll bool
	// ForceRefresh skips the cache read and refills it from the store.
	ForceRefresh bool
	// Context is persisted on a freshly created assignment.
	Context model.JSONMap
}

// GetOrAssign returns the user's variant for exp, creating the assignment
// if none exists. The experiment must arrive with its variants loaded.
// Established assignments stay readable in every lifecycle state; only
// creation requires the experiment to be active.
func (g *Engine) GetOrAssign(ctx context.Context, exp *model.Experiment, userID string, opts Options) (*model.AssignmentView, error) {
	key := cache.AssignmentKey(exp.ID, userID)

	if !opts.ForceRefresh {
		var view model.AssignmentView
		if g.cache.GetJSON(ctx, key, &view) {
			telemetry.CacheHits.WithLabelValues("assignment").Inc()
			if !opts.Enroll || view.EnrolledAt != nil {
				telemetry.Assignments.WithLabelValues("cache").Inc()
				return &view, nil
			}
			enrolled, err := g.repo.EnrollAssignment(ctx, exp.ID, userID)
			if err == nil {
				g.cache.SetJSON(ctx, key, enrolled, g.ttl)
				telemetry.Assignments.WithLabelValues("cache").Inc()
				return enrolled, nil
			}
			if !fault.Is(err, fault.NotFound) {
				return nil, err
			}
			// Cached entry with no backing row. Drop it and resolve from
			// scratch below.
			g.cache.Del(ctx, key)
		} else {
			telemetry.CacheMisses.WithLabelValues("assignment").Inc()
		}
	}

	// An established row outlives its experiment's status: pausing or
	// archiving stops creation, never reads. Check the store before the
	// active gate so a cache eviction cannot turn a sticky assignment
	// into an error.
	view, err := g.repo.GetAssignmentView(ctx, exp.ID, userID)
	switch {
	case err == nil:
		if opts.Enroll && view.EnrolledAt == nil {
			view, err = g.repo.EnrollAssignment(ctx, exp.ID, userID)
			if err != nil {
				return nil, err
			}
		}
		g.cache.SetJSON(ctx, key, view, g.ttl)
		telemetry.Assignments.WithLabelValues("persisted").Inc()
		return view, nil
	case !fault.Is(err, fault.NotFound):
		return nil, err
	}

	if exp.Status != model.StatusActive {
		return nil, fault.New(fault.PreconditionFailed, "experiment %q is %s, not active", exp.Key, exp.Status)
	}

	seed, err := g.seed(exp, userID, opts.Context)
	if err != nil {
		return nil, err
	}
	view, created, err := g.repo.UpsertAssignment(ctx, *seed, opts.Enroll)
	if err != nil {
		return nil, err
	}
	g.cache.SetJSON(ctx, key, view, g.ttl)
	if created {
		telemetry.Assignments.WithLabelValues("created").Inc()
	} else {
		telemetry.Assignments.WithLabelValues("persisted").Inc()
	}
	return view, nil
}

// Lookup returns the existing assignment without ever creating one.
// Ingestion uses it to denormalize events for users that were never
// assigned, which must not enroll them.
func (g *Engine) Lookup(ctx context.Context, experimentID int64, userID string) (*model.AssignmentView, error) {
	key := cache.AssignmentKey(experimentID, userID)

	var view model.AssignmentView
	if g.cache.GetJSON(ctx, key, &view) {
		telemetry.CacheHits.WithLabelValues("assignment").Inc()
		return &view, nil
	}
	telemetry.CacheMisses.WithLabelValues("assignment").Inc()

	v, err := g.repo.GetAssignmentView(ctx, experimentID, userID)
	if err != nil {
		return nil, err
	}
	g.cache.SetJSON(ctx, key, v, g.ttl)
	return v, nil
}

// GetBulk resolves one user's assignments across many experiments with one
// cache round-trip, one batched read and at most one batched insert.
// Missing assignments are created only for active experiments; the rest
// are simply absent from the result.
func (g *Engine) GetBulk(ctx context.Context, exps []*model.Experiment, userID string) (map[int64]*model.AssignmentView, error) {
	out := make(map[int64]*model.AssignmentView, len(exps))
	if len(exps) == 0 {
		return out, nil
	}

	keys := make([]string, len(exps))
	for i, exp := range exps {
		keys[i] = cache.AssignmentKey(exp.ID, userID)
	}
	var missing []*model.Experiment
	for i, raw := range g.cache.GetMany(ctx, keys) {
		if raw != nil {
			var view model.AssignmentView
			if err := json.Unmarshal(raw, &view); err == nil {
				telemetry.CacheHits.WithLabelValues("assignment").Inc()
				out[exps[i].ID] = &view
				continue
			}
		}
		missing = append(missing, exps[i])
	}
	if len(missing) == 0 {
		return out, nil
	}
	telemetry.CacheMisses.WithLabelValues("assignment").Add(float64(len(missing)))

	ids := make([]int64, len(missing))
	for i, exp := range missing {
		ids[i] = exp.ID
	}
	views, err := g.repo.GetAssignmentViews(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	var seeds []store.AssignmentSeed
	for _, exp := range missing {
		if view, ok := views[exp.ID]; ok {
			out[exp.ID] = view
			g.cache.SetJSON(ctx, cache.AssignmentKey(exp.ID, userID), view, g.ttl)
			continue
		}
		if exp.Status != model.StatusActive {
			continue
		}
		seed, err := g.seed(exp, userID, nil)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, *seed)
	}
	if len(seeds) == 0 {
		return out, nil
	}

	if _, err := g.repo.UpsertAssignmentsBulk(ctx, seeds); err != nil {
		return nil, err
	}
	createdIDs := make([]int64, len(seeds))
	for i := range seeds {
		createdIDs[i] = seeds[i].ExperimentID
	}
	// Re-read the winners: under a concurrent resolver some of these rows
	// may belong to the other writer.
	created, err := g.repo.GetAssignmentViews(ctx, userID, createdIDs)
	if err != nil {
		return nil, err
	}
	for id := range created {
		view := created[id]
		out[id] = view
		g.cache.SetJSON(ctx, cache.AssignmentKey(id, userID), view, g.ttl)
		telemetry.Assignments.WithLabelValues("created").Inc()
	}
	return out, nil
}

// seed turns the deterministic bucket decision into a row ready to insert.
func (g *Engine) seed(exp *model.Experiment, userID string, assignCtx model.JSONMap) (*store.AssignmentSeed, error) {
	if len(exp.Variants) == 0 {
		return nil, fault.New(fault.Internal, "experiment %q has no variants loaded", exp.Key)
	}
	allocs := make([]abx.Allocation, len(exp.Variants))
	for i, v := range exp.Variants {
		allocs[i] = abx.Allocation{VariantID: v.ID, Pct: v.AllocationPct}
	}
	variantID, ok := g.bucket.Assign(userID, exp.Seed, allocs)
	if !ok {
		return nil, fault.New(fault.Internal, "no variant covers bucket for experiment %q", exp.Key)
	}
	for i := range exp.Variants {
		if exp.Variants[i].ID != variantID {
			continue
		}
		v := &exp.Variants[i]
		return &store.AssignmentSeed{
			ExperimentID: exp.ID,
			UserID:       userID,
			VariantID:    v.ID,
			VariantKey:   v.Key,
			IsControl:    v.IsControl,
			Version:      exp.Version,
			Source:       model.SourceHash,
			Context:      assignCtx,
		}, nil
	}
	return nil, fault.New(fault.Internal, "variant %d not loaded for experiment %q", variantID, exp.Key)
}
