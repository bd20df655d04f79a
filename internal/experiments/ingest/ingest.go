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

// Package ingest records behavioral events. The write path denormalizes
// the caller's assignment onto each event so analytics never joins, and
// feeds best-effort realtime counters that degrade to database reads when
// Redis is away.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"abx/internal/experiments/assign"
	"abx/internal/experiments/cache"
	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
	"abx/internal/experiments/telemetry"
)

// MaxBatch is the largest accepted bulk submission.
const MaxBatch = 1000

// Repository is the slice of the store ingestion needs.
type Repository interface {
	GetExperiment(ctx context.Context, id int64) (*model.Experiment, error)
	GetAssignmentViews(ctx context.Context, userID string, experimentIDs []int64) (map[int64]*model.AssignmentView, error)
	InsertEvent(ctx context.Context, e *model.Event, variantKey string) error
	InsertEventsBatch(ctx context.Context, events []model.Event, variantKeys []string) error
}

// Resolver finds (and for exposures, establishes) the assignment an event
// denormalizes from. *assign.Engine satisfies it.
type Resolver interface {
	Lookup(ctx context.Context, experimentID int64, userID string) (*model.AssignmentView, error)
	GetOrAssign(ctx context.Context, exp *model.Experiment, userID string, opts assign.Options) (*model.AssignmentView, error)
}

// EventInput is one incoming event before denormalization.
type EventInput struct {
	ExperimentID int64
	UserID       string
	EventType    string
	// Timestamp is the client-observed time; zero means "now".
	Timestamp  time.Time
	Properties model.JSONMap
	SessionID  *string
	RequestID  *string
}

func (in *EventInput) validate() error {
	if in.ExperimentID <= 0 {
		return fault.New(fault.Validation, "experiment_id is required")
	}
	if in.UserID == "" {
		return fault.New(fault.Validation, "user_id is required")
	}
	if in.EventType == "" {
		return fault.New(fault.Validation, "event_type is required")
	}
	return nil
}

// BatchResult summarizes one accepted batch. Batches land whole or not at
// all, so Recorded is always the batch length on success.
type BatchResult struct {
	Recorded int           `json:"recorded"`
	Valid    int           `json:"valid"`
	Invalid  int           `json:"invalid"`
	Events   []model.Event `json:"events"`
}

// Service is the event write path.
type Service struct {
	repo     Repository
	resolver Resolver
	cache    *cache.Cache
	log      zerolog.Logger
}

func New(repo Repository, resolver Resolver, c *cache.Cache, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		resolver: resolver,
		cache:    c,
		log:      log.With().Str("component", "ingest").Logger(),
	}
}

// Record stores one event. An exposure on an active experiment establishes
// the assignment and enrolls the user; every other event denormalizes from
// the assignment as it stands, and is stored even when none exists so late
// or orphaned traffic is never dropped. Draft and archived experiments
// refuse events; paused ones keep accepting them.
func (s *Service) Record(ctx context.Context, in EventInput) (*model.Event, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	exp, err := s.repo.GetExperiment(ctx, in.ExperimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status == model.StatusDraft || exp.Status == model.StatusArchived {
		return nil, fault.New(fault.PreconditionFailed, "experiment %q is %s and does not accept events", exp.Key, exp.Status)
	}

	view, err := s.resolve(ctx, exp, in.UserID, in.EventType)
	if err != nil {
		return nil, err
	}

	e := s.build(in, view)
	variantKey := ""
	if view != nil {
		variantKey = view.VariantKey
	}
	if err := s.repo.InsertEvent(ctx, e, variantKey); err != nil {
		return nil, err
	}
	s.count(ctx, e)
	return e, nil
}

// RecordBatch stores up to MaxBatch events in one transaction, all or
// nothing. The batch path is for imports and buffered clients: it
// denormalizes from existing assignments only and never creates or enrolls
// them.
func (s *Service) RecordBatch(ctx context.Context, ins []EventInput) (*BatchResult, error) {
	if len(ins) == 0 {
		return nil, fault.New(fault.Validation, "batch is empty")
	}
	if len(ins) > MaxBatch {
		return nil, fault.New(fault.Validation, "batch of %d exceeds the maximum of %d", len(ins), MaxBatch)
	}

	expIDs := make(map[int64]struct{})
	userExps := make(map[string]map[int64]struct{})
	for i := range ins {
		if err := ins[i].validate(); err != nil {
			return nil, fault.Wrap(fault.Validation, err, "event %d", i)
		}
		expIDs[ins[i].ExperimentID] = struct{}{}
		byUser := userExps[ins[i].UserID]
		if byUser == nil {
			byUser = make(map[int64]struct{})
			userExps[ins[i].UserID] = byUser
		}
		byUser[ins[i].ExperimentID] = struct{}{}
	}

	exps := make(map[int64]*model.Experiment, len(expIDs))
	for id := range expIDs {
		exp, err := s.repo.GetExperiment(ctx, id)
		if err != nil {
			return nil, err
		}
		if exp.Status == model.StatusDraft || exp.Status == model.StatusArchived {
			return nil, fault.New(fault.PreconditionFailed, "experiment %q is %s and does not accept events", exp.Key, exp.Status)
		}
		exps[id] = exp
	}

	views := make(map[string]*model.AssignmentView)
	for userID, set := range userExps {
		ids := make([]int64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		byExp, err := s.repo.GetAssignmentViews(ctx, userID, ids)
		if err != nil {
			return nil, err
		}
		for id, view := range byExp {
			views[model.AssignmentAggregateID(id, userID)] = view
		}
	}

	res := &BatchResult{}
	events := make([]model.Event, 0, len(ins))
	variantKeys := make([]string, 0, len(ins))
	for i := range ins {
		view := views[model.AssignmentAggregateID(ins[i].ExperimentID, ins[i].UserID)]
		e := s.build(ins[i], view)
		events = append(events, *e)
		if view != nil {
			variantKeys = append(variantKeys, view.VariantKey)
		} else {
			variantKeys = append(variantKeys, "")
		}
		if e.Valid() {
			res.Valid++
		} else {
			res.Invalid++
		}
	}

	if err := s.repo.InsertEventsBatch(ctx, events, variantKeys); err != nil {
		return nil, err
	}
	res.Recorded = len(events)
	res.Events = events
	telemetry.EventsIngested.WithLabelValues("valid").Add(float64(res.Valid))
	telemetry.EventsIngested.WithLabelValues("invalid").Add(float64(res.Invalid))
	return res, nil
}

// resolve picks the assignment an event denormalizes from. Exposures on an
// active experiment go through the full resolver so the first exposure
// both assigns and enrolls; everything else is a plain read. A missing
// assignment resolves to nil, not an error.
func (s *Service) resolve(ctx context.Context, exp *model.Experiment, userID, eventType string) (*model.AssignmentView, error) {
	if eventType == model.EventTypeExposure && exp.Status == model.StatusActive {
		return s.resolver.GetOrAssign(ctx, exp, userID, assign.Options{Enroll: true})
	}
	view, err := s.resolver.Lookup(ctx, exp.ID, userID)
	if fault.Is(err, fault.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *Service) build(in EventInput, view *model.AssignmentView) *model.Event {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	e := &model.Event{
		ID:           uuid.New(),
		ExperimentID: in.ExperimentID,
		UserID:       in.UserID,
		EventType:    in.EventType,
		Timestamp:    ts,
		Properties:   in.Properties,
		SessionID:    in.SessionID,
		RequestID:    in.RequestID,
	}
	if view != nil {
		e.VariantID = &view.VariantID
		at := view.AssignedAt
		e.AssignmentAt = &at
	}
	return e
}

// count feeds the realtime counters behind the "realtime" granularity.
// Failures are absorbed by the cache layer; the rollup remains the source
// of truth.
func (s *Service) count(ctx context.Context, e *model.Event) {
	valid := e.Valid()
	if valid {
		telemetry.EventsIngested.WithLabelValues("valid").Inc()
	} else {
		telemetry.EventsIngested.WithLabelValues("invalid").Inc()
	}
	if !valid || e.VariantID == nil {
		return
	}
	s.cache.Incr(ctx, cache.HourlyCounterKey(e.ExperimentID, *e.VariantID, e.EventType, e.Timestamp), cache.HourlyCounterTTL)
	s.cache.PFAdd(ctx, cache.DailyUniqueKey(e.ExperimentID, *e.VariantID, e.EventType, e.Timestamp), e.UserID, cache.DailyUniqueTTL)
}
