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

// Package api is the HTTP surface of the experimentation platform. It
// routes requests to the assignment engine, the event write path, the
// analytics reader and the admin bulk writer, and owns authentication,
// rate limiting and the error-to-status mapping.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"abx/internal/experiments/analytics"
	"abx/internal/experiments/assign"
	"abx/internal/experiments/bulk"
	"abx/internal/experiments/cache"
	"abx/internal/experiments/ingest"
	"abx/internal/experiments/model"
	"abx/internal/experiments/store"
)

// Experiments is the lifecycle surface the API exposes. *lifecycle.Service
// satisfies it.
type Experiments interface {
	Create(ctx context.Context, exp *model.Experiment) error
	Get(ctx context.Context, id int64) (*model.Experiment, error)
	GetByKey(ctx context.Context, key string) (*model.Experiment, error)
	List(ctx context.Context, status model.Status, limit, offset int) ([]model.Experiment, error)
	UpdateMeta(ctx context.Context, id int64, patch store.ExperimentPatch) (*model.Experiment, error)
	UpdateAllocations(ctx context.Context, id int64, allocs []store.Allocation) (int, error)
	Activate(ctx context.Context, id int64) (int, error)
	Pause(ctx context.Context, id int64) error
	Archive(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// Assigner resolves variant assignments. *assign.Engine satisfies it.
type Assigner interface {
	GetOrAssign(ctx context.Context, exp *model.Experiment, userID string, opts assign.Options) (*model.AssignmentView, error)
	GetBulk(ctx context.Context, exps []*model.Experiment, userID string) (map[int64]*model.AssignmentView, error)
}

// Ingestor is the event write path. *ingest.Service satisfies it.
type Ingestor interface {
	Record(ctx context.Context, in ingest.EventInput) (*model.Event, error)
	RecordBatch(ctx context.Context, ins []ingest.EventInput) (*ingest.BatchResult, error)
}

// Analyst computes results, funnels and realtime snapshots.
// *analytics.Service satisfies it.
type Analyst interface {
	BuildReport(ctx context.Context, exp *model.Experiment, p analytics.Params) (*analytics.Report, error)
	BuildFunnel(ctx context.Context, exp *model.Experiment, steps []string, start, end time.Time) (*analytics.Funnel, error)
	BuildRealtime(ctx context.Context, exp *model.Experiment) *analytics.Realtime
}

// BulkWriter is the admin batch surface. *bulk.Service satisfies it.
type BulkWriter interface {
	CreateExperiments(ctx context.Context, exps []model.Experiment) (*bulk.Report, error)
	UpdateExperiments(ctx context.Context, ids []int64, patch store.ExperimentPatch) (*bulk.Report, error)
	DeleteExperiments(ctx context.Context, ids []int64) (*bulk.Report, error)
	OverrideAssignments(ctx context.Context, overrides []bulk.Override) (*bulk.Report, error)
	DeleteAssignments(ctx context.Context, ids []int64) (*bulk.Report, error)
	UpdateEventProperties(ctx context.Context, ids []string, properties model.JSONMap) (*bulk.Report, error)
	DeleteEvents(ctx context.Context, ids []string) (*bulk.Report, error)
}

// Directory is the slice of the store the API reaches without a service in
// between: users, credentials, raw event listings and the readiness probe.
// *store.Store satisfies it.
type Directory interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, userID string) (*model.User, error)
	ListUsers(ctx context.Context, activeOnly bool, limit, offset int) ([]model.User, error)
	UpdateUser(ctx context.Context, userID string, patch store.UserPatch) (*model.User, error)
	DeactivateUser(ctx context.Context, userID string) error
	ListUserAssignments(ctx context.Context, userID string) ([]model.AssignmentView, error)
	ListEvents(ctx context.Context, f store.EventFilter) ([]model.Event, error)
	CreateAPIToken(ctx context.Context, t *model.APIToken) error
	LookupAPIToken(ctx context.Context, token string) (*model.APIToken, error)
	ListAPITokens(ctx context.Context) ([]model.APIToken, error)
	TouchAPIToken(ctx context.Context, id int64) error
	RevokeAPIToken(ctx context.Context, id int64) (string, error)
	Ping(ctx context.Context) error
}

// Deps bundles the collaborators the server routes requests to.
type Deps struct {
	Experiments Experiments
	Assigner    Assigner
	Ingestor    Ingestor
	Analyst     Analyst
	Bulk        BulkWriter
	Directory   Directory
	Cache       *cache.Cache
}

// Options carries the request-layer knobs.
type Options struct {
	// AuthCacheTTL is how long a resolved token stays cached in Redis.
	AuthCacheTTL time.Duration
	// RateLimitEnabled toggles the per-token fixed-window limiter.
	RateLimitEnabled bool
	// RateLimitRequests is the window budget for tokens without their own
	// limit.
	RateLimitRequests int
	// RateLimitPeriod is the fixed window length.
	RateLimitPeriod time.Duration
	// CORSOrigins is the allowed browser origin list; empty disables CORS
	// headers entirely.
	CORSOrigins []string
}

// Server handles the HTTP requests of the platform.
type Server struct {
	experiments Experiments
	assigner    Assigner
	ingestor    Ingestor
	analyst     Analyst
	bulk        BulkWriter
	directory   Directory
	cache       *cache.Cache
	opts        Options
	log         zerolog.Logger
}

// NewServer wires the handlers to their collaborators.
func NewServer(deps Deps, opts Options, log zerolog.Logger) *Server {
	return &Server{
		experiments: deps.Experiments,
		assigner:    deps.Assigner,
		ingestor:    deps.Ingestor,
		analyst:     deps.Analyst,
		bulk:        deps.Bulk,
		directory:   deps.Directory,
		cache:       deps.Cache,
		opts:        opts,
		log:         log.With().Str("component", "api").Logger(),
	}
}

// Router builds the full route tree. Probes and /metrics stay outside the
// authenticated subtree so orchestrators and scrapers need no credentials.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.withRequestID)
	r.Use(s.instrument)
	r.Use(s.recoverPanics)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		if s.opts.RateLimitEnabled {
			r.Use(s.rateLimit)
		}

		r.Route("/experiments", func(r chi.Router) {
			r.With(s.requireScope("experiments:write")).Post("/", s.handleCreateExperiment)
			r.With(s.requireScope("experiments:read")).Get("/", s.handleListExperiments)
			r.Route("/{id}", func(r chi.Router) {
				r.With(s.requireScope("experiments:read")).Get("/", s.handleGetExperiment)
				r.With(s.requireScope("experiments:write")).Patch("/", s.handleUpdateExperiment)
				r.With(s.requireScope("experiments:write")).Put("/variants", s.handleUpdateAllocations)
				r.With(s.requireScope("experiments:write")).Post("/activate", s.handleActivate)
				r.With(s.requireScope("experiments:write")).Post("/pause", s.handlePause)
				r.With(s.requireScope("experiments:write")).Post("/archive", s.handleArchive)
				r.With(s.requireScope("experiments:write")).Delete("/", s.handleDeleteExperiment)

				r.With(s.requireScope("assignments:read")).Get("/assignment/{user_id}", s.handleGetAssignment)
				r.With(s.requireScope("events:read")).Get("/events", s.handleListEvents)
				r.With(s.requireScope("analytics:read")).Get("/results", s.handleResults)
				r.With(s.requireScope("analytics:read")).Get("/results/funnel", s.handleFunnel)
				r.With(s.requireScope("analytics:read")).Get("/stats/realtime", s.handleRealtime)
			})
		})

		r.With(s.requireScope("assignments:read")).Post("/assignments/bulk", s.handleBulkAssignments)

		r.Route("/events", func(r chi.Router) {
			r.With(s.requireScope("events:write")).Post("/", s.handleRecordEvent)
			r.With(s.requireScope("events:write")).Post("/batch", s.handleRecordBatch)
		})

		r.Route("/users", func(r chi.Router) {
			r.With(s.requireScope("users:write")).Post("/", s.handleCreateUser)
			r.With(s.requireScope("users:read")).Get("/", s.handleListUsers)
			r.With(s.requireScope("users:read")).Get("/{user_id}", s.handleGetUser)
			r.With(s.requireScope("users:write")).Patch("/{user_id}", s.handleUpdateUser)
			r.With(s.requireScope("users:write")).Delete("/{user_id}", s.handleDeleteUser)
			r.With(s.requireScope("assignments:read")).Get("/{user_id}/assignments", s.handleUserAssignments)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireScope("admin"))
			r.Post("/bulk/{entity}", s.handleAdminBulk)
			r.Post("/tokens", s.handleCreateToken)
			r.Get("/tokens", s.handleListTokens)
			r.Delete("/tokens/{id}", s.handleRevokeToken)
		})
	})

	return r
}
