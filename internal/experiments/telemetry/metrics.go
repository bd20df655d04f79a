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

// Package telemetry exposes the platform's Prometheus collectors. All
// collectors are package-level and registered once at init; callers update
// them directly from the hot paths.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequests counts completed requests by route and status class.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abx_http_requests_total",
		Help: "Completed HTTP requests.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes request latency per route.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "abx_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// Assignments counts assignment resolutions by how they were served:
	// cache hit, existing row, or a freshly created assignment.
	Assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abx_assignments_total",
		Help: "Assignment resolutions by serving path.",
	}, []string{"path"})

	// CacheHits and CacheMisses track read-through cache effectiveness by
	// logical cache (assignment, results, auth).
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abx_cache_hits_total",
		Help: "Cache hits by logical cache.",
	}, []string{"cache"})
	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abx_cache_misses_total",
		Help: "Cache misses by logical cache.",
	}, []string{"cache"})

	// CacheDegraded counts cache operations absorbed after a Redis failure.
	// Anything above zero means reads are falling through to the database.
	CacheDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "abx_cache_degraded_total",
		Help: "Cache operations that failed and were absorbed.",
	})

	// OutboxPublished counts rows delivered to the bus and acknowledged.
	OutboxPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "abx_outbox_published_total",
		Help: "Outbox rows published and marked processed.",
	})

	// OutboxFailures counts publish attempts that will be retried.
	OutboxFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "abx_outbox_publish_failures_total",
		Help: "Outbox publish failures (rows stay pending).",
	})

	// OutboxBacklog is the count of unprocessed outbox rows, sampled by the
	// publisher each cycle.
	OutboxBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "abx_outbox_backlog",
		Help: "Unprocessed outbox rows at the last publisher cycle.",
	})

	// EventsIngested counts stored events split by metric validity.
	EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abx_events_ingested_total",
		Help: "Events stored, by whether they count toward metrics.",
	}, []string{"validity"})

	// ReportsBuilt counts full report computations by serving source; cache
	// hits do not count.
	ReportsBuilt = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abx_reports_built_total",
		Help: "Analytics reports computed, by source.",
	}, []string{"source"})

	// RollupSlices counts (experiment, variant, day, type) slices recomputed
	// by the rollup builder.
	RollupSlices = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "abx_rollup_slices_total",
		Help: "Rollup slices recomputed.",
	})

	// RollupCursor is the last outbox id folded into the rollup.
	RollupCursor = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "abx_rollup_cursor",
		Help: "Highest outbox id applied to the analytical rollup.",
	})

	// PartitionOps counts partition DDL by action (create, drop).
	PartitionOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abx_partition_ops_total",
		Help: "Event partition operations.",
	}, []string{"action"})

	// RateLimited counts requests rejected by the per-token limiter.
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "abx_rate_limited_total",
		Help: "Requests rejected with 429.",
	})

	// BulkRows counts rows touched by the bulk writer per entity and op.
	BulkRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abx_bulk_rows_total",
		Help: "Rows written by bulk operations.",
	}, []string{"entity", "op"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequests,
		HTTPDuration,
		Assignments,
		CacheHits,
		CacheMisses,
		CacheDegraded,
		OutboxPublished,
		OutboxFailures,
		OutboxBacklog,
		EventsIngested,
		ReportsBuilt,
		RollupSlices,
		RollupCursor,
		PartitionOps,
		RateLimited,
		BulkRows,
	)
}
