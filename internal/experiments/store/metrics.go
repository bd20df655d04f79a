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

package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
)

// VariantCounts is the raw aggregate a metrics computation starts from.
// Only valid events count: timestamp at or after the denormalized
// assignment time.
type VariantCounts struct {
	VariantID   int64  `json:"variant_id"`
	VariantKey  string `json:"variant_key"`
	IsControl   bool   `json:"is_control"`
	UniqueUsers int64  `json:"unique_users"`
	EventCount  int64  `json:"event_count"`
	Conversions int64  `json:"conversions"`
}

// TimePoint is one bucket of a per-variant time series.
type TimePoint struct {
	VariantID   int64     `json:"variant_id"`
	Bucket      time.Time `json:"bucket"`
	UniqueUsers int64     `json:"unique_users"`
	EventCount  int64     `json:"event_count"`
	Conversions int64     `json:"conversions"`
}

// MetricsFilter narrows a metrics read. End is exclusive. An empty
// EventTypes slice means all types; Property is a single-level JSON
// containment filter and is only honored on the operational path.
type MetricsFilter struct {
	ExperimentID int64
	Start        time.Time
	End          time.Time
	EventTypes   []string
	Property     model.JSONMap
}

// VariantCountsOperational aggregates straight off the events table. Every
// variant of the experiment appears in the result, zero-filled when it saw
// no traffic.
func (s *Store) VariantCountsOperational(ctx context.Context, f MetricsFilter) ([]VariantCounts, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		sb   strings.Builder
		args []any
	)
	args = append(args, f.ExperimentID, f.Start, f.End)
	sb.WriteString(`
		SELECT v.id, v.key, v.is_control,
		       COUNT(DISTINCT e.user_id),
		       COUNT(e.id),
		       COUNT(e.id) FILTER (WHERE e.event_type = 'conversion')
		FROM variants v
		LEFT JOIN events e
		  ON e.experiment_id = v.experiment_id AND e.variant_id = v.id
		 AND e.timestamp >= $2 AND e.timestamp < $3
		 AND e.assignment_at IS NOT NULL AND e.timestamp >= e.assignment_at`)
	if len(f.EventTypes) > 0 {
		args = append(args, f.EventTypes)
		sb.WriteString(` AND e.event_type = ANY($` + strconv.Itoa(len(args)) + `)`)
	}
	if f.Property != nil {
		args = append(args, f.Property)
		sb.WriteString(` AND e.properties @> $` + strconv.Itoa(len(args)))
	}
	sb.WriteString(`
		WHERE v.experiment_id = $1
		GROUP BY v.id, v.key, v.is_control
		ORDER BY v.id`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, translate(err, "operational counts")
	}
	defer rows.Close()

	var out []VariantCounts
	for rows.Next() {
		var c VariantCounts
		if err := rows.Scan(&c.VariantID, &c.VariantKey, &c.IsControl,
			&c.UniqueUsers, &c.EventCount, &c.Conversions); err != nil {
			return nil, translate(err, "scan operational counts")
		}
		out = append(out, c)
	}
	return out, translate(rows.Err(), "operational counts")
}

// VariantCountsRollup aggregates from the analytical tables at day grain:
// scalar sums come from events_rollup, distinct users from the user-day
// table so cross-day visitors are not double counted. Start and End are
// used at date resolution.
func (s *Store) VariantCountsRollup(ctx context.Context, f MetricsFilter) ([]VariantCounts, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		sb   strings.Builder
		args []any
	)
	args = append(args, f.ExperimentID, f.Start.UTC(), f.End.UTC())
	sb.WriteString(`
		WITH sums AS (
			SELECT variant_id,
			       COALESCE(SUM(event_count), 0) AS event_count,
			       COALESCE(SUM(conversions), 0) AS conversions
			FROM events_rollup
			WHERE experiment_id = $1 AND day >= $2::date AND day < $3::date`)
	if len(f.EventTypes) > 0 {
		args = append(args, f.EventTypes)
		sb.WriteString(` AND event_type = ANY($` + strconv.Itoa(len(args)) + `)`)
	}
	sb.WriteString(`
			GROUP BY variant_id
		), uniq AS (
			SELECT variant_id, COUNT(DISTINCT user_id) AS unique_users
			FROM events_rollup_users
			WHERE experiment_id = $1 AND day >= $2::date AND day < $3::date`)
	if len(f.EventTypes) > 0 {
		sb.WriteString(` AND event_type = ANY($4)`)
	}
	sb.WriteString(`
			GROUP BY variant_id
		)
		SELECT v.id, v.key, v.is_control,
		       COALESCE(u.unique_users, 0),
		       COALESCE(s.event_count, 0),
		       COALESCE(s.conversions, 0)
		FROM variants v
		LEFT JOIN sums s ON s.variant_id = v.id
		LEFT JOIN uniq u ON u.variant_id = v.id
		WHERE v.experiment_id = $1
		ORDER BY v.id`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, translate(err, "rollup counts")
	}
	defer rows.Close()

	var out []VariantCounts
	for rows.Next() {
		var c VariantCounts
		if err := rows.Scan(&c.VariantID, &c.VariantKey, &c.IsControl,
			&c.UniqueUsers, &c.EventCount, &c.Conversions); err != nil {
			return nil, translate(err, "scan rollup counts")
		}
		out = append(out, c)
	}
	return out, translate(rows.Err(), "rollup counts")
}

// TimeSeriesOperational buckets valid events with date_trunc. granularity
// is "hour" or "day".
func (s *Store) TimeSeriesOperational(ctx context.Context, f MetricsFilter, granularity string) ([]TimePoint, error) {
	if granularity != "hour" && granularity != "day" {
		return nil, fault.New(fault.Validation, "granularity %q", granularity)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		sb   strings.Builder
		args []any
	)
	args = append(args, f.ExperimentID, f.Start, f.End, granularity)
	sb.WriteString(`
		SELECT e.variant_id, date_trunc($4, e.timestamp) AS bucket,
		       COUNT(DISTINCT e.user_id),
		       COUNT(*),
		       COUNT(*) FILTER (WHERE e.event_type = 'conversion')
		FROM events e
		WHERE e.experiment_id = $1 AND e.variant_id IS NOT NULL
		  AND e.timestamp >= $2 AND e.timestamp < $3
		  AND e.assignment_at IS NOT NULL AND e.timestamp >= e.assignment_at`)
	if len(f.EventTypes) > 0 {
		args = append(args, f.EventTypes)
		sb.WriteString(` AND e.event_type = ANY($` + strconv.Itoa(len(args)) + `)`)
	}
	if f.Property != nil {
		args = append(args, f.Property)
		sb.WriteString(` AND e.properties @> $` + strconv.Itoa(len(args)))
	}
	sb.WriteString(`
		GROUP BY e.variant_id, bucket
		ORDER BY bucket, e.variant_id`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, translate(err, "operational series")
	}
	defer rows.Close()

	var out []TimePoint
	for rows.Next() {
		var p TimePoint
		if err := rows.Scan(&p.VariantID, &p.Bucket, &p.UniqueUsers, &p.EventCount, &p.Conversions); err != nil {
			return nil, translate(err, "scan operational series")
		}
		out = append(out, p)
	}
	return out, translate(rows.Err(), "operational series")
}

// TimeSeriesRollup reads day cells straight from events_rollup; the
// per-day distinct user count is exact within each cell.
func (s *Store) TimeSeriesRollup(ctx context.Context, f MetricsFilter) ([]TimePoint, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		sb   strings.Builder
		args []any
	)
	args = append(args, f.ExperimentID, f.Start.UTC(), f.End.UTC())
	sb.WriteString(`
		SELECT variant_id, day::timestamptz AS bucket,
		       SUM(uniq_users_state), SUM(event_count), SUM(conversions)
		FROM events_rollup
		WHERE experiment_id = $1 AND day >= $2::date AND day < $3::date`)
	if len(f.EventTypes) > 0 {
		args = append(args, f.EventTypes)
		sb.WriteString(` AND event_type = ANY($` + strconv.Itoa(len(args)) + `)`)
	}
	sb.WriteString(`
		GROUP BY variant_id, day
		ORDER BY day, variant_id`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, translate(err, "rollup series")
	}
	defer rows.Close()

	var out []TimePoint
	for rows.Next() {
		var p TimePoint
		if err := rows.Scan(&p.VariantID, &p.Bucket, &p.UniqueUsers, &p.EventCount, &p.Conversions); err != nil {
			return nil, translate(err, "scan rollup series")
		}
		out = append(out, p)
	}
	return out, translate(rows.Err(), "rollup series")
}

// FunnelStep is users_reached for one step of one variant.
type FunnelStep struct {
	VariantID int64
	Step      int
	Users     int64
}

// FunnelCounts computes, per variant, how many users completed each prefix
// of the step list in non-decreasing timestamp order. The query chains one
// CTE per step, each anchored at the earliest completion time of the
// previous step.
func (s *Store) FunnelCounts(ctx context.Context, experimentID int64, steps []string, start, end time.Time) ([]FunnelStep, error) {
	if len(steps) == 0 {
		return nil, fault.New(fault.Validation, "funnel needs at least one step")
	}
	if len(steps) > 10 {
		return nil, fault.New(fault.Validation, "funnel supports at most 10 steps, got %d", len(steps))
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	args := []any{experimentID, start, end}
	var sb strings.Builder
	sb.WriteString(`
		WITH valid AS (
			SELECT variant_id, user_id, event_type, timestamp
			FROM events
			WHERE experiment_id = $1 AND variant_id IS NOT NULL
			  AND timestamp >= $2 AND timestamp < $3
			  AND assignment_at IS NOT NULL AND timestamp >= assignment_at
		)`)
	for i, step := range steps {
		args = append(args, step)
		arg := strconv.Itoa(len(args))
		name := "s" + strconv.Itoa(i+1)
		if i == 0 {
			sb.WriteString(`, ` + name + ` AS (
				SELECT variant_id, user_id, MIN(timestamp) AS t
				FROM valid WHERE event_type = $` + arg + `
				GROUP BY variant_id, user_id
			)`)
			continue
		}
		prev := "s" + strconv.Itoa(i)
		sb.WriteString(`, ` + name + ` AS (
			SELECT v.variant_id, v.user_id, MIN(v.timestamp) AS t
			FROM valid v
			JOIN ` + prev + ` p ON p.variant_id = v.variant_id AND p.user_id = v.user_id
			WHERE v.event_type = $` + arg + ` AND v.timestamp >= p.t
			GROUP BY v.variant_id, v.user_id
		)`)
	}
	for i := range steps {
		if i > 0 {
			sb.WriteString(` UNION ALL `)
		} else {
			sb.WriteString(` SELECT variant_id, step, users FROM (`)
		}
		name := "s" + strconv.Itoa(i+1)
		sb.WriteString(`SELECT variant_id, ` + strconv.Itoa(i+1) + ` AS step, COUNT(*) AS users FROM ` + name + ` GROUP BY variant_id`)
	}
	sb.WriteString(`) f ORDER BY variant_id, step`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, translate(err, "funnel counts")
	}
	defer rows.Close()

	var out []FunnelStep
	for rows.Next() {
		var fs FunnelStep
		if err := rows.Scan(&fs.VariantID, &fs.Step, &fs.Users); err != nil {
			return nil, translate(err, "scan funnel counts")
		}
		out = append(out, fs)
	}
	return out, translate(rows.Err(), "funnel counts")
}
