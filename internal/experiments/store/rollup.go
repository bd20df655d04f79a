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
	"database/sql"
	"encoding/json"
	"time"

	"abx/internal/experiments/model"
)

// RollupProgress reports one builder pass.
type RollupProgress struct {
	// Cursor is the highest outbox id folded into the rollup.
	Cursor int64
	// Consumed is how many outbox rows this pass moved the cursor over.
	Consumed int
	// Slices is how many (experiment, variant, day, type) cells were
	// recomputed.
	Slices int
}

// rollupSlice is one analytical cell touched by the consumed window.
type rollupSlice struct {
	experimentID int64
	variantID    int64
	day          time.Time
	eventType    string
}

// AdvanceRollup consumes up to batch published outbox rows past the
// persisted cursor and recomputes every events_rollup cell those rows
// touched, in one transaction.
//
// The window never crosses the oldest unpublished row, so the cursor is a
// watermark: every outbox id at or below it has been published and folded
// in. PurgeProcessedOutbox relies on that to never delete a row the
// builder still needs. Cells are recomputed from the events table rather
// than incremented, so a replayed or re-leased row cannot double count.
func (s *Store) AdvanceRollup(ctx context.Context, batch int) (RollupProgress, error) {
	var progress RollupProgress
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// The row lock serializes builders; a second instance blocks here
		// instead of racing the cursor.
		if err := tx.QueryRowContext(ctx,
			`SELECT last_outbox_id FROM rollup_cursor WHERE id = 1 FOR UPDATE`).
			Scan(&progress.Cursor); err != nil {
			return translate(err, "read rollup cursor")
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT id, aggregate_type, payload
			 FROM outbox_events
			 WHERE id > $1
			   AND processed_at IS NOT NULL
			   AND id < COALESCE((SELECT MIN(id) FROM outbox_events WHERE processed_at IS NULL), 9223372036854775807)
			 ORDER BY id
			 LIMIT $2`, progress.Cursor, batch)
		if err != nil {
			return translate(err, "scan outbox window")
		}
		maxID := progress.Cursor
		touched := make(map[rollupSlice]struct{})
		for rows.Next() {
			var (
				id            int64
				aggregateType string
				payload       []byte
			)
			if err := rows.Scan(&id, &aggregateType, &payload); err != nil {
				rows.Close()
				return translate(err, "scan outbox window")
			}
			maxID = id
			progress.Consumed++
			if aggregateType != model.AggregateEvent {
				continue
			}
			var p model.EventCreatedPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				s.log.Warn().Err(err).Int64("outbox_id", id).Msg("skipping undecodable event payload")
				continue
			}
			// Events that do not count toward metrics cannot change any cell.
			if p.VariantID == nil || !p.IsValid {
				continue
			}
			touched[rollupSlice{
				experimentID: p.ExperimentID,
				variantID:    *p.VariantID,
				day:          p.Timestamp.UTC().Truncate(24 * time.Hour),
				eventType:    p.EventType,
			}] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return translate(err, "scan outbox window")
		}
		if progress.Consumed == 0 {
			return nil
		}

		if len(touched) > 0 {
			if err := recomputeSlices(ctx, tx, touched); err != nil {
				return err
			}
			progress.Slices = len(touched)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE rollup_cursor SET last_outbox_id = $1 WHERE id = 1`, maxID); err != nil {
			return translate(err, "advance rollup cursor")
		}
		progress.Cursor = maxID
		return nil
	})
	if err != nil {
		return RollupProgress{}, err
	}
	return progress, nil
}

// recomputeSlices replaces the touched cells of events_rollup and
// events_rollup_users with fresh aggregates off the events table. Both
// statements are set-oriented: one pass over the bounded event range per
// table regardless of how many cells changed. The timestamp bounds cover
// exactly the touched days and let the planner prune partitions; the join
// then narrows to the exact cells.
func recomputeSlices(ctx context.Context, tx *sql.Tx, touched map[rollupSlice]struct{}) error {
	var (
		expIDs = make([]int64, 0, len(touched))
		varIDs = make([]int64, 0, len(touched))
		days   = make([]string, 0, len(touched))
		types  = make([]string, 0, len(touched))

		minDay, maxDay time.Time
	)
	for cell := range touched {
		expIDs = append(expIDs, cell.experimentID)
		varIDs = append(varIDs, cell.variantID)
		days = append(days, cell.day.Format("2006-01-02"))
		types = append(types, cell.eventType)
		if minDay.IsZero() || cell.day.Before(minDay) {
			minDay = cell.day
		}
		if cell.day.After(maxDay) {
			maxDay = cell.day
		}
	}
	from, to := minDay, maxDay.Add(24*time.Hour)

	const cellsAndValid = `
		WITH touched AS (
			SELECT t.experiment_id, t.variant_id, t.day, t.event_type
			FROM unnest($1::bigint[], $2::bigint[], $3::date[], $4::text[])
				AS t(experiment_id, variant_id, day, event_type)
		), valid AS (
			SELECT e.experiment_id, e.variant_id,
			       (e.timestamp AT TIME ZONE 'UTC')::date AS day,
			       e.event_type, e.user_id
			FROM events e
			JOIN touched t
			  ON t.experiment_id = e.experiment_id
			 AND t.variant_id = e.variant_id
			 AND t.event_type = e.event_type
			 AND t.day = (e.timestamp AT TIME ZONE 'UTC')::date
			WHERE e.timestamp >= $5 AND e.timestamp < $6
			  AND e.assignment_at IS NOT NULL AND e.timestamp >= e.assignment_at
		)`

	args := []any{expIDs, varIDs, days, types, from, to}

	if _, err := tx.ExecContext(ctx, cellsAndValid+`
		INSERT INTO events_rollup
			(experiment_id, variant_id, day, event_type,
			 uniq_users_state, event_count, conversions, updated_at)
		SELECT experiment_id, variant_id, day, event_type,
		       COUNT(DISTINCT user_id),
		       COUNT(*),
		       COUNT(*) FILTER (WHERE event_type = 'conversion'),
		       now()
		FROM valid
		GROUP BY experiment_id, variant_id, day, event_type
		ON CONFLICT (experiment_id, variant_id, day, event_type) DO UPDATE SET
			uniq_users_state = EXCLUDED.uniq_users_state,
			event_count      = EXCLUDED.event_count,
			conversions      = EXCLUDED.conversions,
			updated_at       = now()`, args...); err != nil {
		return translate(err, "recompute rollup")
	}

	if _, err := tx.ExecContext(ctx, cellsAndValid+`
		INSERT INTO events_rollup_users
			(experiment_id, variant_id, day, event_type, user_id, event_count)
		SELECT experiment_id, variant_id, day, event_type, user_id, COUNT(*)
		FROM valid
		GROUP BY experiment_id, variant_id, day, event_type, user_id
		ON CONFLICT (experiment_id, variant_id, day, event_type, user_id) DO UPDATE SET
			event_count = EXCLUDED.event_count`, args...); err != nil {
		return translate(err, "recompute rollup users")
	}
	return nil
}

// RollupCursor reads the persisted cursor; exported as a gauge at startup.
func (s *Store) RollupCursor(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_outbox_id FROM rollup_cursor WHERE id = 1`).Scan(&id)
	return id, translate(err, "read rollup cursor")
}
