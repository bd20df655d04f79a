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

	"abx/internal/experiments/model"
)

// Set-oriented administrative writes. Each operation is one statement in
// one transaction: a constraint violation anywhere rolls back the whole
// batch, leaving the caller to retry without the offending rows.

// BulkInsertExperiments creates experiment shells (no variants) with a
// single multi-row insert.
func (s *Store) BulkInsertExperiments(ctx context.Context, exps []model.Experiment) (int64, error) {
	if len(exps) == 0 {
		return 0, nil
	}
	var n int64
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		const width = 5
		args := make([]any, 0, len(exps)*width)
		placeholders := make([]byte, 0, len(exps)*16)
		for i := range exps {
			e := &exps[i]
			if e.Status == "" {
				e.Status = model.StatusDraft
			}
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = appendValuesRow(placeholders, i*width, width)
			args = append(args, e.Key, e.Name, e.Description, e.Seed, e.Config)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO experiments (key, name, description, seed, config)
			 VALUES `+string(placeholders), args...)
		if err != nil {
			return translate(err, "bulk insert experiments")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// BulkUpdateExperiments applies one patch to every id.
func (s *Store) BulkUpdateExperiments(ctx context.Context, ids []int64, patch ExperimentPatch) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var cfg any
	if patch.Config != nil {
		cfg = patch.Config
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET
			name = COALESCE($2, name),
			description = COALESCE($3, description),
			config = COALESCE($4, config),
			starts_at = COALESCE($5, starts_at),
			ends_at = COALESCE($6, ends_at),
			updated_at = now()
		 WHERE id = ANY($1) AND status <> 'archived'`,
		ids, patch.Name, patch.Description, cfg, patch.StartsAt, patch.EndsAt)
	if err != nil {
		return 0, translate(err, "bulk update experiments")
	}
	n, err := res.RowsAffected()
	return n, translate(err, "bulk update experiments")
}

// BulkDeleteExperiments hard-deletes experiments and their dependents.
func (s *Store) BulkDeleteExperiments(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE experiment_id = ANY($1)`, ids); err != nil {
			return translate(err, "bulk delete events")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events_rollup WHERE experiment_id = ANY($1)`, ids); err != nil {
			return translate(err, "bulk delete rollup")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events_rollup_users WHERE experiment_id = ANY($1)`, ids); err != nil {
			return translate(err, "bulk delete rollup users")
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = ANY($1)`, ids)
		if err != nil {
			return translate(err, "bulk delete experiments")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// OverrideAssignmentsBulk force-writes assignments: ON CONFLICT DO UPDATE,
// so existing rows move to the given variant. This is the administrative
// escape hatch; the serving path never mutates persisted assignments. One
// assignment.created outbox record per written row commits alongside.
func (s *Store) OverrideAssignmentsBulk(ctx context.Context, seeds []AssignmentSeed) (int64, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	byPair := make(map[string]AssignmentSeed, len(seeds))
	const width = 6
	args := make([]any, 0, len(seeds)*width)
	placeholders := make([]byte, 0, len(seeds)*24)
	for i, seed := range seeds {
		byPair[model.AssignmentAggregateID(seed.ExperimentID, seed.UserID)] = seed
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = appendValuesRow(placeholders, i*width, width)
		args = append(args, seed.ExperimentID, seed.UserID, seed.VariantID,
			seed.Version, string(seed.Source), seed.Context)
	}

	var n int64
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`INSERT INTO assignments (experiment_id, user_id, variant_id, version, source, context)
			 VALUES `+string(placeholders)+`
			 ON CONFLICT (experiment_id, user_id) DO UPDATE SET
				variant_id = EXCLUDED.variant_id,
				version = EXCLUDED.version,
				source = EXCLUDED.source,
				context = EXCLUDED.context,
				updated_at = now()
			 RETURNING experiment_id, user_id, assigned_at, enrolled_at`, args...)
		if err != nil {
			return translate(err, "bulk override assignments")
		}
		type written struct {
			payload model.AssignmentCreatedPayload
			key     string
		}
		var outs []written
		for rows.Next() {
			var (
				p          model.AssignmentCreatedPayload
				enrolledAt sql.NullTime
			)
			if err := rows.Scan(&p.ExperimentID, &p.UserID, &p.AssignedAt, &enrolledAt); err != nil {
				rows.Close()
				return translate(err, "scan overridden assignment")
			}
			key := model.AssignmentAggregateID(p.ExperimentID, p.UserID)
			seed := byPair[key]
			p.VariantID = seed.VariantID
			p.VariantKey = seed.VariantKey
			p.Enrolled = enrolledAt.Valid
			outs = append(outs, written{payload: p, key: key})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return translate(err, "bulk override assignments")
		}
		for _, w := range outs {
			if err := insertOutboxTx(ctx, tx, model.AggregateAssignment, w.key,
				model.OutboxAssignmentCreated, w.payload); err != nil {
				return err
			}
		}
		n = int64(len(outs))
		return nil
	})
	return n, err
}

// AssignmentRef identifies one assignment by its natural key.
type AssignmentRef struct {
	ExperimentID int64
	UserID       string
}

// BulkDeleteAssignments removes assignments by surrogate id and returns
// the natural keys of the deleted rows so callers can evict their cache
// entries.
func (s *Store) BulkDeleteAssignments(ctx context.Context, ids []int64) ([]AssignmentRef, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM assignments WHERE id = ANY($1) RETURNING experiment_id, user_id`, ids)
	if err != nil {
		return nil, translate(err, "bulk delete assignments")
	}
	defer rows.Close()

	var refs []AssignmentRef
	for rows.Next() {
		var ref AssignmentRef
		if err := rows.Scan(&ref.ExperimentID, &ref.UserID); err != nil {
			return nil, translate(err, "scan deleted assignment")
		}
		refs = append(refs, ref)
	}
	return refs, translate(rows.Err(), "bulk delete assignments")
}

// BulkUpdateEventProperties overwrites properties on the given events.
func (s *Store) BulkUpdateEventProperties(ctx context.Context, ids []string, properties model.JSONMap) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET properties = $2 WHERE id = ANY($1::uuid[])`, ids, properties)
	if err != nil {
		return 0, translate(err, "bulk update events")
	}
	n, err := res.RowsAffected()
	return n, translate(err, "bulk update events")
}

// BulkDeleteEvents removes events by id across all partitions.
func (s *Store) BulkDeleteEvents(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return 0, translate(err, "bulk delete events")
	}
	n, err := res.RowsAffected()
	return n, translate(err, "bulk delete events")
}
