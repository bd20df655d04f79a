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
	"math"
	"time"

	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
)

const experimentColumns = `id, key, name, COALESCE(description, ''), status, seed, version, config, starts_at, ends_at, created_at, updated_at`

const variantColumns = `id, experiment_id, key, name, COALESCE(description, ''), allocation_pct, is_control, config`

// allocationEpsilon absorbs float64 representation error when checking that
// allocations sum to 100.
const allocationEpsilon = 1e-9

// ExperimentPatch carries the updatable experiment fields. Nil members are
// left untouched.
type ExperimentPatch struct {
	Name        *string
	Description *string
	Config      model.JSONMap
	StartsAt    *time.Time
	EndsAt      *time.Time
}

// Allocation is one variant's traffic share, used when rebalancing a live
// experiment.
type Allocation struct {
	VariantID     int64   `json:"variant_id"`
	AllocationPct float64 `json:"allocation_pct"`
}

// CreateExperiment inserts the experiment and its variants in one
// transaction and fills in the generated identifiers. A duplicate
// experiment key or duplicate variant key surfaces as Conflict.
func (s *Store) CreateExperiment(ctx context.Context, exp *model.Experiment) error {
	if exp.Status == "" {
		exp.Status = model.StatusDraft
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO experiments (key, name, description, status, seed, config, starts_at, ends_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id, version, created_at, updated_at`,
			exp.Key, exp.Name, exp.Description, string(exp.Status), exp.Seed, exp.Config, exp.StartsAt, exp.EndsAt,
		).Scan(&exp.ID, &exp.Version, &exp.CreatedAt, &exp.UpdatedAt)
		if err != nil {
			return translate(err, "create experiment")
		}
		for i := range exp.Variants {
			v := &exp.Variants[i]
			v.ExperimentID = exp.ID
			err := tx.QueryRowContext(ctx,
				`INSERT INTO variants (experiment_id, key, name, description, allocation_pct, is_control, config)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 RETURNING id`,
				v.ExperimentID, v.Key, v.Name, v.Description, v.AllocationPct, v.IsControl, v.Config,
			).Scan(&v.ID)
			if err != nil {
				return translate(err, "create variant")
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*model.Experiment, error) {
	var exp model.Experiment
	err := row.Scan(&exp.ID, &exp.Key, &exp.Name, &exp.Description, &exp.Status, &exp.Seed,
		&exp.Version, &exp.Config, &exp.StartsAt, &exp.EndsAt, &exp.CreatedAt, &exp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

func scanVariant(row rowScanner) (model.Variant, error) {
	var v model.Variant
	err := row.Scan(&v.ID, &v.ExperimentID, &v.Key, &v.Name, &v.Description,
		&v.AllocationPct, &v.IsControl, &v.Config)
	return v, err
}

// GetExperiment loads one experiment with its variants, ordered by variant
// id so allocation ranges are stable.
func (s *Store) GetExperiment(ctx context.Context, id int64) (*model.Experiment, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id)
	exp, err := scanExperiment(row)
	if err != nil {
		return nil, translate(err, "get experiment")
	}
	if exp.Variants, err = s.variantsFor(ctx, exp.ID); err != nil {
		return nil, err
	}
	return exp, nil
}

// GetExperimentByKey is GetExperiment addressed by the human-readable key.
func (s *Store) GetExperimentByKey(ctx context.Context, key string) (*model.Experiment, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE key = $1`, key)
	exp, err := scanExperiment(row)
	if err != nil {
		return nil, translate(err, "get experiment by key")
	}
	if exp.Variants, err = s.variantsFor(ctx, exp.ID); err != nil {
		return nil, err
	}
	return exp, nil
}

func (s *Store) variantsFor(ctx context.Context, experimentID int64) ([]model.Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE experiment_id = $1 ORDER BY id`, experimentID)
	if err != nil {
		return nil, translate(err, "list variants")
	}
	defer rows.Close()

	var out []model.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, translate(err, "scan variant")
		}
		out = append(out, v)
	}
	return out, translate(rows.Err(), "list variants")
}

// ListExperiments returns experiments newest-first, optionally filtered by
// status, with variants attached.
func (s *Store) ListExperiments(ctx context.Context, status model.Status, limit, offset int) ([]model.Experiment, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+experimentColumns+` FROM experiments WHERE status = $1
			 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
			string(status), limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+experimentColumns+` FROM experiments
			 ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, translate(err, "list experiments")
	}
	defer rows.Close()

	var out []model.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, translate(err, "scan experiment")
		}
		out = append(out, *exp)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list experiments")
	}

	for i := range out {
		if out[i].Variants, err = s.variantsFor(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateExperimentMeta patches name, description, config and the scheduling
// window. Archived experiments reject writes with PreconditionFailed.
func (s *Store) UpdateExperimentMeta(ctx context.Context, id int64, patch ExperimentPatch) (*model.Experiment, error) {
	var exp *model.Experiment
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM experiments WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			return translate(err, "update experiment")
		}
		if status == string(model.StatusArchived) {
			return fault.New(fault.PreconditionFailed, "experiment %d is archived", id)
		}

		var cfg any
		if patch.Config != nil {
			cfg = patch.Config
		}
		row := tx.QueryRowContext(ctx,
			`UPDATE experiments SET
				name = COALESCE($2, name),
				description = COALESCE($3, description),
				config = COALESCE($4, config),
				starts_at = COALESCE($5, starts_at),
				ends_at = COALESCE($6, ends_at),
				updated_at = now()
			 WHERE id = $1
			 RETURNING `+experimentColumns,
			id, patch.Name, patch.Description, cfg, patch.StartsAt, patch.EndsAt)
		exp, err = scanExperiment(row)
		return translate(err, "update experiment")
	})
	if err != nil {
		return nil, err
	}
	if exp.Variants, err = s.variantsFor(ctx, exp.ID); err != nil {
		return nil, err
	}
	return exp, nil
}

// UpdateVariantAllocations rebalances traffic across existing variants and
// bumps the experiment version so cached assignments and results invalidate.
// Outside draft the resulting allocations must still sum to 100 with exactly
// one control; drafts are validated at activation instead. Persisted
// assignments are never reshuffled.
func (s *Store) UpdateVariantAllocations(ctx context.Context, experimentID int64, allocs []Allocation) (int, error) {
	if len(allocs) == 0 {
		return 0, fault.New(fault.Validation, "no allocations given")
	}
	ids := make([]int64, len(allocs))
	pcts := make([]float64, len(allocs))
	for i, a := range allocs {
		if a.AllocationPct < 0 || a.AllocationPct > 100 {
			return 0, fault.New(fault.Validation, "allocation_pct %v out of range", a.AllocationPct)
		}
		ids[i] = a.VariantID
		pcts[i] = a.AllocationPct
	}

	var version int
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM experiments WHERE id = $1 FOR UPDATE`, experimentID).Scan(&status)
		if err != nil {
			return translate(err, "update allocations")
		}
		if status == string(model.StatusArchived) {
			return fault.New(fault.PreconditionFailed, "experiment %d is archived", experimentID)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE variants v SET allocation_pct = u.pct
			 FROM (SELECT unnest($2::bigint[]) AS id, unnest($3::float8[]) AS pct) u
			 WHERE v.id = u.id AND v.experiment_id = $1`,
			experimentID, ids, pcts)
		if err != nil {
			return translate(err, "update allocations")
		}
		if n, err := res.RowsAffected(); err == nil && n != int64(len(allocs)) {
			return fault.New(fault.Validation, "allocation references a variant outside experiment %d", experimentID)
		}

		if status != string(model.StatusDraft) {
			if err := checkAllocationInvariants(ctx, tx, experimentID); err != nil {
				return err
			}
		}

		err = tx.QueryRowContext(ctx,
			`UPDATE experiments SET version = version + 1, updated_at = now()
			 WHERE id = $1 RETURNING version`, experimentID).Scan(&version)
		return translate(err, "bump version")
	})
	return version, err
}

func checkAllocationInvariants(ctx context.Context, tx *sql.Tx, experimentID int64) error {
	var (
		sum      float64
		controls int
		total    int
	)
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(allocation_pct), 0),
		        COUNT(*) FILTER (WHERE is_control),
		        COUNT(*)
		 FROM variants WHERE experiment_id = $1`, experimentID).Scan(&sum, &controls, &total)
	if err != nil {
		return translate(err, "check allocations")
	}
	if total == 0 {
		return fault.New(fault.Validation, "experiment %d has no variants", experimentID)
	}
	if math.Abs(sum-100) > allocationEpsilon {
		return fault.New(fault.Validation, "allocations sum to %v, want 100", sum)
	}
	if controls != 1 {
		return fault.New(fault.Validation, "experiment %d has %d control variants, want exactly 1", experimentID, controls)
	}
	return nil
}

// ActivateExperiment moves a draft or paused experiment to active after
// validating the allocation invariants, bumping the version. Activating an
// already-active experiment is a no-op that reports the current version.
func (s *Store) ActivateExperiment(ctx context.Context, id int64) (int, error) {
	var version int
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status, version FROM experiments WHERE id = $1 FOR UPDATE`, id).Scan(&status, &version)
		if err != nil {
			return translate(err, "activate experiment")
		}
		switch model.Status(status) {
		case model.StatusActive:
			return nil
		case model.StatusDraft, model.StatusPaused:
		default:
			return fault.New(fault.PreconditionFailed, "cannot activate %s experiment %d", status, id)
		}

		if err := checkAllocationInvariants(ctx, tx, id); err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx,
			`UPDATE experiments SET status = 'active', version = version + 1,
				starts_at = COALESCE(starts_at, now()), updated_at = now()
			 WHERE id = $1 RETURNING version`, id).Scan(&version)
		return translate(err, "activate experiment")
	})
	return version, err
}

// PauseExperiment stops new assignments. Only an active experiment can
// pause; the version is not bumped because sticky assignments stay valid.
func (s *Store) PauseExperiment(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM experiments WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			return translate(err, "pause experiment")
		}
		if model.Status(status) != model.StatusActive {
			return fault.New(fault.PreconditionFailed, "cannot pause %s experiment %d", status, id)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE experiments SET status = 'paused', updated_at = now() WHERE id = $1`, id)
		return translate(err, "pause experiment")
	})
}

// ArchiveExperiment soft-deletes: data stays readable for historical
// queries, all writes stop. Archiving twice is a no-op.
func (s *Store) ArchiveExperiment(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM experiments WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			return translate(err, "archive experiment")
		}
		if model.Status(status) == model.StatusArchived {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE experiments SET status = 'archived', ends_at = COALESCE(ends_at, now()),
				updated_at = now() WHERE id = $1`, id)
		return translate(err, "archive experiment")
	})
}

// DeleteExperiment hard-deletes the experiment and everything hanging off
// it. Events and rollup slices carry no FK to experiments, so they are
// removed explicitly; variants and assignments cascade.
func (s *Store) DeleteExperiment(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM experiments WHERE id = $1 FOR UPDATE`, id).Scan(&exists)
		if err != nil {
			return translate(err, "delete experiment")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE experiment_id = $1`, id); err != nil {
			return translate(err, "delete events")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events_rollup WHERE experiment_id = $1`, id); err != nil {
			return translate(err, "delete rollup")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events_rollup_users WHERE experiment_id = $1`, id); err != nil {
			return translate(err, "delete rollup users")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = $1`, id); err != nil {
			return translate(err, "delete experiment")
		}
		return nil
	})
}
