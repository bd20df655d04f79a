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
	"errors"

	"abx/internal/experiments/model"
)

const assignmentViewColumns = `a.experiment_id, a.user_id, a.variant_id, v.key, v.is_control,
	a.assigned_at, a.enrolled_at, a.version, a.source`

// AssignmentSeed is the deterministic decision the assignment engine wants
// to persist. Under concurrency the first writer wins; later seeds for the
// same (experiment, user) are discarded and the winner is returned instead.
type AssignmentSeed struct {
	ExperimentID int64
	UserID       string
	VariantID    int64
	VariantKey   string
	IsControl    bool
	Version      int
	Source       model.Source
	Context      model.JSONMap
}

func scanAssignmentView(row rowScanner) (*model.AssignmentView, error) {
	var view model.AssignmentView
	err := row.Scan(&view.ExperimentID, &view.UserID, &view.VariantID, &view.VariantKey,
		&view.IsControl, &view.AssignedAt, &view.EnrolledAt, &view.Version, &view.Source)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// GetAssignmentView loads the persisted assignment for one (experiment,
// user) pair, joined with its variant.
func (s *Store) GetAssignmentView(ctx context.Context, experimentID int64, userID string) (*model.AssignmentView, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+assignmentViewColumns+`
		 FROM assignments a JOIN variants v ON v.id = a.variant_id
		 WHERE a.experiment_id = $1 AND a.user_id = $2`, experimentID, userID)
	view, err := scanAssignmentView(row)
	if err != nil {
		return nil, translate(err, "get assignment")
	}
	return view, nil
}

// GetAssignmentViews loads one user's assignments across many experiments
// in a single query, keyed by experiment id.
func (s *Store) GetAssignmentViews(ctx context.Context, userID string, experimentIDs []int64) (map[int64]*model.AssignmentView, error) {
	out := make(map[int64]*model.AssignmentView, len(experimentIDs))
	if len(experimentIDs) == 0 {
		return out, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assignmentViewColumns+`
		 FROM assignments a JOIN variants v ON v.id = a.variant_id
		 WHERE a.user_id = $1 AND a.experiment_id = ANY($2)`, userID, experimentIDs)
	if err != nil {
		return nil, translate(err, "get assignments")
	}
	defer rows.Close()

	for rows.Next() {
		view, err := scanAssignmentView(rows)
		if err != nil {
			return nil, translate(err, "scan assignment")
		}
		out[view.ExperimentID] = view
	}
	return out, translate(rows.Err(), "get assignments")
}

// ListUserAssignments returns every assignment a user holds.
func (s *Store) ListUserAssignments(ctx context.Context, userID string) ([]model.AssignmentView, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assignmentViewColumns+`
		 FROM assignments a JOIN variants v ON v.id = a.variant_id
		 WHERE a.user_id = $1 ORDER BY a.assigned_at DESC`, userID)
	if err != nil {
		return nil, translate(err, "list assignments")
	}
	defer rows.Close()

	var out []model.AssignmentView
	for rows.Next() {
		view, err := scanAssignmentView(rows)
		if err != nil {
			return nil, translate(err, "scan assignment")
		}
		out = append(out, *view)
	}
	return out, translate(rows.Err(), "list assignments")
}

// UpsertAssignment persists seed idempotently: INSERT .. ON CONFLICT DO
// NOTHING, then read back the winning row, which may belong to a
// concurrent writer. The variant and assigned_at of the winner never
// change afterwards. An assignment.created outbox record commits with a
// fresh insert; a late enrollment on an existing row commits with an
// assignment.enrolled record. Returns the winning view and whether this
// call created the row.
func (s *Store) UpsertAssignment(ctx context.Context, seed AssignmentSeed, enroll bool) (*model.AssignmentView, bool, error) {
	var (
		view    *model.AssignmentView
		created bool
	)
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var insertedID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO assignments (experiment_id, user_id, variant_id, version, source, context, enrolled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, CASE WHEN $7 THEN now() END)
			 ON CONFLICT (experiment_id, user_id) DO NOTHING
			 RETURNING id`,
			seed.ExperimentID, seed.UserID, seed.VariantID, seed.Version,
			string(seed.Source), seed.Context, enroll,
		).Scan(&insertedID)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, sql.ErrNoRows):
			created = false
		default:
			return translate(err, "insert assignment")
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+assignmentViewColumns+`
			 FROM assignments a JOIN variants v ON v.id = a.variant_id
			 WHERE a.experiment_id = $1 AND a.user_id = $2`,
			seed.ExperimentID, seed.UserID)
		if view, err = scanAssignmentView(row); err != nil {
			return translate(err, "read winning assignment")
		}

		if created {
			return insertOutboxTx(ctx, tx, model.AggregateAssignment,
				model.AssignmentAggregateID(view.ExperimentID, view.UserID),
				model.OutboxAssignmentCreated,
				model.AssignmentCreatedPayload{
					ExperimentID: view.ExperimentID,
					UserID:       view.UserID,
					VariantID:    view.VariantID,
					VariantKey:   view.VariantKey,
					AssignedAt:   view.AssignedAt,
					Enrolled:     view.EnrolledAt != nil,
				})
		}

		if enroll && view.EnrolledAt == nil {
			return s.enrollTx(ctx, tx, view)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return view, created, nil
}

// enrollTx stamps enrolled_at exactly once and appends the matching outbox
// record. Losing the IS NULL race means another writer enrolled first; the
// view picks up that timestamp and no duplicate record is written.
func (s *Store) enrollTx(ctx context.Context, tx *sql.Tx, view *model.AssignmentView) error {
	err := tx.QueryRowContext(ctx,
		`UPDATE assignments SET enrolled_at = now(), updated_at = now()
		 WHERE experiment_id = $1 AND user_id = $2 AND enrolled_at IS NULL
		 RETURNING enrolled_at`,
		view.ExperimentID, view.UserID,
	).Scan(&view.EnrolledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tx.QueryRowContext(ctx,
			`SELECT enrolled_at FROM assignments WHERE experiment_id = $1 AND user_id = $2`,
			view.ExperimentID, view.UserID,
		).Scan(&view.EnrolledAt)
	}
	if err != nil {
		return translate(err, "enroll assignment")
	}
	return insertOutboxTx(ctx, tx, model.AggregateAssignment,
		model.AssignmentAggregateID(view.ExperimentID, view.UserID),
		model.OutboxAssignmentEnrolled,
		model.AssignmentEnrolledPayload{
			ExperimentID: view.ExperimentID,
			UserID:       view.UserID,
			VariantID:    view.VariantID,
			EnrolledAt:   *view.EnrolledAt,
		})
}

// EnrollAssignment sets enrolled_at on an existing assignment and returns
// the refreshed view. Serves the cache-hit path where only the enrollment
// bit is missing; NotFound tells the caller to fall back to the full
// upsert.
func (s *Store) EnrollAssignment(ctx context.Context, experimentID int64, userID string) (*model.AssignmentView, error) {
	var view *model.AssignmentView
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+assignmentViewColumns+`
			 FROM assignments a JOIN variants v ON v.id = a.variant_id
			 WHERE a.experiment_id = $1 AND a.user_id = $2
			 FOR UPDATE OF a`, experimentID, userID)
		var err error
		if view, err = scanAssignmentView(row); err != nil {
			return translate(err, "enroll assignment")
		}
		if view.EnrolledAt != nil {
			return nil
		}
		return s.enrollTx(ctx, tx, view)
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// UpsertAssignmentsBulk persists many seeds with one set-oriented insert,
// appending assignment.created records only for the rows that actually
// landed. Conflicting pairs keep their existing assignment untouched.
func (s *Store) UpsertAssignmentsBulk(ctx context.Context, seeds []AssignmentSeed) (inserted int, err error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	byPair := make(map[string]AssignmentSeed, len(seeds))
	args := make([]any, 0, len(seeds)*6)
	placeholders := make([]byte, 0, len(seeds)*24)
	for i, seed := range seeds {
		byPair[model.AssignmentAggregateID(seed.ExperimentID, seed.UserID)] = seed
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = appendValuesRow(placeholders, i*6, 6)
		args = append(args, seed.ExperimentID, seed.UserID, seed.VariantID,
			seed.Version, string(seed.Source), seed.Context)
	}

	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`INSERT INTO assignments (experiment_id, user_id, variant_id, version, source, context)
			 VALUES `+string(placeholders)+`
			 ON CONFLICT (experiment_id, user_id) DO NOTHING
			 RETURNING experiment_id, user_id, assigned_at, enrolled_at`, args...)
		if err != nil {
			return translate(err, "bulk insert assignments")
		}
		type landed struct {
			payload model.AssignmentCreatedPayload
			key     string
		}
		var wins []landed
		for rows.Next() {
			var (
				p          model.AssignmentCreatedPayload
				enrolledAt sql.NullTime
			)
			if err := rows.Scan(&p.ExperimentID, &p.UserID, &p.AssignedAt, &enrolledAt); err != nil {
				rows.Close()
				return translate(err, "scan inserted assignment")
			}
			key := model.AssignmentAggregateID(p.ExperimentID, p.UserID)
			seed := byPair[key]
			p.VariantID = seed.VariantID
			p.VariantKey = seed.VariantKey
			p.Enrolled = enrolledAt.Valid
			wins = append(wins, landed{payload: p, key: key})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return translate(err, "bulk insert assignments")
		}

		for _, w := range wins {
			if err := insertOutboxTx(ctx, tx, model.AggregateAssignment, w.key,
				model.OutboxAssignmentCreated, w.payload); err != nil {
				return err
			}
		}
		inserted = len(wins)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
