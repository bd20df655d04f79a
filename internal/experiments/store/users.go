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

	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
)

const userColumns = `user_id, email, COALESCE(name, ''), properties, is_active, created_at, updated_at`

// UserPatch carries the updatable user fields; nil members are untouched.
type UserPatch struct {
	Email      *string
	Name       *string
	Properties model.JSONMap
	IsActive   *bool
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.UserID, &u.Email, &u.Name, &u.Properties, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser registers a user. Duplicate user_id or email is Conflict.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (user_id, email, name, properties)
		 VALUES ($1, $2, $3, $4)
		 RETURNING is_active, created_at, updated_at`,
		u.UserID, u.Email, u.Name, u.Properties,
	).Scan(&u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	return translate(err, "create user")
}

// GetUser loads one user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID)
	u, err := scanUser(row)
	if err != nil {
		return nil, translate(err, "get user")
	}
	return u, nil
}

// ListUsers pages through users, optionally restricted to active ones.
func (s *Store) ListUsers(ctx context.Context, activeOnly bool, limit, offset int) ([]model.User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if activeOnly {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE is_active
			 ORDER BY created_at DESC, user_id LIMIT $1 OFFSET $2`, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+userColumns+` FROM users
			 ORDER BY created_at DESC, user_id LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, translate(err, "list users")
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, translate(err, "scan user")
		}
		out = append(out, *u)
	}
	return out, translate(rows.Err(), "list users")
}

// UpdateUser patches profile fields, including reactivation via IsActive.
func (s *Store) UpdateUser(ctx context.Context, userID string, patch UserPatch) (*model.User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var props any
	if patch.Properties != nil {
		props = patch.Properties
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE users SET
			email = COALESCE($2, email),
			name = COALESCE($3, name),
			properties = COALESCE($4, properties),
			is_active = COALESCE($5, is_active),
			updated_at = now()
		 WHERE user_id = $1
		 RETURNING `+userColumns,
		userID, patch.Email, patch.Name, props, patch.IsActive)
	u, err := scanUser(row)
	if err != nil {
		return nil, translate(err, "update user")
	}
	return u, nil
}

// DeactivateUser soft-deletes: the row stays for historical joins, the user
// stops being eligible for anything new.
func (s *Store) DeactivateUser(ctx context.Context, userID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active = FALSE, updated_at = now() WHERE user_id = $1`, userID)
	if err != nil {
		return translate(err, "deactivate user")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fault.New(fault.NotFound, "user %q", userID)
	}
	return nil
}
