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
	"encoding/json"

	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
)

// CreateAPIToken stores a bearer credential. The caller generates the
// secret; a duplicate token value is Conflict.
func (s *Store) CreateAPIToken(ctx context.Context, t *model.APIToken) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "encode scopes")
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO api_tokens (token, name, description, expires_at, scopes, rate_limit)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, is_active, created_at, updated_at`,
		t.Token, t.Name, t.Description, t.ExpiresAt, scopes, t.RateLimit,
	).Scan(&t.ID, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	return translate(err, "create api token")
}

func scanAPIToken(row rowScanner) (*model.APIToken, error) {
	var (
		t      model.APIToken
		scopes []byte
	)
	err := row.Scan(&t.ID, &t.Token, &t.Name, &t.Description, &t.IsActive,
		&t.ExpiresAt, &t.LastUsedAt, &scopes, &t.RateLimit, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &t.Scopes); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "decode scopes")
		}
	}
	return &t, nil
}

const apiTokenColumns = `id, token, name, COALESCE(description, ''), is_active,
	expires_at, last_used_at, scopes, rate_limit, created_at, updated_at`

// LookupAPIToken resolves an active, unexpired credential by its secret.
// Revoked or expired tokens are NotFound, indistinguishable from absent
// ones.
func (s *Store) LookupAPIToken(ctx context.Context, token string) (*model.APIToken, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiTokenColumns+` FROM api_tokens
		 WHERE token = $1 AND is_active AND (expires_at IS NULL OR expires_at > now())`,
		token)
	t, err := scanAPIToken(row)
	if err != nil {
		return nil, translate(err, "lookup api token")
	}
	return t, nil
}

// ListAPITokens returns every credential for the admin surface. Secrets are
// included; the handler decides what to redact.
func (s *Store) ListAPITokens(ctx context.Context) ([]model.APIToken, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiTokenColumns+` FROM api_tokens ORDER BY id`)
	if err != nil {
		return nil, translate(err, "list api tokens")
	}
	defer rows.Close()

	var out []model.APIToken
	for rows.Next() {
		t, err := scanAPIToken(rows)
		if err != nil {
			return nil, translate(err, "scan api token")
		}
		out = append(out, *t)
	}
	return out, translate(rows.Err(), "list api tokens")
}

// TouchAPIToken records usage; callers fire it best-effort off the hot
// path.
func (s *Store) TouchAPIToken(ctx context.Context, id int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET last_used_at = now() WHERE id = $1`, id)
	return translate(err, "touch api token")
}

// RevokeAPIToken deactivates a credential immediately and returns its
// stored secret so the caller can evict the auth cache entry.
func (s *Store) RevokeAPIToken(ctx context.Context, id int64) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var token string
	err := s.db.QueryRowContext(ctx,
		`UPDATE api_tokens SET is_active = FALSE, updated_at = now()
		 WHERE id = $1 RETURNING token`, id).Scan(&token)
	if err != nil {
		return "", translate(err, "revoke api token")
	}
	return token, nil
}
