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
)

// schemaStatements is the bootstrap DDL, idempotent by construction. The
// events table is range-partitioned by timestamp; its partitions are
// managed at runtime (internal/experiments/partition), so none are created
// here. Indexes on events are partitioned indexes: children inherit them.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS experiments (
		id          BIGSERIAL PRIMARY KEY,
		key         VARCHAR(255) NOT NULL UNIQUE,
		name        VARCHAR(255) NOT NULL,
		description TEXT,
		status      VARCHAR(20) NOT NULL DEFAULT 'draft'
			CHECK (status IN ('draft', 'active', 'paused', 'archived')),
		seed        VARCHAR(255) NOT NULL,
		version     INTEGER NOT NULL DEFAULT 1,
		config      JSONB NOT NULL DEFAULT '{}',
		starts_at   TIMESTAMPTZ,
		ends_at     TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_experiment_status ON experiments (status)`,

	`CREATE TABLE IF NOT EXISTS users (
		user_id    VARCHAR(255) PRIMARY KEY,
		email      VARCHAR(255) UNIQUE,
		name       VARCHAR(255),
		properties JSONB NOT NULL DEFAULT '{}',
		is_active  BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_active ON users (is_active)`,

	`CREATE TABLE IF NOT EXISTS variants (
		id             BIGSERIAL PRIMARY KEY,
		experiment_id  BIGINT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
		key            VARCHAR(255) NOT NULL,
		name           VARCHAR(255) NOT NULL,
		description    TEXT,
		allocation_pct DOUBLE PRECISION NOT NULL DEFAULT 0
			CHECK (allocation_pct >= 0 AND allocation_pct <= 100),
		is_control     BOOLEAN NOT NULL DEFAULT FALSE,
		config         JSONB NOT NULL DEFAULT '{}',
		UNIQUE (experiment_id, key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_variant_experiment ON variants (experiment_id)`,

	`CREATE TABLE IF NOT EXISTS assignments (
		id            BIGSERIAL PRIMARY KEY,
		experiment_id BIGINT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
		user_id       VARCHAR(255) NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		variant_id    BIGINT NOT NULL REFERENCES variants(id) ON DELETE CASCADE,
		version       INTEGER NOT NULL,
		source        VARCHAR(50) NOT NULL DEFAULT 'hash',
		context       JSONB NOT NULL DEFAULT '{}',
		assigned_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		enrolled_at   TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (experiment_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignment_user ON assignments (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_assignment_time ON assignments (assigned_at)`,

	`CREATE TABLE IF NOT EXISTS events (
		id            UUID NOT NULL,
		experiment_id BIGINT NOT NULL,
		user_id       VARCHAR(255) NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		variant_id    BIGINT,
		event_type    VARCHAR(50) NOT NULL,
		timestamp     TIMESTAMPTZ NOT NULL,
		assignment_at TIMESTAMPTZ,
		properties    JSONB NOT NULL DEFAULT '{}',
		session_id    VARCHAR(255),
		request_id    VARCHAR(255),
		PRIMARY KEY (id, timestamp)
	) PARTITION BY RANGE (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_experiment_time ON events (experiment_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_user_time ON events (user_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_type_time ON events (event_type, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_properties ON events USING gin (properties)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_id   VARCHAR(255) NOT NULL,
		aggregate_type VARCHAR(50) NOT NULL,
		event_type     VARCHAR(50) NOT NULL,
		payload        JSONB NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox_events (processed_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox_events (aggregate_type, aggregate_id)`,

	`CREATE TABLE IF NOT EXISTS api_tokens (
		id           BIGSERIAL PRIMARY KEY,
		token        VARCHAR(255) NOT NULL UNIQUE,
		name         VARCHAR(255) NOT NULL,
		description  TEXT,
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at   TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ,
		scopes       JSONB NOT NULL DEFAULT '[]',
		rate_limit   INTEGER,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_token_active ON api_tokens (is_active, expires_at)`,

	`CREATE TABLE IF NOT EXISTS events_rollup (
		experiment_id    BIGINT NOT NULL,
		variant_id       BIGINT NOT NULL,
		day              DATE NOT NULL,
		event_type       VARCHAR(50) NOT NULL,
		uniq_users_state BIGINT NOT NULL DEFAULT 0,
		event_count      BIGINT NOT NULL DEFAULT 0,
		conversions      BIGINT NOT NULL DEFAULT 0,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (experiment_id, variant_id, day, event_type)
	)`,

	`CREATE TABLE IF NOT EXISTS events_rollup_users (
		experiment_id BIGINT NOT NULL,
		variant_id    BIGINT NOT NULL,
		day           DATE NOT NULL,
		event_type    VARCHAR(50) NOT NULL,
		user_id       VARCHAR(255) NOT NULL,
		event_count   BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (experiment_id, variant_id, day, event_type, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS rollup_cursor (
		id             SMALLINT PRIMARY KEY CHECK (id = 1),
		last_outbox_id BIGINT NOT NULL DEFAULT 0
	)`,
	`INSERT INTO rollup_cursor (id, last_outbox_id) VALUES (1, 0) ON CONFLICT DO NOTHING`,
}

// EnsureSchema creates every table and index the platform needs. It is safe
// to run on every startup. Event partitions are not created here; the
// partition manager takes care of those before the API starts serving.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return translate(err, "ensure schema")
			}
		}
		return nil
	})
}
