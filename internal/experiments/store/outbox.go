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

func marshalPayload(payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, translate(err, "encode outbox payload")
	}
	return body, nil
}

// insertOutboxTx appends one change-data-capture row inside the caller's
// transaction. Every domain write that must reach the bus goes through
// here so the outbox row commits or aborts with the domain row.
func insertOutboxTx(ctx context.Context, tx *sql.Tx, aggregateType, aggregateID, eventType string, payload any) error {
	body, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_events (aggregate_id, aggregate_type, event_type, payload)
		 VALUES ($1, $2, $3, $4)`,
		aggregateID, aggregateType, eventType, body)
	return translate(err, "insert outbox record")
}

// DrainOutbox leases up to limit unprocessed records in id order and hands
// them to publish inside the lease transaction. SKIP LOCKED keeps
// concurrent publishers off each other's rows; a crash before commit
// releases the lease and the rows are retried, so delivery is
// at-least-once. The publish callback returns the ids that reached the bus
// (a prefix of the batch, preserving per-aggregate order); only those are
// stamped processed. The publish error, if any, is returned after the
// stamped prefix commits.
func (s *Store) DrainOutbox(ctx context.Context, limit int, publish func(ctx context.Context, recs []model.OutboxRecord) ([]int64, error)) (int, error) {
	published := 0
	var pubErr error
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, aggregate_id, aggregate_type, event_type, payload, created_at
			 FROM outbox_events
			 WHERE processed_at IS NULL
			 ORDER BY id ASC
			 LIMIT $1
			 FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return translate(err, "lease outbox")
		}
		var recs []model.OutboxRecord
		for rows.Next() {
			var rec model.OutboxRecord
			if err := rows.Scan(&rec.ID, &rec.AggregateID, &rec.AggregateType, &rec.EventType, &rec.Payload, &rec.CreatedAt); err != nil {
				rows.Close()
				return translate(err, "scan outbox record")
			}
			recs = append(recs, rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return translate(err, "lease outbox")
		}
		if len(recs) == 0 {
			return nil
		}

		var ids []int64
		ids, pubErr = publish(ctx, recs)
		if len(ids) == 0 {
			return pubErr
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_events SET processed_at = now() WHERE id = ANY($1)`, ids); err != nil {
			return translate(err, "mark outbox processed")
		}
		published = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, pubErr
}

// OutboxBacklog counts unpublished records; exported as a gauge.
func (s *Store) OutboxBacklog(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE processed_at IS NULL`).Scan(&n)
	return n, translate(err, "count outbox backlog")
}

// PurgeProcessedOutbox deletes published records older than the cutoff,
// but never past the rollup cursor: slices are recomputed from rows the
// cursor has not consumed yet.
func (s *Store) PurgeProcessedOutbox(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_events
		 WHERE processed_at IS NOT NULL
		   AND processed_at < $1
		   AND id <= (SELECT last_outbox_id FROM rollup_cursor WHERE id = 1)`, before)
	if err != nil {
		return 0, translate(err, "purge outbox")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, translate(err, "purge outbox")
	}
	return n, nil
}
