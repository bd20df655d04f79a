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
	"strconv"
	"strings"
	"time"

	"abx/internal/experiments/model"
)

const eventColumns = `id, experiment_id, user_id, variant_id, event_type, timestamp,
	assignment_at, properties, session_id, request_id`

const eventInsertWidth = 10

func eventInsertArgs(e *model.Event) []any {
	return []any{e.ID, e.ExperimentID, e.UserID, e.VariantID, e.EventType,
		e.Timestamp, e.AssignmentAt, e.Properties, e.SessionID, e.RequestID}
}

func eventPayload(e *model.Event, variantKey string) model.EventCreatedPayload {
	return model.EventCreatedPayload{
		ID:           e.ID.String(),
		ExperimentID: e.ExperimentID,
		UserID:       e.UserID,
		VariantID:    e.VariantID,
		VariantKey:   variantKey,
		EventType:    e.EventType,
		Timestamp:    e.Timestamp,
		AssignmentAt: e.AssignmentAt,
		Properties:   e.Properties,
		IsValid:      e.Valid(),
	}
}

// InsertEvent stores one event and its event.created outbox record in a
// single transaction. Events arriving before their assignment are stored
// all the same; read paths filter them out.
func (s *Store) InsertEvent(ctx context.Context, e *model.Event, variantKey string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (`+eventColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			eventInsertArgs(e)...)
		if err != nil {
			return translate(err, "insert event")
		}
		return insertOutboxTx(ctx, tx, model.AggregateEvent, e.ID.String(),
			model.OutboxEventCreated, eventPayload(e, variantKey))
	})
}

// InsertEventsBatch stores a batch with one multi-row insert and one
// matching outbox insert, all or nothing: a single bad row (unknown user,
// malformed reference) rolls back every event and every outbox record in
// the batch. variantKeys runs parallel to events.
func (s *Store) InsertEventsBatch(ctx context.Context, events []model.Event, variantKeys []string) error {
	if len(events) == 0 {
		return nil
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		args := make([]any, 0, len(events)*eventInsertWidth)
		placeholders := make([]byte, 0, len(events)*32)
		for i := range events {
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = appendValuesRow(placeholders, i*eventInsertWidth, eventInsertWidth)
			args = append(args, eventInsertArgs(&events[i])...)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (`+eventColumns+`) VALUES `+string(placeholders), args...)
		if err != nil {
			return translate(err, "batch insert events")
		}

		outArgs := make([]any, 0, len(events)*4)
		outPlaceholders := make([]byte, 0, len(events)*16)
		for i := range events {
			body, err := marshalPayload(eventPayload(&events[i], variantKeys[i]))
			if err != nil {
				return err
			}
			if i > 0 {
				outPlaceholders = append(outPlaceholders, ',')
			}
			outPlaceholders = appendValuesRow(outPlaceholders, i*4, 4)
			outArgs = append(outArgs, events[i].ID.String(), model.AggregateEvent,
				model.OutboxEventCreated, body)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox_events (aggregate_id, aggregate_type, event_type, payload)
			 VALUES `+string(outPlaceholders), outArgs...)
		return translate(err, "batch insert outbox records")
	})
}

// EventFilter narrows ListEvents. ExperimentID is required; zero values
// elsewhere mean "any".
type EventFilter struct {
	ExperimentID int64
	UserID       string
	EventType    string
	Start        time.Time
	End          time.Time
	Limit        int
}

// ListEvents pages recent events newest-first for debugging and export.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE experiment_id = $1`)
	args = append(args, f.ExperimentID)
	if f.UserID != "" {
		args = append(args, f.UserID)
		sb.WriteString(` AND user_id = $` + strconv.Itoa(len(args)))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		sb.WriteString(` AND event_type = $` + strconv.Itoa(len(args)))
	}
	if !f.Start.IsZero() {
		args = append(args, f.Start)
		sb.WriteString(` AND timestamp >= $` + strconv.Itoa(len(args)))
	}
	if !f.End.IsZero() {
		args = append(args, f.End)
		sb.WriteString(` AND timestamp < $` + strconv.Itoa(len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	sb.WriteString(` ORDER BY timestamp DESC LIMIT $` + strconv.Itoa(len(args)))

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, translate(err, "list events")
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		err := rows.Scan(&e.ID, &e.ExperimentID, &e.UserID, &e.VariantID, &e.EventType,
			&e.Timestamp, &e.AssignmentAt, &e.Properties, &e.SessionID, &e.RequestID)
		if err != nil {
			return nil, translate(err, "scan event")
		}
		out = append(out, e)
	}
	return out, translate(rows.Err(), "list events")
}
