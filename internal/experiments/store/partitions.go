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
	"fmt"
	"regexp"
	"strconv"
	"time"

	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
)

// EventPartition is one monthly child of the events table. Its range is
// encoded in the name: events_y2026m03 covers March 2026 in UTC.
type EventPartition struct {
	Name string
	From time.Time
	To   time.Time
}

var partitionNameRe = regexp.MustCompile(`^events_y(\d{4})m(\d{2})$`)

func partitionName(month time.Time) string {
	return fmt.Sprintf("events_y%04dm%02d", month.Year(), int(month.Month()))
}

func parsePartitionName(name string) (time.Time, bool) {
	m := partitionNameRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(m[1])
	mon, _ := strconv.Atoi(m[2])
	if mon < 1 || mon > 12 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(mon), 1, 0, 0, 0, 0, time.UTC), true
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EnsureEventPartitions creates the partition for the month containing now
// plus the next ahead months, returning the names it actually created.
// Bounds are written with an explicit UTC offset so the session timezone
// cannot shift a partition edge. The four secondary indexes come from the
// partitioned indexes on the parent; children inherit them on creation.
func (s *Store) EnsureEventPartitions(ctx context.Context, now time.Time, ahead int) ([]string, error) {
	existing, err := s.ListEventPartitions(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, p := range existing {
		have[p.Name] = true
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var created []string
	start := monthStart(now)
	for i := 0; i <= ahead; i++ {
		month := start.AddDate(0, i, 0)
		name := partitionName(month)
		if have[name] {
			continue
		}
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF events FOR VALUES FROM ('%s') TO ('%s')`,
			name,
			month.Format("2006-01-02 15:04:05+00"),
			month.AddDate(0, 1, 0).Format("2006-01-02 15:04:05+00"))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return created, translate(err, "create partition "+name)
		}
		created = append(created, name)
	}
	return created, nil
}

// ListEventPartitions returns the current children of the events table,
// oldest first. Children whose names do not follow the monthly scheme are
// ignored; the manager never touches tables it did not create.
func (s *Store) ListEventPartitions(ctx context.Context) ([]EventPartition, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'events'
		ORDER BY c.relname`)
	if err != nil {
		return nil, translate(err, "list partitions")
	}
	defer rows.Close()

	var out []EventPartition
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, translate(err, "scan partition name")
		}
		month, ok := parsePartitionName(name)
		if !ok {
			continue
		}
		out = append(out, EventPartition{Name: name, From: month, To: month.AddDate(0, 1, 0)})
	}
	return out, translate(rows.Err(), "list partitions")
}

// UnconsumedOutboxInRange counts outbox rows carrying events timestamped in
// [from, to) that the rollup has not folded in yet: unpublished rows and
// published rows beyond the cursor. Rows already purged pass by
// construction, because the purge never runs ahead of the cursor.
func (s *Store) UnconsumedOutboxInRange(ctx context.Context, from, to time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM outbox_events
		WHERE aggregate_type = $1
		  AND (processed_at IS NULL
		       OR id > (SELECT last_outbox_id FROM rollup_cursor WHERE id = 1))
		  AND (payload->>'timestamp')::timestamptz >= $2
		  AND (payload->>'timestamp')::timestamptz < $3`,
		model.AggregateEvent, from, to).Scan(&n)
	return n, translate(err, "count unconsumed outbox")
}

// RollupCoversRange reports whether every metric-valid event in [from, to)
// has its cell present in events_rollup. It is the export-before-drop
// check, so it probes the destination directly instead of trusting cursor
// progress; the inner lookup is a primary-key probe per candidate row.
func (s *Store) RollupCoversRange(ctx context.Context, from, to time.Time) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var covered bool
	err := s.db.QueryRowContext(ctx, `
		SELECT NOT EXISTS (
			SELECT 1
			FROM events e
			WHERE e.timestamp >= $1 AND e.timestamp < $2
			  AND e.variant_id IS NOT NULL
			  AND e.assignment_at IS NOT NULL AND e.timestamp >= e.assignment_at
			  AND NOT EXISTS (
				SELECT 1 FROM events_rollup r
				WHERE r.experiment_id = e.experiment_id
				  AND r.variant_id = e.variant_id
				  AND r.day = (e.timestamp AT TIME ZONE 'UTC')::date
				  AND r.event_type = e.event_type
			  )
		)`, from, to).Scan(&covered)
	return covered, translate(err, "check rollup coverage")
}

// DropEventPartition removes one monthly partition. The drop takes a brief
// exclusive lock on the events parent, so the manager runs it off-peak on
// its daily tick.
func (s *Store) DropEventPartition(ctx context.Context, name string) error {
	if !partitionNameRe.MatchString(name) {
		return fault.New(fault.Validation, "not an event partition: %q", name)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+name); err != nil {
		return translate(err, "drop partition "+name)
	}
	return nil
}
