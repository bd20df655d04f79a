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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
)

var assignmentViewCols = []string{
	"experiment_id", "user_id", "variant_id", "key", "is_control",
	"assigned_at", "enrolled_at", "version", "source",
}

func demoSeed() AssignmentSeed {
	return AssignmentSeed{
		ExperimentID: 7,
		UserID:       "u1",
		VariantID:    71,
		VariantKey:   "control",
		IsControl:    true,
		Version:      2,
		Source:       model.SourceHash,
	}
}

func TestUpsertAssignmentFreshInsertWritesOutbox(t *testing.T) {
	s, mock := newMockStore(t)
	assignedAt := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO assignments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(501)))
	mock.ExpectQuery("FROM assignments a JOIN variants v").
		WillReturnRows(sqlmock.NewRows(assignmentViewCols).
			AddRow(int64(7), "u1", int64(71), "control", true, assignedAt, nil, 2, "hash"))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	view, created, err := s.UpsertAssignment(context.Background(), demoSeed(), false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(71), view.VariantID)
	assert.Equal(t, model.SourceHash, view.Source)
	assert.Nil(t, view.EnrolledAt)
}

// A conflicting insert keeps the first writer's variant; the caller's
// deterministic pick is discarded and no outbox record is written.
func TestUpsertAssignmentConflictReturnsWinner(t *testing.T) {
	s, mock := newMockStore(t)
	assignedAt := time.Now().UTC().Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO assignments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM assignments a JOIN variants v").
		WillReturnRows(sqlmock.NewRows(assignmentViewCols).
			AddRow(int64(7), "u1", int64(72), "blue", false, assignedAt, nil, 2, "hash"))
	mock.ExpectCommit()

	view, created, err := s.UpsertAssignment(context.Background(), demoSeed(), false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(72), view.VariantID, "winner's variant, not the seed's")
	assert.Equal(t, assignedAt, view.AssignedAt.UTC())
}

func TestUpsertAssignmentLateEnrollStampsOnce(t *testing.T) {
	s, mock := newMockStore(t)
	assignedAt := time.Now().UTC().Add(-time.Hour)
	enrolledAt := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO assignments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM assignments a JOIN variants v").
		WillReturnRows(sqlmock.NewRows(assignmentViewCols).
			AddRow(int64(7), "u1", int64(71), "control", true, assignedAt, nil, 2, "hash"))
	mock.ExpectQuery("UPDATE assignments SET enrolled_at").
		WillReturnRows(sqlmock.NewRows([]string{"enrolled_at"}).AddRow(enrolledAt))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	view, created, err := s.UpsertAssignment(context.Background(), demoSeed(), true)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, view.EnrolledAt)
	assert.Equal(t, enrolledAt, view.EnrolledAt.UTC())
}

// Losing the enrolled_at IS NULL race means another writer enrolled first:
// the view picks up that writer's timestamp and no duplicate outbox record
// is appended.
func TestUpsertAssignmentEnrollRaceLossWritesNothing(t *testing.T) {
	s, mock := newMockStore(t)
	assignedAt := time.Now().UTC().Add(-time.Hour)
	theirEnroll := time.Now().UTC().Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO assignments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM assignments a JOIN variants v").
		WillReturnRows(sqlmock.NewRows(assignmentViewCols).
			AddRow(int64(7), "u1", int64(71), "control", true, assignedAt, nil, 2, "hash"))
	mock.ExpectQuery("UPDATE assignments SET enrolled_at").
		WillReturnRows(sqlmock.NewRows([]string{"enrolled_at"}))
	mock.ExpectQuery("SELECT enrolled_at FROM assignments").
		WillReturnRows(sqlmock.NewRows([]string{"enrolled_at"}).AddRow(theirEnroll))
	mock.ExpectCommit()

	view, created, err := s.UpsertAssignment(context.Background(), demoSeed(), true)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, view.EnrolledAt)
	assert.Equal(t, theirEnroll, view.EnrolledAt.UTC())
}

func TestUpsertAssignmentUnknownUserRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO assignments").
		WillReturnError(pgError("23503"))
	mock.ExpectRollback()

	_, _, err := s.UpsertAssignment(context.Background(), demoSeed(), false)
	assert.True(t, fault.Is(err, fault.Validation), "got %v", err)
}

func TestGetAssignmentViewMissingIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM assignments a JOIN variants v").
		WithArgs(int64(7), "ghost").
		WillReturnRows(sqlmock.NewRows(assignmentViewCols))

	_, err := s.GetAssignmentView(context.Background(), 7, "ghost")
	assert.True(t, fault.Is(err, fault.NotFound), "got %v", err)
}

func TestUpsertAssignmentsBulkAppendsOutboxPerLandedRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	seeds := []AssignmentSeed{
		demoSeed(),
		{ExperimentID: 7, UserID: "u2", VariantID: 72, VariantKey: "blue", Version: 2, Source: model.SourceHash},
		{ExperimentID: 7, UserID: "u3", VariantID: 71, VariantKey: "control", Version: 2, Source: model.SourceHash},
	}

	// Three seeds, two land: u2 already held an assignment.
	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)INSERT INTO assignments.+\$18\)\s+ON CONFLICT`).
		WillReturnRows(sqlmock.NewRows([]string{"experiment_id", "user_id", "assigned_at", "enrolled_at"}).
			AddRow(int64(7), "u1", now, nil).
			AddRow(int64(7), "u3", now, nil))
	mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	inserted, err := s.UpsertAssignmentsBulk(context.Background(), seeds)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
}

func TestGetAssignmentViewsBulkUsesOneArrayQuery(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	// Experiment 999 has no row for the user; it simply stays out of the map.
	mock.ExpectQuery(`a\.user_id = \$1 AND a\.experiment_id = ANY\(\$2\)`).
		WithArgs("u1", sliceArg{[]int64{7, 8, 999}}).
		WillReturnRows(sqlmock.NewRows(assignmentViewCols).
			AddRow(int64(7), "u1", int64(71), "control", true, now, nil, 2, "hash").
			AddRow(int64(8), "u1", int64(81), "blue", false, now, nil, 1, "override"))

	views, err := s.GetAssignmentViews(context.Background(), "u1", []int64{7, 8, 999})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "control", views[7].VariantKey)
	assert.Equal(t, model.SourceOverride, views[8].Source)
}

func TestGetAssignmentViewsEmptyInputSkipsQuery(t *testing.T) {
	s, _ := newMockStore(t)

	views, err := s.GetAssignmentViews(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Empty(t, views)
}
