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
	"database/sql/driver"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abx/internal/experiments/fault"
)

// pgxConverter admits the slice and map arguments the pgx stdlib driver
// takes natively (bigint[]/float8[]/text[]/uuid[] binds); sql's default
// converter would reject them before they reach the mock.
type pgxConverter struct{}

func (pgxConverter) ConvertValue(v any) (driver.Value, error) {
	if out, err := driver.DefaultParameterConverter.ConvertValue(v); err == nil {
		return out, nil
	}
	return v, nil
}

// sliceArg pins a slice-valued bind in WithArgs. Slices skip the default
// converter, so equality has to run through a custom matcher.
type sliceArg struct{ want any }

func (a sliceArg) Match(v driver.Value) bool {
	return reflect.DeepEqual(a.want, v)
}

// newMockStore wires a Store onto a sqlmock pool. Every test must drain its
// expectations; the cleanup check catches statements that never ran.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(pgxConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db, time.Second, zerolog.Nop()), mock
}

func pgError(code string) *pgconn.PgError {
	return &pgconn.PgError{Code: code, Message: "pg " + code}
}

func TestTranslateMapsDriverErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{"no rows", sql.ErrNoRows, fault.NotFound},
		{"unique violation", pgError("23505"), fault.Conflict},
		{"fk violation", pgError("23503"), fault.Validation},
		{"check violation", pgError("23514"), fault.Validation},
		{"undefined table", pgError("42P01"), fault.Internal},
		{"deadline", context.DeadlineExceeded, fault.Unavailable},
		{"canceled", context.Canceled, fault.Unavailable},
		{"unknown", errors.New("connection reset"), fault.Unavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := translate(tc.err, "op")
			assert.True(t, fault.Is(err, tc.want), "got %v", err)
			assert.ErrorIs(t, err, tc.err)
		})
	}
	assert.NoError(t, translate(nil, "op"))
}

func TestOpCtxAddsDeadlineOnlyWhenMissing(t *testing.T) {
	s := New(nil, 500*time.Millisecond, zerolog.Nop())

	ctx, cancel := s.opCtx(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(500*time.Millisecond), deadline, 100*time.Millisecond)

	parent, parentCancel := context.WithTimeout(context.Background(), time.Minute)
	defer parentCancel()
	ctx, cancel = s.opCtx(parent)
	defer cancel()
	deadline, _ = ctx.Deadline()
	parentDeadline, _ := parent.Deadline()
	assert.Equal(t, parentDeadline, deadline)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.withTx(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWithTxCommitErrorIsUnavailable(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("server closed the connection"))

	err := s.withTx(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		return nil
	})
	assert.True(t, fault.Is(err, fault.Unavailable), "got %v", err)
}
