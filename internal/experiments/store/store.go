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

// Package store is the relational persistence layer. It owns the schema,
// every SQL statement in the platform, and the translation of driver
// failures into the shared error taxonomy. All statements run under a
// deadline: the caller's, or a configured default when the caller brought
// none.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"abx/internal/experiments/fault"
)

// Store wraps the SQL connection pool.
type Store struct {
	db      *sql.DB
	timeout time.Duration
	log     zerolog.Logger
}

// Open connects to Postgres through the pgx stdlib driver.
func Open(dsn string, poolSize int, timeout time.Duration, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "open database")
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db, timeout, log), nil
}

// New wraps an existing pool; tests inject a mock through this path.
func New(db *sql.DB, timeout time.Duration, log zerolog.Logger) *Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{db: db, timeout: timeout, log: log.With().Str("component", "store").Logger()}
}

// Ping verifies connectivity; used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return fault.Wrap(fault.Unavailable, s.db.PingContext(ctx), "ping database")
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// opCtx bounds the operation with the default timeout when the caller's
// context carries no deadline.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

// withTx runs fn inside a ReadCommitted transaction, rolling back on any
// error and committing otherwise. The context handed to fn carries the
// store deadline.
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return translate(err, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate(err, "commit transaction")
	}
	return nil
}

// Postgres error codes the platform reacts to.
const (
	pgUniqueViolation = "23505"
	pgFKViolation     = "23503"
	pgCheckViolation  = "23514"
	pgUndefinedTable  = "42P01"
)

// translate maps a driver error into the taxonomy. It is the single place
// vendor errors become typed results; callers above the store never inspect
// driver errors.
func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fault.Wrap(fault.NotFound, err, "%s", op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fault.Wrap(fault.Conflict, err, "%s: duplicate", op)
		case pgFKViolation:
			return fault.Wrap(fault.Validation, err, "%s: unknown reference", op)
		case pgCheckViolation:
			return fault.Wrap(fault.Validation, err, "%s: constraint", op)
		}
		return fault.Wrap(fault.Internal, err, "%s", op)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Unavailable, err, "%s: deadline", op)
	}
	return fault.Wrap(fault.Unavailable, err, "%s", op)
}

// appendValuesRow appends one "($n+1, ..., $n+width)" placeholder group for
// a multi-row VALUES clause.
func appendValuesRow(buf []byte, offset, width int) []byte {
	buf = append(buf, '(')
	for i := 1; i <= width; i++ {
		if i > 1 {
			buf = append(buf, ',', ' ')
		}
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(offset+i), 10)
	}
	return append(buf, ')')
}
