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

// Package model holds the domain entities shared by the storage, assignment,
// ingestion, analytics and API layers. Field names mirror the relational
// schema; JSON tags mirror the wire format.
package model

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the experiment lifecycle state.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// Valid reports whether s is one of the lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusArchived:
		return true
	}
	return false
}

// Source records how an assignment came to be. Hash is the deterministic
// path; override and forced are administrative and only reachable through
// the bulk writer.
type Source string

const (
	SourceHash     Source = "hash"
	SourceOverride Source = "override"
	SourceForced   Source = "forced"
)

// Aggregate types and domain event types carried by outbox records.
const (
	AggregateAssignment = "assignment"
	AggregateEvent      = "event"

	OutboxAssignmentCreated  = "assignment.created"
	OutboxAssignmentEnrolled = "assignment.enrolled"
	OutboxEventCreated       = "event.created"
)

// Well-known event types. event_type is an open set; these two carry
// special meaning (exposure auto-enrolls, conversion feeds conversion_rate).
const (
	EventTypeExposure   = "exposure"
	EventTypeConversion = "conversion"
)

// JSONMap is a free-form JSON object stored in a jsonb column.
type JSONMap map[string]any

// Value implements driver.Valuer. A nil map persists as an empty object so
// columns can stay NOT NULL.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for jsonb columns.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("jsonb scan: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Experiment is an A/B/n test definition. The seed is fixed at creation and
// feeds the deterministic hasher; the version bumps on activation and on
// allocation edits so downstream caches can invalidate.
type Experiment struct {
	ID          int64      `json:"id"`
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Seed        string     `json:"seed"`
	Version     int        `json:"version"`
	Config      JSONMap    `json:"config"`
	StartsAt    *time.Time `json:"starts_at,omitempty"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Variants []Variant `json:"variants,omitempty"`
}

// ControlVariant returns the control variant, if loaded.
func (e *Experiment) ControlVariant() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	return nil
}

// Variant is one arm of an experiment.
type Variant struct {
	ID            int64   `json:"id"`
	ExperimentID  int64   `json:"experiment_id"`
	Key           string  `json:"key"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	AllocationPct float64 `json:"allocation_pct"`
	IsControl     bool    `json:"is_control"`
	Config        JSONMap `json:"config"`
}

// User is an end user eligible for assignment. Soft delete flips IsActive.
type User struct {
	UserID     string    `json:"user_id"`
	Email      *string   `json:"email,omitempty"`
	Name       string    `json:"name,omitempty"`
	Properties JSONMap   `json:"properties"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Assignment is the persisted decision that a user belongs to a variant.
// (experiment_id, user_id) is unique; for source=hash the variant and
// assigned_at never change once written.
type Assignment struct {
	ID           int64      `json:"id"`
	ExperimentID int64      `json:"experiment_id"`
	UserID       string     `json:"user_id"`
	VariantID    int64      `json:"variant_id"`
	Version      int        `json:"version"`
	Source       Source     `json:"source"`
	Context      JSONMap    `json:"context,omitempty"`
	AssignedAt   time.Time  `json:"assigned_at"`
	EnrolledAt   *time.Time `json:"enrolled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AssignmentView is the caller-facing shape of an assignment, joined with
// the variant it points at. This is also the value cached under the
// assignment cache key.
type AssignmentView struct {
	ExperimentID int64      `json:"experiment_id"`
	UserID       string     `json:"user_id"`
	VariantID    int64      `json:"variant_id"`
	VariantKey   string     `json:"variant_key"`
	IsControl    bool       `json:"is_control"`
	AssignedAt   time.Time  `json:"assigned_at"`
	EnrolledAt   *time.Time `json:"enrolled_at,omitempty"`
	Version      int        `json:"version"`
	Source       Source     `json:"source"`
}

// Event is a behavioral observation. The variant and assignment time are
// denormalized from the assignment at write time so reads never join.
type Event struct {
	ID           uuid.UUID  `json:"id"`
	ExperimentID int64      `json:"experiment_id"`
	UserID       string     `json:"user_id"`
	VariantID    *int64     `json:"variant_id,omitempty"`
	EventType    string     `json:"event_type"`
	Timestamp    time.Time  `json:"timestamp"`
	AssignmentAt *time.Time `json:"assignment_at,omitempty"`
	Properties   JSONMap    `json:"properties"`
	SessionID    *string    `json:"session_id,omitempty"`
	RequestID    *string    `json:"request_id,omitempty"`
}

// Valid reports whether the event counts toward metrics: it must carry an
// assignment timestamp no later than its own. Equal timestamps are valid.
func (e *Event) Valid() bool {
	return e.AssignmentAt != nil && !e.Timestamp.Before(*e.AssignmentAt)
}

// OutboxRecord is one change-data-capture row. It is written in the same
// transaction as the domain row it describes and its payload is
// self-contained: consumers never re-read domain tables.
type OutboxRecord struct {
	ID            int64           `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// APIToken is a bearer credential with scopes and a per-token rate limit.
type APIToken struct {
	ID          int64      `json:"id"`
	Token       string     `json:"token,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	IsActive    bool       `json:"is_active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Scopes      []string   `json:"scopes"`
	RateLimit   *int       `json:"rate_limit,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HasScope reports whether the token carries the scope, honoring the
// wildcard scope "admin".
func (t *APIToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope || s == "admin" {
			return true
		}
	}
	return false
}

// TokenSecretPrefix marks minted bearer secrets so leaked credentials are
// recognizable in scanners and logs.
const TokenSecretPrefix = "abx_"

// TokenDigest is the at-rest form of a bearer secret. Only the digest is
// stored and cached; the plaintext exists in the mint response and nowhere
// else.
func TokenDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// NewTokenSecret generates a fresh bearer secret.
func NewTokenSecret() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return TokenSecretPrefix + hex.EncodeToString(buf[:]), nil
}
