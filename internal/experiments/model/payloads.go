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

package model

import (
	"strconv"
	"time"
)

// Outbox payloads are self-contained snapshots: bus consumers and the
// rollup builder read them without touching domain tables.

// AssignmentCreatedPayload is the body of an assignment.created record.
type AssignmentCreatedPayload struct {
	ExperimentID int64     `json:"experiment_id"`
	UserID       string    `json:"user_id"`
	VariantID    int64     `json:"variant_id"`
	VariantKey   string    `json:"variant_key"`
	AssignedAt   time.Time `json:"assigned_at"`
	Enrolled     bool      `json:"enrolled"`
}

// AssignmentEnrolledPayload is the body of an assignment.enrolled record,
// emitted when a pre-existing assignment gains its enrollment timestamp.
type AssignmentEnrolledPayload struct {
	ExperimentID int64     `json:"experiment_id"`
	UserID       string    `json:"user_id"`
	VariantID    int64     `json:"variant_id"`
	EnrolledAt   time.Time `json:"enrolled_at"`
}

// EventCreatedPayload is the body of an event.created record.
type EventCreatedPayload struct {
	ID           string     `json:"id"`
	ExperimentID int64      `json:"experiment_id"`
	UserID       string     `json:"user_id"`
	VariantID    *int64     `json:"variant_id"`
	VariantKey   string     `json:"variant_key,omitempty"`
	EventType    string     `json:"event_type"`
	Timestamp    time.Time  `json:"timestamp"`
	AssignmentAt *time.Time `json:"assignment_at"`
	Properties   JSONMap    `json:"properties"`
	IsValid      bool       `json:"is_valid"`
}

// AssignmentAggregateID is the outbox aggregate key for an assignment, so
// all records about one (experiment, user) pair land on one bus partition.
func AssignmentAggregateID(experimentID int64, userID string) string {
	return strconv.FormatInt(experimentID, 10) + ":" + userID
}
