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

// Package fault defines the error taxonomy shared by the platform. Storage
// and cache adapters translate driver failures into one of these kinds
// exactly once, at the boundary; everything above matches on the kind and
// never on vendor error strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind uint8

const (
	Unknown Kind = iota
	// Validation is a bad input shape or business-rule violation. Never
	// retried.
	Validation
	// NotFound is a missing experiment, variant, user, assignment or event.
	NotFound
	// Conflict is a uniqueness violation on create or a stale version on a
	// state transition.
	Conflict
	// PreconditionFailed means the entity exists but is in the wrong state,
	// e.g. assignment requested on a non-Active experiment.
	PreconditionFailed
	// Unavailable is a transient database or bus outage. Safe to retry.
	Unavailable
	// Degraded marks a cache outage that was absorbed. Reads served from
	// the store succeed with this kind attached for observability only.
	Degraded
	// Internal is an invariant breach, e.g. a bucket with no owning variant.
	Internal
	// RateLimited is surfaced by the rate-limiting middleware.
	RateLimited
)

var kindNames = map[Kind]string{
	Unknown:            "unknown",
	Validation:         "validation",
	NotFound:           "not_found",
	Conflict:           "conflict",
	PreconditionFailed: "precondition_failed",
	Unavailable:        "unavailable",
	Degraded:           "degraded",
	Internal:           "internal",
	RateLimited:        "rate_limited",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error carries a kind, a caller-safe message, and an optional wrapped
// cause. The cause is for logs; Msg is what handlers may expose.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause. A nil cause
// returns nil so call sites can wrap unconditionally.
func Wrap(k Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from anywhere in the chain. Untyped errors
// report Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether the error chain carries the given kind.
func Is(err error, k Kind) bool { return KindOf(err) == k }
