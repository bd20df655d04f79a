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

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"abx/internal/experiments/fault"
)

// maxBody bounds ordinary request bodies; maxBulkBody covers event batches
// and admin bulk payloads, which legitimately run to thousands of rows.
const (
	maxBody     = 1 << 20
	maxBulkBody = 8 << 20
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	// The status line is gone by now; an encode failure can only be logged
	// by the caller's middleware.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// statusOf maps the error taxonomy onto HTTP. PreconditionFailed shares 409
// with Conflict: both mean the entity exists but refuses the request in its
// current state.
func statusOf(err error) int {
	switch fault.KindOf(err) {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Conflict, fault.PreconditionFailed:
		return http.StatusConflict
	case fault.RateLimited:
		return http.StatusTooManyRequests
	case fault.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail renders err with its mapped status. Taxonomy messages are
// caller-safe; anything internal or unclassified is masked and logged.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := statusOf(err)

	msg := "internal error"
	var fe *fault.Error
	if status < http.StatusInternalServerError && errors.As(err, &fe) {
		msg = fe.Msg
	}
	evt := s.log.Debug()
	if status >= http.StatusInternalServerError {
		evt = s.log.Error()
	}
	evt.Err(err).
		Str("request_id", requestIDFrom(r.Context())).
		Str("path", r.URL.Path).
		Msg("request failed")

	writeError(w, status, kind.String(), msg)
}

// decodeJSON reads one JSON document into dst, bounded by limit bytes.
// Unknown fields are ignored so clients can send superset payloads.
func decodeJSON(r *http.Request, dst any, limit int64) error {
	body := http.MaxBytesReader(nil, r.Body, limit)
	defer body.Close()

	dec := json.NewDecoder(body)
	err := dec.Decode(dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return fault.New(fault.Validation, "request body is empty")
	default:
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fault.New(fault.Validation, "request body exceeds %d bytes", limit)
		}
		return fault.Wrap(fault.Validation, err, "malformed json")
	}
}

// pathID parses the numeric {id} route parameter.
func pathID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fault.New(fault.Validation, "invalid id %q", raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	b, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && b
}

// queryTime parses a time parameter, accepting RFC 3339 or a bare date.
// Absent parameters come back as the zero time, which every consumer
// treats as "use the default bound".
func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fault.New(fault.Validation, "%s must be RFC 3339 or YYYY-MM-DD, got %q", name, raw)
}

// queryList reads a parameter that may repeat or arrive comma-separated.
func queryList(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
