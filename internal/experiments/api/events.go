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
	"errors"
	"net/http"
	"time"

	"abx/internal/experiments/fault"
	"abx/internal/experiments/ingest"
	"abx/internal/experiments/model"
	"abx/internal/experiments/store"
)

type eventRequest struct {
	ExperimentID int64         `json:"experiment_id"`
	UserID       string        `json:"user_id"`
	EventType    string        `json:"event_type"`
	Timestamp    *time.Time    `json:"timestamp"`
	Properties   model.JSONMap `json:"properties"`
	SessionID    *string       `json:"session_id"`
	RequestID    *string       `json:"request_id"`
}

func (e eventRequest) toInput() ingest.EventInput {
	in := ingest.EventInput{
		ExperimentID: e.ExperimentID,
		UserID:       e.UserID,
		EventType:    e.EventType,
		Properties:   e.Properties,
		SessionID:    e.SessionID,
		RequestID:    e.RequestID,
	}
	if e.Timestamp != nil {
		in.Timestamp = *e.Timestamp
	}
	return in
}

type batchError struct {
	Error string `json:"error"`
}

// batchResponse is the envelope for both batch outcomes. Batches land
// whole or not at all, so recorded and failed are never both nonzero.
type batchResponse struct {
	Recorded int           `json:"recorded"`
	Failed   int           `json:"failed"`
	Events   []model.Event `json:"events"`
	Errors   []batchError  `json:"errors"`
}

// handleRecordEvent accepts one event. 202: the row is committed but its
// downstream propagation (bus, rollup) is asynchronous.
func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(r, &req, maxBody); err != nil {
		s.fail(w, r, err)
		return
	}
	event, err := s.ingestor.Record(r.Context(), req.toInput())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}

type batchRequest struct {
	Events []eventRequest `json:"events"`
}

// handleRecordBatch accepts up to 1000 events that commit atomically. The
// response always carries the batch envelope: on failure nothing was
// written, so failed covers every event with one batch-level error.
func (s *Server) handleRecordBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req, maxBulkBody); err != nil {
		s.fail(w, r, err)
		return
	}
	ins := make([]ingest.EventInput, len(req.Events))
	for i := range req.Events {
		ins[i] = req.Events[i].toInput()
	}

	res, err := s.ingestor.RecordBatch(r.Context(), ins)
	if err != nil {
		msg := "batch rejected"
		var fe *fault.Error
		if statusOf(err) < http.StatusInternalServerError && errors.As(err, &fe) {
			msg = fe.Msg
		} else {
			s.log.Error().Err(err).
				Str("request_id", requestIDFrom(r.Context())).
				Int("events", len(ins)).
				Msg("batch insert failed")
		}
		writeJSON(w, statusOf(err), batchResponse{
			Recorded: 0,
			Failed:   len(req.Events),
			Events:   []model.Event{},
			Errors:   []batchError{{Error: msg}},
		})
		return
	}

	writeJSON(w, http.StatusAccepted, batchResponse{
		Recorded: res.Recorded,
		Failed:   0,
		Events:   res.Events,
		Errors:   []batchError{},
	})
}

// handleListEvents pages an experiment's raw events newest-first, the
// debugging and export surface.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	exp, err := s.loadExperiment(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f := store.EventFilter{
		ExperimentID: exp.ID,
		UserID:       r.URL.Query().Get("user_id"),
		EventType:    r.URL.Query().Get("event_type"),
		Limit:        queryInt(r, "limit", 100),
	}
	if f.Start, err = queryTime(r, "start"); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.End, err = queryTime(r, "end"); err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.directory.ListEvents(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"experiment_id": exp.ID,
		"events":        events,
		"count":         len(events),
	})
}
