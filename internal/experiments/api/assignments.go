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
	"net/http"

	"github.com/go-chi/chi/v5"

	"abx/internal/experiments/assign"
	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
)

// maxBulkExperiments bounds one bulk assignment call; a page load asking
// for more than this is a client bug, not a use case.
const maxBulkExperiments = 100

// handleGetAssignment returns the caller's variant, creating the
// assignment on first sight when the experiment is active. The same URL
// answers identically forever after.
func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		s.fail(w, r, fault.New(fault.Validation, "user_id is required"))
		return
	}
	exp, err := s.loadExperiment(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.assigner.GetOrAssign(r.Context(), exp, userID, assign.Options{
		Enroll:       queryBool(r, "enroll"),
		ForceRefresh: queryBool(r, "force_refresh"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type bulkAssignmentRequest struct {
	UserID        string  `json:"user_id"`
	ExperimentIDs []int64 `json:"experiment_ids"`
}

type bulkAssignmentResponse struct {
	UserID      string                          `json:"user_id"`
	Assignments map[int64]*model.AssignmentView `json:"assignments"`
}

// handleBulkAssignments resolves one user across many experiments in a
// single call, the page-load path. Unknown experiment ids are skipped
// rather than failing the page.
func (s *Server) handleBulkAssignments(w http.ResponseWriter, r *http.Request) {
	var req bulkAssignmentRequest
	if err := decodeJSON(r, &req, maxBody); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.UserID == "" {
		s.fail(w, r, fault.New(fault.Validation, "user_id is required"))
		return
	}
	if len(req.ExperimentIDs) == 0 {
		s.fail(w, r, fault.New(fault.Validation, "experiment_ids is empty"))
		return
	}
	if len(req.ExperimentIDs) > maxBulkExperiments {
		s.fail(w, r, fault.New(fault.Validation, "%d experiments exceed the maximum of %d",
			len(req.ExperimentIDs), maxBulkExperiments))
		return
	}

	exps := make([]*model.Experiment, 0, len(req.ExperimentIDs))
	for _, id := range req.ExperimentIDs {
		exp, err := s.experiments.Get(r.Context(), id)
		if err != nil {
			if fault.Is(err, fault.NotFound) {
				continue
			}
			s.fail(w, r, err)
			return
		}
		exps = append(exps, exp)
	}

	views, err := s.assigner.GetBulk(r.Context(), exps, req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if views == nil {
		views = map[int64]*model.AssignmentView{}
	}
	writeJSON(w, http.StatusOK, bulkAssignmentResponse{
		UserID:      req.UserID,
		Assignments: views,
	})
}
