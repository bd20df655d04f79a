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
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
	"abx/internal/experiments/store"
)

// loadExperiment resolves the {id} route parameter, which accepts either a
// numeric id or an experiment key.
func (s *Server) loadExperiment(r *http.Request) (*model.Experiment, error) {
	raw := chi.URLParam(r, "id")
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return s.experiments.Get(r.Context(), id)
	}
	return s.experiments.GetByKey(r.Context(), raw)
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var exp model.Experiment
	if err := decodeJSON(r, &exp, maxBody); err != nil {
		s.fail(w, r, err)
		return
	}
	// Server-owned fields; whatever the client sent is not authoritative.
	exp.ID = 0
	exp.Version = 0
	for i := range exp.Variants {
		exp.Variants[i].ID = 0
		exp.Variants[i].ExperimentID = 0
	}
	if err := s.experiments.Create(r.Context(), &exp); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.loadExperiment(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.fail(w, r, fault.New(fault.Validation, "unknown status %q", status))
		return
	}
	exps, err := s.experiments.List(r.Context(), status,
		queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"experiments": exps,
		"count":       len(exps),
	})
}

type experimentPatch struct {
	Name        *string       `json:"name"`
	Description *string       `json:"description"`
	Config      model.JSONMap `json:"config"`
	StartsAt    *time.Time    `json:"starts_at"`
	EndsAt      *time.Time    `json:"ends_at"`
}

func (p experimentPatch) toStore() store.ExperimentPatch {
	return store.ExperimentPatch{
		Name:        p.Name,
		Description: p.Description,
		Config:      p.Config,
		StartsAt:    p.StartsAt,
		EndsAt:      p.EndsAt,
	}
}

func (s *Server) handleUpdateExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var patch experimentPatch
	if err := decodeJSON(r, &patch, maxBody); err != nil {
		s.fail(w, r, err)
		return
	}
	exp, err := s.experiments.UpdateMeta(r.Context(), id, patch.toStore())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// handleUpdateAllocations rebalances variant traffic shares. The payload is
// the full allocation list; partial updates would leave the total away from
// 100%.
func (s *Server) handleUpdateAllocations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var allocs []store.Allocation
	if err := decodeJSON(r, &allocs, maxBody); err != nil {
		s.fail(w, r, err)
		return
	}
	version, err := s.experiments.UpdateAllocations(r.Context(), id, allocs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	exp, err := s.experiments.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"experiment": exp,
		"version":    version,
	})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.experiments.Activate(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondExperiment(w, r, id)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.experiments.Pause(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondExperiment(w, r, id)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.experiments.Archive(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondExperiment(w, r, id)
}

func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.experiments.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondExperiment(w http.ResponseWriter, r *http.Request, id int64) {
	exp, err := s.experiments.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}
