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

	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
	"abx/internal/experiments/store"
)

type userRequest struct {
	UserID     string        `json:"user_id"`
	Email      *string       `json:"email"`
	Name       string        `json:"name"`
	Properties model.JSONMap `json:"properties"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r, &req, maxBody); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.UserID == "" {
		s.fail(w, r, fault.New(fault.Validation, "user_id is required"))
		return
	}
	u := model.User{
		UserID:     req.UserID,
		Email:      req.Email,
		Name:       req.Name,
		Properties: req.Properties,
		IsActive:   true,
	}
	if err := s.directory.CreateUser(r.Context(), &u); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.directory.GetUser(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.directory.ListUsers(r.Context(),
		queryBool(r, "active_only"),
		queryInt(r, "limit", 100),
		queryInt(r, "offset", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

type userPatch struct {
	Email      *string       `json:"email"`
	Name       *string       `json:"name"`
	Properties model.JSONMap `json:"properties"`
	IsActive   *bool         `json:"is_active"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var patch userPatch
	if err := decodeJSON(r, &patch, maxBody); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.directory.UpdateUser(r.Context(), chi.URLParam(r, "user_id"), store.UserPatch{
		Email:      patch.Email,
		Name:       patch.Name,
		Properties: patch.Properties,
		IsActive:   patch.IsActive,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleDeleteUser soft-deletes: the row stays so historical assignments
// and events keep their referent, but the user drops out of active
// listings.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.directory.DeactivateUser(r.Context(), chi.URLParam(r, "user_id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUserAssignments lists every experiment the user is assigned to.
func (s *Server) handleUserAssignments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	views, err := s.directory.ListUserAssignments(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"assignments": views,
		"count":       len(views),
	})
}
