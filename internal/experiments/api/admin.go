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
	"time"

	"github.com/go-chi/chi/v5"

	"abx/internal/experiments/bulk"
	"abx/internal/experiments/cache"
	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
)

// adminBulkRequest is the one envelope for every bulk entity. Which fields
// matter depends on {entity} and op; the rest stay empty.
type adminBulkRequest struct {
	Op          string             `json:"op"`
	Experiments []model.Experiment `json:"experiments"`
	Overrides   []bulk.Override    `json:"overrides"`
	IDs         []int64            `json:"ids"`
	EventIDs    []string           `json:"event_ids"`
	Patch       *experimentPatch   `json:"patch"`
	Properties  model.JSONMap      `json:"properties"`
}

// handleAdminBulk dispatches one chunked bulk run. 202: chunks already
// committed stay committed even when a later chunk fails; the report says
// which did what.
func (s *Server) handleAdminBulk(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	var req adminBulkRequest
	if err := decodeJSON(r, &req, maxBulkBody); err != nil {
		s.fail(w, r, err)
		return
	}

	var (
		report *bulk.Report
		err    error
	)
	switch entity {
	case "experiments":
		switch req.Op {
		case "create":
			report, err = s.bulk.CreateExperiments(r.Context(), req.Experiments)
		case "update":
			patch := experimentPatch{}
			if req.Patch != nil {
				patch = *req.Patch
			}
			report, err = s.bulk.UpdateExperiments(r.Context(), req.IDs, patch.toStore())
		case "delete":
			report, err = s.bulk.DeleteExperiments(r.Context(), req.IDs)
		default:
			err = fault.New(fault.Validation, "unknown op %q for experiments (create, update, delete)", req.Op)
		}
	case "assignments":
		switch req.Op {
		// Bulk assignment creation is the administrative override upsert;
		// both spellings land on the same writer.
		case "create", "override":
			report, err = s.bulk.OverrideAssignments(r.Context(), req.Overrides)
		case "delete":
			report, err = s.bulk.DeleteAssignments(r.Context(), req.IDs)
		default:
			err = fault.New(fault.Validation, "unknown op %q for assignments (override, delete)", req.Op)
		}
	case "events":
		switch req.Op {
		case "update":
			report, err = s.bulk.UpdateEventProperties(r.Context(), req.EventIDs, req.Properties)
		case "delete":
			report, err = s.bulk.DeleteEvents(r.Context(), req.EventIDs)
		default:
			err = fault.New(fault.Validation, "unknown op %q for events (update, delete); events are created through ingestion", req.Op)
		}
	default:
		err = fault.New(fault.Validation, "unknown bulk entity %q (experiments, assignments, events)", entity)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

type tokenRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Scopes      []string   `json:"scopes"`
	RateLimit   *int       `json:"rate_limit"`
}

// handleCreateToken mints a bearer credential. The response is the only
// place the plaintext secret ever appears; the store keeps its digest.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req, maxBody); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Name == "" {
		s.fail(w, r, fault.New(fault.Validation, "token name is required"))
		return
	}
	if len(req.Scopes) == 0 {
		s.fail(w, r, fault.New(fault.Validation, "a token without scopes cannot call anything"))
		return
	}
	if req.RateLimit != nil && *req.RateLimit <= 0 {
		s.fail(w, r, fault.New(fault.Validation, "rate_limit must be positive"))
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		s.fail(w, r, fault.New(fault.Validation, "expires_at is already in the past"))
		return
	}

	secret, err := mintSecret()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tok := model.APIToken{
		Token:       tokenDigest(secret),
		Name:        req.Name,
		Description: req.Description,
		ExpiresAt:   req.ExpiresAt,
		Scopes:      req.Scopes,
		RateLimit:   req.RateLimit,
	}
	if err := s.directory.CreateAPIToken(r.Context(), &tok); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Int64("token_id", tok.ID).Str("name", tok.Name).
		Strs("scopes", tok.Scopes).Msg("api token minted")

	tok.Token = secret
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.directory.ListAPITokens(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// Digests are still credentials-shaped; nobody needs them back.
	for i := range tokens {
		tokens[i].Token = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tokens": tokens,
		"count":  len(tokens),
	})
}

// handleRevokeToken deactivates a credential and evicts its auth cache
// entry, so revocation takes effect now rather than when the TTL runs out.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	digest, err := s.directory.RevokeAPIToken(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.cache.Del(r.Context(), cache.AuthTokenKey(digest))
	s.log.Info().Int64("token_id", id).Msg("api token revoked")
	w.WriteHeader(http.StatusNoContent)
}
