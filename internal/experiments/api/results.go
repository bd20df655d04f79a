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

	"abx/internal/experiments/analytics"
	"abx/internal/experiments/fault"
)

// handleResults computes (or serves from cache) the statistical report for
// one experiment. Query knobs mirror analytics.Params; anything omitted
// takes that layer's defaults.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	exp, err := s.loadExperiment(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	p := analytics.Params{
		EventTypes:  queryList(r, "event_type"),
		Granularity: r.URL.Query().Get("granularity"),
		MinSample:   int64(queryInt(r, "min_sample", 0)),
	}
	if p.Start, err = queryTime(r, "start"); err != nil {
		s.fail(w, r, err)
		return
	}
	if p.End, err = queryTime(r, "end"); err != nil {
		s.fail(w, r, err)
		return
	}
	if raw := r.URL.Query().Get("include_ci"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			s.fail(w, r, fault.New(fault.Validation, "include_ci must be a boolean, got %q", raw))
			return
		}
		p.SkipCI = !include
	}
	if raw := r.URL.Query().Get("confidence"); raw != "" {
		c, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.fail(w, r, fault.New(fault.Validation, "confidence must be a number, got %q", raw))
			return
		}
		p.Confidence = c
	}

	report, err := s.analyst.BuildReport(r.Context(), exp, p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleFunnel computes the ordered step funnel named by ?steps=a,b,c.
func (s *Server) handleFunnel(w http.ResponseWriter, r *http.Request) {
	exp, err := s.loadExperiment(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	steps := queryList(r, "steps")
	start, err := queryTime(r, "start")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	end, err := queryTime(r, "end")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	funnel, err := s.analyst.BuildFunnel(r.Context(), exp, steps, start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, funnel)
}

// handleRealtime serves the Redis counter snapshot. It degrades to zeros
// rather than failing; the authoritative numbers live in /results.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	exp, err := s.loadExperiment(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.analyst.BuildRealtime(r.Context(), exp))
}
