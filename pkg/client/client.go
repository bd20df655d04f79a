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

// Package client is a thin typed client for the experimentation API. It
// covers the surfaces an SDK embedder needs: experiment setup, sticky
// variant resolution, event recording and result reads. It carries no
// bucketing logic; assignment always happens server side so every caller
// observes the same variant.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds each request when the caller's context carries no
// deadline of its own.
const DefaultTimeout = 10 * time.Second

// Client talks to one experimentation API deployment. It is safe for
// concurrent use; the zero value is not usable, construct with New.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// Option adjusts a Client at construction time.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client, e.g. to tune the
// transport for load generation or to inject a recording round tripper.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout caps each request at d. Ignored when WithHTTPClient supplied
// a client of its own.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if c.http != nil {
			c.http.Timeout = d
		}
	}
}

// New returns a client for the API at base (scheme and host, e.g.
// "http://127.0.0.1:8000") authenticating with the given bearer token.
func New(base, token string, opts ...Option) *Client {
	c := &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response decoded into the server's error envelope.
type APIError struct {
	Status  int    `json:"-"`
	Kind    string `json:"kind"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Kind, e.Message)
}

// --- wire types ---
//
// These mirror the server's JSON shapes field for field. The server ignores
// unknown request fields and the client ignores unknown response fields, so
// the two sides can evolve one field at a time.

type Experiment struct {
	ID          int64          `json:"id,omitempty"`
	Key         string         `json:"key"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status,omitempty"`
	Seed        string         `json:"seed,omitempty"`
	Version     int            `json:"version,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	StartsAt    *time.Time     `json:"starts_at,omitempty"`
	EndsAt      *time.Time     `json:"ends_at,omitempty"`
	Variants    []Variant      `json:"variants,omitempty"`
}

type Variant struct {
	ID            int64          `json:"id,omitempty"`
	ExperimentID  int64          `json:"experiment_id,omitempty"`
	Key           string         `json:"key"`
	Name          string         `json:"name,omitempty"`
	AllocationPct float64        `json:"allocation_pct"`
	IsControl     bool           `json:"is_control,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
}

type Assignment struct {
	ExperimentID int64      `json:"experiment_id"`
	UserID       string     `json:"user_id"`
	VariantID    int64      `json:"variant_id"`
	VariantKey   string     `json:"variant_key"`
	IsControl    bool       `json:"is_control"`
	AssignedAt   time.Time  `json:"assigned_at"`
	EnrolledAt   *time.Time `json:"enrolled_at,omitempty"`
	Version      int        `json:"version"`
	Source       string     `json:"source"`
}

type Event struct {
	ID           string         `json:"id,omitempty"`
	ExperimentID int64          `json:"experiment_id"`
	UserID       string         `json:"user_id"`
	VariantID    *int64         `json:"variant_id,omitempty"`
	EventType    string         `json:"event_type"`
	Timestamp    *time.Time     `json:"timestamp,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
	SessionID    *string        `json:"session_id,omitempty"`
	RequestID    *string        `json:"request_id,omitempty"`
}

type BatchResult struct {
	Recorded int     `json:"recorded"`
	Failed   int     `json:"failed"`
	Events   []Event `json:"events"`
	Errors   []struct {
		Error string `json:"error"`
	} `json:"errors"`
}

type VariantReport struct {
	VariantID      int64    `json:"variant_id"`
	VariantKey     string   `json:"variant_key"`
	IsControl      bool     `json:"is_control"`
	UniqueUsers    int64    `json:"unique_users"`
	EventCount     int64    `json:"event_count"`
	Conversions    int64    `json:"conversions"`
	ConversionRate float64  `json:"conversion_rate"`
	SampleAdequacy string   `json:"sample_adequacy"`
	CILower        *float64 `json:"ci_lower,omitempty"`
	CIUpper        *float64 `json:"ci_upper,omitempty"`
	LiftVsControl  *float64 `json:"lift_vs_control,omitempty"`
	ZScore         *float64 `json:"z_score,omitempty"`
	PValue         *float64 `json:"p_value,omitempty"`
	IsSignificant  *bool    `json:"is_significant,omitempty"`
	Power          *float64 `json:"power,omitempty"`
}

type ReportSummary struct {
	TotalUsers              int64   `json:"total_users"`
	TotalEvents             int64   `json:"total_events"`
	TotalVariants           int     `json:"total_variants"`
	BestVariant             string  `json:"best_variant,omitempty"`
	BestConversionRate      float64 `json:"best_conversion_rate"`
	SignificantImprovements int     `json:"significant_improvements"`
	Recommendation          string  `json:"recommendation"`
}

type Report struct {
	ExperimentID  int64           `json:"experiment_id"`
	ExperimentKey string          `json:"experiment_key"`
	Status        string          `json:"status"`
	Version       int             `json:"version"`
	Source        string          `json:"source"`
	Granularity   string          `json:"granularity"`
	Start         time.Time       `json:"start"`
	End           time.Time       `json:"end"`
	Confidence    float64         `json:"confidence_level"`
	MinSample     int64           `json:"min_sample"`
	Variants      []VariantReport `json:"variants"`
	Summary       ReportSummary   `json:"summary"`
	ComputedAt    time.Time       `json:"computed_at"`
	Cached        bool            `json:"cached"`
}

type FunnelStep struct {
	EventType      string  `json:"event_type"`
	StepOrder      int     `json:"step_order"`
	UsersReached   int64   `json:"users_reached"`
	ConversionRate float64 `json:"conversion_rate"`
}

type FunnelVariant struct {
	VariantID  int64        `json:"variant_id"`
	VariantKey string       `json:"variant_key"`
	Steps      []FunnelStep `json:"steps"`
}

type Funnel struct {
	ExperimentID int64           `json:"experiment_id"`
	FunnelSteps  []string        `json:"funnel_steps"`
	Start        time.Time       `json:"start"`
	End          time.Time       `json:"end"`
	Variants     []FunnelVariant `json:"variants"`
}

type RealtimeVariant struct {
	VariantID   int64  `json:"variant_id"`
	VariantKey  string `json:"variant_key"`
	Exposures   int64  `json:"exposures_this_hour"`
	Conversions int64  `json:"conversions_this_hour"`
	UniqueUsers int64  `json:"unique_users_today"`
}

type Realtime struct {
	ExperimentID int64             `json:"experiment_id"`
	GeneratedAt  time.Time         `json:"generated_at"`
	Variants     []RealtimeVariant `json:"variants"`
}

type Token struct {
	ID        int64      `json:"id"`
	Token     string     `json:"token,omitempty"`
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	RateLimit *int       `json:"rate_limit,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// --- operations ---

// CreateExperiment registers a draft experiment with its variants. The key
// must be unique; a duplicate returns an APIError with status 409.
func (c *Client) CreateExperiment(ctx context.Context, exp Experiment) (*Experiment, error) {
	var out Experiment
	if err := c.do(ctx, http.MethodPost, "/api/v1/experiments", nil, exp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetExperiment fetches an experiment by numeric id or key.
func (c *Client) GetExperiment(ctx context.Context, idOrKey string) (*Experiment, error) {
	var out Experiment
	if err := c.do(ctx, http.MethodGet, "/api/v1/experiments/"+url.PathEscape(idOrKey), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActivateExperiment starts serving traffic. Activating an already active
// experiment is a no-op.
func (c *Client) ActivateExperiment(ctx context.Context, id int64) (*Experiment, error) {
	return c.transition(ctx, id, "activate")
}

// PauseExperiment halts new enrollment while keeping existing assignments
// readable and events flowing.
func (c *Client) PauseExperiment(ctx context.Context, id int64) (*Experiment, error) {
	return c.transition(ctx, id, "pause")
}

// ArchiveExperiment retires an experiment. Archived experiments refuse
// events and new enrollment but keep their data queryable.
func (c *Client) ArchiveExperiment(ctx context.Context, id int64) (*Experiment, error) {
	return c.transition(ctx, id, "archive")
}

func (c *Client) transition(ctx context.Context, id int64, action string) (*Experiment, error) {
	var out Experiment
	path := fmt.Sprintf("/api/v1/experiments/%d/%s", id, action)
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAssignment resolves (and on an active experiment, creates) the sticky
// variant for one user. enroll marks the user as having actually seen the
// treatment, which is what analysis filters on.
func (c *Client) GetAssignment(ctx context.Context, idOrKey, userID string, enroll bool) (*Assignment, error) {
	q := url.Values{}
	if enroll {
		q.Set("enroll", "true")
	}
	path := "/api/v1/experiments/" + url.PathEscape(idOrKey) + "/assignment/" + url.PathEscape(userID)
	var out Assignment
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BulkAssignments resolves one user across many experiments in a single
// round trip. Experiments the user has no assignment for are absent from
// the result.
func (c *Client) BulkAssignments(ctx context.Context, userID string, experimentIDs []int64) (map[int64]*Assignment, error) {
	req := map[string]any{"user_id": userID, "experiment_ids": experimentIDs}
	var out struct {
		Assignments map[int64]*Assignment `json:"assignments"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/assignments/bulk", nil, req, &out); err != nil {
		return nil, err
	}
	return out.Assignments, nil
}

// RecordEvent submits one event. The server answers 202: the row is
// committed but downstream propagation is asynchronous.
func (c *Client) RecordEvent(ctx context.Context, ev Event) (*Event, error) {
	var out Event
	if err := c.do(ctx, http.MethodPost, "/api/v1/events", nil, ev, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordBatch submits up to 1000 events that commit atomically.
func (c *Client) RecordBatch(ctx context.Context, events []Event) (*BatchResult, error) {
	req := map[string]any{"events": events}
	var out BatchResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/events/batch", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResultsParams narrows a results read. Zero values take server defaults.
type ResultsParams struct {
	Start       time.Time
	End         time.Time
	EventTypes  []string
	Granularity string
	MinSample   int
	Confidence  float64
}

// Results fetches the statistical report for an experiment.
func (c *Client) Results(ctx context.Context, idOrKey string, p ResultsParams) (*Report, error) {
	q := url.Values{}
	if !p.Start.IsZero() {
		q.Set("start", p.Start.Format(time.RFC3339))
	}
	if !p.End.IsZero() {
		q.Set("end", p.End.Format(time.RFC3339))
	}
	if len(p.EventTypes) > 0 {
		q.Set("event_type", strings.Join(p.EventTypes, ","))
	}
	if p.Granularity != "" {
		q.Set("granularity", p.Granularity)
	}
	if p.MinSample > 0 {
		q.Set("min_sample", strconv.Itoa(p.MinSample))
	}
	if p.Confidence > 0 {
		q.Set("confidence", strconv.FormatFloat(p.Confidence, 'f', -1, 64))
	}
	var out Report
	path := "/api/v1/experiments/" + url.PathEscape(idOrKey) + "/results"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FunnelResults fetches the ordered step funnel for an experiment.
func (c *Client) FunnelResults(ctx context.Context, idOrKey string, steps []string, start, end time.Time) (*Funnel, error) {
	q := url.Values{"steps": {strings.Join(steps, ",")}}
	if !start.IsZero() {
		q.Set("start", start.Format(time.RFC3339))
	}
	if !end.IsZero() {
		q.Set("end", end.Format(time.RFC3339))
	}
	var out Funnel
	path := "/api/v1/experiments/" + url.PathEscape(idOrKey) + "/results/funnel"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RealtimeStats fetches the live counter snapshot for an experiment.
func (c *Client) RealtimeStats(ctx context.Context, idOrKey string) (*Realtime, error) {
	var out Realtime
	path := "/api/v1/experiments/" + url.PathEscape(idOrKey) + "/stats/realtime"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MintToken creates a bearer credential (requires the admin scope). The
// returned Token field is the plaintext secret and is shown exactly once.
func (c *Client) MintToken(ctx context.Context, name string, scopes []string, rateLimit *int) (*Token, error) {
	req := map[string]any{"name": name, "scopes": scopes}
	if rateLimit != nil {
		req["rate_limit"] = *rateLimit
	}
	var out Token
	if err := c.do(ctx, http.MethodPost, "/api/v1/admin/tokens", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Healthz probes liveness. It needs no credential and returns nil when the
// server answers 200.
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

// do executes one request. in (when non-nil) is marshalled as the JSON
// body; out (when non-nil) receives the decoded 2xx response body. Non-2xx
// responses come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, Kind: "unknown"}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
			if apiErr.Message == "" {
				apiErr.Message = resp.Status
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
