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

// Package analytics computes experiment results. Narrow recent windows are
// answered straight off the events table; anything older or wider reads
// the pre-aggregated rollups instead, and both paths produce the same
// report shape. Finished reports are cached briefly under a digest of
// every parameter that shaped them.
package analytics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"abx/internal/experiments/cache"
	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
	"abx/internal/experiments/store"
	"abx/internal/experiments/telemetry"
)

// Report sources.
const (
	SourceOperational = "operational"
	SourceRollup      = "rollup"
)

// Time series granularities. Realtime reads the live Redis counters, the
// other two bucket rows in the database.
const (
	GranularityRealtime = "realtime"
	GranularityHour     = "hour"
	GranularityDay      = "day"
)

// Sample adequacy states.
const (
	SampleAdequate     = "adequate"
	SampleInsufficient = "insufficient"
)

// Significance threshold for the two-proportion test.
const alpha = 0.05

// Recommendation texts.
const (
	recommendDeploy   = "Deploy %s - significant improvement detected"
	recommendContinue = "Continue experiment - no significant difference detected yet"
	recommendCollect  = "Collect more data - no variant has reached the minimum sample size"
)

// Repository is the slice of the store the report builder reads.
type Repository interface {
	VariantCountsOperational(ctx context.Context, f store.MetricsFilter) ([]store.VariantCounts, error)
	VariantCountsRollup(ctx context.Context, f store.MetricsFilter) ([]store.VariantCounts, error)
	TimeSeriesOperational(ctx context.Context, f store.MetricsFilter, granularity string) ([]store.TimePoint, error)
	TimeSeriesRollup(ctx context.Context, f store.MetricsFilter) ([]store.TimePoint, error)
	FunnelCounts(ctx context.Context, experimentID int64, steps []string, start, end time.Time) ([]store.FunnelStep, error)
}

// Params filters one report computation. Zero values take defaults: End is
// now, Start is the experiment start (or its creation time), Granularity
// is day, MinSample 100, Confidence 0.95, intervals included unless SkipCI
// is set.
type Params struct {
	Start       time.Time
	End         time.Time
	EventTypes  []string
	Granularity string
	Property    model.JSONMap
	SkipCI      bool
	MinSample   int64
	Confidence  float64
}

// VariantReport carries one variant's counts and, when the sample is large
// enough, its interval and the comparison against control. Raw counts are
// always present; the statistical fields are omitted below MinSample.
type VariantReport struct {
	VariantID      int64   `json:"variant_id"`
	VariantKey     string  `json:"variant_key"`
	IsControl      bool    `json:"is_control"`
	UniqueUsers    int64   `json:"unique_users"`
	EventCount     int64   `json:"event_count"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
	SampleAdequacy string  `json:"sample_adequacy"`

	CILower       *float64 `json:"ci_lower,omitempty"`
	CIUpper       *float64 `json:"ci_upper,omitempty"`
	LiftVsControl *float64 `json:"lift_vs_control,omitempty"`
	ZScore        *float64 `json:"z_score,omitempty"`
	PValue        *float64 `json:"p_value,omitempty"`
	IsSignificant *bool    `json:"is_significant,omitempty"`
	Power         *float64 `json:"power,omitempty"`
}

// SeriesPoint is one time bucket of one variant.
type SeriesPoint struct {
	VariantID   int64     `json:"variant_id"`
	Bucket      time.Time `json:"bucket"`
	UniqueUsers int64     `json:"unique_users"`
	EventCount  int64     `json:"event_count"`
	Conversions int64     `json:"conversions"`
}

// Summary rolls the per-variant results into one verdict.
type Summary struct {
	TotalUsers              int64   `json:"total_users"`
	TotalEvents             int64   `json:"total_events"`
	TotalVariants           int     `json:"total_variants"`
	BestVariant             string  `json:"best_variant,omitempty"`
	BestConversionRate      float64 `json:"best_conversion_rate"`
	SignificantImprovements int     `json:"significant_improvements"`
	Recommendation          string  `json:"recommendation"`
}

// Report is one full results computation.
type Report struct {
	ExperimentID  int64           `json:"experiment_id"`
	ExperimentKey string          `json:"experiment_key"`
	Status        model.Status    `json:"status"`
	Version       int             `json:"version"`
	Source        string          `json:"source"`
	Granularity   string          `json:"granularity"`
	Start         time.Time       `json:"start"`
	End           time.Time       `json:"end"`
	Confidence    float64         `json:"confidence_level"`
	MinSample     int64           `json:"min_sample"`
	Variants      []VariantReport `json:"variants"`
	TimeSeries    []SeriesPoint   `json:"time_series"`
	Summary       Summary         `json:"summary"`
	ComputedAt    time.Time       `json:"computed_at"`
	Cached        bool            `json:"cached"`
}

// Service builds reports, funnels and realtime snapshots.
type Service struct {
	repo     Repository
	cache    *cache.Cache
	opWindow time.Duration
	opSpan   time.Duration
	ttl      time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// New wires a report service. opWindow is how far back the operational
// path stays authoritative, opSpan the widest window it serves, ttl the
// report cache lifetime.
func New(repo Repository, c *cache.Cache, opWindow, opSpan, ttl time.Duration, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		cache:    c,
		opWindow: opWindow,
		opSpan:   opSpan,
		ttl:      ttl,
		now:      time.Now,
		log:      log.With().Str("component", "analytics").Logger(),
	}
}

// BuildReport computes the results of one experiment over the window in p.
// Identical requests within the cache TTL are served from Redis with
// Cached set.
func (s *Service) BuildReport(ctx context.Context, exp *model.Experiment, p Params) (*Report, error) {
	p = s.withDefaults(exp, p)
	if err := validate(p); err != nil {
		return nil, err
	}

	source := s.route(p)
	key := cache.ResultsKey(exp.ID, digest(exp.Version, source, p))
	var hit Report
	if s.cache.GetJSON(ctx, key, &hit) {
		telemetry.CacheHits.WithLabelValues("results").Inc()
		hit.Cached = true
		return &hit, nil
	}
	telemetry.CacheMisses.WithLabelValues("results").Inc()

	filter := store.MetricsFilter{
		ExperimentID: exp.ID,
		Start:        p.Start,
		End:          p.End,
		EventTypes:   p.EventTypes,
		Property:     p.Property,
	}

	var (
		counts []store.VariantCounts
		err    error
	)
	if source == SourceRollup {
		counts, err = s.repo.VariantCountsRollup(ctx, filter)
	} else {
		counts, err = s.repo.VariantCountsOperational(ctx, filter)
	}
	if err != nil {
		return nil, err
	}

	series, err := s.series(ctx, filter, p, source, counts)
	if err != nil {
		return nil, err
	}

	rep := s.assemble(exp, p, source, counts, series)
	s.cache.SetJSON(ctx, key, rep, s.ttl)
	telemetry.ReportsBuilt.WithLabelValues(source).Inc()
	return rep, nil
}

func (s *Service) withDefaults(exp *model.Experiment, p Params) Params {
	if p.End.IsZero() {
		p.End = s.now().UTC()
	}
	if p.Start.IsZero() {
		if exp.StartsAt != nil {
			p.Start = *exp.StartsAt
		} else {
			p.Start = exp.CreatedAt
		}
	}
	if p.Granularity == "" {
		p.Granularity = GranularityDay
	}
	if p.MinSample <= 0 {
		p.MinSample = 100
	}
	if p.Confidence <= 0 || p.Confidence >= 1 {
		p.Confidence = 0.95
	}
	return p
}

func validate(p Params) error {
	switch p.Granularity {
	case GranularityRealtime, GranularityHour, GranularityDay:
	default:
		return fault.New(fault.Validation, "granularity %q is not one of realtime, hour, day", p.Granularity)
	}
	if !p.Start.Before(p.End) {
		return fault.New(fault.Validation, "start %s is not before end %s",
			p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
	}
	return nil
}

// route picks the serving path. Windows reaching further back than the
// operational horizon, or wider than its span, come from the rollups. A
// property filter needs raw event rows and pins the query operational.
func (s *Service) route(p Params) string {
	if len(p.Property) > 0 {
		return SourceOperational
	}
	if s.now().Sub(p.Start) > s.opWindow || p.End.Sub(p.Start) > s.opSpan {
		return SourceRollup
	}
	return SourceOperational
}

func (s *Service) series(ctx context.Context, f store.MetricsFilter, p Params, source string, counts []store.VariantCounts) ([]SeriesPoint, error) {
	switch p.Granularity {
	case GranularityRealtime:
		ids := make([]int64, len(counts))
		for i := range counts {
			ids[i] = counts[i].VariantID
		}
		return s.counterSeries(ctx, f.ExperimentID, ids, p.EventTypes, p.End), nil
	case GranularityHour:
		// Rollups are day-grained, hourly buckets always come from events.
		pts, err := s.repo.TimeSeriesOperational(ctx, f, GranularityHour)
		return convertSeries(pts), err
	default:
		if source == SourceRollup {
			pts, err := s.repo.TimeSeriesRollup(ctx, f)
			return convertSeries(pts), err
		}
		pts, err := s.repo.TimeSeriesOperational(ctx, f, GranularityDay)
		return convertSeries(pts), err
	}
}

func convertSeries(pts []store.TimePoint) []SeriesPoint {
	out := make([]SeriesPoint, len(pts))
	for i, pt := range pts {
		out[i] = SeriesPoint{
			VariantID:   pt.VariantID,
			Bucket:      pt.Bucket,
			UniqueUsers: pt.UniqueUsers,
			EventCount:  pt.EventCount,
			Conversions: pt.Conversions,
		}
	}
	return out
}

// counterSeries reads the last 24 hourly Redis counters per variant. The
// sketches behind unique counts are daily, so realtime points carry only
// event and conversion totals.
func (s *Service) counterSeries(ctx context.Context, experimentID int64, variantIDs []int64, eventTypes []string, end time.Time) []SeriesPoint {
	if len(eventTypes) == 0 {
		eventTypes = []string{model.EventTypeExposure, model.EventTypeConversion}
	}
	last := end.UTC().Truncate(time.Hour)

	type slot struct {
		variant int64
		hour    time.Time
		typ     string
	}
	var (
		keys  []string
		slots []slot
	)
	for _, id := range variantIDs {
		for h := 23; h >= 0; h-- {
			at := last.Add(-time.Duration(h) * time.Hour)
			for _, t := range eventTypes {
				keys = append(keys, cache.HourlyCounterKey(experimentID, id, t, at))
				slots = append(slots, slot{variant: id, hour: at, typ: t})
			}
		}
	}

	vals := s.cache.GetMany(ctx, keys)
	points := make(map[slot]*SeriesPoint, len(slots))
	var order []slot
	for i, raw := range vals {
		if raw == nil {
			continue
		}
		n, err := parseCounter(raw)
		if err != nil {
			continue
		}
		at := slot{variant: slots[i].variant, hour: slots[i].hour}
		pt, seen := points[at]
		if !seen {
			pt = &SeriesPoint{VariantID: at.variant, Bucket: at.hour}
			points[at] = pt
			order = append(order, at)
		}
		pt.EventCount += n
		if slots[i].typ == model.EventTypeConversion {
			pt.Conversions += n
		}
	}

	out := make([]SeriesPoint, 0, len(order))
	for _, at := range order {
		out = append(out, *points[at])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VariantID != out[j].VariantID {
			return out[i].VariantID < out[j].VariantID
		}
		return out[i].Bucket.Before(out[j].Bucket)
	})
	return out
}

func parseCounter(raw []byte) (int64, error) {
	return strconv.ParseInt(string(raw), 10, 64)
}

// assemble turns raw counts into the statistical report. Variants below
// MinSample keep their totals but carry no interval or test results, and
// they never act as the comparison baseline.
func (s *Service) assemble(exp *model.Experiment, p Params, source string, counts []store.VariantCounts, series []SeriesPoint) *Report {
	var control *store.VariantCounts
	for i := range counts {
		if counts[i].IsControl && counts[i].UniqueUsers >= p.MinSample {
			control = &counts[i]
			break
		}
	}

	variants := make([]VariantReport, 0, len(counts))
	summary := Summary{TotalVariants: len(counts), Recommendation: recommendCollect}
	var (
		bestKey  string
		bestRate = -1.0
		winKey   string
		winRate  = -1.0
	)
	for i := range counts {
		c := counts[i]
		vr := VariantReport{
			VariantID:      c.VariantID,
			VariantKey:     c.VariantKey,
			IsControl:      c.IsControl,
			UniqueUsers:    c.UniqueUsers,
			EventCount:     c.EventCount,
			Conversions:    c.Conversions,
			SampleAdequacy: SampleInsufficient,
		}
		if c.UniqueUsers > 0 {
			vr.ConversionRate = float64(c.Conversions) / float64(c.UniqueUsers)
		}
		summary.TotalUsers += c.UniqueUsers
		summary.TotalEvents += c.EventCount

		if c.UniqueUsers >= p.MinSample {
			vr.SampleAdequacy = SampleAdequate
			if !p.SkipCI {
				lo, hi := WilsonInterval(c.Conversions, c.UniqueUsers, p.Confidence)
				vr.CILower, vr.CIUpper = &lo, &hi
			}
			if vr.ConversionRate > bestRate {
				bestRate = vr.ConversionRate
				bestKey = vr.VariantKey
			}
			if control != nil && !c.IsControl {
				z, pv := TwoProportionTest(control.Conversions, control.UniqueUsers, c.Conversions, c.UniqueUsers)
				sig := pv < alpha
				vr.ZScore, vr.PValue, vr.IsSignificant = &z, &pv, &sig

				controlRate := float64(control.Conversions) / float64(control.UniqueUsers)
				if lift, ok := Lift(controlRate, vr.ConversionRate); ok {
					vr.LiftVsControl = &lift
				}
				power := PostHocPower(controlRate, vr.ConversionRate, control.UniqueUsers, c.UniqueUsers, alpha)
				vr.Power = &power

				if sig && vr.ConversionRate > controlRate {
					summary.SignificantImprovements++
					if vr.ConversionRate > winRate {
						winRate = vr.ConversionRate
						winKey = vr.VariantKey
					}
				}
			}
		}
		variants = append(variants, vr)
	}

	if bestRate >= 0 {
		summary.BestVariant = bestKey
		summary.BestConversionRate = bestRate
		summary.Recommendation = recommendContinue
	}
	if winKey != "" {
		summary.Recommendation = fmt.Sprintf(recommendDeploy, winKey)
	}

	return &Report{
		ExperimentID:  exp.ID,
		ExperimentKey: exp.Key,
		Status:        exp.Status,
		Version:       exp.Version,
		Source:        source,
		Granularity:   p.Granularity,
		Start:         p.Start,
		End:           p.End,
		Confidence:    p.Confidence,
		MinSample:     p.MinSample,
		Variants:      variants,
		TimeSeries:    series,
		Summary:       summary,
		ComputedAt:    s.now().UTC(),
	}
}

// digest folds every report parameter into the cache key, so a lifecycle
// version bump or any parameter change misses the old entry.
func digest(version int, source string, p Params) string {
	types := append([]string(nil), p.EventTypes...)
	sort.Strings(types)
	prop, _ := json.Marshal(p.Property)

	h := sha256.Sum256([]byte(fmt.Sprintf("v%d|%s|%d|%d|%s|%s|%t|%d|%g|%s",
		version, source,
		p.Start.UTC().Unix(), p.End.UTC().Unix(),
		strings.Join(types, ","), p.Granularity,
		p.SkipCI, p.MinSample, p.Confidence, prop)))
	return hex.EncodeToString(h[:])[:16]
}
