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

package cache

import (
	"fmt"
	"time"
)

// Key layout. The v1 segment on the read-through caches allows a value
// schema change to roll out without serving stale shapes.
//
//	assign:v1:exp:{experiment_id}:user:{user_id}   assignment views
//	analytics:v1:exp:{experiment_id}:{digest}      computed results
//	auth:token:{token}                             token lookups
//	rate_limit:{client}:{window}                   fixed-window counters
//	metrics:{exp}:{variant}:{type}:{YYYYMMDDHH}    hourly event counters
//	unique:{exp}:{variant}:{type}:{YYYYMMDD}       daily unique-user HLLs

const (
	// HourlyCounterTTL keeps one full day of hourly counters plus slack.
	HourlyCounterTTL = 25 * time.Hour
	// DailyUniqueTTL keeps today's and yesterday's HLL sketches.
	DailyUniqueTTL = 48 * time.Hour
)

// AssignmentKey is the cache key for one (experiment, user) assignment view.
func AssignmentKey(experimentID int64, userID string) string {
	return fmt.Sprintf("assign:v1:exp:%d:user:%s", experimentID, userID)
}

// AssignmentPattern matches every assignment entry of an experiment. Used
// by the lifecycle layer on version bumps.
func AssignmentPattern(experimentID int64) string {
	return fmt.Sprintf("assign:v1:exp:%d:*", experimentID)
}

// ResultsKey caches a computed analytics report. The digest folds in every
// query parameter plus the experiment version.
func ResultsKey(experimentID int64, digest string) string {
	return fmt.Sprintf("analytics:v1:exp:%d:%s", experimentID, digest)
}

// ResultsPattern matches every cached report of an experiment.
func ResultsPattern(experimentID int64) string {
	return fmt.Sprintf("analytics:v1:exp:%d:*", experimentID)
}

// AuthTokenKey caches an api_tokens row by bearer token.
func AuthTokenKey(token string) string {
	return "auth:token:" + token
}

// RateLimitKey is one client's counter for one fixed window.
func RateLimitKey(clientID string, window int64) string {
	return fmt.Sprintf("rate_limit:%s:%d", clientID, window)
}

// HourlyCounterKey is the realtime event counter bucket for one hour (UTC).
func HourlyCounterKey(experimentID, variantID int64, eventType string, at time.Time) string {
	return fmt.Sprintf("metrics:%d:%d:%s:%s", experimentID, variantID, eventType, at.UTC().Format("2006010215"))
}

// DailyUniqueKey is the realtime unique-user HLL for one day (UTC).
func DailyUniqueKey(experimentID, variantID int64, eventType string, at time.Time) string {
	return fmt.Sprintf("unique:%d:%d:%s:%s", experimentID, variantID, eventType, at.UTC().Format("20060102"))
}
