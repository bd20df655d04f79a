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

	"abx/internal/experiments/cache"
	"abx/internal/experiments/telemetry"
)

// rateLimit enforces a fixed window per token id. The counter lives in
// Redis so every API replica shares one budget; when Redis is away the
// limiter fails open rather than taking the platform down with it.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := tokenFrom(r.Context())
		if tok == nil {
			// Unauthenticated requests never get this far; authenticate
			// runs first.
			next.ServeHTTP(w, r)
			return
		}

		limit := s.opts.RateLimitRequests
		if tok.RateLimit != nil && *tok.RateLimit > 0 {
			limit = *tok.RateLimit
		}

		period := int64(s.opts.RateLimitPeriod / time.Second)
		if period <= 0 {
			period = 60
		}
		now := time.Now().Unix()
		window := now / period
		key := cache.RateLimitKey(strconv.FormatInt(tok.ID, 10), window)

		// One extra second of TTL so the counter survives until the window
		// closes even with clock skew between replicas.
		n, ok := s.cache.Incr(r.Context(), key, time.Duration(period+1)*time.Second)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		reset := (window + 1) * period
		remaining := int64(limit) - n
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if n > int64(limit) {
			telemetry.RateLimited.Inc()
			w.Header().Set("Retry-After", strconv.FormatInt(reset-now, 10))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
