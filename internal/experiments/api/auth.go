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
	"context"
	"net/http"
	"strings"
	"time"

	"abx/internal/experiments/cache"
	"abx/internal/experiments/fault"
	"abx/internal/experiments/model"
	"abx/internal/experiments/telemetry"
)

// The credential format lives in model (shared with the seeder); the
// server only ever sees digests after the mint response is written.
const secretPrefix = model.TokenSecretPrefix

func tokenDigest(secret string) string {
	return model.TokenDigest(secret)
}

func mintSecret() (string, error) {
	secret, err := model.NewTokenSecret()
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "mint token")
	}
	return secret, nil
}

func tokenFrom(ctx context.Context) *model.APIToken {
	t, _ := ctx.Value(ctxToken).(*model.APIToken)
	return t
}

func bearerToken(r *http.Request) (string, bool) {
	raw := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if len(raw) <= len(scheme) || !strings.EqualFold(raw[:len(scheme)], scheme) {
		return "", false
	}
	return strings.TrimSpace(raw[len(scheme):]), true
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthenticated", msg)
}

// authenticate resolves the bearer token through the Redis read-through
// cache and attaches it to the request context. Lookups key on the sha-256
// digest, so neither Redis nor Postgres ever sees a plaintext secret.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "missing bearer token")
			return
		}
		digest := tokenDigest(secret)
		key := cache.AuthTokenKey(digest)

		var tok model.APIToken
		if s.cache.GetJSON(r.Context(), key, &tok) {
			telemetry.CacheHits.WithLabelValues("auth").Inc()
		} else {
			telemetry.CacheMisses.WithLabelValues("auth").Inc()
			found, err := s.directory.LookupAPIToken(r.Context(), digest)
			if err != nil {
				if fault.Is(err, fault.NotFound) {
					unauthorized(w, "invalid or expired token")
					return
				}
				s.fail(w, r, err)
				return
			}
			tok = *found
			// The digest is already the cache key; no reason to carry it in
			// the value too.
			tok.Token = ""
			s.cache.SetJSON(r.Context(), key, &tok, s.opts.AuthCacheTTL)
			if err := s.directory.TouchAPIToken(r.Context(), tok.ID); err != nil {
				s.log.Debug().Err(err).Int64("token_id", tok.ID).Msg("token touch failed")
			}
		}

		// A cached row can outlive its expiry by up to the cache TTL.
		if tok.ExpiresAt != nil && !tok.ExpiresAt.After(time.Now()) {
			unauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxToken, &tok)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope gates a route on one scope. The admin scope passes
// everything via APIToken.HasScope.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := tokenFrom(r.Context())
			if tok == nil || !tok.HasScope(scope) {
				writeError(w, http.StatusForbidden, "forbidden", "token lacks scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
