/*
Copyright 2026 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The file implements a per user, per endpoint fixed window rate limiter backed by the cache.
package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/common"
	cache_api "github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/openai"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

const (
	HeaderUserID = "X-User-ID"

	rateLimitWindow = cache_api.TTLRateLimit
	apiPathPrefix   = "/v1/"
)

// rateLimitEndpoint returns the endpoint name of an API path ("/v1/batches/x" -> "batches").
// Paths outside the API are not limited.
func rateLimitEndpoint(path string) (string, bool) {
	if !strings.HasPrefix(path, apiPathPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, apiPathPrefix)
	endpoint, _, _ := strings.Cut(rest, "/")
	return endpoint, endpoint != ""
}

func rateLimitUser(r *http.Request) string {
	if user := r.Header.Get(HeaderUserID); user != "" {
		return user
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware allows limitPerMinute requests per user and endpoint. The counter lives
// at rate_limit:user:{user_id}:{endpoint}. Requests pass when the cache is unavailable.
func RateLimitMiddleware(cache cache_api.CacheClient, limitPerMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cache == nil || limitPerMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint, ok := rateLimitEndpoint(r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			logger := logging.GetRequestLogger(r)
			key := cache_api.RateLimitKey(rateLimitUser(r), endpoint)

			count, err := cache.Increment(ctx, key, 1)
			if err != nil {
				logger.V(logging.DEBUG).Info("rate limit check skipped", "key", key, "err", err.Error())
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				if _, err := cache.Expire(ctx, key, rateLimitWindow); err != nil {
					// a counter without a TTL would never reset
					logger.V(logging.DEBUG).Info("failed to set rate limit window", "key", key, "err", err.Error())
					if _, err := cache.Delete(ctx, key); err != nil {
						logger.V(logging.WARNING).Info("failed to drop rate limit counter", "key", key, "err", err.Error())
					}
				}
			}

			remaining := int64(limitPerMinute) - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limitPerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if count > int64(limitPerMinute) {
				logger.V(logging.INFO).Info("rate limit exceeded", "key", key, "count", count)
				w.Header().Set("Retry-After", strconv.Itoa(int(rateLimitWindow/time.Second)))
				apiErr := openai.NewAPIError(http.StatusTooManyRequests, "",
					fmt.Sprintf("rate limit of %d requests per minute exceeded for %s", limitPerMinute, endpoint), nil)
				common.WriteAPIError(ctx, w, apiErr)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
