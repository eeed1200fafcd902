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

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	cache_api "github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	"github.com/llm-d-incubation/prediction-gateway/internal/cache/mock"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/openai"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

func TestRequestMiddleware(t *testing.T) {
	var seen string
	handler := RequestMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.RequestID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	t.Run("generates an id", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/predict", nil))
		assert.Equal(t, http.StatusAccepted, rr.Code)
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rr.Header().Get(HeaderRequestID))
	})

	t.Run("keeps the caller's id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/predict", nil)
		req.Header.Set(HeaderRequestID, "caller-id")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, "caller-id", seen)
		assert.Equal(t, "caller-id", rr.Header().Get(HeaderRequestID))
	})
}

func TestRecoveryWithRequestID(t *testing.T) {
	handler := RecoveryMiddleware(RequestMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	req := httptest.NewRequest(http.MethodGet, "/v1/predict", nil)
	req.Header.Set(HeaderRequestID, "abc")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var resp openai.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.NotNil(t, resp.Error.Param)
	assert.Equal(t, "abc", *resp.Error.Param)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	for k, v := range securityHeaders {
		assert.Equal(t, v, rr.Header().Get(k), k)
	}
	assert.Empty(t, rr.Header().Get("Strict-Transport-Security"))
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	send := func(h http.Handler, path, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if user != "" {
			req.Header.Set(HeaderUserID, user)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	t.Run("limits per user and endpoint", func(t *testing.T) {
		clk := clocktesting.NewFakeClock(time.Now())
		cache := mock.NewMockCacheClientWithClock(clk)
		h := RateLimitMiddleware(cache, 2)(ok)

		assert.Equal(t, http.StatusOK, send(h, "/v1/predict", "u1").Code)
		rr := send(h, "/v1/predict", "u1")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

		rr = send(h, "/v1/predict", "u1")
		require.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "60", rr.Header().Get("Retry-After"))
		var resp openai.ErrorResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "RateLimitError", resp.Error.Type)

		// other users and other endpoints have their own counters
		assert.Equal(t, http.StatusOK, send(h, "/v1/predict", "u2").Code)
		assert.Equal(t, http.StatusOK, send(h, "/v1/batches/job-1", "u1").Code)
		assert.Contains(t, cache.Keys(), cache_api.RateLimitKey("u1", "predict"))
		assert.Contains(t, cache.Keys(), cache_api.RateLimitKey("u1", "batches"))

		// a new window starts once the counter expires
		clk.Step(rateLimitWindow + time.Second)
		assert.Equal(t, http.StatusOK, send(h, "/v1/predict", "u1").Code)
	})

	t.Run("ignores non api paths", func(t *testing.T) {
		cache := mock.NewMockCacheClient()
		h := RateLimitMiddleware(cache, 1)(ok)
		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusOK, send(h, "/health", "u1").Code)
		}
		assert.Empty(t, cache.Keys())
	})

	t.Run("fails open when the cache is down", func(t *testing.T) {
		cache := mock.NewMockCacheClient()
		cache.SetError(prediction.ErrCircuitOpen)
		h := RateLimitMiddleware(cache, 1)(ok)
		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusOK, send(h, "/v1/predict", "u1").Code)
		}
	})

	t.Run("counter without a window is dropped", func(t *testing.T) {
		clk := clocktesting.NewFakeClock(time.Now())
		cache := &expireFailingCache{MockCacheClient: mock.NewMockCacheClientWithClock(clk)}
		h := RateLimitMiddleware(cache, 1)(ok)

		assert.Equal(t, http.StatusOK, send(h, "/v1/predict", "u1").Code)
		assert.NotContains(t, cache.Keys(), cache_api.RateLimitKey("u1", "predict"))
		assert.Equal(t, http.StatusOK, send(h, "/v1/predict", "u1").Code)

		clk.Step(24 * time.Hour)
		assert.Equal(t, http.StatusOK, send(h, "/v1/predict", "u1").Code)
		assert.Equal(t, 3, cache.expireCalls)
	})

	t.Run("disabled", func(t *testing.T) {
		h := RateLimitMiddleware(nil, 1)(ok)
		assert.Equal(t, http.StatusOK, send(h, "/v1/predict", "").Code)
		assert.Equal(t, http.StatusOK, send(h, "/v1/predict", "").Code)
	})
}

// expireFailingCache accepts increments but cannot set TTLs.
type expireFailingCache struct {
	*mock.MockCacheClient
	expireCalls int
}

func (c *expireFailingCache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.expireCalls++
	return false, prediction.ErrCircuitOpen
}

func TestRateLimitEndpoint(t *testing.T) {
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/v1/predict", "predict", true},
		{"/v1/batches/abc/results", "batches", true},
		{"/v1/experiments", "experiments", true},
		{"/v1/", "", false},
		{"/metrics", "", false},
	}
	for _, tt := range tests {
		got, ok := rateLimitEndpoint(tt.path)
		assert.Equal(t, tt.want, got, tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
	}
}
