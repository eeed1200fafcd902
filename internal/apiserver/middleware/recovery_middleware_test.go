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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d-incubation/prediction-gateway/internal/shared/openai"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
)

func TestRecoveryMiddleware(t *testing.T) {
	t.Run("passes through", func(t *testing.T) {
		h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"job_id":"j1"}`))
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/batches", nil))
		assert.Equal(t, http.StatusAccepted, rr.Code)
		assert.JSONEq(t, `{"job_id":"j1"}`, rr.Body.String())
	})

	panics := map[string]any{
		"string":             "inference backend went away",
		"error":              errors.New("nil model"),
		"typed domain error": prediction.ErrAllFallbacksExhausted,
		"nil":                nil,
		"struct":             struct{ Variant string }{Variant: "treatment"},
	}
	for name, value := range panics {
		t.Run(name, func(t *testing.T) {
			h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(value)
			}))
			req := httptest.NewRequest(http.MethodPost, "/v1/predict", nil)
			req = req.WithContext(context.WithValue(req.Context(), requestIDKey, "req-42"))
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			require.Equal(t, http.StatusInternalServerError, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			var resp openai.ErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, http.StatusInternalServerError, resp.Error.Code)
			assert.Equal(t, "InternalServerError", resp.Error.Type)
			assert.NotContains(t, resp.Error.Message, "exhausted")
			require.NotNil(t, resp.Error.Param)
			assert.Equal(t, "req-42", *resp.Error.Param)
		})
	}

	t.Run("abort handler is re-raised", func(t *testing.T) {
		h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/batches/j1", nil))
		})
	})
}

func BenchmarkRecoveryMiddleware(b *testing.B) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	for i := 0; i < b.N; i++ {
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
}
