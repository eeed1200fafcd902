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

package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache_api "github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	"github.com/llm-d-incubation/prediction-gateway/internal/cache/mock"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
)

func TestStaticModel(t *testing.T) {
	m := NewStaticModel("v1")
	req := &prediction.Request{RequestID: "r", UserID: "u", ItemIDs: []string{"a", "b"}}

	first, err := m.Infer(context.Background(), req)
	require.NoError(t, err)
	second, err := m.Infer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Predictions, second.Predictions)
	assert.Equal(t, "v1", first.ModelVersion)
	for _, p := range first.Predictions {
		assert.GreaterOrEqual(t, p, 0.1)
		assert.Less(t, p, 0.9)
	}

	_, err = m.Infer(context.Background(), &prediction.Request{})
	assert.True(t, errors.Is(err, prediction.ErrInvalidRequest))
}

type countingModel struct {
	calls atomic.Int32
	err   error
}

func (c *countingModel) Infer(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &prediction.Response{UserID: req.UserID, Predictions: map[string]float64{"a": 0.7}}, nil
}

func TestCachedInferencer(t *testing.T) {
	ctx := context.Background()
	cache := mock.NewMockCacheClient()
	model := &countingModel{}
	inf := NewCachedInferencer(model, cache, "v3")
	req := &prediction.Request{RequestID: "r1", UserID: "u", ItemIDs: []string{"b", "a"}}

	resp, err := inf.Infer(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, "v3", resp.ModelVersion)
	assert.EqualValues(t, 1, model.calls.Load())

	// candidate order does not matter
	resp, err = inf.Infer(ctx, &prediction.Request{RequestID: "r2", UserID: "u", ItemIDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, prediction.SourceCache, resp.Source)
	assert.Equal(t, "r2", resp.RequestID)
	assert.Equal(t, "v3", resp.ModelVersion)
	assert.EqualValues(t, 1, model.calls.Load())
	assert.Equal(t, 0.5, cache.Stats().HitRatio())

	// the last good copy is stored under a version independent key
	last := &prediction.Response{}
	found, err := cache_api.GetJSON(ctx, cache, cache_api.LastPredictionKey("u", cache_api.CandidateHash([]string{"a", "b"})), last)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v3", last.ModelVersion)

	// a different version does not share the cache entry
	other := NewCachedInferencer(model, cache, "v4")
	resp, err = other.Infer(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.EqualValues(t, 2, model.calls.Load())
}

func TestCachedInferencer_CacheErrorsAreIgnored(t *testing.T) {
	cache := mock.NewMockCacheClient()
	cache.SetError(prediction.ErrCircuitOpen)
	model := &countingModel{}
	inf := NewCachedInferencer(model, cache, "v1")

	for i := 0; i < 3; i++ {
		resp, err := inf.Infer(context.Background(), &prediction.Request{UserID: "u", ItemIDs: []string{"a"}})
		require.NoError(t, err)
		assert.False(t, resp.CacheHit)
	}
	assert.EqualValues(t, 3, model.calls.Load())

	model.err = errors.New("model down")
	_, err := inf.Infer(context.Background(), &prediction.Request{UserID: "u", ItemIDs: []string{"a"}})
	assert.Error(t, err)
}

func TestRemoteModel(t *testing.T) {
	var gotPath string
	var gotReq prediction.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if gotReq.UserID == "boom" {
			http.Error(w, "model exploded", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(prediction.Response{Predictions: map[string]float64{"a": 0.42}})
	}))
	defer server.Close()

	m, err := NewRemoteModel(server.URL+"/", "dkt-2", time.Second)
	require.NoError(t, err)

	resp, err := m.Infer(context.Background(), &prediction.Request{RequestID: "r", UserID: "u", ItemIDs: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "/v1/models/dkt-2:predict", gotPath)
	assert.Equal(t, []string{"a"}, gotReq.ItemIDs)
	assert.Equal(t, 0.42, resp.Predictions["a"])
	assert.Equal(t, "dkt-2", resp.ModelVersion)
	assert.Equal(t, "r", resp.RequestID)
	assert.Equal(t, "u", resp.UserID)

	_, err = m.Infer(context.Background(), &prediction.Request{UserID: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")

	_, err = NewRemoteModel("not a url", "v", 0)
	assert.Error(t, err)
	_, err = NewRemoteModel(server.URL, "", 0)
	assert.Error(t, err)
}

func TestRemoteModel_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	m, err := NewRemoteModel(server.URL, "slow", 20*time.Millisecond)
	require.NoError(t, err)
	_, err = m.Infer(context.Background(), &prediction.Request{UserID: "u"})
	assert.Error(t, err)
}
