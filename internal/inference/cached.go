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

	"k8s.io/klog/v2"

	cache_api "github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

// CachedInferencer answers from the cache when it can and stores fresh results.
// The cache is an optimization only: every cache error is logged and ignored.
type CachedInferencer struct {
	next    prediction.Inferencer
	cache   cache_api.CacheClient
	version string
}

// NewCachedInferencer wraps next. Results are keyed by user, candidate set and version.
func NewCachedInferencer(next prediction.Inferencer, cache cache_api.CacheClient, version string) *CachedInferencer {
	return &CachedInferencer{next: next, cache: cache, version: version}
}

func (c *CachedInferencer) batchKey(req *prediction.Request) string {
	items := req.ItemIDs
	if c.version != "" {
		items = append(append(make([]string, 0, len(items)+1), items...), "\x00model="+c.version)
	}
	return cache_api.BatchPredictionKey(req.UserID, cache_api.CandidateHash(items))
}

func (c *CachedInferencer) Infer(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
	if c.cache == nil {
		return c.next.Infer(ctx, req)
	}
	logger := klog.FromContext(ctx)
	key := c.batchKey(req)

	cached := &prediction.Response{}
	found, err := cache_api.GetJSON(ctx, c.cache, key, cached)
	if err != nil {
		logger.V(logging.DEBUG).Info("Cache lookup failed, calling model", "key", key, "err", err.Error())
	} else if found {
		cached.RequestID = req.RequestID
		cached.Source = prediction.SourceCache
		cached.CacheHit = true
		cached.Attempts = nil
		cached.LatencyMs = 0
		return cached, nil
	}

	resp, err := c.next.Infer(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.ModelVersion == "" {
		resp.ModelVersion = c.version
	}
	stored := *resp
	stored.RequestID = ""
	stored.Attempts = nil
	if err := cache_api.SetJSON(ctx, c.cache, key, &stored, cache_api.TTLPrediction); err != nil {
		logger.V(logging.DEBUG).Info("Failed to cache prediction", "key", key, "err", err.Error())
		return resp, nil
	}
	lastKey := cache_api.LastPredictionKey(req.UserID, cache_api.CandidateHash(req.ItemIDs))
	if err := cache_api.SetJSON(ctx, c.cache, lastKey, &stored, cache_api.TTLLastPrediction); err != nil {
		logger.V(logging.DEBUG).Info("Failed to cache last good prediction", "key", lastKey, "err", err.Error())
	}
	return resp, nil
}

var _ prediction.Inferencer = &CachedInferencer{}
