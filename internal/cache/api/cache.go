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

// This file specifies the interface of the key-value cache client.

package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/llm-d-incubation/prediction-gateway/internal/util/breaker"
)

// CacheClient is a key-value store client. Every operation that reaches the store is
// guarded by a circuit breaker; while it is open operations fail with prediction.ErrCircuitOpen.
type CacheClient interface {
	// Get returns the value of key. found is false on a miss.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key. A ttl of zero stores the key without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (err error)

	// SetIfAbsent stores value only if key does not exist. It reports whether the value was stored.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (stored bool, err error)

	// Delete deletes keys and returns the number of deleted keys.
	Delete(ctx context.Context, keys ...string) (nDeleted int, err error)

	// Increment atomically adds delta to the integer stored at key and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (value int64, err error)

	// Expire sets a ttl on key. It reports whether the key exists.
	Expire(ctx context.Context, key string, ttl time.Duration) (exists bool, err error)

	// GetMulti returns the values of the keys that exist, in a single round trip.
	GetMulti(ctx context.Context, keys []string) (values map[string][]byte, err error)

	// SetMulti stores all items with the same ttl atomically.
	SetMulti(ctx context.Context, items map[string][]byte, ttl time.Duration) (err error)

	// InvalidateByPrefix deletes every key in one of the documented namespaces.
	InvalidateByPrefix(ctx context.Context, prefix KeyPrefix) (nDeleted int, err error)

	// Publish sends payload on channel and returns the number of receivers.
	Publish(ctx context.Context, channel string, payload []byte) (receivers int64, err error)

	// Health probes the store and reports breaker state and running statistics.
	Health(ctx context.Context) Health

	// Stats returns the running statistics.
	Stats() Stats

	Close() error
}

// Stats are the running counters of a cache client.
type Stats struct {
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	Sets              int64   `json:"sets"`
	Deletes           int64   `json:"deletes"`
	Errors            int64   `json:"errors"`
	CircuitRejections int64   `json:"circuit_rejections"`
	Operations        int64   `json:"operations"`
	TotalLatencyMs    float64 `json:"total_latency_ms"`
}

// HitRatio returns hits / (hits + misses), zero when no lookups were made.
func (s Stats) HitRatio() float64 {
	lookups := s.Hits + s.Misses
	if lookups == 0 {
		return 0
	}
	return float64(s.Hits) / float64(lookups)
}

// AvgLatencyMs returns the mean latency of operations that reached the store.
func (s Stats) AvgLatencyMs() float64 {
	if s.Operations == 0 {
		return 0
	}
	return s.TotalLatencyMs / float64(s.Operations)
}

type Health struct {
	Healthy  bool             `json:"healthy"`
	Error    string           `json:"error,omitempty"`
	Breaker  breaker.Snapshot `json:"circuit_breaker"`
	Stats    Stats            `json:"stats"`
	HitRatio float64          `json:"hit_ratio"`
}

// GetJSON reads key and unmarshals it into v. found is false on a miss.
func GetJSON(ctx context.Context, c CacheClient, key string, v any) (found bool, err error) {
	data, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, c CacheClient, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}
