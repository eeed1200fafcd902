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

// The file provides an in-memory mock implementation of CacheClient.
package mock

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/breaker"
)

type entry struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

type MockCacheClient struct {
	mu        sync.Mutex
	clock     clock.PassiveClock
	data      map[string]entry
	stats     api.Stats
	published map[string][][]byte
	err       error
}

func NewMockCacheClient() *MockCacheClient {
	return NewMockCacheClientWithClock(clock.RealClock{})
}

func NewMockCacheClientWithClock(clk clock.PassiveClock) *MockCacheClient {
	return &MockCacheClient{
		clock:     clk,
		data:      make(map[string]entry),
		published: make(map[string][][]byte),
	}
}

// SetError makes every following operation fail with err until it is reset with nil.
func (m *MockCacheClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Published returns the payloads published on channel.
func (m *MockCacheClient) Published(channel string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published[channel]...)
}

// Keys returns the live keys.
func (m *MockCacheClient) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if _, ok := m.lookup(k); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// lookup must be called with the lock held.
func (m *MockCacheClient) lookup(key string) (entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expireAt.IsZero() && !m.clock.Now().Before(e.expireAt) {
		delete(m.data, key)
		return entry{}, false
	}
	return e, true
}

func (m *MockCacheClient) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

// begin must be called with the lock held.
func (m *MockCacheClient) begin() error {
	if m.err != nil {
		m.stats.Errors++
		return m.err
	}
	m.stats.Operations++
	return nil
}

func (m *MockCacheClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return nil, false, err
	}
	e, ok := m.lookup(key)
	if !ok {
		m.stats.Misses++
		return nil, false, nil
	}
	m.stats.Hits++
	return append([]byte(nil), e.value...), true, nil
}

func (m *MockCacheClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return err
	}
	m.data[key] = entry{value: append([]byte(nil), value...), expireAt: m.expiry(ttl)}
	m.stats.Sets++
	return nil
}

func (m *MockCacheClient) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return false, err
	}
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.data[key] = entry{value: append([]byte(nil), value...), expireAt: m.expiry(ttl)}
	m.stats.Sets++
	return true, nil
}

func (m *MockCacheClient) Delete(ctx context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if _, ok := m.lookup(k); ok {
			delete(m.data, k)
			n++
		}
	}
	m.stats.Deletes += int64(n)
	return n, nil
}

func (m *MockCacheClient) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return 0, err
	}
	e, ok := m.lookup(key)
	var cur int64
	if ok {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		cur = v
	}
	cur += delta
	e.value = []byte(strconv.FormatInt(cur, 10))
	m.data[key] = e
	return cur, nil
}

func (m *MockCacheClient) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return false, err
	}
	e, ok := m.lookup(key)
	if !ok {
		return false, nil
	}
	e.expireAt = m.expiry(ttl)
	m.data[key] = e
	return true, nil
}

func (m *MockCacheClient) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return nil, err
	}
	values := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if e, ok := m.lookup(k); ok {
			values[k] = append([]byte(nil), e.value...)
			m.stats.Hits++
		} else {
			m.stats.Misses++
		}
	}
	return values, nil
}

func (m *MockCacheClient) SetMulti(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return err
	}
	for k, v := range items {
		m.data[k] = entry{value: append([]byte(nil), v...), expireAt: m.expiry(ttl)}
	}
	m.stats.Sets += int64(len(items))
	return nil
}

func (m *MockCacheClient) InvalidateByPrefix(ctx context.Context, prefix api.KeyPrefix) (int, error) {
	if err := prefix.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return 0, err
	}
	n := 0
	for k := range m.data {
		if strings.HasPrefix(k, string(prefix)) {
			delete(m.data, k)
			n++
		}
	}
	m.stats.Deletes += int64(n)
	return n, nil
}

func (m *MockCacheClient) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return 0, err
	}
	m.published[channel] = append(m.published[channel], append([]byte(nil), payload...))
	return 0, nil
}

func (m *MockCacheClient) Health(ctx context.Context) api.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := api.Health{
		Healthy:  m.err == nil,
		Stats:    m.stats,
		HitRatio: m.stats.HitRatio(),
		Breaker: breaker.Snapshot{
			StateName: breaker.StateClosed.String(),
		},
	}
	if m.err != nil {
		h.Error = m.err.Error()
	}
	return h
}

func (m *MockCacheClient) Stats() api.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *MockCacheClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string]entry)
	return nil
}

var _ api.CacheClient = &MockCacheClient{}
