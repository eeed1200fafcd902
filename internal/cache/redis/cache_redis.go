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

// This file provides a redis cache client implementation.

package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	cache_api "github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	"github.com/llm-d-incubation/prediction-gateway/internal/metrics"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/breaker"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
	uredis "github.com/llm-d-incubation/prediction-gateway/internal/util/redis"
)

const (
	cmdTimeout      = 2 * time.Second
	healthKeyPrefix = "health:"
	scanCount       = 500

	opGet          = "get"
	opSet          = "set"
	opSetNX        = "set_if_absent"
	opDelete       = "delete"
	opIncr         = "increment"
	opExpire       = "expire"
	opGetMulti     = "get_multi"
	opSetMulti     = "set_multi"
	opInvalidate   = "invalidate_prefix"
	opPublish      = "publish"
	opHealth       = "health"
	resultHit      = "hit"
	resultMiss     = "miss"
	resultOK       = "ok"
	resultError    = "error"
	resultRejected = "rejected"
)

type CacheClientRedis struct {
	redisClient        *goredis.Client
	redisClientChecker *uredis.RedisClientChecker
	breaker            *breaker.CircuitBreaker
	clock              clock.PassiveClock
	serviceName        string
	timeout            time.Duration

	statsMu sync.Mutex
	stats   cache_api.Stats
}

func NewCacheClientRedis(ctx context.Context, conf *uredis.RedisClientConfig, opTimeout time.Duration,
	breakerCfg breaker.Config) (*CacheClientRedis, error) {

	if ctx == nil {
		ctx = context.Background()
	}
	logger := klog.FromContext(ctx)
	if conf == nil {
		err := fmt.Errorf("empty redis config")
		logger.Error(err, "NewCacheClientRedis:")
		return nil, err
	}
	redisClient, err := uredis.NewRedisClient(ctx, conf)
	if err != nil {
		return nil, err
	}
	c := NewCacheClientRedisFromClient(redisClient, conf.ServiceName, opTimeout, breakerCfg, clock.RealClock{})
	logger.Info("NewCacheClientRedis: succeeded", "serviceName", conf.ServiceName)
	return c, nil
}

// NewCacheClientRedisFromClient wraps an existing redis client.
func NewCacheClientRedisFromClient(redisClient *goredis.Client, serviceName string, opTimeout time.Duration,
	breakerCfg breaker.Config, clk clock.Clock) *CacheClientRedis {

	if opTimeout <= 0 {
		opTimeout = cmdTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	cb := breaker.New(breakerCfg, clk)
	cb.OnStateChange(func(from, to breaker.State) {
		metrics.SetBreakerState(serviceName, int(to))
		klog.Background().Info("cache circuit breaker state changed",
			"serviceName", serviceName, "from", from.String(), "to", to.String())
	})
	metrics.SetBreakerState(serviceName, int(breaker.StateClosed))
	return &CacheClientRedis{
		redisClient:        redisClient,
		redisClientChecker: uredis.NewRedisClientChecker(redisClient, healthKeyPrefix, serviceName, opTimeout),
		breaker:            cb,
		clock:              clk,
		serviceName:        serviceName,
		timeout:            opTimeout,
	}
}

func (c *CacheClientRedis) Close() (err error) {
	if c.redisClient != nil {
		err = c.redisClient.Close()
	}
	return err
}

// Breaker exposes the circuit breaker of the client.
func (c *CacheClientRedis) Breaker() *breaker.CircuitBreaker {
	return c.breaker
}

// do runs one store round trip under the circuit breaker. goredis.Nil is a miss, not a failure.
func (c *CacheClientRedis) do(ctx context.Context, op string, fn func(cctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.breaker.Allow(); err != nil {
		c.updateStats(func(s *cache_api.Stats) { s.CircuitRejections++ })
		metrics.RecordCacheOp(op, resultRejected)
		return err
	}

	cctx, ccancel := context.WithTimeout(ctx, c.timeout)
	start := c.clock.Now()
	err := fn(cctx)
	elapsed := c.clock.Since(start)
	ccancel()

	metrics.RecordCacheLatency(op, elapsed)
	c.updateStats(func(s *cache_api.Stats) {
		s.Operations++
		s.TotalLatencyMs += float64(elapsed.Microseconds()) / 1000
	})
	if err != nil && !errors.Is(err, goredis.Nil) && ctx.Err() != nil {
		// the caller gave up; the store may well be healthy
		c.breaker.Abandon()
		c.updateStats(func(s *cache_api.Stats) { s.Errors++ })
		metrics.RecordCacheOp(op, resultError)
		klog.FromContext(ctx).V(logging.DEBUG).Info("cache operation abandoned", "op", op, "err", err.Error())
		return err
	}
	if err != nil && !errors.Is(err, goredis.Nil) {
		c.breaker.Failure()
		c.updateStats(func(s *cache_api.Stats) { s.Errors++ })
		metrics.RecordCacheOp(op, resultError)
		klog.FromContext(ctx).V(logging.DEBUG).Info("cache operation failed", "op", op, "err", err.Error())
		return err
	}
	c.breaker.Success()
	return err
}

func (c *CacheClientRedis) updateStats(fn func(s *cache_api.Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

func (c *CacheClientRedis) Stats() cache_api.Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *CacheClientRedis) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	err = c.do(ctx, opGet, func(cctx context.Context) error {
		var rerr error
		value, rerr = c.redisClient.Get(cctx, key).Bytes()
		return rerr
	})
	switch {
	case errors.Is(err, goredis.Nil):
		c.updateStats(func(s *cache_api.Stats) { s.Misses++ })
		metrics.RecordCacheOp(opGet, resultMiss)
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	c.updateStats(func(s *cache_api.Stats) { s.Hits++ })
	metrics.RecordCacheOp(opGet, resultHit)
	return value, true, nil
}

func (c *CacheClientRedis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	if len(key) == 0 {
		return fmt.Errorf("empty key")
	}
	err = c.do(ctx, opSet, func(cctx context.Context) error {
		return c.redisClient.Set(cctx, key, value, ttl).Err()
	})
	if err != nil {
		return err
	}
	c.updateStats(func(s *cache_api.Stats) { s.Sets++ })
	metrics.RecordCacheOp(opSet, resultOK)
	return nil
}

func (c *CacheClientRedis) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (stored bool, err error) {
	if len(key) == 0 {
		return false, fmt.Errorf("empty key")
	}
	err = c.do(ctx, opSetNX, func(cctx context.Context) error {
		var rerr error
		stored, rerr = c.redisClient.SetNX(cctx, key, value, ttl).Result()
		return rerr
	})
	if err != nil {
		return false, err
	}
	if stored {
		c.updateStats(func(s *cache_api.Stats) { s.Sets++ })
	}
	metrics.RecordCacheOp(opSetNX, resultOK)
	return stored, nil
}

func (c *CacheClientRedis) Delete(ctx context.Context, keys ...string) (nDeleted int, err error) {
	if len(keys) == 0 {
		return 0, nil
	}
	err = c.do(ctx, opDelete, func(cctx context.Context) error {
		n, rerr := c.redisClient.Del(cctx, keys...).Result()
		nDeleted = int(n)
		return rerr
	})
	if err != nil {
		return 0, err
	}
	c.updateStats(func(s *cache_api.Stats) { s.Deletes += int64(nDeleted) })
	metrics.RecordCacheOp(opDelete, resultOK)
	return nDeleted, nil
}

func (c *CacheClientRedis) Increment(ctx context.Context, key string, delta int64) (value int64, err error) {
	err = c.do(ctx, opIncr, func(cctx context.Context) error {
		var rerr error
		value, rerr = c.redisClient.IncrBy(cctx, key, delta).Result()
		return rerr
	})
	if err != nil {
		return 0, err
	}
	metrics.RecordCacheOp(opIncr, resultOK)
	return value, nil
}

func (c *CacheClientRedis) Expire(ctx context.Context, key string, ttl time.Duration) (exists bool, err error) {
	err = c.do(ctx, opExpire, func(cctx context.Context) error {
		var rerr error
		exists, rerr = c.redisClient.Expire(cctx, key, ttl).Result()
		return rerr
	})
	if err != nil {
		return false, err
	}
	metrics.RecordCacheOp(opExpire, resultOK)
	return exists, nil
}

func (c *CacheClientRedis) GetMulti(ctx context.Context, keys []string) (values map[string][]byte, err error) {
	values = make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return values, nil
	}
	var vals []interface{}
	err = c.do(ctx, opGetMulti, func(cctx context.Context) error {
		var rerr error
		vals, rerr = c.redisClient.MGet(cctx, keys...).Result()
		return rerr
	})
	if err != nil {
		return nil, err
	}
	if len(vals) != len(keys) {
		return nil, fmt.Errorf("unexpected result length from MGet: %d != %d", len(vals), len(keys))
	}
	var hits, misses int64
	for i, val := range vals {
		str, ok := val.(string)
		if !ok {
			misses++
			continue
		}
		values[keys[i]] = []byte(str)
		hits++
	}
	c.updateStats(func(s *cache_api.Stats) {
		s.Hits += hits
		s.Misses += misses
	})
	metrics.RecordCacheOp(opGetMulti, resultOK)
	return values, nil
}

func (c *CacheClientRedis) SetMulti(ctx context.Context, items map[string][]byte, ttl time.Duration) (err error) {
	if len(items) == 0 {
		return nil
	}
	var cmds []goredis.Cmder
	err = c.do(ctx, opSetMulti, func(cctx context.Context) error {
		var rerr error
		cmds, rerr = c.redisClient.TxPipelined(cctx, func(pipe goredis.Pipeliner) error {
			for key, value := range items {
				pipe.Set(cctx, key, value, ttl)
			}
			return nil
		})
		return rerr
	})
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		if err = cmd.Err(); err != nil {
			return err
		}
	}
	c.updateStats(func(s *cache_api.Stats) { s.Sets += int64(len(items)) })
	metrics.RecordCacheOp(opSetMulti, resultOK)
	return nil
}

func (c *CacheClientRedis) InvalidateByPrefix(ctx context.Context, prefix cache_api.KeyPrefix) (nDeleted int, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := klog.FromContext(ctx).WithValues("prefix", string(prefix))
	if err = prefix.Validate(); err != nil {
		logger.Error(err, "InvalidateByPrefix:")
		return 0, err
	}

	var cursor uint64
	for {
		var keys []string
		err = c.do(ctx, opInvalidate, func(cctx context.Context) error {
			var rerr error
			keys, cursor, rerr = c.redisClient.Scan(cctx, cursor, string(prefix)+"*", scanCount).Result()
			if rerr != nil || len(keys) == 0 {
				return rerr
			}
			n, rerr := c.redisClient.Del(cctx, keys...).Result()
			nDeleted += int(n)
			return rerr
		})
		if err != nil {
			logger.Error(err, "InvalidateByPrefix: scan failed", "nDeleted", nDeleted)
			return nDeleted, err
		}
		if cursor == 0 {
			break
		}
	}
	c.updateStats(func(s *cache_api.Stats) { s.Deletes += int64(nDeleted) })
	metrics.RecordCacheOp(opInvalidate, resultOK)
	logger.Info("InvalidateByPrefix: succeeded", "nDeleted", nDeleted)
	return nDeleted, nil
}

func (c *CacheClientRedis) Publish(ctx context.Context, channel string, payload []byte) (receivers int64, err error) {
	err = c.do(ctx, opPublish, func(cctx context.Context) error {
		var rerr error
		receivers, rerr = c.redisClient.Publish(cctx, channel, payload).Result()
		return rerr
	})
	if err != nil {
		return 0, err
	}
	metrics.RecordCacheOp(opPublish, resultOK)
	return receivers, nil
}

func (c *CacheClientRedis) Health(ctx context.Context) cache_api.Health {
	err := c.do(ctx, opHealth, func(cctx context.Context) error {
		return c.redisClientChecker.Check(cctx)
	})
	stats := c.Stats()
	h := cache_api.Health{
		Healthy:  err == nil,
		Breaker:  c.breaker.Snapshot(),
		Stats:    stats,
		HitRatio: stats.HitRatio(),
	}
	if err != nil {
		h.Error = err.Error()
		if errors.Is(err, prediction.ErrCircuitOpen) {
			h.Error = "circuit open"
		}
	}
	return h
}

var _ cache_api.CacheClient = &CacheClientRedis{}
