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

// This file provides redis client construction and connectivity checks.

package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	utls "github.com/llm-d-incubation/prediction-gateway/internal/util/tls"
)

const (
	connectTimeout = 5 * time.Second
	checkKeySuffix = "health"
)

type RedisClientConfig struct {
	Url          string             `json:"url" yaml:"url"`
	ServiceName  string             `json:"serviceName" yaml:"service_name"`
	EnableTLS    bool               `json:"enableTLS" yaml:"enable_tls"`
	Certificates *utls.Certificates `json:"certificates,omitempty" yaml:"certificates,omitempty"`
	PoolSize     int                `json:"poolSize,omitempty" yaml:"pool_size,omitempty"`
}

// NewRedisClient creates a redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, conf *RedisClientConfig) (*goredis.Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := klog.FromContext(ctx)
	if conf == nil || len(conf.Url) == 0 {
		err := fmt.Errorf("empty redis url")
		logger.Error(err, "NewRedisClient:")
		return nil, err
	}
	opts, err := goredis.ParseURL(conf.Url)
	if err != nil {
		logger.Error(err, "NewRedisClient: ParseURL failed")
		return nil, err
	}
	if conf.EnableTLS {
		tlsConf, err := conf.Certificates.ClientConfig()
		if err != nil {
			logger.Error(err, "NewRedisClient: TLS config failed")
			return nil, err
		}
		opts.TLSConfig = tlsConf
	}
	if conf.PoolSize > 0 {
		opts.PoolSize = conf.PoolSize
	}
	opts.ClientName = conf.ServiceName
	opts.DialTimeout = connectTimeout

	client := goredis.NewClient(opts)
	cctx, ccancel := context.WithTimeout(ctx, connectTimeout)
	defer ccancel()
	if err := client.Ping(cctx).Err(); err != nil {
		logger.Error(err, "NewRedisClient: Ping failed", "serviceName", conf.ServiceName)
		client.Close()
		return nil, err
	}
	logger.Info("NewRedisClient: succeeded", "serviceName", conf.ServiceName, "addr", opts.Addr)
	return client, nil
}

// RedisClientChecker checks that the client can still reach the server.
type RedisClientChecker struct {
	client      *goredis.Client
	checkKey    string
	serviceName string
	timeout     time.Duration
}

func NewRedisClientChecker(client *goredis.Client, keysPrefix, serviceName string, timeout time.Duration) *RedisClientChecker {
	return &RedisClientChecker{
		client:      client,
		checkKey:    keysPrefix + checkKeySuffix,
		serviceName: serviceName,
		timeout:     timeout,
	}
}

// Check pings the server and round-trips a short lived key.
func (c *RedisClientChecker) Check(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := klog.FromContext(ctx).WithValues("serviceName", c.serviceName)
	cctx, ccancel := context.WithTimeout(ctx, c.timeout)
	defer ccancel()
	if err := c.client.Ping(cctx).Err(); err != nil {
		logger.Error(err, "Check: Ping failed")
		return err
	}
	if err := c.client.Set(cctx, c.checkKey, time.Now().Unix(), 10*time.Second).Err(); err != nil {
		logger.Error(err, "Check: Set failed")
		return err
	}
	return nil
}
