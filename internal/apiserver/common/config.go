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

// The file implements server configuration management and validation for API server.
package common

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/prediction-gateway/internal/fallback"
	"github.com/llm-d-incubation/prediction-gateway/internal/scheduler"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/breaker"
	uredis "github.com/llm-d-incubation/prediction-gateway/internal/util/redis"
	utls "github.com/llm-d-incubation/prediction-gateway/internal/util/tls"
)

const (
	defaultPort                    = "8000"
	defaultModelVersion            = "v1"
	defaultCacheOpTimeoutMs        = 500
	defaultBreakerThreshold        = 5
	defaultBreakerResetSeconds     = 30
	defaultFallbackTimeoutSeconds  = 5
	defaultFallbackWindowSeconds   = 300
	defaultInferenceTimeoutSeconds = 5
	defaultHeuristicPrior          = 0.6
)

// Use snake_case for YAML, and use camelCase for JSON
type ServerConfig struct {
	Host        string `json:"host" yaml:"host"`
	Port        string `json:"port" yaml:"port"`
	SSLCertFile string `json:"sslCertFile" yaml:"ssl_cert_file"`
	SSLKeyFile  string `json:"sslKeyFile" yaml:"ssl_key_file"`

	// Redis is optional. Without a url the gateway runs without a cache.
	Redis                      uredis.RedisClientConfig `json:"redis" yaml:"redis"`
	CacheOpTimeoutMs           int                      `json:"cacheOpTimeoutMs" yaml:"cache_op_timeout_ms"`
	BreakerFailureThreshold    int                      `json:"breakerFailureThreshold" yaml:"breaker_failure_threshold"`
	BreakerResetTimeoutSeconds int                      `json:"breakerResetTimeoutSeconds" yaml:"breaker_reset_timeout_seconds"`

	NumWorkers             int `json:"numWorkers" yaml:"num_workers"`
	MaxConcurrency         int `json:"maxConcurrency" yaml:"max_concurrency"`
	QueueCapacity          int `json:"queueCapacity" yaml:"queue_capacity"`
	MaxBatchSize           int `json:"maxBatchSize" yaml:"max_batch_size"`
	HistorySize            int `json:"historySize" yaml:"history_size"`
	RequestTimeoutSeconds  int `json:"requestTimeoutSeconds" yaml:"request_timeout_seconds"`
	CallbackTimeoutSeconds int `json:"callbackTimeoutSeconds" yaml:"callback_timeout_seconds"`

	// InferenceURL is the model server base url. When empty an in-process model serves every version.
	InferenceURL            string   `json:"inferenceUrl" yaml:"inference_url"`
	InferenceTimeoutSeconds int      `json:"inferenceTimeoutSeconds" yaml:"inference_timeout_seconds"`
	ModelVersion            string   `json:"modelVersion" yaml:"model_version"`
	BackupModelVersions     []string `json:"backupModelVersions,omitempty" yaml:"backup_model_versions,omitempty"`
	PreviousModelVersion    string   `json:"previousModelVersion,omitempty" yaml:"previous_model_version,omitempty"`

	FallbackTimeoutSeconds int                       `json:"fallbackTimeoutSeconds" yaml:"fallback_timeout_seconds"`
	FallbackWindowSeconds  int                       `json:"fallbackWindowSeconds" yaml:"fallback_window_seconds"`
	HeuristicPrior         float64                   `json:"heuristicPrior" yaml:"heuristic_prior"`
	FallbackStrategies     []fallback.StrategyConfig `json:"fallbackStrategies,omitempty" yaml:"fallback_strategies,omitempty"`

	RateLimitPerMinute int    `json:"rateLimitPerMinute" yaml:"rate_limit_per_minute"`
	ExperimentsFile    string `json:"experimentsFile" yaml:"experiments_file"`
}

func NewConfig() *ServerConfig {
	return &ServerConfig{}
}

func (c *ServerConfig) Load() error {
	// Initialize flags (including klog flags)
	fs := flag.NewFlagSet("prediction-gateway-apiserver", flag.ContinueOnError)
	klog.InitFlags(fs)

	var configFile, backups, redisCACert string
	fs.StringVar(&configFile, "config", "", "path to config file")
	fs.StringVar(&c.Host, "host", "", "server host")
	fs.StringVar(&c.Port, "port", defaultPort, "server port")
	fs.StringVar(&c.SSLCertFile, "ssl-cert-file", "", "SSL certificate file")
	fs.StringVar(&c.SSLKeyFile, "ssl-key-file", "", "SSL key file")

	fs.StringVar(&c.Redis.Url, "redis-url", "", "redis url, e.g. redis://localhost:6379/0 (empty disables the cache)")
	fs.StringVar(&c.Redis.ServiceName, "redis-service-name", "prediction-gateway", "client name reported to redis")
	fs.BoolVar(&c.Redis.EnableTLS, "redis-enable-tls", false, "connect to redis over TLS")
	fs.StringVar(&redisCACert, "redis-ca-cert-file", "", "CA certificate used to verify redis")
	fs.IntVar(&c.CacheOpTimeoutMs, "cache-op-timeout-ms", defaultCacheOpTimeoutMs, "timeout of a single cache operation")
	fs.IntVar(&c.BreakerFailureThreshold, "breaker-failure-threshold", defaultBreakerThreshold, "consecutive cache failures that open the circuit")
	fs.IntVar(&c.BreakerResetTimeoutSeconds, "breaker-reset-timeout-seconds", defaultBreakerResetSeconds, "seconds before an open circuit lets a probe through")

	fs.IntVar(&c.NumWorkers, "num-workers", scheduler.DefaultNumWorkers, "scheduler worker count")
	fs.IntVar(&c.MaxConcurrency, "max-concurrency", scheduler.DefaultMaxConcurrency, "jobs processed at once")
	fs.IntVar(&c.QueueCapacity, "queue-capacity", scheduler.DefaultQueueCapacity, "capacity of each priority queue")
	fs.IntVar(&c.MaxBatchSize, "max-batch-size", scheduler.DefaultMaxBatchSize, "requests processed together within a job")
	fs.IntVar(&c.HistorySize, "history-size", scheduler.DefaultHistorySize, "finished jobs kept for status queries")
	fs.IntVar(&c.RequestTimeoutSeconds, "request-timeout-seconds", 0, "per request timeout inside a job (0 disables)")
	fs.IntVar(&c.CallbackTimeoutSeconds, "callback-timeout-seconds", int(scheduler.DefaultCallbackTimeout/time.Second), "callback delivery timeout")

	fs.StringVar(&c.InferenceURL, "inference-url", "", "model server base url (empty uses the in-process model)")
	fs.IntVar(&c.InferenceTimeoutSeconds, "inference-timeout-seconds", defaultInferenceTimeoutSeconds, "model server request timeout")
	fs.StringVar(&c.ModelVersion, "model-version", defaultModelVersion, "default model version")
	fs.StringVar(&backups, "backup-model-versions", "", "comma separated backup model versions, tried in order")
	fs.StringVar(&c.PreviousModelVersion, "previous-model-version", "", "model version used by the previous_version fallback")

	fs.IntVar(&c.FallbackTimeoutSeconds, "fallback-timeout-seconds", defaultFallbackTimeoutSeconds, "timeout of each step of the fallback chain")
	fs.IntVar(&c.FallbackWindowSeconds, "fallback-window-seconds", defaultFallbackWindowSeconds, "sliding window of the primary failure rate")
	fs.Float64Var(&c.HeuristicPrior, "heuristic-prior", defaultHeuristicPrior, "prior success probability of the heuristic fallback")

	fs.IntVar(&c.RateLimitPerMinute, "rate-limit-per-minute", 0, "requests per user and endpoint per minute (0 disables)")
	fs.StringVar(&c.ExperimentsFile, "experiments-file", "", "YAML file of experiments created at startup")

	// Parse all flags (klog flags and application flags)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if backups != "" {
		for _, v := range strings.Split(backups, ",") {
			if v = strings.TrimSpace(v); v != "" {
				c.BackupModelVersions = append(c.BackupModelVersions, v)
			}
		}
	}
	if redisCACert != "" {
		c.Redis.Certificates = &utls.Certificates{CaCertFile: redisCACert}
	}

	// If config file is provided, load from file (config file values replace CLI flag values)
	if configFile != "" {
		if err := c.loadFromFile(configFile); err != nil {
			return err
		}
	}

	return c.Validate()
}

func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}

	// If one SSL file is provided, both must be provided
	if (c.SSLCertFile != "" && c.SSLKeyFile == "") || (c.SSLCertFile == "" && c.SSLKeyFile != "") {
		return fmt.Errorf("both ssl-cert-file and ssl-private-key-file must be provided together")
	}

	// Verify SSL files exist if provided
	if c.SSLCertFile != "" {
		if _, err := os.Stat(c.SSLCertFile); err != nil {
			return fmt.Errorf("ssl cert file not found: %w", err)
		}
		if _, err := os.Stat(c.SSLKeyFile); err != nil {
			return fmt.Errorf("ssl key file not found: %w", err)
		}
	}

	if c.ModelVersion == "" {
		c.ModelVersion = defaultModelVersion
	}
	if c.HeuristicPrior < 0 || c.HeuristicPrior > 1 {
		return fmt.Errorf("heuristic prior must be within [0, 1], got %v", c.HeuristicPrior)
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.ExperimentsFile != "" {
		if _, err := os.Stat(c.ExperimentsFile); err != nil {
			return fmt.Errorf("experiments file not found: %w", err)
		}
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file
// File format is determined by extension (.json, .yaml, .yml)
// When config file is specified, it overrides all CLI flags
func (c *ServerConfig) loadFromFile(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format by extension
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .json, .yaml, .yml)", ext)
	}

	return nil
}

func (c *ServerConfig) SSLEnabled() bool {
	return (c.SSLCertFile != "" && c.SSLKeyFile != "")
}

func (c *ServerConfig) CacheEnabled() bool {
	return c.Redis.Url != ""
}

func (c *ServerConfig) CacheOpTimeout() time.Duration {
	return time.Duration(c.CacheOpTimeoutMs) * time.Millisecond
}

func (c *ServerConfig) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.BreakerFailureThreshold,
		ResetTimeout:     time.Duration(c.BreakerResetTimeoutSeconds) * time.Second,
	}
}

func (c *ServerConfig) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		NumWorkers:      c.NumWorkers,
		MaxConcurrency:  c.MaxConcurrency,
		QueueCapacity:   c.QueueCapacity,
		MaxBatchSize:    c.MaxBatchSize,
		HistorySize:     c.HistorySize,
		RequestTimeout:  time.Duration(c.RequestTimeoutSeconds) * time.Second,
		CallbackTimeout: time.Duration(c.CallbackTimeoutSeconds) * time.Second,
	}
}

func (c *ServerConfig) InferenceTimeout() time.Duration {
	return time.Duration(c.InferenceTimeoutSeconds) * time.Second
}

// FallbackConfig returns the chain configuration. Without configured strategies every
// strategy is enabled with its default parameters.
func (c *ServerConfig) FallbackConfig() fallback.Config {
	strategies := c.FallbackStrategies
	if len(strategies) == 0 {
		strategies = []fallback.StrategyConfig{
			{Kind: fallback.KindHeuristic, Enabled: true, Params: map[string]float64{"prior": c.HeuristicPrior}},
			{Kind: fallback.KindCached, Enabled: true},
			{Kind: fallback.KindStatistical, Enabled: true},
			{Kind: fallback.KindPreviousVersion, Enabled: true},
			{Kind: fallback.KindRandom, Enabled: true},
		}
	}
	return fallback.Config{
		Timeout:    time.Duration(c.FallbackTimeoutSeconds) * time.Second,
		Window:     time.Duration(c.FallbackWindowSeconds) * time.Second,
		Strategies: strategies,
	}
}
