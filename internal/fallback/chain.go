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

// Package fallback wraps a primary inference call with an ordered cascade of alternatives:
// the primary, then backup inferencers in registration order, then the enabled strategies
// in fixed priority order (heuristic, cached, statistical, previous version, random).
// When all of them fail the chain returns prediction.ErrAllFallbacksExhausted.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	cache_api "github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	"github.com/llm-d-incubation/prediction-gateway/internal/metrics"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultWindow  = 5 * time.Minute
)

type Config struct {
	Timeout    time.Duration    `json:"timeout" yaml:"timeout"`
	Window     time.Duration    `json:"window" yaml:"window"`
	Strategies []StrategyConfig `json:"strategies" yaml:"strategies"`
}

// Attempt is the outcome of one step of the cascade.
type Attempt struct {
	Name     string
	Source   prediction.Source
	Err      error
	Duration time.Duration
}

type registered struct {
	strategy Strategy
	cfg      StrategyConfig
}

// Stats is a snapshot of the chain's bookkeeping.
type Stats struct {
	Executions      int64                       `json:"executions"`
	PrimaryFailures int64                       `json:"primary_failures"`
	Exhausted       int64                       `json:"exhausted"`
	Usage           map[prediction.Source]int64 `json:"usage"`
	FailureRate     float64                     `json:"failure_rate"`
	WindowFailures  int                         `json:"window_failures"`
	Window          string                      `json:"window"`
}

type Chain struct {
	timeout time.Duration
	window  *failureWindow
	clock   clock.PassiveClock

	mu         sync.RWMutex
	strategies []registered

	statsMu         sync.Mutex
	executions      int64
	primaryFailures int64
	exhausted       int64
	usage           map[prediction.Source]int64
}

func NewChain(cfg Config, clk clock.PassiveClock) *Chain {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Chain{
		timeout: cfg.Timeout,
		window:  newFailureWindow(cfg.Window, clk),
		clock:   clk,
		usage:   make(map[prediction.Source]int64),
	}
}

// Register adds a strategy. Strategies are consulted in fixed priority order regardless of
// registration order; registering a kind twice replaces the earlier one.
func (c *Chain) Register(s Strategy, cfg StrategyConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg.Kind = s.Kind()
	c.strategies = slices.DeleteFunc(c.strategies, func(r registered) bool {
		return r.strategy.Kind() == s.Kind()
	})
	c.strategies = append(c.strategies, registered{strategy: s, cfg: cfg})
	sort.SliceStable(c.strategies, func(i, j int) bool {
		return c.strategies[i].strategy.Kind().rank() < c.strategies[j].strategy.Kind().rank()
	})
}

// Build creates a chain with every strategy of cfg registered under its own configuration.
// previous serves the previous_version strategy and may be nil, as may cache.
func Build(cfg Config, cache cache_api.CacheClient, previous prediction.Inferencer, previousVersion string,
	seed int64, clk clock.PassiveClock) (*Chain, error) {

	strategies, err := BuildStrategies(cfg.Strategies, cache, previous, previousVersion, seed)
	if err != nil {
		return nil, err
	}
	chain := NewChain(cfg, clk)
	for _, s := range strategies {
		for _, sc := range cfg.Strategies {
			if sc.Kind == s.Kind() {
				chain.Register(s, sc)
				break
			}
		}
	}
	return chain, nil
}

// SetEnabled toggles a registered strategy. It reports whether the strategy was found.
func (c *Chain) SetEnabled(kind StrategyKind, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.strategies {
		if c.strategies[i].strategy.Kind() == kind {
			c.strategies[i].cfg.Enabled = enabled
			return true
		}
	}
	return false
}

// Wrap returns an Inferencer that runs primary and backups through the chain.
func (c *Chain) Wrap(primary prediction.Inferencer, backups ...prediction.Inferencer) prediction.Inferencer {
	return prediction.InferenceFunc(func(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
		return c.Execute(ctx, req, primary, backups, 0)
	})
}

// Execute runs the cascade. A zero timeout uses the chain default.
func (c *Chain) Execute(ctx context.Context, req *prediction.Request, primary prediction.Inferencer,
	backups []prediction.Inferencer, timeout time.Duration) (*prediction.Response, error) {

	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	logger := klog.FromContext(ctx).WithValues("userID", req.UserID, "requestID", req.RequestID)
	c.updateStats(func() { c.executions++ })

	attempts := make([]Attempt, 0, 2+len(backups))

	if primary != nil {
		resp, a := c.attempt(ctx, "primary", prediction.SourcePrimary, primary, req, timeout)
		attempts = append(attempts, a)
		if a.Err == nil {
			c.window.record(false)
			return c.finish(resp, a.Source, attempts), nil
		}
		c.window.record(true)
		c.updateStats(func() { c.primaryFailures++ })
		metrics.RecordPrimaryFailure()
		logger.V(logging.DEBUG).Info("primary inference failed", "err", a.Err.Error())
	}

	for i, backup := range backups {
		resp, a := c.attempt(ctx, fmt.Sprintf("backup[%d]", i), prediction.SourceBackup, backup, req, timeout)
		attempts = append(attempts, a)
		if a.Err == nil {
			return c.finish(resp, a.Source, attempts), nil
		}
		logger.V(logging.DEBUG).Info("backup inference failed", "backup", i, "err", a.Err.Error())
	}

	c.mu.RLock()
	strategies := slices.Clone(c.strategies)
	c.mu.RUnlock()

	for _, r := range strategies {
		if !r.cfg.Enabled {
			continue
		}
		stTimeout := r.cfg.Timeout
		if stTimeout <= 0 {
			stTimeout = timeout
		}
		kind := r.strategy.Kind()
		for try := 0; try <= r.cfg.MaxRetries; try++ {
			resp, a := c.attempt(ctx, string(kind), kind.Source(), r.strategy, req, stTimeout)
			attempts = append(attempts, a)
			if a.Err == nil {
				logger.V(logging.INFO).Info("served by fallback strategy", "strategy", kind)
				return c.finish(resp, a.Source, attempts), nil
			}
			if ctx.Err() != nil {
				break
			}
		}
	}

	c.updateStats(func() { c.exhausted++ })
	metrics.RecordFallbacksExhausted()
	err := fmt.Errorf("%w: %s", prediction.ErrAllFallbacksExhausted, summarize(attempts))
	logger.V(logging.WARNING).Info("all fallbacks exhausted", "attempts", len(attempts))
	return nil, err
}

func (c *Chain) attempt(ctx context.Context, name string, source prediction.Source, inf prediction.Inferencer,
	req *prediction.Request, timeout time.Duration) (*prediction.Response, Attempt) {

	start := c.clock.Now()
	resp, err := callWithTimeout(ctx, inf, req, timeout)
	return resp, Attempt{Name: name, Source: source, Err: err, Duration: c.clock.Since(start)}
}

func (c *Chain) finish(resp *prediction.Response, source prediction.Source, attempts []Attempt) *prediction.Response {
	// a cache-first decorator may already have tagged the response
	if resp.Source == "" || source != prediction.SourcePrimary {
		resp.Source = source
	}
	resp.Fallback = source.IsFallback()
	resp.Attempts = make([]string, 0, len(attempts))
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, a.Name)
	}
	c.updateStats(func() { c.usage[resp.Source]++ })
	metrics.RecordFallbackUsage(string(resp.Source))
	return resp
}

// callWithTimeout bounds the call even when the inferencer ignores its context.
func callWithTimeout(ctx context.Context, inf prediction.Inferencer, req *prediction.Request,
	timeout time.Duration) (*prediction.Response, error) {

	cctx, ccancel := context.WithTimeout(ctx, timeout)
	defer ccancel()

	type result struct {
		resp *prediction.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("inference panicked: %v", r)}
			}
		}()
		resp, err := inf.Infer(cctx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && res.resp == nil {
			return nil, errors.New("inference returned no response")
		}
		return res.resp, res.err
	case <-cctx.Done():
		return nil, fmt.Errorf("inference timed out after %s: %w", timeout, cctx.Err())
	}
}

func summarize(attempts []Attempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, a.Name+": "+a.Err.Error())
	}
	if len(parts) == 0 {
		return "nothing to try"
	}
	return strings.Join(parts, "; ")
}

func (c *Chain) updateStats(fn func()) {
	c.statsMu.Lock()
	fn()
	c.statsMu.Unlock()
}

func (c *Chain) Stats() Stats {
	rate, failures := c.window.rate()
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	usage := make(map[prediction.Source]int64, len(c.usage))
	for k, v := range c.usage {
		usage[k] = v
	}
	return Stats{
		Executions:      c.executions,
		PrimaryFailures: c.primaryFailures,
		Exhausted:       c.exhausted,
		Usage:           usage,
		FailureRate:     rate,
		WindowFailures:  failures,
		Window:          c.window.window.String(),
	}
}

// FailureRate is the rolling primary failure rate over the sliding window.
func (c *Chain) FailureRate() float64 {
	rate, _ := c.window.rate()
	return rate
}
