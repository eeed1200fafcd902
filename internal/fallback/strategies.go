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

package fallback

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	cache_api "github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
)

type StrategyKind string

const (
	KindHeuristic       StrategyKind = "heuristic"
	KindCached          StrategyKind = "cached"
	KindStatistical     StrategyKind = "statistical"
	KindPreviousVersion StrategyKind = "previous_version"
	KindRandom          StrategyKind = "random"
)

// priorityOrder is the fixed order in which enabled strategies are consulted.
var priorityOrder = []StrategyKind{KindHeuristic, KindCached, KindStatistical, KindPreviousVersion, KindRandom}

func (k StrategyKind) Source() prediction.Source {
	switch k {
	case KindHeuristic:
		return prediction.SourceHeuristic
	case KindCached:
		return prediction.SourceCached
	case KindStatistical:
		return prediction.SourceStatistical
	case KindPreviousVersion:
		return prediction.SourcePreviousVersion
	}
	return prediction.SourceRandom
}

func (k StrategyKind) rank() int {
	for i, kind := range priorityOrder {
		if kind == k {
			return i
		}
	}
	return len(priorityOrder)
}

// StrategyConfig configures one fallback strategy.
type StrategyConfig struct {
	Kind       StrategyKind       `json:"kind" yaml:"kind"`
	Enabled    bool               `json:"enabled" yaml:"enabled"`
	MaxRetries int                `json:"maxRetries" yaml:"max_retries"`
	Timeout    time.Duration      `json:"timeout" yaml:"timeout"`
	Params     map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
}

func (c StrategyConfig) param(name string, def float64) float64 {
	if v, ok := c.Params[name]; ok {
		return v
	}
	return def
}

// Strategy is a degraded inference path consulted after the primary and backups fail.
type Strategy interface {
	prediction.Inferencer
	Kind() StrategyKind
}

// lockedRand is a rand source safe for concurrent use.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{rng: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// --- heuristic ---

const (
	defaultPrior       = 0.6
	defaultPriorWeight = 5
	defaultJitter      = 0.05
	probabilityFloor   = 0.05
	probabilityCeiling = 0.95
)

// HeuristicStrategy derives a probability from the user's recent accuracy blended with a prior.
type HeuristicStrategy struct {
	Prior       float64
	PriorWeight float64
	Jitter      float64
	rng         *lockedRand
}

func NewHeuristicStrategy(cfg StrategyConfig, seed int64) *HeuristicStrategy {
	return &HeuristicStrategy{
		Prior:       cfg.param("prior", defaultPrior),
		PriorWeight: cfg.param("prior_weight", defaultPriorWeight),
		Jitter:      cfg.param("jitter", defaultJitter),
		rng:         newLockedRand(seed),
	}
}

func (s *HeuristicStrategy) Kind() StrategyKind { return KindHeuristic }

func (s *HeuristicStrategy) Infer(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
	correct := 0
	for _, ok := range req.History {
		if ok {
			correct++
		}
	}
	base := (float64(correct) + s.Prior*s.PriorWeight) / (float64(len(req.History)) + s.PriorWeight)
	preds := make(map[string]float64, len(req.ItemIDs))
	for _, item := range req.ItemIDs {
		jitter := (s.rng.Float64()*2 - 1) * s.Jitter
		preds[item] = clamp(base+jitter, probabilityFloor, probabilityCeiling)
	}
	return &prediction.Response{
		RequestID:    req.RequestID,
		UserID:       req.UserID,
		Predictions:  preds,
		ModelVersion: "heuristic",
	}, nil
}

// --- cached value ---

// CachedStrategy serves the last good result cached for the same user and candidate set,
// whatever model version produced it.
type CachedStrategy struct {
	cache cache_api.CacheClient
}

func NewCachedStrategy(cache cache_api.CacheClient) *CachedStrategy {
	return &CachedStrategy{cache: cache}
}

func (s *CachedStrategy) Kind() StrategyKind { return KindCached }

func (s *CachedStrategy) Infer(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
	if s.cache == nil {
		return nil, fmt.Errorf("no cache configured")
	}
	// the last good copy is written for every model version
	key := cache_api.LastPredictionKey(req.UserID, cache_api.CandidateHash(req.ItemIDs))
	resp := &prediction.Response{}
	found, err := cache_api.GetJSON(ctx, s.cache, key, resp)
	if err != nil {
		return nil, err
	}
	if found {
		resp.RequestID = req.RequestID
		resp.CacheHit = true
		return resp, nil
	}
	return nil, fmt.Errorf("%w: no cached prediction for user %s", prediction.ErrNotFound, req.UserID)
}

// --- statistical substitute ---

// StatisticalStrategy is a logistic model over the request features and the user's accuracy.
// Feature weights are read from params named "w_<feature>".
type StatisticalStrategy struct {
	Bias          float64
	HistoryWeight float64
	Weights       map[string]float64
}

func NewStatisticalStrategy(cfg StrategyConfig) *StatisticalStrategy {
	weights := map[string]float64{}
	for name, v := range cfg.Params {
		if f, ok := strings.CutPrefix(name, "w_"); ok {
			weights[f] = v
		}
	}
	return &StatisticalStrategy{
		Bias:          cfg.param("bias", 0.4),
		HistoryWeight: cfg.param("history_weight", 2.0),
		Weights:       weights,
	}
}

func (s *StatisticalStrategy) Kind() StrategyKind { return KindStatistical }

func (s *StatisticalStrategy) Infer(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
	logit := s.Bias
	if n := len(req.History); n > 0 {
		correct := 0
		for _, ok := range req.History {
			if ok {
				correct++
			}
		}
		logit += s.HistoryWeight * (float64(correct)/float64(n) - 0.5)
	}
	for name, v := range req.Features {
		logit += s.Weights[name] * v
	}
	p := clamp(1/(1+math.Exp(-logit)), probabilityFloor, probabilityCeiling)
	preds := make(map[string]float64, len(req.ItemIDs))
	for _, item := range req.ItemIDs {
		preds[item] = p
	}
	return &prediction.Response{
		RequestID:    req.RequestID,
		UserID:       req.UserID,
		Predictions:  preds,
		ModelVersion: "statistical",
	}, nil
}

// --- previous model version ---

// PreviousVersionStrategy calls the model version that preceded the current one.
type PreviousVersionStrategy struct {
	model   prediction.Inferencer
	version string
}

func NewPreviousVersionStrategy(model prediction.Inferencer, version string) *PreviousVersionStrategy {
	return &PreviousVersionStrategy{model: model, version: version}
}

func (s *PreviousVersionStrategy) Kind() StrategyKind { return KindPreviousVersion }

func (s *PreviousVersionStrategy) Infer(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
	if s.model == nil {
		return nil, fmt.Errorf("no previous model version configured")
	}
	resp, err := s.model.Infer(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.ModelVersion == "" {
		resp.ModelVersion = s.version
	}
	return resp, nil
}

// --- random baseline ---

const (
	defaultRandomMin = 0.4
	defaultRandomMax = 0.7
)

// RandomBaselineStrategy draws uniformly within a plausible probability range. Last resort only.
type RandomBaselineStrategy struct {
	Min, Max float64
	rng      *lockedRand
}

func NewRandomBaselineStrategy(cfg StrategyConfig, seed int64) *RandomBaselineStrategy {
	lo := clamp(cfg.param("min", defaultRandomMin), 0, 1)
	hi := clamp(cfg.param("max", defaultRandomMax), 0, 1)
	if hi < lo {
		lo, hi = hi, lo
	}
	return &RandomBaselineStrategy{Min: lo, Max: hi, rng: newLockedRand(seed)}
}

func (s *RandomBaselineStrategy) Kind() StrategyKind { return KindRandom }

func (s *RandomBaselineStrategy) Infer(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
	preds := make(map[string]float64, len(req.ItemIDs))
	for _, item := range req.ItemIDs {
		preds[item] = s.Min + s.rng.Float64()*(s.Max-s.Min)
	}
	return &prediction.Response{
		RequestID:    req.RequestID,
		UserID:       req.UserID,
		Predictions:  preds,
		ModelVersion: "random-baseline",
	}, nil
}

// BuildStrategies creates the strategies named in cfgs. The cached strategy needs cache,
// the previous-version strategy needs previous; either is skipped when nil.
func BuildStrategies(cfgs []StrategyConfig, cache cache_api.CacheClient, previous prediction.Inferencer,
	previousVersion string, seed int64) ([]Strategy, error) {

	strategies := make([]Strategy, 0, len(cfgs))
	for _, cfg := range cfgs {
		switch cfg.Kind {
		case KindHeuristic:
			strategies = append(strategies, NewHeuristicStrategy(cfg, seed))
		case KindCached:
			if cache != nil {
				strategies = append(strategies, NewCachedStrategy(cache))
			}
		case KindStatistical:
			strategies = append(strategies, NewStatisticalStrategy(cfg))
		case KindPreviousVersion:
			if previous != nil {
				strategies = append(strategies, NewPreviousVersionStrategy(previous, previousVersion))
			}
		case KindRandom:
			strategies = append(strategies, NewRandomBaselineStrategy(cfg, seed))
		default:
			return nil, fmt.Errorf("%w: unknown fallback strategy %q", prediction.ErrInvalidConfiguration, cfg.Kind)
		}
	}
	return strategies, nil
}
