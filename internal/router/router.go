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

// Package router splits prediction traffic between model variants of A/B experiments.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/prediction-gateway/internal/metrics"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

// ModelResolver returns the inference entry point for a model version.
type ModelResolver func(modelVersion string) (prediction.Inferencer, error)

type Config struct {
	// Default serves requests when no experiment is running.
	Default        prediction.Inferencer
	DefaultVersion string
	Resolver       ModelResolver
	Clock          clock.PassiveClock
	Seed           int64
}

type Router struct {
	defaultInferencer prediction.Inferencer
	defaultVersion    string
	resolver          ModelResolver
	clock             clock.PassiveClock

	mu          sync.RWMutex
	experiments map[string]*Experiment
	order       []string

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewRouter(cfg Config) (*Router, error) {
	if cfg.Default == nil {
		return nil, errors.New("a default inferencer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Router{
		defaultInferencer: cfg.Default,
		defaultVersion:    cfg.DefaultVersion,
		resolver:          cfg.Resolver,
		clock:             cfg.Clock,
		experiments:       make(map[string]*Experiment),
		rng:               rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (r *Router) draw() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64()
}

// CreateExperiment validates cfg and registers a draft experiment.
func (r *Router) CreateExperiment(ctx context.Context, cfg ExperimentConfig) (*ExperimentResults, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	inferencers := make([]prediction.Inferencer, len(cfg.Variants))
	for i, v := range cfg.Variants {
		if r.resolver == nil {
			inferencers[i] = r.defaultInferencer
			continue
		}
		inf, err := r.resolver(v.ModelVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: variant %q: %v", prediction.ErrInvalidConfiguration, v.Name, err)
		}
		inferencers[i] = inf
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.experiments[cfg.ID]; exists {
		return nil, fmt.Errorf("%w: experiment %s already exists", prediction.ErrInvalidConfiguration, cfg.ID)
	}
	exp := newExperiment(cfg, inferencers)
	r.experiments[cfg.ID] = exp
	r.order = append(r.order, cfg.ID)

	klog.FromContext(ctx).V(logging.INFO).Info("experiment created", "experimentID", cfg.ID,
		"variants", len(cfg.Variants), "allocation", cfg.Allocation)
	res := exp.results()
	return &res, nil
}

func (r *Router) get(id string) (*Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exp, ok := r.experiments[id]
	if !ok {
		return nil, fmt.Errorf("%w: experiment %s", prediction.ErrNotFound, id)
	}
	return exp, nil
}

func (r *Router) transition(ctx context.Context, id string, from []ExperimentStatus, to ExperimentStatus) error {
	exp, err := r.get(id)
	if err != nil {
		return err
	}
	if err := exp.transition(from, to, r.clock.Now()); err != nil {
		return err
	}
	klog.FromContext(ctx).V(logging.INFO).Info("experiment status changed", "experimentID", id, "status", to)
	return nil
}

// Start activates a draft experiment.
func (r *Router) Start(ctx context.Context, id string) error {
	return r.transition(ctx, id, []ExperimentStatus{StatusDraft}, StatusActive)
}

// Stop completes a running experiment. Completed experiments never reopen.
func (r *Router) Stop(ctx context.Context, id string) error {
	return r.transition(ctx, id, []ExperimentStatus{StatusActive, StatusPaused}, StatusCompleted)
}

// Pause routes every user of an active experiment to the control variant until Resume.
func (r *Router) Pause(ctx context.Context, id string) error {
	return r.transition(ctx, id, []ExperimentStatus{StatusActive}, StatusPaused)
}

func (r *Router) Resume(ctx context.Context, id string) error {
	return r.transition(ctx, id, []ExperimentStatus{StatusPaused}, StatusActive)
}

// ForceAssign pins userID to a variant, overriding allocation.
func (r *Router) ForceAssign(ctx context.Context, id, userID, variant string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", prediction.ErrInvalidConfiguration)
	}
	exp, err := r.get(id)
	if err != nil {
		return err
	}
	if err := exp.forceAssign(userID, variant); err != nil {
		return err
	}
	klog.FromContext(ctx).V(logging.DEBUG).Info("user force-assigned", "experimentID", id, "userID", userID, "variant", variant)
	return nil
}

// Assignment returns the variant stored for userID in experiment id.
func (r *Router) Assignment(id, userID string) (string, bool, error) {
	exp, err := r.get(id)
	if err != nil {
		return "", false, err
	}
	name, ok := exp.Assignment(userID)
	return name, ok, nil
}

func (r *Router) Results(id string) (*ExperimentResults, error) {
	exp, err := r.get(id)
	if err != nil {
		return nil, err
	}
	res := exp.results()
	return &res, nil
}

// List returns all experiments in creation order.
func (r *Router) List() []ExperimentResults {
	r.mu.RLock()
	exps := make([]*Experiment, 0, len(r.order))
	for _, id := range r.order {
		exps = append(exps, r.experiments[id])
	}
	r.mu.RUnlock()

	out := make([]ExperimentResults, 0, len(exps))
	for _, exp := range exps {
		out = append(out, exp.results())
	}
	return out
}

// running returns the experiment that should serve req, or nil. An explicit experiment id
// on the request wins; otherwise the oldest running experiment is used.
func (r *Router) running(req *prediction.Request) *Experiment {
	now := r.clock.Now()
	r.mu.RLock()
	candidates := make([]*Experiment, 0, 1)
	if req.ExperimentID != "" {
		if exp, ok := r.experiments[req.ExperimentID]; ok {
			candidates = append(candidates, exp)
		}
	} else {
		for _, id := range r.order {
			candidates = append(candidates, r.experiments[id])
		}
	}
	r.mu.RUnlock()

	for _, exp := range candidates {
		status := exp.Status()
		if status != StatusActive && status != StatusPaused {
			continue
		}
		if exp.cfg.StartTime != nil && now.Before(*exp.cfg.StartTime) {
			continue
		}
		if exp.cfg.EndTime != nil && !now.Before(*exp.cfg.EndTime) {
			_ = exp.transition([]ExperimentStatus{StatusActive, StatusPaused}, StatusCompleted, now)
			continue
		}
		return exp
	}
	return nil
}

// Route resolves the variant for the request's user and calls it. Without a running
// experiment the default inferencer serves the request.
func (r *Router) Route(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
	logger := klog.FromContext(ctx)
	exp := r.running(req)
	if exp == nil {
		resp, err := r.defaultInferencer.Infer(ctx, req)
		if err != nil {
			return nil, err
		}
		tag(resp, r.defaultVersion, "")
		return resp, nil
	}

	v := exp.resolve(req.UserID, r.draw)
	start := r.clock.Now()
	resp, err := v.inferencer.Infer(ctx, req)
	latency := r.clock.Since(start)
	exp.record(v, latency, err != nil)

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultFailed
	}
	metrics.RecordVariantRequest(exp.ID(), v.Name, result, latency)

	if err != nil {
		logger.V(logging.DEBUG).Info("variant inference failed", "experimentID", exp.ID(), "variant", v.Name,
			"err", err.Error())
		return nil, err
	}
	tag(resp, v.ModelVersion, v.Name)
	if resp.LatencyMs == 0 {
		resp.LatencyMs = float64(latency.Microseconds()) / 1000
	}
	return resp, nil
}

// tag stamps the serving model version unless a degraded strategy produced the response.
func tag(resp *prediction.Response, version, variant string) {
	if !resp.Fallback && version != "" {
		resp.ModelVersion = version
	}
	resp.Variant = variant
}

// Infer makes the router usable wherever an Inferencer is expected.
func (r *Router) Infer(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
	return r.Route(ctx, req)
}

var _ prediction.Inferencer = &Router{}
