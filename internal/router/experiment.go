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

package router

import (
	"container/list"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
)

type AllocationMethod string

const (
	// AllocationHash assigns each user to a variant once, from a hash of (experiment, user, seed).
	AllocationHash AllocationMethod = "hash"
	// AllocationRandom draws a variant on every call. Users may see different variants
	// across calls, so it is unsuitable for experiments that measure per-user effects.
	AllocationRandom AllocationMethod = "random"
)

type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusActive    ExperimentStatus = "active"
	StatusPaused    ExperimentStatus = "paused"
	StatusCompleted ExperimentStatus = "completed"
)

const (
	trafficTolerance      = 0.01
	DefaultMaxAssignments = 100000
	bucketResolution      = 10000
)

type VariantConfig struct {
	Name              string  `json:"name" yaml:"name"`
	ModelVersion      string  `json:"model_version" yaml:"model_version"`
	TrafficPercentage float64 `json:"traffic_percentage" yaml:"traffic_percentage"`
	IsControl         bool    `json:"is_control" yaml:"is_control"`
}

// ExperimentConfig describes an experiment. A nil RampUpPercentage means 100.
type ExperimentConfig struct {
	ID               string           `json:"id" yaml:"id"`
	Name             string           `json:"name" yaml:"name"`
	Variants         []VariantConfig  `json:"variants" yaml:"variants"`
	Allocation       AllocationMethod `json:"allocation,omitempty" yaml:"allocation,omitempty"`
	RampUpPercentage *float64         `json:"ramp_up_percentage,omitempty" yaml:"ramp_up_percentage,omitempty"`
	Seed             string           `json:"seed,omitempty" yaml:"seed,omitempty"`
	MaxAssignments   int              `json:"max_assignments,omitempty" yaml:"max_assignments,omitempty"`
	StartTime        *time.Time       `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime          *time.Time       `json:"end_time,omitempty" yaml:"end_time,omitempty"`
}

// Validate checks the traffic split and the control variant and fills defaults.
func (c *ExperimentConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: experiment id is required", prediction.ErrInvalidConfiguration)
	}
	if len(c.Variants) == 0 {
		return fmt.Errorf("%w: experiment %s has no variants", prediction.ErrInvalidConfiguration, c.ID)
	}

	names := make(map[string]bool, len(c.Variants))
	controls := 0
	total := 0.0
	for _, v := range c.Variants {
		if v.Name == "" {
			return fmt.Errorf("%w: variant name is required", prediction.ErrInvalidConfiguration)
		}
		if names[v.Name] {
			return fmt.Errorf("%w: duplicate variant %q", prediction.ErrInvalidConfiguration, v.Name)
		}
		names[v.Name] = true
		if v.TrafficPercentage < 0 || v.TrafficPercentage > 100 {
			return fmt.Errorf("%w: variant %q traffic percentage %v out of range", prediction.ErrInvalidConfiguration,
				v.Name, v.TrafficPercentage)
		}
		if v.IsControl {
			controls++
		}
		total += v.TrafficPercentage
	}
	if math.Abs(total-100) > trafficTolerance {
		return fmt.Errorf("%w: traffic percentages sum to %v, expected 100", prediction.ErrInvalidConfiguration, total)
	}
	if controls != 1 {
		return fmt.Errorf("%w: expected exactly one control variant, found %d", prediction.ErrInvalidConfiguration, controls)
	}

	switch c.Allocation {
	case "":
		c.Allocation = AllocationHash
	case AllocationHash, AllocationRandom:
	default:
		return fmt.Errorf("%w: unknown allocation method %q", prediction.ErrInvalidConfiguration, c.Allocation)
	}
	if c.RampUpPercentage == nil {
		full := 100.0
		c.RampUpPercentage = &full
	} else if *c.RampUpPercentage < 0 || *c.RampUpPercentage > 100 {
		return fmt.Errorf("%w: ramp-up percentage %v out of range", prediction.ErrInvalidConfiguration, *c.RampUpPercentage)
	}
	if c.Seed == "" {
		c.Seed = c.ID
	}
	if c.MaxAssignments <= 0 {
		c.MaxAssignments = DefaultMaxAssignments
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	return nil
}

// Variant is one model version taking part in an experiment.
type Variant struct {
	VariantConfig
	inferencer prediction.Inferencer

	requests     int64
	errors       int64
	totalLatency time.Duration
}

type assignment struct {
	userID  string
	variant *Variant
}

// Experiment holds the variants and the sticky user assignments of one A/B test.
// All fields below mu are guarded by it.
type Experiment struct {
	cfg ExperimentConfig

	mu          sync.Mutex
	status      ExperimentStatus
	startedAt   *time.Time
	stoppedAt   *time.Time
	variants    []*Variant
	control     *Variant
	assignments map[string]*list.Element
	order       *list.List // oldest assignment first
}

func newExperiment(cfg ExperimentConfig, inferencers []prediction.Inferencer) *Experiment {
	e := &Experiment{
		cfg:         cfg,
		status:      StatusDraft,
		assignments: make(map[string]*list.Element),
		order:       list.New(),
	}
	for i, vc := range cfg.Variants {
		v := &Variant{VariantConfig: vc, inferencer: inferencers[i]}
		e.variants = append(e.variants, v)
		if vc.IsControl {
			e.control = v
		}
	}
	return e
}

func (e *Experiment) ID() string { return e.cfg.ID }

func (e *Experiment) Status() ExperimentStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Experiment) transition(from []ExperimentStatus, to ExperimentStatus, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range from {
		if e.status == s {
			e.status = to
			switch to {
			case StatusActive:
				if e.startedAt == nil {
					e.startedAt = &now
				}
			case StatusCompleted:
				e.stoppedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("%w: experiment %s cannot move from %s to %s", prediction.ErrInvalidState, e.cfg.ID, e.status, to)
}

// bucket maps key to [0,100) with 0.01 resolution.
func bucket(parts ...string) float64 {
	d := xxhash.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = d.WriteString("\x00")
		}
		_, _ = d.WriteString(p)
	}
	return float64(d.Sum64()%bucketResolution) / (bucketResolution / 100)
}

// included reports whether the user falls inside the ramp-up share.
// The draw is salted apart from the variant draw.
func (e *Experiment) included(userID string) bool {
	return bucket(e.cfg.ID, userID, e.cfg.Seed, "ramp-up") < *e.cfg.RampUpPercentage
}

func (e *Experiment) pick(value float64) *Variant {
	cumulative := 0.0
	for _, v := range e.variants {
		cumulative += v.TrafficPercentage
		if value < cumulative {
			return v
		}
	}
	return e.variants[len(e.variants)-1]
}

// resolve returns the variant serving userID, assigning one when needed.
func (e *Experiment) resolve(userID string, draw func() float64) *Variant {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == StatusPaused {
		return e.control
	}
	if el, ok := e.assignments[userID]; ok {
		return el.Value.(*assignment).variant
	}
	if !e.included(userID) {
		return e.control
	}
	if e.cfg.Allocation == AllocationRandom {
		return e.pick(draw() * 100)
	}
	v := e.pick(bucket(e.cfg.ID, userID, e.cfg.Seed))
	e.assignLocked(userID, v)
	return v
}

func (e *Experiment) assignLocked(userID string, v *Variant) {
	if el, ok := e.assignments[userID]; ok {
		el.Value.(*assignment).variant = v
		return
	}
	e.assignments[userID] = e.order.PushBack(&assignment{userID: userID, variant: v})
	for e.order.Len() > e.cfg.MaxAssignments {
		oldest := e.order.Front()
		e.order.Remove(oldest)
		delete(e.assignments, oldest.Value.(*assignment).userID)
	}
}

func (e *Experiment) forceAssign(userID, variantName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusCompleted {
		return fmt.Errorf("%w: experiment %s is completed", prediction.ErrInvalidState, e.cfg.ID)
	}
	for _, v := range e.variants {
		if v.Name == variantName {
			e.assignLocked(userID, v)
			return nil
		}
	}
	return fmt.Errorf("%w: variant %q in experiment %s", prediction.ErrNotFound, variantName, e.cfg.ID)
}

// Assignment returns the variant name stored for userID.
func (e *Experiment) Assignment(userID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	el, ok := e.assignments[userID]
	if !ok {
		return "", false
	}
	return el.Value.(*assignment).variant.Name, true
}

func (e *Experiment) record(v *Variant, latency time.Duration, failed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v.requests++
	v.totalLatency += latency
	if failed {
		v.errors++
	}
}

type VariantResults struct {
	Name              string  `json:"name"`
	ModelVersion      string  `json:"model_version"`
	TrafficPercentage float64 `json:"traffic_percentage"`
	IsControl         bool    `json:"is_control"`
	Requests          int64   `json:"requests"`
	Errors            int64   `json:"errors"`
	ErrorRate         float64 `json:"error_rate"`
	MeanLatencyMs     float64 `json:"mean_latency_ms"`
	Users             int     `json:"users"`
}

type ExperimentResults struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Status           ExperimentStatus `json:"status"`
	Allocation       AllocationMethod `json:"allocation"`
	RampUpPercentage float64          `json:"ramp_up_percentage"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	StoppedAt        *time.Time       `json:"stopped_at,omitempty"`
	Assignments      int              `json:"assignments"`
	Variants         []VariantResults `json:"variants"`
}

func (e *Experiment) results() ExperimentResults {
	e.mu.Lock()
	defer e.mu.Unlock()

	users := make(map[*Variant]int, len(e.variants))
	for el := e.order.Front(); el != nil; el = el.Next() {
		users[el.Value.(*assignment).variant]++
	}
	res := ExperimentResults{
		ID:               e.cfg.ID,
		Name:             e.cfg.Name,
		Status:           e.status,
		Allocation:       e.cfg.Allocation,
		RampUpPercentage: *e.cfg.RampUpPercentage,
		StartedAt:        e.startedAt,
		StoppedAt:        e.stoppedAt,
		Assignments:      e.order.Len(),
	}
	for _, v := range e.variants {
		vr := VariantResults{
			Name:              v.Name,
			ModelVersion:      v.ModelVersion,
			TrafficPercentage: v.TrafficPercentage,
			IsControl:         v.IsControl,
			Requests:          v.requests,
			Errors:            v.errors,
			Users:             users[v],
		}
		if v.requests > 0 {
			vr.ErrorRate = float64(v.errors) / float64(v.requests)
			vr.MeanLatencyMs = float64(v.totalLatency.Microseconds()) / 1000 / float64(v.requests)
		}
		res.Variants = append(res.Variants, vr)
	}
	return res
}
