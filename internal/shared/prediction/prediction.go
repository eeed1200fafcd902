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
package prediction

import (
	"context"
	"time"
)

// Request is a single prediction request for one user over a set of candidate items.
type Request struct {
	RequestID    string             `json:"request_id,omitempty"`
	UserID       string             `json:"user_id"`
	ItemIDs      []string           `json:"item_ids"`
	Features     map[string]float64 `json:"features,omitempty"`
	History      []bool             `json:"history,omitempty"` // recent answer correctness, oldest first
	ExperimentID string             `json:"experiment_id,omitempty"`
}

// Response carries per-item probabilities and where they came from.
type Response struct {
	RequestID    string             `json:"request_id,omitempty"`
	UserID       string             `json:"user_id"`
	Predictions  map[string]float64 `json:"predictions"`
	ModelVersion string             `json:"model_version"`
	Variant      string             `json:"variant,omitempty"`
	Source       Source             `json:"source"`
	Fallback     bool               `json:"fallback"`
	CacheHit     bool               `json:"cache_hit"`
	Attempts     []string           `json:"attempts,omitempty"`
	LatencyMs    float64            `json:"latency_ms"`
}

// Source tags the origin of a response.
type Source string

const (
	SourcePrimary         Source = "primary"
	SourceBackup          Source = "backup"
	SourceCache           Source = "cache"
	SourceHeuristic       Source = "heuristic"
	SourceCached          Source = "cached"
	SourceStatistical     Source = "statistical"
	SourcePreviousVersion Source = "previous_version"
	SourceRandom          Source = "random"
)

// IsFallback reports whether the source is one of the degraded strategies.
func (s Source) IsFallback() bool {
	switch s {
	case SourceHeuristic, SourceCached, SourceStatistical, SourcePreviousVersion, SourceRandom:
		return true
	}
	return false
}

// Inferencer is an inference entry point: a model variant, a backup model or a fallback strategy.
type Inferencer interface {
	Infer(ctx context.Context, req *Request) (*Response, error)
}

// InferenceFunc adapts a plain function to the Inferencer interface.
type InferenceFunc func(ctx context.Context, req *Request) (*Response, error)

func (f InferenceFunc) Infer(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Priority of a batch job.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists the priorities in dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// JobStatus follows queued -> processing -> completed|failed.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) IsFinal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobView is the externally visible status of a batch job.
type JobView struct {
	ID             string     `json:"id"`
	Status         JobStatus  `json:"status"`
	Priority       Priority   `json:"priority"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	RequestCount   int        `json:"request_count"`
	ResultCount    int        `json:"result_count"`
	ProcessingTime float64    `json:"processing_time"` // seconds
	QueueTime      float64    `json:"queue_time"`      // seconds
	Error          string     `json:"error,omitempty"`
	CallbackURL    string     `json:"callback_url,omitempty"`
}

// CallbackPayload is POSTed to the callback address when a job finishes.
type CallbackPayload struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	RequestCount   int       `json:"request_count"`
	ResultCount    int       `json:"result_count"`
	ProcessingTime float64   `json:"processing_time"`
	QueueTime      float64   `json:"queue_time"`
	CompletedAt    time.Time `json:"completed_at"`
	Error          string    `json:"error,omitempty"`
}
