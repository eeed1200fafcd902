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

// Package metrics holds the prometheus collectors of the prediction gateway.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "prediction_gateway"

// Job result label values.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Size bucket label values.
const (
	SizeSmall  = "small"
	SizeMedium = "medium"
	SizeLarge  = "large"
)

var (
	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of batch jobs submitted, by priority and outcome",
		},
		[]string{"priority", "outcome"},
	)
	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Total number of batch jobs that reached a terminal state",
		},
		[]string{"result"},
	)
	jobProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_processing_duration_seconds",
			Help:      "Time spent processing a batch job",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"size_bucket"},
	)
	jobQueueWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_queue_wait_seconds",
			Help:      "Time a batch job spent queued before a worker picked it up",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"priority"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of jobs waiting in each priority queue",
		},
		[]string{"priority"},
	)
	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Number of workers currently processing a job",
		},
	)
	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Cache operations by operation and result",
		},
		[]string{"op", "result"},
	)
	cacheLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_operation_duration_seconds",
			Help:      "Latency of cache operations that reached the store",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
		[]string{"op"},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_circuit_state",
			Help:      "Cache circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"service"},
	)
	fallbackUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_usage_total",
			Help:      "Responses served per source (primary, backup or fallback strategy)",
		},
		[]string{"source"},
	)
	fallbackFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "primary_failures_total",
			Help:      "Primary inference failures recorded by the fallback chain",
		},
	)
	fallbackExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_exhausted_total",
			Help:      "Requests for which every fallback strategy failed",
		},
	)
	variantRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variant_requests_total",
			Help:      "Requests routed to each experiment variant",
		},
		[]string{"experiment", "variant", "result"},
	)
	variantLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "variant_latency_seconds",
			Help:      "Inference latency per experiment variant",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"experiment", "variant"},
	)

	initOnce sync.Once
	initErr  error
)

// InitMetrics registers all collectors with the provided registry.
// Only the first call's registry is used.
func InitMetrics(registry prometheus.Registerer) error {
	initOnce.Do(func() {
		collectors := map[string]prometheus.Collector{
			"jobsSubmitted":         jobsSubmitted,
			"jobsProcessed":         jobsProcessed,
			"jobProcessingDuration": jobProcessingDuration,
			"jobQueueWait":          jobQueueWait,
			"queueDepth":            queueDepth,
			"activeWorkers":         activeWorkers,
			"cacheOps":              cacheOps,
			"cacheLatency":          cacheLatency,
			"breakerState":          breakerState,
			"fallbackUsage":         fallbackUsage,
			"fallbackFailures":      fallbackFailures,
			"fallbackExhausted":     fallbackExhausted,
			"variantRequests":       variantRequests,
			"variantLatency":        variantLatency,
		}
		for name, c := range collectors {
			if err := registry.Register(c); err != nil {
				initErr = fmt.Errorf("failed to register %s metric: %w", name, err)
				return
			}
		}
	})
	return initErr
}

func RecordJobSubmitted(priority, outcome string) {
	jobsSubmitted.WithLabelValues(priority, outcome).Inc()
}

func RecordJobProcessed(result string) {
	jobsProcessed.WithLabelValues(result).Inc()
}

func RecordJobProcessingDuration(d time.Duration, sizeBucket string) {
	jobProcessingDuration.WithLabelValues(sizeBucket).Observe(d.Seconds())
}

func RecordQueueWait(d time.Duration, priority string) {
	jobQueueWait.WithLabelValues(priority).Observe(d.Seconds())
}

func SetQueueDepth(priority string, depth int) {
	queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func IncActiveWorkers() {
	activeWorkers.Inc()
}

func DecActiveWorkers() {
	activeWorkers.Dec()
}

func RecordCacheOp(op, result string) {
	cacheOps.WithLabelValues(op, result).Inc()
}

func RecordCacheLatency(op string, d time.Duration) {
	cacheLatency.WithLabelValues(op).Observe(d.Seconds())
}

func SetBreakerState(service string, state int) {
	breakerState.WithLabelValues(service).Set(float64(state))
}

func RecordFallbackUsage(source string) {
	fallbackUsage.WithLabelValues(source).Inc()
}

func RecordPrimaryFailure() {
	fallbackFailures.Inc()
}

func RecordFallbacksExhausted() {
	fallbackExhausted.Inc()
}

func RecordVariantRequest(experiment, variant, result string, latency time.Duration) {
	variantRequests.WithLabelValues(experiment, variant, result).Inc()
	variantLatency.WithLabelValues(experiment, variant).Observe(latency.Seconds())
}

// GetSizeBucket buckets a job by its number of requests.
func GetSizeBucket(n int) string {
	switch {
	case n <= 10:
		return SizeSmall
	case n <= 100:
		return SizeMedium
	default:
		return SizeLarge
	}
}
