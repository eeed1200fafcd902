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

// Package scheduler queues batch prediction jobs by priority and drives a bounded pool of
// workers that run them through the inference path.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	cache_api "github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	"github.com/llm-d-incubation/prediction-gateway/internal/metrics"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

const (
	DefaultNumWorkers     = 8
	DefaultMaxConcurrency = 4
	DefaultQueueCapacity  = 1000
	DefaultMaxBatchSize   = 32
	DefaultHistorySize    = 1000
	DefaultPollInterval   = 100 * time.Millisecond
)

type Config struct {
	// NumWorkers is the number of worker tasks polling the queues.
	NumWorkers int `json:"numWorkers" yaml:"num_workers"`
	// MaxConcurrency bounds the jobs being processed at once.
	MaxConcurrency int `json:"maxConcurrency" yaml:"max_concurrency"`
	// QueueCapacity applies to each priority queue.
	QueueCapacity   int           `json:"queueCapacity" yaml:"queue_capacity"`
	MaxBatchSize    int           `json:"maxBatchSize" yaml:"max_batch_size"`
	HistorySize     int           `json:"historySize" yaml:"history_size"`
	PollInterval    time.Duration `json:"pollInterval" yaml:"poll_interval"`
	RequestTimeout  time.Duration `json:"requestTimeout" yaml:"request_timeout"`
	CallbackTimeout time.Duration `json:"callbackTimeout" yaml:"callback_timeout"`
}

func (c *Config) setDefaults() {
	if c.NumWorkers <= 0 {
		c.NumWorkers = DefaultNumWorkers
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	QueueDepths           map[prediction.Priority]int `json:"queue_depths"`
	ActiveJobs            int                         `json:"active_jobs"`
	ProcessingJobs        int                         `json:"processing_jobs"`
	HistorySize           int                         `json:"history_size"`
	Submitted             int64                       `json:"submitted"`
	Rejected              int64                       `json:"rejected"`
	Completed             int64                       `json:"completed"`
	Failed                int64                       `json:"failed"`
	MeanProcessingSeconds float64                     `json:"mean_processing_seconds"`
	Workers               int                         `json:"workers"`
	MaxConcurrency        int                         `json:"max_concurrency"`
	Running               bool                        `json:"running"`
}

type Scheduler struct {
	cfg        Config
	inferencer prediction.Inferencer
	clock      clock.PassiveClock
	queues     *priorityQueues
	slots      *slotPool
	notifier   *notifier

	mu              sync.Mutex
	active          map[string]*job
	history         *jobHistory
	submitted       int64
	rejected        int64
	completed       int64
	failed          int64
	totalProcessing time.Duration

	runMu     sync.Mutex
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	callbacks sync.WaitGroup
	running   bool
}

// NewScheduler builds a stopped scheduler. cache may be nil; it only receives completion notices.
func NewScheduler(cfg Config, inferencer prediction.Inferencer, cache cache_api.CacheClient,
	clk clock.PassiveClock) (*Scheduler, error) {

	if inferencer == nil {
		return nil, errors.New("an inferencer is required")
	}
	cfg.setDefaults()
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		cfg:        cfg,
		inferencer: inferencer,
		clock:      clk,
		queues:     newPriorityQueues(cfg.QueueCapacity),
		slots:      newSlotPool(cfg.MaxConcurrency),
		notifier:   newNotifier(cfg.CallbackTimeout, cache),
		active:     make(map[string]*job),
		history:    newJobHistory(cfg.HistorySize),
	}, nil
}

// Submit enqueues a job and returns its id without waiting for processing.
// An empty priority means normal.
func (s *Scheduler) Submit(ctx context.Context, requests []*prediction.Request, priority prediction.Priority,
	callbackURL string) (string, error) {

	if priority == "" {
		priority = prediction.PriorityNormal
	}
	if !priority.IsValid() {
		return "", fmt.Errorf("%w: unknown priority %q", prediction.ErrInvalidRequest, priority)
	}
	if len(requests) == 0 {
		return "", fmt.Errorf("%w: a job needs at least one request", prediction.ErrInvalidRequest)
	}
	for i, req := range requests {
		if req == nil {
			return "", fmt.Errorf("%w: request %d is empty", prediction.ErrInvalidRequest, i)
		}
	}

	j := &job{
		id:          uuid.NewString(),
		requests:    requests,
		priority:    priority,
		callbackURL: callbackURL,
		createdAt:   s.clock.Now(),
		status:      prediction.JobStatusQueued,
	}
	for i, req := range j.requests {
		if req.RequestID == "" {
			req.RequestID = fmt.Sprintf("%s-%d", j.id, i)
		}
	}

	s.mu.Lock()
	if err := s.queues.push(j); err != nil {
		s.rejected++
		s.mu.Unlock()
		metrics.RecordJobSubmitted(string(priority), "rejected")
		return "", err
	}
	s.active[j.id] = j
	s.submitted++
	s.mu.Unlock()

	metrics.RecordJobSubmitted(string(priority), "accepted")
	klog.FromContext(ctx).V(logging.DEBUG).Info("Job queued", "jobID", j.id, "priority", priority,
		"requests", len(requests))
	return j.id, nil
}

func (s *Scheduler) lookup(id string) (*job, bool) {
	if j, ok := s.active[id]; ok {
		return j, true
	}
	return s.history.get(id)
}

func (s *Scheduler) GetStatus(id string) (*prediction.JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: job %s", prediction.ErrNotFound, id)
	}
	return j.view(), nil
}

// GetResults returns the results of a completed job in request order.
func (s *Scheduler) GetResults(id string) ([]*prediction.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: job %s", prediction.ErrNotFound, id)
	}
	if j.status != prediction.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", prediction.ErrInvalidState, id, j.status)
	}
	return append([]*prediction.Response(nil), j.results...), nil
}

func (s *Scheduler) Stats() Stats {
	depths := s.queues.depths()

	s.runMu.Lock()
	running := s.running
	s.runMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		QueueDepths:    depths,
		ActiveJobs:     len(s.active),
		ProcessingJobs: s.slots.busy(),
		HistorySize:    s.history.len(),
		Submitted:      s.submitted,
		Rejected:       s.rejected,
		Completed:      s.completed,
		Failed:         s.failed,
		Workers:        s.cfg.NumWorkers,
		MaxConcurrency: s.cfg.MaxConcurrency,
		Running:        running,
	}
	if finished := s.completed + s.failed; finished > 0 {
		st.MeanProcessingSeconds = s.totalProcessing.Seconds() / float64(finished)
	}
	return st
}

// Start launches the worker tasks. They run until Stop or until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return fmt.Errorf("%w: scheduler already running", prediction.ErrInvalidState)
	}
	wctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for i := 0; i < s.cfg.NumWorkers; i++ {
		s.workers.Add(1)
		go s.runWorker(wctx, i)
	}
	klog.FromContext(ctx).V(logging.INFO).Info("Scheduler started", "workers", s.cfg.NumWorkers,
		"maxConcurrency", s.cfg.MaxConcurrency, "queueCapacity", s.cfg.QueueCapacity)
	return nil
}

// Stop cancels the worker tasks and waits for them, and for pending callbacks, until ctx is
// done. Jobs being processed finish on their own timeouts; queued jobs stay queued.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return nil
	}
	s.cancel()
	s.running = false
	s.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		s.callbacks.Wait()
		close(done)
	}()
	select {
	case <-done:
		klog.FromContext(ctx).V(logging.INFO).Info("All workers have finished")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWorker polls high, then normal, then low. When every queue is empty it waits for an
// enqueue or the poll interval, whichever comes first.
func (s *Scheduler) runWorker(ctx context.Context, workerID int) {
	defer s.workers.Done()
	logger := klog.FromContext(ctx).WithValues("workerID", workerID)

	for {
		slot, ok := s.slots.acquire(ctx)
		if !ok {
			return
		}
		j := s.queues.pop()
		if j == nil {
			s.slots.release(slot)
			select {
			case <-ctx.Done():
				return
			case <-s.queues.notify:
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					recoverErr := fmt.Errorf("%v", r)
					logger.V(logging.ERROR).Error(recoverErr, "Panic recovered", "jobID", j.id)
					s.finish(j, nil, recoverErr)
				}
				s.slots.release(slot)
				metrics.DecActiveWorkers()
			}()
			metrics.IncActiveWorkers()
			s.processJob(ctx, workerID, j)
		}()
		s.callbacks.Add(1)
		go func() {
			defer s.callbacks.Done()
			s.notify(ctx, j)
		}()
	}
}

func (s *Scheduler) processJob(ctx context.Context, workerID int, j *job) {
	logger := klog.FromContext(ctx).WithValues("jobID", j.id, "workerID", workerID)
	// in-flight work is not cancelled by Stop
	jobctx := klog.NewContext(context.WithoutCancel(ctx), logger)

	now := s.clock.Now()
	s.mu.Lock()
	j.status = prediction.JobStatusProcessing
	j.startedAt = &now
	s.mu.Unlock()
	metrics.RecordQueueWait(now.Sub(j.createdAt), string(j.priority))
	logger.V(logging.DEBUG).Info("Worker started job", "requests", len(j.requests))

	results := make([]*prediction.Response, 0, len(j.requests))
	for start := 0; start < len(j.requests); start += s.cfg.MaxBatchSize {
		end := min(start+s.cfg.MaxBatchSize, len(j.requests))
		chunk, err := s.runChunk(jobctx, j.requests[start:end])
		if err != nil {
			s.finish(j, nil, err)
			logger.V(logging.WARNING).Info("Job failed", "err", err.Error())
			return
		}
		results = append(results, chunk...)
	}
	s.finish(j, results, nil)
	logger.V(logging.INFO).Info("Job processed", "status", prediction.JobStatusCompleted)
}

// runChunk runs one sub-batch concurrently and returns its results in request order.
// Any failure fails the whole sub-batch.
func (s *Scheduler) runChunk(ctx context.Context, requests []*prediction.Request) ([]*prediction.Response, error) {
	results := make([]*prediction.Response, len(requests))
	errs := make([]error, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req *prediction.Request) {
			defer wg.Done()
			results[i], errs[i] = s.infer(ctx, req)
		}(i, req)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", requests[i].RequestID, err)
		}
	}
	return results, nil
}

func (s *Scheduler) infer(ctx context.Context, req *prediction.Request) (resp *prediction.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("inference panicked: %v", r)
		}
	}()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	start := s.clock.Now()
	resp, err = s.inferencer.Infer(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("inference returned no response")
	}
	if resp.RequestID == "" {
		resp.RequestID = req.RequestID
	}
	if resp.LatencyMs == 0 {
		resp.LatencyMs = float64(s.clock.Since(start).Microseconds()) / 1000
	}
	return resp, nil
}

// finish moves the job to its terminal state and into the history. A failed job keeps no results.
func (s *Scheduler) finish(j *job, results []*prediction.Response, err error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.status.IsFinal() {
		return
	}
	j.completedAt = &now
	result := metrics.ResultSuccess
	if err != nil {
		j.status = prediction.JobStatusFailed
		j.err = err.Error()
		j.results = nil
		s.failed++
		result = metrics.ResultFailed
	} else {
		j.status = prediction.JobStatusCompleted
		j.results = results
		s.completed++
	}
	s.totalProcessing += j.processingTime()
	delete(s.active, j.id)
	s.history.add(j)

	metrics.RecordJobProcessed(result)
	metrics.RecordJobProcessingDuration(j.processingTime(), metrics.GetSizeBucket(len(j.requests)))
}

func (s *Scheduler) notify(ctx context.Context, j *job) {
	s.mu.Lock()
	payload := j.callbackPayload()
	callbackURL := j.callbackURL
	s.mu.Unlock()
	logger := klog.FromContext(ctx).WithValues("jobID", j.id)
	s.notifier.notify(klog.NewContext(context.WithoutCancel(ctx), logger), callbackURL, payload)
}
