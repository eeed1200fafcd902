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

package scheduler

import (
	"time"

	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
)

// job is a batch of requests owned by the scheduler. Mutable fields are guarded by Scheduler.mu.
type job struct {
	id          string
	requests    []*prediction.Request
	priority    prediction.Priority
	callbackURL string
	createdAt   time.Time

	status      prediction.JobStatus
	startedAt   *time.Time
	completedAt *time.Time
	results     []*prediction.Response
	err         string
}

func (j *job) queueTime() time.Duration {
	if j.startedAt == nil {
		return 0
	}
	return j.startedAt.Sub(j.createdAt)
}

func (j *job) processingTime() time.Duration {
	if j.startedAt == nil || j.completedAt == nil {
		return 0
	}
	return j.completedAt.Sub(*j.startedAt)
}

func (j *job) view() *prediction.JobView {
	v := &prediction.JobView{
		ID:             j.id,
		Status:         j.status,
		Priority:       j.priority,
		CreatedAt:      j.createdAt,
		RequestCount:   len(j.requests),
		ResultCount:    len(j.results),
		ProcessingTime: j.processingTime().Seconds(),
		QueueTime:      j.queueTime().Seconds(),
		Error:          j.err,
		CallbackURL:    j.callbackURL,
	}
	if j.startedAt != nil {
		t := *j.startedAt
		v.StartedAt = &t
	}
	if j.completedAt != nil {
		t := *j.completedAt
		v.CompletedAt = &t
	}
	return v
}

func (j *job) callbackPayload() prediction.CallbackPayload {
	p := prediction.CallbackPayload{
		JobID:          j.id,
		Status:         j.status,
		RequestCount:   len(j.requests),
		ResultCount:    len(j.results),
		ProcessingTime: j.processingTime().Seconds(),
		QueueTime:      j.queueTime().Seconds(),
		Error:          j.err,
	}
	if j.completedAt != nil {
		p.CompletedAt = *j.completedAt
	}
	return p
}

// jobHistory keeps the most recent finished jobs, evicting the oldest when full.
type jobHistory struct {
	buf  []*job
	head int // index of the oldest entry
	size int
	byID map[string]*job
}

func newJobHistory(capacity int) *jobHistory {
	return &jobHistory{
		buf:  make([]*job, capacity),
		byID: make(map[string]*job, capacity),
	}
}

func (h *jobHistory) add(j *job) {
	if len(h.buf) == 0 {
		return
	}
	if h.size == len(h.buf) {
		delete(h.byID, h.buf[h.head].id)
		h.buf[h.head] = j
		h.head = (h.head + 1) % len(h.buf)
	} else {
		h.buf[(h.head+h.size)%len(h.buf)] = j
		h.size++
	}
	h.byID[j.id] = j
}

func (h *jobHistory) get(id string) (*job, bool) {
	j, ok := h.byID[id]
	return j, ok
}

func (h *jobHistory) len() int { return h.size }
