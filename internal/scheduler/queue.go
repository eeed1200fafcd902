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
	"fmt"
	"sync"

	"github.com/llm-d-incubation/prediction-gateway/internal/metrics"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
)

// priorityQueues holds one bounded FIFO per priority.
type priorityQueues struct {
	mu       sync.Mutex
	capacity int
	queues   map[prediction.Priority][]*job
	// notify wakes one idle worker after an enqueue.
	notify chan struct{}
}

func newPriorityQueues(capacity int) *priorityQueues {
	q := &priorityQueues{
		capacity: capacity,
		queues:   make(map[prediction.Priority][]*job, len(prediction.Priorities)),
		notify:   make(chan struct{}, 1),
	}
	for _, p := range prediction.Priorities {
		q.queues[p] = make([]*job, 0)
	}
	return q
}

// push never blocks; a full queue fails with ErrQueueFull.
func (q *priorityQueues) push(j *job) error {
	q.mu.Lock()
	queue := q.queues[j.priority]
	if len(queue) >= q.capacity {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s priority queue holds %d jobs", prediction.ErrQueueFull, j.priority, q.capacity)
	}
	q.queues[j.priority] = append(queue, j)
	depth := len(q.queues[j.priority])
	q.mu.Unlock()

	metrics.SetQueueDepth(string(j.priority), depth)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop takes the oldest job of the highest non-empty priority, or nil.
func (q *priorityQueues) pop() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range prediction.Priorities {
		queue := q.queues[p]
		if len(queue) == 0 {
			continue
		}
		j := queue[0]
		queue[0] = nil
		q.queues[p] = queue[1:]
		metrics.SetQueueDepth(string(p), len(q.queues[p]))
		return j
	}
	return nil
}

func (q *priorityQueues) depths() map[prediction.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[prediction.Priority]int, len(q.queues))
	for p, queue := range q.queues {
		out[p] = len(queue)
	}
	return out
}
