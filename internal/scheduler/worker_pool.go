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
	"context"
	"sync/atomic"
)

// slotPool is a counting semaphore handing out numbered processing slots.
// It bounds in-flight jobs independently of the number of worker tasks.
type slotPool struct {
	slotIds chan int
	inUse   atomic.Int32
}

func newSlotPool(size int) *slotPool {
	p := &slotPool{slotIds: make(chan int, size)}
	for i := 0; i < size; i++ {
		p.slotIds <- i
	}
	return p
}

// acquire waits for a free slot. It returns false once ctx is done, even if a slot is free.
func (p *slotPool) acquire(ctx context.Context) (int, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	select {
	case <-ctx.Done():
		return 0, false
	case id := <-p.slotIds:
		if ctx.Err() != nil {
			p.slotIds <- id
			return 0, false
		}
		p.inUse.Add(1)
		return id, true
	}
}

func (p *slotPool) release(id int) {
	p.inUse.Add(-1)
	p.slotIds <- id
}

func (p *slotPool) busy() int {
	return int(p.inUse.Load())
}
