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
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const maxWindowEntries = 100000

// failureWindow keeps request and failure timestamps over a sliding time window.
// The rate it reports is advisory; nothing gates on it.
type failureWindow struct {
	mu       sync.Mutex
	clock    clock.PassiveClock
	window   time.Duration
	requests []time.Time
	failures []time.Time
}

func newFailureWindow(window time.Duration, clk clock.PassiveClock) *failureWindow {
	return &failureWindow{
		clock:  clk,
		window: window,
	}
}

func (w *failureWindow) record(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	w.requests = appendBounded(w.requests, now)
	if failed {
		w.failures = appendBounded(w.failures, now)
	}
	w.prune(now)
}

// rate returns failures/requests within the window and the failure count.
func (w *failureWindow) rate() (float64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.clock.Now())
	if len(w.requests) == 0 {
		return 0, len(w.failures)
	}
	return float64(len(w.failures)) / float64(len(w.requests)), len(w.failures)
}

func (w *failureWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	w.requests = dropBefore(w.requests, cutoff)
	w.failures = dropBefore(w.failures, cutoff)
}

func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func appendBounded(ts []time.Time, t time.Time) []time.Time {
	if len(ts) >= maxWindowEntries {
		ts = append(ts[:0], ts[1:]...)
	}
	return append(ts, t)
}
