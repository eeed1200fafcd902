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

import "errors"

var (
	// ErrQueueFull is returned when a priority queue is at capacity. Retry later or drop.
	ErrQueueFull = errors.New("queue is full")
	// ErrInvalidState is returned on an illegal job/experiment transition or a premature results query.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidConfiguration is returned for invalid experiment definitions.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrCircuitOpen is returned by the store client while its circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrAllFallbacksExhausted is returned when the primary, every backup and every strategy failed.
	ErrAllFallbacksExhausted = errors.New("all fallbacks exhausted")
	ErrNotFound              = errors.New("not found")
	ErrInvalidRequest        = errors.New("invalid request")
)
