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

package api

import (
	"strings"
	"testing"
)

func TestKeys(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		want   string
		prefix KeyPrefix
	}{
		{"user", UserKey("u1"), "user:u1", PrefixUser},
		{"prediction", PredictionKey("u1", "i9"), "prediction:u1:i9", PrefixPrediction},
		{"batch", BatchPredictionKey("u1", "ab"), "prediction:batch:u1:ab", PrefixBatchPrediction},
		{"last", LastPredictionKey("u1", "ab"), "prediction:last:u1:ab", PrefixLastPrediction},
		{"rate limit", RateLimitKey("u1", "predict"), "rate_limit:user:u1:predict", PrefixRateLimit},
		{"session", SessionKey("s1"), "session:s1", PrefixSession},
		{"content", ContentKey("items"), "content:items", PrefixContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.key != tt.want {
				t.Errorf("key = %q, want %q", tt.key, tt.want)
			}
			if !strings.HasPrefix(tt.key, string(tt.prefix)) {
				t.Errorf("key %q is outside namespace %q", tt.key, tt.prefix)
			}
			if err := tt.prefix.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}

	if err := KeyPrefix("pred").Validate(); err == nil {
		t.Error("Validate() expected error for undocumented prefix")
	}
}

func TestCandidateHash(t *testing.T) {
	a := CandidateHash([]string{"i1", "i2", "i3"})
	b := CandidateHash([]string{"i3", "i1", "i2"})
	if a != b {
		t.Errorf("hash depends on order: %s != %s", a, b)
	}
	if a == CandidateHash([]string{"i1", "i2"}) {
		t.Error("different candidate sets hash to the same value")
	}
}

func TestStats(t *testing.T) {
	s := Stats{}
	if s.HitRatio() != 0 || s.AvgLatencyMs() != 0 {
		t.Errorf("empty stats should report zeros")
	}
	s = Stats{Hits: 3, Misses: 1, Operations: 4, TotalLatencyMs: 8}
	if s.HitRatio() != 0.75 {
		t.Errorf("HitRatio() = %v, want 0.75", s.HitRatio())
	}
	if s.AvgLatencyMs() != 2 {
		t.Errorf("AvgLatencyMs() = %v, want 2", s.AvgLatencyMs())
	}
}
