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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
)

func model(version string) prediction.Inferencer {
	return prediction.InferenceFunc(func(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
		return &prediction.Response{
			UserID:       req.UserID,
			Predictions:  map[string]float64{"q": 0.5},
			ModelVersion: version,
			Source:       prediction.SourcePrimary,
		}, nil
	})
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter(Config{
		Default:        model("served-by-default"),
		DefaultVersion: "v1",
		Resolver: func(version string) (prediction.Inferencer, error) {
			if version == "missing" {
				return nil, errors.New("unknown model")
			}
			return model(version), nil
		},
		Seed: 42,
	})
	require.NoError(t, err)
	return r
}

func ptr(f float64) *float64 { return &f }

func twoWay(id string) ExperimentConfig {
	return ExperimentConfig{
		ID: id,
		Variants: []VariantConfig{
			{Name: "control", ModelVersion: "v1", TrafficPercentage: 50, IsControl: true},
			{Name: "treatment", ModelVersion: "v2", TrafficPercentage: 50},
		},
	}
}

func TestCreateExperiment_Validation(t *testing.T) {
	tests := []struct {
		name     string
		variants []VariantConfig
		wantErr  bool
	}{
		{
			name: "sums to 100",
			variants: []VariantConfig{
				{Name: "a", ModelVersion: "v1", TrafficPercentage: 60, IsControl: true},
				{Name: "b", ModelVersion: "v2", TrafficPercentage: 40},
			},
		},
		{
			name: "sums to 99",
			variants: []VariantConfig{
				{Name: "a", ModelVersion: "v1", TrafficPercentage: 59, IsControl: true},
				{Name: "b", ModelVersion: "v2", TrafficPercentage: 40},
			},
			wantErr: true,
		},
		{
			name: "sums to 101",
			variants: []VariantConfig{
				{Name: "a", ModelVersion: "v1", TrafficPercentage: 61, IsControl: true},
				{Name: "b", ModelVersion: "v2", TrafficPercentage: 40},
			},
			wantErr: true,
		},
		{
			name: "thirds within tolerance",
			variants: []VariantConfig{
				{Name: "a", ModelVersion: "v1", TrafficPercentage: 33.333, IsControl: true},
				{Name: "b", ModelVersion: "v2", TrafficPercentage: 33.333},
				{Name: "c", ModelVersion: "v3", TrafficPercentage: 33.333},
			},
		},
		{
			name: "no control",
			variants: []VariantConfig{
				{Name: "a", ModelVersion: "v1", TrafficPercentage: 50},
				{Name: "b", ModelVersion: "v2", TrafficPercentage: 50},
			},
			wantErr: true,
		},
		{
			name: "two controls",
			variants: []VariantConfig{
				{Name: "a", ModelVersion: "v1", TrafficPercentage: 50, IsControl: true},
				{Name: "b", ModelVersion: "v2", TrafficPercentage: 50, IsControl: true},
			},
			wantErr: true,
		},
		{
			name: "duplicate names",
			variants: []VariantConfig{
				{Name: "a", ModelVersion: "v1", TrafficPercentage: 50, IsControl: true},
				{Name: "a", ModelVersion: "v2", TrafficPercentage: 50},
			},
			wantErr: true,
		},
		{
			name: "unresolvable model",
			variants: []VariantConfig{
				{Name: "a", ModelVersion: "v1", TrafficPercentage: 50, IsControl: true},
				{Name: "b", ModelVersion: "missing", TrafficPercentage: 50},
			},
			wantErr: true,
		},
	}

	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(t)
			res, err := r.CreateExperiment(context.Background(), ExperimentConfig{
				ID:       fmt.Sprintf("exp-%d", i),
				Variants: tc.variants,
			})
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, prediction.ErrInvalidConfiguration), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusDraft, res.Status)
			assert.Equal(t, AllocationHash, res.Allocation)
			assert.Equal(t, 100.0, res.RampUpPercentage)
		})
	}
}

func TestCreateExperiment_Duplicate(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.CreateExperiment(context.Background(), twoWay("dup"))
	require.NoError(t, err)
	_, err = r.CreateExperiment(context.Background(), twoWay("dup"))
	assert.True(t, errors.Is(err, prediction.ErrInvalidConfiguration))
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t)
	_, err := r.CreateExperiment(ctx, twoWay("life"))
	require.NoError(t, err)

	assert.True(t, errors.Is(r.Stop(ctx, "life"), prediction.ErrInvalidState), "stop from draft")
	assert.True(t, errors.Is(r.Resume(ctx, "life"), prediction.ErrInvalidState), "resume from draft")
	require.NoError(t, r.Start(ctx, "life"))
	assert.True(t, errors.Is(r.Start(ctx, "life"), prediction.ErrInvalidState), "start twice")
	require.NoError(t, r.Pause(ctx, "life"))
	require.NoError(t, r.Resume(ctx, "life"))
	require.NoError(t, r.Stop(ctx, "life"))
	assert.True(t, errors.Is(r.Start(ctx, "life"), prediction.ErrInvalidState), "reopen")
	assert.True(t, errors.Is(r.ForceAssign(ctx, "life", "u", "control"), prediction.ErrInvalidState))

	res, err := r.Results("life")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NotNil(t, res.StartedAt)
	assert.NotNil(t, res.StoppedAt)

	assert.True(t, errors.Is(r.Start(ctx, "nope"), prediction.ErrNotFound))
	_, err = r.Results("nope")
	assert.True(t, errors.Is(err, prediction.ErrNotFound))
}

func TestRoute_NoExperiment(t *testing.T) {
	r := newTestRouter(t)
	resp, err := r.Route(context.Background(), &prediction.Request{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "v1", resp.ModelVersion)
	assert.Empty(t, resp.Variant)

	// draft experiments do not take traffic
	_, err = r.CreateExperiment(context.Background(), twoWay("draft"))
	require.NoError(t, err)
	resp, err = r.Route(context.Background(), &prediction.Request{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, resp.Variant)
}

func TestRoute_AssignmentStability(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t)
	_, err := r.CreateExperiment(ctx, twoWay("stable"))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "stable"))

	for u := 0; u < 200; u++ {
		userID := fmt.Sprintf("user-%d", u)
		first, err := r.Route(ctx, &prediction.Request{UserID: userID})
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			again, err := r.Route(ctx, &prediction.Request{UserID: userID})
			require.NoError(t, err)
			require.Equal(t, first.Variant, again.Variant, "user %s changed variant", userID)
			require.Equal(t, first.ModelVersion, again.ModelVersion)
		}
		stored, ok, err := r.Assignment("stable", userID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, first.Variant, stored)
	}
}

func TestRoute_AssignmentIsDeterministicAcrossRouters(t *testing.T) {
	ctx := context.Background()
	a, b := newTestRouter(t), newTestRouter(t)
	for _, r := range []*Router{a, b} {
		_, err := r.CreateExperiment(ctx, twoWay("det"))
		require.NoError(t, err)
		require.NoError(t, r.Start(ctx, "det"))
	}
	for u := 0; u < 100; u++ {
		req := &prediction.Request{UserID: fmt.Sprintf("user-%d", u)}
		ra, err := a.Route(ctx, req)
		require.NoError(t, err)
		rb, err := b.Route(ctx, req)
		require.NoError(t, err)
		require.Equal(t, ra.Variant, rb.Variant)
	}
}

func TestRoute_TrafficSplitFidelity(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t)
	_, err := r.CreateExperiment(ctx, ExperimentConfig{
		ID:   "split",
		Seed: "fixed-seed",
		Variants: []VariantConfig{
			{Name: "control", ModelVersion: "v1", TrafficPercentage: 50, IsControl: true},
			{Name: "b", ModelVersion: "v2", TrafficPercentage: 30},
			{Name: "c", ModelVersion: "v3", TrafficPercentage: 20},
		},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "split"))

	const users = 20000
	for u := 0; u < users; u++ {
		_, err := r.Route(ctx, &prediction.Request{UserID: fmt.Sprintf("synthetic-%d", u)})
		require.NoError(t, err)
	}
	res, err := r.Results("split")
	require.NoError(t, err)
	want := map[string]float64{"control": 0.5, "b": 0.3, "c": 0.2}
	for _, v := range res.Variants {
		got := float64(v.Users) / users
		assert.InDelta(t, want[v.Name], got, 0.02, "variant %s", v.Name)
		assert.Equal(t, int64(v.Users), v.Requests)
	}
	assert.Equal(t, users, res.Assignments)
}

func TestRoute_RampUp(t *testing.T) {
	ctx := context.Background()

	t.Run("zero routes everyone to control", func(t *testing.T) {
		r := newTestRouter(t)
		cfg := twoWay("ramp0")
		cfg.RampUpPercentage = ptr(0)
		_, err := r.CreateExperiment(ctx, cfg)
		require.NoError(t, err)
		require.NoError(t, r.Start(ctx, "ramp0"))

		for u := 0; u < 500; u++ {
			resp, err := r.Route(ctx, &prediction.Request{UserID: fmt.Sprintf("user-%d", u)})
			require.NoError(t, err)
			require.Equal(t, "control", resp.Variant)
		}
		res, _ := r.Results("ramp0")
		assert.Zero(t, res.Assignments)
	})

	t.Run("partial ramp-up keeps the split among included users", func(t *testing.T) {
		r := newTestRouter(t)
		cfg := twoWay("ramp30")
		cfg.RampUpPercentage = ptr(30)
		_, err := r.CreateExperiment(ctx, cfg)
		require.NoError(t, err)
		require.NoError(t, r.Start(ctx, "ramp30"))

		const users = 10000
		treatment := 0
		for u := 0; u < users; u++ {
			resp, err := r.Route(ctx, &prediction.Request{UserID: fmt.Sprintf("user-%d", u)})
			require.NoError(t, err)
			if resp.Variant == "treatment" {
				treatment++
			}
		}
		res, _ := r.Results("ramp30")
		assert.InDelta(t, 0.3, float64(res.Assignments)/users, 0.03)
		assert.InDelta(t, 0.5, float64(treatment)/float64(res.Assignments), 0.05)
	})
}

func TestRoute_PauseAndForceAssign(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t)
	_, err := r.CreateExperiment(ctx, twoWay("pf"))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "pf"))

	require.NoError(t, r.ForceAssign(ctx, "pf", "tester", "treatment"))
	resp, err := r.Route(ctx, &prediction.Request{UserID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "treatment", resp.Variant)
	assert.Equal(t, "v2", resp.ModelVersion)

	require.NoError(t, r.Pause(ctx, "pf"))
	resp, err = r.Route(ctx, &prediction.Request{UserID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "control", resp.Variant)

	require.NoError(t, r.Resume(ctx, "pf"))
	resp, err = r.Route(ctx, &prediction.Request{UserID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "treatment", resp.Variant)

	err = r.ForceAssign(ctx, "pf", "tester", "nope")
	assert.True(t, errors.Is(err, prediction.ErrNotFound))
}

func TestRoute_RandomAllocationIsNotSticky(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t)
	cfg := twoWay("rand")
	cfg.Allocation = AllocationRandom
	_, err := r.CreateExperiment(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "rand"))

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		resp, err := r.Route(ctx, &prediction.Request{UserID: "same-user"})
		require.NoError(t, err)
		seen[resp.Variant] = true
	}
	assert.Len(t, seen, 2)
	_, ok, _ := r.Assignment("rand", "same-user")
	assert.False(t, ok)
}

func TestRoute_MaxAssignmentsEvictsOldest(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t)
	cfg := twoWay("cap")
	cfg.MaxAssignments = 3
	_, err := r.CreateExperiment(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "cap"))

	for _, u := range []string{"a", "b", "c", "d"} {
		_, err := r.Route(ctx, &prediction.Request{UserID: u})
		require.NoError(t, err)
	}
	_, ok, _ := r.Assignment("cap", "a")
	assert.False(t, ok, "oldest assignment should be evicted")
	for _, u := range []string{"b", "c", "d"} {
		_, ok, _ := r.Assignment("cap", u)
		assert.True(t, ok, u)
	}
}

func TestRoute_ConcurrentFirstCalls(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t)
	_, err := r.CreateExperiment(ctx, twoWay("conc"))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "conc"))

	var wg sync.WaitGroup
	variants := make([]string, 50)
	for i := range variants {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := r.Route(ctx, &prediction.Request{UserID: "racer"})
			if err == nil {
				variants[i] = resp.Variant
			}
		}(i)
	}
	wg.Wait()
	for _, v := range variants {
		assert.Equal(t, variants[0], v)
	}
}

func TestRoute_CountersAndErrors(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewFakeClock(time.Now())
	r, err := NewRouter(Config{
		Default: model("v1"),
		Clock:   clk,
		Resolver: func(version string) (prediction.Inferencer, error) {
			if version == "broken" {
				return prediction.InferenceFunc(func(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
					return nil, prediction.ErrAllFallbacksExhausted
				}), nil
			}
			return model(version), nil
		},
	})
	require.NoError(t, err)
	_, err = r.CreateExperiment(ctx, ExperimentConfig{
		ID: "errs",
		Variants: []VariantConfig{
			{Name: "control", ModelVersion: "v1", TrafficPercentage: 50, IsControl: true},
			{Name: "broken", ModelVersion: "broken", TrafficPercentage: 50},
		},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "errs"))
	require.NoError(t, r.ForceAssign(ctx, "errs", "bad-user", "broken"))
	require.NoError(t, r.ForceAssign(ctx, "errs", "good-user", "control"))

	_, err = r.Route(ctx, &prediction.Request{UserID: "bad-user"})
	assert.True(t, errors.Is(err, prediction.ErrAllFallbacksExhausted))
	_, err = r.Route(ctx, &prediction.Request{UserID: "good-user"})
	require.NoError(t, err)

	res, err := r.Results("errs")
	require.NoError(t, err)
	got := map[string][2]int64{}
	for _, v := range res.Variants {
		got[v.Name] = [2]int64{v.Requests, v.Errors}
	}
	if diff := cmp.Diff(map[string][2]int64{"control": {1, 0}, "broken": {1, 1}}, got); diff != "" {
		t.Errorf("unexpected counters (-want +got):\n%s", diff)
	}
}

func TestRoute_EndTimeCompletesExperiment(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewFakeClock(time.Now())
	r, err := NewRouter(Config{Default: model("v1"), DefaultVersion: "v1", Clock: clk})
	require.NoError(t, err)
	cfg := twoWay("timed")
	end := clk.Now().Add(time.Hour)
	cfg.EndTime = &end
	_, err = r.CreateExperiment(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, "timed"))

	resp, err := r.Route(ctx, &prediction.Request{UserID: "u"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Variant)

	clk.Step(2 * time.Hour)
	resp, err = r.Route(ctx, &prediction.Request{UserID: "u"})
	require.NoError(t, err)
	assert.Empty(t, resp.Variant)
	res, _ := r.Results("timed")
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestBootstrap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiments.yaml")
	content := `experiments:
  - id: boot-a
    name: Boot A
    start: true
    ramp_up_percentage: 50
    variants:
      - name: control
        model_version: v1
        traffic_percentage: 70
        is_control: true
      - name: candidate
        model_version: v2
        traffic_percentage: 30
  - id: boot-b
    variants:
      - name: only
        model_version: v1
        traffic_percentage: 100
        is_control: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r := newTestRouter(t)
	require.NoError(t, r.Bootstrap(context.Background(), path))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "boot-a", list[0].ID)
	assert.Equal(t, "Boot A", list[0].Name)
	assert.Equal(t, StatusActive, list[0].Status)
	assert.Equal(t, 50.0, list[0].RampUpPercentage)
	assert.Equal(t, StatusDraft, list[1].Status)

	assert.Error(t, r.Bootstrap(context.Background(), filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestExperimentConfig_Defaults(t *testing.T) {
	cfg := twoWay("defaults")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100000, cfg.MaxAssignments)
	assert.Equal(t, AllocationHash, cfg.Allocation)
	assert.Equal(t, "defaults", cfg.Seed)
	assert.Equal(t, "defaults", cfg.Name)
	require.NotNil(t, cfg.RampUpPercentage)
	assert.Equal(t, 100.0, *cfg.RampUpPercentage)
}
