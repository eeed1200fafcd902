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

// The file provides the liveness and readiness endpoints.
package health

import (
	"net/http"

	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/common"
	cache_api "github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	"github.com/llm-d-incubation/prediction-gateway/internal/scheduler"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

type StatsProvider interface {
	Stats() scheduler.Stats
}

type SchedulerHealth struct {
	Running     bool           `json:"running"`
	QueueDepths map[string]int `json:"queue_depths"`
	ActiveJobs  int            `json:"active_jobs"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Cache     *cache_api.Health `json:"cache,omitempty"`
	Scheduler *SchedulerHealth  `json:"scheduler,omitempty"`
}

type HealthApiHandler struct {
	cache     cache_api.CacheClient
	scheduler StatsProvider
}

// NewHealthApiHandler builds the handler. Both arguments may be nil.
func NewHealthApiHandler(cache cache_api.CacheClient, scheduler StatsProvider) *HealthApiHandler {
	return &HealthApiHandler{cache: cache, scheduler: scheduler}
}

func (h *HealthApiHandler) GetRoutes() []common.Route {
	return []common.Route{
		{
			Method:      http.MethodGet,
			Pattern:     "/health",
			HandlerFunc: h.Health,
		},
		{
			Method:      http.MethodGet,
			Pattern:     "/ready",
			HandlerFunc: h.Ready,
		},
	}
}

func (h *HealthApiHandler) report(r *http.Request) *HealthResponse {
	resp := &HealthResponse{Status: StatusOK}
	if h.cache != nil {
		ch := h.cache.Health(r.Context())
		resp.Cache = &ch
		if !ch.Healthy {
			logging.GetRequestLogger(r).V(logging.DEBUG).Info("cache is unhealthy", "err", ch.Error,
				"breaker", ch.Breaker.StateName)
			resp.Status = StatusDegraded
		}
	}
	if h.scheduler != nil {
		stats := h.scheduler.Stats()
		sh := &SchedulerHealth{
			Running:     stats.Running,
			QueueDepths: make(map[string]int, len(stats.QueueDepths)),
			ActiveJobs:  stats.ActiveJobs,
		}
		for p, d := range stats.QueueDepths {
			sh.QueueDepths[string(p)] = d
		}
		resp.Scheduler = sh
	}
	return resp
}

// Health always answers 200 while the process serves requests. A broken cache only degrades
// the service, it never takes it down.
func (h *HealthApiHandler) Health(w http.ResponseWriter, r *http.Request) {
	common.WriteJSONResponse(r.Context(), w, http.StatusOK, h.report(r))
}

// Ready answers 503 until the scheduler is running.
func (h *HealthApiHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := h.report(r)
	if resp.Scheduler != nil && !resp.Scheduler.Running {
		resp.Status = StatusNotReady
		common.WriteJSONResponse(r.Context(), w, http.StatusServiceUnavailable, resp)
		return
	}
	common.WriteJSONResponse(r.Context(), w, http.StatusOK, resp)
}
