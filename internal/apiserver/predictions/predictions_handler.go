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

// The file provides HTTP handlers for synchronous predictions and batch prediction jobs.
package predictions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/common"
	"github.com/llm-d-incubation/prediction-gateway/internal/scheduler"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/openai"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

const (
	pathParamJobID = "job_id"

	maxBodyBytes     = 16 << 20
	maxItemsPerUser  = 10000
	maxBatchRequests = 10000
)

type JobScheduler interface {
	Submit(ctx context.Context, requests []*prediction.Request, priority prediction.Priority, callbackURL string) (string, error)
	GetStatus(id string) (*prediction.JobView, error)
	GetResults(id string) ([]*prediction.Response, error)
	Stats() scheduler.Stats
}

type SubmitBatchRequest struct {
	Requests    []*prediction.Request `json:"requests"`
	Priority    prediction.Priority   `json:"priority,omitempty"`
	CallbackURL string                `json:"callback_url,omitempty"`
}

type SubmitBatchResponse struct {
	JobID    string               `json:"job_id"`
	Status   prediction.JobStatus `json:"status"`
	Priority prediction.Priority  `json:"priority"`
}

type BatchResultsResponse struct {
	JobID   string                 `json:"job_id"`
	Results []*prediction.Response `json:"results"`
}

type PredictionApiHandler struct {
	config     *common.ServerConfig
	inferencer prediction.Inferencer
	scheduler  JobScheduler
}

func NewPredictionApiHandler(config *common.ServerConfig, inferencer prediction.Inferencer, scheduler JobScheduler) *PredictionApiHandler {
	return &PredictionApiHandler{
		config:     config,
		inferencer: inferencer,
		scheduler:  scheduler,
	}
}

func (c *PredictionApiHandler) GetRoutes() []common.Route {
	return []common.Route{
		{
			Method:      http.MethodPost,
			Pattern:     "/v1/predict",
			HandlerFunc: c.Predict,
		},
		{
			Method:      http.MethodPost,
			Pattern:     "/v1/batches",
			HandlerFunc: c.SubmitBatch,
		},
		{
			Method:      http.MethodGet,
			Pattern:     "/v1/batches/{job_id}",
			HandlerFunc: c.GetBatchStatus,
		},
		{
			Method:      http.MethodGet,
			Pattern:     "/v1/batches/{job_id}/results",
			HandlerFunc: c.GetBatchResults,
		},
		{
			Method:      http.MethodGet,
			Pattern:     "/v1/scheduler/stats",
			HandlerFunc: c.GetSchedulerStats,
		},
	}
}

func validateRequest(req *prediction.Request) error {
	if req == nil {
		return fmt.Errorf("request is empty")
	}
	if req.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if len(req.ItemIDs) == 0 {
		return fmt.Errorf("item_ids must not be empty")
	}
	if len(req.ItemIDs) > maxItemsPerUser {
		return fmt.Errorf("item_ids must not exceed %d entries", maxItemsPerUser)
	}
	return nil
}

func validateCallbackURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("callback_url must be an absolute http(s) url")
	}
	return nil
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	apiErr := openai.NewAPIError(http.StatusBadRequest, "", msg, nil)
	common.WriteAPIError(r.Context(), w, apiErr)
}

// Predict runs one request through the router and the fallback chain without queueing.
func (c *PredictionApiHandler) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.GetRequestLogger(r)

	req := &prediction.Request{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(req); err != nil {
		logger.Error(err, "failed to decode request")
		writeBadRequest(w, r, "invalid request body")
		return
	}
	if err := validateRequest(req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = logging.RequestID(ctx)
	}

	resp, err := c.inferencer.Infer(ctx, req)
	if err != nil {
		logger.Error(err, "prediction failed", "userID", req.UserID)
		common.WriteError(ctx, w, err)
		return
	}
	common.WriteJSONResponse(ctx, w, http.StatusOK, resp)
}

func (c *PredictionApiHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.GetRequestLogger(r)

	batchReq := &SubmitBatchRequest{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(batchReq); err != nil {
		logger.Error(err, "failed to decode request")
		writeBadRequest(w, r, "invalid request body")
		return
	}

	// validate request
	if len(batchReq.Requests) == 0 {
		writeBadRequest(w, r, "requests must not be empty")
		return
	}
	if len(batchReq.Requests) > maxBatchRequests {
		writeBadRequest(w, r, fmt.Sprintf("a batch must not exceed %d requests", maxBatchRequests))
		return
	}
	for i, req := range batchReq.Requests {
		if err := validateRequest(req); err != nil {
			writeBadRequest(w, r, fmt.Sprintf("requests[%d]: %s", i, err.Error()))
			return
		}
	}
	if batchReq.Priority != "" && !batchReq.Priority.IsValid() {
		writeBadRequest(w, r, fmt.Sprintf("unknown priority %q", batchReq.Priority))
		return
	}
	if err := validateCallbackURL(batchReq.CallbackURL); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}

	jobID, err := c.scheduler.Submit(ctx, batchReq.Requests, batchReq.Priority, batchReq.CallbackURL)
	if err != nil {
		logger.Error(err, "failed to submit batch job")
		common.WriteError(ctx, w, err)
		return
	}

	priority := batchReq.Priority
	if priority == "" {
		priority = prediction.PriorityNormal
	}
	logger.V(logging.DEBUG).Info("batch job accepted", "jobID", jobID, "requests", len(batchReq.Requests))
	common.WriteJSONResponse(ctx, w, http.StatusAccepted, SubmitBatchResponse{
		JobID:    jobID,
		Status:   prediction.JobStatusQueued,
		Priority: priority,
	})
}

func (c *PredictionApiHandler) GetBatchStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := r.PathValue(pathParamJobID)
	if jobID == "" {
		writeBadRequest(w, r, pathParamJobID+" is required")
		return
	}

	view, err := c.scheduler.GetStatus(jobID)
	if err != nil {
		common.WriteError(ctx, w, err)
		return
	}
	common.WriteJSONResponse(ctx, w, http.StatusOK, view)
}

func (c *PredictionApiHandler) GetBatchResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := r.PathValue(pathParamJobID)
	if jobID == "" {
		writeBadRequest(w, r, pathParamJobID+" is required")
		return
	}

	results, err := c.scheduler.GetResults(jobID)
	if err != nil {
		common.WriteError(ctx, w, err)
		return
	}
	common.WriteJSONResponse(ctx, w, http.StatusOK, BatchResultsResponse{JobID: jobID, Results: results})
}

func (c *PredictionApiHandler) GetSchedulerStats(w http.ResponseWriter, r *http.Request) {
	common.WriteJSONResponse(r.Context(), w, http.StatusOK, c.scheduler.Stats())
}
