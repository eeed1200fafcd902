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

// The file provides HTTP handlers to manage A/B experiments.
package experiments

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/common"
	"github.com/llm-d-incubation/prediction-gateway/internal/router"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/openai"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

const (
	pathParamExperimentID = "experiment_id"
	pathParamUserID       = "user_id"

	maxBodyBytes = 1 << 20
)

type ExperimentManager interface {
	CreateExperiment(ctx context.Context, cfg router.ExperimentConfig) (*router.ExperimentResults, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	ForceAssign(ctx context.Context, id, userID, variant string) error
	Assignment(id, userID string) (string, bool, error)
	Results(id string) (*router.ExperimentResults, error)
	List() []router.ExperimentResults
}

// CreateExperimentRequest is an experiment definition; Start activates it right away.
type CreateExperimentRequest struct {
	router.ExperimentConfig
	Start bool `json:"start,omitempty"`
}

type AssignRequest struct {
	UserID  string `json:"user_id"`
	Variant string `json:"variant"`
}

type AssignmentResponse struct {
	ExperimentID string `json:"experiment_id"`
	UserID       string `json:"user_id"`
	Variant      string `json:"variant,omitempty"`
	Assigned     bool   `json:"assigned"`
}

type ListExperimentsResponse struct {
	Object string                     `json:"object"`
	Data   []router.ExperimentResults `json:"data"`
}

type ExperimentApiHandler struct {
	manager ExperimentManager
}

func NewExperimentApiHandler(manager ExperimentManager) *ExperimentApiHandler {
	return &ExperimentApiHandler{manager: manager}
}

func (c *ExperimentApiHandler) GetRoutes() []common.Route {
	return []common.Route{
		{
			Method:      http.MethodPost,
			Pattern:     "/v1/experiments",
			HandlerFunc: c.CreateExperiment,
		},
		{
			Method:      http.MethodGet,
			Pattern:     "/v1/experiments",
			HandlerFunc: c.ListExperiments,
		},
		{
			Method:      http.MethodGet,
			Pattern:     "/v1/experiments/{experiment_id}",
			HandlerFunc: c.GetResults,
		},
		{
			Method:      http.MethodGet,
			Pattern:     "/v1/experiments/{experiment_id}/results",
			HandlerFunc: c.GetResults,
		},
		{
			Method:      http.MethodPost,
			Pattern:     "/v1/experiments/{experiment_id}/start",
			HandlerFunc: c.transition(ExperimentManager.Start),
		},
		{
			Method:      http.MethodPost,
			Pattern:     "/v1/experiments/{experiment_id}/stop",
			HandlerFunc: c.transition(ExperimentManager.Stop),
		},
		{
			Method:      http.MethodPost,
			Pattern:     "/v1/experiments/{experiment_id}/pause",
			HandlerFunc: c.transition(ExperimentManager.Pause),
		},
		{
			Method:      http.MethodPost,
			Pattern:     "/v1/experiments/{experiment_id}/resume",
			HandlerFunc: c.transition(ExperimentManager.Resume),
		},
		{
			Method:      http.MethodPost,
			Pattern:     "/v1/experiments/{experiment_id}/assign",
			HandlerFunc: c.Assign,
		},
		{
			Method:      http.MethodGet,
			Pattern:     "/v1/experiments/{experiment_id}/assignments/{user_id}",
			HandlerFunc: c.GetAssignment,
		},
	}
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	apiErr := openai.NewAPIError(http.StatusBadRequest, "", msg, nil)
	common.WriteAPIError(r.Context(), w, apiErr)
}

func (c *ExperimentApiHandler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.GetRequestLogger(r)

	req := &CreateExperimentRequest{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(req); err != nil {
		logger.Error(err, "failed to decode request")
		writeBadRequest(w, r, "invalid request body")
		return
	}

	res, err := c.manager.CreateExperiment(ctx, req.ExperimentConfig)
	if err != nil {
		logger.V(logging.INFO).Info("experiment rejected", "experimentID", req.ID, "err", err.Error())
		common.WriteError(ctx, w, err)
		return
	}
	if req.Start {
		if err := c.manager.Start(ctx, res.ID); err != nil {
			common.WriteError(ctx, w, err)
			return
		}
		if res, err = c.manager.Results(res.ID); err != nil {
			common.WriteError(ctx, w, err)
			return
		}
	}
	common.WriteJSONResponse(ctx, w, http.StatusCreated, res)
}

func (c *ExperimentApiHandler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	common.WriteJSONResponse(r.Context(), w, http.StatusOK, ListExperimentsResponse{
		Object: "list",
		Data:   c.manager.List(),
	})
}

func (c *ExperimentApiHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := c.manager.Results(r.PathValue(pathParamExperimentID))
	if err != nil {
		common.WriteError(ctx, w, err)
		return
	}
	common.WriteJSONResponse(ctx, w, http.StatusOK, res)
}

// transition adapts a lifecycle operation to a handler that answers with the updated experiment.
func (c *ExperimentApiHandler) transition(op func(ExperimentManager, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue(pathParamExperimentID)
		if err := op(c.manager, ctx, id); err != nil {
			common.WriteError(ctx, w, err)
			return
		}
		res, err := c.manager.Results(id)
		if err != nil {
			common.WriteError(ctx, w, err)
			return
		}
		common.WriteJSONResponse(ctx, w, http.StatusOK, res)
	}
}

// Assign pins a user to a variant. Intended for testing a variant end to end.
func (c *ExperimentApiHandler) Assign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue(pathParamExperimentID)

	req := &AssignRequest{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(req); err != nil {
		writeBadRequest(w, r, "invalid request body")
		return
	}
	if req.UserID == "" || req.Variant == "" {
		writeBadRequest(w, r, "user_id and variant are required")
		return
	}
	if err := c.manager.ForceAssign(ctx, id, req.UserID, req.Variant); err != nil {
		common.WriteError(ctx, w, err)
		return
	}
	common.WriteJSONResponse(ctx, w, http.StatusOK, AssignmentResponse{
		ExperimentID: id,
		UserID:       req.UserID,
		Variant:      req.Variant,
		Assigned:     true,
	})
}

func (c *ExperimentApiHandler) GetAssignment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue(pathParamExperimentID)
	userID := r.PathValue(pathParamUserID)

	variant, ok, err := c.manager.Assignment(id, userID)
	if err != nil {
		common.WriteError(ctx, w, err)
		return
	}
	common.WriteJSONResponse(ctx, w, http.StatusOK, AssignmentResponse{
		ExperimentID: id,
		UserID:       userID,
		Variant:      variant,
		Assigned:     ok,
	})
}

var _ ExperimentManager = &router.Router{}
