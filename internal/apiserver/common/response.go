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

// The file provides the JSON response writers shared by all API handlers.
package common

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/prediction-gateway/internal/shared/openai"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

const internalServerErrorMessage = "The server had an error while processing your request"

func WriteJSONResponse(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.FromContext(ctx).Error(err, "failed to encode response")
	}
}

func WriteAPIError(ctx context.Context, w http.ResponseWriter, apiErr openai.ErrorResponse) {
	WriteJSONResponse(ctx, w, apiErr.Error.Code, apiErr)
}

// WriteInternalServerError writes a 500 whose param carries the request id.
func WriteInternalServerError(ctx context.Context, w http.ResponseWriter) {
	var param *string
	if id := logging.RequestID(ctx); id != "" {
		param = &id
	}
	apiErr := openai.NewAPIError(http.StatusInternalServerError, "", internalServerErrorMessage, param)
	WriteAPIError(ctx, w, apiErr)
}

// StatusForError maps the error taxonomy onto HTTP status codes.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, prediction.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, prediction.ErrInvalidRequest),
		errors.Is(err, prediction.ErrInvalidState),
		errors.Is(err, prediction.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, prediction.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, prediction.ErrAllFallbacksExhausted):
		return http.StatusBadGateway
	case errors.Is(err, prediction.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WriteError writes err using StatusForError. Internal errors never leak their message.
func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		WriteInternalServerError(ctx, w)
		return
	}
	WriteAPIError(ctx, w, openai.NewAPIError(status, "", err.Error(), nil))
}
