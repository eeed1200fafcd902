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

// The file defines the OpenAI compatible error envelope returned by every API endpoint.
package openai

import "net/http"

// ErrorResponse is the body of every non 2xx response:
// {"error": {"message": ..., "type": ..., "param": ..., "code": ...}}
type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    int     `json:"code"`
}

// NewAPIError builds an error envelope. An empty errType is derived from the status code.
func NewAPIError(code int, errType, message string, param *string) ErrorResponse {
	if errType == "" {
		errType = ErrorTypeForStatus(code)
	}
	if message == "" {
		message = http.StatusText(code)
	}
	return ErrorResponse{
		Error: APIError{
			Message: message,
			Type:    errType,
			Param:   param,
			Code:    code,
		},
	}
}

func ErrorTypeForStatus(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "BadRequestError"
	case http.StatusUnauthorized:
		return "AuthenticationError"
	case http.StatusForbidden:
		return "PermissionDeniedError"
	case http.StatusNotFound:
		return "NotFoundError"
	case http.StatusConflict:
		return "ConflictError"
	case http.StatusUnprocessableEntity:
		return "UnprocessableEntityError"
	case http.StatusTooManyRequests:
		return "RateLimitError"
	case http.StatusBadGateway:
		return "BadGatewayError"
	case http.StatusServiceUnavailable:
		return "ServiceUnavailableError"
	}
	return "InternalServerError"
}
