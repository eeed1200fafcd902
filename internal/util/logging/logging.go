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

// Logging verbosity levels and request scoped logger helpers.
package logging

import (
	"context"
	"net/http"

	"k8s.io/klog/v2"
)

// klog verbosity levels.
const (
	ERROR   = 0
	WARNING = 1
	INFO    = 2
	DEBUG   = 4
	TRACE   = 5
)

type contextKey string

const RequestIDKey contextKey = "request_id"

// RequestID returns the request id stored in the context, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestID stores the request id in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestLogger returns the logger of the request, tagged with its request id.
func GetRequestLogger(r *http.Request) klog.Logger {
	logger := klog.FromContext(r.Context())
	if id := RequestID(r.Context()); id != "" {
		logger = logger.WithValues("requestID", id)
	}
	return logger
}
