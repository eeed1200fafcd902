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

// The file implements the panic recovery middleware.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/common"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

const requestIDKey = logging.RequestIDKey

// RecoveryMiddleware turns a handler panic into a 500 carrying the request id.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger := logging.GetRequestLogger(r)
				logger.Error(fmt.Errorf("panic: %v", rec), "recovered from panic",
					"method", r.Method, "path", r.URL.Path, "stack", string(debug.Stack()))
				common.WriteInternalServerError(r.Context(), w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
