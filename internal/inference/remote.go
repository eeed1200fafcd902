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

// Package inference provides the model call sites: a remote model server client, an
// in-process static model and a cache-first decorator.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

const (
	DefaultTimeout = 5 * time.Second
	maxErrorBody   = 4096
)

// RemoteModel calls a model server at POST {baseURL}/v1/models/{version}:predict.
type RemoteModel struct {
	endpoint string
	version  string
	client   *http.Client
}

func NewRemoteModel(baseURL, version string, timeout time.Duration) (*RemoteModel, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid inference url %q: %w", baseURL, err)
	}
	if version == "" {
		return nil, fmt.Errorf("model version is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RemoteModel{
		endpoint: strings.TrimRight(baseURL, "/") + "/v1/models/" + url.PathEscape(version) + ":predict",
		version:  version,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (m *RemoteModel) Infer(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
	logger := klog.FromContext(ctx)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if id := logging.RequestID(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}

	httpResp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", m.version, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, fmt.Errorf("model %s returned status %d: %s", m.version, httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	resp := &prediction.Response{}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return nil, fmt.Errorf("model %s: failed to decode response: %w", m.version, err)
	}
	if resp.ModelVersion == "" {
		resp.ModelVersion = m.version
	}
	if resp.RequestID == "" {
		resp.RequestID = req.RequestID
	}
	if resp.UserID == "" {
		resp.UserID = req.UserID
	}
	logger.V(logging.TRACE).Info("Model responded", "version", m.version, "items", len(resp.Predictions))
	return resp, nil
}

var _ prediction.Inferencer = &RemoteModel{}
