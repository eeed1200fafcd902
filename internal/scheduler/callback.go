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

// The file sends job completion notices to callback addresses and the store's event channel.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	cache_api "github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
	"github.com/llm-d-incubation/prediction-gateway/internal/util/logging"
)

const DefaultCallbackTimeout = 10 * time.Second

type notifier struct {
	client *http.Client
	cache  cache_api.CacheClient
}

func newNotifier(timeout time.Duration, cache cache_api.CacheClient) *notifier {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	return &notifier{
		client: &http.Client{Timeout: timeout},
		cache:  cache,
	}
}

// notify is best-effort: failures are logged and never change the job's status.
func (n *notifier) notify(ctx context.Context, callbackURL string, payload prediction.CallbackPayload) {
	logger := klog.FromContext(ctx)
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error(err, "Failed to marshal completion notice")
		return
	}

	if n.cache != nil {
		if _, err := n.cache.Publish(ctx, cache_api.ChannelJobsCompleted, body); err != nil {
			logger.V(logging.WARNING).Info("Failed to publish completion notice", "err", err.Error())
		}
	}

	if callbackURL == "" {
		return
	}
	if err := n.post(ctx, callbackURL, body); err != nil {
		logger.V(logging.WARNING).Info("Callback failed", "callbackURL", callbackURL, "err", err.Error())
		return
	}
	logger.V(logging.DEBUG).Info("Callback delivered", "callbackURL", callbackURL)
}

func (n *notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
