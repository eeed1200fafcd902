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

package inference

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
)

// StaticModel is an in-process model that gives each (version, user, item) a fixed
// probability in [0.1, 0.9). It serves when no remote model is configured.
type StaticModel struct {
	Version string
}

func NewStaticModel(version string) *StaticModel {
	return &StaticModel{Version: version}
}

func (m *StaticModel) Infer(ctx context.Context, req *prediction.Request) (*prediction.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", prediction.ErrInvalidRequest)
	}
	preds := make(map[string]float64, len(req.ItemIDs))
	for _, item := range req.ItemIDs {
		h := xxhash.Sum64String(m.Version + "\x00" + req.UserID + "\x00" + item)
		preds[item] = 0.1 + 0.8*float64(h%1000)/1000
	}
	return &prediction.Response{
		RequestID:    req.RequestID,
		UserID:       req.UserID,
		Predictions:  preds,
		ModelVersion: m.Version,
	}, nil
}

var _ prediction.Inferencer = &StaticModel{}
