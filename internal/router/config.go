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

// The file loads experiments declared in a YAML file at boot.
package router

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

type ExperimentEntry struct {
	ExperimentConfig `yaml:",inline"`
	Start            bool `yaml:"start"`
}

type ExperimentsFile struct {
	Experiments []ExperimentEntry `yaml:"experiments"`
}

func LoadExperimentsFile(path string) (*ExperimentsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiments file: %w", err)
	}
	file := &ExperimentsFile{}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("failed to parse experiments file: %w", err)
	}
	return file, nil
}

// Bootstrap creates every experiment in the file and starts those marked start.
func (r *Router) Bootstrap(ctx context.Context, path string) error {
	logger := klog.FromContext(ctx)
	file, err := LoadExperimentsFile(path)
	if err != nil {
		return err
	}
	for _, entry := range file.Experiments {
		if _, err := r.CreateExperiment(ctx, entry.ExperimentConfig); err != nil {
			return fmt.Errorf("experiment %q: %w", entry.ID, err)
		}
		if entry.Start {
			if err := r.Start(ctx, entry.ID); err != nil {
				return fmt.Errorf("experiment %q: %w", entry.ID, err)
			}
		}
	}
	logger.Info("experiments loaded", "path", path, "count", len(file.Experiments))
	return nil
}
