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

// The entry point for the prediction gateway API server.
// It wires the cache, the fallback chain, the traffic router and the batch scheduler,
// then serves the API until it receives a termination signal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/common"
	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/server"
	cache_api "github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	cacheredis "github.com/llm-d-incubation/prediction-gateway/internal/cache/redis"
	"github.com/llm-d-incubation/prediction-gateway/internal/fallback"
	"github.com/llm-d-incubation/prediction-gateway/internal/inference"
	"github.com/llm-d-incubation/prediction-gateway/internal/metrics"
	"github.com/llm-d-incubation/prediction-gateway/internal/router"
	"github.com/llm-d-incubation/prediction-gateway/internal/scheduler"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
)

const schedulerStopTimeout = 30 * time.Second

func newModel(config *common.ServerConfig, version string) (prediction.Inferencer, error) {
	if config.InferenceURL == "" {
		return inference.NewStaticModel(version), nil
	}
	return inference.NewRemoteModel(config.InferenceURL, version, config.InferenceTimeout())
}

func main() {
	config := common.NewConfig()

	if err := config.Load(); err != nil {
		klog.Fatalf("failed to load config: %v", err)
	}

	// make sure to flush logs before exiting
	defer klog.Flush()

	// graceful shutdown
	parentCtx := context.Background()
	c := make(chan os.Signal, 2)
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1)
	}()

	logger := klog.FromContext(ctx)
	logger.Info("starting prediction gateway")

	if err := metrics.InitMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.Error(err, "failed to register metrics")
		return
	}

	// the cache is optional: without it predictions are never reused and the cached fallback is skipped
	var cache cache_api.CacheClient
	if config.CacheEnabled() {
		client, err := cacheredis.NewCacheClientRedis(ctx, &config.Redis, config.CacheOpTimeout(), config.BreakerConfig())
		if err != nil {
			logger.Error(err, "cache unavailable, continuing without cache")
		} else {
			cache = client
			defer client.Close()
		}
	}

	seed := time.Now().UnixNano()

	var previous prediction.Inferencer
	if config.PreviousModelVersion != "" {
		model, err := newModel(config, config.PreviousModelVersion)
		if err != nil {
			logger.Error(err, "failed to create previous model version", "version", config.PreviousModelVersion)
			return
		}
		previous = model
	}
	chain, err := fallback.Build(config.FallbackConfig(), cache, previous, config.PreviousModelVersion, seed, nil)
	if err != nil {
		logger.Error(err, "failed to build fallback chain")
		return
	}

	backups := make([]prediction.Inferencer, 0, len(config.BackupModelVersions))
	for _, version := range config.BackupModelVersions {
		model, err := newModel(config, version)
		if err != nil {
			logger.Error(err, "failed to create backup model", "version", version)
			return
		}
		backups = append(backups, model)
	}

	// every model version is served cache first and protected by the fallback chain
	resolve := func(version string) (prediction.Inferencer, error) {
		model, err := newModel(config, version)
		if err != nil {
			return nil, err
		}
		return chain.Wrap(inference.NewCachedInferencer(model, cache, version), backups...), nil
	}
	defaultModel, err := resolve(config.ModelVersion)
	if err != nil {
		logger.Error(err, "failed to create default model", "version", config.ModelVersion)
		return
	}

	rt, err := router.NewRouter(router.Config{
		Default:        defaultModel,
		DefaultVersion: config.ModelVersion,
		Resolver:       resolve,
		Seed:           seed,
	})
	if err != nil {
		logger.Error(err, "failed to create router")
		return
	}
	if config.ExperimentsFile != "" {
		if err := rt.Bootstrap(ctx, config.ExperimentsFile); err != nil {
			logger.Error(err, "failed to load experiments", "file", config.ExperimentsFile)
			return
		}
	}

	sched, err := scheduler.NewScheduler(config.SchedulerConfig(), rt, cache, nil)
	if err != nil {
		logger.Error(err, "failed to create scheduler")
		return
	}
	if err := sched.Start(ctx); err != nil {
		logger.Error(err, "failed to start scheduler")
		return
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), schedulerStopTimeout)
		defer stopCancel()
		if err := sched.Stop(stopCtx); err != nil {
			logger.Error(err, "failed to stop scheduler")
		}
	}()

	// start server
	srv, err := server.New(config, server.Dependencies{
		Cache:       cache,
		Inferencer:  rt,
		Scheduler:   sched,
		Experiments: rt,
		Gatherer:    prometheus.DefaultGatherer,
	})
	if err != nil {
		logger.Error(err, "failed to create api server")
		return
	}
	if err := srv.Start(ctx); err != nil {
		logger.Error(err, "failed to start api server")
		return
	}
	logger.Info("api server is terminated")
}
