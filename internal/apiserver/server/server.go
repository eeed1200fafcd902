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

// The file provides the HTTP server implementation for the prediction gateway API.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/common"
	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/experiments"
	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/health"
	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/metrics"
	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/middleware"
	"github.com/llm-d-incubation/prediction-gateway/internal/apiserver/predictions"
	cache_api "github.com/llm-d-incubation/prediction-gateway/internal/cache/api"
	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
)

const shutdownTimeout = 60 * time.Second

// Dependencies are the components served by the API. Cache and Gatherer may be nil.
type Dependencies struct {
	Cache       cache_api.CacheClient
	Inferencer  prediction.Inferencer
	Scheduler   predictions.JobScheduler
	Experiments experiments.ExperimentManager
	Gatherer    prometheus.Gatherer
}

type Server struct {
	logger klog.Logger
	config *common.ServerConfig
	deps   Dependencies
}

func New(config *common.ServerConfig, deps Dependencies) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Inferencer == nil || deps.Scheduler == nil || deps.Experiments == nil {
		return nil, fmt.Errorf("inferencer, scheduler and experiment manager are required")
	}
	logger := klog.Background().WithName("api_server")
	return &Server{config: config, deps: deps, logger: logger}, nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.config.SSLCertFile, s.config.SSLKeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		},
	}, nil
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	logger := s.logger

	ln, err := net.Listen("tcp", s.config.Host+":"+s.config.Port)
	if err != nil {
		logger.Error(err, "failed to start")
		return err
	}

	httpserver := &http.Server{
		Handler:           s.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Enable TLS if cert and key are provided
	if s.config.SSLEnabled() {
		tlsConf, err := s.tlsConfig()
		if err != nil {
			ln.Close()
			return err
		}
		httpserver.TLSConfig = tlsConf
		logger.Info("server TLS configured")
	} else if s.config.SSLCertFile != "" || s.config.SSLKeyFile != "" {
		ln.Close()
		return fmt.Errorf("both tls-cert-file and tls-private-key-file must be provided to enable TLS")
	}

	// graceful termination
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancelFn := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancelFn()
		if err := httpserver.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "failed to gracefully shutdown")
		} else {
			logger.Info("shutdown complete")
		}
	}()

	logger.Info("starting", "addr", ln.Addr().String())
	if s.config.SSLEnabled() {
		err = httpserver.ServeTLS(ln, "", "")
	} else {
		err = httpserver.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		logger.Error(err, "failed to start")
		return err
	}
	return nil
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	// register handlers
	handlers := []common.ApiHandler{
		health.NewHealthApiHandler(s.deps.Cache, s.deps.Scheduler),
		metrics.NewMetricsApiHandler(s.deps.Gatherer),
		predictions.NewPredictionApiHandler(s.config, s.deps.Inferencer, s.deps.Scheduler),
		experiments.NewExperimentApiHandler(s.deps.Experiments),
	}
	for _, c := range handlers {
		common.RegisterHandler(mux, c)
	}

	// register middlewares
	var h http.Handler = mux
	h = middleware.RateLimitMiddleware(s.deps.Cache, s.config.RateLimitPerMinute)(h) // Early Rejection
	h = middleware.SecurityHeadersMiddleware(h)                                      // Add security headers
	h = middleware.RequestMiddleware(h)                                              // 2nd Outermost, request monitoring
	h = middleware.RecoveryMiddleware(h)                                             // Outermost - catches ALL panics

	return h
}
