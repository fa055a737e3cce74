// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/inferd/internal/config"
	"github.com/tombee/inferd/internal/daemon/api"
	"github.com/tombee/inferd/internal/log"
	"github.com/tombee/inferd/internal/tracing"
	"github.com/tombee/inferd/pkg/serving"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon with the trace admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, listenAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Admin API address (overrides config)")
	return cmd
}

func runServe(configPath, listenAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := log.FromEnv()
	if cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		logCfg.Format = log.Format(cfg.Log.Format)
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	if listenAddr == "" {
		listenAddr = cfg.Listen
	}

	traceOpts, err := cfg.Trace.Options()
	if err != nil {
		return err
	}

	meterProvider, metricsHandler, err := tracing.NewMetricsProvider()
	if err != nil {
		return err
	}
	collector, err := tracing.NewMetricsCollector(meterProvider)
	if err != nil {
		return err
	}

	runtime := serving.NewLocalRuntime()
	manager := tracing.NewTraceManager(runtime, traceOpts,
		tracing.WithLogger(logger),
		tracing.WithMetrics(collector),
	)

	mux := http.NewServeMux()
	api.NewTraceSettingsHandler(manager, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, manager, logger)
		if err != nil {
			logger.Warn("config watcher unavailable", slog.Any("error", err))
		} else {
			go watcher.Run(ctx)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", slog.String("addr", listenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin API shutdown", slog.Any("error", err))
	}

	// Releasing the manager flushes residual trace buffers and closes
	// trace files.
	manager.Shutdown()
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("meter provider shutdown", slog.Any("error", err))
	}
	return nil
}
