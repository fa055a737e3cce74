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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/inferd/internal/config"
	"github.com/tombee/inferd/internal/log"
	"github.com/tombee/inferd/internal/tracing"
	"github.com/tombee/inferd/pkg/serving"
)

// newSimulateCommand fires synthetic inference requests through the
// tracing subsystem so its output can be inspected without a model
// backend. Useful for verifying a trace configuration before deploying.
func newSimulateCommand() *cobra.Command {
	var (
		configPath string
		model      string
		count      int
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Fire synthetic requests through the tracing subsystem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(configPath, model, count, interval)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	cmd.Flags().StringVar(&model, "model", "simulated", "Model name to trace against")
	cmd.Flags().IntVar(&count, "count", 10, "Number of synthetic requests")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between requests")
	return cmd
}

func runSimulate(configPath, model string, count int, interval time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	traceOpts, err := cfg.Trace.Options()
	if err != nil {
		return err
	}

	runtime := serving.NewLocalRuntime()
	manager := tracing.NewTraceManager(runtime, traceOpts, tracing.WithLogger(logger))
	defer manager.Shutdown()

	sampled := 0
	for i := 0; i < count; i++ {
		if tr := manager.SampleTrace(model); tr != nil {
			sampled++
			handle := tr.Handle().(*serving.LocalTrace)
			handle.BeginRequest(model, 1, uuid.NewString(), serving.SteadyNow())
			handle.ReportActivity(serving.ActivityQueueStart, serving.SteadyNow())
			handle.ReportActivity(serving.ActivityComputeStart, serving.SteadyNow())
			handle.ReportActivity(serving.ActivityComputeEnd, serving.SteadyNow())
			handle.ReportActivity(serving.ActivityRequestEnd, serving.SteadyNow())
			handle.Release()
			tr.Release()
		}
		if interval > 0 {
			time.Sleep(interval)
		}
	}

	fmt.Printf("fired %d requests, %d sampled\n", count, sampled)
	return nil
}
