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

/*
Package tracing samples inference requests and records their lifecycle.

A TraceManager holds the global trace setting, per-model overrides, and a
cache of shared trace files. The serving path asks it to sample each
request; admitted requests get a Trace that aggregates timestamped
activities and optional tensor payloads delivered through host-runtime
callbacks, across the root trace and any nested children.

# Overview

The package supports:

  - Deterministic 1-in-N sampling with an optional total budget
  - Per-model settings partially inheriting from the global setting
  - Hot reconfiguration while traffic is in flight; sampled traces keep
    the setting snapshot they were admitted under
  - JSON trace persistence to a growing aggregate file or indexed files
    rotated by log frequency
  - Span export to an OTLP collector (HTTP by default, gRPC or stdout by
    config)

# Quick Start

Create a manager with startup defaults and sample a request:

	manager := tracing.NewTraceManager(runtime, tracing.Options{
	    Level:    serving.LevelTimestamps,
	    Rate:     1000,
	    Count:    -1,
	    Filepath: "trace.json",
	    Mode:     tracing.ModeTriton,
	})

	if tr := manager.SampleTrace("resnet50"); tr != nil {
	    defer tr.Release()
	    // drive the request through the host runtime; activities arrive
	    // via the manager's callbacks
	}

Update a model's setting while serving:

	rate := uint64(100)
	err := manager.UpdateTraceSetting("resnet50", tracing.Update{Rate: &rate})

Clearing a field restores inheritance from the global setting:

	err = manager.UpdateTraceSetting("resnet50", tracing.Update{ClearRate: true})

# Key Components

  - TraceManager: setting registry, update protocol, sampling entry point
  - TraceSetting: one effective configuration snapshot plus its sampler
  - Trace: per-sampled-request aggregator bound to its setting
  - TraceFile: shared append-only JSON writer, aggregate or indexed
  - MetricsCollector: sampler and flush counters via the Prometheus bridge
*/
package tracing
