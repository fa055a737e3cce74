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

package tracing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector records sampler and persistence activity. Counters are
// registered through the OpenTelemetry metric API and exported via the
// Prometheus bridge.
type MetricsCollector struct {
	samples   metric.Int64Counter
	created   metric.Int64Counter
	collected metric.Int64Counter
	flushes   metric.Int64Counter
}

// NewMetricsCollector creates a collector on the given meter provider.
func NewMetricsCollector(mp metric.MeterProvider) (*MetricsCollector, error) {
	meter := mp.Meter("inferd.tracing")

	samples, err := meter.Int64Counter("inferd_trace_samples_total",
		metric.WithDescription("Trace sample candidates seen"))
	if err != nil {
		return nil, fmt.Errorf("failed to create samples counter: %w", err)
	}
	created, err := meter.Int64Counter("inferd_traces_created_total",
		metric.WithDescription("Traces admitted by the sampler"))
	if err != nil {
		return nil, fmt.Errorf("failed to create created counter: %w", err)
	}
	collected, err := meter.Int64Counter("inferd_traces_collected_total",
		metric.WithDescription("Finished traces accepted into a setting's buffer"))
	if err != nil {
		return nil, fmt.Errorf("failed to create collected counter: %w", err)
	}
	flushes, err := meter.Int64Counter("inferd_trace_flushes_total",
		metric.WithDescription("Indexed trace-file flushes"))
	if err != nil {
		return nil, fmt.Errorf("failed to create flushes counter: %w", err)
	}

	return &MetricsCollector{
		samples:   samples,
		created:   created,
		collected: collected,
		flushes:   flushes,
	}, nil
}

// RecordSample counts one sampler candidate, and the admitted trace if
// the candidate was sampled.
func (c *MetricsCollector) RecordSample(model string, created bool) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("model", model))
	c.samples.Add(ctx, 1, attrs)
	if created {
		c.created.Add(ctx, 1, attrs)
	}
}

// RecordCollected counts one finished trace whose fragments were accepted
// into its setting's accumulating buffer.
func (c *MetricsCollector) RecordCollected(file string) {
	c.collected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("file", file)))
}

// RecordFlush counts one indexed flush of a trace file.
func (c *MetricsCollector) RecordFlush(file string) {
	c.flushes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("file", file)))
}

// NewMetricsProvider builds a meter provider backed by the Prometheus
// exporter and the HTTP handler exposing its registry at /metrics.
func NewMetricsProvider() (*sdkmetric.MeterProvider, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return mp, promhttp.Handler(), nil
}
