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
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const tracerName = "inferd"

// Recognized opentelemetry config-map options. Unknown keys are ignored.
const (
	// otelOptionURL overrides the collector endpoint URL.
	otelOptionURL = "url"
	// otelOptionProtocol selects the exporter transport: "http" (default),
	// "grpc", or "stdout" for local debugging.
	otelOptionProtocol = "protocol"
)

// SpanExporterFactory builds a span exporter from the opentelemetry
// options of a config map. Tests inject an in-memory factory.
type SpanExporterFactory func(ctx context.Context, opts map[string]string) (sdktrace.SpanExporter, error)

// newSpanExporter is the default factory: an OTLP/HTTP exporter, or the
// transport selected by the "protocol" option.
func newSpanExporter(ctx context.Context, opts map[string]string) (sdktrace.SpanExporter, error) {
	url := opts[otelOptionURL]
	switch opts[otelOptionProtocol] {
	case "", "http":
		var httpOpts []otlptracehttp.Option
		if url != "" {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpointURL(url))
		}
		exporter, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
		return exporter, nil

	case "grpc":
		var grpcOpts []otlptracegrpc.Option
		if url != "" {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpointURL(url))
		}
		exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
		return exporter, nil

	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exporter, nil

	default:
		return nil, fmt.Errorf("unknown exporter protocol %q", opts[otelOptionProtocol])
	}
}

// newTracerProvider wraps an exporter in a tracer provider carrying the
// inferd service resource. Spans are processed synchronously so a trace's
// span reaches the exporter as part of ending it.
func newTracerProvider(exporter sdktrace.SpanExporter) *sdktrace.TracerProvider {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"", // empty schema URL to avoid merge conflicts
			semconv.ServiceName("inferd"),
		),
	)
	if err != nil {
		res = resource.Default()
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
	)
}
