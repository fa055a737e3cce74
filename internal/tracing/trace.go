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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/tombee/inferd/pkg/serving"
)

// Trace aggregates the activity of one sampled request. The host's root
// trace handle and all its children share this object as their user value,
// so activities from nested traces land in one place, keyed by sub-trace
// id. The Trace binds back to the TraceSetting it was sampled under and
// keeps using it even if the registry replaces that setting afterwards.
//
// Two references exist: the serving frontend that sampled the trace and
// the host's root handle. When both are released the trace finishes,
// flushing its buffered fragments (triton mode) or ending its span
// (opentelemetry mode).
type Trace struct {
	setting *TraceSetting
	handle  serving.Handle
	id      uint64

	// timeOffset translates the host's steady-clock timestamps to
	// wall-clock, captured once at creation so events do not drift.
	timeOffset int64

	refs atomic.Int32

	mu      sync.Mutex
	streams map[uint64]*bytes.Buffer

	provider *sdktrace.TracerProvider
	span     oteltrace.Span
}

func newTrace(setting *TraceSetting) *Trace {
	tr := &Trace{
		setting:    setting,
		timeOffset: time.Now().UnixNano() - serving.SteadyNow(),
		streams:    make(map[uint64]*bytes.Buffer),
	}
	tr.refs.Store(2)
	return tr
}

// Handle returns the host inference-trace handle bound to this trace.
func (t *Trace) Handle() serving.Handle {
	return t.handle
}

// ID returns the root trace id assigned by the host.
func (t *Trace) ID() uint64 {
	return t.id
}

// Setting returns the setting snapshot this trace was sampled under.
func (t *Trace) Setting() *TraceSetting {
	return t.setting
}

// Release drops one of the trace's two references (frontend and host
// root). The last release finishes the trace.
func (t *Trace) Release() {
	if t.refs.Add(-1) != 0 {
		return
	}
	t.finish()
}

func (t *Trace) finish() {
	switch t.setting.mode {
	case ModeTriton:
		t.mu.Lock()
		streams := t.streams
		t.streams = nil
		t.mu.Unlock()
		t.setting.WriteTrace(streams)
	case ModeOpenTelemetry:
		t.endSpan()
	}
	t.setting.release()
}

// CaptureTimestamp records a named timestamp on the root trace. Frontends
// use it for events outside the host's activity set (request receive,
// response send). No-op unless the level includes timestamps.
func (t *Trace) CaptureTimestamp(name string, timestampNS int64) {
	if !t.setting.level.Has(serving.LevelTimestamps) {
		return
	}
	switch t.setting.mode {
	case ModeTriton:
		t.mu.Lock()
		defer t.mu.Unlock()
		ss := t.streamFor(t.id)
		if ss == nil {
			return
		}
		fmt.Fprintf(ss, `{"id":%d,"timestamps":[{"name":%q,"ns":%d}]}`, t.id, name, timestampNS)
	case ModeOpenTelemetry:
		t.mu.Lock()
		defer t.mu.Unlock()
		ts := t.wallClock(timestampNS)
		t.ensureSpan(ts)
		if t.span == nil {
			return
		}
		t.span.AddEvent(name,
			oteltrace.WithTimestamp(ts),
			oteltrace.WithAttributes(attribute.Int64("triton.steady_timestamp_ns", timestampNS)))
	}
}

// streamFor returns the fragment buffer for a sub-trace id, creating it on
// first use and writing the separating "," when content already exists.
// Callers must hold t.mu. Returns nil once the trace has finished.
func (t *Trace) streamFor(id uint64) *bytes.Buffer {
	if t.streams == nil {
		return nil
	}
	ss, ok := t.streams[id]
	if !ok {
		ss = &bytes.Buffer{}
		t.streams[id] = ss
	} else {
		ss.WriteByte(',')
	}
	return ss
}

// wallClock translates a host steady-clock timestamp to wall-clock time.
func (t *Trace) wallClock(timestampNS int64) time.Time {
	return time.Unix(0, t.timeOffset+timestampNS)
}

// initTracer builds the per-trace OTLP exporter and tracer provider from
// the opentelemetry options of the setting's config map. Failures are
// logged and leave the trace span-less; events are then dropped.
func (t *Trace) initTracer(cfg ConfigMap, factory SpanExporterFactory) {
	if factory == nil {
		factory = newSpanExporter
	}
	opts := cfg[ModeOpenTelemetry.String()]
	exporter, err := factory(context.Background(), opts)
	if err != nil {
		slog.Error("failed creating span exporter", "error", err)
		return
	}
	t.provider = newTracerProvider(exporter)
}

// ensureSpan lazily opens the trace's span at the given wall-clock start.
// Callers must hold t.mu.
func (t *Trace) ensureSpan(start time.Time) {
	if t.span != nil || t.provider == nil {
		return
	}
	_, span := t.provider.Tracer(tracerName).Start(context.Background(), "InferRequest",
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithTimestamp(start))
	t.span = span
}

// endSpan ends the span if one was opened and shuts the provider down to
// flush it to the exporter.
func (t *Trace) endSpan() {
	t.mu.Lock()
	span := t.span
	provider := t.provider
	t.span = nil
	t.provider = nil
	t.mu.Unlock()

	if span != nil {
		span.End()
	}
	if provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("failed shutting down tracer provider", "error", err)
		}
	}
}
