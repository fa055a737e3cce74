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
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/tombee/inferd/pkg/errors"
	"github.com/tombee/inferd/pkg/serving"
)

// TraceManager is the registry of global and per-model trace settings. It
// owns the update protocol (partial overrides inheriting from the global
// setting, which itself inherits from the immutable startup defaults), the
// sampling entry point, the shared trace-file cache, and the callbacks the
// host runtime invokes along a traced request's lifetime.
//
// The manager is always created, even when tracing starts disabled, so
// settings can be updated at runtime. No trace is sampled while the
// applicable setting is invalid.
type TraceManager struct {
	runtime   serving.Runtime
	callbacks serving.Callbacks
	copier    serving.DeviceCopier
	metrics   *MetricsCollector
	factory   SpanExporterFactory
	logger    *slog.Logger

	// wmu serializes updates; rmu guards the short sections that read or
	// swap the shared setting references so readers never observe a
	// half-updated registry.
	wmu sync.Mutex
	rmu sync.Mutex

	globalDefault      *TraceSetting
	globalSetting      *TraceSetting
	modelSettings      map[string]*TraceSetting
	fallbackUsedModels map[string]struct{}
	traceFiles         map[string]*TraceFile

	shutdown bool
}

// ManagerOption configures a TraceManager.
type ManagerOption func(*TraceManager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *TraceManager) { m.logger = logger }
}

// WithDeviceCopier installs the device-to-host copy hook used for tensors
// residing in GPU memory. Without it, GPU tensors are dropped with a log.
func WithDeviceCopier(copier serving.DeviceCopier) ManagerOption {
	return func(m *TraceManager) { m.copier = copier }
}

// WithMetrics installs a metrics collector recording sampler and flush
// activity.
func WithMetrics(collector *MetricsCollector) ManagerOption {
	return func(m *TraceManager) { m.metrics = collector }
}

// WithSpanExporterFactory overrides how OpenTelemetry span exporters are
// built, primarily for tests.
func WithSpanExporterFactory(factory SpanExporterFactory) ManagerOption {
	return func(m *TraceManager) { m.factory = factory }
}

// NewTraceManager creates a manager with the given startup defaults. Both
// the immutable default and the current global setting are initialized to
// those values with no field marked as specified.
func NewTraceManager(rt serving.Runtime, opts Options, mopts ...ManagerOption) *TraceManager {
	m := &TraceManager{
		runtime:            rt,
		logger:             slog.Default(),
		modelSettings:      make(map[string]*TraceSetting),
		fallbackUsedModels: make(map[string]struct{}),
		traceFiles:         make(map[string]*TraceFile),
	}
	for _, o := range mopts {
		o(m)
	}
	m.callbacks = serving.Callbacks{
		Activity: m.TraceActivity,
		Tensor:   m.TraceTensorActivity,
		Release:  m.TraceRelease,
	}

	// Startup options carry no specified bits regardless of what the
	// caller set.
	opts.LevelSpecified = false
	opts.RateSpecified = false
	opts.CountSpecified = false
	opts.LogFrequencySpecified = false
	opts.FilepathSpecified = false
	opts.ModeSpecified = false
	opts.ConfigMapSpecified = false

	file := newTraceFile(opts.Filepath)
	m.globalDefault = m.newSetting(opts, file)
	file.acquire()
	m.globalSetting = m.newSetting(opts, file)
	m.traceFiles[opts.Filepath] = file
	return m
}

func (m *TraceManager) newSetting(opts Options, file *TraceFile) *TraceSetting {
	s := newTraceSetting(opts, file)
	s.exporterFactory = m.factory
	s.metrics = m.metrics
	return s
}

// UpdateTraceSetting applies an update to the named model's setting, or to
// the global setting when modelName is empty. A global update is fanned
// out to every model that partially inherits from the global so those
// models see the change.
func (m *TraceManager) UpdateTraceSetting(modelName string, update Update) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()

	if err := m.updateTraceSetting(modelName, update); err != nil {
		return err
	}
	if modelName == "" {
		// Copy the set: the per-model update may modify it.
		fallbackModels := make([]string, 0, len(m.fallbackUsedModels))
		for name := range m.fallbackUsedModels {
			fallbackModels = append(fallbackModels, name)
		}
		for _, name := range fallbackModels {
			// An empty update re-derives the unspecified fields from the
			// new global setting.
			if err := m.updateTraceSetting(name, Update{}); err != nil {
				return err
			}
		}
	}
	return nil
}

// updateTraceSetting computes and installs one effective setting. Caller
// holds wmu.
func (m *TraceManager) updateTraceSetting(modelName string, update Update) error {
	var current, fallback *TraceSetting
	if modelName != "" {
		current = m.modelSettings[modelName]
		fallback = m.globalSetting
	} else {
		current = m.globalSetting
		fallback = m.globalDefault
	}

	// Two passes: start from the fallback values, then overlay the fields
	// that are specified by the current or new setting.
	opts := Options{
		Level:        fallback.level,
		Rate:         fallback.rate,
		Count:        fallback.Count(),
		LogFrequency: fallback.logFrequency,
		Filepath:     fallback.file.Name(),
		Mode:         fallback.mode,
		ConfigMap:    fallback.configMap,
	}

	// A field is specified unless cleared: it is specified if it is being
	// updated now, or was previously specified.
	opts.LevelSpecified = !update.ClearLevel &&
		((current != nil && current.levelSpecified) || update.Level != nil)
	opts.RateSpecified = !update.ClearRate &&
		((current != nil && current.rateSpecified) || update.Rate != nil)
	opts.CountSpecified = !update.ClearCount &&
		((current != nil && current.countSpecified) || update.Count != nil)
	opts.LogFrequencySpecified = !update.ClearLogFrequency &&
		((current != nil && current.logFrequencySpecified) || update.LogFrequency != nil)
	opts.FilepathSpecified = !update.ClearFilepath &&
		((current != nil && current.filepathSpecified) || update.Filepath != nil)
	opts.ModeSpecified = !update.ClearMode &&
		((current != nil && current.modeSpecified) || update.Mode != nil)
	opts.ConfigMapSpecified = !update.ClearConfigMap &&
		((current != nil && current.configMapSpecified) || update.ConfigMap != nil)

	if opts.LevelSpecified {
		if update.Level != nil {
			opts.Level = *update.Level
		} else {
			opts.Level = current.level
		}
	}
	if opts.RateSpecified {
		if update.Rate != nil {
			opts.Rate = *update.Rate
		} else {
			opts.Rate = current.rate
		}
	}
	if opts.CountSpecified {
		if update.Count != nil {
			opts.Count = *update.Count
		} else {
			opts.Count = current.Count()
		}
	}
	if opts.LogFrequencySpecified {
		if update.LogFrequency != nil {
			opts.LogFrequency = *update.LogFrequency
		} else {
			opts.LogFrequency = current.logFrequency
		}
	}
	if opts.FilepathSpecified {
		if update.Filepath != nil {
			opts.Filepath = *update.Filepath
		} else {
			opts.Filepath = current.file.Name()
		}
	}
	if opts.ModeSpecified {
		if update.Mode != nil {
			opts.Mode = *update.Mode
		} else {
			opts.Mode = current.mode
		}
	}
	if opts.ConfigMapSpecified {
		if update.ConfigMap != nil {
			opts.ConfigMap = update.ConfigMap
		} else {
			opts.ConfigMap = current.configMap
		}
	}

	if modelName != "" {
		allSpecified := opts.LevelSpecified && opts.RateSpecified &&
			opts.CountSpecified && opts.LogFrequencySpecified && opts.FilepathSpecified
		noneSpecified := !(opts.LevelSpecified || opts.RateSpecified ||
			opts.CountSpecified || opts.LogFrequencySpecified || opts.FilepathSpecified)
		if allSpecified {
			delete(m.fallbackUsedModels, modelName)
		} else if noneSpecified {
			// No override left: drop the entry, the model reverts to the
			// global setting.
			delete(m.fallbackUsedModels, modelName)
			m.rmu.Lock()
			old := m.modelSettings[modelName]
			delete(m.modelSettings, modelName)
			m.rmu.Unlock()
			if old != nil {
				old.release()
			}
			return nil
		} else {
			m.fallbackUsedModels[modelName] = struct{}{}
		}
	}

	file := m.lookupFile(opts.Filepath)
	setting := m.newSetting(opts, file)

	// The only invalid setting allowed is one that disables tracing.
	if !setting.Valid() && opts.Level != serving.LevelDisabled {
		setting.release()
		return &errors.ValidationError{
			Field:   "trace_setting",
			Message: setting.Reason(),
		}
	}

	// Swap the registry pointer instead of mutating the published setting
	// so in-flight traces keep the snapshot they were sampled under.
	m.rmu.Lock()
	var old *TraceSetting
	if modelName == "" {
		old = m.globalSetting
		m.globalSetting = setting
	} else {
		old = m.modelSettings[modelName]
		m.modelSettings[modelName] = setting
	}
	m.rmu.Unlock()
	if old != nil {
		old.release()
	}
	return nil
}

// lookupFile resolves a filepath through the weak file cache: a path maps
// to the same TraceFile instance as long as any setting still owns it; a
// dead entry is never resurrected. Caller holds wmu.
func (m *TraceManager) lookupFile(filepath string) *TraceFile {
	if file, ok := m.traceFiles[filepath]; ok {
		if file.acquire() {
			return file
		}
		delete(m.traceFiles, filepath)
	}
	file := newTraceFile(filepath)
	m.traceFiles[filepath] = file
	return file
}

// GetTraceSetting returns the setting that applies to the model: its own
// if one is installed, the global otherwise.
func (m *TraceManager) GetTraceSetting(modelName string) *TraceSetting {
	m.rmu.Lock()
	defer m.rmu.Unlock()
	if s, ok := m.modelSettings[modelName]; ok {
		return s
	}
	return m.globalSetting
}

// SampleTrace runs the sampler for one request candidate against the
// model's applicable setting. Returns nil when the request is not traced.
func (m *TraceManager) SampleTrace(modelName string) *Trace {
	m.rmu.Lock()
	setting := m.modelSettings[modelName]
	if setting == nil {
		setting = m.globalSetting
	}
	m.rmu.Unlock()

	tr := setting.SampleTrace(m.runtime, m.callbacks)
	if m.metrics != nil {
		m.metrics.RecordSample(modelName, tr != nil)
	}
	return tr
}

// Shutdown releases the registry's setting references, flushing any
// residual buffered fragments and closing trace files once the last
// in-flight trace releases its setting.
func (m *TraceManager) Shutdown() {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.shutdown {
		return
	}
	m.shutdown = true

	m.rmu.Lock()
	settings := []*TraceSetting{m.globalSetting, m.globalDefault}
	for _, s := range m.modelSettings {
		settings = append(settings, s)
	}
	m.globalSetting = nil
	m.globalDefault = nil
	m.modelSettings = make(map[string]*TraceSetting)
	m.fallbackUsedModels = make(map[string]struct{})
	m.rmu.Unlock()

	for _, s := range settings {
		if s != nil {
			s.release()
		}
	}
}

// TraceRelease is the host's release callback. The user value is shared
// with child traces, so the trace reference is dropped only when the root
// is released.
func (m *TraceManager) TraceRelease(h serving.Handle, userp any) {
	tr, ok := userp.(*Trace)
	if !ok {
		return
	}
	if h.ParentID() == 0 {
		tr.Release()
	}
}

// TraceActivity is the host's timestamp-activity callback. It may be
// called with different trace handles sharing the same user value; the
// activity of each handle is grouped under its own id for readable output.
func (m *TraceManager) TraceActivity(h serving.Handle, activity serving.Activity, timestampNS int64, userp any) {
	tr, ok := userp.(*Trace)
	if !ok {
		return
	}
	id := h.ID()

	tr.mu.Lock()
	defer tr.mu.Unlock()

	switch tr.setting.mode {
	case ModeTriton:
		ss := tr.streamFor(id)
		if ss == nil {
			return
		}
		// REQUEST_START carries the trace identity; serialize it ahead of
		// the activity event.
		if activity == serving.ActivityRequestStart {
			fmt.Fprintf(ss, `{"id":%d,"model_name":%q,"model_version":%d`, id, h.ModelName(), h.ModelVersion())
			if requestID := h.RequestID(); requestID != "" {
				fmt.Fprintf(ss, `,"request_id":%q`, requestID)
			}
			if parentID := h.ParentID(); parentID != 0 {
				fmt.Fprintf(ss, `,"parent_id":%d`, parentID)
			}
			ss.WriteString("},")
		}
		fmt.Fprintf(ss, `{"id":%d,"timestamps":[{"name":%q,"ns":%d}]}`, id, activity.String(), timestampNS)

	case ModeOpenTelemetry:
		ts := tr.wallClock(timestampNS)
		tr.ensureSpan(ts)
		if tr.span == nil {
			return
		}
		if activity == serving.ActivityRequestStart {
			tr.span.SetAttributes(
				attribute.String("triton.model_name", h.ModelName()),
				attribute.Int64("triton.model_version", h.ModelVersion()),
				attribute.Int64("triton.trace_parent_id", int64(h.ParentID())),
				attribute.String("triton.trace_request_id", h.RequestID()),
			)
		}
		tr.span.AddEvent(activity.String(),
			oteltrace.WithTimestamp(ts),
			oteltrace.WithAttributes(attribute.Int64("triton.steady_timestamp_ns", timestampNS)))
	}
}

// TraceTensorActivity is the host's tensor-activity callback. Device
// buffers are copied to host memory before serialization; tensor tracing
// is only supported in triton mode.
func (m *TraceManager) TraceTensorActivity(h serving.Handle, activity serving.Activity, tensor serving.Tensor, userp any) {
	if !activity.IsTensor() {
		m.logger.Error("unsupported activity for tensor tracing", "activity", activity.String())
		return
	}
	tr, ok := userp.(*Trace)
	if !ok {
		return
	}
	if tr.setting.mode == ModeOpenTelemetry {
		m.logger.Error("dropping tensor activity",
			"error", &errors.UnsupportedError{Operation: "tensor level tracing", Mode: tr.setting.mode.String()})
		return
	}

	data := tensor.Data
	if tensor.Memory == serving.MemoryGPU {
		if m.copier == nil {
			m.logger.Error("GPU buffer is unsupported", "tensor", tensor.Name)
			return
		}
		var err error
		data, err = m.copier.CopyToHost(tensor)
		if err != nil {
			m.logger.Error("failed copying tensor buffer into host memory", "tensor", tensor.Name, "error", err)
			return
		}
	}

	id := h.ID()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	ss := tr.streamFor(id)
	if ss == nil {
		return
	}
	appendTensorEvent(ss, id, activity, tensor, data)
}
