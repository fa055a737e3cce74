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
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tombee/inferd/pkg/serving"
)

// TraceSetting is one effective trace configuration snapshot plus the
// counters its sampler and batcher mutate. Configuration fields are
// immutable after construction; updates always build a new TraceSetting and
// swap the registry pointer, so in-flight traces keep referencing the
// snapshot they were sampled under.
//
// A TraceSetting is shared: the manager slot holds one reference and every
// in-flight Trace holds one. The last release flushes any buffered
// fragments and drops the file reference.
type TraceSetting struct {
	level        serving.Level
	rate         uint64
	logFrequency uint64
	mode         Mode
	configMap    ConfigMap
	file         *TraceFile

	levelSpecified        bool
	rateSpecified         bool
	countSpecified        bool
	logFrequencySpecified bool
	filepathSpecified     bool
	modeSpecified         bool
	configMapSpecified    bool

	invalidReason string

	exporterFactory SpanExporterFactory
	metrics         *MetricsCollector

	refs atomic.Int32

	mu             sync.Mutex
	count          int64 // remaining budget; negative means unlimited
	sample         uint64
	created        uint64
	collected      uint64
	sampleInStream uint64
	traceStream    bytes.Buffer
}

// newTraceSetting builds a setting from an effective Options snapshot and a
// file the setting takes ownership of one reference to. The returned
// setting carries one reference for its registry slot.
func newTraceSetting(opts Options, file *TraceFile) *TraceSetting {
	s := &TraceSetting{
		level:                 opts.Level,
		rate:                  opts.Rate,
		logFrequency:          opts.LogFrequency,
		mode:                  opts.Mode,
		configMap:             opts.ConfigMap.Clone(),
		file:                  file,
		levelSpecified:        opts.LevelSpecified,
		rateSpecified:         opts.RateSpecified,
		countSpecified:        opts.CountSpecified,
		logFrequencySpecified: opts.LogFrequencySpecified,
		filepathSpecified:     opts.FilepathSpecified,
		modeSpecified:         opts.ModeSpecified,
		configMapSpecified:    opts.ConfigMapSpecified,
		count:                 opts.Count,
	}
	s.refs.Store(1)
	switch {
	case s.level == serving.LevelDisabled:
		s.invalidReason = "tracing is disabled"
	case s.rate == 0:
		s.invalidReason = "sample rate must be non-zero"
	case s.mode == ModeTriton && file.Name() == "":
		s.invalidReason = "trace file name is not given"
	}
	return s
}

// Valid reports whether the setting can sample traces.
func (s *TraceSetting) Valid() bool {
	return s.invalidReason == ""
}

// Reason returns why the setting is invalid, or "" when it is valid.
func (s *TraceSetting) Reason() string {
	return s.invalidReason
}

// Level returns the capture level.
func (s *TraceSetting) Level() serving.Level { return s.level }

// Rate returns the sampling rate.
func (s *TraceSetting) Rate() uint64 { return s.rate }

// Count returns the remaining trace budget; negative means unlimited.
func (s *TraceSetting) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// LogFrequency returns the indexed-flush frequency; 0 disables it.
func (s *TraceSetting) LogFrequency() uint64 { return s.logFrequency }

// Filepath returns the output file path.
func (s *TraceSetting) Filepath() string { return s.file.Name() }

// Mode returns the emission mode.
func (s *TraceSetting) Mode() Mode { return s.mode }

// ConfigMap returns a copy of the mode-specific options.
func (s *TraceSetting) ConfigMap() ConfigMap { return s.configMap.Clone() }

// acquire adds a reference; traces sampled under this setting hold one.
func (s *TraceSetting) acquire() {
	s.refs.Add(1)
}

// release drops a reference. The last release flushes residual buffered
// fragments (indexed iff a log frequency is set) and releases the file.
func (s *TraceSetting) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	s.mu.Lock()
	var residue []byte
	if s.mode == ModeTriton && s.sampleInStream != 0 {
		residue = append(residue, s.traceStream.Bytes()...)
		s.sampleInStream = 0
		s.traceStream.Reset()
	}
	s.mu.Unlock()
	if residue != nil {
		s.file.SaveTraces(residue, s.logFrequency != 0)
	}
	s.file.release()
}

// SampleTrace runs the sampler for one request candidate. One in every
// rate candidates is admitted, up to the remaining count budget. On
// admission it asks the host runtime for an inference-trace handle bound to
// the new Trace and, in OpenTelemetry mode, initializes the per-trace
// exporter. Returns nil when the candidate is not traced.
func (s *TraceSetting) SampleTrace(rt serving.Runtime, cb serving.Callbacks) *Trace {
	s.mu.Lock()
	if !s.Valid() {
		s.mu.Unlock()
		return nil
	}
	s.sample++
	create := s.sample%s.rate == 0
	if create {
		switch {
		case s.count > 0:
			s.count--
			s.created++
		case s.count == 0:
			// budget exhausted; candidates keep counting but no trace
			create = false
		}
	}
	s.mu.Unlock()
	if !create {
		return nil
	}

	tr := newTrace(s)
	handle, err := rt.NewTrace(s.level, cb, tr)
	if err != nil {
		slog.Error("failed creating inference trace handle", "error", err)
		return nil
	}
	tr.handle = handle
	tr.id = handle.ID()
	if s.mode == ModeOpenTelemetry {
		tr.initTracer(s.configMap, s.exporterFactory)
	}
	s.acquire()
	return tr
}

// WriteTrace accepts the buffered fragment streams of one finished root
// trace and appends them to the accumulating stream. When the flush policy
// is satisfied (budget drained and everything collected, or log frequency
// reached) the accumulated buffer is handed to the file as an indexed
// flush, outside the setting lock.
func (s *TraceSetting) WriteTrace(streams map[uint64]*bytes.Buffer) {
	s.mu.Lock()

	if s.sampleInStream != 0 {
		s.traceStream.WriteByte(',')
	}
	s.sampleInStream++
	s.collected++

	// Sub-trace order within a root is unspecified; sort by id so output
	// is stable per flush.
	ids := make([]uint64, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if i > 0 {
			s.traceStream.WriteByte(',')
		}
		s.traceStream.Write(streams[id].Bytes())
	}

	// Flush when the budget is drained and everything we will ever collect
	// has been collected, or when log_frequency samples are buffered.
	flush := (s.count == 0 && s.collected == s.sample) ||
		(s.logFrequency != 0 && s.sampleInStream >= s.logFrequency)
	var flushed []byte
	if flush {
		flushed = make([]byte, s.traceStream.Len())
		copy(flushed, s.traceStream.Bytes())
		s.sampleInStream = 0
		s.traceStream.Reset()
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordCollected(s.file.Name())
		if flush {
			s.metrics.RecordFlush(s.file.Name())
		}
	}
	if flush {
		s.file.SaveTraces(flushed, true)
	}
}
