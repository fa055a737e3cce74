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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/inferd/pkg/serving"
)

func newSettingForTest(t *testing.T, opts Options) *TraceSetting {
	t.Helper()
	if opts.Filepath == "" && opts.Mode == ModeTriton {
		opts.Filepath = filepath.Join(t.TempDir(), "t.json")
	}
	return newTraceSetting(opts, newTraceFile(opts.Filepath))
}

func TestTraceSettingValidity(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		reason string
	}{
		{
			name:   "disabled",
			opts:   Options{Level: serving.LevelDisabled, Rate: 1, Count: -1},
			reason: "tracing is disabled",
		},
		{
			name:   "zero rate",
			opts:   Options{Level: serving.LevelTimestamps, Rate: 0, Count: -1},
			reason: "sample rate must be non-zero",
		},
		{
			name: "triton without file",
			opts: Options{Level: serving.LevelTimestamps, Rate: 1, Count: -1,
				Mode: ModeTriton},
			reason: "trace file name is not given",
		},
		{
			name: "valid",
			opts: Options{Level: serving.LevelTimestamps, Rate: 1, Count: -1,
				Mode: ModeTriton, Filepath: "trace.json"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTraceSetting(tt.opts, newTraceFile(tt.opts.Filepath))
			if tt.reason == "" {
				assert.True(t, s.Valid())
				assert.Empty(t, s.Reason())
			} else {
				assert.False(t, s.Valid())
				assert.Equal(t, tt.reason, s.Reason())
			}
		})
	}
}

func TestSampleTraceRateAndCount(t *testing.T) {
	tests := []struct {
		rate       uint64
		count      int64
		candidates int
		want       int
	}{
		{rate: 1, count: -1, candidates: 5, want: 5},
		{rate: 2, count: -1, candidates: 10, want: 5},
		{rate: 3, count: -1, candidates: 10, want: 3},
		{rate: 2, count: 3, candidates: 10, want: 3},
		{rate: 1, count: 0, candidates: 10, want: 0},
		{rate: 4, count: 1, candidates: 16, want: 1},
	}
	rt := serving.NewLocalRuntime()
	for _, tt := range tests {
		t.Run(fmt.Sprintf("rate=%d,count=%d,n=%d", tt.rate, tt.count, tt.candidates), func(t *testing.T) {
			s := newSettingForTest(t, Options{
				Level: serving.LevelTimestamps,
				Rate:  tt.rate,
				Count: tt.count,
				Mode:  ModeTriton,
			})
			got := 0
			for i := 0; i < tt.candidates; i++ {
				if tr := s.SampleTrace(rt, serving.Callbacks{}); tr != nil {
					got++
					// Drop both references so the trace finishes.
					tr.Release()
					tr.Release()
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSampleTraceInvalidSettingSamplesNothing(t *testing.T) {
	s := newSettingForTest(t, Options{Level: serving.LevelDisabled, Rate: 1, Count: -1, Mode: ModeTriton})
	rt := serving.NewLocalRuntime()
	for i := 0; i < 5; i++ {
		assert.Nil(t, s.SampleTrace(rt, serving.Callbacks{}))
	}
}

func TestSampleTraceHostFailureAbandonsSample(t *testing.T) {
	s := newSettingForTest(t, Options{Level: serving.LevelTimestamps, Rate: 1, Count: -1, Mode: ModeTriton})
	assert.Nil(t, s.SampleTrace(failingRuntime{}, serving.Callbacks{}))
}

type failingRuntime struct{}

func (failingRuntime) NewTrace(level serving.Level, cb serving.Callbacks, userp any) (serving.Handle, error) {
	return nil, fmt.Errorf("trace handles exhausted")
}

func TestWriteTraceFlushOnLogFrequency(t *testing.T) {
	s := newSettingForTest(t, Options{
		Level:        serving.LevelTimestamps,
		Rate:         1,
		Count:        -1,
		LogFrequency: 2,
		Mode:         ModeTriton,
	})

	for i := 1; i <= 5; i++ {
		s.WriteTrace(map[uint64]*bytes.Buffer{
			uint64(i): bytes.NewBufferString(fmt.Sprintf(`{"id":%d}`, i)),
		})
	}

	first, err := os.ReadFile(s.Filepath() + ".0")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1},{"id":2}]`, string(first))

	second, err := os.ReadFile(s.Filepath() + ".1")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":3},{"id":4}]`, string(second))

	// Fifth trace is still buffered until release.
	_, err = os.Stat(s.Filepath() + ".2")
	assert.True(t, os.IsNotExist(err))

	s.release()
	third, err := os.ReadFile(s.Filepath() + ".2")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":5}]`, string(third))
}

func TestWriteTraceFlushOnCountDrained(t *testing.T) {
	rt := serving.NewLocalRuntime()
	s := newSettingForTest(t, Options{
		Level: serving.LevelTimestamps,
		Rate:  1,
		Count: 2,
		Mode:  ModeTriton,
	})

	var traces []*Trace
	for i := 0; i < 2; i++ {
		tr := s.SampleTrace(rt, serving.Callbacks{})
		require.NotNil(t, tr)
		traces = append(traces, tr)
	}
	require.Equal(t, int64(0), s.Count())

	for i, tr := range traces {
		tr.mu.Lock()
		ss := tr.streamFor(tr.ID())
		fmt.Fprintf(ss, `{"id":%d}`, i+1)
		tr.mu.Unlock()
		tr.Release()
		tr.Release()
	}

	// Budget drained and everything collected: flushed to an indexed file.
	content, err := os.ReadFile(s.Filepath() + ".0")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1},{"id":2}]`, string(content))
}

func TestSettingReleaseFlushesResidueToAggregate(t *testing.T) {
	s := newSettingForTest(t, Options{
		Level: serving.LevelTimestamps,
		Rate:  1,
		Count: -1,
		Mode:  ModeTriton,
	})

	s.WriteTrace(map[uint64]*bytes.Buffer{1: bytes.NewBufferString(`{"id":1}`)})
	s.release()

	// log_frequency is zero, so the residue lands in the aggregate file.
	content, err := os.ReadFile(s.Filepath())
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1}]`, string(content))
}

func TestWriteTraceConcatenatesSubTraceStreams(t *testing.T) {
	s := newSettingForTest(t, Options{
		Level:        serving.LevelTimestamps,
		Rate:         1,
		Count:        -1,
		LogFrequency: 1,
		Mode:         ModeTriton,
	})

	s.WriteTrace(map[uint64]*bytes.Buffer{
		2: bytes.NewBufferString(`{"id":2}`),
		1: bytes.NewBufferString(`{"id":1}`),
	})

	content, err := os.ReadFile(s.Filepath() + ".0")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1},{"id":2}]`, string(content))
}
