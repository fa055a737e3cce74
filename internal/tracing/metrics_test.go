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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tombee/inferd/pkg/serving"
)

func newManagerWithMetrics(t *testing.T, collector *MetricsCollector) *TraceManager {
	t.Helper()
	return NewTraceManager(serving.NewLocalRuntime(), Options{
		Level:    serving.LevelTimestamps,
		Rate:     2,
		Count:    -1,
		Filepath: filepath.Join(t.TempDir(), "t.json"),
		Mode:     ModeTriton,
	}, WithMetrics(collector))
}

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			sums[m.Name] = total
		}
	}
	return sums
}

func TestMetricsCollectorCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	collector, err := NewMetricsCollector(mp)
	require.NoError(t, err)

	collector.RecordSample("resnet", false)
	collector.RecordSample("resnet", true)
	collector.RecordSample("bert", false)
	collector.RecordCollected("t.json")
	collector.RecordCollected("t.json")
	collector.RecordFlush("t.json")

	sums := collectSums(t, reader)
	assert.Equal(t, int64(3), sums["inferd_trace_samples_total"])
	assert.Equal(t, int64(1), sums["inferd_traces_created_total"])
	assert.Equal(t, int64(2), sums["inferd_traces_collected_total"])
	assert.Equal(t, int64(1), sums["inferd_trace_flushes_total"])
}

func TestManagerRecordsSamples(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	collector, err := NewMetricsCollector(mp)
	require.NoError(t, err)

	m := newManagerWithMetrics(t, collector)
	defer m.Shutdown()

	for i := 0; i < 4; i++ {
		if tr := m.SampleTrace("m"); tr != nil {
			tr.Handle().(*serving.LocalTrace).Release()
			tr.Release()
		}
	}

	sums := collectSums(t, reader)
	assert.Equal(t, int64(4), sums["inferd_trace_samples_total"])
	assert.Equal(t, int64(2), sums["inferd_traces_created_total"])
	assert.Equal(t, int64(2), sums["inferd_traces_collected_total"], "each released trace is collected")
}
