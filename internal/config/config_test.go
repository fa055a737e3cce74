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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/inferd/internal/tracing"
	"github.com/tombee/inferd/pkg/errors"
	"github.com/tombee/inferd/pkg/serving"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inferd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8001", cfg.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:9000
log:
  level: debug
  format: text
trace:
  level: [TIMESTAMPS, TENSORS]
  rate: 100
  count: 500
  log_frequency: 20
  file: /tmp/trace.json
  mode: triton
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)

	opts, err := cfg.Trace.Options()
	require.NoError(t, err)
	assert.Equal(t, serving.LevelTimestamps|serving.LevelTensors, opts.Level)
	assert.Equal(t, uint64(100), opts.Rate)
	assert.Equal(t, int64(500), opts.Count)
	assert.Equal(t, uint64(20), opts.LogFrequency)
	assert.Equal(t, "/tmp/trace.json", opts.Filepath)
	assert.Equal(t, tracing.ModeTriton, opts.Mode)
}

func TestOptionsDefaultsForAbsentFields(t *testing.T) {
	path := writeConfig(t, `
trace:
  level: [TIMESTAMPS]
  file: trace.json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	opts, err := cfg.Trace.Options()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), opts.Rate)
	assert.Equal(t, int64(-1), opts.Count)
	assert.Equal(t, uint64(0), opts.LogFrequency)
	assert.Equal(t, tracing.ModeTriton, opts.Mode)
}

func TestOptionsOpenTelemetry(t *testing.T) {
	path := writeConfig(t, `
trace:
  level: [TIMESTAMPS]
  mode: opentelemetry
  opentelemetry:
    url: http://collector:4318
    protocol: http
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	opts, err := cfg.Trace.Options()
	require.NoError(t, err)
	assert.Equal(t, tracing.ModeOpenTelemetry, opts.Mode)
	assert.Equal(t, "http://collector:4318", opts.ConfigMap["opentelemetry"]["url"])
}

func TestOptionsRejectsUnknownLevel(t *testing.T) {
	path := writeConfig(t, `
trace:
  level: [VERBOSE]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.Trace.Options()
	require.Error(t, err)
	var cerr *errors.ConfigError
	assert.True(t, errors.As(err, &cerr))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	var cerr *errors.ConfigError
	assert.True(t, errors.As(err, &cerr))
}

func TestUpdateSetsPresentAndClearsAbsent(t *testing.T) {
	path := writeConfig(t, `
trace:
  rate: 25
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	update, err := cfg.Trace.Update()
	require.NoError(t, err)
	require.NotNil(t, update.Rate)
	assert.Equal(t, uint64(25), *update.Rate)
	assert.True(t, update.ClearLevel)
	assert.True(t, update.ClearCount)
	assert.True(t, update.ClearLogFrequency)
	assert.True(t, update.ClearFilepath)
	assert.True(t, update.ClearMode)
	assert.True(t, update.ClearConfigMap)
}
