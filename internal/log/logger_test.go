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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("trace sampled", ModelKey, "resnet", TraceIDKey, uint64(7))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace sampled", entry["msg"])
	assert.Equal(t, "resnet", entry["model"])
	assert.Equal(t, float64(7), entry["trace_id"])
}

func TestNewTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})

	logger.Info("flushed trace file", FileKey, "t.json")
	assert.Contains(t, buf.String(), "file=t.json")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "shown")
}

func TestLevelFromName(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, levelFromName("debug"))
	assert.Equal(t, slog.LevelInfo, levelFromName("info"))
	assert.Equal(t, slog.LevelWarn, levelFromName("warning"))
	assert.Equal(t, slog.LevelError, levelFromName("error"))
	assert.Equal(t, slog.LevelInfo, levelFromName("bogus"))
}

func TestFromEnvDebug(t *testing.T) {
	t.Setenv("INFERD_DEBUG", "1")
	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestFromEnvLevelPrecedence(t *testing.T) {
	t.Setenv("INFERD_DEBUG", "")
	t.Setenv("INFERD_LOG_LEVEL", "warn")
	t.Setenv("LOG_LEVEL", "error")
	cfg := FromEnv()
	assert.Equal(t, "warn", cfg.Level)
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithComponent(logger, "tracing").Info("ready")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tracing", entry["component"])
}
