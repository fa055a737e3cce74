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
	"strings"

	"github.com/tombee/inferd/pkg/serving"
)

// Mode selects how collected trace data leaves the process.
type Mode int

const (
	// ModeTriton persists traces as JSON fragments to the aggregate trace
	// file or to indexed files.
	ModeTriton Mode = iota
	// ModeOpenTelemetry exports traces as spans to an OTLP collector.
	ModeOpenTelemetry
)

// String returns the mode identifier used in config maps and wire formats.
func (m Mode) String() string {
	switch m {
	case ModeTriton:
		return "triton"
	case ModeOpenTelemetry:
		return "opentelemetry"
	}
	return "<unknown>"
}

// ParseMode converts a mode identifier to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "triton":
		return ModeTriton, nil
	case "opentelemetry", "otel":
		return ModeOpenTelemetry, nil
	}
	return ModeTriton, fmt.Errorf("unknown trace mode %q", s)
}

// ConfigMap carries mode-specific options, keyed by mode identifier then
// option name. Unknown keys are ignored by consumers.
type ConfigMap map[string]map[string]string

// Clone returns a deep copy.
func (c ConfigMap) Clone() ConfigMap {
	if c == nil {
		return nil
	}
	out := make(ConfigMap, len(c))
	for mode, opts := range c {
		inner := make(map[string]string, len(opts))
		for k, v := range opts {
			inner[k] = v
		}
		out[mode] = inner
	}
	return out
}

// Options is one effective trace configuration. The Specified bits record
// which fields are explicit overrides as opposed to inherited values; they
// drive the partial-inheritance algebra in the manager.
type Options struct {
	Level        serving.Level
	Rate         uint64
	Count        int64
	LogFrequency uint64
	Filepath     string
	Mode         Mode
	ConfigMap    ConfigMap

	LevelSpecified        bool
	RateSpecified         bool
	CountSpecified        bool
	LogFrequencySpecified bool
	FilepathSpecified     bool
	ModeSpecified         bool
	ConfigMapSpecified    bool
}

// Update carries one trace-setting update. For every field the caller
// either supplies a new value, requests a clear (drop the override and
// restore inheritance), or leaves the field untouched.
type Update struct {
	Level        *serving.Level
	Rate         *uint64
	Count        *int64
	LogFrequency *uint64
	Filepath     *string
	Mode         *Mode
	ConfigMap    ConfigMap // nil means untouched

	ClearLevel        bool
	ClearRate         bool
	ClearCount        bool
	ClearLogFrequency bool
	ClearFilepath     bool
	ClearMode         bool
	ClearConfigMap    bool
}

// ParseLevels converts wire-format level names to a Level bitmask.
// An empty list or the single name "DISABLED"/"OFF" disables tracing.
func ParseLevels(names []string) (serving.Level, error) {
	level := serving.LevelDisabled
	for _, name := range names {
		switch strings.ToUpper(name) {
		case "TIMESTAMPS":
			level |= serving.LevelTimestamps
		case "TENSORS":
			level |= serving.LevelTensors
		case "DISABLED", "OFF":
			// explicit disable contributes no bits
		default:
			return serving.LevelDisabled, fmt.Errorf("unknown trace level %q", name)
		}
	}
	return level, nil
}

// LevelNames converts a Level bitmask to its wire-format names.
func LevelNames(level serving.Level) []string {
	if level == serving.LevelDisabled {
		return []string{"OFF"}
	}
	var names []string
	if level.Has(serving.LevelTimestamps) {
		names = append(names, "TIMESTAMPS")
	}
	if level.Has(serving.LevelTensors) {
		names = append(names, "TENSORS")
	}
	return names
}
