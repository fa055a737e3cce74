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

// Package config loads the daemon configuration from YAML and maps its
// trace section onto the tracing subsystem's options.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tombee/inferd/internal/tracing"
	"github.com/tombee/inferd/pkg/errors"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the admin API address.
	Listen string `yaml:"listen"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// Trace configures the inference tracing subsystem.
	Trace TraceConfig `yaml:"trace"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	Format string `yaml:"format"`
}

// TraceConfig is the trace section. Pointer fields distinguish a value
// present in the file from an absent one: at startup absent fields take
// defaults, on reload absent fields clear the corresponding override.
type TraceConfig struct {
	// Level lists capture level names ("TIMESTAMPS", "TENSORS"; empty or
	// ["OFF"] disables tracing).
	Level *[]string `yaml:"level"`

	// Rate samples one in every Rate requests.
	Rate *uint64 `yaml:"rate"`

	// Count bounds the total number of traces; negative means unlimited.
	Count *int64 `yaml:"count"`

	// LogFrequency rotates an indexed file every LogFrequency buffered
	// traces; 0 keeps a single aggregate file.
	LogFrequency *uint64 `yaml:"log_frequency"`

	// File is the trace output path (triton mode).
	File *string `yaml:"file"`

	// Mode selects the emission mode ("triton" or "opentelemetry").
	Mode *string `yaml:"mode"`

	// OpenTelemetry holds collector options ("url", "protocol").
	OpenTelemetry map[string]string `yaml:"opentelemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen: "127.0.0.1:8001",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML configuration file. An empty path falls back to the
// INFERD_CONFIG environment variable; when that is unset too, defaults are
// returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		if path = os.Getenv("INFERD_CONFIG"); path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, &errors.ConfigError{Key: "config", Reason: "unable to read file", Cause: err}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &errors.ConfigError{Key: "config", Reason: "unable to parse YAML", Cause: err}
	}
	if cfg.Listen == "" {
		cfg.Listen = Default().Listen
	}
	return cfg, nil
}

// Options maps the trace section onto startup options, applying defaults
// for absent fields.
func (tc TraceConfig) Options() (tracing.Options, error) {
	opts := tracing.Options{
		Rate:  1000,
		Count: -1,
		Mode:  tracing.ModeTriton,
	}
	if tc.Level != nil {
		level, err := tracing.ParseLevels(*tc.Level)
		if err != nil {
			return opts, &errors.ConfigError{Key: "trace.level", Reason: err.Error()}
		}
		opts.Level = level
	}
	if tc.Rate != nil {
		opts.Rate = *tc.Rate
	}
	if tc.Count != nil {
		opts.Count = *tc.Count
	}
	if tc.LogFrequency != nil {
		opts.LogFrequency = *tc.LogFrequency
	}
	if tc.File != nil {
		opts.Filepath = *tc.File
	}
	if tc.Mode != nil {
		mode, err := tracing.ParseMode(*tc.Mode)
		if err != nil {
			return opts, &errors.ConfigError{Key: "trace.mode", Reason: err.Error()}
		}
		opts.Mode = mode
	}
	if tc.OpenTelemetry != nil {
		opts.ConfigMap = tracing.ConfigMap{
			tracing.ModeOpenTelemetry.String(): tc.OpenTelemetry,
		}
	}
	return opts, nil
}

// Update maps the trace section onto a global setting update: fields
// present in the file become overrides, absent fields clear any override
// so the setting falls back to the startup defaults.
func (tc TraceConfig) Update() (tracing.Update, error) {
	var update tracing.Update
	if tc.Level != nil {
		level, err := tracing.ParseLevels(*tc.Level)
		if err != nil {
			return update, &errors.ConfigError{Key: "trace.level", Reason: err.Error()}
		}
		update.Level = &level
	} else {
		update.ClearLevel = true
	}
	if tc.Rate != nil {
		update.Rate = tc.Rate
	} else {
		update.ClearRate = true
	}
	if tc.Count != nil {
		update.Count = tc.Count
	} else {
		update.ClearCount = true
	}
	if tc.LogFrequency != nil {
		update.LogFrequency = tc.LogFrequency
	} else {
		update.ClearLogFrequency = true
	}
	if tc.File != nil {
		update.Filepath = tc.File
	} else {
		update.ClearFilepath = true
	}
	if tc.Mode != nil {
		mode, err := tracing.ParseMode(*tc.Mode)
		if err != nil {
			return update, &errors.ConfigError{Key: "trace.mode", Reason: err.Error()}
		}
		update.Mode = &mode
	} else {
		update.ClearMode = true
	}
	if tc.OpenTelemetry != nil {
		update.ConfigMap = tracing.ConfigMap{
			tracing.ModeOpenTelemetry.String(): tc.OpenTelemetry,
		}
	} else {
		update.ClearConfigMap = true
	}
	return update, nil
}
