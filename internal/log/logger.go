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

// Package log builds the slog loggers used by the daemon. Tracing is
// best-effort by design, so almost every runtime failure in this codebase
// ends up here rather than on an error return.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects how log records are encoded.
type Format string

const (
	// FormatJSON encodes one JSON object per record, for collectors.
	FormatJSON Format = "json"
	// FormatText encodes key=value records for reading in a terminal.
	FormatText Format = "text"
)

// Shared field keys for the concepts the daemon logs, so the same concept
// can always land under the same key.
const (
	// ModelKey is the field key for model names.
	ModelKey = "model"
	// TraceIDKey is the field key for host trace identifiers.
	TraceIDKey = "trace_id"
	// ActivityKey is the field key for trace activity names.
	ActivityKey = "activity"
	// FileKey is the field key for trace output file paths.
	FileKey = "file"
	// ModeKey is the field key for trace modes.
	ModeKey = "mode"
)

// Config describes a logger to build.
type Config struct {
	// Level is the minimum level that gets emitted: debug, info, warn or
	// error. Unrecognized values fall back to info.
	Level string

	// Format picks the record encoding; JSON when unset.
	Format Format

	// Output receives the records. Nil means os.Stderr.
	Output io.Writer

	// AddSource stamps records with the emitting file and line.
	AddSource bool
}

// DefaultConfig returns the logging defaults: info-level JSON on stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from the environment. INFERD_DEBUG=1 (or true)
// forces debug level with source stamping and wins over everything else.
// Otherwise the level comes from INFERD_LOG_LEVEL, falling back to
// LOG_LEVEL. LOG_FORMAT switches the encoding and LOG_SOURCE=1 turns on
// source stamping.
func FromEnv() *Config {
	cfg := DefaultConfig()

	if debug := os.Getenv("INFERD_DEBUG"); debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	} else {
		for _, key := range []string{"INFERD_LOG_LEVEL", "LOG_LEVEL"} {
			if level := os.Getenv(key); level != "" {
				cfg.Level = strings.ToLower(level)
				break
			}
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a structured logger from the given configuration. A nil
// config gets the defaults.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     levelFromName(cfg.Level),
		AddSource: cfg.AddSource,
	}

	if cfg.Format == FormatText {
		return slog.New(slog.NewTextHandler(output, opts))
	}
	return slog.New(slog.NewJSONHandler(output, opts))
}

// levelFromName maps a level name onto slog's levels, defaulting to info.
func levelFromName(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// WithComponent returns a new logger with a component name field.
// Component names help identify which part of the system generated the log.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithModel returns a new logger with a model name field.
func WithModel(logger *slog.Logger, model string) *slog.Logger {
	return logger.With(slog.String(ModelKey, model))
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}
