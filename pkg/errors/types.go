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

package errors

import "fmt"

// ValidationError is returned when an input is rejected before taking
// effect, most commonly a trace-setting update that would leave tracing in
// an unusable state (zero rate, missing file path). The reason string
// travels back to the caller per the update protocol.
type ValidationError struct {
	// Field names the rejected input, e.g. "trace_setting" or "trace_rate"
	Field string

	// Message says why the value was rejected
	Message string

	// Suggestion, when set, tells the caller how to fix the input
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError is returned when a request names something that does not
// exist, such as a model path segment no model can be named by.
type NotFoundError struct {
	// Resource is the kind of thing that was looked up, e.g. "model"
	Resource string

	// ID is the name that failed to resolve
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// UnsupportedError represents an operation the current trace mode or
// platform cannot perform, such as tensor tracing in OpenTelemetry mode.
type UnsupportedError struct {
	// Operation names what was attempted
	Operation string

	// Mode is the trace mode the operation was attempted under
	Mode string
}

// Error implements the error interface.
func (e *UnsupportedError) Error() string {
	if e.Mode != "" {
		return fmt.Sprintf("%s is not supported by trace mode %s", e.Operation, e.Mode)
	}
	return fmt.Sprintf("%s is not supported", e.Operation)
}

// ConfigError represents configuration problems: file errors, missing
// settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "trace.rate")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
