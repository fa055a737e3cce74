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

// Package api provides the HTTP admin surface for trace settings.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tombee/inferd/internal/tracing"
	"github.com/tombee/inferd/pkg/errors"
)

// TraceSettingsHandler exposes trace settings over HTTP: read and update
// the global setting or a model's setting. Update requests carry, per
// field, a new value, JSON null to clear the override, or omit the field
// to leave it unchanged.
type TraceSettingsHandler struct {
	manager *tracing.TraceManager
	logger  *slog.Logger
}

// NewTraceSettingsHandler creates the trace-settings handler.
func NewTraceSettingsHandler(manager *tracing.TraceManager, logger *slog.Logger) *TraceSettingsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TraceSettingsHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers the trace-setting routes on the provided mux.
func (h *TraceSettingsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v2/trace/setting", h.getSetting)
	mux.HandleFunc("POST /v2/trace/setting", h.updateSetting)
	mux.HandleFunc("GET /v2/models/{model}/trace/setting", h.getSetting)
	mux.HandleFunc("POST /v2/models/{model}/trace/setting", h.updateSetting)
}

// traceSettingResponse is the wire form of an effective setting. Numeric
// fields are string-encoded to match the serving protocol.
type traceSettingResponse struct {
	TraceLevel   []string                     `json:"trace_level"`
	TraceRate    string                       `json:"trace_rate"`
	TraceCount   string                       `json:"trace_count"`
	LogFrequency string                       `json:"log_frequency"`
	TraceFile    string                       `json:"trace_file"`
	TraceMode    string                       `json:"trace_mode"`
	TraceConfig  map[string]map[string]string `json:"trace_config,omitempty"`
}

// resolveModel extracts the model path segment. Percent-escapes let a
// segment smuggle separators or blanks through the route pattern; no model
// can carry such a name, so those requests get a 404.
func resolveModel(w http.ResponseWriter, r *http.Request) (string, bool) {
	model := r.PathValue("model")
	if model != "" && strings.ContainsAny(model, "/ \t\n") {
		err := &errors.NotFoundError{Resource: "model", ID: model}
		http.Error(w, err.Error(), http.StatusNotFound)
		return "", false
	}
	return model, true
}

func (h *TraceSettingsHandler) getSetting(w http.ResponseWriter, r *http.Request) {
	model, ok := resolveModel(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, settingResponse(h.manager.GetTraceSetting(model)))
}

func (h *TraceSettingsHandler) updateSetting(w http.ResponseWriter, r *http.Request) {
	model, ok := resolveModel(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed reading request body", http.StatusBadRequest)
		return
	}
	update, err := parseUpdate(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.manager.UpdateTraceSetting(model, update); err != nil {
		var verr *errors.ValidationError
		status := http.StatusInternalServerError
		if errors.As(err, &verr) {
			status = http.StatusBadRequest
		}
		h.logger.Warn("trace setting update rejected", slog.String("model", model), slog.Any("error", err))
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, settingResponse(h.manager.GetTraceSetting(model)))
}

func settingResponse(s *tracing.TraceSetting) traceSettingResponse {
	return traceSettingResponse{
		TraceLevel:   tracing.LevelNames(s.Level()),
		TraceRate:    strconv.FormatUint(s.Rate(), 10),
		TraceCount:   strconv.FormatInt(s.Count(), 10),
		LogFrequency: strconv.FormatUint(s.LogFrequency(), 10),
		TraceFile:    s.Filepath(),
		TraceMode:    s.Mode().String(),
		TraceConfig:  s.ConfigMap(),
	}
}

// parseUpdate maps the wire update onto a tracing.Update: a present value
// sets the field, JSON null clears the override, absence leaves the field
// untouched.
func parseUpdate(body []byte) (tracing.Update, error) {
	var update tracing.Update
	if len(body) == 0 {
		return update, nil
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return update, fmt.Errorf("malformed trace setting update: %w", err)
	}

	for name, raw := range fields {
		isNull := string(raw) == "null"
		switch name {
		case "trace_level":
			if isNull {
				update.ClearLevel = true
				continue
			}
			var names []string
			if err := json.Unmarshal(raw, &names); err != nil {
				return update, fmt.Errorf("trace_level must be a list of level names: %w", err)
			}
			level, err := tracing.ParseLevels(names)
			if err != nil {
				return update, err
			}
			update.Level = &level

		case "trace_rate":
			if isNull {
				update.ClearRate = true
				continue
			}
			v, err := parseUint(raw, name)
			if err != nil {
				return update, err
			}
			update.Rate = &v

		case "trace_count":
			if isNull {
				update.ClearCount = true
				continue
			}
			v, err := parseInt(raw, name)
			if err != nil {
				return update, err
			}
			update.Count = &v

		case "log_frequency":
			if isNull {
				update.ClearLogFrequency = true
				continue
			}
			v, err := parseUint(raw, name)
			if err != nil {
				return update, err
			}
			update.LogFrequency = &v

		case "trace_file":
			if isNull {
				update.ClearFilepath = true
				continue
			}
			var path string
			if err := json.Unmarshal(raw, &path); err != nil {
				return update, fmt.Errorf("trace_file must be a string: %w", err)
			}
			update.Filepath = &path

		case "trace_mode":
			if isNull {
				update.ClearMode = true
				continue
			}
			var modeName string
			if err := json.Unmarshal(raw, &modeName); err != nil {
				return update, fmt.Errorf("trace_mode must be a string: %w", err)
			}
			mode, err := tracing.ParseMode(modeName)
			if err != nil {
				return update, err
			}
			update.Mode = &mode

		case "trace_config":
			if isNull {
				update.ClearConfigMap = true
				continue
			}
			var cfg tracing.ConfigMap
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return update, fmt.Errorf("trace_config must map mode names to option maps: %w", err)
			}
			update.ConfigMap = cfg

		default:
			// Unknown fields are ignored for forward compatibility.
		}
	}
	return update, nil
}

// parseUint accepts a string-encoded or bare JSON number.
func parseUint(raw json.RawMessage, field string) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n uint64
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("%s must be a non-negative integer", field)
		}
		return n, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", field)
	}
	return v, nil
}

// parseInt accepts a string-encoded or bare JSON number.
func parseInt(raw json.RawMessage, field string) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("%s must be an integer", field)
		}
		return n, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", field)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
