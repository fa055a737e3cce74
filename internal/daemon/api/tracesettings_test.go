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

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/inferd/internal/tracing"
	"github.com/tombee/inferd/pkg/serving"
)

func newTestServer(t *testing.T) (*httptest.Server, *tracing.TraceManager) {
	t.Helper()
	manager := tracing.NewTraceManager(serving.NewLocalRuntime(), tracing.Options{
		Level:    serving.LevelTimestamps,
		Rate:     1000,
		Count:    -1,
		Filepath: filepath.Join(t.TempDir(), "t.json"),
		Mode:     tracing.ModeTriton,
	})
	t.Cleanup(manager.Shutdown)

	mux := http.NewServeMux()
	NewTraceSettingsHandler(manager, nil).RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, manager
}

func getSetting(t *testing.T, server *httptest.Server, path string) traceSettingResponse {
	t.Helper()
	resp, err := http.Get(server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var setting traceSettingResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&setting))
	return setting
}

func postSetting(t *testing.T, server *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGetGlobalTraceSetting(t *testing.T) {
	server, _ := newTestServer(t)

	setting := getSetting(t, server, "/v2/trace/setting")
	assert.Equal(t, []string{"TIMESTAMPS"}, setting.TraceLevel)
	assert.Equal(t, "1000", setting.TraceRate)
	assert.Equal(t, "-1", setting.TraceCount)
	assert.Equal(t, "0", setting.LogFrequency)
	assert.Equal(t, "triton", setting.TraceMode)
}

func TestUpdateModelTraceSetting(t *testing.T) {
	server, manager := newTestServer(t)

	resp := postSetting(t, server, "/v2/models/resnet/trace/setting",
		`{"trace_level":["TIMESTAMPS","TENSORS"],"trace_rate":"50"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	setting := getSetting(t, server, "/v2/models/resnet/trace/setting")
	assert.Equal(t, []string{"TIMESTAMPS", "TENSORS"}, setting.TraceLevel)
	assert.Equal(t, "50", setting.TraceRate)
	assert.Equal(t, "-1", setting.TraceCount, "count inherits from global")

	// Global stays untouched.
	assert.Equal(t, uint64(1000), manager.GetTraceSetting("").Rate())
}

func TestUpdateWithNullClearsOverride(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postSetting(t, server, "/v2/models/resnet/trace/setting", `{"trace_rate":"50"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postSetting(t, server, "/v2/models/resnet/trace/setting", `{"trace_rate":null}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	setting := getSetting(t, server, "/v2/models/resnet/trace/setting")
	assert.Equal(t, "1000", setting.TraceRate, "cleared rate inherits from global")
}

func TestUpdateRejectsInvalidSetting(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postSetting(t, server, "/v2/trace/setting", `{"trace_rate":"0"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Previous setting still applies.
	setting := getSetting(t, server, "/v2/trace/setting")
	assert.Equal(t, "1000", setting.TraceRate)
}

func TestUpdateRejectsMalformedBody(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postSetting(t, server, "/v2/trace/setting", `{"trace_rate":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postSetting(t, server, "/v2/trace/setting", `{"trace_level":"TIMESTAMPS"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "trace_level must be a list")
}

func TestUpdateAcceptsBareNumbers(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postSetting(t, server, "/v2/trace/setting", `{"trace_rate":25,"trace_count":10}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	setting := getSetting(t, server, "/v2/trace/setting")
	assert.Equal(t, "25", setting.TraceRate)
	assert.Equal(t, "10", setting.TraceCount)
}

func TestUpdateTraceMode(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postSetting(t, server, "/v2/trace/setting",
		`{"trace_mode":"opentelemetry","trace_config":{"opentelemetry":{"url":"http://collector:4318"}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	setting := getSetting(t, server, "/v2/trace/setting")
	assert.Equal(t, "opentelemetry", setting.TraceMode)
	assert.Equal(t, "http://collector:4318", setting.TraceConfig["opentelemetry"]["url"])
}

func TestModelNameWithSeparatorIsNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	// %2F survives routing as part of the segment and decodes to "a/b",
	// which no model can be named.
	resp, err := http.Get(server.URL + "/v2/models/a%2Fb/trace/setting")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	post := postSetting(t, server, "/v2/models/a%20b/trace/setting", `{"trace_rate":"5"}`)
	assert.Equal(t, http.StatusNotFound, post.StatusCode)
}

func TestUnknownFieldsIgnored(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postSetting(t, server, "/v2/trace/setting", `{"unknown_field":"x","trace_rate":"7"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	setting := getSetting(t, server, "/v2/trace/setting")
	assert.Equal(t, "7", setting.TraceRate)
}
