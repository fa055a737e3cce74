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

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var traceAddr string

func newTraceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect and update trace settings on a running daemon",
	}
	cmd.PersistentFlags().StringVar(&traceAddr, "addr", "http://127.0.0.1:8001", "Admin API address")

	showCmd := &cobra.Command{
		Use:   "show [model]",
		Short: "Show the effective trace setting",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTraceShow,
	}
	cmd.AddCommand(showCmd)

	updateCmd := &cobra.Command{
		Use:   "update [model]",
		Short: "Update the global or a model's trace setting",
		Long: `Update trace settings on a running daemon. Value flags set an override;
--clear-* flags remove an override so the field inherits again.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runTraceUpdate,
	}
	f := updateCmd.Flags()
	f.StringSlice("level", nil, "Trace levels (TIMESTAMPS, TENSORS, OFF)")
	f.String("rate", "", "Sample one in every N requests")
	f.String("count", "", "Total trace budget (-1 for unlimited)")
	f.String("log-frequency", "", "Buffered traces per indexed file (0 for a single file)")
	f.String("file", "", "Trace output file path")
	f.String("mode", "", "Trace mode (triton, opentelemetry)")
	f.Bool("clear-level", false, "Clear the level override")
	f.Bool("clear-rate", false, "Clear the rate override")
	f.Bool("clear-count", false, "Clear the count override")
	f.Bool("clear-log-frequency", false, "Clear the log-frequency override")
	f.Bool("clear-file", false, "Clear the file override")
	f.Bool("clear-mode", false, "Clear the mode override")
	cmd.AddCommand(updateCmd)

	return cmd
}

func settingURL(model string) string {
	if model == "" {
		return traceAddr + "/v2/trace/setting"
	}
	return fmt.Sprintf("%s/v2/models/%s/trace/setting", traceAddr, model)
}

func runTraceShow(cmd *cobra.Command, args []string) error {
	var model string
	if len(args) == 1 {
		model = args[0]
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(settingURL(model))
	if err != nil {
		return fmt.Errorf("failed to fetch trace setting: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	fmt.Println(out.String())
	return nil
}

func runTraceUpdate(cmd *cobra.Command, args []string) error {
	var model string
	if len(args) == 1 {
		model = args[0]
	}

	update := make(map[string]any)
	flags := cmd.Flags()

	if flags.Changed("level") {
		levels, _ := flags.GetStringSlice("level")
		update["trace_level"] = levels
	}
	for _, field := range []struct{ flag, key string }{
		{"rate", "trace_rate"},
		{"count", "trace_count"},
		{"log-frequency", "log_frequency"},
		{"file", "trace_file"},
		{"mode", "trace_mode"},
	} {
		if flags.Changed(field.flag) {
			v, _ := flags.GetString(field.flag)
			update[field.key] = v
		}
	}
	for _, field := range []struct{ flag, key string }{
		{"clear-level", "trace_level"},
		{"clear-rate", "trace_rate"},
		{"clear-count", "trace_count"},
		{"clear-log-frequency", "log_frequency"},
		{"clear-file", "trace_file"},
		{"clear-mode", "trace_mode"},
	} {
		if set, _ := flags.GetBool(field.flag); set {
			update[field.key] = nil
		}
	}
	if len(update) == 0 {
		return fmt.Errorf("nothing to update: pass value or --clear-* flags")
	}

	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(settingURL(model), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to update trace setting: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, bytes.TrimSpace(respBody))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, respBody, "", "  "); err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	fmt.Println(out.String())
	return nil
}
