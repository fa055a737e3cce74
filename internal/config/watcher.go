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
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/inferd/internal/tracing"
)

// Watcher re-reads the configuration file when it changes and applies the
// trace section as a global setting update, so trace settings can be
// reconfigured while traffic is in flight by editing the file.
type Watcher struct {
	path    string
	manager *tracing.TraceManager
	logger  *slog.Logger
	fs      *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given configuration file.
func NewWatcher(path string, manager *tracing.TraceManager, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which drops a
	// watch installed on the file itself.
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, err
	}
	return &Watcher{
		path:    path,
		manager: manager,
		logger:  logger,
		fs:      fs,
	}, nil
}

// Run processes file events until the context is canceled. Changes within
// a short window are coalesced before reloading.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()

	var pending *time.Timer
	var pendingCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(100 * time.Millisecond)
				pendingCh = pending.C
			} else {
				pending.Reset(100 * time.Millisecond)
			}

		case <-pendingCh:
			pending = nil
			pendingCh = nil
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("failed reloading config", slog.String("path", w.path), slog.Any("error", err))
		return
	}
	update, err := cfg.Trace.Update()
	if err != nil {
		w.logger.Error("invalid trace config on reload", slog.Any("error", err))
		return
	}
	if err := w.manager.UpdateTraceSetting("", update); err != nil {
		w.logger.Error("rejected trace setting from config reload", slog.Any("error", err))
		return
	}
	w.logger.Info("applied trace settings from config", slog.String("path", w.path))
}
