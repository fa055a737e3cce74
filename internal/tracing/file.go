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
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// TraceFile is an append-only JSON trace writer for one file path. It
// supports two emission modes that may be intermixed for the same path:
// indexed mode writes each flush to a fresh "<path>.<n>" file holding a
// complete JSON array, aggregate mode grows a single "<path>" file that is
// closed with "]" when the last owning setting releases the file.
//
// Writes are best-effort: I/O failures are logged and swallowed so tracing
// never disturbs the request path.
type TraceFile struct {
	name  string
	index atomic.Uint64

	// refs counts owning settings. The file is shared across settings that
	// point at the same path; the last release closes the aggregate file.
	refs atomic.Int32

	mu   sync.Mutex
	file *os.File // aggregate file, nil until the first aggregate write
}

// newTraceFile creates a TraceFile with a single owner.
func newTraceFile(name string) *TraceFile {
	f := &TraceFile{name: name}
	f.refs.Store(1)
	return f
}

// Name returns the base file path.
func (f *TraceFile) Name() string {
	return f.name
}

// acquire adds an owner. It fails when the file has already been closed by
// its last owner; callers must then treat the cache entry as dead.
func (f *TraceFile) acquire() bool {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return false
		}
		if f.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops an owner. The last release closes the aggregate file,
// emitting the trailing "]" iff at least one aggregate write occurred.
func (f *TraceFile) release() {
	if f.refs.Add(-1) != 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return
	}
	if _, err := f.file.WriteString("]"); err != nil {
		slog.Error("failed closing trace file", "file", f.name, "error", err)
	}
	if err := f.file.Close(); err != nil {
		slog.Error("failed closing trace file", "file", f.name, "error", err)
	}
	f.file = nil
}

// SaveTraces persists a buffer of comma-separated JSON fragments. With
// toIndexFile it writes a complete array to the next indexed file;
// otherwise it appends to the single aggregate file, opening it on the
// first write.
func (f *TraceFile) SaveTraces(traces []byte, toIndexFile bool) {
	if toIndexFile {
		name := fmt.Sprintf("%s.%d", f.name, f.index.Add(1)-1)
		out, err := os.Create(name)
		if err != nil {
			slog.Error("failed creating trace file", "file", name, "error", err)
			return
		}
		defer out.Close()
		if _, err := out.WriteString("["); err != nil {
			slog.Error("failed writing trace file", "file", name, "error", err)
			return
		}
		if _, err := out.Write(traces); err != nil {
			slog.Error("failed writing trace file", "file", name, "error", err)
			return
		}
		if _, err := out.WriteString("]"); err != nil {
			slog.Error("failed writing trace file", "file", name, "error", err)
		}
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		out, err := os.Create(f.name)
		if err != nil {
			slog.Error("failed creating trace file", "file", f.name, "error", err)
			return
		}
		f.file = out
		if _, err := f.file.WriteString("["); err != nil {
			slog.Error("failed writing trace file", "file", f.name, "error", err)
			return
		}
	} else {
		if _, err := f.file.WriteString(","); err != nil {
			slog.Error("failed writing trace file", "file", f.name, "error", err)
			return
		}
	}
	if _, err := f.file.Write(traces); err != nil {
		slog.Error("failed writing trace file", "file", f.name, "error", err)
	}
}
