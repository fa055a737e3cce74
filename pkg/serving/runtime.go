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

package serving

import (
	"sync"
	"sync/atomic"
	"time"
)

// Handle is one host-side inference trace. The host creates a root handle
// when a request is admitted and may spawn child handles for nested work
// (ensembles, BLS calls); all handles of one request share the user value
// installed at root creation.
type Handle interface {
	// ID is the host-assigned trace identifier, unique per handle.
	ID() uint64

	// ParentID is the ID of the parent handle, or 0 for a root.
	ParentID() uint64

	// ModelName is the model the traced request targets.
	ModelName() string

	// ModelVersion is the resolved model version.
	ModelVersion() int64

	// RequestID is the client-supplied request identifier, if any.
	RequestID() string
}

// Callbacks receive trace events from the host serving path. They may be
// invoked concurrently from any host thread. The userp value is the one
// installed at root handle creation, forwarded unchanged to children.
type Callbacks struct {
	Activity func(h Handle, activity Activity, timestampNS int64, userp any)
	Tensor   func(h Handle, activity Activity, tensor Tensor, userp any)
	Release  func(h Handle, userp any)
}

// Runtime is the narrow surface of the host runtime the tracing subsystem
// depends on: creating an inference-trace handle bound to a user value.
type Runtime interface {
	NewTrace(level Level, cb Callbacks, userp any) (Handle, error)
}

var processEpoch = time.Now()

// SteadyNow returns the host's monotonic clock reading in nanoseconds.
// Activity timestamps are reported on this clock; translating them to
// wall-clock requires an offset captured once per trace.
func SteadyNow() int64 {
	return int64(time.Since(processEpoch))
}

// LocalRuntime is an in-process Runtime. It mints monotonically increasing
// trace ids and dispatches callbacks synchronously from the serving path.
type LocalRuntime struct {
	nextID atomic.Uint64
}

// NewLocalRuntime creates an in-process runtime.
func NewLocalRuntime() *LocalRuntime {
	return &LocalRuntime{}
}

// NewTrace creates a root trace handle.
func (r *LocalRuntime) NewTrace(level Level, cb Callbacks, userp any) (Handle, error) {
	return &LocalTrace{
		rt:    r,
		id:    r.nextID.Add(1),
		level: level,
		cb:    cb,
		userp: userp,
	}, nil
}

// LocalTrace is a trace handle minted by LocalRuntime. The serving path
// drives it: BeginRequest at admission, ReportActivity/ReportTensor along
// the request lifetime, Release when the handle's scope ends.
type LocalTrace struct {
	rt       *LocalRuntime
	id       uint64
	parentID uint64
	level    Level
	cb       Callbacks
	userp    any

	mu           sync.Mutex
	modelName    string
	modelVersion int64
	requestID    string
}

// ID implements Handle.
func (t *LocalTrace) ID() uint64 { return t.id }

// ParentID implements Handle.
func (t *LocalTrace) ParentID() uint64 { return t.parentID }

// ModelName implements Handle.
func (t *LocalTrace) ModelName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modelName
}

// ModelVersion implements Handle.
func (t *LocalTrace) ModelVersion() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modelVersion
}

// RequestID implements Handle.
func (t *LocalTrace) RequestID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requestID
}

// BeginRequest records the request identity on the handle and reports
// REQUEST_START. requestID may be empty when the client supplied none.
func (t *LocalTrace) BeginRequest(modelName string, modelVersion int64, requestID string, timestampNS int64) {
	t.mu.Lock()
	t.modelName = modelName
	t.modelVersion = modelVersion
	t.requestID = requestID
	t.mu.Unlock()
	t.ReportActivity(ActivityRequestStart, timestampNS)
}

// ReportActivity delivers a timestamp activity. The host only reports
// timestamps when the trace level asks for them.
func (t *LocalTrace) ReportActivity(activity Activity, timestampNS int64) {
	if !t.level.Has(LevelTimestamps) || t.cb.Activity == nil {
		return
	}
	t.cb.Activity(t, activity, timestampNS, t.userp)
}

// ReportTensor delivers a tensor activity. The host only reports tensors
// when the trace level asks for them.
func (t *LocalTrace) ReportTensor(activity Activity, tensor Tensor) {
	if !t.level.Has(LevelTensors) || t.cb.Tensor == nil {
		return
	}
	t.cb.Tensor(t, activity, tensor, t.userp)
}

// SpawnChild creates a child handle for nested work. The child shares the
// root's callbacks and user value and copies the request identity.
func (t *LocalTrace) SpawnChild() *LocalTrace {
	t.mu.Lock()
	name, version, reqID := t.modelName, t.modelVersion, t.requestID
	t.mu.Unlock()
	return &LocalTrace{
		rt:           t.rt,
		id:           t.rt.nextID.Add(1),
		parentID:     t.id,
		level:        t.level,
		cb:           t.cb,
		userp:        t.userp,
		modelName:    name,
		modelVersion: version,
		requestID:    reqID,
	}
}

// Release signals that the host is done with this handle.
func (t *LocalTrace) Release() {
	if t.cb.Release != nil {
		t.cb.Release(t, t.userp)
	}
}
