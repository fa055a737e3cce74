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

import "strings"

// Level is a bitmask selecting what an inference trace captures.
type Level uint32

const (
	// LevelDisabled records nothing.
	LevelDisabled Level = 0
	// LevelTimestamps records lifecycle timestamps.
	LevelTimestamps Level = 1 << 0
	// LevelTensors records tensor payloads.
	LevelTensors Level = 1 << 1
)

// Has reports whether all bits of want are set.
func (l Level) Has(want Level) bool {
	return l&want == want
}

// String returns the wire representation, e.g. "TIMESTAMPS|TENSORS".
func (l Level) String() string {
	if l == LevelDisabled {
		return "DISABLED"
	}
	var parts []string
	if l.Has(LevelTimestamps) {
		parts = append(parts, "TIMESTAMPS")
	}
	if l.Has(LevelTensors) {
		parts = append(parts, "TENSORS")
	}
	return strings.Join(parts, "|")
}

// Activity is a named event in the lifecycle of an inference request.
type Activity int

const (
	ActivityRequestStart Activity = iota
	ActivityQueueStart
	ActivityComputeStart
	ActivityComputeInputEnd
	ActivityComputeOutputStart
	ActivityComputeEnd
	ActivityRequestEnd
	ActivityTensorQueueInput
	ActivityTensorBackendInput
	ActivityTensorBackendOutput
)

var activityNames = map[Activity]string{
	ActivityRequestStart:        "REQUEST_START",
	ActivityQueueStart:          "QUEUE_START",
	ActivityComputeStart:        "COMPUTE_START",
	ActivityComputeInputEnd:     "COMPUTE_INPUT_END",
	ActivityComputeOutputStart:  "COMPUTE_OUTPUT_START",
	ActivityComputeEnd:          "COMPUTE_END",
	ActivityRequestEnd:          "REQUEST_END",
	ActivityTensorQueueInput:    "TENSOR_QUEUE_INPUT",
	ActivityTensorBackendInput:  "TENSOR_BACKEND_INPUT",
	ActivityTensorBackendOutput: "TENSOR_BACKEND_OUTPUT",
}

// String returns the wire name of the activity.
func (a Activity) String() string {
	if name, ok := activityNames[a]; ok {
		return name
	}
	return "<unknown>"
}

// IsTensor reports whether the activity carries a tensor payload.
func (a Activity) IsTensor() bool {
	switch a {
	case ActivityTensorQueueInput, ActivityTensorBackendInput, ActivityTensorBackendOutput:
		return true
	}
	return false
}

// DataType identifies the element type of a tensor.
type DataType int

const (
	TypeInvalid DataType = iota
	TypeBool
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFP16
	TypeFP32
	TypeFP64
	TypeBytes
	TypeBF16
)

var dataTypeNames = map[DataType]string{
	TypeInvalid: "INVALID",
	TypeBool:    "BOOL",
	TypeUint8:   "UINT8",
	TypeUint16:  "UINT16",
	TypeUint32:  "UINT32",
	TypeUint64:  "UINT64",
	TypeInt8:    "INT8",
	TypeInt16:   "INT16",
	TypeInt32:   "INT32",
	TypeInt64:   "INT64",
	TypeFP16:    "FP16",
	TypeFP32:    "FP32",
	TypeFP64:    "FP64",
	TypeBytes:   "BYTES",
	TypeBF16:    "BF16",
}

// String returns the wire name of the data type.
func (d DataType) String() string {
	if name, ok := dataTypeNames[d]; ok {
		return name
	}
	return "INVALID"
}

// ElementSize returns the per-element byte size for fixed-width types,
// or 0 for variable-width and invalid types.
func (d DataType) ElementSize() int {
	switch d {
	case TypeBool, TypeUint8, TypeInt8:
		return 1
	case TypeUint16, TypeInt16, TypeFP16, TypeBF16:
		return 2
	case TypeUint32, TypeInt32, TypeFP32:
		return 4
	case TypeUint64, TypeInt64, TypeFP64:
		return 8
	}
	return 0
}

// MemoryType identifies where a tensor buffer resides.
type MemoryType int

const (
	MemoryCPU MemoryType = iota
	MemoryCPUPinned
	MemoryGPU
)

// String returns the wire name of the memory type.
func (m MemoryType) String() string {
	switch m {
	case MemoryCPU:
		return "CPU"
	case MemoryCPUPinned:
		return "CPU_PINNED"
	case MemoryGPU:
		return "GPU"
	}
	return "<unknown>"
}

// Tensor is one tensor payload reported through a tensor activity.
type Tensor struct {
	// Name is the input or output tensor name.
	Name string

	// DType is the element type.
	DType DataType

	// Data is the raw buffer. For MemoryGPU it is a device buffer and must
	// be copied to host memory through a DeviceCopier before reading.
	Data []byte

	// Shape holds the tensor dimensions.
	Shape []int64

	// Memory is where Data resides.
	Memory MemoryType

	// MemoryID is the device identifier for device-resident buffers.
	MemoryID int64
}

// DeviceCopier copies device-resident tensor buffers into host memory.
// Implementations wrap whatever copy primitive the deployment has
// available (CUDA, ROCm, a test stub).
type DeviceCopier interface {
	CopyToHost(t Tensor) ([]byte, error)
}
