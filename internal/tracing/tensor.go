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
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/tombee/inferd/pkg/serving"
)

// appendTensorEvent serializes one tensor activity as a JSON fragment:
//
//	{"id":N,"activity":"...","tensor":{"name":"...","data":"v1,v2","shape":"d1,d2","dtype":"..."}}
//
// data is the host-resident buffer (already copied off the device if
// needed). Serialization never reads past the buffer: element counts are
// clamped and a BYTES entry whose length prefix or payload would overflow
// stops the data string at the last complete entry.
func appendTensorEvent(w *bytes.Buffer, id uint64, activity serving.Activity, tensor serving.Tensor, data []byte) {
	fmt.Fprintf(w, `{"id":%d,"activity":%q`, id, activity.String())
	w.WriteString(`,"tensor":{`)
	fmt.Fprintf(w, `"name":%q`, tensor.Name)
	w.WriteString(`,"data":"`)
	appendTensorData(w, tensor.DType, tensor.Shape, data)
	w.WriteString(`","shape":"`)
	for i, dim := range tensor.Shape {
		if i > 0 {
			w.WriteByte(',')
		}
		w.WriteString(strconv.FormatInt(dim, 10))
	}
	fmt.Fprintf(w, `","dtype":%q}`, tensor.DType.String())
	w.WriteByte('}')
}

func appendTensorData(w *bytes.Buffer, dtype serving.DataType, shape []int64, data []byte) {
	count := elementCount(shape)

	// FP16/BF16 (and invalid types) are not serialized: emit empty data
	// with shape and dtype intact.
	if dtype == serving.TypeFP16 || dtype == serving.TypeBF16 || dtype == serving.TypeInvalid {
		return
	}

	if dtype == serving.TypeBytes {
		appendBytesData(w, count, data)
		return
	}

	size := dtype.ElementSize()
	if size == 0 {
		return
	}
	if max := len(data) / size; count > max {
		count = max
	}

	for e := 0; e < count; e++ {
		if e > 0 {
			w.WriteByte(',')
		}
		raw := data[e*size:]
		switch dtype {
		case serving.TypeBool:
			if raw[0] == 0 {
				w.WriteString("false")
			} else {
				w.WriteString("true")
			}
		case serving.TypeUint8:
			w.WriteString(strconv.FormatUint(uint64(raw[0]), 10))
		case serving.TypeUint16:
			w.WriteString(strconv.FormatUint(uint64(binary.LittleEndian.Uint16(raw)), 10))
		case serving.TypeUint32:
			w.WriteString(strconv.FormatUint(uint64(binary.LittleEndian.Uint32(raw)), 10))
		case serving.TypeUint64:
			w.WriteString(strconv.FormatUint(binary.LittleEndian.Uint64(raw), 10))
		case serving.TypeInt8:
			w.WriteString(strconv.FormatInt(int64(int8(raw[0])), 10))
		case serving.TypeInt16:
			w.WriteString(strconv.FormatInt(int64(int16(binary.LittleEndian.Uint16(raw))), 10))
		case serving.TypeInt32:
			w.WriteString(strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(raw))), 10))
		case serving.TypeInt64:
			w.WriteString(strconv.FormatInt(int64(binary.LittleEndian.Uint64(raw)), 10))
		case serving.TypeFP32:
			f := math.Float32frombits(binary.LittleEndian.Uint32(raw))
			w.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
		case serving.TypeFP64:
			f := math.Float64frombits(binary.LittleEndian.Uint64(raw))
			w.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		}
	}
}

// appendBytesData walks length-prefixed string entries: each element is a
// little-endian uint32 length followed by that many bytes. Entries are
// emitted as escaped quoted strings; an entry that would read past the
// buffer ends the data string.
func appendBytesData(w *bytes.Buffer, count int, data []byte) {
	offset := 0
	for e := 0; e < count; e++ {
		if offset+4 > len(data) {
			return
		}
		length := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		if offset+length > len(data) {
			return
		}
		if e > 0 {
			w.WriteByte(',')
		}
		w.WriteString(`\"`)
		w.Write(data[offset : offset+length])
		w.WriteString(`\"`)
		offset += length
	}
}

func elementCount(shape []int64) int {
	count := 1
	for _, dim := range shape {
		count *= int(dim)
	}
	return count
}
