// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package trace

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/elastic/hpc-metric-proxy/counter"

	"go.elastic.co/fastjson"
)

// ErrCorrupt is returned when a trace file does not decode.
var ErrCorrupt = errors.New("corrupt trace")

// lengthPrefix is the size of the little-endian length written before
// every frame.
const lengthPrefix = 8

// Kind is the type of a frame. Its value is the first byte of the frame
// body.
type Kind uint8

const (
	KindDesc Kind = iota
	KindCounterMetadata
	KindCounters
)

func (k Kind) String() string {
	switch k {
	case KindDesc:
		return "Desc"
	case KindCounterMetadata:
		return "CounterMetadata"
	case KindCounters:
		return "Counters"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// CounterMetadata declares the id of a counter name within one trace.
type CounterMetadata struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
	Doc  string `json:"doc"`
}

// Counter is one value of a Counters frame.
type Counter struct {
	ID    uint64              `json:"id"`
	Value counter.CounterType `json:"value"`
}

// Frame is one record of a trace file. Only the field matching Kind is
// set.
type Frame struct {
	Kind     Kind
	TS       uint64
	Desc     counter.JobDesc
	Metadata CounterMetadata
	Counters []Counter
}

// MarshalFastJSON renders the frame as {"<Kind>":{"ts":...,...}}.
func (f *Frame) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawByte('{')
	w.String(f.Kind.String())
	w.RawString(`:{"ts":`)
	w.Uint64(f.TS)
	switch f.Kind {
	case KindDesc:
		w.RawString(`,"desc":`)
		if err := f.Desc.MarshalFastJSON(w); err != nil {
			return err
		}
	case KindCounterMetadata:
		w.RawString(`,"metadata":{"id":`)
		w.Uint64(f.Metadata.ID)
		w.RawString(`,"name":`)
		w.String(f.Metadata.Name)
		w.RawString(`,"doc":`)
		w.String(f.Metadata.Doc)
		w.RawByte('}')
	case KindCounters:
		w.RawString(`,"counters":[`)
		for i, c := range f.Counters {
			if i > 0 {
				w.RawByte(',')
			}
			w.RawString(`{"id":`)
			w.Uint64(c.ID)
			w.RawString(`,"value":`)
			if err := c.Value.MarshalFastJSON(w); err != nil {
				return err
			}
			w.RawByte('}')
		}
		w.RawByte(']')
	}
	w.RawString(`}}`)
	return nil
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(len(s)))
	return append(b, s...)
}

// appendFrame appends the length prefixed encoding of f to b.
func appendFrame(b []byte, f *Frame) ([]byte, error) {
	start := len(b)
	b = append(b, make([]byte, lengthPrefix)...)
	b = append(b, byte(f.Kind))
	b = binary.LittleEndian.AppendUint64(b, f.TS)

	switch f.Kind {
	case KindDesc:
		d := f.Desc
		b = appendString(b, d.JobID)
		b = appendString(b, d.Command)
		b = binary.LittleEndian.AppendUint64(b, d.Size)
		b = appendString(b, d.Nodelist)
		b = appendString(b, d.Partition)
		b = appendString(b, d.Cluster)
		b = appendString(b, d.RunDir)
		b = binary.LittleEndian.AppendUint64(b, d.StartTime)
		b = binary.LittleEndian.AppendUint64(b, d.EndTime)
	case KindCounterMetadata:
		b = binary.LittleEndian.AppendUint64(b, f.Metadata.ID)
		b = appendString(b, f.Metadata.Name)
		b = appendString(b, f.Metadata.Doc)
	case KindCounters:
		b = binary.LittleEndian.AppendUint64(b, uint64(len(f.Counters)))
		for _, c := range f.Counters {
			b = binary.LittleEndian.AppendUint64(b, c.ID)
			var err error
			if b, err = c.Value.AppendBinary(b); err != nil {
				return nil, fmt.Errorf("failed to encode counter %d: %w", c.ID, err)
			}
		}
	default:
		return nil, fmt.Errorf("unknown frame kind %d", f.Kind)
	}

	binary.LittleEndian.PutUint64(b[start:], uint64(len(b)-start-lengthPrefix))
	return b, nil
}

// decoder reads fields from a frame body, remembering the first error.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: "+format, append([]any{ErrCorrupt}, args...)...)
	}
}

func (d *decoder) u8() uint8 {
	if d.err != nil {
		return 0
	}
	if len(d.data)-d.off < 1 {
		d.fail("truncated frame at byte %d", d.off)
		return 0
	}
	v := d.data[d.off]
	d.off++
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	if len(d.data)-d.off < 8 {
		d.fail("truncated frame at byte %d", d.off)
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v
}

func (d *decoder) str() string {
	n := d.u64()
	if d.err != nil {
		return ""
	}
	if uint64(len(d.data)-d.off) < n {
		d.fail("string of %d bytes overruns frame", n)
		return ""
	}
	s := string(d.data[d.off : d.off+int(n)])
	d.off += int(n)
	return s
}

func (d *decoder) value() counter.CounterType {
	if d.err != nil {
		return counter.CounterType{}
	}
	v, n, err := counter.DecodeBinary(d.data[d.off:])
	if err != nil {
		d.fail("%v", err)
		return counter.CounterType{}
	}
	d.off += n
	return v
}

// decodeFrame decodes one frame body, without its length prefix.
func decodeFrame(body []byte) (Frame, error) {
	d := decoder{data: body}
	f := Frame{
		Kind: Kind(d.u8()),
		TS:   d.u64(),
	}

	switch f.Kind {
	case KindDesc:
		f.Desc = counter.JobDesc{
			JobID:     d.str(),
			Command:   d.str(),
			Size:      d.u64(),
			Nodelist:  d.str(),
			Partition: d.str(),
			Cluster:   d.str(),
			RunDir:    d.str(),
			StartTime: d.u64(),
			EndTime:   d.u64(),
		}
	case KindCounterMetadata:
		f.Metadata = CounterMetadata{
			ID:   d.u64(),
			Name: d.str(),
			Doc:  d.str(),
		}
	case KindCounters:
		n := d.u64()
		// every counter takes at least an id and a tag
		if d.err == nil && n > uint64(len(body)-d.off)/12 {
			d.fail("%d counters overrun frame", n)
		}
		if d.err == nil {
			f.Counters = make([]Counter, 0, n)
		}
		for i := uint64(0); i < n && d.err == nil; i++ {
			f.Counters = append(f.Counters, Counter{ID: d.u64(), Value: d.value()})
		}
	default:
		if d.err == nil {
			d.fail("unknown frame kind %d", f.Kind)
		}
	}

	if d.err != nil {
		return Frame{}, d.err
	}
	if d.off != len(body) {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes in %s frame", ErrCorrupt, len(body)-d.off, f.Kind)
	}
	return f, nil
}

// decodeFrames decodes a whole trace file content.
func decodeFrames(data []byte) ([]Frame, error) {
	var frames []Frame
	off := 0
	for off < len(data) {
		if len(data)-off < lengthPrefix {
			return frames, fmt.Errorf("%w: truncated length at offset %d", ErrCorrupt, off)
		}
		n := binary.LittleEndian.Uint64(data[off:])
		off += lengthPrefix
		if n > uint64(len(data)-off) {
			return frames, fmt.Errorf("%w: frame at offset %d overruns the file", ErrCorrupt, off-lengthPrefix)
		}
		f, err := decodeFrame(data[off : off+int(n)])
		if err != nil {
			return frames, fmt.Errorf("frame at offset %d: %w", off-lengthPrefix, err)
		}
		frames = append(frames, f)
		off += int(n)
	}
	return frames, nil
}
