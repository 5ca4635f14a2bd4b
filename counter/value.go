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

package counter

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"go.elastic.co/fastjson"
)

// Kind identifies a CounterType variant. It doubles as the JSON tag of
// the variant, e.g. {"Counter": {...}}.
type Kind string

const (
	// KindCounter is a cumulative counter carrying the timestamp of its
	// last update.
	KindCounter Kind = "Counter"
)

var (
	// ErrIncompatible is returned when merging or subtracting values of
	// different variants.
	ErrIncompatible = errors.New("incompatible counter variants")
	// ErrUnknownKind is returned when decoding a variant that is not
	// registered.
	ErrUnknownKind = errors.New("unknown counter variant")
	// ErrEmpty is returned when operating on a CounterType holding no value.
	ErrEmpty = errors.New("empty counter value")
	// ErrNotFinite is returned for NaN and infinite values, which have no
	// JSON encoding.
	ErrNotFinite = errors.New("counter value is not finite")
)

// Value is one metric shape. Implementations are immutable: Merge and Sub
// return new values.
type Value interface {
	fastjson.Marshaler

	Kind() Kind
	// Merge sums other into the receiver.
	Merge(other Value) (Value, error)
	// Sub returns the receiver minus other.
	Sub(other Value) (Value, error)
	// Float is the value used for text exposition and time series.
	Float() float64
	// Timestamp is the Unix time of the last update, in seconds.
	Timestamp() uint64

	appendBinary(b []byte) []byte
}

// variant describes how to decode a registered Value shape. The binary
// tag is part of the trace file format and must never be reused.
type variant struct {
	tag          uint32
	decodeJSON   func([]byte) (Value, error)
	decodeBinary func([]byte) (Value, int, error)
}

var (
	variants = map[Kind]variant{
		KindCounter: {
			tag:          0,
			decodeJSON:   decodeCounterJSON,
			decodeBinary: decodeCounterBinary,
		},
	}
	variantsByTag = func() map[uint32]Kind {
		m := make(map[uint32]Kind, len(variants))
		for k, v := range variants {
			m[v.tag] = k
		}
		return m
	}()
)

// Counter is a cumulative value.
type Counter struct {
	TS    uint64  `json:"ts"`
	Value float64 `json:"value"`
}

func (c Counter) Kind() Kind        { return KindCounter }
func (c Counter) Float() float64    { return c.Value }
func (c Counter) Timestamp() uint64 { return c.TS }

func (c Counter) Merge(other Value) (Value, error) {
	o, ok := other.(Counter)
	if !ok {
		return nil, fmt.Errorf("%w: cannot merge %s into %s", ErrIncompatible, kindOf(other), KindCounter)
	}
	ts := c.TS
	if o.TS > ts {
		ts = o.TS
	}
	return Counter{TS: ts, Value: c.Value + o.Value}, nil
}

func (c Counter) Sub(other Value) (Value, error) {
	o, ok := other.(Counter)
	if !ok {
		return nil, fmt.Errorf("%w: cannot subtract %s from %s", ErrIncompatible, kindOf(other), KindCounter)
	}
	return Counter{TS: c.TS, Value: c.Value - o.Value}, nil
}

func (c Counter) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawString(`{"ts":`)
	w.Uint64(c.TS)
	w.RawString(`,"value":`)
	w.Float64(c.Value)
	w.RawByte('}')
	return nil
}

func (c Counter) appendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, c.TS)
	return binary.LittleEndian.AppendUint64(b, math.Float64bits(c.Value))
}

func decodeCounterJSON(data []byte) (Value, error) {
	var c Counter
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeCounterBinary(data []byte) (Value, int, error) {
	if len(data) < 16 {
		return nil, 0, fmt.Errorf("counter payload too short: %d bytes", len(data))
	}
	return Counter{
		TS:    binary.LittleEndian.Uint64(data[0:8]),
		Value: math.Float64frombits(binary.LittleEndian.Uint64(data[8:16])),
	}, 16, nil
}

func kindOf(v Value) Kind {
	if v == nil {
		return "<nil>"
	}
	return v.Kind()
}

// CounterType is the tagged union of metric shapes.
type CounterType struct {
	Value
}

// NewCounter returns a cumulative counter value.
func NewCounter(ts uint64, value float64) CounterType {
	return CounterType{Value: Counter{TS: ts, Value: value}}
}

// CheckFinite fails with ErrNotFinite when c holds NaN or an infinity.
func (c CounterType) CheckFinite() error {
	if c.IsZero() {
		return nil
	}
	if f := c.Value.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %v", ErrNotFinite, f)
	}
	return nil
}

// IsZero reports whether c holds no value.
func (c CounterType) IsZero() bool {
	return c.Value == nil
}

// Merge returns the variant-specific sum of c and other.
func (c CounterType) Merge(other CounterType) (CounterType, error) {
	if c.IsZero() || other.IsZero() {
		return CounterType{}, ErrEmpty
	}
	v, err := c.Value.Merge(other.Value)
	if err != nil {
		return CounterType{}, err
	}
	return CounterType{Value: v}, nil
}

// Sub returns the variant-specific difference c - other.
func (c CounterType) Sub(other CounterType) (CounterType, error) {
	if c.IsZero() || other.IsZero() {
		return CounterType{}, ErrEmpty
	}
	v, err := c.Value.Sub(other.Value)
	if err != nil {
		return CounterType{}, err
	}
	return CounterType{Value: v}, nil
}

// String renders the exposition value.
func (c CounterType) String() string {
	if c.IsZero() {
		return "0"
	}
	return strconv.FormatFloat(c.Value.Float(), 'g', -1, 64)
}

func (c CounterType) MarshalFastJSON(w *fastjson.Writer) error {
	if c.IsZero() {
		w.RawString("null")
		return nil
	}
	w.RawByte('{')
	w.String(string(c.Value.Kind()))
	w.RawByte(':')
	if err := c.Value.MarshalFastJSON(w); err != nil {
		return err
	}
	w.RawByte('}')
	return nil
}

func (c CounterType) MarshalJSON() ([]byte, error) {
	var w fastjson.Writer
	if err := c.MarshalFastJSON(&w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (c *CounterType) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		c.Value = nil
		return nil
	}
	var tagged map[Kind]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("failed to decode counter value: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("counter value must hold exactly one variant, got %d", len(tagged))
	}
	for kind, raw := range tagged {
		v, ok := variants[kind]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
		val, err := v.decodeJSON(raw)
		if err != nil {
			return fmt.Errorf("failed to decode %s value: %w", kind, err)
		}
		c.Value = val
	}
	return nil
}

// AppendBinary appends the binary encoding of c: a little-endian uint32
// variant tag followed by the variant payload.
func (c CounterType) AppendBinary(b []byte) ([]byte, error) {
	if c.IsZero() {
		return nil, ErrEmpty
	}
	v, ok := variants[c.Value.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, c.Value.Kind())
	}
	b = binary.LittleEndian.AppendUint32(b, v.tag)
	return c.Value.appendBinary(b), nil
}

// DecodeBinary decodes a value written by AppendBinary and returns the
// number of bytes consumed.
func DecodeBinary(data []byte) (CounterType, int, error) {
	if len(data) < 4 {
		return CounterType{}, 0, fmt.Errorf("counter tag truncated: %d bytes", len(data))
	}
	tag := binary.LittleEndian.Uint32(data)
	kind, ok := variantsByTag[tag]
	if !ok {
		return CounterType{}, 0, fmt.Errorf("%w: tag %d", ErrUnknownKind, tag)
	}
	val, n, err := variants[kind].decodeBinary(data[4:])
	if err != nil {
		return CounterType{}, 0, err
	}
	return CounterType{Value: val}, n + 4, nil
}
