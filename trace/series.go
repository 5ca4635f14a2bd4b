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

import "go.elastic.co/fastjson"

// Point is one sample of a time series, encoded as [ts, value].
type Point struct {
	TS    uint64
	Value float64
}

func (p Point) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawByte('[')
	w.Uint64(p.TS)
	w.RawByte(',')
	w.Float64(p.Value)
	w.RawByte(']')
	return nil
}

// Series is a time ordered list of points.
type Series []Point

func (s Series) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawByte('[')
	for i, p := range s {
		if i > 0 {
			w.RawByte(',')
		}
		if err := p.MarshalFastJSON(w); err != nil {
			return err
		}
	}
	w.RawByte(']')
	return nil
}

// Derivate turns a cumulative series into its rate of change per second.
// Each point is the slope from the previous sample; samples sharing a
// timestamp with their predecessor are dropped.
func Derivate(s Series) Series {
	out := Series{}
	for i := 1; i < len(s); i++ {
		prev, cur := s[i-1], s[i]
		if cur.TS <= prev.TS {
			continue
		}
		out = append(out, Point{
			TS:    cur.TS,
			Value: (cur.Value - prev.Value) / float64(cur.TS-prev.TS),
		})
	}
	return out
}
