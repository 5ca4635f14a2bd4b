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
	"errors"
	"fmt"
	"strings"

	"go.elastic.co/fastjson"
)

// MainJobID is the job aggregating every counter seen by a proxy.
const MainJobID = "main"

// ErrBadName is returned for metric names with unmatched label braces.
var ErrBadName = errors.New("bad metric name")

// CounterSnapshot is the point-in-time state of one named metric. Name
// may carry a label set using the family{labels} convention.
type CounterSnapshot struct {
	Name  string      `json:"name"`
	Doc   string      `json:"doc"`
	CType CounterType `json:"ctype"`
}

// Family returns the portion of name before the label set.
func Family(name string) string {
	family, _, _ := strings.Cut(name, "{")
	return family
}

// ValidateName rejects names whose label set is not closed.
func ValidateName(name string) error {
	open := strings.IndexByte(name, '{')
	if open < 0 {
		return nil
	}
	if strings.IndexByte(name[open:], '}') < 0 {
		return fmt.Errorf("%w: %q has unmatched brackets", ErrBadName, name)
	}
	return nil
}

func (s *CounterSnapshot) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawString(`{"name":`)
	w.String(s.Name)
	w.RawString(`,"doc":`)
	w.String(s.Doc)
	w.RawString(`,"ctype":`)
	if err := s.CType.MarshalFastJSON(w); err != nil {
		return err
	}
	w.RawByte('}')
	return nil
}

// JobDesc identifies a job. It is immutable once observed, except for
// EndTime which may be backfilled from the last recorded activity.
type JobDesc struct {
	JobID     string `json:"jobid"`
	Command   string `json:"command"`
	Size      uint64 `json:"size"`
	Nodelist  string `json:"nodelist"`
	Partition string `json:"partition"`
	Cluster   string `json:"cluster"`
	RunDir    string `json:"run_dir"`
	StartTime uint64 `json:"start_time"`
	EndTime   uint64 `json:"end_time"`
}

// MainJobDesc describes the job summing all jobs of a proxy.
func MainJobDesc() JobDesc {
	return JobDesc{
		JobID:   MainJobID,
		Command: "Sum of all Jobs",
	}
}

func (d *JobDesc) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawString(`{"jobid":`)
	w.String(d.JobID)
	w.RawString(`,"command":`)
	w.String(d.Command)
	w.RawString(`,"size":`)
	w.Uint64(d.Size)
	w.RawString(`,"nodelist":`)
	w.String(d.Nodelist)
	w.RawString(`,"partition":`)
	w.String(d.Partition)
	w.RawString(`,"cluster":`)
	w.String(d.Cluster)
	w.RawString(`,"run_dir":`)
	w.String(d.RunDir)
	w.RawString(`,"start_time":`)
	w.Uint64(d.StartTime)
	w.RawString(`,"end_time":`)
	w.Uint64(d.EndTime)
	w.RawByte('}')
	return nil
}

// JobProfile is the full counter state of a job.
type JobProfile struct {
	Desc     JobDesc           `json:"desc"`
	Counters []CounterSnapshot `json:"counters"`
}

// Clone returns a deep copy of p. Values are immutable so the counter
// slice copy is enough.
func (p *JobProfile) Clone() JobProfile {
	counters := make([]CounterSnapshot, len(p.Counters))
	copy(counters, p.Counters)
	return JobProfile{Desc: p.Desc, Counters: counters}
}

// Merge accumulates other into p by counter name. Counters unknown to p
// are appended.
func (p *JobProfile) Merge(other JobProfile) error {
	index := p.index()
	for _, c := range other.Counters {
		i, ok := index[c.Name]
		if !ok {
			index[c.Name] = len(p.Counters)
			p.Counters = append(p.Counters, c)
			continue
		}
		merged, err := p.Counters[i].CType.Merge(c.CType)
		if err != nil {
			return fmt.Errorf("failed to merge %s: %w", c.Name, err)
		}
		p.Counters[i].CType = merged
	}
	return nil
}

// Subtract turns p into the delta since previous. Counters absent from
// previous are kept whole.
func (p *JobProfile) Subtract(previous JobProfile) error {
	prev := previous.index()
	for i := range p.Counters {
		j, ok := prev[p.Counters[i].Name]
		if !ok {
			continue
		}
		delta, err := p.Counters[i].CType.Sub(previous.Counters[j].CType)
		if err != nil {
			return fmt.Errorf("failed to subtract %s: %w", p.Counters[i].Name, err)
		}
		p.Counters[i].CType = delta
	}
	return nil
}

// Counter returns the snapshot named name.
func (p *JobProfile) Counter(name string) (CounterSnapshot, bool) {
	for _, c := range p.Counters {
		if c.Name == name {
			return c, true
		}
	}
	return CounterSnapshot{}, false
}

func (p *JobProfile) index() map[string]int {
	m := make(map[string]int, len(p.Counters))
	for i, c := range p.Counters {
		m[c.Name] = i
	}
	return m
}

func (p *JobProfile) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawString(`{"desc":`)
	if err := p.Desc.MarshalFastJSON(w); err != nil {
		return err
	}
	w.RawString(`,"counters":[`)
	for i := range p.Counters {
		if i > 0 {
			w.RawByte(',')
		}
		if err := p.Counters[i].MarshalFastJSON(w); err != nil {
			return err
		}
	}
	w.RawString(`]}`)
	return nil
}

// MarshalProfiles encodes profiles as a JSON array.
func MarshalProfiles(profiles []JobProfile) ([]byte, error) {
	var w fastjson.Writer
	w.RawByte('[')
	for i := range profiles {
		if i > 0 {
			w.RawByte(',')
		}
		if err := profiles[i].MarshalFastJSON(&w); err != nil {
			return nil, err
		}
	}
	w.RawByte(']')
	return w.Bytes(), nil
}
