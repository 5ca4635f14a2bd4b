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

package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elastic/hpc-metric-proxy/counter"
	"github.com/elastic/hpc-metric-proxy/exporter"
)

// ErrBadCommand is returned for commands that do not hold exactly one of
// Desc, Value or JobDesc.
var ErrBadCommand = errors.New("bad command")

// Registry is the part of the job registry driven by clients.
type Registry interface {
	ResolveJob(desc counter.JobDesc, persist bool) *exporter.Exporter
	RelaxJob(desc counter.JobDesc) error
	Push(snap counter.CounterSnapshot, job *exporter.Exporter) error
	Accumulate(snap counter.CounterSnapshot, job *exporter.Exporter) error
}

type valueCommand struct {
	Name  string              `json:"name"`
	Value counter.CounterType `json:"value"`
}

// command is one client message. Exactly one field is set.
type command struct {
	Desc    *counter.CounterSnapshot `json:"Desc,omitempty"`
	Value   *valueCommand            `json:"Value,omitempty"`
	JobDesc *counter.JobDesc         `json:"JobDesc,omitempty"`
}

func (c command) kind() string {
	switch {
	case c.Desc != nil:
		return "desc"
	case c.Value != nil:
		return "value"
	case c.JobDesc != nil:
		return "jobdesc"
	}
	return "unknown"
}

func parseCommand(data []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return command{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	n := 0
	for _, set := range []bool{cmd.Desc != nil, cmd.Value != nil, cmd.JobDesc != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return command{}, fmt.Errorf("%w: %s", ErrBadCommand, data)
	}
	return cmd, nil
}

// session is the state of one client connection.
type session struct {
	registry Registry
	job      *exporter.Exporter
	desc     *counter.JobDesc
}

func (s *session) handle(cmd command) error {
	switch {
	case cmd.Desc != nil:
		return s.registry.Push(*cmd.Desc, s.job)
	case cmd.Value != nil:
		return s.registry.Accumulate(counter.CounterSnapshot{Name: cmd.Value.Name, CType: cmd.Value.Value}, s.job)
	default:
		return s.attach(*cmd.JobDesc)
	}
}

// attach binds the session to a job. A session moving to another job
// releases the previous one first.
func (s *session) attach(desc counter.JobDesc) error {
	if s.desc != nil && s.desc.JobID == desc.JobID {
		return nil
	}
	if err := s.release(); err != nil {
		return err
	}
	if desc.JobID == "" {
		return nil
	}
	s.job = s.registry.ResolveJob(desc, true)
	s.desc = &desc
	return nil
}

// release drops the job reference held by the session, if any.
func (s *session) release() error {
	if s.desc == nil {
		return nil
	}
	desc := *s.desc
	s.desc = nil
	s.job = nil
	return s.registry.RelaxJob(desc)
}
