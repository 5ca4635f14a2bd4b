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

package tree

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultFanIn is the number of children a proxy accepts by default.
const DefaultFanIn = 2

// ErrNoParent is returned when no proxy can accept a new child.
var ErrNoParent = errors.New("no parent available")

type PivotOption func(*Pivot)

// WithFanIn sets the maximum number of children per proxy.
func WithFanIn(n int) PivotOption {
	return func(p *Pivot) {
		if n > 0 {
			p.fanIn = n
		}
	}
}

// Edge links a parent proxy to one of its children.
type Edge struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

// Pivot assigns parents to joining proxies so the aggregation tree stays
// balanced with a bounded fan-in.
type Pivot struct {
	self  string
	fanIn int

	mu       sync.Mutex
	order    []string
	children map[string]int
	edges    []Edge
}

// NewPivot returns a pivot table rooted at self.
func NewPivot(self string, opts ...PivotOption) *Pivot {
	p := &Pivot{
		self:     self,
		fanIn:    DefaultFanIn,
		children: make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.add(self)
	return p
}

func (p *Pivot) FanIn() int {
	return p.fanIn
}

func (p *Pivot) add(node string) {
	if _, ok := p.children[node]; ok {
		return
	}
	p.children[node] = 0
	p.order = append(p.order, node)
}

// Assign returns the parent of from. A proxy that already has children
// but room for more is preferred over one without children, so filling
// happens level by level. from is recorded as a new node.
func (p *Pivot) Assign(from string) (string, error) {
	if from == "" {
		return "", fmt.Errorf("%w: empty requester address", ErrNoParent)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var partial, free string
	for _, node := range p.order {
		if node == from {
			continue
		}
		n := p.children[node]
		if n > 0 && n < p.fanIn && partial == "" {
			partial = node
		}
		if n < p.fanIn && free == "" {
			free = node
		}
	}

	parent := partial
	if parent == "" {
		parent = free
	}
	if parent == "" {
		return "", fmt.Errorf("%w for %s", ErrNoParent, from)
	}

	p.children[parent]++
	p.edges = append(p.edges, Edge{Parent: parent, Child: from})
	p.add(from)
	return parent, nil
}

// Children returns the number of children assigned to node.
func (p *Pivot) Children(node string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.children[node]
}

// Topology returns every parent to child edge in assignment order. A
// proxy without children reports a single edge to itself.
func (p *Pivot) Topology() []Edge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.edges) == 0 {
		return []Edge{{Parent: p.self, Child: p.self}}
	}
	out := make([]Edge, len(p.edges))
	copy(out, p.edges)
	return out
}
