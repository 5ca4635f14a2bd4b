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

package exporter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/elastic/hpc-metric-proxy/counter"
)

// ErrUnknownKey is returned when setting or accumulating a metric that
// was never pushed.
var ErrUnknownKey = errors.New("unknown key")

// entry is one metric cell. Its lock linearizes updates to that metric
// only.
type entry struct {
	mu   sync.Mutex
	snap counter.CounterSnapshot
}

func (e *entry) load() counter.CounterSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

// group holds every labeled series of one metric family.
type group struct {
	family string
	doc    string

	mu      sync.RWMutex
	entries map[string]*entry
}

func (g *group) lookup(name string) (*entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[name]
	return e, ok
}

func (g *group) push(snap counter.CounterSnapshot) {
	if _, ok := g.lookup(snap.Name); ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[snap.Name]; ok {
		return
	}
	g.entries[snap.Name] = &entry{snap: snap}
}

// sorted returns the group's cells ordered by metric name.
func (g *group) sorted() []*entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.entries))
	for name := range g.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*entry, len(names))
	for i, name := range names {
		out[i] = g.entries[name]
	}
	return out
}

// Exporter is an in-memory table of metric families. One instance exists
// per job plus one summing every job.
type Exporter struct {
	mu     sync.RWMutex
	groups map[string]*group
}

// New returns an empty Exporter.
func New() *Exporter {
	return &Exporter{
		groups: make(map[string]*group),
	}
}

func (e *Exporter) group(family string) (*group, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.groups[family]
	return g, ok
}

func (e *Exporter) cell(name string) (*entry, error) {
	g, ok := e.group(counter.Family(name))
	if !ok {
		return nil, fmt.Errorf("%w: no such key %s", ErrUnknownKey, name)
	}
	c, ok := g.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: no such key %s", ErrUnknownKey, name)
	}
	return c, nil
}

// Push registers snap under its family. Pushing a name that already
// exists is a no-op and keeps the stored value.
func (e *Exporter) Push(snap counter.CounterSnapshot) error {
	if err := counter.ValidateName(snap.Name); err != nil {
		return err
	}
	if snap.CType.IsZero() {
		return fmt.Errorf("cannot push %s: %w", snap.Name, counter.ErrEmpty)
	}
	if err := snap.CType.CheckFinite(); err != nil {
		return fmt.Errorf("cannot push %s: %w", snap.Name, err)
	}
	family := counter.Family(snap.Name)

	g, ok := e.group(family)
	if !ok {
		e.mu.Lock()
		if g, ok = e.groups[family]; !ok {
			g = &group{
				family:  family,
				doc:     snap.Doc,
				entries: make(map[string]*entry),
			}
			e.groups[family] = g
		}
		e.mu.Unlock()
	}

	g.push(snap)
	return nil
}

// Set overwrites the stored value of a registered metric.
func (e *Exporter) Set(snap counter.CounterSnapshot) error {
	if snap.CType.IsZero() {
		return fmt.Errorf("cannot set %s: %w", snap.Name, counter.ErrEmpty)
	}
	if err := snap.CType.CheckFinite(); err != nil {
		return fmt.Errorf("cannot set %s: %w", snap.Name, err)
	}
	c, err := e.cell(snap.Name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.CType = snap.CType
	return nil
}

// Accumulate merges snap into the stored value of a registered metric.
// A sum overflowing to infinity is rejected and the stored value kept.
func (e *Exporter) Accumulate(snap counter.CounterSnapshot) error {
	if err := snap.CType.CheckFinite(); err != nil {
		return fmt.Errorf("failed to accumulate %s: %w", snap.Name, err)
	}
	c, err := e.cell(snap.Name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	merged, err := c.snap.CType.Merge(snap.CType)
	if err != nil {
		return fmt.Errorf("failed to accumulate %s: %w", snap.Name, err)
	}
	if err := merged.CheckFinite(); err != nil {
		return fmt.Errorf("failed to accumulate %s: %w", snap.Name, err)
	}
	c.snap.CType = merged
	return nil
}

// Get returns the current snapshot of a registered metric.
func (e *Exporter) Get(name string) (counter.CounterSnapshot, error) {
	c, err := e.cell(name)
	if err != nil {
		return counter.CounterSnapshot{}, err
	}
	return c.load(), nil
}

func (e *Exporter) sortedGroups() []*group {
	e.mu.RLock()
	defer e.mu.RUnlock()
	families := make([]string, 0, len(e.groups))
	for f := range e.groups {
		families = append(families, f)
	}
	sort.Strings(families)
	out := make([]*group, len(families))
	for i, f := range families {
		out[i] = e.groups[f]
	}
	return out
}

// helpEscaper escapes HELP text as the text exposition format requires.
var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

// Serialize renders the store in the Prometheus text exposition format.
func (e *Exporter) Serialize() string {
	var sb strings.Builder
	for _, g := range e.sortedGroups() {
		cells := g.sorted()
		metricType := "untyped"
		if len(cells) > 0 {
			metricType = exposedType(cells[0].load().CType)
		}
		fmt.Fprintf(&sb, "# HELP %s %s\n", g.family, helpEscaper.Replace(g.doc))
		fmt.Fprintf(&sb, "# TYPE %s %s\n", g.family, metricType)
		for _, c := range cells {
			snap := c.load()
			fmt.Fprintf(&sb, "%s %s\n", snap.Name, snap.CType.String())
		}
	}
	sb.WriteString("# EOF\n")
	return sb.String()
}

// Snapshot returns every stored counter, ordered by family then name.
func (e *Exporter) Snapshot() []counter.CounterSnapshot {
	var out []counter.CounterSnapshot
	for _, g := range e.sortedGroups() {
		for _, c := range g.sorted() {
			out = append(out, c.load())
		}
	}
	return out
}

// Profile materializes the store as the profile of desc.
func (e *Exporter) Profile(desc counter.JobDesc) counter.JobProfile {
	counters := e.Snapshot()
	if counters == nil {
		counters = []counter.CounterSnapshot{}
	}
	return counter.JobProfile{
		Desc:     desc,
		Counters: counters,
	}
}

func exposedType(ct counter.CounterType) string {
	if ct.IsZero() {
		return "untyped"
	}
	switch ct.Kind() {
	case counter.KindCounter:
		return "counter"
	default:
		return "untyped"
	}
}
