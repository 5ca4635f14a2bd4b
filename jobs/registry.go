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

package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/elastic/hpc-metric-proxy/counter"
	"github.com/elastic/hpc-metric-proxy/exporter"
	"github.com/elastic/hpc-metric-proxy/stats"

	"go.uber.org/zap"
)

const (
	profilesDir = "profiles"
	partialDir  = "partial"

	defaultTombstoneTTL = 10 * time.Minute
)

// ErrUnknownJob is returned for job ids that are not active.
var ErrUnknownJob = errors.New("no such job")

// State is the lifecycle stage of a job entry.
type State int

const (
	// Active entries hold at least one reference.
	Active State = iota
	// Draining entries reached zero references and are being persisted.
	Draining
	// Removed entries are gone from the registry.
	Removed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TraceSink records job profiles over time.
type TraceSink interface {
	Push(profile counter.JobProfile) error
	Done(desc counter.JobDesc) error
}

type entry struct {
	desc    counter.JobDesc
	store   *exporter.Exporter
	refs    int
	persist bool
	state   State
}

func (e *entry) profile() counter.JobProfile {
	return e.store.Profile(e.desc)
}

// Registry owns the per job metric stores of a proxy. Each entry is
// reference counted and its profile is persisted once, when the last
// reference is released.
type Registry struct {
	logger       *zap.SugaredLogger
	root         string
	host         string
	traces       TraceSink
	tombstoneTTL time.Duration
	now          func() time.Time

	main *entry

	mu         sync.Mutex
	entries    map[string]*entry
	tombstones map[string]time.Time
}

// New creates a registry persisting profiles under root. The profiles
// and partial directories are created if missing.
func New(root string, opts ...Option) (*Registry, error) {
	r := Registry{
		root:         root,
		tombstoneTTL: defaultTombstoneTTL,
		now:          time.Now,
		main: &entry{
			desc:  counter.MainJobDesc(),
			store: exporter.New(),
			refs:  1,
			state: Active,
		},
		entries:    make(map[string]*entry),
		tombstones: make(map[string]time.Time),
	}

	for _, opt := range opts {
		opt(&r)
	}

	if r.logger == nil {
		return nil, errors.New("logger cannot be empty")
	}

	if r.host == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname: %w", err)
		}
		r.host = host
	}

	for _, dir := range []string{r.root, r.profileDir(), r.partialDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create profile directory %s: %w", dir, err)
		}
	}

	r.entries[counter.MainJobID] = r.main

	return &r, nil
}

func (r *Registry) profileDir() string {
	return filepath.Join(r.root, profilesDir)
}

func (r *Registry) partialDir() string {
	return filepath.Join(r.root, partialDir)
}

// Main returns the store summing every job of this proxy.
func (r *Registry) Main() *exporter.Exporter {
	return r.main.store
}

// ResolveJob returns the store of desc, creating it on first reference.
// When persist is set on any reference the job profile is saved once it
// drains. The main job is pinned and never changes its refcount.
func (r *Registry) ResolveJob(desc counter.JobDesc, persist bool) *exporter.Exporter {
	if desc.JobID == counter.MainJobID {
		return r.main.store
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[desc.JobID]; ok {
		e.refs++
		if persist {
			e.persist = true
		}
		r.logger.Debugf("Acquired job %s, refcount %d", desc.JobID, e.refs)
		return e.store
	}

	delete(r.tombstones, desc.JobID)
	e := &entry{
		desc:    desc,
		store:   exporter.New(),
		refs:    1,
		persist: persist,
		state:   Active,
	}
	r.entries[desc.JobID] = e
	stats.SetActiveJobs(len(r.entries))
	r.logger.Debugf("Created job %s", desc.JobID)
	return e.store
}

// ResolveByID returns the store of an active job.
func (r *Registry) ResolveByID(jobid string) (*exporter.Exporter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobid]
	if !ok {
		return nil, false
	}
	return e.store, true
}

// RelaxJob releases one reference on desc. Releasing the last reference
// persists the profile if requested and removes the job. Releasing a job
// that already drained is a logic error and panics.
func (r *Registry) RelaxJob(desc counter.JobDesc) error {
	if desc.JobID == counter.MainJobID {
		return nil
	}

	r.mu.Lock()
	r.pruneTombstones()
	e, ok := r.entries[desc.JobID]
	if !ok {
		_, drained := r.tombstones[desc.JobID]
		r.mu.Unlock()
		if drained {
			panic(fmt.Sprintf("job %s released more times than acquired", desc.JobID))
		}
		return fmt.Errorf("%w: %s", ErrUnknownJob, desc.JobID)
	}
	if e.state != Active || e.refs <= 0 {
		r.mu.Unlock()
		panic(fmt.Sprintf("job %s has refcount %d in state %s", desc.JobID, e.refs, e.state))
	}

	e.refs--
	r.logger.Debugf("Released job %s, refcount %d", desc.JobID, e.refs)
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}

	e.state = Draining
	delete(r.entries, desc.JobID)
	stats.SetActiveJobs(len(r.entries))
	r.tombstones[desc.JobID] = r.now()
	r.mu.Unlock()

	return r.drain(e)
}

// drain runs outside the registry lock. Only the caller that moved e to
// Draining gets here.
func (r *Registry) drain(e *entry) error {
	var err error
	if e.persist {
		err = r.persistPartial(e.profile())
	}

	if r.traces != nil {
		if terr := r.traces.Done(e.desc); terr != nil {
			r.logger.Warnf("Failed to close trace of job %s: %v", e.desc.JobID, terr)
		}
	}

	r.mu.Lock()
	e.state = Removed
	r.mu.Unlock()

	return err
}

func (r *Registry) pruneTombstones() {
	now := r.now()
	for id, at := range r.tombstones {
		if now.Sub(at) > r.tombstoneTTL {
			delete(r.tombstones, id)
		}
	}
}

func (r *Registry) sortedEntries() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		// main first, then by job id
		if out[i].desc.JobID == counter.MainJobID {
			return true
		}
		if out[j].desc.JobID == counter.MainJobID {
			return false
		}
		return out[i].desc.JobID < out[j].desc.JobID
	})
	return out
}

// ListJobs returns the description of every active job, main included.
func (r *Registry) ListJobs() []counter.JobDesc {
	entries := r.sortedEntries()
	out := make([]counter.JobDesc, len(entries))
	for i, e := range entries {
		out[i] = e.desc
	}
	return out
}

// Profiles returns the current profile of every active job, main
// included.
func (r *Registry) Profiles() []counter.JobProfile {
	entries := r.sortedEntries()
	out := make([]counter.JobProfile, len(entries))
	for i, e := range entries {
		out[i] = e.profile()
	}
	return out
}

// ProfileOf returns the current profile of an active job.
func (r *Registry) ProfileOf(jobid string) (counter.JobProfile, error) {
	r.mu.Lock()
	e, ok := r.entries[jobid]
	r.mu.Unlock()
	if !ok {
		return counter.JobProfile{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobid)
	}
	return e.profile(), nil
}

// Refcount returns the number of references held on an active job.
func (r *Registry) Refcount(jobid string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobid]
	if !ok {
		return 0, false
	}
	return e.refs, true
}

// Push registers snap in the main store and, when given, in a job store.
func (r *Registry) Push(snap counter.CounterSnapshot, job *exporter.Exporter) error {
	if err := r.main.store.Push(snap); err != nil {
		return err
	}
	if job != nil && job != r.main.store {
		return job.Push(snap)
	}
	return nil
}

// Accumulate adds snap to the main store and, when given, to a job store.
func (r *Registry) Accumulate(snap counter.CounterSnapshot, job *exporter.Exporter) error {
	if err := r.main.store.Accumulate(snap); err != nil {
		return err
	}
	if job != nil && job != r.main.store {
		return job.Accumulate(snap)
	}
	return nil
}
