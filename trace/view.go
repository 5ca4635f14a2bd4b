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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elastic/hpc-metric-proxy/counter"
	"github.com/elastic/hpc-metric-proxy/stats"

	"github.com/hashicorp/go-multierror"
	"go.elastic.co/fastjson"
	"go.uber.org/zap"
)

const defaultMaxSize = 32 * 1024 * 1024

// ErrNoSuchTrace is returned for job ids without a trace.
var ErrNoSuchTrace = errors.New("no such trace")

type Option func(*View)

// WithLogger configures a custom zap logger to be used by
// the view.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(v *View) {
		v.logger = logger
	}
}

// WithMaxSize bounds the total size of trace files, in bytes. Zero
// disables the bound.
func WithMaxSize(size int64) Option {
	return func(v *View) {
		v.maxSize = size
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *View) {
		v.now = now
	}
}

// Read is the replay of one trace.
type Read struct {
	Info   Info
	Frames []Frame
}

func (r *Read) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawString(`{"info":{"desc":`)
	if err := r.Info.Desc.MarshalFastJSON(w); err != nil {
		return err
	}
	w.RawString(`,"size":`)
	w.Uint64(r.Info.Size)
	w.RawString(`,"lastwrite":`)
	w.Uint64(r.Info.LastWrite)
	w.RawString(`,"done":`)
	w.Bool(r.Info.Done)
	w.RawString(`},"frames":[`)
	for i := range r.Frames {
		if i > 0 {
			w.RawByte(',')
		}
		if err := r.Frames[i].MarshalFastJSON(w); err != nil {
			return err
		}
	}
	w.RawString(`]}`)
	return nil
}

// View indexes the traces of a directory by job id.
type View struct {
	logger  *zap.SugaredLogger
	dir     string
	maxSize int64
	now     func() time.Time

	mu     sync.RWMutex
	traces map[string]*Trace
}

// NewView opens every trace file of dir, creating dir if needed. Files
// that fail to open are logged and skipped. Reopened traces are frozen
// since their writer is gone.
func NewView(dir string, opts ...Option) (*View, error) {
	v := View{
		dir:     dir,
		maxSize: defaultMaxSize,
		now:     time.Now,
		traces:  make(map[string]*Trace),
	}

	for _, opt := range opts {
		opt(&v)
	}

	if v.logger == nil {
		return nil, errors.New("logger cannot be empty")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory %s: %w", dir, err)
	}

	if err := v.load(); err != nil {
		v.logger.Errorf("Some traces could not be loaded: %v", err)
	}
	v.updateSize()

	return &v, nil
}

func (v *View) load() error {
	matches, err := filepath.Glob(filepath.Join(v.dir, "*"+fileExt))
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, path := range matches {
		t, err := Open(path, v.now)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to load trace from %s: %w", path, err))
			continue
		}
		t.Done()
		v.traces[t.desc.JobID] = t
	}
	return result.ErrorOrNil()
}

func (v *View) get(jobid string) (*Trace, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.traces[jobid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTrace, jobid)
	}
	return t, nil
}

// Trace returns the trace of desc, creating it on first use.
func (v *View) Trace(desc counter.JobDesc) (*Trace, error) {
	if t, err := v.get(desc.JobID); err == nil {
		return t, nil
	}
	if desc.JobID == "" || strings.ContainsAny(desc.JobID, `/\`) {
		return nil, fmt.Errorf("invalid job id %q for a trace", desc.JobID)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.traces[desc.JobID]; ok {
		return t, nil
	}
	t, err := Create(v.dir, desc, v.now)
	if err != nil {
		return nil, err
	}
	v.traces[desc.JobID] = t
	v.logger.Debugf("Created trace %s", t.path)
	return t, nil
}

// Push appends the counters of profile to the trace of its job.
func (v *View) Push(profile counter.JobProfile) error {
	t, err := v.Trace(profile.Desc)
	if err != nil {
		return err
	}
	if err := t.Push(profile.Counters); err != nil {
		return err
	}
	v.enforceMaxSize()
	return nil
}

// Done freezes the trace of desc, if any.
func (v *View) Done(desc counter.JobDesc) error {
	t, err := v.get(desc.JobID)
	if err != nil {
		return nil
	}
	t.Done()
	v.enforceMaxSize()
	return nil
}

// List returns the info of every trace, ordered by job id.
func (v *View) List() []Info {
	v.mu.RLock()
	out := make([]Info, 0, len(v.traces))
	for _, t := range v.traces {
		out = append(out, t.Info())
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Desc.JobID < out[j].Desc.JobID
	})
	return out
}

// Infos returns the info of one trace.
func (v *View) Infos(jobid string) (Info, error) {
	t, err := v.get(jobid)
	if err != nil {
		return Info{}, err
	}
	return t.Info(), nil
}

// Read replays a trace. When filter is set only the metadata frame of
// that counter and its values are kept.
func (v *View) Read(jobid, filter string) (Read, error) {
	t, err := v.get(jobid)
	if err != nil {
		return Read{}, err
	}
	_, frames, err := t.ReadAll()
	if err != nil {
		return Read{}, err
	}
	if filter != "" {
		frames = filterFrames(frames, filter)
	}
	return Read{Info: t.Info(), Frames: frames}, nil
}

func filterFrames(frames []Frame, name string) []Frame {
	var (
		out   []Frame
		id    uint64
		found bool
	)
	for _, f := range frames {
		switch f.Kind {
		case KindCounterMetadata:
			if f.Metadata.Name == name {
				out = append(out, f)
				id, found = f.Metadata.ID, true
			}
		case KindCounters:
			if !found {
				continue
			}
			var kept []Counter
			for _, c := range f.Counters {
				if c.ID == id {
					kept = append(kept, c)
				}
			}
			if len(kept) > 0 {
				out = append(out, Frame{Kind: KindCounters, TS: f.TS, Counters: kept})
			}
		}
	}
	return out
}

// Metrics returns the counter names declared in a trace, in declaration
// order.
func (v *View) Metrics(jobid string) ([]string, error) {
	t, err := v.get(jobid)
	if err != nil {
		return nil, err
	}
	_, frames, err := t.ReadAll()
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, f := range frames {
		if f.Kind == KindCounterMetadata {
			names = append(names, f.Metadata.Name)
		}
	}
	return names, nil
}

// Plot returns the time series of one counter of a trace.
func (v *View) Plot(jobid, name string) (Series, error) {
	r, err := v.Read(jobid, name)
	if err != nil {
		return nil, err
	}
	series := Series{}
	for _, f := range r.Frames {
		if f.Kind != KindCounters {
			continue
		}
		for _, c := range f.Counters {
			series = append(series, Point{TS: f.TS, Value: c.Value.Float()})
		}
	}
	return series, nil
}

// Clear freezes a trace and deletes its file.
func (v *View) Clear(jobid string) error {
	v.mu.Lock()
	t, ok := v.traces[jobid]
	if ok {
		delete(v.traces, jobid)
	}
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchTrace, jobid)
	}

	t.Done()
	v.logger.Infof("Removing trace %s", t.path)
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove trace %s: %w", t.path, err)
	}
	v.updateSize()
	return nil
}

// TotalSize returns the summed size of every trace file.
func (v *View) TotalSize() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var total int64
	for _, t := range v.traces {
		total += int64(t.Info().Size)
	}
	return total
}

func (v *View) updateSize() {
	stats.SetTraceBytes(v.TotalSize())
}

// enforceMaxSize deletes frozen traces, least recently written first,
// until the total size fits the bound. Active traces are kept.
func (v *View) enforceMaxSize() {
	defer v.updateSize()
	if v.maxSize <= 0 || v.TotalSize() <= v.maxSize {
		return
	}

	v.mu.Lock()
	var (
		total  int64
		frozen []*Trace
	)
	for _, t := range v.traces {
		info := t.Info()
		total += int64(info.Size)
		if info.Done {
			frozen = append(frozen, t)
		}
	}
	sort.Slice(frozen, func(i, j int) bool {
		return frozen[i].Info().LastWrite < frozen[j].Info().LastWrite
	})

	var evicted []*Trace
	for _, t := range frozen {
		if total <= v.maxSize {
			break
		}
		delete(v.traces, t.desc.JobID)
		total -= int64(t.Info().Size)
		evicted = append(evicted, t)
	}
	v.mu.Unlock()

	for _, t := range evicted {
		v.logger.Infof("Trace size bound reached, removing %s", t.path)
		if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			v.logger.Warnf("Failed to remove trace %s: %v", t.path, err)
		}
		stats.RecordTraceEviction()
	}
}
