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
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/elastic/hpc-metric-proxy/counter"
	"github.com/elastic/hpc-metric-proxy/stats"
)

const fileExt = ".trace"

var (
	// ErrTraceExists is returned when creating a trace for a job id that
	// already has a trace file.
	ErrTraceExists = errors.New("trace already exists")
	// ErrTraceDone is returned when pushing to a frozen trace.
	ErrTraceDone = errors.New("trace is done")
)

// Info summarizes a trace.
type Info struct {
	Desc      counter.JobDesc `json:"desc"`
	Size      uint64          `json:"size"`
	LastWrite uint64          `json:"lastwrite"`
	Done      bool            `json:"done"`
}

// Trace is the append-only frame log of one job.
type Trace struct {
	desc counter.JobDesc
	path string
	now  func() time.Time

	mu        sync.Mutex
	size      uint64
	lastWrite uint64
	done      bool
	// ids maps declared counter names to their id. It is nil until the
	// metadata of a reopened trace has been replayed.
	ids    map[string]uint64
	nextID uint64
}

func pathOf(dir, jobid string) string {
	return filepath.Join(dir, jobid+fileExt)
}

func unixTS(now func() time.Time) uint64 {
	return uint64(now().Unix())
}

// Create starts the trace of desc in dir. A job id is a one shot key: an
// existing file fails with ErrTraceExists.
func Create(dir string, desc counter.JobDesc, now func() time.Time) (*Trace, error) {
	path := pathOf(dir, desc.JobID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w at %s", ErrTraceExists, path)
		}
		return nil, fmt.Errorf("failed to create trace %s: %w", path, err)
	}
	defer f.Close()

	b, err := appendFrame(nil, &Frame{Kind: KindDesc, TS: unixTS(now), Desc: desc})
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(b); err != nil {
		return nil, fmt.Errorf("failed to write trace header %s: %w", path, err)
	}
	stats.RecordTraceFrames(KindDesc.String(), 1)

	return &Trace{
		desc: desc,
		path: path,
		now:  now,
		size: uint64(len(b)),
		ids:  make(map[string]uint64),
	}, nil
}

// lastFrameOffset walks the frame headers from the start of the file
// until a frame ends exactly at size.
func lastFrameOffset(r io.ReaderAt, size uint64) (uint64, error) {
	var hdr [lengthPrefix]byte
	var off uint64
	for {
		if off+lengthPrefix > size {
			return 0, fmt.Errorf("%w: truncated length at offset %d", ErrCorrupt, off)
		}
		if _, err := r.ReadAt(hdr[:], int64(off)); err != nil {
			return 0, fmt.Errorf("failed to read frame header at %d: %w", off, err)
		}
		end := off + lengthPrefix + binary.LittleEndian.Uint64(hdr[:])
		switch {
		case end == size:
			return off, nil
		case end > size || end < off:
			return 0, fmt.Errorf("%w: overrun of the file when scanning for EOF", ErrCorrupt)
		}
		off = end
	}
}

func readFrameAt(r io.ReaderAt, off uint64) (Frame, error) {
	var hdr [lengthPrefix]byte
	if _, err := r.ReadAt(hdr[:], int64(off)); err != nil {
		return Frame{}, fmt.Errorf("failed to read frame header at %d: %w", off, err)
	}
	body := make([]byte, binary.LittleEndian.Uint64(hdr[:]))
	if _, err := r.ReadAt(body, int64(off+lengthPrefix)); err != nil {
		return Frame{}, fmt.Errorf("failed to read frame at %d: %w", off, err)
	}
	return decodeFrame(body)
}

// Open reopens an existing trace. The description comes from the first
// frame and its end time is backfilled from the timestamp of the last
// frame.
func Open(path string, now func() time.Time) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := uint64(st.Size())

	last, err := lastFrameOffset(f, size)
	if err != nil {
		return nil, err
	}
	first, err := readFrameAt(f, 0)
	if err != nil {
		return nil, err
	}
	if first.Kind != KindDesc {
		return nil, fmt.Errorf("%w: first frame is %s, not a job description", ErrCorrupt, first.Kind)
	}
	lastFrame := first
	if last != 0 {
		if lastFrame, err = readFrameAt(f, last); err != nil {
			return nil, err
		}
	}

	desc := first.Desc
	if lastFrame.TS != 0 {
		desc.EndTime = lastFrame.TS
	}

	return &Trace{
		desc:      desc,
		path:      path,
		now:       now,
		size:      size,
		lastWrite: lastFrame.TS,
	}, nil
}

func (t *Trace) Desc() counter.JobDesc {
	return t.desc
}

func (t *Trace) Path() string {
	return t.path
}

func (t *Trace) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		Desc:      t.desc,
		Size:      t.size,
		LastWrite: t.lastWrite,
		Done:      t.done,
	}
}

// Done freezes the trace. Later pushes fail with ErrTraceDone.
func (t *Trace) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
}

func (t *Trace) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// loadIDs replays the metadata frames of a reopened trace so new
// counters keep getting fresh ids.
func (t *Trace) loadIDs() error {
	_, frames, err := t.readAll()
	if err != nil {
		return err
	}
	t.ids = make(map[string]uint64)
	for _, f := range frames {
		if f.Kind != KindCounterMetadata {
			continue
		}
		t.ids[f.Metadata.Name] = f.Metadata.ID
		if f.Metadata.ID >= t.nextID {
			t.nextID = f.Metadata.ID + 1
		}
	}
	return nil
}

// Push appends a metadata frame for every counter name not seen before,
// then one Counters frame holding every value.
func (t *Trace) Push(counters []counter.CounterSnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return fmt.Errorf("%w: %s", ErrTraceDone, t.desc.JobID)
	}
	if t.ids == nil {
		if err := t.loadIDs(); err != nil {
			return err
		}
	}

	ts := unixTS(t.now)
	var (
		b        []byte
		err      error
		declared int
		fresh    = make(map[string]uint64)
	)
	values := Frame{Kind: KindCounters, TS: ts, Counters: make([]Counter, 0, len(counters))}
	nextID := t.nextID
	for _, c := range counters {
		id, ok := t.ids[c.Name]
		if !ok {
			if id, ok = fresh[c.Name]; !ok {
				id = nextID
				nextID++
				fresh[c.Name] = id
				meta := Frame{Kind: KindCounterMetadata, TS: ts, Metadata: CounterMetadata{ID: id, Name: c.Name, Doc: c.Doc}}
				if b, err = appendFrame(b, &meta); err != nil {
					return err
				}
				declared++
			}
		}
		values.Counters = append(values.Counters, Counter{ID: id, Value: c.CType})
	}
	if b, err = appendFrame(b, &values); err != nil {
		return err
	}

	f, err := os.OpenFile(t.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("failed to open trace %s: %w", t.path, err)
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("failed to append to trace %s: %w", t.path, err)
	}

	for name, id := range fresh {
		t.ids[name] = id
	}
	t.nextID = nextID
	t.size += uint64(len(b))
	t.lastWrite = ts
	stats.RecordTraceFrames(KindCounterMetadata.String(), declared)
	stats.RecordTraceFrames(KindCounters.String(), 1)
	return nil
}

func (t *Trace) readAll() (counter.JobDesc, []Frame, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return counter.JobDesc{}, nil, err
	}
	frames, err := decodeFrames(data)
	if err != nil {
		return counter.JobDesc{}, nil, err
	}
	if len(frames) == 0 || frames[0].Kind != KindDesc {
		return counter.JobDesc{}, nil, fmt.Errorf("%w: first frame of %s is not a job description", ErrCorrupt, t.path)
	}
	return frames[0].Desc, frames[1:], nil
}

// ReadAll replays the trace: its description and every following frame
// in write order.
func (t *Trace) ReadAll() (counter.JobDesc, []Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readAll()
}
