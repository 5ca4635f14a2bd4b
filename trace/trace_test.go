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
	"bytes"
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/elastic/hpc-metric-proxy/counter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/fastjson"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) tick() {
	c.now = c.now.Add(time.Second)
}

func newClock() *clock {
	return &clock{now: time.Unix(1700000000, 0)}
}

func snaps(kv ...any) []counter.CounterSnapshot {
	var out []counter.CounterSnapshot
	for i := 0; i < len(kv); i += 2 {
		name := kv[i].(string)
		out = append(out, counter.CounterSnapshot{
			Name:  name,
			Doc:   name + " doc",
			CType: counter.NewCounter(1, kv[i+1].(float64)),
		})
	}
	return out
}

var testDesc = counter.JobDesc{
	JobID:     "4242",
	Command:   "./lulesh -s 30",
	Size:      64,
	Nodelist:  "node[01-04]",
	Partition: "batch",
	Cluster:   "hpc",
	RunDir:    "/scratch/run",
	StartTime: 1699999990,
}

func TestReplaySequence(t *testing.T) {
	c := newClock()
	tr, err := Create(t.TempDir(), testDesc, c.Now)
	require.NoError(t, err)

	c.tick()
	t0 := uint64(c.now.Unix())
	require.NoError(t, tr.Push(snaps("x", 1.0)))
	c.tick()
	t1 := uint64(c.now.Unix())
	require.NoError(t, tr.Push(snaps("x", 2.0, "y", 5.0)))

	desc, frames, err := tr.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, testDesc, desc)

	want := []Frame{
		{Kind: KindCounterMetadata, TS: t0, Metadata: CounterMetadata{ID: 0, Name: "x", Doc: "x doc"}},
		{Kind: KindCounters, TS: t0, Counters: []Counter{{ID: 0, Value: counter.NewCounter(1, 1)}}},
		{Kind: KindCounterMetadata, TS: t1, Metadata: CounterMetadata{ID: 1, Name: "y", Doc: "y doc"}},
		{Kind: KindCounters, TS: t1, Counters: []Counter{{ID: 0, Value: counter.NewCounter(1, 2)}, {ID: 1, Value: counter.NewCounter(1, 5)}}},
	}
	assert.Equal(t, want, frames)

	filtered := filterFrames(frames, "y")
	require.Len(t, filtered, 2)
	assert.Equal(t, KindCounterMetadata, filtered[0].Kind)
	assert.Equal(t, Frame{Kind: KindCounters, TS: t1, Counters: []Counter{{ID: 1, Value: counter.NewCounter(1, 5)}}}, filtered[1])

	info := tr.Info()
	st, err := os.Stat(tr.Path())
	require.NoError(t, err)
	assert.Equal(t, uint64(st.Size()), info.Size)
	assert.Equal(t, t1, info.LastWrite)
}

func TestCreateExisting(t *testing.T) {
	dir := t.TempDir()
	c := newClock()
	_, err := Create(dir, testDesc, c.Now)
	require.NoError(t, err)
	_, err = Create(dir, testDesc, c.Now)
	assert.ErrorIs(t, err, ErrTraceExists)
}

func TestDoneRejectsPush(t *testing.T) {
	c := newClock()
	tr, err := Create(t.TempDir(), testDesc, c.Now)
	require.NoError(t, err)
	tr.Done()
	assert.ErrorIs(t, tr.Push(snaps("x", 1.0)), ErrTraceDone)
	assert.True(t, tr.Info().Done)
}

func TestReopen(t *testing.T) {
	c := newClock()
	tr, err := Create(t.TempDir(), testDesc, c.Now)
	require.NoError(t, err)
	c.tick()
	require.NoError(t, tr.Push(snaps("x", 1.0, "y", 2.0)))
	c.tick()
	require.NoError(t, tr.Push(snaps("x", 3.0)))
	last := uint64(c.now.Unix())

	reopened, err := Open(tr.Path(), c.Now)
	require.NoError(t, err)
	assert.Equal(t, last, reopened.Info().LastWrite)
	assert.Equal(t, tr.Info().Size, reopened.Info().Size)
	assert.Equal(t, last, reopened.Desc().EndTime)
	assert.Equal(t, testDesc.JobID, reopened.Desc().JobID)

	// ids keep counting from the replayed metadata
	c.tick()
	require.NoError(t, reopened.Push(snaps("y", 4.0, "z", 5.0)))
	_, frames, err := reopened.ReadAll()
	require.NoError(t, err)
	lastMeta := frames[len(frames)-2]
	assert.Equal(t, CounterMetadata{ID: 2, Name: "z", Doc: "z doc"}, lastMeta.Metadata)
	assert.Equal(t, []Counter{{ID: 1, Value: counter.NewCounter(1, 4)}, {ID: 2, Value: counter.NewCounter(1, 5)}}, frames[len(frames)-1].Counters)
}

func TestOpenCorrupt(t *testing.T) {
	testCases := map[string]func(path string) error{
		"overrun": func(path string) error {
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
			if err != nil {
				return err
			}
			defer f.Close()
			// a length promising more bytes than follow
			_, err = f.Write(binary.LittleEndian.AppendUint64(nil, 100))
			return err
		},
		"truncated length": func(path string) error {
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = f.Write([]byte{1, 2, 3})
			return err
		},
		"empty": func(path string) error {
			return os.Truncate(path, 0)
		},
	}
	for name, corrupt := range testCases {
		t.Run(name, func(t *testing.T) {
			c := newClock()
			tr, err := Create(t.TempDir(), testDesc, c.Now)
			require.NoError(t, err)
			require.NoError(t, tr.Push(snaps("x", 1.0)))
			require.NoError(t, corrupt(tr.Path()))

			_, err = Open(tr.Path(), c.Now)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestLastFrameOffset(t *testing.T) {
	var b []byte
	var offsets []uint64
	for i := 0; i < 3; i++ {
		offsets = append(offsets, uint64(len(b)))
		var err error
		b, err = appendFrame(b, &Frame{Kind: KindCounterMetadata, TS: uint64(i), Metadata: CounterMetadata{ID: uint64(i), Name: "n"}})
		require.NoError(t, err)
	}

	off, err := lastFrameOffset(bytes.NewReader(b), uint64(len(b)))
	require.NoError(t, err)
	assert.Equal(t, offsets[2], off)

	_, err = lastFrameOffset(bytes.NewReader(b), uint64(len(b)-1))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	testCases := map[string][]byte{
		"empty":        {},
		"unknown kind": append([]byte{9}, make([]byte, 8)...),
		"short string": append(append([]byte{byte(KindCounterMetadata)}, make([]byte, 16)...), binary.LittleEndian.AppendUint64(nil, 50)...),
		"huge count":   append(append([]byte{byte(KindCounters)}, make([]byte, 8)...), binary.LittleEndian.AppendUint64(nil, 1<<40)...),
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeFrame(body)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestFrameJSON(t *testing.T) {
	f := Frame{Kind: KindCounters, TS: 7, Counters: []Counter{{ID: 3, Value: counter.NewCounter(7, 1.5)}}}
	var w fastjson.Writer
	require.NoError(t, f.MarshalFastJSON(&w))
	assert.JSONEq(t, `{"Counters":{"ts":7,"counters":[{"id":3,"value":{"Counter":{"ts":7,"value":1.5}}}]}}`, string(w.Bytes()))

	d := Frame{Kind: KindCounterMetadata, TS: 1, Metadata: CounterMetadata{ID: 0, Name: "x", Doc: "d"}}
	w.Reset()
	require.NoError(t, d.MarshalFastJSON(&w))
	assert.JSONEq(t, `{"CounterMetadata":{"ts":1,"metadata":{"id":0,"name":"x","doc":"d"}}}`, string(w.Bytes()))
}
