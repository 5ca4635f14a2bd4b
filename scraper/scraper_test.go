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

package scraper_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elastic/hpc-metric-proxy/counter"
	"github.com/elastic/hpc-metric-proxy/jobs"
	"github.com/elastic/hpc-metric-proxy/scraper"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// countingRegistry records releases on top of a real registry.
type countingRegistry struct {
	*jobs.Registry

	mu      sync.Mutex
	relaxed map[string]int
}

func (r *countingRegistry) RelaxJob(desc counter.JobDesc) error {
	r.mu.Lock()
	r.relaxed[desc.JobID]++
	r.mu.Unlock()
	return r.Registry.RelaxJob(desc)
}

func (r *countingRegistry) relaxCount(jobid string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.relaxed[jobid]
}

func newRegistry(t *testing.T) *countingRegistry {
	t.Helper()
	r, err := jobs.New(t.TempDir(),
		jobs.WithLogger(zaptest.NewLogger(t).Sugar()),
		jobs.WithHostname("parent"),
	)
	require.NoError(t, err)
	return &countingRegistry{Registry: r, relaxed: make(map[string]int)}
}

// child serves the profile lists it is given, one per request, repeating
// the last one.
type child struct {
	mu     sync.Mutex
	rounds [][]counter.JobProfile
	hits   atomic.Int32
	status int
}

func (c *child) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.hits.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != 0 {
		w.WriteHeader(c.status)
		return
	}
	profiles := c.rounds[0]
	if len(c.rounds) > 1 {
		c.rounds = c.rounds[1:]
	}
	b, err := counter.MarshalProfiles(profiles)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(b)
}

func jobA(value float64) counter.JobProfile {
	return counter.JobProfile{
		Desc: counter.JobDesc{JobID: "jobA", Command: "./a"},
		Counters: []counter.CounterSnapshot{
			{Name: "c", Doc: "c doc", CType: counter.NewCounter(1, value)},
		},
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newEngine(t *testing.T, reg scraper.JobRegistry, c *clock) *scraper.Engine {
	t.Helper()
	e, err := scraper.NewEngine(reg,
		scraper.WithLogger(zaptest.NewLogger(t).Sugar()),
		scraper.WithClock(c.Now),
	)
	require.NoError(t, err)
	return e
}

func TestScrapeDeltasAndDepartures(t *testing.T) {
	// the first response answers the registration probe
	ch := &child{rounds: [][]counter.JobProfile{
		{},
		{jobA(5)},
		{jobA(9)},
		{},
	}}
	srv := httptest.NewServer(ch)
	defer srv.Close()

	reg := newRegistry(t)
	c := &clock{now: time.Unix(1700000000, 0)}
	e := newEngine(t, reg, c)
	ctx := context.Background()
	require.NoError(t, e.Add(ctx, scraper.Target{Addr: srv.URL, Period: time.Second}))

	e.ScrapeAll(ctx)
	store, ok := reg.ResolveByID("jobA")
	require.True(t, ok)
	got, err := store.Get("c")
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.CType.Float())

	c.advance(time.Second)
	e.ScrapeAll(ctx)
	got, err = store.Get("c")
	require.NoError(t, err)
	assert.Equal(t, 9.0, got.CType.Float())
	assert.Equal(t, 0, reg.relaxCount("jobA"))

	c.advance(time.Second)
	e.ScrapeAll(ctx)
	assert.Equal(t, 1, reg.relaxCount("jobA"))
	_, ok = reg.ResolveByID("jobA")
	assert.False(t, ok)

	c.advance(time.Second)
	e.ScrapeAll(ctx)
	assert.Equal(t, 1, reg.relaxCount("jobA"))
	assert.Len(t, e.List(), 1)
}

func TestScrapeRespectsPeriod(t *testing.T) {
	ch := &child{rounds: [][]counter.JobProfile{{jobA(1)}}}
	srv := httptest.NewServer(ch)
	defer srv.Close()

	reg := newRegistry(t)
	c := &clock{now: time.Unix(1700000000, 0)}
	e := newEngine(t, reg, c)
	ctx := context.Background()
	require.NoError(t, e.Add(ctx, scraper.Target{Addr: srv.URL, Period: 5 * time.Second}))
	require.EqualValues(t, 1, ch.hits.Load())

	e.ScrapeAll(ctx)
	e.ScrapeAll(ctx)
	c.advance(4 * time.Second)
	e.ScrapeAll(ctx)
	assert.EqualValues(t, 2, ch.hits.Load())

	c.advance(time.Second)
	e.ScrapeAll(ctx)
	assert.EqualValues(t, 3, ch.hits.Load())
}

func TestMainProfileFeedsMainStore(t *testing.T) {
	main := counter.JobProfile{
		Desc:     counter.MainJobDesc(),
		Counters: []counter.CounterSnapshot{{Name: "c", Doc: "c", CType: counter.NewCounter(1, 3)}},
	}
	ch := &child{rounds: [][]counter.JobProfile{{main}}}
	srv := httptest.NewServer(ch)
	defer srv.Close()

	reg := newRegistry(t)
	c := &clock{now: time.Unix(1700000000, 0)}
	e := newEngine(t, reg, c)
	ctx := context.Background()
	require.NoError(t, e.Add(ctx, scraper.Target{Addr: srv.URL}))

	e.ScrapeAll(ctx)
	got, err := reg.Main().Get("c")
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.CType.Float())
}

func TestFailingChildIsDropped(t *testing.T) {
	ch := &child{rounds: [][]counter.JobProfile{{jobA(1)}}}
	srv := httptest.NewServer(ch)
	defer srv.Close()

	reg := newRegistry(t)
	c := &clock{now: time.Unix(1700000000, 0)}
	e := newEngine(t, reg, c)
	ctx := context.Background()
	require.NoError(t, e.Add(ctx, scraper.Target{Addr: srv.URL}))
	e.ScrapeAll(ctx)
	_, ok := reg.ResolveByID("jobA")
	require.True(t, ok)

	ch.mu.Lock()
	ch.status = http.StatusInternalServerError
	ch.mu.Unlock()
	c.advance(time.Second)
	e.ScrapeAll(ctx)

	assert.Empty(t, e.List())
	assert.Equal(t, 1, reg.relaxCount("jobA"))
	_, ok = reg.ResolveByID("jobA")
	assert.False(t, ok)
}

func TestAddProbesChild(t *testing.T) {
	testCases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		"not a list": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"operation":"nope","success":false}`))
		},
		"not json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
	}
	for name, handler := range testCases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			e := newEngine(t, newRegistry(t), &clock{now: time.Now()})
			err := e.Add(context.Background(), scraper.Target{Addr: srv.URL})
			assert.ErrorIs(t, err, scraper.ErrScrapeFailed)
			assert.Empty(t, e.List())
		})
	}
}

func TestParseTargets(t *testing.T) {
	testCases := map[string]struct {
		in      string
		want    []scraper.Target
		wantErr bool
	}{
		"default period": {
			in:   "node01:1337",
			want: []scraper.Target{{Addr: "node01:1337", Period: time.Second}},
		},
		"explicit periods": {
			in: "a:1@250, b:2@5000",
			want: []scraper.Target{
				{Addr: "a:1", Period: 250 * time.Millisecond},
				{Addr: "b:2", Period: 5 * time.Second},
			},
		},
		"empty": {
			in: "",
		},
		"bad period": {
			in:      "a:1@soon",
			wantErr: true,
		},
		"missing address": {
			in:      "@100",
			wantErr: true,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got, err := scraper.ParseTargets(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	assert.Equal(t, "a:1@250", scraper.Target{Addr: "a:1", Period: 250 * time.Millisecond}.String())
	assert.True(t, strings.HasSuffix(scraper.Target{Addr: "x"}.String(), "@0"))
}
