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

package web_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/elastic/hpc-metric-proxy/counter"
	"github.com/elastic/hpc-metric-proxy/jobs"
	"github.com/elastic/hpc-metric-proxy/scraper"
	"github.com/elastic/hpc-metric-proxy/trace"
	"github.com/elastic/hpc-metric-proxy/tree"
	"github.com/elastic/hpc-metric-proxy/web"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	srv    *httptest.Server
	jobs   *jobs.Registry
	traces *trace.View
	engine *scraper.Engine
}

func newFixture(t *testing.T, opts ...web.Option) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	reg, err := jobs.New(t.TempDir(), jobs.WithLogger(log), jobs.WithHostname("node01"))
	require.NoError(t, err)
	view, err := trace.NewView(t.TempDir(),
		trace.WithLogger(log),
		trace.WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	)
	require.NoError(t, err)
	engine, err := scraper.NewEngine(reg, scraper.WithLogger(log))
	require.NoError(t, err)

	s, err := web.New("localhost:0", web.Backends{
		Jobs:    reg,
		Traces:  view,
		Scrapes: engine,
		Pivot:   tree.NewPivot("root:1337"),
	}, append([]web.Option{web.WithLogger(log)}, opts...)...)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, jobs: reg, traces: view, engine: engine}
}

func (f *fixture) get(t *testing.T, path string, header ...string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestNewRequiresBackends(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	_, err := web.New("localhost:0", web.Backends{}, web.WithLogger(log))
	assert.Error(t, err)
}

func TestMainStoreEndpoints(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/push?key=calls&doc=number+of+calls")
	require.Equal(t, http.StatusOK, code, string(body))
	assert.True(t, gjson.GetBytes(body, "success").Bool())

	code, _ = f.get(t, "/accumulate?key=calls&value=2")
	require.Equal(t, http.StatusOK, code)
	code, _ = f.get(t, "/accumulate?key=calls&value=1.5")
	require.Equal(t, http.StatusOK, code)

	code, body = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "# HELP calls number of calls\n")
	assert.Contains(t, string(body), "calls 3.5\n")
	assert.True(t, strings.HasSuffix(string(body), "# EOF\n"))

	code, _ = f.get(t, "/set?key=calls&value=10")
	require.Equal(t, http.StatusOK, code)
	snap, err := f.jobs.Main().Get("calls")
	require.NoError(t, err)
	assert.Equal(t, 10.0, snap.CType.Float())

	code, body = f.get(t, "/job")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, counter.MainJobID, gjson.GetBytes(body, "0.desc.jobid").String())
	assert.Equal(t, 10.0, gjson.GetBytes(body, "0.counters.0.ctype.Counter.value").Float())

	code, body = f.get(t, "/joblist")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(1), gjson.GetBytes(body, "#").Int())
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)
	testCases := map[string]string{
		"unknown job metrics":   "/metrics?job=nope",
		"unknown job profile":   "/job?job=nope",
		"accumulate unknown":    "/accumulate?key=missing&value=1",
		"set without value":     "/set?key=calls",
		"set with bad value":    "/set?key=calls&value=lots",
		"set nan":               "/set?key=calls&value=NaN",
		"accumulate infinity":   "/accumulate?key=calls&value=Inf",
		"push bad name":         "/push?key=foo%7Bbar%3Dbaz",
		"pivot without from":    "/pivot",
		"join without to":       "/join",
		"join with bad period":  "/join?to=child:1&period=soon",
		"stored profile":        "/profiles/get?jobid=nope",
		"trace read unknown":    "/trace/read?job=nope",
		"trace plot no filter":  "/trace/plot?jobid=nope",
		"trace clear unknown":   "/trace/clear?job=nope",
		"trace infos no job":    "/trace/infos",
		"trace metrics unknown": "/trace/metrics?job=nope",
	}
	for name, path := range testCases {
		t.Run(name, func(t *testing.T) {
			code, body := f.get(t, path)
			assert.Equal(t, http.StatusBadRequest, code)
			res, err := tree.ParseApiResponse(body)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Operation)
		})
	}
}

func TestNonFiniteValuesKeepJobListValid(t *testing.T) {
	f := newFixture(t)

	code, _ := f.get(t, "/push?key=bytes")
	require.Equal(t, http.StatusOK, code)
	code, _ = f.get(t, "/accumulate?key=bytes&value=4")
	require.Equal(t, http.StatusOK, code)

	for _, path := range []string{
		"/accumulate?key=bytes&value=Inf",
		"/accumulate?key=bytes&value=-inf",
		"/set?key=bytes&value=NaN",
	} {
		code, body := f.get(t, path)
		assert.Equal(t, http.StatusBadRequest, code, path)
		assert.Contains(t, string(body), "not finite", path)
	}

	code, body := f.get(t, "/job")
	require.Equal(t, http.StatusOK, code)
	require.True(t, gjson.ValidBytes(body), string(body))
	assert.Equal(t, 4.0, gjson.GetBytes(body, "0.counters.0.ctype.Counter.value").Float())
}

func TestPivotAndTopology(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/topo")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[["root:1337","root:1337"]]`, string(body))

	steps := []struct{ from, want string }{
		{"a:1", "root:1337"},
		{"b:1", "root:1337"},
		{"c:1", "a:1"},
	}
	for _, step := range steps {
		code, body := f.get(t, "/pivot?from="+step.from)
		require.Equal(t, http.StatusOK, code, string(body))
		res, err := tree.ParseApiResponse(body)
		require.NoError(t, err)
		assert.Equal(t, tree.ApiResponse{Operation: step.want, Success: true}, res)
	}

	code, body = f.get(t, "/topo")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[["root:1337","a:1"],["root:1337","b:1"],["a:1","c:1"]]`, string(body))
}

func TestTreeEndpointsRequireToken(t *testing.T) {
	f := newFixture(t, web.WithToken("secret"))

	code, body := f.get(t, "/pivot?from=a:1")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, gjson.GetBytes(body, "success").Bool())

	code, _ = f.get(t, "/join?to=a:1", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.get(t, "/pivot?from=a:1", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, code)

	// read only endpoints stay open
	code, _ = f.get(t, "/topo")
	assert.Equal(t, http.StatusOK, code)
}

func TestJoinAddsScrapeTarget(t *testing.T) {
	child := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer child.Close()

	f := newFixture(t)
	code, body := f.get(t, "/join?to="+child.URL+"&period=250")
	require.Equal(t, http.StatusOK, code, string(body))
	assert.True(t, gjson.GetBytes(body, "success").Bool())
	assert.Equal(t, []scraper.Target{{Addr: child.URL, Period: 250 * time.Millisecond}}, f.engine.List())

	code, body = f.get(t, "/join/list")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `["`+child.URL+`@250"]`, string(body))

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	code, _ = f.get(t, "/join?to="+dead.URL)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Len(t, f.engine.List(), 1)
}

func TestTraceEndpoints(t *testing.T) {
	f := newFixture(t)
	desc := counter.JobDesc{JobID: "42", Command: "./app"}
	for _, v := range []float64{1, 3} {
		require.NoError(t, f.traces.Push(counter.JobProfile{
			Desc:     desc,
			Counters: []counter.CounterSnapshot{{Name: "x", Doc: "x", CType: counter.NewCounter(1, v)}},
		}))
	}

	code, body := f.get(t, "/trace/list")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "42", gjson.GetBytes(body, "0.desc.jobid").String())

	code, body = f.get(t, "/trace/infos?job=42")
	require.Equal(t, http.StatusOK, code)
	assert.False(t, gjson.GetBytes(body, "done").Bool())

	code, body = f.get(t, "/trace/metrics?job=42")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `["x"]`, string(body))

	code, body = f.get(t, "/trace/read?job=42&filter=x")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "42", gjson.GetBytes(body, "info.desc.jobid").String())
	assert.Equal(t, int64(3), gjson.GetBytes(body, "frames.#").Int())
	assert.Equal(t, "x", gjson.GetBytes(body, "frames.0.CounterMetadata.metadata.name").String())
	assert.Equal(t, 3.0, gjson.GetBytes(body, "frames.2.Counters.counters.0.value.Counter.value").Float())

	code, body = f.get(t, "/trace/plot?jobid=42&filter=x")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(2), gjson.GetBytes(body, "#").Int())
	assert.Equal(t, 3.0, gjson.GetBytes(body, "1.1").Float())

	// both samples share a timestamp so there is no slope
	code, body = f.get(t, "/trace/derivate?jobid=42&filter=x")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))

	code, _ = f.get(t, "/trace/clear?job=42")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, f.traces.List())
}

func TestStoredProfiles(t *testing.T) {
	f := newFixture(t)
	code, body := f.get(t, "/profiles")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))
}

func TestProxyMetrics(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/joblist")

	code, body := f.get(t, "/proxy/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `metric_proxy_http_requests_total{code="200",route="/joblist"}`)
}
