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

// Package stats holds the self-instrumentation of the proxy, exposed on
// /proxy/metrics next to the Go runtime collectors.
package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "metric_proxy_"

var activeJobs = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: prefix + "active_jobs",
		Help: "Number of jobs currently tracked by the registry, main included",
	},
)

var ipcConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: prefix + "ipc_connections",
		Help: "Number of open client connections on the unix socket",
	},
)

var ipcCommands = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "ipc_commands_total",
		Help: "Number of client commands processed, by command and result",
	},
	[]string{"command", "result"},
)

var scrapes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "scrapes_total",
		Help: "Number of scrape rounds against child proxies, by result",
	},
	[]string{"result"},
)

var scrapeDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    prefix + "scrape_duration_seconds",
		Help:    "Time taken by one scrape round against a child proxy",
		Buckets: prometheus.DefBuckets,
	},
)

var scrapers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: prefix + "scrapers",
		Help: "Number of child proxies currently scraped",
	},
)

var profilesAggregated = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "profiles_aggregated_total",
		Help: "Number of partial profiles folded into durable profiles, by result",
	},
	[]string{"result"},
)

var traceFrames = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "trace_frames_total",
		Help: "Number of frames appended to trace files, by frame kind",
	},
	[]string{"kind"},
)

var traceBytes = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: prefix + "trace_bytes",
		Help: "Total size of the trace files known to the view",
	},
)

var tracesEvicted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "traces_evicted_total",
		Help: "Number of frozen traces deleted to respect the size bound",
	},
)

var httpRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "http_requests_total",
		Help: "Number of HTTP requests served, by route and status code",
	},
	[]string{"route", "code"},
)

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func SetActiveJobs(n int) {
	activeJobs.Set(float64(n))
}

func IPCConnectionOpened() {
	ipcConnections.Inc()
}

func IPCConnectionClosed() {
	ipcConnections.Dec()
}

func RecordIPCCommand(command string, err error) {
	ipcCommands.With(prometheus.Labels{"command": command, "result": result(err)}).Inc()
}

func RecordScrape(duration time.Duration, err error) {
	scrapes.With(prometheus.Labels{"result": result(err)}).Inc()
	scrapeDuration.Observe(duration.Seconds())
}

func SetScrapers(n int) {
	scrapers.Set(float64(n))
}

func RecordProfileAggregation(err error) {
	profilesAggregated.With(prometheus.Labels{"result": result(err)}).Inc()
}

func RecordTraceFrames(kind string, n int) {
	traceFrames.With(prometheus.Labels{"kind": kind}).Add(float64(n))
}

func SetTraceBytes(n int64) {
	traceBytes.Set(float64(n))
}

func RecordTraceEviction() {
	tracesEvicted.Inc()
}

func RecordHTTPRequest(route string, code string) {
	httpRequests.With(prometheus.Labels{"route": route, "code": code}).Inc()
}
