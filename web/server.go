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

package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/elastic/hpc-metric-proxy/counter"
	"github.com/elastic/hpc-metric-proxy/exporter"
	"github.com/elastic/hpc-metric-proxy/scraper"
	"github.com/elastic/hpc-metric-proxy/stats"
	"github.com/elastic/hpc-metric-proxy/trace"
	"github.com/elastic/hpc-metric-proxy/tree"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// JobStore is the job registry as seen by the HTTP surface.
type JobStore interface {
	Main() *exporter.Exporter
	ResolveByID(jobid string) (*exporter.Exporter, bool)
	ListJobs() []counter.JobDesc
	Profiles() []counter.JobProfile
	ProfileOf(jobid string) (counter.JobProfile, error)
	StoredProfiles() ([]counter.JobProfile, error)
	StoredProfile(jobid string) (counter.JobProfile, error)
}

type TraceStore interface {
	List() []trace.Info
	Infos(jobid string) (trace.Info, error)
	Read(jobid, filter string) (trace.Read, error)
	Metrics(jobid string) ([]string, error)
	Plot(jobid, name string) (trace.Series, error)
	Clear(jobid string) error
}

type ScrapeEngine interface {
	Add(ctx context.Context, target scraper.Target) error
	List() []scraper.Target
}

type Pivot interface {
	Assign(from string) (string, error)
	Topology() []tree.Edge
}

// Backends are the components served over HTTP.
type Backends struct {
	Jobs    JobStore
	Traces  TraceStore
	Scrapes ScrapeEngine
	Pivot   Pivot
}

// Server is the HTTP surface of a proxy.
type Server struct {
	logger   *zap.SugaredLogger
	token    string
	backends Backends
	server   *http.Server
	listener net.Listener
}

func New(addr string, backends Backends, opts ...Option) (*Server, error) {
	s := Server{
		backends: backends,
		server: &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(&s)
	}

	if backends.Jobs == nil || backends.Traces == nil || backends.Scrapes == nil || backends.Pivot == nil {
		return nil, errors.New("backends cannot be empty")
	}

	if s.logger == nil {
		return nil, errors.New("logger cannot be empty")
	}

	s.server.Handler = s.Handler()
	return &s, nil
}

// Handler returns the router serving every endpoint.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.record)

	r.HandleFunc("/job", s.handleJob).Methods(http.MethodGet)
	r.HandleFunc("/joblist", s.handleJobList).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/set", s.handleSet).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/accumulate", s.handleAccumulate).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/push", s.handlePush).Methods(http.MethodGet, http.MethodPost)

	r.HandleFunc("/pivot", s.authorize(s.handlePivot)).Methods(http.MethodGet)
	r.HandleFunc("/join", s.authorize(s.handleJoin)).Methods(http.MethodGet)
	r.HandleFunc("/join/list", s.handleJoinList).Methods(http.MethodGet)
	r.HandleFunc("/topo", s.handleTopo).Methods(http.MethodGet)

	r.HandleFunc("/profiles", s.handleProfiles).Methods(http.MethodGet)
	r.HandleFunc("/profiles/get", s.handleProfile).Methods(http.MethodGet)

	r.HandleFunc("/trace/list", s.handleTraceList).Methods(http.MethodGet)
	r.HandleFunc("/trace/infos", s.handleTraceInfos).Methods(http.MethodGet)
	r.HandleFunc("/trace/read", s.handleTraceRead).Methods(http.MethodGet)
	r.HandleFunc("/trace/metrics", s.handleTraceMetrics).Methods(http.MethodGet)
	r.HandleFunc("/trace/plot", s.handleTracePlot(false)).Methods(http.MethodGet)
	r.HandleFunc("/trace/derivate", s.handleTracePlot(true)).Methods(http.MethodGet)
	r.HandleFunc("/trace/clear", s.handleTraceClear).Methods(http.MethodGet, http.MethodPost)

	r.Handle("/proxy/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start listens on the configured address, unless a listener was given,
// and serves in the background.
func (s *Server) Start() error {
	ln := s.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", s.server.Addr); err != nil {
			return fmt.Errorf("failed to listen on addr %s: %w", s.server.Addr, err)
		}
		s.listener = ln
	}

	go func() {
		s.logger.Infof("Serving HTTP on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("received error from http.Serve(): %v", err)
		} else {
			s.logger.Debug("server closed")
		}
	}()
	return nil
}

// Addr returns the address the server listens on once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		stats.RecordHTTPRequest(route, strconv.Itoa(rec.code))
	})
}
