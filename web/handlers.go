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
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/elastic/hpc-metric-proxy/counter"
	"github.com/elastic/hpc-metric-proxy/jobs"
	"github.com/elastic/hpc-metric-proxy/scraper"
	"github.com/elastic/hpc-metric-proxy/trace"
	"github.com/elastic/hpc-metric-proxy/tree"

	"go.elastic.co/fastjson"
)

var (
	errUnauthorized = errors.New("missing or invalid bearer token")
	errMissingParam = errors.New("missing parameter")
)

func param(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.FormValue(name); v != "" {
			return v
		}
	}
	return ""
}

func requireParam(r *http.Request, names ...string) (string, error) {
	if v := param(r, names...); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w %q", errMissingParam, names[0])
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	s.logger.Debugf("Request failed: %v", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(tree.Fail(err).Bytes())
}

func ok(w http.ResponseWriter, operation string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(tree.Ok(operation).Bytes())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	var buf fastjson.Writer
	if err := fastjson.Marshal(&buf, v); err != nil {
		s.fail(w, http.StatusInternalServerError, fmt.Errorf("failed to encode response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := []byte(r.Header.Get("Authorization"))
			want := []byte("Bearer " + s.token)
			if subtle.ConstantTimeCompare(got, want) != 1 {
				s.fail(w, http.StatusUnauthorized, errUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// URL: http://server/job[?job=<jobid>]
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if jobid := param(r, "job"); jobid != "" {
		p, err := s.backends.Jobs.ProfileOf(jobid)
		if err != nil {
			s.fail(w, http.StatusBadRequest, err)
			return
		}
		s.writeJSON(w, &p)
		return
	}

	b, err := counter.MarshalProfiles(s.backends.Jobs.Profiles())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.backends.Jobs.ListJobs())
}

// URL: http://server/metrics[?job=<jobid>]
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	store := s.backends.Jobs.Main()
	if jobid := param(r, "job"); jobid != "" {
		var found bool
		if store, found = s.backends.Jobs.ResolveByID(jobid); !found {
			s.fail(w, http.StatusBadRequest, fmt.Errorf("%w: %s", jobs.ErrUnknownJob, jobid))
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(store.Serialize()))
}

func parseKeyValue(r *http.Request) (counter.CounterSnapshot, error) {
	key, err := requireParam(r, "key")
	if err != nil {
		return counter.CounterSnapshot{}, err
	}
	raw, err := requireParam(r, "value")
	if err != nil {
		return counter.CounterSnapshot{}, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return counter.CounterSnapshot{}, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	ct := counter.NewCounter(uint64(time.Now().Unix()), v)
	if err := ct.CheckFinite(); err != nil {
		return counter.CounterSnapshot{}, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	return counter.CounterSnapshot{Name: key, CType: ct}, nil
}

// URL: http://server/set?key=<name>&value=<float>
func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	snap, err := parseKeyValue(r)
	if err == nil {
		err = s.backends.Jobs.Main().Set(snap)
	}
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	ok(w, "set")
}

// URL: http://server/accumulate?key=<name>&value=<float>
func (s *Server) handleAccumulate(w http.ResponseWriter, r *http.Request) {
	snap, err := parseKeyValue(r)
	if err == nil {
		err = s.backends.Jobs.Main().Accumulate(snap)
	}
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	ok(w, "inc")
}

// URL: http://server/push?key=<name>[&doc=<help>]
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	key, err := requireParam(r, "key")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	doc := param(r, "doc")
	if doc == "" {
		doc = "Not documented"
	}
	snap := counter.CounterSnapshot{Name: key, Doc: doc, CType: counter.NewCounter(0, 0)}
	if err := s.backends.Jobs.Main().Push(snap); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	ok(w, "push")
}

// URL: http://server/pivot?from=<addr>
func (s *Server) handlePivot(w http.ResponseWriter, r *http.Request) {
	from, err := requireParam(r, "from")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	parent, err := s.backends.Pivot.Assign(from)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Infof("Pivot response to %s is %s", from, parent)
	ok(w, parent)
}

// URL: http://server/join?to=<addr>[&period=<ms>]
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	to, err := requireParam(r, "to")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	target := scraper.Target{Addr: to, Period: scraper.DefaultPeriod}
	if raw := param(r, "period"); raw != "" {
		ms, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.fail(w, http.StatusBadRequest, fmt.Errorf("invalid period %q: %w", raw, err))
			return
		}
		target.Period = time.Duration(ms) * time.Millisecond
	}
	if err := s.backends.Scrapes.Add(r.Context(), target); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("failed to add %s for scraping: %w", to, err))
		return
	}
	ok(w, fmt.Sprintf("Added %s for scraping", to))
}

func (s *Server) handleJoinList(w http.ResponseWriter, r *http.Request) {
	targets := s.backends.Scrapes.List()
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.String()
	}
	s.writeJSON(w, out)
}

// handleTopo renders the tree as a list of [parent, child] pairs.
func (s *Server) handleTopo(w http.ResponseWriter, r *http.Request) {
	var buf fastjson.Writer
	buf.RawByte('[')
	for i, e := range s.backends.Pivot.Topology() {
		if i > 0 {
			buf.RawByte(',')
		}
		buf.RawByte('[')
		buf.String(e.Parent)
		buf.RawByte(',')
		buf.String(e.Child)
		buf.RawByte(']')
	}
	buf.RawByte(']')
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.backends.Jobs.StoredProfiles()
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	b, err := counter.MarshalProfiles(profiles)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

// URL: http://server/profiles/get?jobid=<jobid>
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	jobid, err := requireParam(r, "jobid", "job")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.backends.Jobs.StoredProfile(jobid)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, &p)
}

func (s *Server) handleTraceList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.backends.Traces.List())
}

// URL: http://server/trace/infos?job=<jobid>
func (s *Server) handleTraceInfos(w http.ResponseWriter, r *http.Request) {
	jobid, err := requireParam(r, "job", "jobid")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	info, err := s.backends.Traces.Infos(jobid)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, info)
}

// URL: http://server/trace/read?job=<jobid>[&filter=<name>]
func (s *Server) handleTraceRead(w http.ResponseWriter, r *http.Request) {
	jobid, err := requireParam(r, "job", "jobid")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	read, err := s.backends.Traces.Read(jobid, param(r, "filter"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("failed to read trace: %w", err))
		return
	}
	s.writeJSON(w, &read)
}

// URL: http://server/trace/metrics?job=<jobid>
func (s *Server) handleTraceMetrics(w http.ResponseWriter, r *http.Request) {
	jobid, err := requireParam(r, "job", "jobid")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	names, err := s.backends.Traces.Metrics(jobid)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, names)
}

// URL: http://server/trace/plot?jobid=<jobid>&filter=<name>[&derivate=true]
func (s *Server) handleTracePlot(derivate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobid, err := requireParam(r, "jobid", "job")
		if err != nil {
			s.fail(w, http.StatusBadRequest, err)
			return
		}
		filter, err := requireParam(r, "filter")
		if err != nil {
			s.fail(w, http.StatusBadRequest, err)
			return
		}
		derive := derivate
		if raw := param(r, "derivate"); raw != "" && !derive {
			if derive, err = strconv.ParseBool(raw); err != nil {
				s.fail(w, http.StatusBadRequest, fmt.Errorf("invalid derivate %q: %w", raw, err))
				return
			}
		}

		series, err := s.backends.Traces.Plot(jobid, filter)
		if err != nil {
			s.fail(w, http.StatusBadRequest, err)
			return
		}
		if derive {
			series = trace.Derivate(series)
		}
		s.writeJSON(w, series)
	}
}

// URL: http://server/trace/clear?job=<jobid>
func (s *Server) handleTraceClear(w http.ResponseWriter, r *http.Request) {
	jobid, err := requireParam(r, "job", "jobid")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if err := s.backends.Traces.Clear(jobid); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	ok(w, "cleared "+jobid)
}
