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

package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elastic/hpc-metric-proxy/counter"
	"github.com/elastic/hpc-metric-proxy/exporter"

	"github.com/hashicorp/go-multierror"
	"github.com/tidwall/gjson"
)

// DefaultPeriod is the scrape period of a target given without one.
const DefaultPeriod = time.Second

// ErrScrapeFailed is returned when a child proxy cannot be scraped.
var ErrScrapeFailed = errors.New("scrape failed")

// JobRegistry is the part of the job registry fed by scrapes.
type JobRegistry interface {
	ResolveJob(desc counter.JobDesc, persist bool) *exporter.Exporter
	ResolveByID(jobid string) (*exporter.Exporter, bool)
	RelaxJob(desc counter.JobDesc) error
}

// Target is a child proxy address and the minimum delay between two
// scrapes of it.
type Target struct {
	Addr   string        `json:"addr"`
	Period time.Duration `json:"period"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s@%d", t.Addr, t.Period.Milliseconds())
}

// ParseTarget parses addr[@period_ms].
func ParseTarget(s string) (Target, error) {
	addr, period, found := strings.Cut(strings.TrimSpace(s), "@")
	if addr == "" {
		return Target{}, fmt.Errorf("empty address in %q", s)
	}
	t := Target{Addr: addr, Period: DefaultPeriod}
	if found {
		ms, err := strconv.ParseUint(period, 10, 64)
		if err != nil {
			return Target{}, fmt.Errorf("invalid period in %q: %w", s, err)
		}
		t.Period = time.Duration(ms) * time.Millisecond
	}
	return t, nil
}

// ParseTargets parses a comma separated list of targets.
func ParseTargets(s string) ([]Target, error) {
	var out []Target
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseTarget(part)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func jobURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/") + "/job"
	}
	return "http://" + addr + "/job"
}

// fetchProfiles reads the job list of a child proxy.
func fetchProfiles(ctx context.Context, client *http.Client, url string) ([]counter.JobProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrScrapeFailed, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s answered %s", ErrScrapeFailed, url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrScrapeFailed, url, err)
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsArray() {
		return nil, fmt.Errorf("%w: %s did not return a job list", ErrScrapeFailed, url)
	}

	var profiles []counter.JobProfile
	if err := json.Unmarshal(body, &profiles); err != nil {
		return nil, fmt.Errorf("%w: failed to decode job list from %s: %v", ErrScrapeFailed, url, err)
	}
	return profiles, nil
}

// Scraper pulls the job list of one child proxy and feeds the per job
// deltas into the local registry.
type Scraper struct {
	target   Target
	url      string
	client   *http.Client
	registry JobRegistry
	now      func() time.Time

	mu         sync.Mutex
	lastScrape time.Time
	// state is the raw profile of every job seen in the previous round.
	state map[string]counter.JobProfile
}

func newScraper(target Target, client *http.Client, registry JobRegistry, now func() time.Time) *Scraper {
	return &Scraper{
		target:   target,
		url:      jobURL(target.Addr),
		client:   client,
		registry: registry,
		now:      now,
		state:    make(map[string]counter.JobProfile),
	}
}

func (s *Scraper) Target() Target {
	return s.target
}

// Scrape runs one round if the period elapsed since the previous one.
func (s *Scraper) Scrape(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.lastScrape.IsZero() && now.Sub(s.lastScrape) < s.target.Period {
		return nil
	}

	profiles, err := fetchProfiles(ctx, s.client, s.url)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		seen[p.Desc.JobID] = struct{}{}
	}

	for id, prev := range s.state {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(s.state, id)
		if err := s.registry.RelaxJob(prev.Desc); err != nil {
			return fmt.Errorf("failed to release job %s: %w", id, err)
		}
	}

	for _, p := range profiles {
		delta := p.Clone()
		if prev, ok := s.state[p.Desc.JobID]; ok {
			if err := delta.Subtract(prev); err != nil {
				return fmt.Errorf("failed to diff job %s: %w", p.Desc.JobID, err)
			}
		} else {
			s.registry.ResolveJob(p.Desc, false)
		}
		// the raw profile is the base of the next diff
		s.state[p.Desc.JobID] = p

		store, ok := s.registry.ResolveByID(p.Desc.JobID)
		if !ok {
			return fmt.Errorf("job %s vanished from the registry", p.Desc.JobID)
		}
		if err := apply(store, delta); err != nil {
			return fmt.Errorf("failed to apply job %s: %w", p.Desc.JobID, err)
		}
	}

	s.lastScrape = now
	return nil
}

// apply registers every counter of delta at zero, then adds its value.
func apply(store *exporter.Exporter, delta counter.JobProfile) error {
	for _, c := range delta.Counters {
		zero, err := c.CType.Sub(c.CType)
		if err != nil {
			return err
		}
		if err := store.Push(counter.CounterSnapshot{Name: c.Name, Doc: c.Doc, CType: zero}); err != nil {
			return err
		}
		if err := store.Accumulate(c); err != nil {
			return err
		}
	}
	return nil
}

// release drops every job this scraper holds a reference on.
func (s *Scraper) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *multierror.Error
	for id, prev := range s.state {
		delete(s.state, id)
		if err := s.registry.RelaxJob(prev.Desc); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
