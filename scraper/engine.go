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
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/elastic/hpc-metric-proxy/stats"

	"go.uber.org/zap"
)

const defaultTimeout = 3 * time.Second

// Engine scrapes every registered child proxy. A child that fails a round
// is dropped and must join again.
type Engine struct {
	logger   *zap.SugaredLogger
	client   *http.Client
	registry JobRegistry
	now      func() time.Time

	mu       sync.Mutex
	scrapers map[string]*Scraper
}

func NewEngine(registry JobRegistry, opts ...Option) (*Engine, error) {
	e := Engine{
		client: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			Timeout:   defaultTimeout,
		},
		registry: registry,
		now:      time.Now,
		scrapers: make(map[string]*Scraper),
	}

	for _, opt := range opts {
		opt(&e)
	}

	if e.registry == nil {
		return nil, errors.New("job registry cannot be empty")
	}

	if e.logger == nil {
		return nil, errors.New("logger cannot be empty")
	}

	return &e, nil
}

// Add starts scraping target once it answered a first job list request.
// Adding a known address only updates its period.
func (e *Engine) Add(ctx context.Context, target Target) error {
	if target.Period <= 0 {
		target.Period = DefaultPeriod
	}
	if _, err := fetchProfiles(ctx, e.client, jobURL(target.Addr)); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.scrapers[target.Addr]; ok {
		s.mu.Lock()
		s.target.Period = target.Period
		s.mu.Unlock()
		return nil
	}
	e.scrapers[target.Addr] = newScraper(target, e.client, e.registry, e.now)
	stats.SetScrapers(len(e.scrapers))
	e.logger.Infof("Scraping %s every %s", target.Addr, target.Period)
	return nil
}

// List returns the scraped targets ordered by address.
func (e *Engine) List() []Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Target, 0, len(e.scrapers))
	for _, s := range e.scrapers {
		out = append(out, s.target)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Addr < out[j].Addr
	})
	return out
}

func (e *Engine) snapshot() []*Scraper {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Scraper, 0, len(e.scrapers))
	for _, s := range e.scrapers {
		out = append(out, s)
	}
	return out
}

func (e *Engine) remove(s *Scraper) {
	e.mu.Lock()
	if cur, ok := e.scrapers[s.target.Addr]; ok && cur == s {
		delete(e.scrapers, s.target.Addr)
	}
	stats.SetScrapers(len(e.scrapers))
	e.mu.Unlock()

	if err := s.release(); err != nil {
		e.logger.Warnf("Failed to release jobs of %s: %v", s.target.Addr, err)
	}
}

// ScrapeAll runs one round on every scraper whose period elapsed. The
// scraper list is not locked while requests are in flight.
func (e *Engine) ScrapeAll(ctx context.Context) {
	for _, s := range e.snapshot() {
		start := time.Now()
		err := s.Scrape(ctx)
		stats.RecordScrape(time.Since(start), err)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Errorf("Failed to scrape %s, dropping it: %v", s.target.Addr, err)
			e.remove(s)
		}
	}
}

// Run scrapes every tick until ctx is done.
func (e *Engine) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.ScrapeAll(ctx)
		}
	}
}
