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

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/elastic/hpc-metric-proxy/counter"
	"github.com/elastic/hpc-metric-proxy/stats"

	"github.com/hashicorp/go-multierror"
	"github.com/tidwall/sjson"
	"go.elastic.co/fastjson"
)

const (
	partialExt = ".partialprofile"
	profileExt = ".profile"
	badExt     = ".bad"

	jobIDSeparator = "___"
)

// errBadPartial marks a partial profile that can never be aggregated.
var errBadPartial = errors.New("malformed partial profile")

func encodeProfile(p counter.JobProfile) ([]byte, error) {
	var w fastjson.Writer
	if err := p.MarshalFastJSON(&w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// writeFileAtomic writes data next to path and renames it in place so
// readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// PartialName returns the file name of a partial profile written by host
// at ts.
func PartialName(jobid, host string, ts time.Time) string {
	return fmt.Sprintf("%s%s%s.%d%s", jobid, jobIDSeparator, host, ts.UnixMicro(), partialExt)
}

// ParseJobID extracts the job id from a partial profile file name.
func ParseJobID(path string) (string, error) {
	name := filepath.Base(path)
	jobid, _, found := strings.Cut(name, jobIDSeparator)
	if !found || jobid == "" {
		return "", fmt.Errorf("failed to parse job id from %s", name)
	}
	return jobid, nil
}

func (r *Registry) persistPartial(p counter.JobProfile) error {
	data, err := encodeProfile(p)
	if err != nil {
		return fmt.Errorf("failed to encode profile of %s: %w", p.Desc.JobID, err)
	}

	now := r.now()
	if p.Desc.EndTime == 0 {
		if data, err = sjson.SetBytes(data, "desc.end_time", now.Unix()); err != nil {
			return fmt.Errorf("failed to stamp end time of %s: %w", p.Desc.JobID, err)
		}
	}

	path := filepath.Join(r.partialDir(), PartialName(p.Desc.JobID, r.host, now))
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to save partial profile %s: %w", path, err)
	}

	r.logger.Debugf("Saved partial profile %s", path)
	return nil
}

func decodeProfile(path string, data []byte) (counter.JobProfile, error) {
	var p counter.JobProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to decode profile %s: %w", path, err)
	}
	return p, nil
}

func readProfile(path string) (counter.JobProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return counter.JobProfile{}, err
	}
	return decodeProfile(path, data)
}

func listFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// aggregatePartial folds one partial profile into the durable profile of
// its job and deletes it.
func (r *Registry) aggregatePartial(path string) error {
	jobid, err := ParseJobID(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadPartial, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	content, err := decodeProfile(path, data)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadPartial, err)
	}

	target := filepath.Join(r.profileDir(), jobid+profileExt)
	existing, err := readProfile(target)
	switch {
	case err == nil:
		if err := content.Merge(existing); err != nil {
			return fmt.Errorf("%w: failed to merge %s into %s: %v", errBadPartial, path, target, err)
		}
		content.Desc = mergeDesc(content.Desc, existing.Desc)
	case errors.Is(err, os.ErrNotExist):
	default:
		return err
	}

	if data, err = encodeProfile(content); err != nil {
		return err
	}
	if err := writeFileAtomic(target, data); err != nil {
		return fmt.Errorf("failed to write profile %s: %w", target, err)
	}

	if err := os.Remove(path); err != nil {
		r.logger.Warnf("Failed to remove aggregated partial profile %s: %v", path, err)
	}
	return nil
}

// mergeDesc keeps the description with the latest end time, and the
// earliest known start time of both.
func mergeDesc(a, b counter.JobDesc) counter.JobDesc {
	out := a
	if b.EndTime > a.EndTime {
		out = b
	}
	if a.StartTime != 0 && (b.StartTime == 0 || a.StartTime < b.StartTime) {
		out.StartTime = a.StartTime
	} else {
		out.StartTime = b.StartTime
	}
	return out
}

// quarantine renames a malformed partial profile out of the inbox.
func (r *Registry) quarantine(path string) {
	if err := os.Rename(path, path+badExt); err != nil {
		r.logger.Warnf("Failed to move aside partial profile %s: %v", path, err)
		return
	}
	r.logger.Warnf("Moved malformed partial profile to %s", path+badExt)
}

// AggregateOnce scans the partial profile inbox once. A malformed file is
// renamed with a .bad suffix so later passes skip it; other failures
// leave the file in place for the next pass. Both are reported in the
// returned error.
func (r *Registry) AggregateOnce() error {
	files, err := listFiles(r.partialDir(), partialExt)
	if err != nil {
		return fmt.Errorf("failed to list partial profiles: %w", err)
	}

	var result *multierror.Error
	for _, f := range files {
		err := r.aggregatePartial(f)
		stats.RecordProfileAggregation(err)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to process %s: %w", f, err))
			if errors.Is(err, errBadPartial) {
				r.quarantine(f)
			}
			continue
		}
		r.logger.Debugf("Aggregated profile %s", f)
	}
	return result.ErrorOrNil()
}

// RunAggregator calls AggregateOnce every period until ctx is done.
func (r *Registry) RunAggregator(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.AggregateOnce(); err != nil {
				r.logger.Errorf("Profile aggregation: %v", err)
			}
		}
	}
}

// StoredProfiles returns every durable profile. Unreadable files are
// logged and skipped.
func (r *Registry) StoredProfiles() ([]counter.JobProfile, error) {
	files, err := listFiles(r.profileDir(), profileExt)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	out := make([]counter.JobProfile, 0, len(files))
	for _, f := range files {
		p, err := readProfile(f)
		if err != nil {
			r.logger.Warnf("Skipping profile %s: %v", f, err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// StoredProfile returns the durable profile of jobid.
func (r *Registry) StoredProfile(jobid string) (counter.JobProfile, error) {
	if strings.ContainsAny(jobid, `/\`) {
		return counter.JobProfile{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobid)
	}
	p, err := readProfile(filepath.Join(r.profileDir(), jobid+profileExt))
	if errors.Is(err, os.ErrNotExist) {
		return p, fmt.Errorf("%w: no stored profile for %s", ErrUnknownJob, jobid)
	}
	return p, err
}
