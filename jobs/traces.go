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
	"fmt"
	"time"

	"github.com/elastic/hpc-metric-proxy/counter"

	"github.com/hashicorp/go-multierror"
)

// FlushTraces pushes the current profile of every active job, main
// excluded, to the trace sink.
func (r *Registry) FlushTraces() error {
	if r.traces == nil {
		return nil
	}

	var result *multierror.Error
	for _, e := range r.sortedEntries() {
		if e.desc.JobID == counter.MainJobID {
			continue
		}
		if err := r.traces.Push(e.profile()); err != nil {
			result = multierror.Append(result, fmt.Errorf("job %s: %w", e.desc.JobID, err))
		}
	}
	return result.ErrorOrNil()
}

// RunTraceFlusher calls FlushTraces every period until ctx is done.
func (r *Registry) RunTraceFlusher(ctx context.Context, period time.Duration) error {
	if r.traces == nil {
		return nil
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.FlushTraces(); err != nil {
				r.logger.Warnf("Trace flush: %v", err)
			}
		}
	}
}
