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
	"time"

	"go.uber.org/zap"
)

type Option func(*Registry)

// WithLogger configures a custom zap logger to be used by
// the registry.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithHostname overrides the host name stamped into partial profile
// file names.
func WithHostname(host string) Option {
	return func(r *Registry) {
		r.host = host
	}
}

// WithTraceSink feeds active job profiles to sink and freezes their
// trace when the job drains.
func WithTraceSink(sink TraceSink) Option {
	return func(r *Registry) {
		r.traces = sink
	}
}

// WithTombstoneTTL sets how long a drained job id is remembered to
// detect over-release.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.tombstoneTTL = ttl
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}
