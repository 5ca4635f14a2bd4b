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
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Option func(*Engine)

// WithLogger configures a custom zap logger to be used by
// the engine.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTimeout sets the timeout of requests to child proxies.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.client.Timeout = timeout
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithTransport sets the transport used to reach child proxies.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Engine) {
		e.client.Transport = rt
	}
}
