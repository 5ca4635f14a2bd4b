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

package app

import (
	"github.com/elastic/hpc-metric-proxy/scraper"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/zap"
)

type appConfig struct {
	listenAddr         string
	advertiseAddr      string
	unixSocket         string
	profileDir         string
	inhibitAggregation bool
	subProxies         []scraper.Target
	root               *scraper.Target
	maxTraceSize       int64
	fanIn              int
	logLevel           string
	logger             *zap.SugaredLogger
	joinToken          string
	joinTokenSecretID  string
	awsConfig          func() (*aws.Config, error)
}

// ConfigOption is used to configure the proxy.
type ConfigOption func(*appConfig)

// WithListenAddress sets the address of the HTTP server.
func WithListenAddress(addr string) ConfigOption {
	return func(c *appConfig) {
		c.listenAddr = addr
	}
}

// WithAdvertiseAddress sets the address given to the root and the parent
// when joining a tree. It defaults to the hostname and the HTTP port.
func WithAdvertiseAddress(addr string) ConfigOption {
	return func(c *appConfig) {
		c.advertiseAddr = addr
	}
}

// WithUnixSocket sets the path of the socket clients connect to.
func WithUnixSocket(path string) ConfigOption {
	return func(c *appConfig) {
		c.unixSocket = path
	}
}

// WithProfileDir sets the root of the profile, partial profile and trace
// directories.
func WithProfileDir(dir string) ConfigOption {
	return func(c *appConfig) {
		c.profileDir = dir
	}
}

// WithoutAggregation disables the partial profile aggregation loop, for
// proxies sharing a profile directory with another one.
func WithoutAggregation() ConfigOption {
	return func(c *appConfig) {
		c.inhibitAggregation = true
	}
}

// WithSubProxies sets child proxies scraped from startup.
func WithSubProxies(targets ...scraper.Target) ConfigOption {
	return func(c *appConfig) {
		c.subProxies = append(c.subProxies, targets...)
	}
}

// WithRoot makes the proxy join the tree of root. The target period is
// the one the parent will scrape this proxy with.
func WithRoot(root scraper.Target) ConfigOption {
	return func(c *appConfig) {
		c.root = &root
	}
}

// WithMaxTraceSize bounds the total size of trace files, in bytes.
func WithMaxTraceSize(size int64) ConfigOption {
	return func(c *appConfig) {
		c.maxTraceSize = size
	}
}

// WithFanIn sets the number of children a proxy accepts when it answers
// pivot requests.
func WithFanIn(n int) ConfigOption {
	return func(c *appConfig) {
		c.fanIn = n
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level string) ConfigOption {
	return func(c *appConfig) {
		c.logLevel = level
	}
}

// WithLogger replaces the logger built from the log level.
func WithLogger(logger *zap.SugaredLogger) ConfigOption {
	return func(c *appConfig) {
		c.logger = logger
	}
}

// WithJoinToken sets the bearer token protecting the tree endpoints.
func WithJoinToken(token string) ConfigOption {
	return func(c *appConfig) {
		c.joinToken = token
	}
}

// WithJoinTokenSecretID loads the join token from AWS Secrets Manager.
// It takes precedence over WithJoinToken when the secret can be read.
func WithJoinTokenSecretID(id string) ConfigOption {
	return func(c *appConfig) {
		c.joinTokenSecretID = id
	}
}

// WithAWSConfig sets a lazy loader of the AWS config, only called when a
// secret has to be fetched.
func WithAWSConfig(load func() (*aws.Config, error)) ConfigOption {
	return func(c *appConfig) {
		c.awsConfig = load
	}
}
