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
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/elastic/hpc-metric-proxy/ipc"
	"github.com/elastic/hpc-metric-proxy/jobs"
	"github.com/elastic/hpc-metric-proxy/logger"
	"github.com/elastic/hpc-metric-proxy/scraper"
	"github.com/elastic/hpc-metric-proxy/trace"
	"github.com/elastic/hpc-metric-proxy/tree"
	"github.com/elastic/hpc-metric-proxy/web"

	"go.uber.org/zap"
)

const (
	defaultListenAddr = ":1337"
	defaultSocketName = "metric-proxy.sock"
	defaultProfileDir = ".proxyprofiles"
)

// App is the main application.
type App struct {
	logger   *zap.SugaredLogger
	registry *jobs.Registry
	traces   *trace.View
	engine   *scraper.Engine
	pivot    *tree.Pivot
	joiner   *tree.Joiner
	ipc      *ipc.Server
	web      *web.Server

	subProxies         []scraper.Target
	root               *scraper.Target
	advertiseAddr      string
	inhibitAggregation bool
}

// New returns an App or an error if the creation failed. The HTTP
// listener and the client socket are bound here, serving starts with Run.
func New(ctx context.Context, opts ...ConfigOption) (*App, error) {
	c := appConfig{
		listenAddr: defaultListenAddr,
		unixSocket: filepath.Join(os.TempDir(), defaultSocketName),
	}

	for _, opt := range opts {
		opt(&c)
	}

	app := &App{
		logger:             c.logger,
		subProxies:         c.subProxies,
		root:               c.root,
		advertiseAddr:      c.advertiseAddr,
		inhibitAggregation: c.inhibitAggregation,
	}

	var err error

	if app.logger == nil {
		if app.logger, err = buildLogger(c.logLevel); err != nil {
			return nil, err
		}
	}

	if c.profileDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate the profile directory: %w", err)
		}
		c.profileDir = filepath.Join(home, defaultProfileDir)
	}

	token := loadJoinToken(ctx, newSecretsClient(c.awsConfig), c.joinToken, c.joinTokenSecretID, app.logger)

	traceOpts := []trace.Option{trace.WithLogger(app.logger)}
	if c.maxTraceSize != 0 {
		traceOpts = append(traceOpts, trace.WithMaxSize(c.maxTraceSize))
	}
	if app.traces, err = trace.NewView(filepath.Join(c.profileDir, "traces"), traceOpts...); err != nil {
		return nil, fmt.Errorf("failed to open traces: %w", err)
	}

	app.registry, err = jobs.New(c.profileDir,
		jobs.WithLogger(app.logger),
		jobs.WithTraceSink(app.traces),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create the job registry: %w", err)
	}

	if app.engine, err = scraper.NewEngine(app.registry, scraper.WithLogger(app.logger)); err != nil {
		return nil, err
	}

	app.joiner, err = tree.NewJoiner(
		tree.WithLogger(app.logger),
		tree.WithToken(token),
	)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", c.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on addr %s: %w", c.listenAddr, err)
	}

	if app.advertiseAddr == "" {
		if app.advertiseAddr, err = defaultAdvertiseAddr(ln.Addr()); err != nil {
			ln.Close()
			return nil, err
		}
	}

	var pivotOpts []tree.PivotOption
	if c.fanIn > 0 {
		pivotOpts = append(pivotOpts, tree.WithFanIn(c.fanIn))
	}
	app.pivot = tree.NewPivot(app.advertiseAddr, pivotOpts...)

	app.web, err = web.New(c.listenAddr, web.Backends{
		Jobs:    app.registry,
		Traces:  app.traces,
		Scrapes: app.engine,
		Pivot:   app.pivot,
	},
		web.WithLogger(app.logger),
		web.WithToken(token),
		web.WithListener(ln),
	)
	if err != nil {
		ln.Close()
		return nil, err
	}

	if app.ipc, err = ipc.New(c.unixSocket, app.registry, ipc.WithLogger(app.logger)); err != nil {
		ln.Close()
		return nil, err
	}

	return app, nil
}

// defaultAdvertiseAddr is addr when it names a specific IP, the hostname
// with the port of addr otherwise.
func defaultAdvertiseAddr(addr net.Addr) (string, error) {
	ip, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", fmt.Errorf("failed to parse listen address %s: %w", addr, err)
	}
	if parsed := net.ParseIP(ip); parsed != nil && !parsed.IsUnspecified() {
		return addr.String(), nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	return net.JoinHostPort(host, port), nil
}

// HTTPAddr returns the address the HTTP server listens on.
func (app *App) HTTPAddr() string {
	return app.web.Addr()
}

// AdvertiseAddr returns the address this proxy is known by in the tree.
func (app *App) AdvertiseAddr() string {
	return app.advertiseAddr
}

// SocketPath returns the path of the client socket.
func (app *App) SocketPath() string {
	return app.ipc.Addr()
}

func buildLogger(level string) (*zap.SugaredLogger, error) {
	l, err := logger.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}

	return logger.New(logger.WithLevel(l))
}
