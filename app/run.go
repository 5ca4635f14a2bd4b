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
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	scrapeTick      = 100 * time.Millisecond
	aggregatePeriod = time.Second
	tracePeriod     = time.Second
)

// Run serves clients and children until ctx is done.
func (app *App) Run(ctx context.Context) error {
	if err := app.web.Start(); err != nil {
		return fmt.Errorf("failed to start the HTTP server: %w", err)
	}
	defer func() {
		if err := app.web.Shutdown(); err != nil {
			app.logger.Warnf("Error while shutting down the HTTP server: %v", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.ipc.Serve(gctx)
	})

	g.Go(func() error {
		return app.engine.Run(gctx, scrapeTick)
	})

	if !app.inhibitAggregation {
		g.Go(func() error {
			return app.registry.RunAggregator(gctx, aggregatePeriod)
		})
	}

	g.Go(func() error {
		return app.registry.RunTraceFlusher(gctx, tracePeriod)
	})

	g.Go(func() error {
		for _, target := range app.subProxies {
			if err := app.engine.Add(gctx, target); err != nil {
				app.logger.Errorf("Failed to add sub proxy %s: %v", target.Addr, err)
			}
		}
		return nil
	})

	if app.root != nil {
		root := *app.root
		g.Go(func() error {
			parent, err := app.joiner.Join(gctx, root.Addr, app.advertiseAddr, root.Period)
			if err != nil {
				if gctx.Err() == nil {
					app.logger.Errorf("Failed to join the tree of %s: %v", root.Addr, err)
				}
				return nil
			}
			app.logger.Infof("Proxy %s is scraped by %s", app.advertiseAddr, parent)
			return nil
		})
	}

	err := g.Wait()

	// flush what is left of the jobs still running
	if ferr := app.registry.FlushTraces(); ferr != nil {
		app.logger.Warnf("Failed to flush traces: %v", ferr)
	}

	if err != nil {
		return err
	}
	app.logger.Info("Received a signal, exiting...")
	return nil
}
