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

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/elastic/hpc-metric-proxy/app"
	"github.com/elastic/hpc-metric-proxy/scraper"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"
)

func main() {
	if err := mainWithError(); err != nil {
		log.Fatal(err)
	}
}

func mainWithError() error {
	// Global context
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if envFile := os.Getenv("METRIC_PROXY_ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %v", envFile, err)
		}
	}

	appConfigs, err := configFromEnv(ctx)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, appConfigs...)
	if err != nil {
		return fmt.Errorf("failed to create the app: %v", err)
	}

	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("error while running: %v", err)
	}

	return nil
}

func configFromEnv(ctx context.Context) ([]app.ConfigOption, error) {
	appConfigs := []app.ConfigOption{
		app.WithLogLevel(os.Getenv("METRIC_PROXY_LOG_LEVEL")),
		app.WithJoinToken(os.Getenv("METRIC_PROXY_JOIN_TOKEN")),
		app.WithAWSConfig(func() (*aws.Config, error) {
			cfg, err := config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, err
			}
			return &cfg, nil
		}),
	}

	if port := os.Getenv("METRIC_PROXY_PORT"); port != "" {
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return nil, fmt.Errorf("failed to parse METRIC_PROXY_PORT: %w", err)
		}
		appConfigs = append(appConfigs, app.WithListenAddress(":"+port))
	}

	if addr := os.Getenv("METRIC_PROXY_ADVERTISE_ADDRESS"); addr != "" {
		appConfigs = append(appConfigs, app.WithAdvertiseAddress(addr))
	}

	if socket := os.Getenv("METRIC_PROXY_UNIX_SOCKET"); socket != "" {
		appConfigs = append(appConfigs, app.WithUnixSocket(socket))
	}

	if dir := os.Getenv("METRIC_PROXY_PROFILE_DIR"); dir != "" {
		appConfigs = append(appConfigs, app.WithProfileDir(dir))
	}

	rawInhibit := os.Getenv("METRIC_PROXY_INHIBIT_AGGREGATION")
	if inhibit, _ := strconv.ParseBool(rawInhibit); inhibit {
		appConfigs = append(appConfigs, app.WithoutAggregation())
	}

	if raw := os.Getenv("METRIC_PROXY_SUB_PROXIES"); raw != "" {
		targets, err := scraper.ParseTargets(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse METRIC_PROXY_SUB_PROXIES: %w", err)
		}
		appConfigs = append(appConfigs, app.WithSubProxies(targets...))
	}

	if raw := os.Getenv("METRIC_PROXY_ROOT"); raw != "" {
		root, err := scraper.ParseTarget(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse METRIC_PROXY_ROOT: %w", err)
		}
		appConfigs = append(appConfigs, app.WithRoot(root))
	}

	if raw := os.Getenv("METRIC_PROXY_MAX_TRACE_SIZE_MB"); raw != "" {
		mb, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse METRIC_PROXY_MAX_TRACE_SIZE_MB: %w", err)
		}
		appConfigs = append(appConfigs, app.WithMaxTraceSize(mb*1024*1024))
	}

	if raw := os.Getenv("METRIC_PROXY_FAN_IN"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse METRIC_PROXY_FAN_IN: %w", err)
		}
		appConfigs = append(appConfigs, app.WithFanIn(n))
	}

	if id, ok := os.LookupEnv("METRIC_PROXY_SECRETS_MANAGER_JOIN_TOKEN_ID"); ok {
		appConfigs = append(appConfigs, app.WithJoinTokenSecretID(id))
	}

	return appConfigs, nil
}
