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

package tree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
)

const (
	defaultAttempts   = 5
	defaultRetryDelay = 2 * time.Second
	defaultStartDelay = 3 * time.Second
	defaultTimeout    = 5 * time.Second
)

// ErrRejected is returned when a proxy answers a tree request with
// success set to false.
var ErrRejected = errors.New("request rejected")

type JoinOption func(*Joiner)

// WithLogger configures a custom zap logger to be used by
// the joiner.
func WithLogger(logger *zap.SugaredLogger) JoinOption {
	return func(j *Joiner) {
		j.logger = logger
	}
}

// WithToken sets the bearer token sent to the root and the parent.
func WithToken(token string) JoinOption {
	return func(j *Joiner) {
		j.token = token
	}
}

func WithAttempts(n uint) JoinOption {
	return func(j *Joiner) {
		if n > 0 {
			j.attempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) JoinOption {
	return func(j *Joiner) {
		j.retryDelay = d
	}
}

// WithStartDelay sets how long Join waits for the local HTTP server
// before contacting the root.
func WithStartDelay(d time.Duration) JoinOption {
	return func(j *Joiner) {
		j.startDelay = d
	}
}

func WithTimeout(d time.Duration) JoinOption {
	return func(j *Joiner) {
		j.client.Timeout = d
	}
}

// Joiner attaches a proxy to an existing tree.
type Joiner struct {
	logger     *zap.SugaredLogger
	client     *http.Client
	token      string
	attempts   uint
	retryDelay time.Duration
	startDelay time.Duration
}

func NewJoiner(opts ...JoinOption) (*Joiner, error) {
	j := Joiner{
		client: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			Timeout:   defaultTimeout,
		},
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
		startDelay: defaultStartDelay,
	}

	for _, opt := range opts {
		opt(&j)
	}

	if j.logger == nil {
		return nil, errors.New("logger cannot be empty")
	}

	return &j, nil
}

// Join asks root for a parent, then asks that parent to scrape self every
// period. Only the pivot request is retried. The parent address is
// returned.
func (j *Joiner) Join(ctx context.Context, root, self string, period time.Duration) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(j.startDelay):
	}

	var parent string
	err := retry.Do(
		func() error {
			res, err := j.call(ctx, baseURL(root)+"/pivot?from="+url.QueryEscape(self))
			if err != nil {
				return err
			}
			parent = res.Operation
			return nil
		},
		retry.Attempts(j.attempts),
		retry.Delay(j.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			j.logger.Warnf("Pivot request to %s failed (attempt %d/%d): %v", root, n+1, j.attempts, err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to get a parent from %s: %w", root, err)
	}

	q := url.Values{}
	q.Set("to", self)
	q.Set("period", strconv.FormatInt(period.Milliseconds(), 10))
	if _, err := j.call(ctx, baseURL(parent)+"/join?"+q.Encode()); err != nil {
		return "", fmt.Errorf("failed to join %s: %w", parent, err)
	}

	j.logger.Infof("Joined the tree under %s", parent)
	return parent, nil
}

func (j *Joiner) call(ctx context.Context, u string) (ApiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ApiResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	if j.token != "" {
		req.Header.Set("Authorization", "Bearer "+j.token)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return ApiResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ApiResponse{}, fmt.Errorf("failed to read response: %w", err)
	}
	res, err := ParseApiResponse(body)
	if err != nil {
		return ApiResponse{}, fmt.Errorf("%s answered %s: %w", u, resp.Status, err)
	}
	if !res.Success {
		return ApiResponse{}, fmt.Errorf("%w: %s", ErrRejected, res.Operation)
	}
	return res, nil
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}
