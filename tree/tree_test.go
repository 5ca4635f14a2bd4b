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

package tree_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elastic/hpc-metric-proxy/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPivotFillsLevelByLevel(t *testing.T) {
	p := tree.NewPivot("root")

	for i, want := range []string{"root", "root", "a", "a", "b", "b", "c"} {
		from := string(rune('a' + i))
		got, err := p.Assign(from)
		require.NoError(t, err)
		assert.Equal(t, want, got, "parent of %s", from)
	}

	for _, node := range []string{"root", "a", "b", "c", "d", "e", "f", "g"} {
		assert.LessOrEqual(t, p.Children(node), 2, node)
	}
	assert.Len(t, p.Topology(), 7)
}

func TestPivotFanIn(t *testing.T) {
	p := tree.NewPivot("root", tree.WithFanIn(3))
	assert.Equal(t, 3, p.FanIn())

	for _, from := range []string{"a", "b", "c"} {
		got, err := p.Assign(from)
		require.NoError(t, err)
		assert.Equal(t, "root", got)
	}
	got, err := p.Assign("d")
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestPivotRejectsEmptyRequester(t *testing.T) {
	p := tree.NewPivot("root")
	_, err := p.Assign("")
	assert.ErrorIs(t, err, tree.ErrNoParent)
}

func TestTopologyWithoutChildren(t *testing.T) {
	p := tree.NewPivot("root")
	assert.Equal(t, []tree.Edge{{Parent: "root", Child: "root"}}, p.Topology())

	_, err := p.Assign("a")
	require.NoError(t, err)
	assert.Equal(t, []tree.Edge{{Parent: "root", Child: "a"}}, p.Topology())
}

func TestApiResponse(t *testing.T) {
	assert.JSONEq(t, `{"operation":"node01:1337","success":true}`, string(tree.Ok("node01:1337").Bytes()))
	assert.JSONEq(t, `{"operation":"boom","success":false}`, string(tree.Fail(errors.New("boom")).Bytes()))

	testCases := map[string]struct {
		in      string
		want    tree.ApiResponse
		wantErr bool
	}{
		"success": {
			in:   `{"operation":"x","success":true}`,
			want: tree.ApiResponse{Operation: "x", Success: true},
		},
		"failure": {
			in:   `{"success":false,"operation":"nope"}`,
			want: tree.ApiResponse{Operation: "nope"},
		},
		"not json": {
			in:      `<html>`,
			wantErr: true,
		},
		"missing success": {
			in:      `{"operation":"x"}`,
			wantErr: true,
		},
		"wrong types": {
			in:      `{"operation":1,"success":"yes"}`,
			wantErr: true,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got, err := tree.ParseApiResponse([]byte(tc.in))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func newJoiner(t *testing.T, opts ...tree.JoinOption) *tree.Joiner {
	t.Helper()
	opts = append([]tree.JoinOption{
		tree.WithLogger(zaptest.NewLogger(t).Sugar()),
		tree.WithStartDelay(0),
		tree.WithRetryDelay(time.Millisecond),
	}, opts...)
	j, err := tree.NewJoiner(opts...)
	require.NoError(t, err)
	return j
}

func TestJoinerRequiresLogger(t *testing.T) {
	_, err := tree.NewJoiner()
	assert.Error(t, err)
}

func TestJoin(t *testing.T) {
	var pivots atomic.Int32
	var joined atomic.Value

	parent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/join" || r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write(tree.Fail(errors.New("bad join")).Bytes())
			return
		}
		joined.Store(r.URL.Query().Get("to") + "@" + r.URL.Query().Get("period"))
		_, _ = w.Write(tree.Ok("joined").Bytes())
	}))
	defer parent.Close()

	root := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the first request fails as if the root were overloaded
		if pivots.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/pivot", r.URL.Path)
		assert.Equal(t, "child:1337", r.URL.Query().Get("from"))
		_, _ = w.Write(tree.Ok(parent.URL).Bytes())
	}))
	defer root.Close()

	j := newJoiner(t, tree.WithToken("secret"))
	got, err := j.Join(context.Background(), root.URL, "child:1337", 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, parent.URL, got)
	assert.EqualValues(t, 2, pivots.Load())
	assert.Equal(t, "child:1337@500", joined.Load())
}

func TestJoinGivesUp(t *testing.T) {
	var pivots atomic.Int32
	root := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pivots.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write(tree.Fail(fmt.Errorf("%w for child", tree.ErrNoParent)).Bytes())
	}))
	defer root.Close()

	j := newJoiner(t, tree.WithAttempts(3))
	_, err := j.Join(context.Background(), root.URL, "child:1", time.Second)
	assert.ErrorIs(t, err, tree.ErrRejected)
	assert.EqualValues(t, 3, pivots.Load())
}

func TestJoinCancelled(t *testing.T) {
	j := newJoiner(t, tree.WithStartDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := j.Join(ctx, "root:1", "child:1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
