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

package ipc

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	testCases := map[string]struct {
		in       string
		wantKind string
		wantErr  bool
	}{
		"desc": {
			in:       `{"Desc":{"name":"a","doc":"b","ctype":{"Counter":{"ts":0,"value":0}}}}`,
			wantKind: "desc",
		},
		"value": {
			in:       `{"Value":{"name":"a","value":{"Counter":{"ts":0,"value":1}}}}`,
			wantKind: "value",
		},
		"jobdesc": {
			in:       `{"JobDesc":{"jobid":"12"}}`,
			wantKind: "jobdesc",
		},
		"empty object": {
			in:      `{}`,
			wantErr: true,
		},
		"two commands": {
			in:      `{"JobDesc":{"jobid":"12"},"Value":{"name":"a","value":{"Counter":{"ts":0,"value":1}}}}`,
			wantErr: true,
		},
		"unknown variant": {
			in:      `{"Value":{"name":"a","value":{"Gauge":{"ts":0,"value":1}}}}`,
			wantErr: true,
		},
		"garbage": {
			in:      `{"Desc":`,
			wantErr: true,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			cmd, err := parseCommand([]byte(tc.in))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrBadCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantKind, cmd.kind())
		})
	}
}

func TestReadCommand(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("abc\x00\x00"+strings.Repeat("x", 40)+"\x00tail"), 16)

	got, err := readCommand(r, 64)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got, err = readCommand(r, 64)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = readCommand(r, 64)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 40), string(got))

	_, err = readCommand(r, 64)
	assert.Error(t, err)
}

func TestReadCommandLimit(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader(strings.Repeat("x", 100)+"\x00"), 16)
	_, err := readCommand(r, 32)
	assert.ErrorIs(t, err, errCommandTooLarge)
}
