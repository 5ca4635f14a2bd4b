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
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ApiResponse is the reply of the tree endpoints. On success Operation
// carries the result, otherwise the failure message.
type ApiResponse struct {
	Operation string
	Success   bool
}

func Ok(operation string) ApiResponse {
	return ApiResponse{Operation: operation, Success: true}
}

func Fail(err error) ApiResponse {
	return ApiResponse{Operation: err.Error(), Success: false}
}

// Bytes renders r as {"operation": ..., "success": ...}.
func (r ApiResponse) Bytes() []byte {
	b, err := sjson.SetBytes([]byte(`{}`), "operation", r.Operation)
	if err != nil {
		return []byte(`{"operation":"","success":false}`)
	}
	if b, err = sjson.SetBytes(b, "success", r.Success); err != nil {
		return []byte(`{"operation":"","success":false}`)
	}
	return b
}

// ParseApiResponse decodes a reply rendered by Bytes.
func ParseApiResponse(b []byte) (ApiResponse, error) {
	if !gjson.ValidBytes(b) {
		return ApiResponse{}, fmt.Errorf("invalid api response %q", b)
	}
	res := gjson.GetManyBytes(b, "operation", "success")
	if res[0].Type != gjson.String || (res[1].Type != gjson.True && res[1].Type != gjson.False) {
		return ApiResponse{}, fmt.Errorf("malformed api response %s", b)
	}
	return ApiResponse{Operation: res[0].String(), Success: res[1].Bool()}, nil
}
