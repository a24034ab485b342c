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

package esapi

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// BulkRequest performs multiple index, create, update and delete operations
// in a single request. Body must be newline delimited JSON.
type BulkRequest struct {
	Index string
	Body  io.Reader

	FilterPath []string
	Pipeline   string
	Refresh    string
	Timeout    time.Duration
	Header     http.Header
}

// Do executes the request.
func (r BulkRequest) Do(ctx context.Context, transport Transport) (*Response, error) {
	params := make(url.Values)
	if len(r.FilterPath) > 0 {
		params.Set("filter_path", strings.Join(r.FilterPath, ","))
	}
	if r.Pipeline != "" {
		params.Set("pipeline", r.Pipeline)
	}
	if r.Refresh != "" {
		params.Set("refresh", r.Refresh)
	}
	setTimeout(params, r.Timeout)
	path := buildPath(r.Index, "_bulk")
	return perform(ctx, transport, http.MethodPost, path, params, r.Body, r.Header, contentTypeNDJSON)
}
