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
	"time"
)

// IndexRequest creates or replaces a document. Without a DocumentID the
// document is created with an engine generated ID.
type IndexRequest struct {
	Index        string
	DocumentType string
	DocumentID   string
	Body         io.Reader

	// OpType is either "index" (the default) or "create".
	OpType  string
	Refresh string
	Timeout time.Duration
	Header  http.Header
}

// Do executes the request.
func (r IndexRequest) Do(ctx context.Context, transport Transport) (*Response, error) {
	params := make(url.Values)
	if r.OpType != "" {
		params.Set("op_type", r.OpType)
	}
	if r.Refresh != "" {
		params.Set("refresh", r.Refresh)
	}
	setTimeout(params, r.Timeout)

	method := http.MethodPut
	if r.DocumentID == "" {
		method = http.MethodPost
	}
	endpoint := "_doc"
	if r.DocumentType != "" {
		endpoint = r.DocumentType
	}
	path := buildPath(r.Index, endpoint, r.DocumentID)
	return perform(ctx, transport, method, path, params, r.Body, r.Header, contentTypeJSON)
}

// UpdateRequest applies a partial document to an existing document.
type UpdateRequest struct {
	Index        string
	DocumentType string
	DocumentID   string
	Body         io.Reader

	Refresh string
	Timeout time.Duration
	Header  http.Header
}

// Do executes the request.
func (r UpdateRequest) Do(ctx context.Context, transport Transport) (*Response, error) {
	params := make(url.Values)
	if r.Refresh != "" {
		params.Set("refresh", r.Refresh)
	}
	setTimeout(params, r.Timeout)
	path := documentPath(r.Index, r.DocumentType, "_update", r.DocumentID)
	return perform(ctx, transport, http.MethodPost, path, params, r.Body, r.Header, contentTypeJSON)
}

// DeleteRequest removes a document.
type DeleteRequest struct {
	Index        string
	DocumentType string
	DocumentID   string

	Refresh string
	Timeout time.Duration
	Header  http.Header
}

// Do executes the request.
func (r DeleteRequest) Do(ctx context.Context, transport Transport) (*Response, error) {
	params := make(url.Values)
	if r.Refresh != "" {
		params.Set("refresh", r.Refresh)
	}
	setTimeout(params, r.Timeout)
	path := documentPath(r.Index, r.DocumentType, "_doc", r.DocumentID)
	return perform(ctx, transport, http.MethodDelete, path, params, nil, r.Header, contentTypeJSON)
}

// GetRequest returns a document by ID.
type GetRequest struct {
	Index        string
	DocumentType string
	DocumentID   string

	Header http.Header
}

// Do executes the request.
func (r GetRequest) Do(ctx context.Context, transport Transport) (*Response, error) {
	path := documentPath(r.Index, r.DocumentType, "_doc", r.DocumentID)
	return perform(ctx, transport, http.MethodGet, path, nil, nil, r.Header, contentTypeJSON)
}
