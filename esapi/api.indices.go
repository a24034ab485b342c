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

// InfoRequest returns basic information about the cluster.
type InfoRequest struct {
	Header http.Header
}

// Do executes the request.
func (r InfoRequest) Do(ctx context.Context, transport Transport) (*Response, error) {
	return perform(ctx, transport, http.MethodGet, "/", nil, nil, r.Header, contentTypeJSON)
}

// IndicesCreateRequest creates an index with optional settings and mappings.
type IndicesCreateRequest struct {
	Index string
	Body  io.Reader

	IncludeTypeName *bool
	Timeout         time.Duration
	Header          http.Header
}

// Do executes the request.
func (r IndicesCreateRequest) Do(ctx context.Context, transport Transport) (*Response, error) {
	params := make(url.Values)
	setBool(params, "include_type_name", r.IncludeTypeName)
	setTimeout(params, r.Timeout)
	return perform(ctx, transport, http.MethodPut, buildPath(r.Index), params, r.Body, r.Header, contentTypeJSON)
}

// IndicesDeleteRequest deletes one or more indices.
type IndicesDeleteRequest struct {
	Index []string

	IgnoreUnavailable *bool
	Timeout           time.Duration
	Header            http.Header
}

// Do executes the request.
func (r IndicesDeleteRequest) Do(ctx context.Context, transport Transport) (*Response, error) {
	params := make(url.Values)
	setBool(params, "ignore_unavailable", r.IgnoreUnavailable)
	setTimeout(params, r.Timeout)
	return perform(ctx, transport, http.MethodDelete, buildPath(strings.Join(r.Index, ",")), params, nil, r.Header, contentTypeJSON)
}

// IndicesExistsRequest checks whether indices exist. The response carries no
// body; a 200 status means every index exists and 404 means at least one is
// missing.
type IndicesExistsRequest struct {
	Index []string

	Header http.Header
}

// Do executes the request.
func (r IndicesExistsRequest) Do(ctx context.Context, transport Transport) (*Response, error) {
	return perform(ctx, transport, http.MethodHead, buildPath(strings.Join(r.Index, ",")), nil, nil, r.Header, contentTypeJSON)
}

// IndicesPutMappingRequest updates the field mappings of indices.
//
// When DocumentType is set the legacy typed endpoint is used, which requires
// include_type_name on 7.x clusters.
type IndicesPutMappingRequest struct {
	Index        []string
	DocumentType string
	Body         io.Reader

	IncludeTypeName *bool
	Timeout         time.Duration
	Header          http.Header
}

// Do executes the request.
func (r IndicesPutMappingRequest) Do(ctx context.Context, transport Transport) (*Response, error) {
	params := make(url.Values)
	setBool(params, "include_type_name", r.IncludeTypeName)
	setTimeout(params, r.Timeout)
	path := buildPath(strings.Join(r.Index, ","), "_mapping", r.DocumentType)
	return perform(ctx, transport, http.MethodPut, path, params, r.Body, r.Header, contentTypeJSON)
}

// IndicesGetMappingRequest returns the field mappings of indices.
type IndicesGetMappingRequest struct {
	Index []string

	IncludeTypeName *bool
	Header          http.Header
}

// Do executes the request.
func (r IndicesGetMappingRequest) Do(ctx context.Context, transport Transport) (*Response, error) {
	params := make(url.Values)
	setBool(params, "include_type_name", r.IncludeTypeName)
	path := buildPath(strings.Join(r.Index, ","), "_mapping")
	return perform(ctx, transport, http.MethodGet, path, params, nil, r.Header, contentTypeJSON)
}

// IndicesRefreshRequest makes recent writes to indices visible to reads.
type IndicesRefreshRequest struct {
	Index []string

	Header http.Header
}

// Do executes the request.
func (r IndicesRefreshRequest) Do(ctx context.Context, transport Transport) (*Response, error) {
	path := buildPath(strings.Join(r.Index, ","), "_refresh")
	return perform(ctx, transport, http.MethodPost, path, nil, nil, r.Header, contentTypeJSON)
}
