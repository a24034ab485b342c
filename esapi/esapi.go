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

// Package esapi contains the REST requests go-docadmin issues against an
// Elasticsearch compatible endpoint. It is modelled on a small subset of
// https://github.com/elastic/go-elasticsearch/tree/main/esapi, so that any
// transport implementing Perform (including *elasticsearch.Client and
// *elastictransport.Client) can execute them.
package esapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"
)

// Transport defines the interface for an API client.
type Transport interface {
	Perform(*http.Request) (*http.Response, error)
}

// Response represents the API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// IsError returns true when the response status indicates failure.
func (r *Response) IsError() bool {
	return r.StatusCode > 299
}

// String returns the response status and body as a string.
//
// The body is consumed, so String should only be used once the body is
// no longer needed for decoding.
func (r *Response) String() string {
	if r == nil {
		return "[0 <nil>]"
	}
	var out strings.Builder
	out.WriteString("[")
	out.WriteString(strconv.Itoa(r.StatusCode))
	if text := http.StatusText(r.StatusCode); text != "" {
		out.WriteString(" ")
		out.WriteString(text)
	}
	out.WriteString("]")
	if r.Body != nil {
		var b bytes.Buffer
		if _, err := b.ReadFrom(r.Body); err != nil {
			fmt.Fprintf(&out, " <error reading body: %s>", err)
		} else if b.Len() > 0 {
			out.WriteString(" ")
			out.Write(bytes.TrimSpace(b.Bytes()))
		}
	}
	return out.String()
}

// Close discards the remaining body and closes it.
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	io.Copy(io.Discard, r.Body)
	return r.Body.Close()
}

// formatDuration converts duration to a string in the format
// accepted by Elasticsearch.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return strconv.FormatInt(int64(d), 10) + "nanos"
	}
	return strconv.FormatInt(int64(d)/int64(time.Millisecond), 10) + "ms"
}

// buildPath joins escaped path segments, skipping empty ones.
func buildPath(segments ...string) string {
	var path strings.Builder
	for _, s := range segments {
		if s == "" {
			continue
		}
		path.WriteByte('/')
		path.WriteString(url.PathEscape(s))
	}
	if path.Len() == 0 {
		return "/"
	}
	return path.String()
}

// documentPath returns the path for a single document endpoint. With a
// document type the legacy /{index}/{type}/{id} form is used, otherwise the
// typeless /{index}/{endpoint}/{id} form.
func documentPath(index, documentType, endpoint, id string) string {
	if documentType != "" {
		if endpoint == "_doc" {
			return buildPath(index, documentType, id)
		}
		return buildPath(index, documentType, id, endpoint)
	}
	return buildPath(index, endpoint, id)
}

func setTimeout(params url.Values, d time.Duration) {
	if d > 0 {
		params.Set("timeout", formatDuration(d))
	}
}

func setBool(params url.Values, key string, v *bool) {
	if v != nil {
		params.Set(key, strconv.FormatBool(*v))
	}
}

func perform(
	ctx context.Context,
	transport Transport,
	method, path string,
	params url.Values,
	body io.Reader,
	header http.Header,
	contentType string,
) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		req.URL.RawQuery = params.Encode()
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get(headerContentType) == "" {
		req.Header.Set(headerContentType, contentType)
	}
	res, err := transport.Perform(req)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       res.Body,
	}, nil
}
