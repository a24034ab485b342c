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

// Package docadmintest provides test helpers for code using docadmin: an
// in-memory Engine speaking the Elasticsearch REST protocol, and mock
// clients for handling bulk requests directly.
package docadmintest

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// BulkAction is an action line of a bulk request, with its source line if
// the action has one.
type BulkAction struct {
	Action     string
	Index      string
	DocumentID string
	Source     []byte
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// actions and a response body reporting every item as successful.
func DecodeBulkRequest(r *http.Request) ([]BulkAction, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var actions []BulkAction
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		action := make(map[string]struct {
			Index string `json:"_index"`
			ID    string `json:"_id"`
		})
		if err := json.NewDecoder(strings.NewReader(scanner.Text())).Decode(&action); err != nil {
			panic(err)
		}
		var actionType string
		for actionType = range action {
		}
		meta := action[actionType]
		decoded := BulkAction{Action: actionType, Index: meta.Index, DocumentID: meta.ID}

		status := http.StatusCreated
		if actionType != "delete" {
			if !scanner.Scan() {
				panic("expected source")
			}
			doc := append([]byte{}, scanner.Bytes()...)
			if !json.Valid(doc) {
				panic(fmt.Errorf("invalid JSON: %s", doc))
			}
			decoded.Source = doc
		}
		if actionType == "delete" || actionType == "update" {
			status = http.StatusOK
		}
		actions = append(actions, decoded)

		item := esutil.BulkIndexerResponseItem{
			Index:      meta.Index,
			DocumentID: meta.ID,
			Version:    1,
			Result:     resultFor(actionType),
			Status:     status,
		}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{actionType: item})
	}
	return actions, result
}

func resultFor(action string) string {
	switch action {
	case "delete":
		return "deleted"
	case "update":
		return "updated"
	}
	return "created"
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends
// /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	config := NewMockElasticsearchClientConfig(t, bulkHandler)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// NewMockElasticsearchClientConfig starts an httptest.Server, and returns an
// elasticsearch.Config which sends /_bulk requests to bulkHandler. The
// httptest.Server will be closed via t.Cleanup.
func NewMockElasticsearchClientConfig(t testing.TB, bulkHandler http.HandlerFunc) elasticsearch.Config {
	mux := http.NewServeMux()
	HandleBulk(mux, bulkHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	return config
}

// NewEngineClient returns an elasticsearch.Client backed by a new Engine.
func NewEngineClient(t testing.TB, opts ...Option) (*Engine, *elasticsearch.Client) {
	engine, srv := NewServer(t, opts...)
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{srv.URL},
		DisableRetry: true,
		Transport:    apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	})
	require.NoError(t, err)
	return engine, client
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	})
}
