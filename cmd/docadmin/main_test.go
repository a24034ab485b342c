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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-docadmin"
	"github.com/elastic/go-docadmin/docadmintest"
)

func run(t *testing.T, srv *httptest.Server, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	host, port := docadmintest.HostPort(t, srv)
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(append([]string{"--host", host, "--port", strconv.Itoa(port)}, args...))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func decodeOutput(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m), out)
	return m
}

func TestPing(t *testing.T) {
	_, srv := docadmintest.NewServer(t, docadmintest.WithClusterName("blog-cluster"))
	out, err := run(t, srv, nil, "ping")
	require.NoError(t, err)
	info := decodeOutput(t, out)
	assert.Equal(t, "blog-cluster", info["cluster_name"])

	_, err = run(t, srv, nil, "--cluster", "production", "ping")
	assert.ErrorIs(t, err, docadmin.ErrConnection)
}

func TestConfigFile(t *testing.T) {
	_, srv := docadmintest.NewServer(t)
	host, port := docadmintest.HostPort(t, srv)
	path := writeTemp(t, "docadmin.yml", fmt.Sprintf(
		"elasticsearch:\n  host: %s\n  port: %d\nlog:\n  level: debug\n", host, port,
	))

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--config", path, "ping"})
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "elasticsearch", decodeOutput(t, stdout.String())["cluster_name"])
	assert.Contains(t, stderr.String(), "request completed")

	cmd = newRootCommand()
	cmd.SetArgs([]string{"--config", path, "--log-level", "verbose", "ping"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.ErrorContains(t, cmd.ExecuteContext(context.Background()), "invalid log level")
}

func TestIndexCommands(t *testing.T) {
	engine, srv := docadmintest.NewServer(t)
	mapping := writeTemp(t, "mapping.json",
		`{"mappings":{"properties":{"id":{"type":"long"},"title":{"type":"text"}}}}`)

	out, err := run(t, srv, nil, "index", "create", "blog1", "--mapping", mapping, "--shards", "1")
	require.NoError(t, err)
	assert.Equal(t, "created index blog1\n", out)
	assert.Equal(t, "long", engine.FieldType("blog1", "id"))

	_, err = run(t, srv, nil, "index", "create", "blog1")
	assert.ErrorIs(t, err, docadmin.ErrIndexExists)

	out, err = run(t, srv, nil, "index", "create", "blog1", "--if-not-exists")
	require.NoError(t, err)
	assert.Equal(t, "index blog1 already exists\n", out)

	extra := writeTemp(t, "extra.json", `{"properties":{"content":{"type":"text","analyzer":"standard"}}}`)
	out, err = run(t, srv, nil, "index", "put-mapping", "blog1", "--file", extra)
	require.NoError(t, err)
	assert.Equal(t, "updated mapping of blog1\n", out)
	assert.Equal(t, "text", engine.FieldType("blog1", "content"))

	conflict := writeTemp(t, "conflict.json", `{"properties":{"id":{"type":"text"}}}`)
	_, err = run(t, srv, nil, "index", "put-mapping", "blog1", "--file", conflict)
	assert.ErrorIs(t, err, docadmin.ErrInvalidMapping)

	out, err = run(t, srv, nil, "index", "get-mapping", "blog1")
	require.NoError(t, err)
	props := decodeOutput(t, out)["properties"].(map[string]any)
	assert.Len(t, props, 3)

	out, err = run(t, srv, nil, "index", "delete", "blog1")
	require.NoError(t, err)
	assert.Equal(t, "deleted index blog1\n", out)
	_, err = run(t, srv, nil, "index", "delete", "blog1")
	assert.ErrorIs(t, err, docadmin.ErrIndexNotFound)
}

func TestReadMapping(t *testing.T) {
	path := writeTemp(t, "mapping.json", `{"dynamic":"strict","properties":{"id":{"type":"long"}}}`)
	mapping, err := readMapping(path, "article")
	require.NoError(t, err)
	assert.Equal(t, "article", mapping.Type)
	assert.Equal(t, docadmin.DynamicStrict, mapping.Dynamic)

	_, err = readMapping(writeTemp(t, "empty.json", `{}`), "")
	assert.EqualError(t, err, "mapping has no properties")
	_, err = readMapping(writeTemp(t, "bad.json", `{`), "")
	assert.ErrorContains(t, err, "parse mapping")
}

func TestDocCommands(t *testing.T) {
	engine, srv := docadmintest.NewServer(t)
	_, err := run(t, srv, nil, "index", "create", "blog1")
	require.NoError(t, err)

	out, err := run(t, srv, nil, "doc", "put", "blog1", "1", "--field", "id=1", "--field", "title=hello")
	require.NoError(t, err)
	assert.Equal(t, "created", decodeOutput(t, out)["result"])

	out, err = run(t, srv, strings.NewReader(`{"id":2,"title":"from stdin"}`), "doc", "put", "blog1", "2")
	require.NoError(t, err)
	assert.Equal(t, "created", decodeOutput(t, out)["result"])
	assert.Equal(t, 2, engine.DocumentCount("blog1"))

	_, err = run(t, srv, nil, "doc", "put", "blog1", "1", "--create", "--field", "id=1")
	assert.ErrorIs(t, err, docadmin.ErrVersionConflict)

	out, err = run(t, srv, nil, "doc", "update", "blog1", "1", "--field", "title=updated")
	require.NoError(t, err)
	assert.Equal(t, "updated", decodeOutput(t, out)["result"])

	out, err = run(t, srv, nil, "doc", "get", "blog1", "1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": float64(1), "title": "updated"}, decodeOutput(t, out))

	_, err = run(t, srv, nil, "doc", "update", "blog1", "9", "--field", "title=missing")
	assert.ErrorIs(t, err, docadmin.ErrDocumentNotFound)
	_, ok := engine.Document("blog1", "9")
	assert.False(t, ok)

	out, err = run(t, srv, nil, "doc", "delete", "blog1", "1")
	require.NoError(t, err)
	assert.Equal(t, "deleted", decodeOutput(t, out)["result"])
	out, err = run(t, srv, nil, "doc", "delete", "blog1", "1")
	require.NoError(t, err)
	assert.Equal(t, "document 1 not found in blog1\n", out)

	_, err = run(t, srv, nil, "doc", "get", "blog1", "1")
	assert.ErrorIs(t, err, docadmin.ErrDocumentNotFound)

	_, err = run(t, srv, nil, "doc", "put", "blog1", "--field", "novalue")
	assert.ErrorContains(t, err, `invalid field "novalue"`)
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{
		"id=1", "score=2.5", "draft=true", "title=hello world", "tags=[\"a\",\"b\"]", "empty=",
	})
	require.NoError(t, err)
	source, err := json.Marshal(fields)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"id":1,"score":2.5,"draft":true,"title":"hello world","tags":["a","b"],"empty":""}`,
		string(source),
	)

	_, err = parseFields([]string{"=1"})
	assert.Error(t, err)
}

func TestBulkGenerate(t *testing.T) {
	engine, srv := docadmintest.NewServer(t, docadmintest.WithBulkItemFailure(
		func(item docadmintest.BulkItem) *docadmintest.ItemFailure {
			if item.DocumentID == "3" {
				return &docadmintest.ItemFailure{
					Status: http.StatusBadRequest,
					Type:   "mapper_parsing_exception",
					Reason: "failed to parse field [content]",
				}
			}
			return nil
		},
	))
	_, err := run(t, srv, nil, "index", "create", "blog1")
	require.NoError(t, err)

	out, err := run(t, srv, nil, "bulk", "blog1", "--generate", "10", "--no-progress")
	assert.Equal(t, "indexed 9 of 10 documents in 1 bulk requests, 1 failed\n", out)
	require.Error(t, err)
	assert.ErrorIs(t, err, docadmin.ErrSerialization)
	assert.Contains(t, err.Error(), `document "3"`)
	assert.Equal(t, 9, engine.DocumentCount("blog1"))
}

func TestBulkFile(t *testing.T) {
	engine, srv := docadmintest.NewServer(t)
	_, err := run(t, srv, nil, "index", "create", "blog1")
	require.NoError(t, err)

	path := writeTemp(t, "articles.ndjson", strings.Join([]string{
		`{"code":"a","title":"first"}`,
		``,
		`{"code":"b","title":"second"}`,
		`{"code":"c","title":"third"}`,
	}, "\n"))
	out, err := run(t, srv, nil, "bulk", "blog1", "--file", path, "--id-field", "code", "--no-progress")
	require.NoError(t, err)
	assert.Equal(t, "indexed 3 of 3 documents in 1 bulk requests, 0 failed\n", out)
	for _, id := range []string{"a", "b", "c"} {
		_, ok := engine.Document("blog1", id)
		assert.True(t, ok, id)
	}

	_, err = run(t, srv, nil, "bulk", "blog1", "--file", path, "--id-field", "missing", "--no-progress")
	assert.ErrorContains(t, err, "line 1: missing missing field")

	_, err = run(t, srv, nil, "bulk", "blog1", "--no-progress")
	assert.EqualError(t, err, "exactly one of --file or --generate is required")
}

func TestCountLines(t *testing.T) {
	for content, want := range map[string]int{
		"":         0,
		"a":        1,
		"a\n":      1,
		"a\nb":     2,
		"a\n\nb\n": 3,
	} {
		n, err := countLines(writeTemp(t, "lines", content))
		require.NoError(t, err)
		assert.Equal(t, want, n, "%q", content)
	}
}
