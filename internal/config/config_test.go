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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-docadmin/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefault(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	conn := cfg.Connection()
	assert.Equal(t, "localhost", conn.Host)
	assert.Equal(t, 9200, conn.Port)
	assert.NoError(t, conn.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "docadmin.yml", `
elasticsearch:
  host: es.internal
  port: 9243
  scheme: https
  cluster_name: my-application
  request_timeout: 5s
  refresh: wait_for
  legacy_types: true
  compression_level: 1
bulk:
  flush_actions: 500
  flush_interval: 2s
  max_requests: 4
log:
  level: debug
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Elasticsearch{
		Host:           "es.internal",
		Port:           9243,
		Scheme:         "https",
		ClusterName:    "my-application",
		RequestTimeout: 5 * time.Second,
		Refresh:        "wait_for",
		LegacyTypes:    true,
		Compression:    1,
	}, cfg.Elasticsearch)
	assert.Equal(t, "debug", cfg.Log.Level)

	conn := cfg.Connection()
	assert.Equal(t, 4, conn.MaxRequests)
	assert.Equal(t, "https://es.internal:9243", conn.URL().String())

	proc := cfg.Processor()
	assert.Equal(t, 500, proc.FlushActions)
	assert.Equal(t, 2*time.Second, proc.FlushInterval)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, "docadmin.yml", "elasticsearch:\n  host: es.internal\n  port: 9243\n")
	t.Setenv("DOCADMIN_HOST", "es.override")
	t.Setenv("DOCADMIN_TIMEOUT", "1m")
	t.Setenv("DOCADMIN_LEGACY_TYPES", "true")
	t.Setenv("DOCADMIN_BULK_FLUSH_BYTES", "2048")
	t.Setenv("DOCADMIN_PORT", "")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "es.override", cfg.Elasticsearch.Host)
	assert.Equal(t, 9243, cfg.Elasticsearch.Port)
	assert.Equal(t, time.Minute, cfg.Elasticsearch.RequestTimeout)
	assert.True(t, cfg.Elasticsearch.LegacyTypes)
	assert.Equal(t, 2048, cfg.Bulk.FlushBytes)
}

func TestLoadEnvInvalid(t *testing.T) {
	t.Setenv("DOCADMIN_PORT", "ninety-two hundred")
	_, err := config.Load("")
	assert.ErrorContains(t, err, "invalid DOCADMIN_PORT")

	t.Setenv("DOCADMIN_PORT", "9200")
	t.Setenv("DOCADMIN_TIMEOUT", "soon")
	_, err = config.Load("")
	assert.ErrorContains(t, err, "invalid DOCADMIN_TIMEOUT")
}

func TestLoadEnvFile(t *testing.T) {
	envFile := writeFile(t, "test.env", "DOCADMIN_CLUSTER=from-env-file\nDOCADMIN_REFRESH=true\n")
	t.Setenv("ENV_FILE", envFile)
	// Variables loaded from ENV_FILE are not restored by t.Setenv.
	t.Cleanup(func() {
		os.Unsetenv("DOCADMIN_CLUSTER")
		os.Unsetenv("DOCADMIN_REFRESH")
	})

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env-file", cfg.Elasticsearch.ClusterName)
	assert.Equal(t, "true", cfg.Elasticsearch.Refresh)
}

func TestLoadErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorContains(t, err, "read config file")

	path := writeFile(t, "bad.yml", "elasticsearch: [\n")
	_, err = config.Load(path)
	assert.ErrorContains(t, err, "parse config file")

	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	_, err = config.Load("")
	assert.ErrorContains(t, err, "load environment files")
}
