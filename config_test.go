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

package docadmin_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/elastic/go-docadmin"
)

func TestDefaultConfig(t *testing.T) {
	cfg := docadmin.DefaultConfig(docadmin.Config{Host: "localhost", Port: 9200})
	assert.Equal(t, "http", cfg.Scheme)
	assert.Equal(t, 10, cfg.MaxRequests)
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, 0, cfg.CompressionLevel)

	logger := zap.NewExample()
	cfg = docadmin.DefaultConfig(docadmin.Config{Scheme: "https", MaxRequests: 3, Logger: logger})
	assert.Equal(t, "https", cfg.Scheme)
	assert.Equal(t, 3, cfg.MaxRequests)
	assert.Same(t, logger, cfg.Logger)

	cfg = docadmin.DefaultConfig(docadmin.Config{MaxRequests: -5})
	assert.Equal(t, 10, cfg.MaxRequests)
}

func TestConfigValidate(t *testing.T) {
	valid := docadmin.Config{Host: "localhost", Port: 9200}
	assert.NoError(t, valid.Validate())

	for name, tc := range map[string]struct {
		modify func(*docadmin.Config)
		err    string
	}{
		"host": {
			modify: func(cfg *docadmin.Config) { cfg.Host = "" },
			err:    "host is empty",
		},
		"port_zero": {
			modify: func(cfg *docadmin.Config) { cfg.Port = 0 },
			err:    "expected Port in range [1,65535], got 0",
		},
		"port_large": {
			modify: func(cfg *docadmin.Config) { cfg.Port = 70000 },
			err:    "expected Port in range [1,65535], got 70000",
		},
		"scheme": {
			modify: func(cfg *docadmin.Config) { cfg.Scheme = "ftp" },
			err:    `unsupported scheme "ftp"`,
		},
		"compression": {
			modify: func(cfg *docadmin.Config) { cfg.CompressionLevel = 10 },
			err:    "expected CompressionLevel in range [-1,9], got 10",
		},
		"refresh": {
			modify: func(cfg *docadmin.Config) { cfg.Refresh = "always" },
			err:    `unsupported refresh policy "always"`,
		},
		"timeout": {
			modify: func(cfg *docadmin.Config) { cfg.RequestTimeout = -time.Second },
			err:    "negative RequestTimeout -1s",
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			tc.modify(&cfg)
			assert.EqualError(t, cfg.Validate(), tc.err)
		})
	}
}

func TestConfigURL(t *testing.T) {
	cfg := docadmin.Config{Host: "127.0.0.1", Port: 9300}
	assert.Equal(t, "http://127.0.0.1:9300", cfg.URL().String())

	cfg = docadmin.Config{Host: "es.example.com", Port: 443, Scheme: "https"}
	assert.Equal(t, "https://es.example.com:443", cfg.URL().String())

	cfg = docadmin.Config{Host: "::1", Port: 9200}
	assert.Equal(t, "http://[::1]:9200", cfg.URL().String())
}
