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

package docadmin

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config holds configuration for a Connection.
//
// Config is copied by Connect, so changes made to it afterwards have no
// effect on existing connections.
type Config struct {
	// Host holds the host name or IP address of the Elasticsearch node.
	Host string

	// Port holds the HTTP port of the Elasticsearch node. It must be > 0.
	Port int

	// Scheme holds the URL scheme, either "http" or "https".
	//
	// If Scheme is empty, "http" will be used.
	Scheme string

	// ClusterName holds the expected cluster name. When set, Connect
	// fails with a ConnectionError if the node reports another name.
	ClusterName string

	// Username and Password enable HTTP basic authentication.
	Username string
	Password string

	// APIKey holds a base64 encoded API key. It takes precedence over
	// Username and Password.
	APIKey string

	// RequestTimeout holds the default per call timeout. It is applied
	// both as a context deadline and as the server side timeout parameter.
	// A deadline already present on the caller's context takes precedence
	// when it is earlier.
	//
	// If RequestTimeout is zero, no timeout will be used.
	RequestTimeout time.Duration

	// Refresh holds the refresh policy applied to write operations:
	// "true", "false" or "wait_for".
	//
	// If Refresh is empty, the engine's refresh interval applies and writes
	// are only eventually visible.
	Refresh string

	// LegacyTypes makes document and mapping requests use the typed
	// /{index}/{type} endpoints of pre 8.0 clusters.
	LegacyTypes bool

	// AutoCreateIndex allows single document writes to implicitly create
	// a missing index. When false, IndexDocument checks that the index
	// exists and fails with ErrIndexNotFound otherwise.
	AutoCreateIndex bool

	// CompressionLevel holds the gzip compression level used for bulk
	// request bodies, from 0 (gzip.NoCompression) to 9 (gzip.BestCompression).
	// The special value -1 (gzip.DefaultCompression) selects the default
	// compression level.
	CompressionLevel int

	// MaxRequests holds the maximum number of bulk requests that a
	// Connection executes concurrently.
	//
	// If MaxRequests is less than or equal to zero, the default of 10 will be used.
	MaxRequests int

	// Pipeline holds the ingest pipeline ID used for bulk requests.
	Pipeline string

	// Transport holds an optional http.RoundTripper. If nil, a clone of
	// http.DefaultTransport owned by the Connection is used.
	Transport http.RoundTripper

	// Logger holds an optional Logger to use for logging requests.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk flushes
	// of a Processor. Each flush is traced as a transaction.
	//
	// If Tracer is nil, flushes will not be traced with APM.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. Each operation
	// is traced as a span.
	//
	// If TracerProvider is nil, requests will not be traced.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set
}

const (
	defaultMaxRequests = 10
	maxPort            = 65535
)

// DefaultConfig returns a copy of cfg with unset optional fields defaulted.
func DefaultConfig(cfg Config) Config {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = defaultMaxRequests
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Validate checks that cfg describes a reachable endpoint.
func (cfg Config) Validate() error {
	if cfg.Host == "" {
		return errors.New("host is empty")
	}
	if cfg.Port <= 0 || cfg.Port > maxPort {
		return fmt.Errorf("expected Port in range [1,%d], got %d", maxPort, cfg.Port)
	}
	switch cfg.Scheme {
	case "", "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", cfg.Scheme)
	}
	return cfg.validateOptions()
}

// validateOptions checks the fields that do not describe the endpoint.
func (cfg Config) validateOptions() error {
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	switch cfg.Refresh {
	case "", "true", "false", "wait_for":
	default:
		return fmt.Errorf("unsupported refresh policy %q", cfg.Refresh)
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("negative RequestTimeout %s", cfg.RequestTimeout)
	}
	return nil
}

// URL returns the endpoint URL described by cfg.
func (cfg Config) URL() *url.URL {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}
}
