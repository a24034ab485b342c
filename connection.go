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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/elastic/go-docadmin/esapi"
)

// Operation names, used for span names, metric attributes and errors.
const (
	opInfo        = "info"
	opCreateIndex = "create_index"
	opDeleteIndex = "delete_index"
	opIndexExists = "index_exists"
	opPutMapping  = "put_mapping"
	opGetMapping  = "get_mapping"
	opRefresh     = "refresh"
	opIndex       = "index"
	opCreate      = "create"
	opUpdate      = "update"
	opDelete      = "delete"
	opGet         = "get"
	opBulk        = "bulk"
)

// ClusterInfo holds the information returned by the root endpoint.
type ClusterInfo struct {
	Name        string `json:"name"`
	ClusterName string `json:"cluster_name"`
	ClusterUUID string `json:"cluster_uuid"`
	Version     struct {
		Number string `json:"number"`
	} `json:"version"`
	Tagline string `json:"tagline"`
}

// Connection is a handle to a single Elasticsearch endpoint. It is safe for
// concurrent use; every operation is an independent request.
//
// A Connection must be closed with Close once it is no longer needed, which
// releases its idle sockets.
type Connection struct {
	config        Config
	transport     esapi.Transport
	httpTransport *http.Transport
	endpoint      string
	logger        *zap.Logger
	tracer        trace.Tracer
	metrics       *metrics
	metricsReg    metric.Registration
	pool          *BulkIndexerPool
	info          ClusterInfo

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Connect returns a Connection to the endpoint described by cfg.
//
// Connect verifies the endpoint by requesting cluster information. It fails
// with a ConnectionError when the endpoint is unreachable, rejects the
// credentials, or reports a cluster name other than cfg.ClusterName.
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	endpoint := cfg.URL()

	rt := cfg.Transport
	var owned *http.Transport
	if rt == nil {
		owned = http.DefaultTransport.(*http.Transport).Clone()
		owned.MaxIdleConnsPerHost = cfg.MaxRequests
		rt = owned
	}
	client, err := elastictransport.New(elastictransport.Config{
		URLs:     []*url.URL{endpoint},
		Username: cfg.Username,
		Password: cfg.Password,
		APIKey:   cfg.APIKey,
		// Retry policy belongs to the caller.
		DisableRetry: true,
		Transport:    apmelasticsearch.WrapRoundTripper(rt),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	conn, err := newConnection(client, cfg, endpoint.String())
	if err != nil {
		return nil, err
	}
	conn.httpTransport = owned

	info, err := conn.ping(ctx)
	if err != nil {
		return nil, errors.Join(err, conn.Close())
	}
	if cfg.ClusterName != "" && info.ClusterName != cfg.ClusterName {
		err := &ConnectionError{
			URL: conn.endpoint,
			Err: fmt.Errorf("expected cluster %q, got %q", cfg.ClusterName, info.ClusterName),
		}
		return nil, errors.Join(err, conn.Close())
	}
	conn.info = info
	conn.logger.Debug("connected to elasticsearch",
		zap.String("endpoint", conn.endpoint),
		zap.String("cluster_name", info.ClusterName),
		zap.String("version", info.Version.Number),
	)
	return conn, nil
}

// NewConnection returns a Connection that sends requests through transport,
// for example an *elasticsearch.Client. Host and Port of cfg are ignored and
// no verification request is made.
func NewConnection(transport esapi.Transport, cfg Config) (*Connection, error) {
	if transport == nil {
		return nil, errors.New("transport is nil")
	}
	cfg = DefaultConfig(cfg)
	if err := cfg.validateOptions(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return newConnection(transport, cfg, "")
}

func newConnection(transport esapi.Transport, cfg Config, endpoint string) (*Connection, error) {
	ms, reg, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	conn := &Connection{
		config:     cfg,
		transport:  transport,
		endpoint:   endpoint,
		logger:     cfg.Logger,
		tracer:     tp.Tracer("github.com/elastic/go-docadmin"),
		metrics:    ms,
		metricsReg: reg,
		pool: NewBulkIndexerPool(cfg.MaxRequests, BulkIndexerConfig{
			Client:           transport,
			CompressionLevel: cfg.CompressionLevel,
			Pipeline:         cfg.Pipeline,
			Refresh:          cfg.Refresh,
			Timeout:          cfg.RequestTimeout,
			LegacyTypes:      cfg.LegacyTypes,
		}),
	}
	ms.availableBulkRequests.Add(context.Background(), int64(cfg.MaxRequests), ms.attrs)
	return conn, nil
}

// WithConnection connects using cfg, calls fn and closes the connection on
// every exit path, including when fn panics.
func WithConnection(ctx context.Context, cfg Config, fn func(*Connection) error) (err error) {
	conn, err := Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()
	return fn(conn)
}

// Info returns the cluster information obtained by Connect.
func (c *Connection) Info() ClusterInfo {
	return c.info
}

// Indices returns the index administrator of c.
func (c *Connection) Indices() *IndexAdmin {
	return &IndexAdmin{conn: c}
}

// Documents returns the document operator of c.
func (c *Connection) Documents() *DocumentOperator {
	return &DocumentOperator{conn: c}
}

// Ping requests cluster information from the endpoint.
func (c *Connection) Ping(ctx context.Context) (ClusterInfo, error) {
	return c.ping(ctx)
}

// Close releases the resources held by c. Operations issued after Close
// fail with ErrClosed. Close is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.httpTransport != nil {
			c.httpTransport.CloseIdleConnections()
		}
		c.metrics.availableBulkRequests.Add(context.Background(), -int64(c.config.MaxRequests), c.metrics.attrs)
		if c.metricsReg != nil {
			c.closeErr = c.metricsReg.Unregister()
		}
	})
	return c.closeErr
}

func (c *Connection) ping(ctx context.Context) (ClusterInfo, error) {
	var info ClusterInfo
	err := c.perform(ctx, opInfo, "", "",
		func(ctx context.Context) (*esapi.Response, error) {
			return esapi.InfoRequest{}.Do(ctx, c.transport)
		},
		func(res *esapi.Response) error {
			return decodeResponse(opInfo, res, "", "", &info)
		},
	)
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		// Authentication and authorization failures mean the endpoint is
		// not usable at all.
		return info, &ConnectionError{URL: c.endpoint, Err: err}
	}
	return info, err
}

// observe runs fn inside a span with the connection's timeout applied, and
// records the outcome.
func (c *Connection) observe(
	ctx context.Context,
	op string,
	attrs []attribute.KeyValue,
	fn func(context.Context, trace.Span) error,
) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}
	ctx, span := c.tracer.Start(ctx, "docadmin."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx, span)
	took := time.Since(start)

	outcome := "success"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "failure"
	}
	c.metrics.recordRequest(op, outcome, took.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("request failed",
			zap.String("operation", op),
			zap.Duration("took", took),
			zap.Error(err),
		)
		return err
	}
	span.SetStatus(codes.Ok, "")
	c.logger.Debug("request completed",
		zap.String("operation", op),
		zap.Duration("took", took),
	)
	return nil
}

// perform executes a single request. The response body is closed after
// handle returns.
func (c *Connection) perform(
	ctx context.Context,
	op, index, documentID string,
	do func(context.Context) (*esapi.Response, error),
	handle func(*esapi.Response) error,
) error {
	var attrs []attribute.KeyValue
	if index != "" {
		attrs = append(attrs, attribute.String("index", index))
	}
	return c.observe(ctx, op, attrs, func(ctx context.Context, span trace.Span) error {
		res, err := do(ctx)
		if err != nil {
			return transportError(op, c.endpoint, err)
		}
		defer res.Close()
		span.SetAttributes(semconv.HTTPResponseStatusCode(res.StatusCode))
		if err := handle(res); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &TimeoutError{Op: op, Err: err}
			}
			return err
		}
		return nil
	})
}

// decodeResponse decodes a successful response body into v, or returns the
// ResponseError describing a failed one.
func decodeResponse(op string, res *esapi.Response, index, documentID string, v any) error {
	if res.IsError() {
		return newResponseError(op, res, index, documentID)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return fmt.Errorf("error decoding %s response: %w", op, err)
	}
	return nil
}
