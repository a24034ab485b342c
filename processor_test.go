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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/v2"
	"go.elastic.co/apm/v2/apmtest"
	"go.elastic.co/apm/v2/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/metric/metricdata/metricdatatest"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/elastic/go-docadmin"
	"github.com/elastic/go-docadmin/docadmintest"
)

// newMockConnection returns a Connection sending bulk requests to
// bulkHandler.
func newMockConnection(t testing.TB, bulkHandler http.HandlerFunc, cfg docadmin.Config) *docadmin.Connection {
	client := docadmintest.NewMockElasticsearchClient(t, bulkHandler)
	conn, err := docadmin.NewConnection(client, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newProcessor(t testing.TB, conn *docadmin.Connection, cfg docadmin.ProcessorConfig) *docadmin.Processor {
	p, err := conn.NewProcessor(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func addArticle(t testing.TB, p *docadmin.Processor, index string, id int) {
	err := p.Add(context.Background(), docadmin.Operation{
		Index:      index,
		DocumentID: fmt.Sprint(id),
		Source:     article{ID: int64(id), Title: fmt.Sprintf("article %d", id)},
	})
	require.NoError(t, err)
}

func TestProcessor(t *testing.T) {
	var bytesTotal atomic.Int64
	rdr := sdkmetric.NewManualReader()
	attrs := attribute.NewSet(attribute.String("a", "b"), attribute.String("c", "d"))
	conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
		bytesTotal.Add(r.ContentLength)
		_, result := docadmintest.DecodeBulkRequest(r)
		result.HasErrors = true
		// Respond with an error for the first three items, with one
		// indicating "too many requests".
		for i := range result.Items {
			if i > 2 {
				break
			}
			status := http.StatusInternalServerError
			switch i {
			case 1:
				status = http.StatusTooManyRequests
			case 2:
				status = http.StatusUnauthorized
			}
			for action, item := range result.Items[i] {
				item.Status = status
				result.Items[i][action] = item
			}
		}
		json.NewEncoder(w).Encode(result)
	}, docadmin.Config{
		MeterProvider:    sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
		MetricAttributes: attrs,
	})
	p := newProcessor(t, conn, docadmin.ProcessorConfig{FlushInterval: time.Minute})

	const N = 10
	for i := 0; i < N; i++ {
		addArticle(t, p, "blog1", i)
	}
	// Nothing has been flushed yet.
	assert.Equal(t, docadmin.ProcessorStats{Added: N, Active: N}, p.Stats())

	// Closing the processor flushes enqueued operations.
	require.NoError(t, p.Close(context.Background()))
	stats := p.Stats()
	assert.Equal(t, docadmin.ProcessorStats{
		Added:           N,
		Active:          0,
		BulkRequests:    1,
		Indexed:         N - 3,
		Failed:          3,
		TooManyRequests: 1,
	}, stats)

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(context.Background(), &rm))
	sums := map[string]int64{}
	processed := map[string]int64{}
	var unexpected []string
	for _, m := range rm.ScopeMetrics[0].Metrics {
		switch m.Name {
		case "elasticsearch.events.processed":
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				metricdatatest.AssertHasAttributes[metricdata.DataPoint[int64]](t, dp, attrs.ToSlice()...)
				status, ok := dp.Attributes.Value(attribute.Key("status"))
				require.True(t, ok)
				processed[status.AsString()] = dp.Value
			}
		case "elasticsearch.events.count",
			"elasticsearch.events.queued",
			"elasticsearch.bulk_requests.available",
			"elasticsearch.flushed.bytes",
			"elasticsearch.flushed.uncompressed.bytes":
			dps := m.Data.(metricdata.Sum[int64]).DataPoints
			require.Len(t, dps, 1, m.Name)
			metricdatatest.AssertHasAttributes[metricdata.DataPoint[int64]](t, dps[0], attrs.ToSlice()...)
			sums[m.Name] = dps[0].Value
		case "elasticsearch.requests.count":
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				op, _ := dp.Attributes.Value(attribute.Key("operation"))
				outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
				assert.Equal(t, "bulk", op.AsString())
				assert.Equal(t, "success", outcome.AsString())
				assert.Equal(t, int64(1), dp.Value)
			}
		case "elasticsearch.request.latency", "elasticsearch.buffer.latency":
			// histograms, no assertions
		default:
			unexpected = append(unexpected, m.Name)
		}
	}
	assert.Empty(t, unexpected)
	assert.Equal(t, map[string]int64{
		"Success":      stats.Indexed,
		"FailedClient": 1,
		"FailedServer": 1,
		"TooMany":      stats.TooManyRequests,
	}, processed)
	assert.Equal(t, map[string]int64{
		"elasticsearch.events.count":               N,
		"elasticsearch.events.queued":              0,
		"elasticsearch.bulk_requests.available":    10,
		"elasticsearch.flushed.bytes":              bytesTotal.Load(),
		"elasticsearch.flushed.uncompressed.bytes": bytesTotal.Load(),
	}, sums)
}

func TestProcessorFlushActions(t *testing.T) {
	requests := make(chan []docadmintest.BulkAction, 10)
	conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
		actions, result := docadmintest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
		requests <- actions
	}, docadmin.Config{})
	p := newProcessor(t, conn, docadmin.ProcessorConfig{
		FlushActions:  5,
		FlushInterval: time.Minute,
	})

	for i := 0; i < 12; i++ {
		addArticle(t, p, "blog1", i)
	}
	var ids []string
	for i := 0; i < 2; i++ {
		select {
		case actions := <-requests:
			assert.Len(t, actions, 5)
			for _, a := range actions {
				ids = append(ids, a.DocumentID)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for request, flush actions reached")
		}
	}
	select {
	case actions := <-requests:
		t.Fatalf("unexpected request with %d actions", len(actions))
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.Close(context.Background()))
	actions := <-requests
	assert.Len(t, actions, 2)
	for _, a := range actions {
		ids = append(ids, a.DocumentID)
	}
	want := make([]string, 12)
	for i := range want {
		want[i] = fmt.Sprint(i)
	}
	assert.ElementsMatch(t, want, ids)
	assert.Equal(t, int64(3), p.Stats().BulkRequests)
}

func TestProcessorFlushInterval(t *testing.T) {
	requests := make(chan struct{}, 1)
	conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := docadmintest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
		select {
		case <-r.Context().Done():
		case requests <- struct{}{}:
		}
	}, docadmin.Config{})
	p := newProcessor(t, conn, docadmin.ProcessorConfig{
		// Default flush bytes is 1MB
		FlushInterval: time.Millisecond,
	})

	select {
	case <-requests:
		t.Fatal("unexpected request, no operations buffered")
	case <-time.After(50 * time.Millisecond):
	}

	addArticle(t, p, "blog1", 1)

	select {
	case <-requests:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for request, flush interval elapsed")
	}
}

func TestProcessorFlushBytes(t *testing.T) {
	requests := make(chan int, 1)
	conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
		actions, result := docadmintest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
		requests <- len(actions)
	}, docadmin.Config{})
	p := newProcessor(t, conn, docadmin.ProcessorConfig{
		FlushBytes:    1024,
		FlushInterval: time.Minute,
	})

	add := func() {
		require.NoError(t, p.Add(context.Background(), docadmin.Operation{
			Index:  "blog1",
			Source: article{Content: strings.Repeat("lucene", 100)},
		}))
	}
	add()
	select {
	case n := <-requests:
		t.Fatalf("unexpected request with %d actions, flush bytes not reached", n)
	case <-time.After(50 * time.Millisecond):
	}

	add()
	select {
	case n := <-requests:
		assert.Equal(t, 2, n)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for request, flush bytes reached")
	}
}

func TestProcessorOnResult(t *testing.T) {
	engine, conn := newTestConnection(t, docadmin.Config{})
	newBlogIndex(t, conn, "blog1")

	var mu sync.Mutex
	var results []docadmin.OperationResult
	p := newProcessor(t, conn, docadmin.ProcessorConfig{
		FlushInterval: time.Minute,
		OnResult: func(ctx context.Context, result docadmin.OperationResult) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, result)
		},
	})
	for i := 1; i <= 5; i++ {
		addArticle(t, p, "blog1", i)
	}
	addArticle(t, p, "missing", 6)
	require.NoError(t, p.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 6)
	for i, result := range results {
		assert.Equal(t, i, result.Position)
	}
	assert.ErrorIs(t, results[5].Err(), docadmin.ErrIndexNotFound)
	assert.Equal(t, 5, engine.DocumentCount("blog1"))
	assert.Equal(t, docadmin.ProcessorStats{
		Added:        6,
		BulkRequests: 1,
		Indexed:      5,
		Failed:       1,
	}, p.Stats())
}

func TestProcessorIndexFailedLogging(t *testing.T) {
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := docadmintest.DecodeBulkRequest(r)
		for i, item := range result.Items {
			itemResp := item["index"]
			itemResp.Index = "an_index"
			itemResp.Status = http.StatusBadRequest
			switch i % 3 {
			case 0:
				itemResp.Error.Type = "error_type"
				itemResp.Error.Reason = "error_reason_even. Preview of field's value: 'abc def ghi'"
			case 1:
				itemResp.Error.Type = "error_type"
				itemResp.Error.Reason = "error_reason_odd. Preview of field's value: some field value"
			case 2:
				itemResp.Error.Type = "document_parsing_exception"
				itemResp.Error.Reason = "failed to parse"
			}
			item["index"] = itemResp
		}
		result.HasErrors = true
		json.NewEncoder(w).Encode(result)
	}, docadmin.Config{Logger: zap.New(core)})
	p := newProcessor(t, conn, docadmin.ProcessorConfig{FlushInterval: time.Minute})

	const N = 3 * 2
	for i := 0; i < N; i++ {
		addArticle(t, p, "blog1", i)
	}
	// Item failures do not fail the flush.
	require.NoError(t, p.Close(context.Background()))

	entries := observed.FilterMessageSnippet("failed to index").TakeAll()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Message < entries[j].Message
	})
	require.Len(t, entries, N/2)
	assert.Equal(t, "failed to index documents in 'an_index' (document_parsing_exception): failed to parse", entries[0].Message)
	assert.Equal(t, int64(2), entries[0].Context[0].Integer)
	assert.Equal(t, "failed to index documents in 'an_index' (error_type): error_reason_even", entries[1].Message)
	assert.Equal(t, int64(2), entries[1].Context[0].Integer)
	assert.Equal(t, "failed to index documents in 'an_index' (error_type): error_reason_odd", entries[2].Message)
	assert.Equal(t, int64(2), entries[2].Context[0].Integer)
	for _, entry := range entries {
		assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	}
	assert.Equal(t, int64(N), p.Stats().Failed)
}

func TestProcessorFlushRequestError(t *testing.T) {
	test := func(t *testing.T, status int, check func(*testing.T, docadmin.ErrorFlushFailed, docadmin.ProcessorStats)) {
		core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
		conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
			docadmintest.DecodeBulkRequest(r)
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"type":"simulated_es_error","reason":"for testing"}}`))
		}, docadmin.Config{Logger: zap.New(core)})
		p := newProcessor(t, conn, docadmin.ProcessorConfig{FlushInterval: time.Minute})

		addArticle(t, p, "blog1", 1)
		addArticle(t, p, "blog1", 2)
		err := p.Close(context.Background())
		var errFailed docadmin.ErrorFlushFailed
		require.ErrorAs(t, err, &errFailed)
		assert.Equal(t, status, errFailed.StatusCode())
		assert.Contains(t, err.Error(), "simulated_es_error")

		stats := p.Stats()
		assert.Equal(t, int64(2), stats.Failed)
		assert.Equal(t, int64(0), stats.Indexed)
		assert.Equal(t, int64(0), stats.Active)
		check(t, errFailed, stats)

		entries := observed.FilterMessage("bulk request failed").All()
		require.Len(t, entries, 1)
		assert.Equal(t, int64(2), entries[0].ContextMap()["documents"])

		// Close reports the same error again.
		assert.ErrorAs(t, p.Close(context.Background()), &errFailed)
	}
	t.Run("400", func(t *testing.T) {
		test(t, http.StatusBadRequest, func(t *testing.T, e docadmin.ErrorFlushFailed, _ docadmin.ProcessorStats) {
			assert.True(t, e.ClientError())
		})
	})
	t.Run("429", func(t *testing.T) {
		test(t, http.StatusTooManyRequests, func(t *testing.T, e docadmin.ErrorFlushFailed, stats docadmin.ProcessorStats) {
			assert.True(t, e.TooManyRequests())
			assert.Equal(t, int64(2), stats.TooManyRequests)
		})
	})
	t.Run("500", func(t *testing.T) {
		test(t, http.StatusInternalServerError, func(t *testing.T, e docadmin.ErrorFlushFailed, _ docadmin.ProcessorStats) {
			assert.True(t, e.ServerError())
		})
	})
}

func TestProcessorFlushTimeout(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	conn := newMockConnection(t, func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}, docadmin.Config{})
	p := newProcessor(t, conn, docadmin.ProcessorConfig{
		FlushActions: 1,
		FlushTimeout: 50 * time.Millisecond,
	})

	addArticle(t, p, "blog1", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.Close(ctx)
	assert.ErrorIs(t, err, docadmin.ErrTimeout)
	var timeoutErr *docadmin.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "bulk", timeoutErr.Op)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestProcessorAddInvalid(t *testing.T) {
	conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected bulk request")
	}, docadmin.Config{})
	p := newProcessor(t, conn, docadmin.ProcessorConfig{})

	err := p.Add(context.Background(), docadmin.Operation{Index: "Blog1", Source: article{}})
	assert.ErrorIs(t, err, docadmin.ErrInvalidIndexName)
	err = p.Add(context.Background(), docadmin.Operation{Index: "blog1", Source: `{"id":`})
	assert.ErrorIs(t, err, docadmin.ErrSerialization)
	err = p.Add(context.Background(), docadmin.Operation{Action: docadmin.ActionDelete, Index: "blog1"})
	assert.Error(t, err)

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, docadmin.ProcessorStats{}, p.Stats())
}

func TestProcessorAddAfterClose(t *testing.T) {
	conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := docadmintest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	}, docadmin.Config{})
	p := newProcessor(t, conn, docadmin.ProcessorConfig{})
	addArticle(t, p, "blog1", 1)
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	err := p.Add(context.Background(), docadmin.Operation{Index: "blog1", Source: article{ID: 2}})
	assert.ErrorIs(t, err, docadmin.ErrClosed)
	assert.Equal(t, int64(1), p.Stats().Indexed)
}

func TestProcessorAddReusedSource(t *testing.T) {
	engine, conn := newTestConnection(t, docadmin.Config{})
	newBlogIndex(t, conn, "blog1")
	p := newProcessor(t, conn, docadmin.ProcessorConfig{FlushInterval: time.Minute})

	buf := []byte(`{"id":1,"title":"first"}`)
	require.NoError(t, p.Add(context.Background(), docadmin.Operation{Index: "blog1", DocumentID: "1", Source: buf}))
	copy(buf, `{"id":2,"title":"other"}`)
	require.NoError(t, p.Add(context.Background(), docadmin.Operation{Index: "blog1", DocumentID: "2", Source: buf}))
	require.NoError(t, p.Close(context.Background()))

	doc, ok := engine.Document("blog1", "1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":1,"title":"first"}`, string(doc))
	doc, ok = engine.Document("blog1", "2")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":2,"title":"other"}`, string(doc))
}

func TestNewProcessorValidation(t *testing.T) {
	conn := newMockConnection(t, func(http.ResponseWriter, *http.Request) {}, docadmin.Config{})
	for _, cfg := range []docadmin.ProcessorConfig{
		{FlushBytes: -1},
		{FlushActions: -1},
		{FlushInterval: -time.Second},
		{QueueSize: -1},
	} {
		_, err := conn.NewProcessor(cfg)
		assert.Error(t, err)
	}

	require.NoError(t, conn.Close())
	_, err := conn.NewProcessor(docadmin.ProcessorConfig{})
	assert.ErrorIs(t, err, docadmin.ErrClosed)
}

func TestProcessorCloseFlushContext(t *testing.T) {
	srvctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-srvctx.Done():
		case <-r.Context().Done():
		}
	}, docadmin.Config{})
	p := newProcessor(t, conn, docadmin.ProcessorConfig{
		FlushInterval: time.Millisecond,
	})

	addArticle(t, p, "blog1", 1)

	errch := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		errch <- p.Close(ctx)
	}()

	// Should be blocked in flush.
	select {
	case err := <-errch:
		t.Fatalf("unexpected return from processor.Close: %s", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errch:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for flush to unblock")
	}
}

func TestProcessorCloseInterruptAdd(t *testing.T) {
	srvctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-srvctx.Done():
		case <-r.Context().Done():
		}
	}, docadmin.Config{MaxRequests: 2})
	const queueSize = 10
	p := newProcessor(t, conn, docadmin.ProcessorConfig{
		// Set FlushActions to 1 so a single operation causes a flush.
		FlushActions: 1,
		QueueSize:    queueSize,
	})

	// Fill up all the bulk requests, the indexer waiting for one of them,
	// and the queue.
	for i := 0; i < 2+1+queueSize; i++ {
		addArticle(t, p, "blog1", i)
	}

	// Call Add again; this should block, as all bulk requests are blocked
	// and the queue is full.
	added := make(chan error, 1)
	addContext, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		added <- p.Add(addContext, docadmin.Operation{Index: "blog1", Source: article{}})
	}()
	select {
	case err := <-added:
		t.Fatal("Add returned unexpectedly", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Close should block waiting for the enqueued operations to be flushed,
	// but must honour the given context and not block forever.
	closed := make(chan error, 1)
	closeContext, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		closed <- p.Close(closeContext)
	}()
	select {
	case err := <-closed:
		t.Fatal("Close returned unexpectedly", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-closed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for Close to return")
	}
	select {
	case err := <-added:
		assert.ErrorIs(t, err, docadmin.ErrClosed)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for Add to return")
	}
	assert.Equal(t, int64(0), p.Stats().Active)
}

func TestProcessorTracing(t *testing.T) {
	testProcessorTracing(t, 200, "success")
	testProcessorTracing(t, 400, "failure")
}

func testProcessorTracing(t *testing.T, statusCode int, expectedOutcome string) {
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	tracer := apmtest.NewRecordingTracer()
	defer tracer.Close()
	conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statusCode)
		_, result := docadmintest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	}, docadmin.Config{
		Logger: zap.New(core),
		Tracer: tracer.Tracer,
	})
	p := newProcessor(t, conn, docadmin.ProcessorConfig{FlushInterval: time.Minute})

	// Operations added within a transaction are linked from the flush.
	parent := tracer.StartTransaction("enqueue", "request")
	ctx := apm.ContextWithTransaction(context.Background(), parent)
	const N = 100
	for i := 0; i < N; i++ {
		require.NoError(t, p.Add(ctx, docadmin.Operation{Index: "blog1", Source: article{ID: int64(i)}}))
	}
	parent.End()

	// Closing the processor flushes enqueued operations.
	_ = p.Close(context.Background())

	tracer.Flush(nil)
	payloads := tracer.Payloads()
	var flushTx model.Transaction
	var found bool
	for _, tx := range payloads.Transactions {
		if tx.Name == "docadmin.flush" {
			flushTx, found = tx, true
		}
	}
	require.True(t, found)
	require.Len(t, payloads.Spans, 1)

	assert.Equal(t, expectedOutcome, flushTx.Outcome)
	assert.Equal(t, "output", flushTx.Type)
	assert.Equal(t, model.IfaceMapItem{Key: "documents", Value: float64(N)},
		flushTx.Context.Tags[0],
	)
	require.Len(t, flushTx.Links, 1)
	assert.Equal(t, model.TraceID(parent.TraceContext().Trace), flushTx.Links[0].TraceID)
	assert.Equal(t, "Elasticsearch: POST _bulk", payloads.Spans[0].Name)
	assert.Equal(t, "db", payloads.Spans[0].Type)
	assert.Equal(t, "elasticsearch", payloads.Spans[0].Subtype)
	if expectedOutcome == "failure" {
		assert.Len(t, payloads.Errors, 1)
	}

	correlatedLogs := observed.FilterFieldKey("transaction.id").All()
	assert.NotEmpty(t, correlatedLogs)
	for _, entry := range correlatedLogs {
		fields := entry.ContextMap()
		assert.Equal(t, fmt.Sprintf("%x", flushTx.ID), fields["transaction.id"])
		assert.Equal(t, fmt.Sprintf("%x", flushTx.TraceID), fields["trace.id"])
	}
}

func TestProcessorOtelTracing(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		testTracedFlush(t, 200, sdktrace.Status{
			Code:        codes.Ok,
			Description: "",
		})
	})
	t.Run("failure", func(t *testing.T) {
		testTracedFlush(t, 400, sdktrace.Status{
			Code:        codes.Error,
			Description: "bulk request failed",
		})
	})
}

func testTracedFlush(t *testing.T, responseCode int, status sdktrace.Status) {
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
	)
	defer tp.Shutdown(context.Background())

	conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(responseCode)
		_, result := docadmintest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	}, docadmin.Config{
		Logger: zap.New(core),
		// NOTE: Tracer must be nil to use otel tracing only
		Tracer:         nil,
		TracerProvider: tp,
	})
	p := newProcessor(t, conn, docadmin.ProcessorConfig{FlushInterval: time.Minute})

	ctx, parent := tp.Tracer("test").Start(context.Background(), "enqueue")
	const N = 100
	for i := 0; i < N; i++ {
		require.NoError(t, p.Add(ctx, docadmin.Operation{Index: "blog1", Source: article{ID: int64(i)}}))
	}
	parent.End()

	// Closing the processor flushes enqueued operations.
	_ = p.Close(context.Background())

	var gotSpan, bulkSpan tracetest.SpanStub
	for _, span := range exp.GetSpans() {
		switch span.Name {
		case "docadmin.flush":
			gotSpan = span
		case "docadmin.bulk":
			bulkSpan = span
		}
	}
	require.Equal(t, "docadmin.flush", gotSpan.Name)
	assert.Equal(t, status, gotSpan.Status)
	for _, a := range gotSpan.Attributes {
		if a.Key == "documents" {
			assert.Equal(t, int64(N), a.Value.AsInt64())
		}
	}
	require.Len(t, gotSpan.Links, 1)
	assert.Equal(t, parent.SpanContext().TraceID(), gotSpan.Links[0].SpanContext.TraceID())
	assert.Equal(t, parent.SpanContext().SpanID(), gotSpan.Links[0].SpanContext.SpanID())

	// The bulk request is a child of the flush.
	require.Equal(t, "docadmin.bulk", bulkSpan.Name)
	assert.Equal(t, gotSpan.SpanContext.SpanID(), bulkSpan.Parent.SpanID())

	correlatedLogs := observed.FilterFieldKey("traceId").All()
	assert.NotEmpty(t, correlatedLogs)

	log := correlatedLogs[0]
	expectedTraceID := gotSpan.SpanContext.TraceID().String()
	assert.Equal(t, expectedTraceID, log.ContextMap()["traceId"])
	expectedSpanID := gotSpan.SpanContext.SpanID().String()
	assert.Equal(t, expectedSpanID, log.ContextMap()["spanId"])
}

func TestProcessorFlushLinksDistinctSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	conn := newMockConnection(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := docadmintest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	}, docadmin.Config{TracerProvider: tp})
	p := newProcessor(t, conn, docadmin.ProcessorConfig{FlushInterval: time.Minute})

	var parents []sdktrace.ReadOnlySpan
	for i := 0; i < 2; i++ {
		ctx, parent := tp.Tracer("test").Start(context.Background(), "enqueue")
		for j := 0; j < 3; j++ {
			require.NoError(t, p.Add(ctx, docadmin.Operation{Index: "blog1", Source: article{ID: int64(i*3 + j)}}))
		}
		parent.End()
		parents = append(parents, parent.(sdktrace.ReadOnlySpan))
	}
	require.NoError(t, p.Close(context.Background()))

	var flushSpans []tracetest.SpanStub
	for _, span := range exp.GetSpans() {
		if span.Name == "docadmin.flush" {
			flushSpans = append(flushSpans, span)
		}
	}
	require.Len(t, flushSpans, 1)
	links := flushSpans[0].Links
	require.Len(t, links, 2)
	for i, parent := range parents {
		assert.Equal(t, parent.SpanContext().SpanID(), links[i].SpanContext.SpanID())
	}
}
