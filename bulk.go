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

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// NewBulkIndexer returns a standalone BulkIndexer sending requests through
// c, configured from c's Config.
func (c *Connection) NewBulkIndexer() (*BulkIndexer, error) {
	return NewBulkIndexer(c.pool.config)
}

// SubmitBulk sends ops as a single bulk request. The response holds one
// result per operation, in the order of ops. Item failures are reported in
// the results and never abort other items; the error is only set when the
// request as a whole could not be executed.
//
// An invalid operation is not sent. Its result carries the validation or
// serialization error, and the remaining operations are sent without it.
func (c *Connection) SubmitBulk(ctx context.Context, ops []Operation) (BulkResponse, error) {
	if len(ops) == 0 {
		return BulkResponse{}, nil
	}
	if c.closed.Load() {
		return BulkResponse{}, ErrClosed
	}
	indexer, err := c.getIndexer(ctx)
	if err != nil {
		return BulkResponse{}, transportError(opBulk, c.endpoint, err)
	}
	defer c.putIndexer(indexer)

	results := make([]OperationResult, len(ops))
	sent := make([]int, 0, len(ops))
	var rejected int64
	for i, op := range ops {
		if err := indexer.Add(op); err != nil {
			results[i] = rejectedOperation(i, op, err)
			rejected++
			continue
		}
		sent = append(sent, i)
	}
	if rejected > 0 {
		c.metrics.docsFailedClient.Add(rejected)
	}

	var resp BulkResponse
	if len(sent) > 0 {
		if resp, err = c.flush(ctx, indexer); err != nil {
			return resp, err
		}
	}
	for j, item := range resp.Items {
		if j >= len(sent) {
			break
		}
		item.Position = sent[j]
		results[sent[j]] = item
	}
	resp.Items = results
	resp.Errors = resp.Errors || rejected > 0
	return resp, nil
}

// rejectedOperation returns the result of an operation that failed
// validation or encoding.
func rejectedOperation(position int, op Operation, err error) OperationResult {
	action := op.Action
	if action == "" {
		action = ActionIndex
	}
	return OperationResult{
		Position:   position,
		Action:     action,
		Index:      op.Index,
		Type:       op.Type,
		DocumentID: op.DocumentID,
		Error:      ItemError{Reason: err.Error()},
		err:        fmt.Errorf("bulk operation %d: %w", position, err),
	}
}

// getIndexer leases an indexer from the connection's pool, blocking while
// Config.MaxRequests bulk requests are in progress.
func (c *Connection) getIndexer(ctx context.Context) (*BulkIndexer, error) {
	indexer, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	c.metrics.availableBulkRequests.Add(context.Background(), -1, c.metrics.attrs)
	return indexer, nil
}

func (c *Connection) putIndexer(indexer *BulkIndexer) {
	c.pool.Put(indexer)
	c.metrics.availableBulkRequests.Add(context.Background(), 1, c.metrics.attrs)
}

// flush sends the contents of indexer, instrumented like any other request.
func (c *Connection) flush(ctx context.Context, indexer *BulkIndexer) (BulkResponse, error) {
	var resp BulkResponse
	items := indexer.Items()
	uncompressed := indexer.UncompressedLen()
	attrs := []attribute.KeyValue{attribute.Int("documents", items)}
	err := c.observe(ctx, opBulk, attrs, func(ctx context.Context, span trace.Span) error {
		var err error
		resp, err = indexer.Flush(ctx)
		if flushed := indexer.BytesFlushed(); flushed > 0 {
			c.metrics.bytesTotal.Add(context.Background(), int64(flushed), c.metrics.attrs)
			c.metrics.bytesUncompressed.Add(context.Background(), int64(uncompressed), c.metrics.attrs)
		}
		var errFailed ErrorFlushFailed
		if errors.As(err, &errFailed) {
			span.SetAttributes(semconv.HTTPResponseStatusCode(errFailed.StatusCode()))
			if errFailed.TooManyRequests() {
				c.metrics.tooManyRequests.Add(int64(items))
			} else if errFailed.ServerError() {
				c.metrics.docsFailedServer.Add(int64(items))
			} else {
				c.metrics.docsFailedClient.Add(int64(items))
			}
		}
		var connErr *ConnectionError
		if errors.As(err, &connErr) && connErr.URL == "" {
			connErr.URL = c.endpoint
		}
		return err
	})
	if err != nil {
		return resp, err
	}
	c.metrics.recordBulk(resp)
	return resp, nil
}
