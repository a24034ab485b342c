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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unsafe"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"

	"github.com/elastic/go-docadmin/esapi"
)

// A bulk request is filled up by a single writer and flushed as a whole.
// Every item in the request gets exactly one result, matched by position,
// and a failed item never affects the others. Nothing is retried.

// Action is a bulk operation type.
type Action string

const (
	// ActionIndex creates or replaces a document.
	ActionIndex Action = "index"
	// ActionCreate creates a document, failing if it exists.
	ActionCreate Action = "create"
	// ActionUpdate merges a partial document into an existing one.
	ActionUpdate Action = "update"
	// ActionDelete deletes a document.
	ActionDelete Action = "delete"
)

// Operation is a single item of a bulk request.
type Operation struct {
	// Action holds the operation type.
	//
	// If Action is empty, ActionIndex will be used.
	Action Action

	Index      string
	Type       string
	DocumentID string

	// Source holds the document, or the partial document for ActionUpdate.
	// It is ignored for ActionDelete. See Document.Source for the accepted
	// forms.
	Source any
}

// BulkIndexerConfig holds configuration for BulkIndexer.
type BulkIndexerConfig struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// Refresh holds the refresh policy of the bulk request.
	Refresh string

	// Timeout holds the server side timeout of the bulk request.
	//
	// If Timeout is zero, no timeout will be specified in the Bulk request.
	Timeout time.Duration

	// LegacyTypes makes the indexer include the document type in action
	// lines.
	LegacyTypes bool
}

// BulkIndexer encodes operations into a single bulk request body.
//
// BulkIndexer is not safe for concurrent use.
type BulkIndexer struct {
	config            BulkIndexerConfig
	itemsAdded        int
	bytesFlushed      int
	bytesUncompressed int
	jsonw             fastjson.Writer
	writer            io.Writer
	gzipw             *gzip.Writer
	buf               bytes.Buffer
	pending           []pendingItem
}

type pendingItem struct {
	action     Action
	index      string
	documentID string
}

// BulkResponse holds the results of a bulk request, in request order.
type BulkResponse struct {
	Took   int64
	Errors bool
	Items  []OperationResult
}

// Failed returns the results of the items that failed.
func (r BulkResponse) Failed() []OperationResult {
	var failed []OperationResult
	for _, item := range r.Items {
		if item.Failed() {
			failed = append(failed, item)
		}
	}
	return failed
}

// OperationResult is the outcome of a single bulk item.
type OperationResult struct {
	// Position holds the index of the item in the request.
	Position int

	Action     Action
	Index      string
	Type       string
	DocumentID string
	Version    int64
	Result     string
	Status     int
	Error      ItemError

	// err is set for operations rejected before they were sent.
	err error
}

// ItemError is the error reported for a failed bulk item.
type ItemError struct {
	Type   string
	Reason string
}

// Failed reports whether the item was rejected, by Elasticsearch or before it
// was sent. Deleting a missing document is not a failure.
func (r OperationResult) Failed() bool {
	if r.err != nil || r.Error.Type != "" {
		return true
	}
	return r.Status > 299 && r.Result != "not_found"
}

// Err returns the error of a failed item, classified like the error of the
// equivalent single document operation, or nil.
func (r OperationResult) Err() error {
	if !r.Failed() {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	op := string(r.Action)
	return &ResponseError{
		Op:         op,
		StatusCode: r.Status,
		Type:       r.Error.Type,
		Reason:     r.Error.Reason,
		Index:      r.Index,
		DocumentID: r.DocumentID,
		kind:       classify(op, r.Status, r.Error.Type),
	}
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("docadmin.BulkResponse", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		resp := (*BulkResponse)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			switch s {
			case "took":
				resp.Took = i.ReadInt64()
			case "errors":
				resp.Errors = i.ReadBool()
			case "items":
				var idx int
				i.ReadArrayCB(func(i *jsoniter.Iterator) bool {
					return i.ReadMapCB(func(i *jsoniter.Iterator, action string) bool {
						item := OperationResult{Position: idx, Action: Action(action)}
						i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
							switch s {
							case "_index":
								item.Index = i.ReadString()
							case "_type":
								item.Type = i.ReadString()
							case "_id":
								item.DocumentID = i.ReadString()
							case "_version":
								item.Version = i.ReadInt64()
							case "result":
								item.Result = i.ReadString()
							case "status":
								item.Status = i.ReadInt()
							case "error":
								if i.WhatIsNext() == jsoniter.StringValue {
									// Versions before 5.0 report a plain string.
									item.Error.Type = "error"
									item.Error.Reason = i.ReadString()
									return true
								}
								i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
									switch s {
									case "type":
										item.Error.Type = i.ReadString()
									case "reason":
										// Match Elasticsearch field mapper field value:
										// failed to parse field [%s] of type [%s] in %s. Preview of field's value: '%s'
										// https://github.com/elastic/elasticsearch/blob/588eabe185ad319c0268a13480465966cef058cd/server/src/main/java/org/elasticsearch/index/mapper/FieldMapper.java#L234
										item.Error.Reason, _, _ = strings.Cut(
											i.ReadString(), ". Preview",
										)
									default:
										i.Skip()
									}
									return true
								})
							default:
								i.Skip()
							}
							return true
						})
						resp.Items = append(resp.Items, item)
						idx++
						return true
					})
				})
			default:
				i.Skip()
			}
			return true
		})
	})
}

// NewBulkIndexer returns a bulk indexer that issues bulk requests to Elasticsearch.
func NewBulkIndexer(cfg BulkIndexerConfig) (*BulkIndexer, error) {
	if cfg.Client == nil {
		return nil, errors.New("client is nil")
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	return newBulkIndexer(cfg), nil
}

func newBulkIndexer(cfg BulkIndexerConfig) *BulkIndexer {
	b := &BulkIndexer{config: cfg}
	if cfg.CompressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, cfg.CompressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	return b
}

// Reset discards any buffered items and counters, ready for a new request.
func (b *BulkIndexer) Reset() {
	b.bytesFlushed = 0
	b.bytesUncompressed = 0
	b.resetBuf()
}

func (b *BulkIndexer) resetBuf() {
	b.itemsAdded = 0
	b.pending = b.pending[:0]
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

// Items returns the number of buffered items.
func (b *BulkIndexer) Items() int {
	return b.itemsAdded
}

// Len returns the number of buffered bytes.
func (b *BulkIndexer) Len() int {
	return b.buf.Len()
}

// UncompressedLen returns the number of uncompressed buffered bytes.
func (b *BulkIndexer) UncompressedLen() int {
	return b.bytesUncompressed
}

// BytesFlushed returns the number of bytes flushed by the bulk indexer.
func (b *BulkIndexer) BytesFlushed() int {
	return b.bytesFlushed
}

// Add encodes an operation in the buffer. The buffer is left unchanged when
// the operation is invalid or its source cannot be encoded.
func (b *BulkIndexer) Add(op Operation) error {
	op, body, err := encodeOperation(op)
	if err != nil {
		return err
	}
	return b.addEncoded(op, body)
}

// encodeOperation validates op and returns it with its action defaulted,
// along with the encoded source line.
func encodeOperation(op Operation) (Operation, []byte, error) {
	if op.Action == "" {
		op.Action = ActionIndex
	}
	if err := validateIndexName(op.Index); err != nil {
		return op, nil, err
	}
	switch op.Action {
	case ActionIndex, ActionCreate:
		body, err := encodeSource(op.Source)
		return op, body, err
	case ActionUpdate:
		if op.DocumentID == "" {
			return op, nil, errMissingID
		}
		body, err := updateBody(op.Source)
		return op, body, err
	case ActionDelete:
		if op.DocumentID == "" {
			return op, nil, errMissingID
		}
		return op, nil, nil
	}
	return op, nil, fmt.Errorf("unsupported bulk action %q", op.Action)
}

func (b *BulkIndexer) addEncoded(op Operation, body []byte) error {
	docType := ""
	if b.config.LegacyTypes {
		docType = legacyType(op.Type)
	}
	n := b.writeMeta(op.Action, op.Index, docType, op.DocumentID)
	if body != nil {
		if _, err := b.writer.Write(body); err != nil {
			return fmt.Errorf("failed to write bulk indexer item: %w", err)
		}
		if _, err := b.writer.Write([]byte("\n")); err != nil {
			return fmt.Errorf("failed to write newline: %w", err)
		}
		n += len(body) + 1
	}
	b.bytesUncompressed += n
	b.pending = append(b.pending, pendingItem{
		action:     op.Action,
		index:      op.Index,
		documentID: op.DocumentID,
	})
	b.itemsAdded++
	return nil
}

func (b *BulkIndexer) writeMeta(action Action, index, docType, documentID string) int {
	b.jsonw.RawString(`{"`)
	b.jsonw.RawString(string(action))
	b.jsonw.RawString(`":{"_index":`)
	b.jsonw.String(index)
	if docType != "" {
		b.jsonw.RawString(`,"_type":`)
		b.jsonw.String(docType)
	}
	if documentID != "" {
		b.jsonw.RawString(`,"_id":`)
		b.jsonw.String(documentID)
	}
	b.jsonw.RawString("}}\n")
	n := len(b.jsonw.Bytes())
	b.writer.Write(b.jsonw.Bytes())
	b.jsonw.Reset()
	return n
}

// Flush executes a bulk request if there are any items buffered, and clears
// out the buffer. On success the response holds one result per buffered
// item, in the order the items were added.
func (b *BulkIndexer) Flush(ctx context.Context) (BulkResponse, error) {
	if b.itemsAdded == 0 {
		return BulkResponse{}, nil
	}

	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return BulkResponse{}, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Body:   &b.buf,
		Header: make(http.Header),
		FilterPath: []string{
			"took", "errors",
			"items.*._index", "items.*._type", "items.*._id", "items.*._version",
			"items.*.result", "items.*.status",
			"items.*.error.type", "items.*.error.reason",
		},
		Pipeline: b.config.Pipeline,
		Refresh:  b.config.Refresh,
		Timeout:  b.config.Timeout,
	}
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	pending := append([]pendingItem(nil), b.pending...)
	bytesFlushed := b.buf.Len()
	res, err := req.Do(ctx, b.config.Client)
	if err != nil {
		b.resetBuf()
		return BulkResponse{}, transportError(opBulk, "", err)
	}
	defer res.Close()

	b.resetBuf()
	b.bytesUncompressed = 0

	// Record the number of flushed bytes only when err == nil. The body may
	// not have been sent otherwise.
	b.bytesFlushed = bytesFlushed
	var resp BulkResponse
	if res.IsError() {
		return resp, newErrorFlushFailed(res)
	}

	if err := jsoniter.NewDecoder(res.Body).Decode(&resp); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return resp, &TimeoutError{Op: opBulk, Err: err}
		}
		return resp, fmt.Errorf("error decoding bulk response: %w", err)
	}
	if len(resp.Items) != len(pending) {
		return resp, fmt.Errorf(
			"bulk response has %d items, expected %d", len(resp.Items), len(pending),
		)
	}
	for i := range resp.Items {
		item := &resp.Items[i]
		if item.Index == "" {
			item.Index = pending[i].index
		}
		if item.DocumentID == "" {
			item.DocumentID = pending[i].documentID
		}
		if item.Action == "" {
			item.Action = pending[i].action
		}
	}
	return resp, nil
}

// ErrorFlushFailed is returned by Flush when Elasticsearch rejects the bulk
// request as a whole. None of its items were applied.
type ErrorFlushFailed struct {
	resp        string
	statusCode  int
	tooMany     bool
	clientError bool
	serverError bool
}

func newErrorFlushFailed(res *esapi.Response) ErrorFlushFailed {
	e := ErrorFlushFailed{statusCode: res.StatusCode}
	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		e.tooMany = true
	case res.StatusCode >= 500:
		e.serverError = true
	case res.StatusCode >= 400:
		e.clientError = true
	}
	e.resp = res.String()
	return e
}

func (e ErrorFlushFailed) Error() string {
	return fmt.Sprintf("flush failed: %s", e.resp)
}

// StatusCode returns the HTTP status of the rejected request.
func (e ErrorFlushFailed) StatusCode() int { return e.statusCode }

// TooManyRequests reports whether the request was rejected with 429.
func (e ErrorFlushFailed) TooManyRequests() bool { return e.tooMany }

// ClientError reports whether the request was rejected with a 4xx status
// other than 429.
func (e ErrorFlushFailed) ClientError() bool { return e.clientError }

// ServerError reports whether the request failed with a 5xx status.
func (e ErrorFlushFailed) ServerError() bool { return e.serverError }
