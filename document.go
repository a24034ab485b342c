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

	jsoniter "github.com/json-iterator/go"

	"github.com/elastic/go-docadmin/esapi"
)

// Document is a single document to be written.
type Document struct {
	// Index holds the target index name.
	Index string

	// Type holds the document type for Config.LegacyTypes, "_doc" if
	// empty. It is ignored otherwise.
	Type string

	// ID holds the document ID. If ID is empty, IndexDocument lets
	// Elasticsearch generate one.
	ID string

	// Source holds the document body: Fields, any value that can be
	// marshalled to a JSON object, or raw JSON as []byte, string,
	// json.RawMessage, io.WriterTo or io.Reader.
	Source any
}

// DocumentResult is the outcome of a single document write.
type DocumentResult struct {
	Index       string `json:"_index"`
	Type        string `json:"_type,omitempty"`
	ID          string `json:"_id"`
	Version     int64  `json:"_version"`
	Result      string `json:"result"`
	SeqNo       int64  `json:"_seq_no"`
	PrimaryTerm int64  `json:"_primary_term"`
}

// Found reports false when a delete addressed a document that did not exist.
func (r DocumentResult) Found() bool {
	return r.Result != "not_found"
}

// Created reports whether the write created a new document.
func (r DocumentResult) Created() bool {
	return r.Result == "created"
}

// GetResult is a document read back by GetDocument.
type GetResult struct {
	Index       string              `json:"_index"`
	Type        string              `json:"_type,omitempty"`
	ID          string              `json:"_id"`
	Version     int64               `json:"_version"`
	SeqNo       int64               `json:"_seq_no"`
	PrimaryTerm int64               `json:"_primary_term"`
	Found       bool                `json:"found"`
	Source      jsoniter.RawMessage `json:"_source"`
}

// Decode unmarshals the document source into v.
func (r GetResult) Decode(v any) error {
	if !r.Found || len(r.Source) == 0 {
		return ErrDocumentNotFound
	}
	return json.Unmarshal(r.Source, v)
}

// DocumentOperator writes, reads and deletes single documents.
type DocumentOperator struct {
	conn *Connection
}

// documentType returns the type to put in request paths.
func (d *DocumentOperator) documentType(t string) string {
	if d.conn.config.LegacyTypes {
		return legacyType(t)
	}
	return ""
}

// legacyType returns t, or "_doc" when t is empty.
func legacyType(t string) string {
	if t == "" {
		return "_doc"
	}
	return t
}

// IndexDocument creates the document, or fully replaces it when a document
// with the same ID exists. The write is visible to reads after the next
// refresh unless Config.Refresh says otherwise.
//
// Unless Config.AutoCreateIndex is set, IndexDocument fails with
// ErrIndexNotFound when the index does not exist.
func (d *DocumentOperator) IndexDocument(ctx context.Context, doc Document) (DocumentResult, error) {
	return d.write(ctx, opIndex, doc)
}

// CreateDocument creates the document. It fails with ErrVersionConflict when
// a document with the same ID exists.
func (d *DocumentOperator) CreateDocument(ctx context.Context, doc Document) (DocumentResult, error) {
	if doc.ID == "" {
		return DocumentResult{}, errMissingID
	}
	return d.write(ctx, opCreate, doc)
}

func (d *DocumentOperator) write(ctx context.Context, op string, doc Document) (DocumentResult, error) {
	if err := validateIndexName(doc.Index); err != nil {
		return DocumentResult{}, err
	}
	body, err := encodeSource(doc.Source)
	if err != nil {
		return DocumentResult{}, err
	}
	if !d.conn.config.AutoCreateIndex {
		exists, err := d.conn.indexExists(ctx, doc.Index)
		if err != nil {
			return DocumentResult{}, err
		}
		if !exists {
			return DocumentResult{}, &ResponseError{
				Op:         op,
				StatusCode: http.StatusNotFound,
				Type:       "index_not_found_exception",
				Reason:     fmt.Sprintf("no such index [%s]", doc.Index),
				Index:      doc.Index,
				DocumentID: doc.ID,
				kind:       ErrIndexNotFound,
			}
		}
	}
	var result DocumentResult
	err = d.conn.perform(ctx, op, doc.Index, doc.ID,
		func(ctx context.Context) (*esapi.Response, error) {
			req := esapi.IndexRequest{
				Index:        doc.Index,
				DocumentType: d.documentType(doc.Type),
				DocumentID:   doc.ID,
				Body:         bytes.NewReader(body),
				Refresh:      d.conn.config.Refresh,
				Timeout:      d.conn.config.RequestTimeout,
			}
			if op == opCreate {
				req.OpType = "create"
			}
			return req.Do(ctx, d.conn.transport)
		},
		func(res *esapi.Response) error {
			return decodeResponse(op, res, doc.Index, doc.ID, &result)
		},
	)
	return result, err
}

// UpdateDocument merges partial into the stored document. It never creates
// a document: a missing ID fails with ErrDocumentNotFound.
func (d *DocumentOperator) UpdateDocument(
	ctx context.Context,
	index, docType, id string,
	partial any,
) (DocumentResult, error) {
	if err := validateIndexName(index); err != nil {
		return DocumentResult{}, err
	}
	if id == "" {
		return DocumentResult{}, errMissingID
	}
	body, err := updateBody(partial)
	if err != nil {
		return DocumentResult{}, err
	}
	var result DocumentResult
	err = d.conn.perform(ctx, opUpdate, index, id,
		func(ctx context.Context) (*esapi.Response, error) {
			return esapi.UpdateRequest{
				Index:        index,
				DocumentType: d.documentType(docType),
				DocumentID:   id,
				Body:         bytes.NewReader(body),
				Refresh:      d.conn.config.Refresh,
				Timeout:      d.conn.config.RequestTimeout,
			}.Do(ctx, d.conn.transport)
		},
		func(res *esapi.Response) error {
			return decodeResponse(opUpdate, res, index, id, &result)
		},
	)
	return result, err
}

// updateBody wraps a partial document as {"doc":...}.
func updateBody(partial any) ([]byte, error) {
	raw, err := encodeSource(partial)
	if err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &SerializationError{Err: errors.New("partial document must be a JSON object")}
	}
	var buf bytes.Buffer
	buf.Grow(len(raw) + 8)
	buf.WriteString(`{"doc":`)
	buf.Write(raw)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DeleteDocument deletes a single document. Deleting a document that does
// not exist succeeds with a result whose Found method reports false. A
// missing index fails with ErrIndexNotFound.
func (d *DocumentOperator) DeleteDocument(ctx context.Context, index, docType, id string) (DocumentResult, error) {
	if err := validateIndexName(index); err != nil {
		return DocumentResult{}, err
	}
	if id == "" {
		return DocumentResult{}, errMissingID
	}
	var result DocumentResult
	err := d.conn.perform(ctx, opDelete, index, id,
		func(ctx context.Context) (*esapi.Response, error) {
			return esapi.DeleteRequest{
				Index:        index,
				DocumentType: d.documentType(docType),
				DocumentID:   id,
				Refresh:      d.conn.config.Refresh,
				Timeout:      d.conn.config.RequestTimeout,
			}.Do(ctx, d.conn.transport)
		},
		func(res *esapi.Response) error {
			if res.StatusCode != http.StatusNotFound {
				return decodeResponse(opDelete, res, index, id, &result)
			}
			body, err := io.ReadAll(res.Body)
			if err != nil {
				return err
			}
			var notFound struct {
				DocumentResult
				Error jsoniter.RawMessage `json:"error"`
			}
			if json.Unmarshal(body, &notFound) == nil && len(notFound.Error) == 0 && notFound.Result == "not_found" {
				result = notFound.DocumentResult
				return nil
			}
			return newResponseError(opDelete, replayResponse(res, body), index, id)
		},
	)
	return result, err
}

// GetDocument reads a single document. It fails with ErrDocumentNotFound
// when the document does not exist.
func (d *DocumentOperator) GetDocument(ctx context.Context, index, docType, id string) (GetResult, error) {
	if err := validateIndexName(index); err != nil {
		return GetResult{}, err
	}
	if id == "" {
		return GetResult{}, errMissingID
	}
	var result GetResult
	err := d.conn.perform(ctx, opGet, index, id,
		func(ctx context.Context) (*esapi.Response, error) {
			return esapi.GetRequest{
				Index:        index,
				DocumentType: d.documentType(docType),
				DocumentID:   id,
			}.Do(ctx, d.conn.transport)
		},
		func(res *esapi.Response) error {
			if res.StatusCode != http.StatusNotFound {
				return decodeResponse(opGet, res, index, id, &result)
			}
			body, err := io.ReadAll(res.Body)
			if err != nil {
				return err
			}
			var missing struct {
				Found *bool               `json:"found"`
				Error jsoniter.RawMessage `json:"error"`
			}
			if json.Unmarshal(body, &missing) == nil && missing.Found != nil && !*missing.Found {
				return &ResponseError{
					Op:         opGet,
					StatusCode: res.StatusCode,
					Reason:     fmt.Sprintf("document [%s] not found in index [%s]", id, index),
					Index:      index,
					DocumentID: id,
					kind:       ErrDocumentNotFound,
				}
			}
			return newResponseError(opGet, replayResponse(res, body), index, id)
		},
	)
	return result, err
}

// replayResponse returns a copy of res whose body has already been read
// into body.
func replayResponse(res *esapi.Response, body []byte) *esapi.Response {
	return &esapi.Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}
