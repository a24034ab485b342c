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
	"net"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/elastic/go-docadmin/esapi"
)

var (
	// ErrClosed is returned from methods of closed Connections,
	// ConnectionPools and Processors.
	ErrClosed = errors.New("docadmin: closed")

	// ErrConnection is matched by ConnectionError, and by ResponseError
	// for authentication failures.
	ErrConnection = errors.New("connection failed")

	// ErrTimeout is matched by TimeoutError.
	ErrTimeout = errors.New("request timed out")

	// ErrSerialization is matched by SerializationError, and by
	// ResponseError when the engine fails to parse a document.
	ErrSerialization = errors.New("document serialization failed")

	ErrIndexExists      = errors.New("index already exists")
	ErrIndexNotFound    = errors.New("index not found")
	ErrInvalidIndexName = errors.New("invalid index name")
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidMapping   = errors.New("invalid mapping")
	ErrVersionConflict  = errors.New("version conflict")

	errMissingIndex = fmt.Errorf("%w: missing index name", ErrInvalidIndexName)
	errMissingID    = errors.New("missing document id")
	errMissingBody  = errors.New("missing document body")
)

// ConnectionError is returned when the endpoint cannot be reached, or when
// it is not the expected cluster.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("connection failed: %v", e.Err)
	}
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// TimeoutError is returned when a call exceeds its deadline. Whether to retry
// is up to the caller.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Timeout reports true, matching net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// SerializationError is returned when a document source cannot be encoded
// as JSON. No request is sent in that case.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to encode document: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// ResponseError is returned when Elasticsearch rejects a request. It unwraps
// to one of the package sentinel errors when the failure is classified, so
// callers can use errors.Is(err, ErrIndexNotFound) and friends.
type ResponseError struct {
	Op         string
	StatusCode int
	Type       string
	Reason     string
	Index      string
	DocumentID string

	kind error
}

func (e *ResponseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed: [%d]", e.Op, e.StatusCode)
	if e.Type != "" {
		fmt.Fprintf(&b, " %s", e.Type)
	} else if text := http.StatusText(e.StatusCode); text != "" {
		fmt.Fprintf(&b, " %s", text)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *ResponseError) Unwrap() error { return e.kind }

// errorResponse is the error envelope returned by Elasticsearch. Old
// versions return the error as a plain string.
type errorResponse struct {
	Error  jsoniter.RawMessage `json:"error"`
	Status int                 `json:"status"`
	Result string              `json:"result"`
}

type errorCause struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Index  string `json:"index"`
}

// newResponseError decodes the error body of res.
func newResponseError(op string, res *esapi.Response, index, documentID string) *ResponseError {
	e := &ResponseError{
		Op:         op,
		StatusCode: res.StatusCode,
		Index:      index,
		DocumentID: documentID,
	}
	var body bytes.Buffer
	if res.Body != nil {
		io.Copy(&body, io.LimitReader(res.Body, 64<<10))
	}
	var envelope errorResponse
	if body.Len() > 0 && json.Unmarshal(body.Bytes(), &envelope) == nil && len(envelope.Error) > 0 {
		var cause errorCause
		if err := json.Unmarshal(envelope.Error, &cause); err == nil {
			e.Type, e.Reason = cause.Type, cause.Reason
			if cause.Index != "" {
				e.Index = cause.Index
			}
		} else {
			var reason string
			if json.Unmarshal(envelope.Error, &reason) == nil {
				e.Reason = reason
			}
		}
	} else if e.Reason == "" && body.Len() > 0 && envelope.Result == "" {
		e.Reason = strings.TrimSpace(body.String())
	}
	e.kind = classify(op, e.StatusCode, e.Type)
	return e
}

// classify maps an Elasticsearch error type and status to a sentinel error.
func classify(op string, status int, errType string) error {
	switch errType {
	case "resource_already_exists_exception", "index_already_exists_exception":
		return ErrIndexExists
	case "index_not_found_exception":
		return ErrIndexNotFound
	case "invalid_index_name_exception":
		return ErrInvalidIndexName
	case "document_missing_exception":
		return ErrDocumentNotFound
	case "version_conflict_engine_exception":
		return ErrVersionConflict
	case "mapper_parsing_exception", "mapper_exception", "document_parsing_exception",
		"strict_dynamic_mapping_exception", "parse_exception",
		"x_content_parse_exception", "json_parse_exception":
		if isMappingOp(op) {
			return ErrInvalidMapping
		}
		return ErrSerialization
	case "illegal_argument_exception":
		// Typically "mapper [x] cannot be changed from type [long] to [text]".
		if isMappingOp(op) {
			return ErrInvalidMapping
		}
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrConnection
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTimeout
	case http.StatusNotFound:
		if isDocumentOp(op) {
			return ErrDocumentNotFound
		}
		if errType == "" {
			return ErrIndexNotFound
		}
	}
	return nil
}

func isMappingOp(op string) bool {
	return op == opPutMapping || op == opCreateIndex
}

func isDocumentOp(op string) bool {
	switch op {
	case opIndex, opCreate, opUpdate, opDelete, opGet:
		return true
	}
	return false
}

// transportError wraps a failure to get any response from the endpoint.
func transportError(op, endpoint string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s cancelled: %w", op, err)
	}
	return &ConnectionError{URL: endpoint, Err: err}
}
