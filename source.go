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
	stdjson "encoding/json"
	"errors"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Fields is a document source made of field values. It is the immutable
// structured equivalent of a hand built JSON object.
type Fields map[string]any

// With returns a copy of f with key set to value.
func (f Fields) With(key string, value any) Fields {
	out := make(Fields, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[key] = value
	return out
}

var errInvalidJSON = errors.New("source is not valid JSON")

// aliasesSource reports whether the encoding of src may share memory with it.
func aliasesSource(src any) bool {
	switch src.(type) {
	case []byte, stdjson.RawMessage, jsoniter.RawMessage:
		return true
	}
	return false
}

// encodeSource returns the single line JSON encoding of a document source.
//
// Accepted sources are Fields or any map or struct that can be marshalled,
// raw JSON as []byte, string, json.RawMessage or jsoniter.RawMessage, and
// streams implementing io.WriterTo or io.Reader.
func encodeSource(src any) ([]byte, error) {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil, errMissingBody
	case []byte:
		raw = v
	case stdjson.RawMessage:
		raw = v
	case jsoniter.RawMessage:
		raw = v
	case string:
		raw = []byte(v)
	case io.WriterTo:
		var buf bytes.Buffer
		if _, err := v.WriteTo(&buf); err != nil {
			return nil, &SerializationError{Err: err}
		}
		raw = buf.Bytes()
	case io.Reader:
		b, err := io.ReadAll(v)
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		raw = b
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		return b, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errMissingBody
	}
	if !json.Valid(raw) {
		return nil, &SerializationError{Err: errInvalidJSON}
	}
	if bytes.ContainsAny(raw, "\r\n") {
		// Bulk bodies are newline delimited, so sources must fit on one line.
		var compacted bytes.Buffer
		if err := stdjson.Compact(&compacted, raw); err != nil {
			return nil, &SerializationError{Err: err}
		}
		raw = compacted.Bytes()
	}
	return raw, nil
}
