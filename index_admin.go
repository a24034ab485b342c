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

	jsoniter "github.com/json-iterator/go"

	"github.com/elastic/go-docadmin/esapi"
)

const maxIndexNameBytes = 255

// IndexAdmin creates and deletes indices and manages their mappings.
type IndexAdmin struct {
	conn *Connection
}

// Ack is the acknowledgement of an index level operation.
type Ack struct {
	Acknowledged       bool   `json:"acknowledged"`
	ShardsAcknowledged bool   `json:"shards_acknowledged"`
	Index              string `json:"index"`

	// Created reports whether the index was created by the call. It is only
	// set by CreateIndex and EnsureIndex.
	Created bool `json:"-"`
}

// IndexSettings holds the settings of a new index.
type IndexSettings struct {
	NumberOfShards   int            `json:"number_of_shards,omitempty"`
	NumberOfReplicas *int           `json:"number_of_replicas,omitempty"`
	RefreshInterval  string         `json:"refresh_interval,omitempty"`
	Analysis         map[string]any `json:"analysis,omitempty"`
}

func (s IndexSettings) isZero() bool {
	return s.NumberOfShards == 0 && s.NumberOfReplicas == nil &&
		s.RefreshInterval == "" && len(s.Analysis) == 0
}

// IndexDefinition holds the optional settings and mapping of a new index.
type IndexDefinition struct {
	Settings IndexSettings
	Mapping  *Mapping
}

func (def IndexDefinition) body(legacy bool) ([]byte, error) {
	if def.Settings.NumberOfShards < 0 {
		return nil, fmt.Errorf("invalid number of shards %d", def.Settings.NumberOfShards)
	}
	if r := def.Settings.NumberOfReplicas; r != nil && *r < 0 {
		return nil, fmt.Errorf("invalid number of replicas %d", *r)
	}
	doc := make(map[string]any, 2)
	if !def.Settings.isZero() {
		doc["settings"] = def.Settings
	}
	if def.Mapping != nil {
		if err := def.Mapping.Validate(); err != nil {
			return nil, err
		}
		doc["mappings"] = def.Mapping.mappingBody(legacy)
	}
	if len(doc) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return b, nil
}

// validateIndexName checks name against the index naming rules. Wildcards
// and comma separated lists are rejected, so a call always addresses a
// single concrete index.
func validateIndexName(name string) error {
	if name == "" {
		return errMissingIndex
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidIndexName, name)
	}
	if len(name) > maxIndexNameBytes {
		return fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidIndexName, name, maxIndexNameBytes)
	}
	if strings.ContainsAny(name[:1], "-_+") {
		return fmt.Errorf("%w: %q must not start with '-', '_' or '+'", ErrInvalidIndexName, name)
	}
	if strings.ContainsAny(name, `\/*?"<>|,#: `) {
		return fmt.Errorf("%w: %q contains a forbidden character", ErrInvalidIndexName, name)
	}
	if strings.ToLower(name) != name {
		return fmt.Errorf("%w: %q must be lowercase", ErrInvalidIndexName, name)
	}
	return nil
}

// CreateIndex creates the named index. It fails with ErrIndexExists when the
// index is already present, and with ErrInvalidMapping when def carries an
// invalid mapping.
func (a *IndexAdmin) CreateIndex(ctx context.Context, name string, def IndexDefinition) (Ack, error) {
	if err := validateIndexName(name); err != nil {
		return Ack{}, err
	}
	legacy := a.conn.config.LegacyTypes && def.Mapping != nil
	body, err := def.body(legacy)
	if err != nil {
		return Ack{}, err
	}
	var ack Ack
	err = a.conn.perform(ctx, opCreateIndex, name, "",
		func(ctx context.Context) (*esapi.Response, error) {
			req := esapi.IndicesCreateRequest{
				Index:   name,
				Timeout: a.conn.config.RequestTimeout,
			}
			if body != nil {
				req.Body = bytes.NewReader(body)
			}
			if legacy {
				req.IncludeTypeName = boolPtr(true)
			}
			return req.Do(ctx, a.conn.transport)
		},
		func(res *esapi.Response) error {
			return decodeResponse(opCreateIndex, res, name, "", &ack)
		},
	)
	if err != nil {
		return Ack{}, err
	}
	if ack.Index == "" {
		ack.Index = name
	}
	ack.Created = true
	return ack, nil
}

// EnsureIndex creates the named index unless it already exists. An existing
// index is reported with Created false; its settings and mapping are left
// untouched.
func (a *IndexAdmin) EnsureIndex(ctx context.Context, name string, def IndexDefinition) (Ack, error) {
	ack, err := a.CreateIndex(ctx, name, def)
	if errors.Is(err, ErrIndexExists) {
		return Ack{Acknowledged: true, Index: name}, nil
	}
	return ack, err
}

// DeleteIndex deletes the named index and all of its documents. It fails with
// ErrIndexNotFound when the index does not exist.
func (a *IndexAdmin) DeleteIndex(ctx context.Context, name string) (Ack, error) {
	if err := validateIndexName(name); err != nil {
		return Ack{}, err
	}
	var ack Ack
	err := a.conn.perform(ctx, opDeleteIndex, name, "",
		func(ctx context.Context) (*esapi.Response, error) {
			return esapi.IndicesDeleteRequest{
				Index:   []string{name},
				Timeout: a.conn.config.RequestTimeout,
			}.Do(ctx, a.conn.transport)
		},
		func(res *esapi.Response) error {
			return decodeResponse(opDeleteIndex, res, name, "", &ack)
		},
	)
	if err != nil {
		return Ack{}, err
	}
	ack.Index = name
	return ack, nil
}

// IndexExists reports whether the named index exists.
func (a *IndexAdmin) IndexExists(ctx context.Context, name string) (bool, error) {
	if err := validateIndexName(name); err != nil {
		return false, err
	}
	return a.conn.indexExists(ctx, name)
}

func (c *Connection) indexExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := c.perform(ctx, opIndexExists, name, "",
		func(ctx context.Context) (*esapi.Response, error) {
			return esapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, c.transport)
		},
		func(res *esapi.Response) error {
			switch res.StatusCode {
			case http.StatusOK:
				exists = true
				return nil
			case http.StatusNotFound:
				return nil
			}
			return newResponseError(opIndexExists, res, name, "")
		},
	)
	return exists, err
}

// PutMapping adds fields to the mapping of an existing index. Existing fields
// cannot change type: such a change fails with ErrInvalidMapping and leaves
// the stored mapping as it was.
func (a *IndexAdmin) PutMapping(ctx context.Context, index string, mapping Mapping) (Ack, error) {
	if err := validateIndexName(index); err != nil {
		return Ack{}, err
	}
	if err := mapping.Validate(); err != nil {
		return Ack{}, err
	}
	if len(mapping.Properties) == 0 && mapping.Dynamic == "" {
		return Ack{}, fmt.Errorf("%w: no properties", ErrInvalidMapping)
	}
	body, err := json.Marshal(mapping)
	if err != nil {
		return Ack{}, &SerializationError{Err: err}
	}
	legacy := a.conn.config.LegacyTypes
	var ack Ack
	err = a.conn.perform(ctx, opPutMapping, index, "",
		func(ctx context.Context) (*esapi.Response, error) {
			req := esapi.IndicesPutMappingRequest{
				Index:   []string{index},
				Body:    bytes.NewReader(body),
				Timeout: a.conn.config.RequestTimeout,
			}
			if legacy {
				req.DocumentType = mapping.typeName()
				req.IncludeTypeName = boolPtr(true)
			}
			return req.Do(ctx, a.conn.transport)
		},
		func(res *esapi.Response) error {
			return decodeResponse(opPutMapping, res, index, "", &ack)
		},
	)
	if err != nil {
		return Ack{}, err
	}
	ack.Index = index
	return ack, nil
}

// GetMapping returns the current mapping of the named index.
func (a *IndexAdmin) GetMapping(ctx context.Context, index string) (Mapping, error) {
	if err := validateIndexName(index); err != nil {
		return Mapping{}, err
	}
	legacy := a.conn.config.LegacyTypes
	var mapping Mapping
	err := a.conn.perform(ctx, opGetMapping, index, "",
		func(ctx context.Context) (*esapi.Response, error) {
			req := esapi.IndicesGetMappingRequest{Index: []string{index}}
			if legacy {
				req.IncludeTypeName = boolPtr(true)
			}
			return req.Do(ctx, a.conn.transport)
		},
		func(res *esapi.Response) error {
			if res.IsError() {
				return newResponseError(opGetMapping, res, index, "")
			}
			m, err := decodeGetMapping(res.Body, index)
			if err != nil {
				return fmt.Errorf("error decoding %s response: %w", opGetMapping, err)
			}
			mapping = m
			return nil
		},
	)
	return mapping, err
}

func decodeGetMapping(r io.Reader, index string) (Mapping, error) {
	var indices map[string]struct {
		Mappings jsoniter.RawMessage `json:"mappings"`
	}
	if err := json.NewDecoder(r).Decode(&indices); err != nil {
		return Mapping{}, err
	}
	entry, ok := indices[index]
	if !ok {
		// The index was addressed through an alias.
		if len(indices) != 1 {
			return Mapping{}, fmt.Errorf("no mapping for index %q", index)
		}
		for _, v := range indices {
			entry = v
		}
	}
	if len(entry.Mappings) == 0 {
		return Mapping{}, nil
	}
	return decodeMapping(entry.Mappings)
}

// Refresh makes all writes to the given indices visible to reads. With no
// indices, every index is refreshed.
func (a *IndexAdmin) Refresh(ctx context.Context, indices ...string) error {
	for _, index := range indices {
		if err := validateIndexName(index); err != nil {
			return err
		}
	}
	target := strings.Join(indices, ",")
	return a.conn.perform(ctx, opRefresh, target, "",
		func(ctx context.Context) (*esapi.Response, error) {
			return esapi.IndicesRefreshRequest{Index: indices}.Do(ctx, a.conn.transport)
		},
		func(res *esapi.Response) error {
			return decodeResponse(opRefresh, res, target, "", nil)
		},
	)
}

func boolPtr(v bool) *bool {
	return &v
}
