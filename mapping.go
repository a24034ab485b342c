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
	"fmt"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// DynamicMode controls how unmapped fields of new documents are handled.
type DynamicMode string

const (
	DynamicTrue    DynamicMode = "true"
	DynamicFalse   DynamicMode = "false"
	DynamicStrict  DynamicMode = "strict"
	DynamicRuntime DynamicMode = "runtime"
)

// UnmarshalJSON accepts both the string and the boolean form.
func (d *DynamicMode) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case bool:
		*d = DynamicMode(strconv.FormatBool(v))
	case string:
		*d = DynamicMode(v)
	case nil:
		*d = ""
	default:
		return fmt.Errorf("invalid dynamic value %s", b)
	}
	return nil
}

// Mapping describes the schema of an index: its fields and their types and
// analysis.
type Mapping struct {
	// Type holds the mapping type name used with Config.LegacyTypes. It is
	// ignored otherwise.
	//
	// If Type is empty in legacy mode, "_doc" will be used.
	Type string `json:"-"`

	Dynamic    DynamicMode             `json:"dynamic,omitempty"`
	Properties map[string]FieldMapping `json:"properties,omitempty"`
}

// FieldMapping describes a single field.
type FieldMapping struct {
	Type           string                  `json:"type,omitempty"`
	Store          bool                    `json:"store,omitempty"`
	Index          *bool                   `json:"index,omitempty"`
	Analyzer       string                  `json:"analyzer,omitempty"`
	SearchAnalyzer string                  `json:"search_analyzer,omitempty"`
	Format         string                  `json:"format,omitempty"`
	Properties     map[string]FieldMapping `json:"properties,omitempty"`
	Fields         map[string]FieldMapping `json:"fields,omitempty"`
}

// Field returns the mapping of the field at the dotted path, and whether it
// is mapped.
func (m Mapping) Field(path string) (FieldMapping, bool) {
	props := m.Properties
	parts := strings.Split(path, ".")
	for i, part := range parts {
		f, ok := props[part]
		if !ok {
			return FieldMapping{}, false
		}
		if i == len(parts)-1 {
			return f, true
		}
		props = f.Properties
	}
	return FieldMapping{}, false
}

// Validate checks the mapping for definitions Elasticsearch is certain to
// reject. It returns an error matching ErrInvalidMapping.
func (m Mapping) Validate() error {
	switch m.Dynamic {
	case "", DynamicTrue, DynamicFalse, DynamicStrict, DynamicRuntime:
	default:
		return fmt.Errorf("%w: unsupported dynamic mode %q", ErrInvalidMapping, m.Dynamic)
	}
	if strings.HasPrefix(m.Type, "_") && m.Type != "_doc" {
		return fmt.Errorf("%w: invalid mapping type %q", ErrInvalidMapping, m.Type)
	}
	return validateProperties("", m.Properties)
}

func validateProperties(prefix string, props map[string]FieldMapping) error {
	// Sorted so that the reported field is deterministic.
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		path := prefix + name
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty field name under %q", ErrInvalidMapping, prefix)
		}
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") || strings.Contains(name, "..") {
			return fmt.Errorf("%w: field %q: invalid name", ErrInvalidMapping, path)
		}
		f := props[name]
		if err := f.validate(path); err != nil {
			return err
		}
	}
	return nil
}

func (f FieldMapping) validate(path string) error {
	if f.Type == "" && len(f.Properties) == 0 {
		return fmt.Errorf("%w: field %q: missing type", ErrInvalidMapping, path)
	}
	if len(f.Properties) > 0 {
		switch f.Type {
		case "", "object", "nested":
		default:
			return fmt.Errorf("%w: field %q: type %q cannot have properties", ErrInvalidMapping, path, f.Type)
		}
	}
	if f.Analyzer != "" || f.SearchAnalyzer != "" {
		switch f.Type {
		case "text", "search_as_you_type", "annotated_text":
		default:
			return fmt.Errorf("%w: field %q: analyzer is not supported by type %q", ErrInvalidMapping, path, f.Type)
		}
	}
	if err := validateProperties(path+".", f.Properties); err != nil {
		return err
	}
	return validateProperties(path+".", f.Fields)
}

func (m Mapping) typeName() string {
	return legacyType(m.Type)
}

// mappingBody returns the value to encode as "mappings", nested under the
// type name in legacy mode.
func (m Mapping) mappingBody(legacy bool) any {
	if legacy {
		return map[string]Mapping{m.typeName(): m}
	}
	return m
}

// mappingKeys are the top level keys of a typeless mapping.
var mappingKeys = map[string]bool{
	"properties":        true,
	"dynamic":           true,
	"_source":           true,
	"_meta":             true,
	"_routing":          true,
	"dynamic_templates": true,
	"runtime":           true,
	"date_detection":    true,
}

// decodeMapping decodes the "mappings" object of a single index, typed or
// typeless.
func decodeMapping(raw jsoniter.RawMessage) (Mapping, error) {
	var m Mapping
	var top map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return m, err
	}
	if len(top) == 1 {
		for name, typed := range top {
			if mappingKeys[name] {
				break
			}
			if err := json.Unmarshal(typed, &m); err != nil {
				return m, err
			}
			m.Type = name
			return m, nil
		}
	}
	err := json.Unmarshal(raw, &m)
	return m, err
}
