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

package docadmintest

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// DefaultClusterName is the cluster name reported by an Engine unless
// WithClusterName is used.
const DefaultClusterName = "elasticsearch"

// Engine is an in-memory stand-in for an Elasticsearch node. It implements
// the index, mapping, document and bulk REST endpoints with enough fidelity
// to exercise client error handling: mapping conflicts, dynamic mapping,
// field type checks, document versions and per-item bulk failures.
type Engine struct {
	mu          sync.Mutex
	clusterName string
	version     string
	autoCreate  bool
	latency     time.Duration
	username    string
	password    string
	bulkStatus  int
	itemFailure func(BulkItem) *ItemFailure
	indices     map[string]*index
	requests    []Request
	autoID      int
}

// Request records a request received by an Engine.
type Request struct {
	Method          string
	Path            string
	Query           url.Values
	ContentType     string
	ContentEncoding string
}

// BulkItem describes a single item of a bulk request, as seen by the hook
// installed with WithBulkItemFailure.
type BulkItem struct {
	Position   int
	Action     string
	Index      string
	DocumentID string
}

// ItemFailure is the failure reported for a bulk item by the hook installed
// with WithBulkItemFailure.
type ItemFailure struct {
	Status int
	Type   string
	Reason string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClusterName sets the reported cluster name.
func WithClusterName(name string) Option {
	return func(e *Engine) { e.clusterName = name }
}

// WithAutoCreateIndex makes writes to missing indices create them.
func WithAutoCreateIndex(enabled bool) Option {
	return func(e *Engine) { e.autoCreate = enabled }
}

// WithLatency delays every response by d, or until the request is cancelled.
func WithLatency(d time.Duration) Option {
	return func(e *Engine) { e.latency = d }
}

// WithBasicAuth makes the Engine reject requests without the given
// credentials.
func WithBasicAuth(username, password string) Option {
	return func(e *Engine) { e.username, e.password = username, password }
}

// WithBulkItemFailure installs a hook that can fail individual bulk items.
// Failed items are not applied.
func WithBulkItemFailure(f func(BulkItem) *ItemFailure) Option {
	return func(e *Engine) { e.itemFailure = f }
}

// NewEngine returns an empty Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clusterName: DefaultClusterName,
		version:     "8.15.0",
		indices:     make(map[string]*index),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewServer starts an httptest.Server serving a new Engine. The server is
// closed via t.Cleanup.
func NewServer(t testing.TB, opts ...Option) (*Engine, *httptest.Server) {
	e := NewEngine(opts...)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return e, srv
}

// HostPort returns the host and port of srv.
func HostPort(t testing.TB, srv *httptest.Server) (string, int) {
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

// SetBulkStatus makes every following bulk request fail as a whole with
// status, or succeed again when status is zero.
func (e *Engine) SetBulkStatus(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bulkStatus = status
}

// SetLatency changes the delay applied to following responses.
func (e *Engine) SetLatency(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latency = d
}

// Requests returns the requests received so far.
func (e *Engine) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Request(nil), e.requests...)
}

// IndexNames returns the sorted names of existing indices.
func (e *Engine) IndexNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.indices))
	for name := range e.indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Document returns the source of a stored document.
func (e *Engine) Document(index, id string) (json.RawMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.indices[index]
	if !ok {
		return nil, false
	}
	doc, ok := idx.docs[id]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), doc.source...), true
}

// DocumentCount returns the number of documents stored in index.
func (e *Engine) DocumentCount(index string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx, ok := e.indices[index]; ok {
		return len(idx.docs)
	}
	return 0
}

// FieldType returns the mapped type of the field at the dotted path.
func (e *Engine) FieldType(index, path string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.indices[index]
	if !ok {
		return ""
	}
	props := idx.props
	parts := strings.Split(path, ".")
	for i, part := range parts {
		f, ok := props[part]
		if !ok {
			return ""
		}
		if i == len(parts)-1 {
			return f.fieldType()
		}
		props = f.props
	}
	return ""
}

type index struct {
	settings    map[string]any
	mappingType string
	dynamic     any
	props       map[string]*field
	docs        map[string]*storedDoc
	seqNo       int64
}

type storedDoc struct {
	source  json.RawMessage
	version int64
	seqNo   int64
}

type field struct {
	typ    string
	params map[string]any
	props  map[string]*field
}

func (f *field) fieldType() string {
	if f.typ == "" && f.props != nil {
		return "object"
	}
	return f.typ
}

// apiError is an error response in the Elasticsearch format.
type apiError struct {
	status int
	typ    string
	reason string
	index  string
}

func (e *apiError) Error() string { return e.typ + ": " + e.reason }

func (e *apiError) body() map[string]any {
	cause := map[string]any{"type": e.typ, "reason": e.reason}
	if e.index != "" {
		cause["index"] = e.index
	}
	return map[string]any{
		"error": map[string]any{
			"root_cause": []any{cause},
			"type":       e.typ,
			"reason":     e.reason,
			"index":      e.index,
		},
		"status": e.status,
	}
}

func indexNotFound(name string) *apiError {
	return &apiError{
		status: http.StatusNotFound,
		typ:    "index_not_found_exception",
		reason: fmt.Sprintf("no such index [%s]", name),
		index:  name,
	}
}

// ServeHTTP implements http.Handler.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	e.requests = append(e.requests, Request{
		Method:          r.Method,
		Path:            r.URL.Path,
		Query:           r.URL.Query(),
		ContentType:     r.Header.Get("Content-Type"),
		ContentEncoding: r.Header.Get("Content-Encoding"),
	})
	latency := e.latency
	e.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-r.Context().Done():
			return
		}
	}
	if e.username != "" {
		if user, pass, ok := r.BasicAuth(); !ok || user != e.username || pass != e.password {
			writeError(w, r, &apiError{
				status: http.StatusUnauthorized,
				typ:    "security_exception",
				reason: "unable to authenticate user",
			})
			return
		}
	}

	body, err := readBody(r)
	if err != nil {
		writeError(w, r, &apiError{status: http.StatusBadRequest, typ: "parse_exception", reason: err.Error()})
		return
	}
	status, resp, apiErr := e.route(r, splitPath(r.URL), body)
	if apiErr != nil {
		writeError(w, r, apiErr)
		return
	}
	writeJSON(w, r, status, resp)
}

func readBody(r *http.Request) ([]byte, error) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		body = gr
	}
	return io.ReadAll(body)
}

// splitPath returns the unescaped path segments, so that IDs containing
// slashes survive.
func splitPath(u *url.URL) []string {
	var segments []string
	for _, s := range strings.Split(u.EscapedPath(), "/") {
		if s == "" {
			continue
		}
		if unescaped, err := url.PathUnescape(s); err == nil {
			s = unescaped
		}
		segments = append(segments, s)
	}
	return segments
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if r.Method == http.MethodHead || v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err *apiError) {
	writeJSON(w, r, err.status, err.body())
}

func (e *Engine) route(r *http.Request, path []string, body []byte) (int, any, *apiError) {
	q := r.URL.Query()
	typed := q.Get("include_type_name") == "true"
	badRequest := &apiError{
		status: http.StatusBadRequest,
		typ:    "illegal_argument_exception",
		reason: fmt.Sprintf("no handler found for uri [%s] and method [%s]", r.URL.Path, r.Method),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch len(path) {
	case 0:
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			return http.StatusOK, e.info(), nil
		}
	case 1:
		switch path[0] {
		case "_bulk":
			return e.bulk("", body, q)
		case "_refresh":
			return e.refresh(nil)
		}
		switch r.Method {
		case http.MethodHead:
			if _, ok := e.indices[path[0]]; ok {
				return http.StatusOK, nil, nil
			}
			return http.StatusNotFound, nil, nil
		case http.MethodPut:
			return e.createIndex(path[0], body, typed)
		case http.MethodDelete:
			return e.deleteIndex(path[0])
		case http.MethodGet:
			return e.getIndex(path[0])
		}
	case 2:
		name := path[0]
		switch path[1] {
		case "_bulk":
			return e.bulk(name, body, q)
		case "_refresh":
			return e.refresh([]string{name})
		case "_mapping":
			switch r.Method {
			case http.MethodGet:
				return e.getMapping(name, typed)
			case http.MethodPut, http.MethodPost:
				return e.putMapping(name, "", body)
			}
		case "_doc":
			if r.Method == http.MethodPost {
				return e.indexDoc(name, "", "", body, q.Get("op_type"))
			}
		default:
			if r.Method == http.MethodPost && !strings.HasPrefix(path[1], "_") {
				return e.indexDoc(name, path[1], "", body, q.Get("op_type"))
			}
		}
	case 3:
		name, second, id := path[0], path[1], path[2]
		switch {
		case second == "_mapping":
			if r.Method == http.MethodPut || r.Method == http.MethodPost {
				return e.putMapping(name, id, body)
			}
		case second == "_update":
			if r.Method == http.MethodPost {
				return e.updateDoc(name, id, body)
			}
		case second == "_create":
			if r.Method == http.MethodPut || r.Method == http.MethodPost {
				return e.indexDoc(name, "", id, body, "create")
			}
		case second == "_doc" || !strings.HasPrefix(second, "_"):
			docType := ""
			if second != "_doc" {
				docType = second
			}
			switch r.Method {
			case http.MethodPut, http.MethodPost:
				return e.indexDoc(name, docType, id, body, q.Get("op_type"))
			case http.MethodGet:
				return e.getDoc(name, docType, id)
			case http.MethodDelete:
				return e.deleteDoc(name, docType, id)
			}
		}
	case 4:
		if path[3] == "_update" && r.Method == http.MethodPost {
			return e.updateDoc(path[0], path[2], body)
		}
	}
	return 0, nil, badRequest
}

func (e *Engine) info() map[string]any {
	return map[string]any{
		"name":         "docadmintest",
		"cluster_name": e.clusterName,
		"cluster_uuid": "docadmintest-uuid",
		"version":      map[string]any{"number": e.version},
		"tagline":      "You Know, for Search",
	}
}

func (e *Engine) refresh(names []string) (int, any, *apiError) {
	for _, name := range names {
		if _, ok := e.indices[name]; !ok {
			return 0, nil, indexNotFound(name)
		}
	}
	return http.StatusOK, map[string]any{
		"_shards": map[string]any{"total": 1, "successful": 1, "failed": 0},
	}, nil
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v map[string]any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return v, nil
}

func parseError(err error) *apiError {
	return &apiError{
		status: http.StatusBadRequest,
		typ:    "x_content_parse_exception",
		reason: err.Error(),
	}
}

func (e *Engine) createIndex(name string, body []byte, typed bool) (int, any, *apiError) {
	if _, ok := e.indices[name]; ok {
		return 0, nil, &apiError{
			status: http.StatusBadRequest,
			typ:    "resource_already_exists_exception",
			reason: fmt.Sprintf("index [%s/docadmintest] already exists", name),
			index:  name,
		}
	}
	if name != strings.ToLower(name) || strings.HasPrefix(name, "_") || strings.HasPrefix(name, "-") {
		return 0, nil, &apiError{
			status: http.StatusBadRequest,
			typ:    "invalid_index_name_exception",
			reason: fmt.Sprintf("Invalid index name [%s]", name),
			index:  name,
		}
	}
	idx := newIndex()
	if len(bytes.TrimSpace(body)) > 0 {
		doc, err := decodeObject(body)
		if err != nil {
			return 0, nil, parseError(err)
		}
		if settings, ok := doc["settings"].(map[string]any); ok {
			idx.settings = settings
		}
		if mappings, ok := doc["mappings"].(map[string]any); ok {
			mappingType := ""
			if typed {
				for k, v := range mappings {
					m, ok := v.(map[string]any)
					if !ok {
						return 0, nil, mapperParsing("Root mapping definition has unsupported parameters")
					}
					mappingType, mappings = k, m
				}
			}
			if err := idx.applyMapping(mappingType, mappings); err != nil {
				return 0, nil, err
			}
		}
	}
	e.indices[name] = idx
	return http.StatusOK, map[string]any{
		"acknowledged":        true,
		"shards_acknowledged": true,
		"index":               name,
	}, nil
}

func newIndex() *index {
	return &index{
		settings: map[string]any{},
		props:    make(map[string]*field),
		docs:     make(map[string]*storedDoc),
	}
}

func (e *Engine) deleteIndex(name string) (int, any, *apiError) {
	if _, ok := e.indices[name]; !ok {
		return 0, nil, indexNotFound(name)
	}
	delete(e.indices, name)
	return http.StatusOK, map[string]any{"acknowledged": true}, nil
}

func (e *Engine) getIndex(name string) (int, any, *apiError) {
	idx, ok := e.indices[name]
	if !ok {
		return 0, nil, indexNotFound(name)
	}
	return http.StatusOK, map[string]any{
		name: map[string]any{
			"settings": map[string]any{"index": idx.settings},
			"mappings": idx.mappingJSON(),
		},
	}, nil
}

func (e *Engine) getMapping(name string, typed bool) (int, any, *apiError) {
	idx, ok := e.indices[name]
	if !ok {
		return 0, nil, indexNotFound(name)
	}
	mappings := idx.mappingJSON()
	if typed {
		mappingType := idx.mappingType
		if mappingType == "" {
			mappingType = "_doc"
		}
		mappings = map[string]any{mappingType: mappings}
	}
	return http.StatusOK, map[string]any{name: map[string]any{"mappings": mappings}}, nil
}

func (e *Engine) putMapping(name, mappingType string, body []byte) (int, any, *apiError) {
	idx, ok := e.indices[name]
	if !ok {
		return 0, nil, indexNotFound(name)
	}
	doc, err := decodeObject(body)
	if err != nil {
		return 0, nil, parseError(err)
	}
	if err := idx.applyMapping(mappingType, doc); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"acknowledged": true}, nil
}

func mapperParsing(format string, args ...any) *apiError {
	return &apiError{
		status: http.StatusBadRequest,
		typ:    "mapper_parsing_exception",
		reason: fmt.Sprintf(format, args...),
	}
}

var knownTypes = map[string]bool{
	"text": true, "keyword": true, "long": true, "integer": true, "short": true,
	"byte": true, "double": true, "float": true, "half_float": true, "boolean": true,
	"date": true, "object": true, "nested": true, "ip": true, "geo_point": true,
	"binary": true, "search_as_you_type": true, "flattened": true,
}

var textTypes = map[string]bool{"text": true, "search_as_you_type": true}

// applyMapping validates a mapping update and applies it atomically.
func (idx *index) applyMapping(mappingType string, doc map[string]any) *apiError {
	if mappingType != "" && idx.mappingType != "" && mappingType != idx.mappingType {
		return &apiError{
			status: http.StatusBadRequest,
			typ:    "illegal_argument_exception",
			reason: fmt.Sprintf("Rejecting mapping update as the final mapping would have more than 1 type: [%s, %s]", idx.mappingType, mappingType),
		}
	}
	var props map[string]*field
	if raw, ok := doc["properties"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return mapperParsing("properties must be an object")
		}
		var err *apiError
		if props, err = parseProperties("", m); err != nil {
			return err
		}
	}
	if err := mergeProperties("", idx.props, props, true); err != nil {
		return err
	}
	mergeProperties("", idx.props, props, false)
	if d, ok := doc["dynamic"]; ok {
		idx.dynamic = d
	}
	if mappingType != "" {
		idx.mappingType = mappingType
	}
	return nil
}

func parseProperties(prefix string, raw map[string]any) (map[string]*field, *apiError) {
	props := make(map[string]*field, len(raw))
	for name, v := range raw {
		path := prefix + name
		if name == "" {
			return nil, mapperParsing("field name cannot be an empty string")
		}
		def, ok := v.(map[string]any)
		if !ok {
			return nil, mapperParsing("Expected map for property [fields] on field [%s] but got a %T", path, v)
		}
		f := &field{params: map[string]any{}}
		for k, pv := range def {
			switch k {
			case "type":
				s, _ := pv.(string)
				f.typ = s
			case "properties":
				m, ok := pv.(map[string]any)
				if !ok {
					return nil, mapperParsing("properties of field [%s] must be an object", path)
				}
				sub, err := parseProperties(path+".", m)
				if err != nil {
					return nil, err
				}
				f.props = sub
			default:
				f.params[k] = pv
			}
		}
		if f.typ == "" && f.props == nil {
			return nil, mapperParsing("No type specified for field [%s]", path)
		}
		if f.typ != "" && !knownTypes[f.typ] {
			return nil, mapperParsing("No handler for type [%s] declared on field [%s]", f.typ, path)
		}
		for _, param := range []string{"analyzer", "search_analyzer"} {
			if _, ok := f.params[param]; ok && !textTypes[f.typ] {
				return nil, mapperParsing("unknown parameter [%s] on mapper [%s] of type [%s]", param, path, f.typ)
			}
		}
		props[name] = f
	}
	return props, nil
}

// mergeProperties merges update into existing. With check set it only
// reports conflicts, leaving existing untouched.
func mergeProperties(prefix string, existing, update map[string]*field, check bool) *apiError {
	for name, f := range update {
		path := prefix + name
		cur, ok := existing[name]
		if !ok {
			if !check {
				existing[name] = f
			}
			continue
		}
		if cur.fieldType() != f.fieldType() {
			return &apiError{
				status: http.StatusBadRequest,
				typ:    "illegal_argument_exception",
				reason: fmt.Sprintf("mapper [%s] cannot be changed from type [%s] to [%s]", path, cur.fieldType(), f.fieldType()),
			}
		}
		for _, param := range []string{"analyzer", "store", "index"} {
			if v, ok := f.params[param]; ok && !reflect.DeepEqual(v, cur.params[param]) && cur.params[param] != nil {
				return &apiError{
					status: http.StatusBadRequest,
					typ:    "illegal_argument_exception",
					reason: fmt.Sprintf("Mapper for [%s] conflicts with existing mapper:\n\tCannot update parameter [%s]", path, param),
				}
			}
		}
		if f.props != nil {
			if cur.props == nil && !check {
				cur.props = make(map[string]*field)
			}
			if err := mergeProperties(path+".", cur.props, f.props, check); err != nil {
				return err
			}
		}
		if !check {
			for k, v := range f.params {
				cur.params[k] = v
			}
		}
	}
	return nil
}

func (idx *index) mappingJSON() map[string]any {
	out := map[string]any{}
	if idx.dynamic != nil {
		out["dynamic"] = idx.dynamic
	}
	if len(idx.props) > 0 {
		out["properties"] = propertiesJSON(idx.props)
	}
	return out
}

func propertiesJSON(props map[string]*field) map[string]any {
	out := make(map[string]any, len(props))
	for name, f := range props {
		def := make(map[string]any, len(f.params)+2)
		for k, v := range f.params {
			def[k] = v
		}
		if f.typ != "" {
			def["type"] = f.typ
		}
		if f.props != nil {
			def["properties"] = propertiesJSON(f.props)
		}
		out[name] = def
	}
	return out
}

func (e *Engine) lookupForWrite(name string) (*index, *apiError) {
	if idx, ok := e.indices[name]; ok {
		return idx, nil
	}
	if !e.autoCreate {
		return nil, indexNotFound(name)
	}
	idx := newIndex()
	e.indices[name] = idx
	return idx, nil
}

func (e *Engine) nextID() string {
	e.autoID++
	return fmt.Sprintf("auto-%08d", e.autoID)
}

func (e *Engine) indexDoc(name, docType, id string, body []byte, opType string) (int, any, *apiError) {
	idx, err := e.lookupForWrite(name)
	if err != nil {
		return 0, nil, err
	}
	if id == "" {
		id = e.nextID()
	}
	return idx.put(name, docType, id, body, opType == "create")
}

func (idx *index) put(name, docType, id string, body []byte, create bool) (int, any, *apiError) {
	source, perr := decodeObject(body)
	if perr != nil {
		return 0, nil, &apiError{
			status: http.StatusBadRequest,
			typ:    "document_parsing_exception",
			reason: fmt.Sprintf("failed to parse: %v", perr),
			index:  name,
		}
	}
	if docType != "" && idx.mappingType != "" && docType != idx.mappingType {
		return 0, nil, &apiError{
			status: http.StatusBadRequest,
			typ:    "illegal_argument_exception",
			reason: fmt.Sprintf("Rejecting mapping update to [%s] as the final mapping would have more than 1 type: [%s, %s]", name, idx.mappingType, docType),
		}
	}
	cur, exists := idx.docs[id]
	if create && exists {
		return 0, nil, &apiError{
			status: http.StatusConflict,
			typ:    "version_conflict_engine_exception",
			reason: fmt.Sprintf("[%s]: version conflict, document already exists (current version [%d])", id, cur.version),
			index:  name,
		}
	}
	if err := idx.checkSource(id, source); err != nil {
		err.index = name
		return 0, nil, err
	}
	if docType != "" && idx.mappingType == "" {
		idx.mappingType = docType
	}
	compact, _ := json.Marshal(source)
	idx.seqNo++
	doc := &storedDoc{source: compact, version: 1, seqNo: idx.seqNo}
	status, result := http.StatusCreated, "created"
	if exists {
		doc.version = cur.version + 1
		status, result = http.StatusOK, "updated"
	}
	idx.docs[id] = doc
	return status, idx.writeResult(name, id, doc, result), nil
}

func (idx *index) writeResult(name, id string, doc *storedDoc, result string) map[string]any {
	out := map[string]any{
		"_index":        name,
		"_id":           id,
		"_version":      doc.version,
		"result":        result,
		"_seq_no":       doc.seqNo,
		"_primary_term": 1,
		"_shards":       map[string]any{"total": 1, "successful": 1, "failed": 0},
	}
	if idx.mappingType != "" {
		out["_type"] = idx.mappingType
	}
	return out
}

// checkSource type checks source against the mapping, adding dynamically
// mapped fields when the check passes.
func (idx *index) checkSource(id string, source map[string]any) *apiError {
	dynamic := fmt.Sprint(idx.dynamic)
	added := make(map[string]*field)
	if err := checkObject(id, "", idx.props, source, dynamic, added); err != nil {
		return err
	}
	if dynamic != "false" {
		mergeProperties("", idx.props, added, false)
	}
	return nil
}

func checkObject(id, prefix string, props map[string]*field, obj map[string]any, dynamic string, added map[string]*field) *apiError {
	for name, v := range obj {
		path := prefix + name
		f, ok := props[name]
		if !ok {
			if dynamic == "strict" {
				return &apiError{
					status: http.StatusBadRequest,
					typ:    "strict_dynamic_mapping_exception",
					reason: fmt.Sprintf("mapping set to strict, dynamic introduction of [%s] within [_doc] is not allowed", name),
				}
			}
			if inferred := inferField(v); inferred != nil {
				added[name] = inferred
			}
			continue
		}
		if err := checkValue(id, path, f, v, dynamic); err != nil {
			return err
		}
	}
	return nil
}

func inferField(v any) *field {
	switch v := v.(type) {
	case string:
		return &field{typ: "text", params: map[string]any{}}
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return &field{typ: "long", params: map[string]any{}}
		}
		return &field{typ: "float", params: map[string]any{}}
	case bool:
		return &field{typ: "boolean", params: map[string]any{}}
	case map[string]any:
		f := &field{params: map[string]any{}, props: make(map[string]*field)}
		for k, sub := range v {
			if inferred := inferField(sub); inferred != nil {
				f.props[k] = inferred
			}
		}
		return f
	case []any:
		for _, elem := range v {
			if inferred := inferField(elem); inferred != nil {
				return inferred
			}
		}
	}
	return nil
}

func checkValue(id, path string, f *field, v any, dynamic string) *apiError {
	if v == nil {
		return nil
	}
	if arr, ok := v.([]any); ok {
		for _, elem := range arr {
			if err := checkValue(id, path, f, elem, dynamic); err != nil {
				return err
			}
		}
		return nil
	}
	typ := f.fieldType()
	fail := func() *apiError {
		return &apiError{
			status: http.StatusBadRequest,
			typ:    "document_parsing_exception",
			reason: fmt.Sprintf(
				"[1:1] failed to parse field [%s] of type [%s] in document with id '%s'. Preview of field's value: '%v'",
				path, typ, id, v,
			),
		}
	}
	switch typ {
	case "object", "nested":
		obj, ok := v.(map[string]any)
		if !ok {
			return fail()
		}
		if f.props == nil {
			f.props = make(map[string]*field)
		}
		added := make(map[string]*field)
		if err := checkObject(id, path+".", f.props, obj, dynamic, added); err != nil {
			return err
		}
		if dynamic != "false" {
			mergeProperties(path+".", f.props, added, false)
		}
	case "long", "integer", "short", "byte":
		switch v := v.(type) {
		case json.Number:
			if _, err := v.Int64(); err != nil {
				return fail()
			}
		case string:
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				return fail()
			}
		default:
			return fail()
		}
	case "double", "float", "half_float":
		switch v := v.(type) {
		case json.Number:
		case string:
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return fail()
			}
		default:
			return fail()
		}
	case "boolean":
		switch v := v.(type) {
		case bool:
		case string:
			if v != "true" && v != "false" {
				return fail()
			}
		default:
			return fail()
		}
	default:
		if _, ok := v.(map[string]any); ok {
			return fail()
		}
	}
	return nil
}

func (e *Engine) updateDoc(name, id string, body []byte) (int, any, *apiError) {
	idx, ok := e.indices[name]
	if !ok {
		return 0, nil, indexNotFound(name)
	}
	return idx.update(name, id, body)
}

func (idx *index) update(name, id string, body []byte) (int, any, *apiError) {
	req, err := decodeObject(body)
	if err != nil {
		return 0, nil, parseError(err)
	}
	partial, ok := req["doc"].(map[string]any)
	if !ok {
		return 0, nil, &apiError{
			status: http.StatusBadRequest,
			typ:    "action_request_validation_exception",
			reason: "Validation Failed: 1: script or doc is missing;",
		}
	}
	cur, exists := idx.docs[id]
	if !exists {
		if upsert, _ := req["doc_as_upsert"].(bool); upsert {
			b, _ := json.Marshal(partial)
			return idx.put(name, "", id, b, false)
		}
		return 0, nil, &apiError{
			status: http.StatusNotFound,
			typ:    "document_missing_exception",
			reason: fmt.Sprintf("[%s]: document missing", id),
			index:  name,
		}
	}
	source, _ := decodeObject(cur.source)
	merged := mergeDoc(source, partial)
	if reflect.DeepEqual(merged, source) {
		return http.StatusOK, idx.writeResult(name, id, cur, "noop"), nil
	}
	if err := idx.checkSource(id, merged); err != nil {
		err.index = name
		return 0, nil, err
	}
	compact, _ := json.Marshal(merged)
	idx.seqNo++
	doc := &storedDoc{source: compact, version: cur.version + 1, seqNo: idx.seqNo}
	idx.docs[id] = doc
	return http.StatusOK, idx.writeResult(name, id, doc, "updated"), nil
}

// mergeDoc returns dst with src deep merged into it.
func mergeDoc(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if srcObj, ok := v.(map[string]any); ok {
			if dstObj, ok := out[k].(map[string]any); ok {
				out[k] = mergeDoc(dstObj, srcObj)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func (e *Engine) deleteDoc(name, docType, id string) (int, any, *apiError) {
	idx, ok := e.indices[name]
	if !ok {
		return 0, nil, indexNotFound(name)
	}
	return idx.remove(name, id)
}

func (idx *index) remove(name, id string) (int, any, *apiError) {
	cur, exists := idx.docs[id]
	idx.seqNo++
	if !exists {
		return http.StatusNotFound, idx.writeResult(name, id, &storedDoc{version: 1, seqNo: idx.seqNo}, "not_found"), nil
	}
	delete(idx.docs, id)
	doc := &storedDoc{version: cur.version + 1, seqNo: idx.seqNo}
	return http.StatusOK, idx.writeResult(name, id, doc, "deleted"), nil
}

func (e *Engine) getDoc(name, docType, id string) (int, any, *apiError) {
	idx, ok := e.indices[name]
	if !ok {
		return 0, nil, indexNotFound(name)
	}
	doc, exists := idx.docs[id]
	out := map[string]any{"_index": name, "_id": id, "found": exists}
	if idx.mappingType != "" {
		out["_type"] = idx.mappingType
	}
	if !exists {
		return http.StatusNotFound, out, nil
	}
	out["_version"] = doc.version
	out["_seq_no"] = doc.seqNo
	out["_primary_term"] = 1
	out["_source"] = doc.source
	return http.StatusOK, out, nil
}

func (e *Engine) bulk(defaultIndex string, body []byte, q url.Values) (int, any, *apiError) {
	if e.bulkStatus != 0 {
		return 0, nil, &apiError{
			status: e.bulkStatus,
			typ:    "es_rejected_execution_exception",
			reason: "bulk request rejected",
		}
	}
	start := time.Now()
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var items []any
	hasErrors := false
	for position := 0; scanner.Scan(); position++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			position--
			continue
		}
		var action map[string]struct {
			Index string `json:"_index"`
			Type  string `json:"_type"`
			ID    string `json:"_id"`
		}
		if err := json.Unmarshal(line, &action); err != nil || len(action) != 1 {
			return 0, nil, &apiError{
				status: http.StatusBadRequest,
				typ:    "illegal_argument_exception",
				reason: fmt.Sprintf("Malformed action/metadata line [%d]", position*2+1),
			}
		}
		var actionType string
		for actionType = range action {
		}
		meta := action[actionType]
		if meta.Index == "" {
			meta.Index = defaultIndex
		}
		var source []byte
		if actionType != "delete" {
			if !scanner.Scan() {
				return 0, nil, &apiError{
					status: http.StatusBadRequest,
					typ:    "illegal_argument_exception",
					reason: "The bulk request must be terminated by a newline [\\n]",
				}
			}
			source = append([]byte(nil), scanner.Bytes()...)
		}
		if actionType != "update" && actionType != "delete" && meta.ID == "" {
			meta.ID = e.nextID()
		}

		var status int
		var resp any
		var apiErr *apiError
		if e.itemFailure != nil {
			if failure := e.itemFailure(BulkItem{
				Position:   position,
				Action:     actionType,
				Index:      meta.Index,
				DocumentID: meta.ID,
			}); failure != nil {
				apiErr = &apiError{status: failure.Status, typ: failure.Type, reason: failure.Reason, index: meta.Index}
			}
		}
		if apiErr == nil {
			status, resp, apiErr = e.bulkItem(actionType, meta.Index, meta.Type, meta.ID, source)
		}
		if apiErr != nil {
			hasErrors = true
			item := map[string]any{
				"_index": meta.Index,
				"_id":    meta.ID,
				"status": apiErr.status,
				"error": map[string]any{
					"type":   apiErr.typ,
					"reason": apiErr.reason,
					"index":  meta.Index,
				},
			}
			items = append(items, map[string]any{actionType: item})
			continue
		}
		item := resp.(map[string]any)
		item["status"] = status
		delete(item, "_shards")
		items = append(items, map[string]any{actionType: item})
	}
	return http.StatusOK, map[string]any{
		"took":   time.Since(start).Milliseconds(),
		"errors": hasErrors,
		"items":  items,
	}, nil
}

func (e *Engine) bulkItem(action, name, docType, id string, source []byte) (int, any, *apiError) {
	switch action {
	case "index", "create":
		idx, err := e.lookupForWrite(name)
		if err != nil {
			return 0, nil, err
		}
		return idx.put(name, docType, id, source, action == "create")
	case "update":
		return e.updateDoc(name, id, source)
	case "delete":
		return e.deleteDoc(name, docType, id)
	}
	return 0, nil, &apiError{
		status: http.StatusBadRequest,
		typ:    "illegal_argument_exception",
		reason: fmt.Sprintf("Unknown action [%s]", action),
	}
}
