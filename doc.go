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

// Package docadmin provides index and document administration for
// Elasticsearch over its REST API.
//
// The package owns request construction and response decoding for index
// lifecycle (create, delete, mappings), single document writes (index,
// update, delete) and bulk ingestion. Network I/O goes through an
// esapi.Transport, which by default is an elastictransport.Client with
// retries disabled: every error surfaces to the caller, and retry policy is
// left to the caller.
//
// Search and query execution are intentionally not part of this package.
package docadmin
