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
	"sync/atomic"
)

// BulkIndexerPool is a pool of BulkIndexer instances. It is designed to be
// used in a concurrent environment where multiple goroutines may need to
// acquire and release indexers.
//
// At most max indexers are leased at any time, which bounds both the memory
// held by buffered bulk bodies and the number of concurrent bulk requests.
// Returned indexers are reset and reused.
type BulkIndexerPool struct {
	slots    chan struct{} // One token per leased indexer.
	indexers chan *BulkIndexer
	leased   atomic.Int64

	// Read only fields.
	max    int
	config BulkIndexerConfig
}

// NewBulkIndexerPool returns a new BulkIndexerPool leasing at most max
// indexers created with c.
//
// If max is less than or equal to zero, a single indexer will be leased at
// a time.
func NewBulkIndexerPool(max int, c BulkIndexerConfig) *BulkIndexerPool {
	if max <= 0 {
		max = 1
	}
	return &BulkIndexerPool{
		slots:    make(chan struct{}, max),
		indexers: make(chan *BulkIndexer, max),
		max:      max,
		config:   c,
	}
}

// Get returns an empty BulkIndexer. If the maximum number of indexers is
// already leased, Get blocks until one is returned with Put or ctx is done.
func (p *BulkIndexerPool) Get(ctx context.Context) (*BulkIndexer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p.slots <- struct{}{}:
	}
	p.leased.Add(1)
	select {
	case idx := <-p.indexers:
		return idx, nil
	default:
		return newBulkIndexer(p.config), nil
	}
}

// Put returns the BulkIndexer to the pool. Any buffered items are discarded.
// After calling Put() no references to the indexer should be stored, since
// doing so may lead to undefined behavior and unintended memory sharing.
func (p *BulkIndexerPool) Put(indexer *BulkIndexer) {
	if indexer == nil {
		return // No indexer to store, nothing to do.
	}
	indexer.Reset()
	select {
	case p.indexers <- indexer: // Return to the pool for later reuse.
	default:
	}
	p.leased.Add(-1)
	<-p.slots
}

// Leased returns the number of indexers currently leased.
func (p *BulkIndexerPool) Leased() int {
	return int(p.leased.Load())
}

// Available returns the number of indexers that can be leased without
// blocking.
func (p *BulkIndexerPool) Available() int {
	return p.max - p.Leased()
}
