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
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConnectionPool hands out Connections to a single endpoint, reusing idle
// ones. At most size Connections are checked out at any time.
type ConnectionPool struct {
	config  Config
	size    int
	sem     *semaphore.Weighted
	connect func(context.Context, Config) (*Connection, error)

	mu     sync.Mutex
	idle   []*Connection
	inUse  map[*Connection]struct{}
	closed bool
}

// PoolStats holds the connection counts of a ConnectionPool.
type PoolStats struct {
	Idle  int
	InUse int
	Size  int
}

// NewConnectionPool returns a pool of at most size connections configured
// by cfg. Connections are established lazily by Acquire.
func NewConnectionPool(cfg Config, size int) (*ConnectionPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("expected pool size > 0, got %d", size)
	}
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &ConnectionPool{
		config:  cfg,
		size:    size,
		sem:     semaphore.NewWeighted(int64(size)),
		connect: Connect,
		inUse:   make(map[*Connection]struct{}),
	}, nil
}

// Acquire returns a Connection for exclusive use by the caller until it is
// passed to Release. It blocks while size Connections are checked out,
// until one is released or ctx is done.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Connection, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, transportError("acquire", "", err)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse[conn] = struct{}{}
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.connect(ctx, p.config)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.sem.Release(1)
		return nil, errors.Join(ErrClosed, conn.Close())
	}
	p.inUse[conn] = struct{}{}
	return conn, nil
}

// Release returns conn to the pool. A closed conn is discarded. Releasing a
// conn that is not checked out from p is a no-op.
func (p *ConnectionPool) Release(conn *Connection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.inUse[conn]; !ok {
		p.mu.Unlock()
		return
	}
	defer p.sem.Release(1)
	defer p.mu.Unlock()
	delete(p.inUse, conn)
	if p.closed || conn.closed.Load() {
		conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
}

// Do acquires a Connection, calls fn with it and releases it, including when
// fn panics.
func (p *ConnectionPool) Do(ctx context.Context, fn func(*Connection) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// Stats returns the current connection counts.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Idle: len(p.idle), InUse: len(p.inUse), Size: p.size}
}

// Close closes idle connections. Connections still checked out are closed
// when released. Acquire fails with ErrClosed after Close.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for _, conn := range p.idle {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.idle = nil
	return errors.Join(errs...)
}
