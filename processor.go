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
	"sync"
	"sync/atomic"
	"time"

	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProcessorConfig holds configuration for a Processor.
type ProcessorConfig struct {
	// FlushBytes holds the flush threshold in bytes. If compression is
	// enabled, the number of compressed bytes is used.
	//
	// If FlushBytes is zero, the default of 1MB will be used.
	FlushBytes int

	// FlushActions holds the flush threshold in operations.
	//
	// If FlushActions is zero, the default of 1000 will be used.
	FlushActions int

	// FlushInterval holds the flush threshold as a duration.
	//
	// If FlushInterval is zero, the default of 30 seconds will be used.
	FlushInterval time.Duration

	// FlushTimeout holds the flush timeout as a duration.
	//
	// If FlushTimeout is zero, the Connection's RequestTimeout applies.
	FlushTimeout time.Duration

	// QueueSize holds the number of operations buffered by Add before they
	// are encoded into a bulk request.
	//
	// If QueueSize is zero, the default of 1024 will be used.
	QueueSize int

	// OnResult is called with the result of every flushed operation, from
	// the goroutine that flushed it. Position is relative to the bulk
	// request the operation was sent in.
	OnResult func(context.Context, OperationResult)
}

const (
	defaultFlushBytes    = 1024 * 1024
	defaultFlushActions  = 1000
	defaultFlushInterval = 30 * time.Second
	defaultQueueSize     = 1024
)

// ProcessorStats holds counters of a Processor.
type ProcessorStats struct {
	// Added holds the number of operations accepted by Add.
	Added int64

	// Active holds the number of operations queued, buffered or being
	// flushed.
	Active int64

	// BulkRequests holds the number of bulk requests sent.
	BulkRequests int64

	// Indexed holds the number of operations applied successfully.
	Indexed int64

	// Failed holds the number of operations that failed, individually or
	// as part of a failed bulk request.
	Failed int64

	// TooManyRequests holds the number of operations rejected with 429.
	TooManyRequests int64
}

// Processor batches operations into bulk requests in the background.
//
// Processor fills a single bulk request at a time, until either it reaches
// FlushBytes or FlushActions, or FlushInterval elapses. It is then flushed in
// a new goroutine while the next request is filled. Up to MaxRequests of the
// Connection's bulk requests may be in flight concurrently.
type Processor struct {
	conn   *Connection
	config ProcessorConfig
	logger *zap.Logger

	items                 chan queuedOperation
	errgroup              errgroup.Group
	errgroupContext       context.Context
	cancelErrgroupContext context.CancelCauseFunc
	mu                    sync.Mutex
	closed                chan struct{}

	added           atomic.Int64
	active          atomic.Int64
	bulkRequests    atomic.Int64
	indexed         atomic.Int64
	failed          atomic.Int64
	tooManyRequests atomic.Int64
}

type queuedOperation struct {
	op   Operation
	body []byte
	link *linkedTraceContext
}

// NewProcessor returns a Processor sending bulk requests through c.
func (c *Connection) NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if cfg.FlushBytes < 0 || cfg.FlushActions < 0 || cfg.FlushInterval < 0 || cfg.QueueSize < 0 {
		return nil, errors.New("processor thresholds must not be negative")
	}
	if cfg.FlushBytes == 0 {
		cfg.FlushBytes = defaultFlushBytes
	}
	if cfg.FlushActions == 0 {
		cfg.FlushActions = defaultFlushActions
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	p := &Processor{
		conn:   c,
		config: cfg,
		logger: c.logger,
		items:  make(chan queuedOperation, cfg.QueueSize),
		closed: make(chan struct{}),
	}
	// We create a cancellable context for the errgroup.Group for unblocking
	// flushes when Close returns. We intentionally do not use errgroup.WithContext,
	// because one flush failure should not cause the context to be cancelled.
	p.errgroupContext, p.cancelErrgroupContext = context.WithCancelCause(
		context.Background(),
	)
	p.errgroup.Go(func() error {
		p.runActiveIndexer()
		return nil
	})
	return p, nil
}

// Add enqueues op. The source is encoded before Add returns, so encoding
// errors are reported synchronously and op.Source may be reused.
//
// Add blocks while the queue is full, until ctx is done or the Processor is
// closed.
func (p *Processor) Add(ctx context.Context, op Operation) error {
	op, body, err := encodeOperation(op)
	if err != nil {
		return err
	}
	if aliasesSource(op.Source) {
		body = bytes.Clone(body)
	}
	item := queuedOperation{op: op, body: body, link: linkFromContext(ctx)}
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrClosed
	case p.items <- item:
	}
	p.added.Add(1)
	p.active.Add(1)
	ms := p.conn.metrics
	ms.docsAdded.Add(context.Background(), 1, ms.attrs)
	ms.docsQueued.Add(context.Background(), 1, ms.attrs)
	return nil
}

// Stats returns a snapshot of the Processor's counters.
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Added:           p.added.Load(),
		Active:          p.active.Load(),
		BulkRequests:    p.bulkRequests.Load(),
		Indexed:         p.indexed.Load(),
		Failed:          p.failed.Load(),
		TooManyRequests: p.tooManyRequests.Load(),
	}
}

// Close closes the processor, first flushing any queued operations.
//
// Close returns an error if any flush attempts during the processor's
// lifetime returned an error. If ctx is cancelled, Close returns and
// any ongoing flush attempts are cancelled.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.closed:
		return p.errgroup.Wait()
	default:
	}
	close(p.closed)

	// Cancel ongoing flushes and pool.Get() when ctx is cancelled.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer p.cancelErrgroupContext(errors.New("cancelled by processor.close"))
		<-ctx.Done()
	}()
	return p.errgroup.Wait()
}

// runActiveIndexer pulls operations from the queue into the active bulk
// indexer, and hands full or expired indexers to flush goroutines.
func (p *Processor) runActiveIndexer() {
	var closed bool
	var active *BulkIndexer
	var links []linkedTraceContext
	linked := make(map[linkedTraceContext]struct{})
	flushTimer := time.NewTimer(p.config.FlushInterval)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}
	var firstDocTS time.Time
	handleItem := func(item queuedOperation) bool {
		ms := p.conn.metrics
		ms.docsQueued.Add(context.Background(), -1, ms.attrs)
		if active == nil {
			firstDocTS = time.Now()
			// Return early when the Close() context expires before get returns
			// an indexer. This could happen when all available bulk requests
			// are in flight.
			var err error
			active, err = p.conn.getIndexer(p.errgroupContext)
			if err != nil {
				p.logger.Warn("failed to get bulk indexer from pool", zap.Error(err))
				p.dropped(1)
				return false
			}
			flushTimer.Reset(p.config.FlushInterval)
		}
		if err := active.addEncoded(item.op, item.body); err != nil {
			p.logger.Error("failed to add operation to bulk indexer", zap.Error(err))
			p.dropped(1)
			return true
		}
		if item.link != nil {
			if _, ok := linked[*item.link]; !ok {
				linked[*item.link] = struct{}{}
				links = append(links, *item.link)
			}
		}
		return true
	}
	for !closed {
		select {
		case <-p.closed:
			// Consume whatever operations have been queued,
			// and then flush a last time below.
			for len(p.items) > 0 {
				select {
				case item := <-p.items:
					handleItem(item)
				default:
				}
			}
			closed = true
		case <-flushTimer.C:
		case item := <-p.items:
			if !handleItem(item) || active == nil {
				continue
			}
			if active.Len() < p.config.FlushBytes && active.Items() < p.config.FlushActions {
				continue
			}
			// The active indexer reached a threshold, so flush it.
			if !flushTimer.Stop() {
				<-flushTimer.C
			}
		}
		if active == nil {
			continue
		}
		indexer, indexerLinks := active, links
		active, links = nil, nil
		clear(linked)
		ms := p.conn.metrics
		ms.bufferDuration.Record(context.Background(), time.Since(firstDocTS).Seconds(), ms.attrs)
		p.errgroup.Go(func() error {
			defer p.conn.putIndexer(indexer)
			return p.flush(p.errgroupContext, indexer, indexerLinks)
		})
	}
}

func (p *Processor) flush(ctx context.Context, indexer *BulkIndexer, links []linkedTraceContext) error {
	n := indexer.Items()
	if n == 0 {
		return nil
	}
	defer p.bulkRequests.Add(1)

	logger := p.logger
	var tx *apm.Transaction
	if tracer := p.conn.config.Tracer; tracer != nil && tracer.Recording() {
		apmLinks := make([]apm.SpanLink, len(links))
		for i, link := range links {
			apmLinks[i] = link.APMLink()
		}
		tx = tracer.StartTransactionOptions("docadmin.flush", "output", apm.TransactionOptions{
			Links: apmLinks,
		})
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}

	otelLinks := make([]trace.Link, len(links))
	for i, link := range links {
		otelLinks[i] = link.OTELLink()
	}
	ctx, span := p.conn.tracer.Start(ctx, "docadmin.flush",
		trace.WithAttributes(attribute.Int("documents", n)),
		trace.WithLinks(otelLinks...),
	)
	defer span.End()
	if span.SpanContext().IsValid() {
		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	if p.config.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.FlushTimeout)
		defer cancel()
	}

	resp, err := p.conn.flush(ctx, indexer)
	if err != nil {
		p.active.Add(-int64(n))
		p.failed.Add(int64(n))
		var errFailed ErrorFlushFailed
		if errors.As(err, &errFailed) && errFailed.TooManyRequests() {
			p.tooManyRequests.Add(int64(n))
		}
		logger.Error("bulk request failed", zap.Int("documents", n), zap.Error(err))
		if tx != nil {
			tx.Outcome = "failure"
			apm.CaptureError(ctx, err).Send()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "bulk request failed")
		return err
	}

	// Failures are logged once per distinct index and error.
	type failureKey struct {
		index  string
		reason ItemError
	}
	var failedCount map[failureKey]int
	var indexed, failed, tooMany int64
	for _, item := range resp.Items {
		if p.config.OnResult != nil {
			p.config.OnResult(ctx, item)
		}
		if !item.Failed() {
			indexed++
			continue
		}
		failed++
		if item.Status == 429 {
			tooMany++
		}
		if failedCount == nil {
			failedCount = make(map[failureKey]int)
		}
		failedCount[failureKey{index: item.Index, reason: item.Error}]++
	}
	p.active.Add(-int64(len(resp.Items)))
	p.indexed.Add(indexed)
	p.failed.Add(failed)
	p.tooManyRequests.Add(tooMany)
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.index, key.reason.Type, key.reason.Reason,
		), zap.Int("documents", count))
	}
	if tx != nil {
		tx.Outcome = "success"
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d operations failed", failed, n))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	logger.Debug(
		"bulk request completed",
		zap.Int64("docs_indexed", indexed),
		zap.Int64("docs_failed", failed),
		zap.Int64("docs_rate_limited", tooMany),
	)
	return nil
}

// dropped accounts for operations that were accepted by Add but never sent.
func (p *Processor) dropped(n int64) {
	p.active.Add(-n)
	p.failed.Add(n)
}
