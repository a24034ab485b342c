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
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/elastic/go-docadmin"

type metrics struct {
	requestDuration       metric.Float64Histogram
	bufferDuration        metric.Float64Histogram
	requests              metric.Int64Counter
	bytesTotal            metric.Int64Counter
	bytesUncompressed     metric.Int64Counter
	docsAdded             metric.Int64Counter
	docsQueued            metric.Int64UpDownCounter
	availableBulkRequests metric.Int64UpDownCounter

	// attributes for the docsProcessed metric
	docsIndexed      atomic.Int64
	docsFailedClient atomic.Int64
	docsFailedServer atomic.Int64
	tooManyRequests  atomic.Int64

	attrs metric.MeasurementOption
}

type histogramMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Float64Histogram
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

type upDownCounterMetric struct {
	name        string
	description string
	p           *metric.Int64UpDownCounter
}

func newMetrics(cfg Config) (*metrics, metric.Registration, error) {
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	meter := cfg.MeterProvider.Meter(meterName)
	ms := &metrics{attrs: metric.WithAttributeSet(cfg.MetricAttributes)}
	histograms := []histogramMetric{
		{
			name:        "elasticsearch.request.latency",
			description: "The amount of time a request to Elasticsearch took, in seconds.",
			unit:        "s",
			p:           &ms.requestDuration,
		},
		{
			name:        "elasticsearch.buffer.latency",
			description: "The amount of time a document was buffered for, in seconds.",
			unit:        "s",
			p:           &ms.bufferDuration,
		},
	}
	for _, m := range histograms {
		if err := newFloat64Histogram(meter, m); err != nil {
			return ms, nil, err
		}
	}

	counters := []counterMetric{
		{
			name:        "elasticsearch.requests.count",
			description: "The number of requests completed, by operation and outcome.",
			p:           &ms.requests,
		},
		{
			name:        "elasticsearch.flushed.bytes",
			description: "The total number of bytes written to bulk request bodies",
			unit:        "by",
			p:           &ms.bytesTotal,
		},
		{
			name:        "elasticsearch.flushed.uncompressed.bytes",
			description: "The total number of uncompressed bytes written to bulk request bodies",
			unit:        "by",
			p:           &ms.bytesUncompressed,
		},
		{
			name:        "elasticsearch.events.count",
			description: "Number of bulk operations added to a processor",
			p:           &ms.docsAdded,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return ms, nil, err
		}
	}

	upDownCounters := []upDownCounterMetric{
		{
			name:        "elasticsearch.events.queued",
			description: "The number of bulk operations waiting in a processor's queue.",
			p:           &ms.docsQueued,
		},
		{
			name:        "elasticsearch.bulk_requests.available",
			description: "The number of bulk indexers available for making bulk requests.",
			p:           &ms.availableBulkRequests,
		},
	}
	for _, m := range upDownCounters {
		if err := newInt64UpDownCounter(meter, m); err != nil {
			return ms, nil, err
		}
	}

	docsProcessed, err := meter.Int64ObservableCounter(
		"elasticsearch.events.processed",
		metric.WithUnit("1"),
		metric.WithDescription("Number of bulk operations processed by Elasticsearch, by status."),
	)
	if err != nil {
		return ms, nil, fmt.Errorf("elasticsearch: failed to create metric for processed events: %w", err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(docsProcessed, ms.docsIndexed.Load(), ms.attrs,
			metric.WithAttributes(attribute.String("status", "Success")))
		obs.ObserveInt64(docsProcessed, ms.docsFailedClient.Load(), ms.attrs,
			metric.WithAttributes(attribute.String("status", "FailedClient")))
		obs.ObserveInt64(docsProcessed, ms.docsFailedServer.Load(), ms.attrs,
			metric.WithAttributes(attribute.String("status", "FailedServer")))
		obs.ObserveInt64(docsProcessed, ms.tooManyRequests.Load(), ms.attrs,
			metric.WithAttributes(attribute.String("status", "TooMany")))
		return nil
	}, docsProcessed)
	if err != nil {
		return ms, nil, fmt.Errorf("elasticsearch: failed to register metric callback: %w", err)
	}
	return ms, reg, nil
}

// recordRequest records the outcome and latency of a single request.
func (m *metrics) recordRequest(op, outcome string, seconds float64) {
	opAttr := metric.WithAttributes(attribute.String("operation", op))
	m.requests.Add(context.Background(), 1, m.attrs, opAttr,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	m.requestDuration.Record(context.Background(), seconds, m.attrs, opAttr)
}

// recordBulk accumulates per item outcomes of a bulk response.
func (m *metrics) recordBulk(resp BulkResponse) {
	var indexed, client, server, tooMany int64
	for _, item := range resp.Items {
		switch {
		case !item.Failed():
			indexed++
		case item.Status == 429:
			tooMany++
		case item.Status >= 500:
			server++
		default:
			client++
		}
	}
	m.docsIndexed.Add(indexed)
	m.docsFailedClient.Add(client)
	m.docsFailedServer.Add(server)
	m.tooManyRequests.Add(tooMany)
}

func newInt64Counter(meter metric.Meter, c counterMetric) error {
	unit := c.unit
	if unit == "" {
		unit = "1"
	}
	m, err := meter.Int64Counter(
		c.name,
		metric.WithUnit(unit),
		metric.WithDescription(c.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", c.name, err,
		)
	}
	*c.p = m
	return nil
}

func newInt64UpDownCounter(meter metric.Meter, c upDownCounterMetric) error {
	m, err := meter.Int64UpDownCounter(
		c.name,
		metric.WithUnit("1"),
		metric.WithDescription(c.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", c.name, err,
		)
	}
	*c.p = m
	return nil
}

func newFloat64Histogram(meter metric.Meter, h histogramMetric) error {
	m, err := meter.Float64Histogram(
		h.name,
		metric.WithUnit(h.unit),
		metric.WithDescription(h.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", h.name, err,
		)
	}
	*h.p = m
	return nil
}
