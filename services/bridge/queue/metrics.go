// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("codebridge.queue")
	meter  = otel.Meter("codebridge.queue")
)

var (
	enqueueTotal metric.Int64Counter
	depthGauge   metric.Int64Gauge
	waitHist     metric.Float64Histogram
	execHist     metric.Float64Histogram

	metricsOnce sync.Once
)

func initMetrics() {
	metricsOnce.Do(func() {
		enqueueTotal, _ = meter.Int64Counter(
			"queue_enqueue_total",
			metric.WithDescription("Operations submitted by tool, priority, and admission status"),
		)
		depthGauge, _ = meter.Int64Gauge(
			"queue_depth",
			metric.WithDescription("Operations waiting in the queue"),
		)
		waitHist, _ = meter.Float64Histogram(
			"queue_wait_seconds",
			metric.WithDescription("Time operations spent queued before execution"),
			metric.WithUnit("s"),
		)
		execHist, _ = meter.Float64Histogram(
			"queue_execution_seconds",
			metric.WithDescription("Handler execution time"),
			metric.WithUnit("s"),
		)
	})
}

func recordEnqueue(ctx context.Context, tool string, priority int, status string) {
	initMetrics()
	if enqueueTotal != nil {
		enqueueTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.Int("priority", priority),
			attribute.String("status", status),
		))
	}
}

func recordDepth(ctx context.Context, depth int) {
	initMetrics()
	if depthGauge != nil {
		depthGauge.Record(ctx, int64(depth))
	}
}

func recordWait(ctx context.Context, tool string, wait time.Duration) {
	initMetrics()
	if waitHist != nil {
		waitHist.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
	}
}

func recordExecution(ctx context.Context, tool string, d time.Duration, err error) {
	initMetrics()
	status := "ok"
	if err != nil {
		status = "error"
	}
	if execHist != nil {
		execHist.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		))
	}
}
