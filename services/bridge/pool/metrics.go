// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("codebridge.pool")

var (
	leaseTotal    metric.Int64Counter
	leaseWait     metric.Float64Histogram
	activeGauge   metric.Int64UpDownCounter
	reclaimsTotal metric.Int64Counter

	metricsOnce sync.Once
)

func initMetrics() {
	metricsOnce.Do(func() {
		leaseTotal, _ = meter.Int64Counter(
			"pool_lease_total",
			metric.WithDescription("Total lease attempts by language and status"),
		)
		leaseWait, _ = meter.Float64Histogram(
			"pool_lease_wait_seconds",
			metric.WithDescription("Time spent acquiring a lease"),
			metric.WithUnit("s"),
		)
		activeGauge, _ = meter.Int64UpDownCounter(
			"pool_active_processes",
			metric.WithDescription("Analyzer processes currently pooled"),
		)
		reclaimsTotal, _ = meter.Int64Counter(
			"pool_reclaims_total",
			metric.WithDescription("Processes reclaimed by the idle sweeper"),
		)
	})
}

func recordLease(ctx context.Context, language, status string, wait time.Duration) {
	initMetrics()
	attrs := metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("status", status),
	)
	if leaseTotal != nil {
		leaseTotal.Add(ctx, 1, attrs)
	}
	if leaseWait != nil {
		leaseWait.Record(ctx, wait.Seconds(), attrs)
	}
}

func recordPoolSize(ctx context.Context, language string, delta int64) {
	initMetrics()
	if activeGauge != nil {
		activeGauge.Add(ctx, delta, metric.WithAttributes(attribute.String("language", language)))
	}
}

func recordReclaim(ctx context.Context, language string, dead bool) {
	initMetrics()
	if reclaimsTotal != nil {
		reclaimsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("dead", strconv.FormatBool(dead)),
		))
	}
}
