// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for analyzer operations.
var (
	tracer = otel.Tracer("codebridge.lsp")
	meter  = otel.Meter("codebridge.lsp")
)

// Metric instruments.
var (
	callDuration metric.Float64Histogram
	callTotal    metric.Int64Counter
	spawnTotal   metric.Int64Counter
	crashTotal   metric.Int64Counter
	replayTotal  metric.Int64Counter

	metricsOnce sync.Once
)

// initMetrics initializes instruments once. Instrument creation errors are
// swallowed; recording against a nil instrument is skipped.
func initMetrics() {
	metricsOnce.Do(func() {
		callDuration, _ = meter.Float64Histogram(
			"lsp_call_duration_seconds",
			metric.WithDescription("Analyzer call latency by language and method"),
			metric.WithUnit("s"),
		)
		callTotal, _ = meter.Int64Counter(
			"lsp_call_total",
			metric.WithDescription("Total analyzer calls by language, method, and status"),
		)
		spawnTotal, _ = meter.Int64Counter(
			"lsp_server_spawns_total",
			metric.WithDescription("Total analyzer process spawns, including restarts"),
		)
		crashTotal, _ = meter.Int64Counter(
			"lsp_server_crashes_total",
			metric.WithDescription("Total analyzer process crashes"),
		)
		replayTotal, _ = meter.Int64Counter(
			"lsp_call_replays_total",
			metric.WithDescription("Total calls replayed after an analyzer restart"),
		)
	})
}

func recordCall(ctx context.Context, language, method string, d time.Duration, err error) {
	initMetrics()
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("method", method),
		attribute.String("status", status),
	)
	if callDuration != nil {
		callDuration.Record(ctx, d.Seconds(), attrs)
	}
	if callTotal != nil {
		callTotal.Add(ctx, 1, attrs)
	}
}

func recordServerSpawn(ctx context.Context, language string) {
	initMetrics()
	if spawnTotal != nil {
		spawnTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("language", language)))
	}
}

func recordServerCrash(ctx context.Context, language string) {
	initMetrics()
	if crashTotal != nil {
		crashTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("language", language)))
	}
}

func recordCallReplay(ctx context.Context, language, method string) {
	initMetrics()
	if replayTotal != nil {
		replayTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("method", method),
		))
	}
}
