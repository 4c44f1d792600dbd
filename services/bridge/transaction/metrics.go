// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("codebridge.transaction")
	meter  = otel.Meter("codebridge.transaction")

	metricsOnce sync.Once

	txnBeginTotal    metric.Int64Counter
	txnCommitTotal   metric.Int64Counter
	txnRollbackTotal metric.Int64Counter
	txnExpiredTotal  metric.Int64Counter
	txnDuration      metric.Float64Histogram
	txnFilesModified metric.Int64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		var err error
		txnBeginTotal, err = meter.Int64Counter("transaction_begin_total",
			metric.WithDescription("Transactions started"))
		if err != nil {
			txnBeginTotal = nil
		}
		txnCommitTotal, err = meter.Int64Counter("transaction_commit_total",
			metric.WithDescription("Transactions committed"))
		if err != nil {
			txnCommitTotal = nil
		}
		txnRollbackTotal, err = meter.Int64Counter("transaction_rollback_total",
			metric.WithDescription("Rollbacks performed"))
		if err != nil {
			txnRollbackTotal = nil
		}
		txnExpiredTotal, err = meter.Int64Counter("transaction_expired_total",
			metric.WithDescription("Transactions rolled back after TTL expiry"))
		if err != nil {
			txnExpiredTotal = nil
		}
		txnDuration, err = meter.Float64Histogram("transaction_duration_seconds",
			metric.WithDescription("Begin-to-commit latency"),
			metric.WithUnit("s"))
		if err != nil {
			txnDuration = nil
		}
		txnFilesModified, err = meter.Int64Histogram("transaction_files_modified",
			metric.WithDescription("Files modified per committed transaction"))
		if err != nil {
			txnFilesModified = nil
		}
	})
}

func recordBegin(ctx context.Context) {
	initMetrics()
	if txnBeginTotal != nil {
		txnBeginTotal.Add(ctx, 1)
	}
}

func recordCommit(ctx context.Context, duration time.Duration, files int) {
	initMetrics()
	if txnCommitTotal != nil {
		txnCommitTotal.Add(ctx, 1)
	}
	if txnDuration != nil {
		txnDuration.Record(ctx, duration.Seconds())
	}
	if txnFilesModified != nil {
		txnFilesModified.Record(ctx, int64(files))
	}
}

func recordRollback(ctx context.Context, files int) {
	initMetrics()
	if txnRollbackTotal != nil {
		txnRollbackTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.Int("files", files)))
	}
}

func recordExpired(ctx context.Context) {
	initMetrics()
	if txnExpiredTotal != nil {
		txnExpiredTotal.Add(ctx, 1)
	}
}
