// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for apply metrics.
var meter = otel.Meter("aleutian.forge.apply")

var (
	applyTotal    metric.Int64Counter
	applyDuration metric.Float64Histogram
	filesTouched  metric.Int64Histogram
	rollbackTotal metric.Int64Counter
	conflictTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		applyTotal, err = meter.Int64Counter(
			"forge_apply_total",
			metric.WithDescription("Total number of edit plan apply calls"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		applyDuration, err = meter.Float64Histogram(
			"forge_apply_duration_seconds",
			metric.WithDescription("Duration of edit plan apply calls in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesTouched, err = meter.Int64Histogram(
			"forge_apply_files_touched",
			metric.WithDescription("Number of files modified, created or deleted per apply"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"forge_apply_rollback_total",
			metric.WithDescription("Total number of snapshot restorations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		conflictTotal, err = meter.Int64Counter(
			"forge_apply_conflict_total",
			metric.WithDescription("Total number of edit conflicts detected"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordApply records one apply call.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - duration: Wall time of the call.
//   - files: Number of files touched.
//   - dryRun: Whether the call was a preview.
//   - applyErr: The call's error, or nil.
func recordApply(ctx context.Context, duration time.Duration, files int, dryRun bool, applyErr error) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	status := "success"
	switch {
	case errors.Is(applyErr, ErrEditConflict):
		status = "conflict"
		conflictTotal.Add(ctx, 1)
	case applyErr != nil:
		status = "error"
	}

	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("dry_run", dryRun),
	)

	applyTotal.Add(ctx, 1, attrs)
	applyDuration.Record(ctx, duration.Seconds(), attrs)
	if applyErr == nil {
		filesTouched.Record(ctx, int64(files), attrs)
	}
}

// recordRollback records a snapshot restoration.
func recordRollback(ctx context.Context, reason string, rollbackErr error) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	status := "success"
	if rollbackErr != nil {
		status = "error"
	}
	rollbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", normalizeRollbackReason(reason)),
		attribute.String("status", status),
	))
}

// normalizeRollbackReason normalizes rollback reasons to a bounded set.
func normalizeRollbackReason(reason string) string {
	switch reason {
	case reasonConflict, reasonIO, reasonRequested:
		return reason
	default:
		return "other"
	}
}
