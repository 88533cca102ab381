// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// =============================================================================
// Tracing
// =============================================================================

type tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

func newTracer(logger *slog.Logger, enabled bool) *tracer {
	return &tracer{
		tracer:  otel.Tracer("aleutian.forge.validation"),
		logger:  logger,
		enabled: enabled,
	}
}

func (t *tracer) startRun(ctx context.Context, cfg Config) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	ctx, span := t.tracer.Start(ctx, "forge.validation.run",
		trace.WithAttributes(
			attribute.String("validation.command", truncate(cfg.Command, 256)),
			attribute.String("validation.on_failure", string(cfg.OnFailure)),
			attribute.Int("validation.timeout_seconds", cfg.TimeoutSeconds),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	t.logger.DebugContext(ctx, "starting validation", slog.String("command", cfg.Command))
	return ctx, span
}

func (t *tracer) endRun(span trace.Span, res *Result, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if res == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetAttributes(
		attribute.Bool("validation.passed", res.Passed),
		attribute.Int("validation.exit_code", res.ExitCode),
		attribute.String("validation.action", res.Action),
	)
	if res.Passed {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "validation failed")
	}
}

func loggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// =============================================================================
// Metrics
// =============================================================================

var meter = otel.Meter("aleutian.forge.validation")

var (
	runTotal      metric.Int64Counter
	runDuration   metric.Float64Histogram
	rollbackTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runTotal, err = meter.Int64Counter(
			"forge_validation_runs_total",
			metric.WithDescription("Total number of post-apply validation runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runDuration, err = meter.Float64Histogram(
			"forge_validation_duration_seconds",
			metric.WithDescription("Duration of validation runs in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"forge_validation_git_rollback_total",
			metric.WithDescription("Total number of git rollbacks after failed validation"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRun(ctx context.Context, action FailureAction, duration time.Duration, res *Result, runErr error) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	status := "passed"
	switch {
	case errors.Is(runErr, ErrValidationExecution):
		status = "execution_error"
	case runErr != nil:
		status = "rejected"
	case res != nil && !res.Passed:
		status = "failed"
	}

	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("on_failure", string(action)),
	)
	runTotal.Add(ctx, 1, attrs)
	runDuration.Record(ctx, duration.Seconds(), attrs)
}

func recordRollback(ctx context.Context, rollbackErr error) {
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
	rollbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
