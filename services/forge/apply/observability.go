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
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/AleutianForge/services/forge/plan"
)

const applyTracerName = "aleutian.forge.apply"

// Tracer provides OpenTelemetry spans for the apply pipeline.
//
// # Description
//
// When disabled every Start method returns a noop span, so callers never
// branch on whether tracing is on.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates an apply tracer.
//
// # Inputs
//
//   - logger: Logger for span debug logs. Uses slog.Default() if nil.
//   - enabled: When false, noop spans are returned.
//
// # Outputs
//
//   - *Tracer: Ready-to-use tracer.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(applyTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartApply starts a span for one Apply call.
//
// # Inputs
//
//   - ctx: Parent context.
//   - ep: The plan being applied.
//   - dryRun: Whether this is a preview.
//
// # Outputs
//
//   - context.Context: Context carrying the span.
//   - trace.Span: Caller must pass it to EndApply.
func (t *Tracer) StartApply(ctx context.Context, ep *plan.EditPlan, dryRun bool) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "forge.apply",
		trace.WithAttributes(
			attribute.String("apply.intent", ep.Metadata.IntentName),
			attribute.String("apply.source_file", truncateForTrace(ep.SourceFile, 256)),
			attribute.Int("apply.edit_count", len(ep.Edits)),
			attribute.Int("apply.dependency_updates", len(ep.DependencyUpdates)),
			attribute.Bool("apply.dry_run", dryRun),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "starting apply",
		slog.Int("edits", len(ep.Edits)),
		slog.Bool("dry_run", dryRun),
	)

	return ctx, span
}

// EndApply completes an apply span.
//
// # Inputs
//
//   - span: The span to end.
//   - result: The apply result (may be nil on error).
//   - err: Error if the apply failed.
func (t *Tracer) EndApply(span trace.Span, result *plan.EditPlanResult, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetStatus(codes.Ok, "")
	if result != nil {
		span.SetAttributes(
			attribute.Int("apply.modified_files", len(result.ModifiedFiles)),
			attribute.Int("apply.created_files", len(result.CreatedFiles)),
			attribute.Int("apply.deleted_files", len(result.DeletedFiles)),
		)
	}
}

// StartRollback starts a span for restoring a snapshot set.
func (t *Tracer) StartRollback(ctx context.Context, entries int, reason string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "forge.apply.rollback",
		trace.WithAttributes(
			attribute.Int("rollback.entries", entries),
			attribute.String("rollback.reason", truncateForTrace(reason, 128)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "starting rollback",
		slog.Int("entries", entries),
		slog.String("reason", reason),
	)

	return ctx, span
}

// EndRollback completes a rollback span.
func (t *Tracer) EndRollback(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// truncateForTrace shortens s to maxLen, marking the cut with "...".
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// LoggerWithTrace returns logger extended with the trace_id and span_id
// found in ctx, or logger itself when ctx carries no valid span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
