// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// HandleToolCall dispatches one named tool call.
//
// # Description
//
// Decodes args into the tool's request type, runs it, and returns the
// tool's response value. Empty args are accepted for tools without
// arguments.
//
// # Inputs
//
//   - ctx: Cancels blocking tools (apply_edit before mutation, read_file
//     while waiting for its lock).
//   - name: One of the Tool* constants.
//   - args: The tool's JSON arguments.
//
// # Outputs
//
//   - any: *ApplyResult, *EnqueueResponse, *CancelResponse,
//     *QueueStatsResponse or *ReadFileResponse.
//   - error: ErrUnknownTool, ErrInvalidRequest or the tool's error.
//     Classify with ErrorCode.
func (e *Engine) HandleToolCall(ctx context.Context, name string, args json.RawMessage) (result any, err error) {
	start := time.Now()
	defer func() { recordToolCall(name, start, err) }()

	switch name {
	case ToolApplyEdit:
		var req ApplyEditRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return e.ApplyEdit(ctx, &req)

	case ToolEnqueueOperation:
		var req EnqueueRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return e.Enqueue(&req)

	case ToolCancelOperation:
		var req CancelRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		if err := requestValidate.Struct(req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return e.Cancel(req.OperationID), nil

	case ToolQueueStats:
		return e.QueueStats(), nil

	case ToolReadFile:
		var req ReadFileRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return e.ReadFile(ctx, req.Path)
	}

	e.logger.Warn("unknown tool", slog.String("tool", name))
	return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
}

// Tools lists the tool names HandleToolCall serves.
func Tools() []string {
	return []string{ToolApplyEdit, ToolEnqueueOperation, ToolCancelOperation, ToolQueueStats, ToolReadFile}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: arguments: %v", ErrInvalidRequest, err)
	}
	return nil
}

func recordToolCall(name string, start time.Time, err error) {
	code := "OK"
	if err != nil {
		code = ErrorCode(err)
	}
	label := metricToolName(name)
	toolCallsTotal.WithLabelValues(label, code).Inc()
	toolCallSeconds.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

// metricToolName bounds the label cardinality of client-supplied names.
func metricToolName(name string) string {
	for _, t := range Tools() {
		if t == name {
			return name
		}
	}
	return "unknown"
}
