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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrQueueFull is returned when the queue holds MaxQueueSize operations.
	ErrQueueFull = errors.New("operation queue full")

	// ErrReadNotQueued is returned for Read operations, which bypass the queue.
	ErrReadNotQueued = errors.New("read operations are not queued")

	// ErrInvalidOperation is returned for malformed operations.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrOperationTimeout marks an operation that waited longer than
	// OperationTimeout before the worker reached it.
	ErrOperationTimeout = errors.New("operation timed out in queue")

	// ErrMissingParameter is returned when a required parameter is absent.
	ErrMissingParameter = errors.New("missing parameter")

	// ErrUnsupportedOperation is returned for types the worker cannot execute.
	ErrUnsupportedOperation = errors.New("unsupported operation type in worker")

	// ErrTransactionClosed is returned when using a committed or rolled
	// back transaction.
	ErrTransactionClosed = errors.New("transaction already closed")

	// ErrQueueStopped is returned by Start and Enqueue once Stop has run.
	ErrQueueStopped = errors.New("operation queue stopped")
)

// =============================================================================
// Operation types
// =============================================================================

// OperationType is the kind of a queued file operation.
type OperationType string

const (
	OpRefactor   OperationType = "refactor"
	OpRename     OperationType = "rename"
	OpDelete     OperationType = "delete"
	OpCreateDir  OperationType = "create_dir"
	OpCreateFile OperationType = "create_file"
	OpWrite      OperationType = "write"
	OpRead       OperationType = "read"
	OpFormat     OperationType = "format"
)

// Priority returns the fixed rank of the type. Lower is served sooner.
func (t OperationType) Priority() int {
	switch t {
	case OpRefactor:
		return 1
	case OpRename:
		return 2
	case OpDelete:
		return 3
	case OpCreateDir, OpCreateFile, OpWrite, OpRead:
		return 5
	case OpFormat:
		return 10
	default:
		return 5
	}
}

// Valid reports whether t is one of the known operation types.
func (t OperationType) Valid() bool {
	switch t {
	case OpRefactor, OpRename, OpDelete, OpCreateDir, OpCreateFile, OpWrite, OpRead, OpFormat:
		return true
	}
	return false
}

// ParseOperationType maps a type name or tool operation name to an
// OperationType.
//
// Accepts the type names ("write", "rename", ...) and the tool operation
// names ("write_file", "rename_file", "create_directory", ...).
func ParseOperationType(name string) (OperationType, error) {
	switch name {
	case "refactor":
		return OpRefactor, nil
	case "rename", "rename_file", "rename_directory":
		return OpRename, nil
	case "delete", "delete_file":
		return OpDelete, nil
	case "create_dir", "create_directory":
		return OpCreateDir, nil
	case "create_file":
		return OpCreateFile, nil
	case "write", "write_file":
		return OpWrite, nil
	case "read", "read_file":
		return OpRead, nil
	case "format":
		return OpFormat, nil
	}
	return "", fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, name)
}

// =============================================================================
// FileOperation
// =============================================================================

// FileOperation is one unit of work for the queue.
type FileOperation struct {
	// ID is assigned by NewOperation (uuid) or by Enqueue when empty.
	ID string `json:"id"`

	// ToolName is the tool that produced the operation, for diagnostics.
	ToolName string `json:"tool_name"`

	// Type is the operation kind.
	Type OperationType `json:"type"`

	// Path is the target path, absolute or relative to the workspace root.
	Path string `json:"path"`

	// Params holds type-specific arguments ("content", "new_path").
	Params map[string]any `json:"params,omitempty"`

	// Priority defaults to Type.Priority(). Lower is served sooner.
	Priority int `json:"priority"`

	// EnqueuedAt is set by the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`

	seq   uint64
	index int
	// target is the canonical path used as the lock key.
	target string
}

// NewOperation creates an operation with a fresh ID and the type's default
// priority.
func NewOperation(toolName string, opType OperationType, path string, params map[string]any) *FileOperation {
	if params == nil {
		params = make(map[string]any)
	}
	return &FileOperation{
		ID:       uuid.New().String(),
		ToolName: toolName,
		Type:     opType,
		Path:     path,
		Params:   params,
		Priority: opType.Priority(),
	}
}

// WithPriority overrides the default priority.
func (op *FileOperation) WithPriority(priority int) *FileOperation {
	op.Priority = priority
	return op
}

// Target returns the canonical path the operation is locked on. Empty until
// the operation has been enqueued.
func (op *FileOperation) Target() string {
	return op.target
}

// StringParam returns a string parameter and whether it was present.
func (op *FileOperation) StringParam(key string) (string, bool) {
	v, ok := op.Params[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// =============================================================================
// Snapshots and results
// =============================================================================

// PendingOperation is a snapshot entry returned by Queue.Pending.
type PendingOperation struct {
	ID       string        `json:"id"`
	ToolName string        `json:"tool_name"`
	Type     OperationType `json:"type"`
	Path     string        `json:"path"`
	Priority int           `json:"priority"`
	Age      time.Duration `json:"-"`
	AgeMs    int64         `json:"age_ms"`
}

// Stats summarizes the queue's lifetime activity.
type Stats struct {
	Total         int64   `json:"total_operations"`
	Pending       int     `json:"pending_operations"`
	Completed     int64   `json:"completed_operations"`
	Failed        int64   `json:"failed_operations"`
	Cancelled     int64   `json:"cancelled_operations"`
	AverageWaitMs float64 `json:"average_wait_time_ms"`
	MaxWaitMs     float64 `json:"max_wait_time_ms"`
}

// Result reports the outcome of one executed operation.
type Result struct {
	Operation *FileOperation
	Err       error
	Wait      time.Duration
	Duration  time.Duration
}

// Executor performs a single operation. The queue calls it with the
// operation's write lock held.
type Executor interface {
	Execute(ctx context.Context, op *FileOperation) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, op *FileOperation) error

// Execute calls f(ctx, op).
func (f ExecutorFunc) Execute(ctx context.Context, op *FileOperation) error {
	return f(ctx, op)
}
