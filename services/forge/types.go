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
	"github.com/AleutianAI/AleutianForge/services/forge/apply"
	"github.com/AleutianAI/AleutianForge/services/forge/lock"
	"github.com/AleutianAI/AleutianForge/services/forge/plan"
	"github.com/AleutianAI/AleutianForge/services/forge/queue"
	"github.com/AleutianAI/AleutianForge/services/forge/validation"
)

// Tool names served by HandleToolCall.
const (
	ToolApplyEdit        = "workspace.apply_edit"
	ToolEnqueueOperation = "workspace.enqueue_operation"
	ToolCancelOperation  = "workspace.cancel_operation"
	ToolQueueStats       = "workspace.queue_stats"
	ToolReadFile         = "workspace.read_file"
)

// =============================================================================
// workspace.apply_edit
// =============================================================================

// ApplyEditRequest is the body of workspace.apply_edit.
type ApplyEditRequest struct {
	Plan    *plan.RefactorPlan `json:"plan"`
	Options ApplyOptions       `json:"options"`
}

// ApplyOptions controls one apply_edit call. ValidateChecksums and
// RollbackOnError default to true when omitted.
type ApplyOptions struct {
	DryRun            bool               `json:"dry_run"`
	ValidateChecksums *bool              `json:"validate_checksums,omitempty"`
	RollbackOnError   *bool              `json:"rollback_on_error,omitempty"`
	Validation        *validation.Config `json:"validation,omitempty"`
}

func (o ApplyOptions) checksumsEnabled() bool {
	return o.ValidateChecksums == nil || *o.ValidateChecksums
}

func (o ApplyOptions) rollbackEnabled() bool {
	return o.RollbackOnError == nil || *o.RollbackOnError
}

// ApplyResult is the content of a workspace.apply_edit response.
type ApplyResult struct {
	// Success is false when the plan applied but validation failed, or,
	// for a dry run, when the plan is stale.
	Success      bool     `json:"success"`
	AppliedFiles []string `json:"applied_files"`
	CreatedFiles []string `json:"created_files"`
	DeletedFiles []string `json:"deleted_files"`
	Warnings     []string `json:"warnings"`

	Validation *validation.Result `json:"validation,omitempty"`

	// RollbackAvailable is true when no validation step ran, or when the
	// Interactive policy left a git rollback to the caller.
	RollbackAvailable bool `json:"rollback_available"`

	// Preview is set for dry runs.
	Preview *apply.Preview `json:"preview,omitempty"`

	// StaleFiles lists checksum mismatches found during a dry run.
	StaleFiles []string `json:"stale_files,omitempty"`
}

// =============================================================================
// Queue tools
// =============================================================================

// OperationSpec describes one queued simple operation.
type OperationSpec struct {
	// Operation is create_directory, create_file, write_file, delete_file
	// or rename_file. The short queue names are accepted too.
	Operation string  `json:"operation" validate:"required"`
	Path      string  `json:"path" validate:"required"`
	Content   *string `json:"content,omitempty"`
	NewPath   string  `json:"new_path,omitempty"`

	// Priority overrides the operation type's rank.
	Priority *int `json:"priority,omitempty" validate:"omitempty,gte=0"`
}

// EnqueueRequest is the body of workspace.enqueue_operation. Either the
// inline single operation or Operations is set; Operations are enqueued
// all-or-nothing.
type EnqueueRequest struct {
	OperationSpec
	Operations []OperationSpec `json:"operations,omitempty"`
}

// EnqueueResponse carries the IDs in request order.
type EnqueueResponse struct {
	OperationIDs []string `json:"operation_ids"`
	QueueSize    int      `json:"queue_size"`
}

// CancelRequest is the body of workspace.cancel_operation.
type CancelRequest struct {
	OperationID string `json:"operation_id" validate:"required"`
}

// CancelResponse reports whether a pending operation was removed. False is
// not an error: the id was unknown or already started.
type CancelResponse struct {
	OperationID string `json:"operation_id"`
	Cancelled   bool   `json:"cancelled"`
}

// QueueStatsResponse is the content of workspace.queue_stats.
type QueueStatsResponse struct {
	queue.Stats
	Idle    bool                     `json:"idle"`
	Pending []queue.PendingOperation `json:"pending"`
	Locks   lock.Stats               `json:"locks"`
}

// =============================================================================
// workspace.read_file
// =============================================================================

// ReadFileRequest is the body of workspace.read_file.
type ReadFileRequest struct {
	Path string `json:"path" validate:"required"`
}

// ReadFileResponse returns the content and its checksum, ready to be put
// in a plan's file_checksums.
type ReadFileResponse struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Checksum string `json:"checksum"`
	Size     int    `json:"size"`
}

// =============================================================================
// Transport
// =============================================================================

// ToolResponse wraps a successful tool result.
type ToolResponse struct {
	Content any `json:"content"`
}

// ErrorResponse is the HTTP error body.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Code       string   `json:"code,omitempty"`
	StaleFiles []string `json:"stale_files,omitempty"`
}

// HealthResponse is the body of GET /v1/forge/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Root      string `json:"root"`
	QueueSize int    `json:"queue_size"`
	Locks     int    `json:"locks"`
}
