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
	"context"
	"errors"
	"io/fs"
	"net/http"

	pathval "github.com/AleutianAI/AleutianForge/pkg/validation"
	"github.com/AleutianAI/AleutianForge/services/forge/apply"
	"github.com/AleutianAI/AleutianForge/services/forge/checksum"
	"github.com/AleutianAI/AleutianForge/services/forge/lock"
	"github.com/AleutianAI/AleutianForge/services/forge/plan"
	"github.com/AleutianAI/AleutianForge/services/forge/queue"
	"github.com/AleutianAI/AleutianForge/services/forge/validation"
)

// Sentinel errors for the forge engine.
var (
	// ErrUnknownTool is returned by HandleToolCall for an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidRequest indicates malformed tool arguments.
	ErrInvalidRequest = errors.New("invalid request")
)

// Tool error codes. Each maps to one HTTP status in HTTPStatus.
const (
	CodeStaleInput             = "STALE_INPUT"
	CodeEditConflict           = "EDIT_CONFLICT"
	CodeIOFailure              = "IO_FAILURE"
	CodeValidationExecution    = "VALIDATION_EXECUTION_FAILED"
	CodeNotGitRepository       = "NOT_GIT_REPOSITORY"
	CodeGitOperationInProgress = "GIT_OPERATION_IN_PROGRESS"
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodePathOutsideWorkspace   = "PATH_OUTSIDE_WORKSPACE"
	CodeQueueFull              = "QUEUE_FULL"
	CodeNotFound               = "NOT_FOUND"
	CodeUnknownTool            = "UNKNOWN_TOOL"
	CodeUnavailable            = "UNAVAILABLE"
	CodeCancelled              = "CANCELLED"
	CodeInternal               = "INTERNAL_ERROR"
)

// ErrorCode classifies err into a tool error code.
//
// The order matters: ErrIO wraps the underlying os error, so a missing
// file is checked before the generic I/O class.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, checksum.ErrStaleInput):
		return CodeStaleInput
	case errors.Is(err, apply.ErrEditConflict):
		return CodeEditConflict
	case errors.Is(err, pathval.ErrPathOutsideRoot):
		return CodePathOutsideWorkspace
	case errors.Is(err, validation.ErrNotGitRepository):
		return CodeNotGitRepository
	case errors.Is(err, validation.ErrGitOperationInProgress):
		return CodeGitOperationInProgress
	case errors.Is(err, validation.ErrValidationExecution):
		return CodeValidationExecution
	case errors.Is(err, queue.ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, ErrUnknownTool):
		return CodeUnknownTool
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, plan.ErrInvalidPlan),
		errors.Is(err, plan.ErrUnsupportedURI),
		errors.Is(err, apply.ErrInvalidEdit),
		errors.Is(err, validation.ErrInvalidConfig),
		errors.Is(err, queue.ErrInvalidOperation),
		errors.Is(err, queue.ErrMissingParameter),
		errors.Is(err, queue.ErrReadNotQueued),
		errors.Is(err, pathval.ErrEmptyPath),
		errors.Is(err, pathval.ErrInvalidCommand):
		return CodeInvalidRequest
	case errors.Is(err, fs.ErrNotExist):
		return CodeNotFound
	case errors.Is(err, apply.ErrIO):
		return CodeIOFailure
	case errors.Is(err, lock.ErrManagerClosed), errors.Is(err, queue.ErrQueueStopped):
		return CodeUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodeInternal
	}
}

// HTTPStatus returns the HTTP status for a tool error code.
func HTTPStatus(code string) int {
	switch code {
	case CodeStaleInput, CodeEditConflict:
		return http.StatusConflict
	case CodeNotGitRepository, CodeGitOperationInProgress:
		return http.StatusPreconditionFailed
	case CodeInvalidRequest, CodePathOutsideWorkspace:
		return http.StatusBadRequest
	case CodeNotFound, CodeUnknownTool:
		return http.StatusNotFound
	case CodeQueueFull, CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ToolError is the error payload of a failed tool call.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"error"`

	// StaleFiles names the mismatched files of a STALE_INPUT error.
	StaleFiles []string `json:"stale_files,omitempty"`
}

// NewToolError converts err into a ToolError.
func NewToolError(err error) *ToolError {
	te := &ToolError{Code: ErrorCode(err), Message: err.Error()}
	var stale *checksum.StaleInputError
	if errors.As(err, &stale) {
		te.StaleFiles = stale.Paths()
	}
	return te
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}
