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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers contains the HTTP handlers for the forge engine.
type Handlers struct {
	engine *Engine
}

// NewHandlers creates handlers for the given engine.
func NewHandlers(engine *Engine) *Handlers {
	return &Handlers{engine: engine}
}

// HandleApplyEdit handles POST /v1/forge/apply_edit.
//
// Description:
//
//	Applies a refactor plan atomically, or previews it with
//	options.dry_run. A plan that applied but failed validation returns 200
//	with success=false.
//
// Request Body:
//
//	ApplyEditRequest
//
// Response:
//
//	200 OK: ToolResponse{ApplyResult}
//	400 Bad Request: Malformed plan or options
//	409 Conflict: STALE_INPUT or EDIT_CONFLICT
//	412 Precondition Failed: Rollback policy outside a clean git tree
//	500 Internal Server Error: I/O or validation execution failure
func (h *Handlers) HandleApplyEdit(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleApplyEdit")
	start := time.Now()

	var req ApplyEditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		recordToolCall(ToolApplyEdit, start, ErrInvalidRequest)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  CodeInvalidRequest,
		})
		return
	}

	res, err := h.engine.ApplyEdit(c.Request.Context(), &req)
	recordToolCall(ToolApplyEdit, start, err)
	if err != nil {
		writeError(c, logger, "Apply edit failed", err)
		return
	}

	logger.Info("Plan processed",
		"success", res.Success,
		"dry_run", req.Options.DryRun,
		"applied", len(res.AppliedFiles),
		"created", len(res.CreatedFiles),
		"deleted", len(res.DeletedFiles))

	c.JSON(http.StatusOK, ToolResponse{Content: res})
}

// HandleEnqueue handles POST /v1/forge/operations.
//
// Description:
//
//	Enqueues one simple operation, or a batch under "operations"
//	all-or-nothing.
//
// Response:
//
//	202 Accepted: ToolResponse{EnqueueResponse}
//	400 Bad Request: Unknown operation, missing parameter or path outside
//	    the workspace
//	503 Service Unavailable: Queue full
func (h *Handlers) HandleEnqueue(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleEnqueue")
	start := time.Now()

	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		recordToolCall(ToolEnqueueOperation, start, ErrInvalidRequest)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  CodeInvalidRequest,
		})
		return
	}

	resp, err := h.engine.Enqueue(&req)
	recordToolCall(ToolEnqueueOperation, start, err)
	if err != nil {
		writeError(c, logger, "Enqueue failed", err)
		return
	}

	logger.Info("Operations enqueued", "count", len(resp.OperationIDs), "queue_size", resp.QueueSize)
	c.JSON(http.StatusAccepted, ToolResponse{Content: resp})
}

// HandleListOperations handles GET /v1/forge/operations.
func (h *Handlers) HandleListOperations(c *gin.Context) {
	getOrCreateRequestID(c)
	c.JSON(http.StatusOK, ToolResponse{Content: h.engine.Pending()})
}

// HandleCancel handles DELETE /v1/forge/operations/:id.
//
// Response:
//
//	200 OK: ToolResponse{CancelResponse}. cancelled=false for unknown or
//	    already started operations.
func (h *Handlers) HandleCancel(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	start := time.Now()

	id := c.Param("id")
	resp := h.engine.Cancel(id)
	recordToolCall(ToolCancelOperation, start, nil)

	slog.Info("Cancel requested", "request_id", requestID, "operation_id", id, "cancelled", resp.Cancelled)
	c.JSON(http.StatusOK, ToolResponse{Content: resp})
}

// HandleQueueStats handles GET /v1/forge/queue/stats.
func (h *Handlers) HandleQueueStats(c *gin.Context) {
	getOrCreateRequestID(c)
	start := time.Now()
	resp := h.engine.QueueStats()
	recordToolCall(ToolQueueStats, start, nil)
	c.JSON(http.StatusOK, ToolResponse{Content: resp})
}

// HandleReadFile handles POST /v1/forge/read.
//
// Response:
//
//	200 OK: ToolResponse{ReadFileResponse}
//	400 Bad Request: Missing path or path outside the workspace
//	404 Not Found: No such file
func (h *Handlers) HandleReadFile(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleReadFile")
	start := time.Now()

	var req ReadFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		recordToolCall(ToolReadFile, start, ErrInvalidRequest)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  CodeInvalidRequest,
		})
		return
	}

	resp, err := h.engine.ReadFile(c.Request.Context(), req.Path)
	recordToolCall(ToolReadFile, start, err)
	if err != nil {
		writeError(c, logger, "Read failed", err)
		return
	}
	c.JSON(http.StatusOK, ToolResponse{Content: resp})
}

// HandleHealth handles GET /v1/forge/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Health())
}

// writeError maps err to its tool code and HTTP status.
func writeError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	te := NewToolError(err)
	status := HTTPStatus(te.Code)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, "error", err, "code", te.Code)
	} else {
		logger.Warn(msg, "error", err, "code", te.Code)
	}
	c.JSON(status, ErrorResponse{
		Error:      te.Message,
		Code:       te.Code,
		StaleFiles: te.StaleFiles,
	})
}

// getOrCreateRequestID echoes X-Request-ID or assigns a new one.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
