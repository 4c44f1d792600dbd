// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/codebridge/services/bridge/config"
	"github.com/AleutianAI/codebridge/services/bridge/lock"
	"github.com/AleutianAI/codebridge/services/bridge/lsp"
	"github.com/AleutianAI/codebridge/services/bridge/pool"
	"github.com/AleutianAI/codebridge/services/bridge/queue"
	"github.com/AleutianAI/codebridge/services/bridge/transaction"
)

// Handlers contains the HTTP handlers for the bridge service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleTool handles POST /v1/bridge/tool.
//
// Description:
//
//	Dispatches one tool call. Reads return the analyzer result directly;
//	mutations return once the queued operation has drained.
//
// Response:
//
//	200 OK: ToolResponse
//	4xx/5xx: ErrorResponse with a stable code from the error taxonomy
func (h *Handlers) HandleTool(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTool")

	var req ToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	logger.Info("Dispatching tool", "tool", req.Tool, "workspace", req.Workspace, "file", req.File)

	resp, err := h.svc.ExecuteTool(c.Request.Context(), req)
	if err != nil {
		status, code := errorStatus(err)
		logger.Error("Tool dispatch failed", "tool", req.Tool, "error", err, "code", code)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("Tool completed", "tool", req.Tool, "duration_ms", resp.DurationMs)
	c.JSON(http.StatusOK, resp)
}

// HandleStatus handles GET /v1/bridge/status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

// HandleDiagnostics handles GET /v1/bridge/diagnostics?workspace=&file=.
func (h *Handlers) HandleDiagnostics(c *gin.Context) {
	file := c.Query("file")
	if file == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "file query parameter is required",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	c.JSON(http.StatusOK, h.svc.Diagnostics(c.Query("workspace"), file))
}

// HandleTxnBegin handles POST /v1/bridge/txn/begin.
func (h *Handlers) HandleTxnBegin(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTxnBegin")

	var req BeginTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	txn, err := h.svc.BeginTransaction(c.Request.Context(), req.SessionID)
	if err != nil {
		status, code := errorStatus(err)
		logger.Error("Begin failed", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, TransactionInfo{
		ID:        txn.ID,
		SessionID: txn.SessionID,
		StartedAt: txn.StartedAt.UnixMilli(),
		ExpiresAt: txn.ExpiresAt.UnixMilli(),
	})
}

// HandleTxnCheckpoint handles POST /v1/bridge/txn/checkpoint.
func (h *Handlers) HandleTxnCheckpoint(c *gin.Context) {
	var req CheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if err := h.svc.Checkpoint(c.Request.Context(), req.Name); err != nil {
		status, code := errorStatus(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint": req.Name})
}

// HandleTxnRollback handles POST /v1/bridge/txn/rollback.
func (h *Handlers) HandleTxnRollback(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTxnRollback")

	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	report, err := h.svc.Rollback(c.Request.Context(), req.Checkpoint)
	if err != nil {
		status, code := errorStatus(err)
		logger.Error("Rollback failed", "checkpoint", req.Checkpoint, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	logger.Info("Rolled back", "checkpoint", req.Checkpoint,
		"restored", len(report.FilesRestored), "deleted", len(report.FilesDeleted))
	c.JSON(http.StatusOK, report)
}

// HandleTxnCommit handles POST /v1/bridge/txn/commit.
func (h *Handlers) HandleTxnCommit(c *gin.Context) {
	result, err := h.svc.Commit(c.Request.Context())
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleTxnAbort handles POST /v1/bridge/txn/abort.
func (h *Handlers) HandleTxnAbort(c *gin.Context) {
	report, err := h.svc.AbortTransaction(c.Request.Context())
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleEvents handles GET /v1/bridge/events.
func (h *Handlers) HandleEvents(c *gin.Context) {
	h.svc.Events().HandleEvents(c)
}

// HandleHealth handles GET /v1/bridge/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": ServiceVersion})
}

// HandleReady handles GET /v1/bridge/ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.svc.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// errorStatus maps domain sentinels to HTTP status and stable codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotReady):
		return http.StatusServiceUnavailable, "NOT_READY"
	case errors.Is(err, config.ErrUnknownTool):
		return http.StatusBadRequest, "UNKNOWN_TOOL"
	case errors.Is(err, config.ErrUnknownLanguage), errors.Is(err, pool.ErrUnknownLanguage):
		return http.StatusBadRequest, "UNSUPPORTED_LANGUAGE"
	case errors.Is(err, ErrMissingArgument):
		return http.StatusBadRequest, "MISSING_ARGUMENT"
	case errors.Is(err, ErrSymbolNotFound):
		return http.StatusNotFound, "SYMBOL_NOT_FOUND"
	case errors.Is(err, ErrNoRefactorAvailable):
		return http.StatusNotFound, "NO_REFACTOR_AVAILABLE"
	case errors.Is(err, ErrEditNotApplicable):
		return http.StatusUnprocessableEntity, "EDIT_NOT_APPLICABLE"
	case errors.Is(err, pool.ErrLeaseTimeout):
		return http.StatusServiceUnavailable, "LEASE_TIMEOUT"
	case errors.Is(err, lsp.ErrCallTimeout):
		return http.StatusGatewayTimeout, "CALL_TIMEOUT"
	case errors.Is(err, lsp.ErrProcessDead):
		return http.StatusBadGateway, "PROCESS_CRASHED_UNRECOVERABLE"
	case errors.Is(err, lsp.ErrReplayExhausted):
		return http.StatusBadGateway, "REPLAY_EXHAUSTED"
	case errors.Is(err, lsp.ErrServerNotInstalled):
		return http.StatusFailedDependency, "ANALYZER_NOT_INSTALLED"
	case errors.Is(err, lock.ErrLockContention):
		return http.StatusConflict, "LOCK_CONTENTION_TIMEOUT"
	case errors.Is(err, lock.ErrLockUpgrade):
		return http.StatusConflict, "LOCK_UPGRADE"
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests, "QUEUE_FULL"
	case errors.Is(err, queue.ErrQueueClosed):
		return http.StatusServiceUnavailable, "QUEUE_CLOSED"
	case errors.Is(err, queue.ErrCancelled):
		return http.StatusConflict, "OPERATION_CANCELLED"
	case errors.Is(err, transaction.ErrTransactionActive):
		return http.StatusConflict, "TRANSACTION_ACTIVE"
	case errors.Is(err, transaction.ErrTransactionRolledBack):
		return http.StatusConflict, "TRANSACTION_ROLLED_BACK"
	case errors.Is(err, transaction.ErrTransactionExpired):
		return http.StatusConflict, "TRANSACTION_EXPIRED"
	case errors.Is(err, transaction.ErrNoTransaction):
		return http.StatusConflict, "NO_TRANSACTION"
	case errors.Is(err, transaction.ErrUnknownCheckpoint):
		return http.StatusNotFound, "UNKNOWN_CHECKPOINT"
	case errors.Is(err, transaction.ErrDuplicateCheckpoint):
		return http.StatusConflict, "DUPLICATE_CHECKPOINT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// getOrCreateRequestID returns the inbound X-Request-ID or mints one.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
