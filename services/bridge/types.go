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
	"github.com/AleutianAI/codebridge/services/bridge/lsp"
	"github.com/AleutianAI/codebridge/services/bridge/pool"
	"github.com/AleutianAI/codebridge/services/bridge/queue"
)

// ServiceVersion is the bridge service version.
const ServiceVersion = "0.1.0"

// ToolRequest is the body of POST /v1/bridge/tool. Which fields beyond
// Tool and Workspace are required depends on the tool.
type ToolRequest struct {
	// Tool is the registered tool name, e.g. "find_references".
	Tool string `json:"tool" binding:"required"`

	// Workspace is the absolute project root the analyzer runs in.
	Workspace string `json:"workspace" binding:"required"`

	// File is the target file, absolute or workspace-relative.
	File string `json:"file,omitempty"`

	// Language overrides extension-based language detection.
	Language string `json:"language,omitempty"`

	// Line and Column are the zero-based target position.
	Line   int `json:"line"`
	Column int `json:"column"`

	// EndLine and EndColumn bound the range for apply_refactor. When
	// absent the range collapses to the position.
	EndLine   int `json:"end_line,omitempty"`
	EndColumn int `json:"end_column,omitempty"`

	// NewName is the replacement name for rename_symbol.
	NewName string `json:"new_name,omitempty"`

	// Content is the full file content for write_file.
	Content string `json:"content,omitempty"`

	// Query is the search string for workspace_symbols.
	Query string `json:"query,omitempty"`

	// Action filters apply_refactor to a code action kind, e.g.
	// "refactor.extract".
	Action string `json:"action,omitempty"`

	// TransactionID ties a mutation to a transaction. A mutation naming
	// a rolled-back transaction is rejected instead of applied.
	TransactionID string `json:"transaction_id,omitempty"`
}

// ToolResponse is the reply to a dispatched tool call.
type ToolResponse struct {
	Tool       string `json:"tool"`
	RequestID  string `json:"request_id"`
	DurationMs int64  `json:"duration_ms"`
	Result     any    `json:"result"`
}

// MutationResult reports what a mutation changed.
type MutationResult struct {
	FilesModified []string `json:"files_modified"`
	FilesDeleted  []string `json:"files_deleted,omitempty"`
	Edits         int      `json:"edits"`
}

// BeginTransactionRequest is the body of POST /v1/bridge/txn/begin.
type BeginTransactionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// CheckpointRequest is the body of POST /v1/bridge/txn/checkpoint.
type CheckpointRequest struct {
	Name string `json:"name" binding:"required"`
}

// RollbackRequest is the body of POST /v1/bridge/txn/rollback.
type RollbackRequest struct {
	Checkpoint string `json:"checkpoint" binding:"required"`
}

// TransactionInfo is the wire shape of an active transaction.
type TransactionInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	StartedAt int64  `json:"started_at_ms"`
	ExpiresAt int64  `json:"expires_at_ms"`
}

// StatusResponse is the reply to GET /v1/bridge/status.
type StatusResponse struct {
	Service           string             `json:"service"`
	Version           string             `json:"version"`
	Ready             bool               `json:"ready"`
	Processes         []pool.ProcessInfo `json:"processes"`
	Queue             queue.Stats        `json:"queue"`
	ActiveTransaction *TransactionInfo   `json:"active_transaction,omitempty"`
}

// DiagnosticsResponse is the reply to GET /v1/bridge/diagnostics.
type DiagnosticsResponse struct {
	File        string           `json:"file"`
	Diagnostics []lsp.Diagnostic `json:"diagnostics"`
}

// Event is one message on the /v1/bridge/events stream.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ErrorResponse is the error reply shape for all endpoints.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the stable error code.
	Code string `json:"code,omitempty"`
}
