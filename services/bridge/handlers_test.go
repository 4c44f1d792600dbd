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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/codebridge/services/bridge/lsp"
	"github.com/AleutianAI/codebridge/services/bridge/pool"
	"github.com/AleutianAI/codebridge/services/bridge/transaction"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)
	router := gin.New()
	RegisterRoutes(router.Group("/v1"), NewHandlers(svc))
	return router, svc
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlers_HealthAndReady(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/v1/bridge/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/bridge/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_ToolValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	t.Run("missing required fields", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/v1/bridge/tool", gin.H{"tool": "write_file"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_REQUEST", resp.Code)
	})

	t.Run("unknown tool", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/v1/bridge/tool", ToolRequest{
			Tool:      "summon_demons",
			Workspace: t.TempDir(),
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "UNKNOWN_TOOL", resp.Code)
	})
}

func TestHandlers_WriteFileRoundTrip(t *testing.T) {
	router, _ := newTestRouter(t)
	workspace := t.TempDir()

	w := doJSON(t, router, http.MethodPost, "/v1/bridge/tool", ToolRequest{
		Tool:      "write_file",
		Workspace: workspace,
		File:      "main.go",
		Content:   "package main\n",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ToolResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "write_file", resp.Tool)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	content, err := os.ReadFile(filepath.Join(workspace, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(content))
}

func TestHandlers_TransactionLifecycle(t *testing.T) {
	router, _ := newTestRouter(t)
	workspace := t.TempDir()
	path := filepath.Join(workspace, "f.go")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w := doJSON(t, router, http.MethodPost, "/v1/bridge/txn/begin",
		BeginTransactionRequest{SessionID: "session-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var txn TransactionInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txn))
	assert.NotEmpty(t, txn.ID)

	// Second begin conflicts.
	w = doJSON(t, router, http.MethodPost, "/v1/bridge/txn/begin",
		BeginTransactionRequest{SessionID: "session-2"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/bridge/txn/checkpoint",
		CheckpointRequest{Name: "before-edit"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/bridge/tool", ToolRequest{
		Tool: "write_file", Workspace: workspace, File: "f.go", Content: "v2",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/v1/bridge/txn/rollback",
		RollbackRequest{Checkpoint: "before-edit"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))

	t.Run("unknown checkpoint is 404", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/v1/bridge/txn/rollback",
			RollbackRequest{Checkpoint: "never-made"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	w = doJSON(t, router, http.MethodPost, "/v1/bridge/txn/commit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result transaction.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Zero(t, result.Applied)

	// Commit with no transaction is a conflict.
	w = doJSON(t, router, http.MethodPost, "/v1/bridge/txn/commit", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandlers_StatusAndDiagnostics(t *testing.T) {
	router, svc := newTestRouter(t)
	workspace := t.TempDir()

	w := doJSON(t, router, http.MethodGet, "/v1/bridge/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "codebridge", status.Service)
	assert.True(t, status.Ready)

	w = doJSON(t, router, http.MethodGet, "/v1/bridge/diagnostics", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	path := filepath.Join(workspace, "f.go")
	params, err := json.Marshal(lsp.PublishDiagnosticsParams{
		URI:         lsp.PathToURI(path),
		Diagnostics: []lsp.Diagnostic{{Message: "unused import", Severity: lsp.SeverityWarning}},
	})
	require.NoError(t, err)
	svc.handleNotification("textDocument/publishDiagnostics", params)

	w = doJSON(t, router, http.MethodGet,
		fmt.Sprintf("/v1/bridge/diagnostics?file=%s", path), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var diags DiagnosticsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &diags))
	require.Len(t, diags.Diagnostics, 1)
	assert.Equal(t, "unused import", diags.Diagnostics[0].Message)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{ErrNotReady, http.StatusServiceUnavailable, "NOT_READY"},
		{pool.ErrLeaseTimeout, http.StatusServiceUnavailable, "LEASE_TIMEOUT"},
		{lsp.ErrCallTimeout, http.StatusGatewayTimeout, "CALL_TIMEOUT"},
		{lsp.ErrProcessDead, http.StatusBadGateway, "PROCESS_CRASHED_UNRECOVERABLE"},
		{lsp.ErrReplayExhausted, http.StatusBadGateway, "REPLAY_EXHAUSTED"},
		{transaction.ErrTransactionRolledBack, http.StatusConflict, "TRANSACTION_ROLLED_BACK"},
		{transaction.ErrUnknownCheckpoint, http.StatusNotFound, "UNKNOWN_CHECKPOINT"},
		{assert.AnError, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := errorStatus(fmt.Errorf("wrapped: %w", tt.err))
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
