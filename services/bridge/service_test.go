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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/codebridge/services/bridge/config"
	"github.com/AleutianAI/codebridge/services/bridge/lsp"
	"github.com/AleutianAI/codebridge/services/bridge/transaction"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	registry, err := config.Load(context.Background())
	require.NoError(t, err)

	cfg := DefaultServiceConfig()
	cfg.Transaction.Journal = transaction.JournalConfig{InMemory: true}

	svc, err := NewService(cfg, registry, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = svc.Close(context.Background())
	})
	return svc
}

func TestService_WriteFileMutation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	workspace := t.TempDir()

	resp, err := svc.ExecuteTool(ctx, ToolRequest{
		Tool:      "write_file",
		Workspace: workspace,
		File:      "pkg/widget.go",
		Content:   "package widget\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "write_file", resp.Tool)
	assert.NotEmpty(t, resp.RequestID)

	result, ok := resp.Result.(*MutationResult)
	require.True(t, ok)
	path := filepath.Join(workspace, "pkg", "widget.go")
	assert.Equal(t, []string{path}, result.FilesModified)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package widget\n", string(content))
}

func TestService_TransactionalMutations(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	workspace := t.TempDir()

	existing := filepath.Join(workspace, "old.go")
	require.NoError(t, os.WriteFile(existing, []byte("package old\n"), 0o644))

	txn, err := svc.BeginTransaction(ctx, "session-1")
	require.NoError(t, err)

	for _, req := range []ToolRequest{
		{Tool: "write_file", Workspace: workspace, File: "old.go",
			Content: "package renamed\n", TransactionID: txn.ID},
		{Tool: "write_file", Workspace: workspace, File: "new.go",
			Content: "package brandnew\n", TransactionID: txn.ID},
	} {
		_, err := svc.ExecuteTool(ctx, req)
		require.NoError(t, err)
	}

	report, err := svc.Rollback(ctx, "begin")
	require.NoError(t, err)
	assert.Len(t, report.FilesRestored, 1)
	assert.Len(t, report.FilesDeleted, 1)

	content, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "package old\n", string(content))
	_, err = os.Stat(filepath.Join(workspace, "new.go"))
	assert.True(t, os.IsNotExist(err))

	result, err := svc.Commit(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Applied)
	assert.Equal(t, transaction.StatusRolledBack, result.Status)
}

func TestService_MutationOnRolledBackTransaction(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	workspace := t.TempDir()

	txn, err := svc.BeginTransaction(ctx, "session-1")
	require.NoError(t, err)
	_, err = svc.AbortTransaction(ctx)
	require.NoError(t, err)

	_, err = svc.ExecuteTool(ctx, ToolRequest{
		Tool:          "write_file",
		Workspace:     workspace,
		File:          "f.go",
		Content:       "package p\n",
		TransactionID: txn.ID,
	})
	assert.ErrorIs(t, err, transaction.ErrTransactionRolledBack)

	// An unknown transaction ID gets the generic rejection.
	_, err = svc.ExecuteTool(ctx, ToolRequest{
		Tool:          "write_file",
		Workspace:     workspace,
		File:          "f.go",
		Content:       "package p\n",
		TransactionID: "never-existed",
	})
	assert.ErrorIs(t, err, transaction.ErrNoTransaction)
}

func TestService_DispatchValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	workspace := t.TempDir()

	t.Run("unknown tool", func(t *testing.T) {
		_, err := svc.ExecuteTool(ctx, ToolRequest{Tool: "summon_demons", Workspace: workspace})
		assert.ErrorIs(t, err, config.ErrUnknownTool)
	})

	t.Run("mutation without file", func(t *testing.T) {
		_, err := svc.ExecuteTool(ctx, ToolRequest{Tool: "write_file", Workspace: workspace})
		assert.ErrorIs(t, err, ErrMissingArgument)
	})

	t.Run("read without file or language", func(t *testing.T) {
		_, err := svc.ExecuteTool(ctx, ToolRequest{Tool: "workspace_symbols", Workspace: workspace, Query: "x"})
		assert.ErrorIs(t, err, ErrMissingArgument)
	})

	t.Run("not ready before start", func(t *testing.T) {
		registry, err := config.Load(ctx)
		require.NoError(t, err)
		cfg := DefaultServiceConfig()
		cfg.Transaction.Journal = transaction.JournalConfig{InMemory: true}
		cold, err := NewService(cfg, registry, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = cold.Close(context.Background()) })

		_, err = cold.ExecuteTool(ctx, ToolRequest{Tool: "diagnostics", Workspace: workspace, File: "f.go"})
		assert.ErrorIs(t, err, ErrNotReady)
	})
}

func TestService_DiagnosticsNotifications(t *testing.T) {
	svc := newTestService(t)
	workspace := t.TempDir()
	path := filepath.Join(workspace, "broken.go")

	params, err := json.Marshal(lsp.PublishDiagnosticsParams{
		URI: lsp.PathToURI(path),
		Diagnostics: []lsp.Diagnostic{
			{Message: "undeclared name: foo", Severity: lsp.SeverityError},
		},
	})
	require.NoError(t, err)
	svc.handleNotification("textDocument/publishDiagnostics", params)

	resp := svc.Diagnostics(workspace, "broken.go")
	require.Len(t, resp.Diagnostics, 1)
	assert.Equal(t, "undeclared name: foo", resp.Diagnostics[0].Message)

	// A fresh publish with no diagnostics clears the entry.
	params, err = json.Marshal(lsp.PublishDiagnosticsParams{URI: lsp.PathToURI(path)})
	require.NoError(t, err)
	svc.handleNotification("textDocument/publishDiagnostics", params)
	assert.Empty(t, svc.Diagnostics(workspace, "broken.go").Diagnostics)
}

func TestService_ApplyEditServerRequest(t *testing.T) {
	svc := newTestService(t)
	workspace := t.TempDir()
	path := filepath.Join(workspace, "f.go")
	require.NoError(t, os.WriteFile(path, []byte("package p\n"), 0o644))

	params, err := json.Marshal(lsp.ApplyWorkspaceEditParams{
		Edit: lsp.WorkspaceEdit{Changes: map[string][]lsp.TextEdit{
			lsp.PathToURI(path): {{
				Range:   lsp.Range{Start: lsp.Position{Line: 0, Character: 8}, End: lsp.Position{Line: 0, Character: 9}},
				NewText: "q",
			}},
		}},
	})
	require.NoError(t, err)

	result, analyzerErr := svc.handleServerRequest("workspace/applyEdit", params)
	require.Nil(t, analyzerErr)
	applied, ok := result.(lsp.ApplyWorkspaceEditResult)
	require.True(t, ok)
	assert.True(t, applied.Applied)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package q\n", string(content))

	t.Run("unknown server request", func(t *testing.T) {
		_, analyzerErr := svc.handleServerRequest("workspace/summonDemons", nil)
		require.NotNil(t, analyzerErr)
		assert.True(t, analyzerErr.IsMethodNotFound())
	})
}

func TestService_MultiFileEditRestoresOnFailure(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	workspace := t.TempDir()

	existing := filepath.Join(workspace, "a.go")
	require.NoError(t, os.WriteFile(existing, []byte("package a\n"), 0o644))
	created := filepath.Join(workspace, "a_new.go")
	// A directory where a file is expected makes the last write in the
	// batch fail after the earlier ones have already landed.
	blocked := filepath.Join(workspace, "b.go")
	require.NoError(t, os.Mkdir(blocked, 0o755))

	wholeLine := lsp.Range{
		Start: lsp.Position{Line: 0, Character: 8},
		End:   lsp.Position{Line: 0, Character: 9},
	}
	edit := &lsp.WorkspaceEdit{Changes: map[string][]lsp.TextEdit{
		lsp.PathToURI(existing): {{Range: wholeLine, NewText: "z"}},
		lsp.PathToURI(created):  {{NewText: "package anew\n"}},
		lsp.PathToURI(blocked):  {{NewText: "package b\n"}},
	}}

	_, err := svc.applyWorkspaceEdit(ctx, edit, existing, "req-1")
	require.Error(t, err)

	content, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "package a\n", string(content), "modified file must return to its pre-batch content")
	_, err = os.Stat(created)
	assert.True(t, os.IsNotExist(err), "file created mid-batch must be removed")
}

func TestService_Status(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	status := svc.Status()
	assert.Equal(t, "codebridge", status.Service)
	assert.True(t, status.Ready)
	assert.Empty(t, status.Processes)
	assert.Nil(t, status.ActiveTransaction)

	txn, err := svc.BeginTransaction(ctx, "session-1")
	require.NoError(t, err)
	status = svc.Status()
	require.NotNil(t, status.ActiveTransaction)
	assert.Equal(t, txn.ID, status.ActiveTransaction.ID)
}
