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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/codebridge/services/bridge/config"
	"github.com/AleutianAI/codebridge/services/bridge/lock"
	"github.com/AleutianAI/codebridge/services/bridge/lsp"
	"github.com/AleutianAI/codebridge/services/bridge/queue"
)

// mutationJob travels through the queue as an operation payload.
type mutationJob struct {
	req       ToolRequest
	requestID string
	path      string
}

// ExecuteTool dispatches one tool call.
//
// Description:
//
//	The tool's registry entry decides the path. Reads lease an analyzer
//	and run immediately under a shared file lock. Mutations enqueue at
//	the tool's priority; the queue drain loop holds the file's exclusive
//	lock while runMutation applies the change through the active
//	transaction.
//
// Errors:
//
//	ErrNotReady, config.ErrUnknownTool, config.ErrUnknownLanguage,
//	ErrMissingArgument, pool.ErrLeaseTimeout, queue.ErrQueueFull,
//	transaction.ErrTransactionRolledBack, and analyzer call errors.
func (s *Service) ExecuteTool(ctx context.Context, req ToolRequest) (*ToolResponse, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	spec, err := s.registry.Tool(req.Tool)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	start := time.Now()
	var path string
	if req.File != "" {
		path = resolvePath(req.Workspace, req.File)
	}
	// Analyzers initialize at the detected project root, not whatever
	// directory the caller named, so pool keys stay canonical across
	// calls from different subdirectories of one project.
	req.Workspace = detectWorkspaceRoot(req.Workspace, path)

	var result any
	if spec.Kind == config.ToolRead {
		result, err = s.executeRead(ctx, requestID, &req, path)
	} else {
		if path == "" {
			return nil, fmt.Errorf("tool %s needs a file: %w", req.Tool, ErrMissingArgument)
		}
		if err = s.checkTransaction(req.TransactionID); err != nil {
			return nil, err
		}
		job := &mutationJob{req: req, requestID: requestID, path: path}
		result, err = s.queue.Submit(ctx, spec.Name, path, spec.Priority, job)
	}
	if err != nil {
		return nil, err
	}

	return &ToolResponse{
		Tool:       req.Tool,
		RequestID:  requestID,
		DurationMs: time.Since(start).Milliseconds(),
		Result:     result,
	}, nil
}

// =============================================================================
// Read path
// =============================================================================

func (s *Service) executeRead(ctx context.Context, requestID string, req *ToolRequest, path string) (any, error) {
	// Diagnostics are served from the push cache; no analyzer round trip.
	if req.Tool == "diagnostics" {
		if path == "" {
			return nil, fmt.Errorf("diagnostics needs a file: %w", ErrMissingArgument)
		}
		return DiagnosticsResponse{File: path, Diagnostics: s.diagnostics.get(path)}, nil
	}

	language, err := s.resolveLanguage(req, path)
	if err != nil {
		return nil, err
	}

	// Shared lock keeps mutations from rewriting the file mid-read.
	if path != "" {
		handle, err := s.locks.Acquire(ctx, requestID, path, lock.Shared)
		if err != nil {
			return nil, err
		}
		defer handle.Release()
	}

	lease, err := s.pool.Lease(ctx, req.Workspace, language)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	srv := lease.Server()

	if path != "" {
		closeDoc, err := openDocument(srv, path)
		if err != nil {
			return nil, err
		}
		defer closeDoc()
	}

	pos := lsp.Position{Line: req.Line, Character: req.Column}
	doc := lsp.TextDocumentIdentifier{URI: lsp.PathToURI(path)}

	switch req.Tool {
	case "find_definition":
		raw, err := srv.Call(ctx, "textDocument/definition",
			lsp.TextDocumentPositionParams{TextDocument: doc, Position: pos})
		if err != nil {
			return nil, err
		}
		return decodeLocations(raw)

	case "find_references":
		raw, err := srv.Call(ctx, "textDocument/references", lsp.ReferenceParams{
			TextDocumentPositionParams: lsp.TextDocumentPositionParams{TextDocument: doc, Position: pos},
			Context:                    lsp.ReferenceContext{IncludeDeclaration: true},
		})
		if err != nil {
			return nil, err
		}
		return decodeLocations(raw)

	case "hover":
		raw, err := srv.Call(ctx, "textDocument/hover",
			lsp.TextDocumentPositionParams{TextDocument: doc, Position: pos})
		if err != nil {
			return nil, err
		}
		var hover lsp.Hover
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &hover); err != nil {
				return nil, fmt.Errorf("%w: %v", lsp.ErrInvalidResponse, err)
			}
		}
		return hover, nil

	case "document_symbols":
		raw, err := srv.Call(ctx, "textDocument/documentSymbol",
			lsp.DocumentSymbolParams{TextDocument: doc})
		if err != nil {
			return nil, err
		}
		var symbols []lsp.DocumentSymbol
		if err := unmarshalOrEmpty(raw, &symbols); err != nil {
			return nil, err
		}
		return symbols, nil

	case "workspace_symbols":
		if req.Query == "" {
			return nil, fmt.Errorf("workspace_symbols needs a query: %w", ErrMissingArgument)
		}
		raw, err := srv.Call(ctx, "workspace/symbol",
			lsp.WorkspaceSymbolParams{Query: req.Query})
		if err != nil {
			return nil, err
		}
		var symbols []lsp.SymbolInformation
		if err := unmarshalOrEmpty(raw, &symbols); err != nil {
			return nil, err
		}
		return symbols, nil

	default:
		return nil, fmt.Errorf("%q: %w", req.Tool, config.ErrUnknownTool)
	}
}

// resolveLanguage picks the explicit language or detects it from the file
// extension. workspace_symbols has no file, so it needs the explicit form.
func (s *Service) resolveLanguage(req *ToolRequest, path string) (string, error) {
	if req.Language != "" {
		if _, err := s.registry.Language(req.Language); err != nil {
			return "", err
		}
		return req.Language, nil
	}
	if path == "" {
		return "", fmt.Errorf("tool %s needs a file or language: %w", req.Tool, ErrMissingArgument)
	}
	return s.registry.LanguageForFile(path)
}

// =============================================================================
// Mutation path
// =============================================================================

// runMutation is the queue drain handler. The queue already holds the
// exclusive lock on job.path when this runs.
func (s *Service) runMutation(ctx context.Context, op *queue.Operation) (any, error) {
	job, ok := op.Payload.(*mutationJob)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", op.Payload)
	}
	if err := s.checkTransaction(job.req.TransactionID); err != nil {
		return nil, err
	}

	switch job.req.Tool {
	case "write_file":
		return s.writeFile(ctx, job)
	case "format_file":
		return s.formatFile(ctx, job)
	case "rename_symbol":
		return s.renameSymbol(ctx, job)
	case "delete_symbol":
		return s.deleteSymbol(ctx, job)
	case "apply_refactor":
		return s.applyRefactor(ctx, job)
	default:
		return nil, fmt.Errorf("%q: %w", job.req.Tool, config.ErrUnknownTool)
	}
}

func (s *Service) writeFile(ctx context.Context, job *mutationJob) (*MutationResult, error) {
	if err := s.stage(ctx, job.path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(job.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(job.path, []byte(job.req.Content), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", job.path, err)
	}
	if err := s.recordApplied(ctx, job.path); err != nil {
		return nil, err
	}
	return &MutationResult{FilesModified: []string{job.path}, Edits: 1}, nil
}

func (s *Service) formatFile(ctx context.Context, job *mutationJob) (*MutationResult, error) {
	srv, release, closeDoc, err := s.leaseForFile(ctx, job)
	if err != nil {
		return nil, err
	}
	defer release()
	defer closeDoc()

	raw, err := srv.Call(ctx, "textDocument/formatting", lsp.DocumentFormattingParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.PathToURI(job.path)},
		Options:      lsp.FormattingOptions{TabSize: 4, InsertSpaces: false},
	})
	if err != nil {
		return nil, err
	}
	var edits []lsp.TextEdit
	if err := unmarshalOrEmpty(raw, &edits); err != nil {
		return nil, err
	}
	if len(edits) == 0 {
		return &MutationResult{Edits: 0}, nil
	}

	content, err := os.ReadFile(job.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", job.path, err)
	}
	formatted, err := applyTextEdits(string(content), edits)
	if err != nil {
		return nil, err
	}
	if err := s.stage(ctx, job.path); err != nil {
		return nil, err
	}
	if err := os.WriteFile(job.path, []byte(formatted), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", job.path, err)
	}
	if err := s.recordApplied(ctx, job.path); err != nil {
		return nil, err
	}
	return &MutationResult{FilesModified: []string{job.path}, Edits: len(edits)}, nil
}

func (s *Service) renameSymbol(ctx context.Context, job *mutationJob) (*MutationResult, error) {
	if job.req.NewName == "" {
		return nil, fmt.Errorf("rename_symbol needs new_name: %w", ErrMissingArgument)
	}
	srv, release, closeDoc, err := s.leaseForFile(ctx, job)
	if err != nil {
		return nil, err
	}
	defer release()
	defer closeDoc()

	raw, err := srv.Call(ctx, "textDocument/rename", lsp.RenameParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.PathToURI(job.path)},
		Position:     lsp.Position{Line: job.req.Line, Character: job.req.Column},
		NewName:      job.req.NewName,
	})
	if err != nil {
		return nil, err
	}
	var edit lsp.WorkspaceEdit
	if err := unmarshalOrEmpty(raw, &edit); err != nil {
		return nil, err
	}
	if len(edit.Changes) == 0 {
		return nil, fmt.Errorf("rename of %q: %w", job.req.NewName, ErrEditNotApplicable)
	}
	return s.applyWorkspaceEdit(ctx, &edit, job.path, job.requestID)
}

func (s *Service) deleteSymbol(ctx context.Context, job *mutationJob) (*MutationResult, error) {
	srv, release, closeDoc, err := s.leaseForFile(ctx, job)
	if err != nil {
		return nil, err
	}
	defer release()
	defer closeDoc()

	raw, err := srv.Call(ctx, "textDocument/documentSymbol",
		lsp.DocumentSymbolParams{TextDocument: lsp.TextDocumentIdentifier{URI: lsp.PathToURI(job.path)}})
	if err != nil {
		return nil, err
	}
	var symbols []lsp.DocumentSymbol
	if err := unmarshalOrEmpty(raw, &symbols); err != nil {
		return nil, err
	}

	pos := lsp.Position{Line: job.req.Line, Character: job.req.Column}
	sym, ok := findSymbolAt(symbols, pos)
	if !ok {
		return nil, fmt.Errorf("%d:%d: %w", pos.Line, pos.Character, ErrSymbolNotFound)
	}

	content, err := os.ReadFile(job.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", job.path, err)
	}
	start, end := rangeToOffsets(string(content), sym.Range)
	// Swallow one trailing newline so the deletion does not leave a
	// blank line where the symbol was.
	tail := strings.TrimPrefix(string(content[end:]), "\n")
	remaining := string(content[:start]) + tail

	if err := s.stage(ctx, job.path); err != nil {
		return nil, err
	}
	if err := os.WriteFile(job.path, []byte(remaining), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", job.path, err)
	}
	if err := s.recordApplied(ctx, job.path); err != nil {
		return nil, err
	}
	return &MutationResult{FilesModified: []string{job.path}, Edits: 1}, nil
}

func (s *Service) applyRefactor(ctx context.Context, job *mutationJob) (*MutationResult, error) {
	srv, release, closeDoc, err := s.leaseForFile(ctx, job)
	if err != nil {
		return nil, err
	}
	defer release()
	defer closeDoc()

	rng := lsp.Range{
		Start: lsp.Position{Line: job.req.Line, Character: job.req.Column},
		End:   lsp.Position{Line: job.req.EndLine, Character: job.req.EndColumn},
	}
	if job.req.EndLine == 0 && job.req.EndColumn == 0 {
		rng.End = rng.Start
	}
	params := lsp.CodeActionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.PathToURI(job.path)},
		Range:        rng,
	}
	if job.req.Action != "" {
		params.Context.Only = []string{job.req.Action}
	}

	raw, err := srv.Call(ctx, "textDocument/codeAction", params)
	if err != nil {
		return nil, err
	}
	var actions []lsp.CodeAction
	if err := unmarshalOrEmpty(raw, &actions); err != nil {
		return nil, err
	}

	action, ok := pickCodeAction(actions, job.req.Action)
	if !ok {
		return nil, fmt.Errorf("at %d:%d: %w", rng.Start.Line, rng.Start.Character, ErrNoRefactorAvailable)
	}
	if action.Edit != nil && len(action.Edit.Changes) > 0 {
		return s.applyWorkspaceEdit(ctx, action.Edit, job.path, job.requestID)
	}
	if action.Command != nil {
		// The analyzer applies the change itself through a
		// workspace/applyEdit request, which handleServerRequest routes
		// back into applyWorkspaceEdit.
		if _, err := srv.Call(ctx, "workspace/executeCommand", lsp.ExecuteCommandParams{
			Command:   action.Command.Command,
			Arguments: action.Command.Arguments,
		}); err != nil {
			return nil, err
		}
		return &MutationResult{}, nil
	}
	return nil, fmt.Errorf("action %q carries no edit: %w", action.Title, ErrEditNotApplicable)
}

// leaseForFile leases an analyzer for a mutation's file and opens the
// document. Both returned closers are safe to defer immediately.
func (s *Service) leaseForFile(ctx context.Context, job *mutationJob) (*lsp.Server, func(), func(), error) {
	language, err := s.resolveLanguage(&job.req, job.path)
	if err != nil {
		return nil, nil, nil, err
	}
	lease, err := s.pool.Lease(ctx, job.req.Workspace, language)
	if err != nil {
		return nil, nil, nil, err
	}
	srv := lease.Server()
	closeDoc, err := openDocument(srv, job.path)
	if err != nil {
		lease.Release()
		return nil, nil, nil, err
	}
	return srv, lease.Release, closeDoc, nil
}

// preImage remembers a file's pre-batch state so a failed multi-file
// edit can be undone.
type preImage struct {
	path    string
	content string
	existed bool
}

// applyWorkspaceEdit writes a multi-file edit to disk. The primary file's
// exclusive lock is already held by the queue; other touched files are
// locked here with the request as owner. Pre-images go through the active
// transaction before each write.
//
// The batch is atomic: when any file in the batch fails, files already
// written are restored to their pre-batch content before the error is
// returned, so callers never observe a partially applied edit.
func (s *Service) applyWorkspaceEdit(ctx context.Context, edit *lsp.WorkspaceEdit, primary, owner string) (result *MutationResult, err error) {
	uris := make([]string, 0, len(edit.Changes))
	for uri := range edit.Changes {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	var written []preImage
	defer func() {
		if err == nil {
			return
		}
		for i := len(written) - 1; i >= 0; i-- {
			w := written[i]
			var restoreErr error
			if w.existed {
				restoreErr = os.WriteFile(w.path, []byte(w.content), 0o644)
			} else {
				restoreErr = os.Remove(w.path)
			}
			if restoreErr != nil {
				s.logger.Error("Restoring file after failed batch edit",
					"path", w.path, "error", restoreErr)
			}
		}
	}()

	result = &MutationResult{}
	for _, uri := range uris {
		path, err := lsp.URIToPath(uri)
		if err != nil {
			return nil, fmt.Errorf("edit for unparseable URI %s: %w", uri, err)
		}
		if path != primary {
			handle, err := s.locks.Acquire(ctx, owner, path, lock.Exclusive)
			if err != nil {
				return nil, err
			}
			defer handle.Release()
		}

		var content string
		existed := false
		if data, err := os.ReadFile(path); err == nil {
			content = string(data)
			existed = true
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		edited, err := applyTextEdits(content, edit.Changes[uri])
		if err != nil {
			return nil, fmt.Errorf("applying edits to %s: %w", path, err)
		}

		if err := s.stage(ctx, path); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", path, err)
		}
		written = append(written, preImage{path: path, content: content, existed: existed})
		result.FilesModified = append(result.FilesModified, path)
		result.Edits += len(edit.Changes[uri])
	}

	// Count applied edits in the active transaction only once the whole
	// batch has landed, so a restored batch leaves the journal untouched.
	for _, w := range written {
		if err := s.recordApplied(ctx, w.path); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// =============================================================================
// Helpers
// =============================================================================

// detectWorkspaceRoot walks up from the caller's workspace, or from the
// target file when no workspace was given, to the nearest directory with
// a workspace marker. When no marker exists the caller's directory is
// kept as given.
func detectWorkspaceRoot(workspace, path string) string {
	base := workspace
	if base == "" {
		if path == "" {
			return workspace
		}
		base = filepath.Dir(path)
	}
	ws, err := config.FindWorkspace(base)
	if err != nil {
		return workspace
	}
	return ws.Root
}

// resolvePath anchors a workspace-relative file under the workspace root.
func resolvePath(workspace, file string) string {
	if filepath.IsAbs(file) {
		return filepath.Clean(file)
	}
	return filepath.Join(workspace, file)
}

// openDocument sends didOpen with the file's current content and returns
// the matching didClose.
func openDocument(srv *lsp.Server, path string) (func(), error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	uri := lsp.PathToURI(path)
	err = srv.Notify("textDocument/didOpen", lsp.DidOpenTextDocumentParams{
		TextDocument: lsp.TextDocumentItem{
			URI:        uri,
			LanguageID: srv.Language(),
			Version:    1,
			Text:       string(content),
		},
	})
	if err != nil {
		return nil, err
	}
	return func() {
		_ = srv.Notify("textDocument/didClose", lsp.DidCloseTextDocumentParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: uri},
		})
	}, nil
}

// decodeLocations tolerates the three shapes analyzers return for
// definition and references results: null, a single Location, or an
// array.
func decodeLocations(raw json.RawMessage) ([]lsp.Location, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []lsp.Location{}, nil
	}
	var list []lsp.Location
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single lsp.Location
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("%w: %v", lsp.ErrInvalidResponse, err)
	}
	return []lsp.Location{single}, nil
}

func unmarshalOrEmpty(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", lsp.ErrInvalidResponse, err)
	}
	return nil
}

// pickCodeAction prefers an action matching the requested kind, else the
// first one carrying a change.
func pickCodeAction(actions []lsp.CodeAction, kind string) (lsp.CodeAction, bool) {
	if kind != "" {
		for _, a := range actions {
			if strings.HasPrefix(a.Kind, kind) && (a.Edit != nil || a.Command != nil) {
				return a, true
			}
		}
	}
	for _, a := range actions {
		if a.Edit != nil || a.Command != nil {
			return a, true
		}
	}
	return lsp.CodeAction{}, false
}

// findSymbolAt returns the innermost symbol whose range encloses the
// position.
func findSymbolAt(symbols []lsp.DocumentSymbol, pos lsp.Position) (lsp.DocumentSymbol, bool) {
	for _, sym := range symbols {
		if !posInRange(pos, sym.Range) {
			continue
		}
		if child, ok := findSymbolAt(sym.Children, pos); ok {
			return child, true
		}
		return sym, true
	}
	return lsp.DocumentSymbol{}, false
}

func posInRange(p lsp.Position, r lsp.Range) bool {
	if p.Line < r.Start.Line || p.Line > r.End.Line {
		return false
	}
	if p.Line == r.Start.Line && p.Character < r.Start.Character {
		return false
	}
	if p.Line == r.End.Line && p.Character > r.End.Character {
		return false
	}
	return true
}

// applyTextEdits applies analyzer edits to a document. Edits are applied
// back to front so earlier offsets stay valid.
func applyTextEdits(content string, edits []lsp.TextEdit) (string, error) {
	ordered := make([]lsp.TextEdit, len(edits))
	copy(ordered, edits)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].Range.Start, ordered[j].Range.Start
		if a.Line != b.Line {
			return a.Line > b.Line
		}
		return a.Character > b.Character
	})

	for _, edit := range ordered {
		start, end := rangeToOffsets(content, edit.Range)
		if start > end {
			return "", fmt.Errorf("%w: inverted edit range", lsp.ErrInvalidResponse)
		}
		content = content[:start] + edit.NewText + content[end:]
	}
	return content, nil
}

// rangeToOffsets converts a line/character range to byte offsets,
// clamping past-end positions to the document bounds.
func rangeToOffsets(content string, r lsp.Range) (int, int) {
	return positionToOffset(content, r.Start), positionToOffset(content, r.End)
}

func positionToOffset(content string, p lsp.Position) int {
	offset := 0
	line := 0
	for line < p.Line {
		next := strings.IndexByte(content[offset:], '\n')
		if next < 0 {
			return len(content)
		}
		offset += next + 1
		line++
	}
	lineEnd := strings.IndexByte(content[offset:], '\n')
	if lineEnd < 0 {
		lineEnd = len(content) - offset
	}
	if p.Character > lineEnd {
		return offset + lineEnd
	}
	return offset + p.Character
}
