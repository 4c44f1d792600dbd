// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge exposes code navigation and refactoring tools to an AI
// agent over pooled language analyzer processes.
//
// The service classifies each tool call as a read or a mutation. Reads
// lease an analyzer and run immediately; mutations are serialized through
// a priority queue that holds the target file's exclusive lock and routes
// edits through the active transaction for checkpoint rollback.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/codebridge/services/bridge/config"
	"github.com/AleutianAI/codebridge/services/bridge/lock"
	"github.com/AleutianAI/codebridge/services/bridge/lsp"
	"github.com/AleutianAI/codebridge/services/bridge/pool"
	"github.com/AleutianAI/codebridge/services/bridge/queue"
	"github.com/AleutianAI/codebridge/services/bridge/transaction"
)

// ServiceConfig configures the bridge service.
type ServiceConfig struct {
	Pool        pool.Config
	Lock        lock.Config
	Queue       queue.Config
	Transaction transaction.Config

	// PrewarmLanguages are spawned at startup so the first tool call
	// does not pay analyzer cold-start latency.
	PrewarmLanguages []string

	// PrewarmWorkspace is the workspace root pre-warmed analyzers run
	// in. Required when PrewarmLanguages is non-empty.
	PrewarmWorkspace string
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Pool:        pool.DefaultConfig(),
		Lock:        lock.DefaultConfig(),
		Queue:       queue.DefaultConfig(),
		Transaction: transaction.DefaultConfig(),
	}
}

// Service is the bridge service.
//
// Thread Safety: safe for concurrent use.
type Service struct {
	cfg      ServiceConfig
	registry *config.Registry
	logger   *slog.Logger

	locks       *lock.Manager
	pool        *pool.Manager
	queue       *queue.Queue
	txns        *transaction.Manager
	diagnostics *diagnosticsCache
	events      *EventHub

	ready atomic.Bool

	// rolledBack remembers recently ended rolled-back transactions so a
	// late mutation naming one gets a precise rejection.
	rolledMu   sync.Mutex
	rolledBack map[string]time.Time
}

// rolledBackMemory bounds how long ended transactions are remembered.
const rolledBackMemory = time.Hour

// NewService wires the pool, locks, queue, and transaction coordinator.
func NewService(cfg ServiceConfig, registry *config.Registry, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	txns, err := transaction.NewManager(cfg.Transaction, logger)
	if err != nil {
		return nil, fmt.Errorf("opening transaction coordinator: %w", err)
	}

	s := &Service{
		cfg:         cfg,
		registry:    registry,
		logger:      logger.With("component", "bridge.Service"),
		locks:       lock.NewManager(cfg.Lock, logger),
		txns:        txns,
		diagnostics: newDiagnosticsCache(),
		events:      NewEventHub(logger),
		rolledBack:  make(map[string]time.Time),
	}
	s.pool = pool.NewManager(cfg.Pool, registry, logger)
	s.pool.SetNotificationHandler(s.handleNotification)
	s.pool.SetServerRequestHandler(s.handleServerRequest)
	s.queue = queue.New(cfg.Queue, s.locks, s.runMutation, logger)

	s.locks.RegisterCallback(func(event lock.ExternalChangeEvent) {
		s.logger.Warn("Locked file modified externally", "resource", event.Resource)
		s.events.Broadcast(Event{Type: "external_change", Payload: event})
	})
	return s, nil
}

// Start recovers interrupted transactions, starts the queue drain loop
// and idle sweeper, pre-warms analyzers, and flips readiness.
func (s *Service) Start(ctx context.Context) error {
	recovered, err := s.txns.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recovering stale transactions: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("Restored pre-images from interrupted transactions", "count", recovered)
	}

	s.pool.StartSweeper(ctx)
	go s.queue.Run(ctx)

	if len(s.cfg.PrewarmLanguages) > 0 {
		s.prewarm(ctx)
	}

	s.ready.Store(true)
	s.logger.Info("Bridge service ready",
		"languages", s.registry.LanguageCount(),
		"prewarmed", len(s.cfg.PrewarmLanguages))
	return nil
}

// prewarm spawns analyzers concurrently. Failures are logged, not fatal;
// the language stays lazily spawnable.
func (s *Service) prewarm(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, language := range s.cfg.PrewarmLanguages {
		g.Go(func() error {
			lease, err := s.pool.Lease(ctx, s.cfg.PrewarmWorkspace, language)
			if err != nil {
				s.logger.Warn("Pre-warm failed", "language", language, "error", err)
				return nil
			}
			lease.Release()
			s.logger.Info("Analyzer pre-warmed", "language", language)
			return nil
		})
	}
	g.Wait()
}

// Ready reports whether startup has finished.
func (s *Service) Ready() bool { return s.ready.Load() }

// Close stops the pool, lock manager, and transaction coordinator. The
// queue drain loop stops with the context passed to Start.
func (s *Service) Close(ctx context.Context) error {
	s.ready.Store(false)
	var errs []error
	if err := s.pool.ShutdownAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pool shutdown: %w", err))
	}
	if err := s.txns.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transaction close: %w", err))
	}
	if err := s.locks.Close(); err != nil {
		errs = append(errs, fmt.Errorf("lock close: %w", err))
	}
	return errors.Join(errs...)
}

// Events returns the notification hub.
func (s *Service) Events() *EventHub { return s.events }

// =============================================================================
// Analyzer notifications and server-initiated requests
// =============================================================================

// handleNotification fans analyzer notifications out to the diagnostics
// cache and the event stream.
func (s *Service) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		var p lsp.PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			s.logger.Warn("Malformed diagnostics notification", "error", err)
			return
		}
		path, err := lsp.URIToPath(p.URI)
		if err != nil {
			s.logger.Warn("Diagnostics for unparseable URI", "uri", p.URI, "error", err)
			return
		}
		s.diagnostics.update(path, p.Diagnostics)
		s.events.Broadcast(Event{Type: "diagnostics", Payload: DiagnosticsResponse{
			File:        path,
			Diagnostics: p.Diagnostics,
		}})
	case "$/progress":
		s.events.Broadcast(Event{Type: "progress", Payload: params})
	case "window/logMessage", "window/showMessage":
		s.logger.Debug("Analyzer message", "method", method, "params", string(params))
	}
}

// handleServerRequest answers requests the analyzer sends to us.
func (s *Service) handleServerRequest(method string, params json.RawMessage) (any, *lsp.AnalyzerError) {
	switch method {
	case "workspace/applyEdit":
		var p lsp.ApplyWorkspaceEditParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &lsp.AnalyzerError{Code: lsp.CodeInvalidRequest, Message: err.Error()}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.applyWorkspaceEdit(ctx, &p.Edit, "", "applyEdit"); err != nil {
			s.logger.Error("Analyzer-initiated edit failed", "label", p.Label, "error", err)
			return lsp.ApplyWorkspaceEditResult{Applied: false, FailureReason: err.Error()}, nil
		}
		return lsp.ApplyWorkspaceEditResult{Applied: true}, nil
	case "workspace/configuration":
		// No per-section settings; an empty item per requested section is
		// a valid reply for every analyzer in the registry.
		return []any{}, nil
	case "client/registerCapability", "client/unregisterCapability",
		"window/workDoneProgress/create":
		return nil, nil
	default:
		return nil, &lsp.AnalyzerError{
			Code:    lsp.CodeMethodNotFound,
			Message: fmt.Sprintf("unsupported server request %q", method),
		}
	}
}

// =============================================================================
// Transactions
// =============================================================================

// BeginTransaction starts a transaction for a session.
func (s *Service) BeginTransaction(ctx context.Context, sessionID string) (*transaction.Transaction, error) {
	return s.txns.Begin(ctx, sessionID)
}

// Checkpoint marks the active transaction's current position.
func (s *Service) Checkpoint(ctx context.Context, name string) error {
	return s.txns.Checkpoint(ctx, name)
}

// Rollback restores pre-images back to a named checkpoint.
func (s *Service) Rollback(ctx context.Context, name string) (*transaction.RollbackReport, error) {
	return s.txns.Rollback(ctx, name)
}

// Commit ends the active transaction and reports what was applied.
func (s *Service) Commit(ctx context.Context) (*transaction.Result, error) {
	result, err := s.txns.Commit(ctx)
	if err != nil {
		return nil, err
	}
	if result.Status == transaction.StatusRolledBack {
		s.rememberRolledBack(result.TransactionID)
	}
	return result, nil
}

// AbortTransaction rolls the active transaction back in full and ends it.
func (s *Service) AbortTransaction(ctx context.Context) (*transaction.RollbackReport, error) {
	active := s.txns.Active()
	report, err := s.txns.Abort(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		s.rememberRolledBack(active.ID)
	}
	return report, nil
}

func (s *Service) rememberRolledBack(id string) {
	s.rolledMu.Lock()
	defer s.rolledMu.Unlock()
	cutoff := time.Now().Add(-rolledBackMemory)
	for old, at := range s.rolledBack {
		if at.Before(cutoff) {
			delete(s.rolledBack, old)
		}
	}
	s.rolledBack[id] = time.Now()
}

// checkTransaction validates the transaction a mutation names. A mutation
// bound to a rolled-back transaction must not be applied.
func (s *Service) checkTransaction(id string) error {
	if id == "" {
		return nil
	}
	if active := s.txns.Active(); active != nil && active.ID == id {
		return nil
	}
	s.rolledMu.Lock()
	_, rolled := s.rolledBack[id]
	s.rolledMu.Unlock()
	if rolled {
		return fmt.Errorf("transaction %s: %w", id, transaction.ErrTransactionRolledBack)
	}
	return fmt.Errorf("transaction %s: %w", id, transaction.ErrNoTransaction)
}

// stage captures a pre-image through the active transaction, if any.
func (s *Service) stage(ctx context.Context, path string) error {
	err := s.txns.Stage(ctx, path)
	if errors.Is(err, transaction.ErrNoTransaction) {
		return nil
	}
	return err
}

// recordApplied counts a mutation in the active transaction, if any.
func (s *Service) recordApplied(ctx context.Context, path string) error {
	err := s.txns.RecordApplied(ctx, path)
	if errors.Is(err, transaction.ErrNoTransaction) {
		return nil
	}
	return err
}

// =============================================================================
// Status
// =============================================================================

// Status snapshots the pool, queue, and active transaction.
func (s *Service) Status() StatusResponse {
	resp := StatusResponse{
		Service:   "codebridge",
		Version:   ServiceVersion,
		Ready:     s.Ready(),
		Processes: s.pool.Running(),
		Queue:     s.queue.Stats(),
	}
	if txn := s.txns.Active(); txn != nil {
		resp.ActiveTransaction = &TransactionInfo{
			ID:        txn.ID,
			SessionID: txn.SessionID,
			StartedAt: txn.StartedAt.UnixMilli(),
			ExpiresAt: txn.ExpiresAt.UnixMilli(),
		}
	}
	return resp
}

// Diagnostics returns the cached diagnostics for a file.
func (s *Service) Diagnostics(workspace, file string) DiagnosticsResponse {
	path := resolvePath(workspace, file)
	return DiagnosticsResponse{
		File:        path,
		Diagnostics: s.diagnostics.get(path),
	}
}
