// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction coordinates multi-file mutation batches with
// checkpoint-based rollback.
//
// Before a transaction's first mutation of a file, the coordinator
// captures the file's full content as a pre-image. Rolling back to a named
// checkpoint restores the pre-images of everything first touched after
// that checkpoint, newest first; a file that did not exist is deleted
// again. Pre-images are journaled to BadgerDB so a crashed process can
// restore files on its next start.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Types
// =============================================================================

// Status is the lifecycle state of a transaction.
type Status string

// Transaction states. Partial rollbacks keep a transaction Active; only
// commit, abort, and TTL expiry end it.
const (
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// snapshot is the pre-image of one resource, captured before the
// transaction's first mutation of it.
type snapshot struct {
	Resource string      `json:"resource"`
	Content  []byte      `json:"content"`
	Existed  bool        `json:"existed"`
	Mode     fs.FileMode `json:"mode"`
	Seq      uint64      `json:"seq"`
}

// checkpoint is a named mark in the transaction's mutation order.
type checkpoint struct {
	Name string
	Seq  uint64
}

// appliedOp records one successfully applied mutation.
type appliedOp struct {
	Resource string
	Seq      uint64
}

// Transaction is one active mutation batch.
//
// Thread Safety: Guarded by the owning Manager; fields are read through
// Manager methods.
type Transaction struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`

	status      Status
	seq         uint64
	checkpoints []checkpoint
	snapshots   map[string]*snapshot
	applied     []appliedOp
	rolledBack  bool
}

// Status returns the transaction's lifecycle state.
func (t *Transaction) Status() Status { return t.status }

// Result is the commit report.
type Result struct {
	TransactionID string        `json:"transaction_id"`
	SessionID     string        `json:"session_id"`
	Status        Status        `json:"status"`
	Duration      time.Duration `json:"duration"`
	Applied       int           `json:"applied"`
	FilesModified []string      `json:"files_modified"`
	RolledBack    bool          `json:"rolled_back"`
}

// RollbackReport describes one rollback.
type RollbackReport struct {
	Checkpoint    string   `json:"checkpoint"`
	FilesRestored []string `json:"files_restored"`
	FilesDeleted  []string `json:"files_deleted"`
}

// Config tunes the coordinator.
type Config struct {
	// TTL bounds a transaction's lifetime; an expired transaction is
	// rolled back in full on its next use.
	TTL time.Duration

	// Journal configures pre-image persistence.
	Journal JournalConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TTL: 30 * time.Minute,
		Journal: JournalConfig{
			Path:       os.TempDir() + "/codebridge-journal",
			SyncWrites: true,
		},
	}
}

// beginCheckpoint is the implicit checkpoint at transaction start.
const beginCheckpoint = "begin"

// =============================================================================
// Manager
// =============================================================================

// Manager coordinates at most one active transaction.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	config  Config
	journal *Journal
	logger  *slog.Logger

	mu     sync.Mutex
	active *Transaction
}

// NewManager creates a coordinator and opens its journal.
func NewManager(config Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	journal, err := OpenJournal(config.Journal, logger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		config:  config,
		journal: journal,
		logger:  logger.With("component", "transaction.Manager"),
	}, nil
}

// Close aborts any active transaction and closes the journal.
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := m.Abort(ctx); err != nil && !errors.Is(err, ErrNoTransaction) {
		m.logger.Warn("Abort on close failed", "error", err)
	}
	return m.journal.Close()
}

// Begin starts a transaction for a session.
//
// Errors:
//
//	ErrTransactionActive - another transaction is in progress
func (m *Manager) Begin(ctx context.Context, sessionID string) (*Transaction, error) {
	ctx, span := tracer.Start(ctx, "transaction.begin",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if !m.expiredLocked(m.active) {
			span.RecordError(ErrTransactionActive)
			return nil, fmt.Errorf("transaction %s: %w", m.active.ID, ErrTransactionActive)
		}
		// The previous holder let its transaction expire; roll it back
		// before admitting the new one.
		if err := m.autoRollbackLocked(ctx, m.active); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	txn := &Transaction{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		StartedAt:   now,
		ExpiresAt:   now.Add(m.config.TTL),
		status:      StatusActive,
		checkpoints: []checkpoint{{Name: beginCheckpoint, Seq: 0}},
		snapshots:   make(map[string]*snapshot),
	}
	if err := m.journal.SaveMeta(journalMeta{
		ID:        txn.ID,
		SessionID: txn.SessionID,
		StartedAt: txn.StartedAt.UnixNano(),
		ExpiresAt: txn.ExpiresAt.UnixNano(),
	}); err != nil {
		return nil, err
	}

	m.active = txn
	recordBegin(ctx)
	span.SetAttributes(attribute.String("transaction_id", txn.ID))
	m.logger.Info("Transaction started", "transaction_id", txn.ID, "session_id", sessionID)
	return txn, nil
}

// Active returns the active transaction, or nil.
func (m *Manager) Active() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Checkpoint marks the current position in the mutation order under a
// name. Rollback can later return to it.
//
// Errors:
//
//	ErrNoTransaction, ErrTransactionExpired, ErrDuplicateCheckpoint
func (m *Manager) Checkpoint(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.activeLocked(ctx)
	if err != nil {
		return err
	}
	for _, cp := range txn.checkpoints {
		if cp.Name == name {
			return fmt.Errorf("%q: %w", name, ErrDuplicateCheckpoint)
		}
	}
	txn.seq++
	txn.checkpoints = append(txn.checkpoints, checkpoint{Name: name, Seq: txn.seq})
	m.logger.Debug("Checkpoint created", "transaction_id", txn.ID, "checkpoint", name)
	return nil
}

// Stage captures the pre-image of a resource before its first mutation in
// the transaction. Staging the same resource again is a no-op; the
// transaction keeps the oldest pre-image.
func (m *Manager) Stage(ctx context.Context, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, err := m.activeLocked(ctx)
	if err != nil {
		return err
	}
	return m.stageLocked(txn, resource)
}

// StageAll captures pre-images for a batch concurrently.
func (m *Manager) StageAll(ctx context.Context, resources []string) error {
	m.mu.Lock()
	txn, err := m.activeLocked(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	// Read files outside the manager lock; commit the snapshots under it.
	pending := make([]string, 0, len(resources))
	for _, resource := range resources {
		if _, ok := txn.snapshots[resource]; !ok {
			pending = append(pending, resource)
		}
	}
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	snaps := make([]*snapshot, len(pending))
	for i, resource := range pending {
		g.Go(func() error {
			snap, err := captureSnapshot(resource)
			if err != nil {
				return err
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != txn || txn.status != StatusActive {
		return ErrTransactionEnded
	}
	for _, snap := range snaps {
		if _, ok := txn.snapshots[snap.Resource]; ok {
			continue
		}
		txn.seq++
		snap.Seq = txn.seq
		txn.snapshots[snap.Resource] = snap
		if err := m.journal.SaveSnapshot(txn.ID, snap); err != nil {
			return err
		}
	}
	return nil
}

// stageLocked captures one pre-image. Caller holds m.mu.
func (m *Manager) stageLocked(txn *Transaction, resource string) error {
	if _, ok := txn.snapshots[resource]; ok {
		return nil
	}
	snap, err := captureSnapshot(resource)
	if err != nil {
		return err
	}
	txn.seq++
	snap.Seq = txn.seq
	txn.snapshots[resource] = snap
	return m.journal.SaveSnapshot(txn.ID, snap)
}

// RecordApplied counts one successfully applied mutation on a resource.
func (m *Manager) RecordApplied(ctx context.Context, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, err := m.activeLocked(ctx)
	if err != nil {
		return err
	}
	txn.seq++
	txn.applied = append(txn.applied, appliedOp{Resource: resource, Seq: txn.seq})
	return nil
}

// Rollback restores every resource first touched after the named
// checkpoint to its pre-image, newest first.
//
// Description:
//
//	Restored snapshots are consumed: rolling back to the same checkpoint
//	again finds nothing left to undo and succeeds as a no-op. Mutations
//	applied after the checkpoint no longer count toward the commit
//	report. The transaction stays active and can continue.
//
// Errors:
//
//	ErrNoTransaction, ErrTransactionExpired, ErrUnknownCheckpoint, plus
//	filesystem errors from restoration.
func (m *Manager) Rollback(ctx context.Context, name string) (*RollbackReport, error) {
	ctx, span := tracer.Start(ctx, "transaction.rollback",
		trace.WithAttributes(attribute.String("checkpoint", name)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.activeLocked(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	report, err := m.rollbackLocked(ctx, txn, name)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	recordRollback(ctx, len(report.FilesRestored)+len(report.FilesDeleted))
	return report, nil
}

// rollbackLocked performs the restore. Caller holds m.mu.
func (m *Manager) rollbackLocked(ctx context.Context, txn *Transaction, name string) (*RollbackReport, error) {
	var cpSeq uint64
	found := false
	for _, cp := range txn.checkpoints {
		if cp.Name == name {
			cpSeq = cp.Seq
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownCheckpoint)
	}

	// Collect snapshots taken after the checkpoint, newest first.
	var undo []*snapshot
	for _, snap := range txn.snapshots {
		if snap.Seq > cpSeq {
			undo = append(undo, snap)
		}
	}
	sort.Slice(undo, func(i, j int) bool { return undo[i].Seq > undo[j].Seq })

	report := &RollbackReport{Checkpoint: name}
	for _, snap := range undo {
		if err := restoreSnapshot(snap); err != nil {
			return nil, fmt.Errorf("restoring %s: %w", snap.Resource, err)
		}
		delete(txn.snapshots, snap.Resource)
		if snap.Existed {
			report.FilesRestored = append(report.FilesRestored, snap.Resource)
		} else {
			report.FilesDeleted = append(report.FilesDeleted, snap.Resource)
		}
	}

	// Applied mutations past the checkpoint no longer count.
	kept := txn.applied[:0]
	for _, op := range txn.applied {
		if op.Seq <= cpSeq {
			kept = append(kept, op)
		}
	}
	txn.applied = kept
	txn.rolledBack = true

	m.logger.Info("Transaction rolled back",
		"transaction_id", txn.ID, "checkpoint", name,
		"restored", len(report.FilesRestored), "deleted", len(report.FilesDeleted))
	return report, nil
}

// Commit ends the transaction, discards pre-images, and reports what was
// applied. A transaction that was rolled back to its start reports zero
// applied operations.
//
// Errors:
//
//	ErrNoTransaction, ErrTransactionExpired
func (m *Manager) Commit(ctx context.Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "transaction.commit")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.activeLocked(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	files := make(map[string]struct{})
	for _, op := range txn.applied {
		files[op.Resource] = struct{}{}
	}
	result := &Result{
		TransactionID: txn.ID,
		SessionID:     txn.SessionID,
		Status:        StatusCommitted,
		Duration:      time.Since(txn.StartedAt),
		Applied:       len(txn.applied),
		FilesModified: sortedKeys(files),
		RolledBack:    txn.rolledBack,
	}
	if result.Applied == 0 && txn.rolledBack {
		result.Status = StatusRolledBack
	}

	txn.status = StatusCommitted
	m.active = nil
	if err := m.journal.DeleteTransaction(txn.ID); err != nil {
		m.logger.Warn("Journal cleanup failed", "transaction_id", txn.ID, "error", err)
	}

	recordCommit(ctx, result.Duration, len(result.FilesModified))
	span.SetAttributes(
		attribute.String("transaction_id", txn.ID),
		attribute.Int("applied", result.Applied),
	)
	m.logger.Info("Transaction committed",
		"transaction_id", txn.ID, "applied", result.Applied,
		"files_modified", len(result.FilesModified))
	return result, nil
}

// Abort rolls the active transaction back to its start and ends it.
func (m *Manager) Abort(ctx context.Context) (*RollbackReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoTransaction
	}
	txn := m.active
	report, err := m.rollbackLocked(ctx, txn, beginCheckpoint)
	if err != nil {
		return nil, err
	}
	txn.status = StatusRolledBack
	m.active = nil
	if err := m.journal.DeleteTransaction(txn.ID); err != nil {
		m.logger.Warn("Journal cleanup failed", "transaction_id", txn.ID, "error", err)
	}
	recordRollback(ctx, len(report.FilesRestored)+len(report.FilesDeleted))
	return report, nil
}

// RecoverStale restores pre-images left behind by a crashed process and
// clears their journal entries. Call once at startup, before serving.
func (m *Manager) RecoverStale(ctx context.Context) (int, error) {
	stale, err := m.journal.LoadStale()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, entry := range stale {
		sort.Slice(entry.snapshots, func(i, j int) bool {
			return entry.snapshots[i].Seq > entry.snapshots[j].Seq
		})
		for _, snap := range entry.snapshots {
			if err := restoreSnapshot(snap); err != nil {
				return recovered, fmt.Errorf("recovering %s from transaction %s: %w",
					snap.Resource, entry.meta.ID, err)
			}
		}
		if err := m.journal.DeleteTransaction(entry.meta.ID); err != nil {
			return recovered, err
		}
		recovered++
		m.logger.Warn("Recovered interrupted transaction",
			"transaction_id", entry.meta.ID,
			"files_restored", len(entry.snapshots))
	}
	return recovered, nil
}

// =============================================================================
// Helpers
// =============================================================================

// activeLocked returns the active transaction, rolling back one that has
// expired. Caller holds m.mu.
func (m *Manager) activeLocked(ctx context.Context) (*Transaction, error) {
	if m.active == nil {
		return nil, ErrNoTransaction
	}
	if m.expiredLocked(m.active) {
		id := m.active.ID
		if err := m.autoRollbackLocked(ctx, m.active); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("transaction %s: %w", id, ErrTransactionExpired)
	}
	return m.active, nil
}

func (m *Manager) expiredLocked(txn *Transaction) bool {
	return time.Now().After(txn.ExpiresAt)
}

// autoRollbackLocked fully rolls back and ends an expired transaction.
func (m *Manager) autoRollbackLocked(ctx context.Context, txn *Transaction) error {
	if _, err := m.rollbackLocked(ctx, txn, beginCheckpoint); err != nil {
		return err
	}
	txn.status = StatusRolledBack
	m.active = nil
	if err := m.journal.DeleteTransaction(txn.ID); err != nil {
		m.logger.Warn("Journal cleanup failed", "transaction_id", txn.ID, "error", err)
	}
	recordExpired(ctx)
	m.logger.Warn("Expired transaction rolled back", "transaction_id", txn.ID)
	return nil
}

// captureSnapshot reads a resource's current content and mode.
func captureSnapshot(resource string) (*snapshot, error) {
	info, err := os.Stat(resource)
	if os.IsNotExist(err) {
		return &snapshot{Resource: resource, Existed: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stating %s: %w", resource, err)
	}
	content, err := os.ReadFile(resource)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", resource, err)
	}
	return &snapshot{
		Resource: resource,
		Content:  content,
		Existed:  true,
		Mode:     info.Mode().Perm(),
	}, nil
}

// restoreSnapshot writes a pre-image back, or deletes the file if it did
// not exist before the transaction.
func restoreSnapshot(snap *snapshot) error {
	if !snap.Existed {
		err := os.Remove(snap.Resource)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	mode := snap.Mode
	if mode == 0 {
		mode = 0o644
	}
	return os.WriteFile(snap.Resource, snap.Content, mode)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
