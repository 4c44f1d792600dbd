// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		TTL:     time.Minute,
		Journal: JournalConfig{InMemory: true},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// newDiskManager journals to a real directory so a second manager can
// replay it.
func newDiskManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		TTL:     time.Minute,
		Journal: JournalConfig{Path: dir},
	}, nil)
	require.NoError(t, err)
	return m
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestManager_Lifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	t.Run("begin and commit", func(t *testing.T) {
		txn, err := m.Begin(ctx, "session-1")
		require.NoError(t, err)
		assert.NotEmpty(t, txn.ID)
		assert.Equal(t, StatusActive, txn.Status())
		assert.Same(t, txn, m.Active())

		result, err := m.Commit(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusCommitted, result.Status)
		assert.Zero(t, result.Applied)
		assert.Nil(t, m.Active())
	})

	t.Run("only one transaction at a time", func(t *testing.T) {
		_, err := m.Begin(ctx, "session-1")
		require.NoError(t, err)
		_, err = m.Begin(ctx, "session-2")
		assert.ErrorIs(t, err, ErrTransactionActive)
		_, err = m.Commit(ctx)
		require.NoError(t, err)
	})

	t.Run("operations need a transaction", func(t *testing.T) {
		assert.ErrorIs(t, m.Checkpoint(ctx, "cp"), ErrNoTransaction)
		_, err := m.Rollback(ctx, beginCheckpoint)
		assert.ErrorIs(t, err, ErrNoTransaction)
		_, err = m.Commit(ctx)
		assert.ErrorIs(t, err, ErrNoTransaction)
	})

	t.Run("duplicate checkpoint rejected", func(t *testing.T) {
		_, err := m.Begin(ctx, "session-1")
		require.NoError(t, err)
		require.NoError(t, m.Checkpoint(ctx, "after-rename"))
		assert.ErrorIs(t, m.Checkpoint(ctx, "after-rename"), ErrDuplicateCheckpoint)
		assert.ErrorIs(t, m.Checkpoint(ctx, beginCheckpoint), ErrDuplicateCheckpoint)
		_, err = m.Commit(ctx)
		require.NoError(t, err)
	})
}

func TestManager_RollbackRestoresBatch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()

	// Four files mutated in one batch. The originals must come back
	// byte-identical after rollback.
	originals := map[string]string{}
	var paths []string
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("file%d.go", i))
		content := fmt.Sprintf("package p%d\n\nfunc Old%d() {}\n", i, i)
		writeFile(t, path, content)
		originals[path] = content
		paths = append(paths, path)
	}

	_, err := m.Begin(ctx, "session-1")
	require.NoError(t, err)

	for _, path := range paths {
		require.NoError(t, m.Stage(ctx, path))
		writeFile(t, path, "package p\n\nfunc Renamed() {}\n")
		require.NoError(t, m.RecordApplied(ctx, path))
	}

	report, err := m.Rollback(ctx, beginCheckpoint)
	require.NoError(t, err)
	assert.Len(t, report.FilesRestored, 4)
	assert.Empty(t, report.FilesDeleted)

	for path, want := range originals {
		assert.Equal(t, want, readFile(t, path))
	}

	// The rolled-back mutations no longer count as applied.
	result, err := m.Commit(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Applied)
	assert.Empty(t, result.FilesModified)
	assert.Equal(t, StatusRolledBack, result.Status)
	assert.True(t, result.RolledBack)
}

func TestManager_RollbackToNamedCheckpoint(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()

	kept := filepath.Join(dir, "kept.go")
	undone := filepath.Join(dir, "undone.go")
	writeFile(t, kept, "kept v1")
	writeFile(t, undone, "undone v1")

	_, err := m.Begin(ctx, "session-1")
	require.NoError(t, err)

	require.NoError(t, m.Stage(ctx, kept))
	writeFile(t, kept, "kept v2")
	require.NoError(t, m.RecordApplied(ctx, kept))

	require.NoError(t, m.Checkpoint(ctx, "after-kept"))

	require.NoError(t, m.Stage(ctx, undone))
	writeFile(t, undone, "undone v2")
	require.NoError(t, m.RecordApplied(ctx, undone))

	report, err := m.Rollback(ctx, "after-kept")
	require.NoError(t, err)
	assert.Equal(t, []string{undone}, report.FilesRestored)

	assert.Equal(t, "kept v2", readFile(t, kept))
	assert.Equal(t, "undone v1", readFile(t, undone))

	t.Run("rollback is idempotent", func(t *testing.T) {
		report, err := m.Rollback(ctx, "after-kept")
		require.NoError(t, err)
		assert.Empty(t, report.FilesRestored)
		assert.Equal(t, "undone v1", readFile(t, undone))
	})

	t.Run("unknown checkpoint", func(t *testing.T) {
		_, err := m.Rollback(ctx, "never-made")
		assert.ErrorIs(t, err, ErrUnknownCheckpoint)
	})

	// Work before the checkpoint survives through commit.
	result, err := m.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, []string{kept}, result.FilesModified)
}

func TestManager_RollbackDeletesCreatedFiles(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()

	created := filepath.Join(dir, "brand_new.go")
	_, err := m.Begin(ctx, "session-1")
	require.NoError(t, err)

	require.NoError(t, m.Stage(ctx, created))
	writeFile(t, created, "package brandnew")
	require.NoError(t, m.RecordApplied(ctx, created))

	report, err := m.Rollback(ctx, beginCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, []string{created}, report.FilesDeleted)
	_, err = os.Stat(created)
	assert.True(t, os.IsNotExist(err))
}

func TestManager_StageKeepsOldestPreImage(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "f.go")
	writeFile(t, path, "v1")

	_, err := m.Begin(ctx, "session-1")
	require.NoError(t, err)

	require.NoError(t, m.Stage(ctx, path))
	writeFile(t, path, "v2")
	require.NoError(t, m.Stage(ctx, path)) // no-op, v1 stays the pre-image
	writeFile(t, path, "v3")

	_, err = m.Rollback(ctx, beginCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, "v1", readFile(t, path))
}

func TestManager_StageAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()

	var paths []string
	for i := 0; i < 8; i++ {
		path := filepath.Join(dir, fmt.Sprintf("f%d.go", i))
		writeFile(t, path, fmt.Sprintf("original %d", i))
		paths = append(paths, path)
	}

	_, err := m.Begin(ctx, "session-1")
	require.NoError(t, err)
	require.NoError(t, m.StageAll(ctx, paths))

	for _, path := range paths {
		writeFile(t, path, "clobbered")
	}
	_, err = m.Rollback(ctx, beginCheckpoint)
	require.NoError(t, err)
	for i, path := range paths {
		assert.Equal(t, fmt.Sprintf("original %d", i), readFile(t, path))
	}
}

func TestManager_Expiry(t *testing.T) {
	m, err := NewManager(Config{
		TTL:     50 * time.Millisecond,
		Journal: JournalConfig{InMemory: true},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "f.go")
	writeFile(t, path, "original")

	_, err = m.Begin(ctx, "session-1")
	require.NoError(t, err)
	require.NoError(t, m.Stage(ctx, path))
	writeFile(t, path, "mutated")

	time.Sleep(80 * time.Millisecond)

	_, err = m.Commit(ctx)
	assert.ErrorIs(t, err, ErrTransactionExpired)
	assert.Equal(t, "original", readFile(t, path))
	assert.Nil(t, m.Active())

	// The slot is free again.
	_, err = m.Begin(ctx, "session-2")
	require.NoError(t, err)
}

func TestManager_Abort(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "f.go")
	writeFile(t, path, "original")

	_, err := m.Begin(ctx, "session-1")
	require.NoError(t, err)
	require.NoError(t, m.Stage(ctx, path))
	writeFile(t, path, "mutated")

	report, err := m.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, report.FilesRestored)
	assert.Equal(t, "original", readFile(t, path))
	assert.Nil(t, m.Active())

	_, err = m.Abort(ctx)
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestManager_RecoverStale(t *testing.T) {
	dir := t.TempDir()
	journalDir := filepath.Join(dir, "journal")
	path := filepath.Join(dir, "f.go")
	writeFile(t, path, "original")

	ctx := context.Background()

	// First process stages a mutation and dies without committing.
	m1 := newDiskManager(t, journalDir)
	_, err := m1.Begin(ctx, "session-1")
	require.NoError(t, err)
	require.NoError(t, m1.Stage(ctx, path))
	writeFile(t, path, "mutated")
	require.NoError(t, m1.journal.Close()) // simulated crash, no rollback

	// Next process restores the pre-image from the journal.
	m2 := newDiskManager(t, journalDir)
	t.Cleanup(func() { m2.Close() })
	recovered, err := m2.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, "original", readFile(t, path))

	t.Run("recovery is idempotent", func(t *testing.T) {
		recovered, err := m2.RecoverStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, recovered)
	})
}
