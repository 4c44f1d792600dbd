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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Journal persists transaction metadata and pre-image snapshots so a
// crashed process can restore files on its next start.
//
// Keys:
//
//	txn:<id>:meta        transaction metadata JSON
//	txn:<id>:snap:<res>  one snapshot JSON per first-touched resource
//
// Thread Safety: Safe for concurrent use; BadgerDB handles its own
// locking.
type Journal struct {
	db     *badger.DB
	logger *slog.Logger
}

// JournalConfig configures the journal store.
type JournalConfig struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the journal in RAM. Crash recovery is then
	// impossible; meant for tests.
	InMemory bool

	// SyncWrites makes snapshot writes durable before mutations proceed.
	SyncWrites bool
}

// OpenJournal opens the badger-backed journal.
func OpenJournal(config JournalConfig, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(config.Path).
		WithInMemory(config.InMemory).
		WithSyncWrites(config.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening transaction journal: %w", err)
	}
	return &Journal{db: db, logger: logger.With("component", "transaction.Journal")}, nil
}

// Close closes the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}

func metaKey(id string) []byte {
	return []byte("txn:" + id + ":meta")
}

func snapKey(id, resource string) []byte {
	return []byte("txn:" + id + ":snap:" + resource)
}

// journalMeta is the persisted transaction header.
type journalMeta struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	StartedAt int64  `json:"started_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// SaveMeta persists the transaction header.
func (j *Journal) SaveMeta(meta journalMeta) error {
	buf, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling journal meta: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(meta.ID), buf)
	})
}

// SaveSnapshot persists one resource pre-image.
func (j *Journal) SaveSnapshot(id string, snap *snapshot) error {
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(id, snap.Resource), buf)
	})
}

// DeleteTransaction removes every key belonging to one transaction.
func (j *Journal) DeleteTransaction(id string) error {
	prefix := []byte("txn:" + id + ":")
	return j.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// staleTransaction is one journaled transaction found at startup.
type staleTransaction struct {
	meta      journalMeta
	snapshots []*snapshot
}

// LoadStale returns every transaction still journaled. A non-empty result
// at startup means the previous process died mid-transaction.
func (j *Journal) LoadStale() ([]*staleTransaction, error) {
	stale := make(map[string]*staleTransaction)

	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("txn:"), PrefetchValues: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			rest, ok := strings.CutPrefix(key, "txn:")
			if !ok {
				continue
			}
			id, kind, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}

			entry, ok2 := stale[id]
			if !ok2 {
				entry = &staleTransaction{}
				stale[id] = entry
			}
			err := item.Value(func(val []byte) error {
				if kind == "meta" {
					return json.Unmarshal(val, &entry.meta)
				}
				var snap snapshot
				if err := json.Unmarshal(val, &snap); err != nil {
					return err
				}
				entry.snapshots = append(entry.snapshots, &snap)
				return nil
			})
			if err != nil {
				j.logger.Warn("Skipping corrupt journal entry", "key", key, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning transaction journal: %w", err)
	}

	out := make([]*staleTransaction, 0, len(stale))
	for _, entry := range stale {
		out = append(out, entry)
	}
	return out, nil
}
