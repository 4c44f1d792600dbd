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

import "errors"

// Sentinel errors for transaction coordination.
var (
	// ErrTransactionActive indicates Begin was called while another
	// transaction is in progress.
	ErrTransactionActive = errors.New("another transaction is active")

	// ErrNoTransaction indicates the operation needs an active
	// transaction and none exists.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrTransactionEnded indicates the transaction was already
	// committed or fully rolled back.
	ErrTransactionEnded = errors.New("transaction already ended")

	// ErrTransactionRolledBack indicates the operation belongs to a
	// transaction that has been rolled back.
	ErrTransactionRolledBack = errors.New("transaction rolled back")

	// ErrTransactionExpired indicates the transaction outlived its TTL.
	ErrTransactionExpired = errors.New("transaction expired")

	// ErrUnknownCheckpoint indicates a rollback target that was never
	// created.
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")

	// ErrDuplicateCheckpoint indicates a checkpoint name was reused
	// within one transaction.
	ErrDuplicateCheckpoint = errors.New("checkpoint name already used")
)
