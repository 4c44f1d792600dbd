// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import "errors"

// Sentinel errors for resource locking.
var (
	// ErrLockContention indicates the lock could not be acquired within
	// the acquire timeout.
	ErrLockContention = errors.New("lock contention timeout")

	// ErrLockUpgrade indicates an exclusive acquire on a resource the
	// owner already holds shared. Upgrades are not supported; release the
	// shared lock first.
	ErrLockUpgrade = errors.New("lock upgrade not supported")

	// ErrManagerClosed indicates the lock manager has been shut down.
	ErrManagerClosed = errors.New("lock manager closed")
)
