// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import "errors"

// Sentinel errors for the process pool.
var (
	// ErrLeaseTimeout indicates no slot for the language freed up within
	// the lease wait window.
	ErrLeaseTimeout = errors.New("timed out waiting for an analyzer slot")

	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = errors.New("analyzer pool closed")

	// ErrUnknownLanguage indicates no spawn configuration exists for the
	// requested language.
	ErrUnknownLanguage = errors.New("no analyzer configured for language")
)
