// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import "errors"

// Sentinel errors for the operation queue.
var (
	// ErrQueueFull indicates the queue is at capacity.
	ErrQueueFull = errors.New("operation queue full")

	// ErrQueueClosed indicates the queue has been shut down.
	ErrQueueClosed = errors.New("operation queue closed")

	// ErrCancelled indicates the operation was cancelled before it
	// started executing.
	ErrCancelled = errors.New("operation cancelled")
)
