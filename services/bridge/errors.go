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

import "errors"

var (
	// ErrNotReady means the service is still warming up analyzers.
	ErrNotReady = errors.New("service not ready")

	// ErrMissingArgument means a tool request lacks a field the tool
	// needs.
	ErrMissingArgument = errors.New("missing argument")

	// ErrSymbolNotFound means no symbol encloses the requested position.
	ErrSymbolNotFound = errors.New("symbol not found at position")

	// ErrNoRefactorAvailable means the analyzer offered no applicable
	// code action at the requested range.
	ErrNoRefactorAvailable = errors.New("no refactoring available")

	// ErrEditNotApplicable means the analyzer returned an empty or
	// unusable edit for a mutation.
	ErrEditNotApplicable = errors.New("edit not applicable")
)
