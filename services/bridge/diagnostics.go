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
	"sync"

	"github.com/AleutianAI/codebridge/services/bridge/lsp"
)

// diagnosticsCache holds the latest published diagnostics per file.
// Analyzers push full replacement sets, so each publish overwrites the
// previous entry; an empty set clears it.
//
// Thread Safety: safe for concurrent use.
type diagnosticsCache struct {
	mu    sync.RWMutex
	files map[string][]lsp.Diagnostic
}

func newDiagnosticsCache() *diagnosticsCache {
	return &diagnosticsCache{files: make(map[string][]lsp.Diagnostic)}
}

// update replaces the diagnostics for a file.
func (c *diagnosticsCache) update(path string, diags []lsp.Diagnostic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(diags) == 0 {
		delete(c.files, path)
		return
	}
	c.files[path] = diags
}

// get returns the current diagnostics for a file, never nil.
func (c *diagnosticsCache) get(path string) []lsp.Diagnostic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	diags := c.files[path]
	out := make([]lsp.Diagnostic, len(diags))
	copy(out, diags)
	return out
}

// fileCount returns how many files currently have diagnostics.
func (c *diagnosticsCache) fileCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}
