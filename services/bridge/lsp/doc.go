// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp manages long-lived language analyzer processes speaking the
// Language Server Protocol over stdio.
//
// Server owns one analyzer process per workspace and language: it spawns
// the binary in its own process group, runs the initialize handshake, and
// supervises the process. A crashed analyzer below the crash ceiling is
// respawned after a short backoff and the calls that were in flight are
// replayed on the new connection; past the ceiling the server is marked
// dead and callers fail fast.
//
// Protocol is the request correlator: it frames JSON-RPC 2.0 messages with
// Content-Length headers, assigns connection-unique request IDs, and
// matches responses back to waiting callers. Notifications from the
// analyzer never touch the correlation table; they flow to a registered
// subscriber. Requests the analyzer sends to us (workspace/applyEdit,
// workspace/configuration) are answered through a separate handler.
//
// Pooling, leasing, and idle reclamation live in the pool package; this
// package only knows about a single process.
package lsp
