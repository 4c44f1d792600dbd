// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"errors"
	"fmt"
)

// Sentinel errors for analyzer process management.
var (
	// ErrServerNotRunning indicates an operation was attempted on a server
	// that has not been started or has been shut down.
	ErrServerNotRunning = errors.New("analyzer process not running")

	// ErrServerNotInstalled indicates the analyzer binary was not found
	// in PATH.
	ErrServerNotInstalled = errors.New("analyzer binary not installed")

	// ErrServerAlreadyStarted indicates Start was called twice.
	ErrServerAlreadyStarted = errors.New("analyzer process already started")

	// ErrInitializeFailed indicates the initialize handshake with the
	// analyzer failed.
	ErrInitializeFailed = errors.New("analyzer initialize handshake failed")

	// ErrCallTimeout indicates a call did not receive a response within
	// its method timeout.
	ErrCallTimeout = errors.New("analyzer call timed out")

	// ErrProcessCrashed indicates the analyzer process exited unexpectedly.
	// Crashed processes below the crash ceiling are restarted and in-flight
	// calls are replayed; callers normally never observe this error.
	ErrProcessCrashed = errors.New("analyzer process crashed")

	// ErrProcessDead indicates the analyzer crashed more times than the
	// crash ceiling allows and will not be restarted.
	ErrProcessDead = errors.New("analyzer process crashed unrecoverably")

	// ErrReplayExhausted indicates a call was replayed across restarts up
	// to the replay ceiling without ever completing.
	ErrReplayExhausted = errors.New("call replay attempts exhausted")

	// ErrConnClosed indicates the wire connection to the analyzer was
	// closed while a call was outstanding.
	ErrConnClosed = errors.New("analyzer connection closed")

	// ErrInvalidResponse indicates the analyzer sent a malformed message.
	ErrInvalidResponse = errors.New("invalid analyzer response")
)

// JSON-RPC error codes used by analyzer servers.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeConnClosed           = -32099
	CodeProcessDead          = -32098
	CodeReplayExhausted      = -32097
)

// AnalyzerError is a structured error returned by an analyzer server in a
// JSON-RPC error response.
type AnalyzerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *AnalyzerError) Error() string {
	return fmt.Sprintf("analyzer error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound reports whether the analyzer does not implement the
// requested method.
func (e *AnalyzerError) IsMethodNotFound() bool {
	return e.Code == CodeMethodNotFound
}

// IsRequestCancelled reports whether the analyzer cancelled the request.
func (e *AnalyzerError) IsRequestCancelled() bool {
	return e.Code == CodeRequestCancelled
}

// IsServerNotInitialized reports whether the request arrived before the
// initialize handshake completed.
func (e *AnalyzerError) IsServerNotInitialized() bool {
	return e.Code == CodeServerNotInitialized
}
