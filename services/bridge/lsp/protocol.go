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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Method timeouts
// =============================================================================

// TimeoutTable maps analyzer methods to their response deadline. Methods not
// listed use Default.
type TimeoutTable struct {
	Default   time.Duration
	PerMethod map[string]time.Duration
}

// DefaultTimeouts returns the standard timeout table: 15s default, longer
// windows for whole-workspace operations and the initialize handshake.
func DefaultTimeouts() TimeoutTable {
	return TimeoutTable{
		Default: 15 * time.Second,
		PerMethod: map[string]time.Duration{
			"initialize":               30 * time.Second,
			"textDocument/rename":      60 * time.Second,
			"textDocument/references":  60 * time.Second,
			"textDocument/codeAction":  60 * time.Second,
			"textDocument/formatting":  60 * time.Second,
			"workspace/executeCommand": 60 * time.Second,
			"workspace/symbol":         60 * time.Second,
		},
	}
}

// For returns the deadline for a method.
func (t TimeoutTable) For(method string) time.Duration {
	if d, ok := t.PerMethod[method]; ok {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return 15 * time.Second
}

// =============================================================================
// Correlator
// =============================================================================

// NotificationHandler receives analyzer notifications (messages without an
// ID). Called from the read loop; implementations must not block.
type NotificationHandler func(method string, params json.RawMessage)

// ServerRequestHandler answers requests the analyzer sends to the client,
// such as workspace/configuration and workspace/applyEdit. Returning a
// non-nil *AnalyzerError produces an error response.
type ServerRequestHandler func(method string, params json.RawMessage) (any, *AnalyzerError)

// pendingCall tracks one in-flight request. The original method and params
// are retained so the call can be replayed on a fresh connection after a
// process crash. The result channel is owned by the caller and survives
// replay across Protocol instances.
type pendingCall struct {
	method     string
	params     any
	ch         chan *Response
	replays    int
	enqueuedAt time.Time

	// done is set when the caller stops waiting (timeout or cancellation).
	// A done call is dropped from replay and its late response discarded.
	done atomic.Bool
}

// deliver hands a response to the waiting caller, unless the caller has
// already given up.
func (p *pendingCall) deliver(resp *Response) {
	if p.done.Load() {
		return
	}
	select {
	case p.ch <- resp:
	default:
	}
}

// fail delivers a synthetic error response.
func (p *pendingCall) fail(code int, msg string) {
	p.deliver(&Response{JSONRPC: "2.0", Error: &AnalyzerError{Code: code, Message: msg}})
}

// Protocol correlates requests with responses over one analyzer connection.
//
// Description:
//
//	Frames JSON-RPC 2.0 messages with Content-Length headers over the
//	analyzer's stdio pipes. Each request gets a connection-unique ID from an
//	atomic counter; the response is matched back to the waiting caller by
//	that ID. Messages without an ID are notifications and are routed to the
//	notification handler, never to a pending call. Requests initiated by the
//	analyzer are answered through the server request handler.
//
// Thread Safety: Safe for concurrent use. Writes are serialized by writeMu;
// the pending map is guarded by pendingMu; ReadLoop runs in one goroutine.
type Protocol struct {
	reader *bufio.Reader
	writer io.Writer
	logger *slog.Logger

	writeMu sync.Mutex

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]*pendingCall

	closed atomic.Bool

	timeouts        TimeoutTable
	notify          NotificationHandler
	onServerRequest ServerRequestHandler
}

// NewProtocol creates a correlator over the analyzer's stdio pipes.
func NewProtocol(r io.Reader, w io.Writer, timeouts TimeoutTable, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		reader:   bufio.NewReader(r),
		writer:   w,
		logger:   logger,
		pending:  make(map[int64]*pendingCall),
		timeouts: timeouts,
	}
}

// SetNotificationHandler registers the subscriber for analyzer
// notifications. Must be called before ReadLoop starts.
func (p *Protocol) SetNotificationHandler(h NotificationHandler) {
	p.notify = h
}

// SetServerRequestHandler registers the responder for analyzer-initiated
// requests. Must be called before ReadLoop starts.
func (p *Protocol) SetServerRequestHandler(h ServerRequestHandler) {
	p.onServerRequest = h
}

// Call sends a request and blocks until the response arrives, the method
// timeout fires, or ctx is cancelled.
//
// Description:
//
//	Registers a pending entry keyed by a fresh ID, writes the framed
//	request, and waits. The deadline is the method's entry in the timeout
//	table unless ctx expires sooner. A timed-out call returns ErrCallTimeout
//	and its eventual response, if any, is discarded.
//
//	If the analyzer process crashes while the call is in flight, the call is
//	not failed: the pending entry is retained by the owning Server and
//	replayed on the restarted process, and this Call keeps waiting on the
//	same result channel.
//
// Errors:
//
//	ErrConnClosed - connection closed before the request was sent
//	ErrCallTimeout - no response within the method timeout
//	*AnalyzerError - analyzer returned an error response
func (p *Protocol) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	pc := &pendingCall{
		method:     method,
		params:     params,
		ch:         make(chan *Response, 1),
		enqueuedAt: time.Now(),
	}
	if err := p.submit(pc); err != nil {
		return nil, err
	}
	return p.await(ctx, pc)
}

// submit registers a pending call and writes it to the wire under a fresh ID.
func (p *Protocol) submit(pc *pendingCall) error {
	if p.closed.Load() {
		return ErrConnClosed
	}
	id := p.nextID.Add(1)

	p.pendingMu.Lock()
	p.pending[id] = pc
	p.pendingMu.Unlock()

	req := Request{JSONRPC: "2.0", ID: &id, Method: pc.method, Params: pc.params}
	if err := p.writeMessage(req); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return fmt.Errorf("sending %s: %w", pc.method, err)
	}
	return nil
}

// await blocks on the call's result channel until response, timeout, or
// cancellation.
func (p *Protocol) await(ctx context.Context, pc *pendingCall) (json.RawMessage, error) {
	timeout := p.timeouts.For(pc.method)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pc.ch:
		if resp.Error != nil {
			if resp.Error.Code == CodeConnClosed {
				return nil, fmt.Errorf("%s: %w", pc.method, ErrConnClosed)
			}
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		pc.done.Store(true)
		return nil, fmt.Errorf("%s after %s: %w", pc.method, timeout, ErrCallTimeout)
	case <-ctx.Done():
		pc.done.Store(true)
		return nil, ctx.Err()
	}
}

// Notify sends a notification (no ID, no response expected).
func (p *Protocol) Notify(method string, params any) error {
	if p.closed.Load() {
		return ErrConnClosed
	}
	return p.writeMessage(Request{JSONRPC: "2.0", Method: method, Params: params})
}

// writeMessage frames and writes one message under the write mutex.
func (p *Protocol) writeMessage(msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := fmt.Fprintf(p.writer, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := p.writer.Write(body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

// ReadLoop reads and dispatches messages until the connection breaks.
//
// Description:
//
//	Runs in its own goroutine for the lifetime of the connection. Returns
//	ErrProcessCrashed on EOF, which the owning Server uses as its crash
//	signal. Malformed frames abort the loop; individual malformed message
//	bodies are logged and skipped.
func (p *Protocol) ReadLoop() error {
	for {
		body, err := p.readMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrProcessCrashed
			}
			return err
		}

		var msg incomingMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			p.logger.Warn("Skipping malformed analyzer message", "error", err)
			continue
		}
		p.handleMessage(&msg)
	}
}

// readMessage reads one Content-Length framed message body.
func (p *Protocol) readMessage() ([]byte, error) {
	contentLength := -1
	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%w: bad Content-Length %q", ErrInvalidResponse, v)
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length header", ErrInvalidResponse)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(p.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

// handleMessage routes one incoming message.
func (p *Protocol) handleMessage(msg *incomingMessage) {
	switch {
	case msg.ID != nil && msg.Method != "":
		p.handleServerRequest(msg)
	case msg.ID != nil:
		p.handleResponse(msg)
	case msg.Method != "":
		if p.notify != nil {
			p.notify(msg.Method, msg.Params)
		}
	default:
		p.logger.Warn("Dropping analyzer message with no id and no method")
	}
}

// handleResponse matches a response to its pending call by ID.
func (p *Protocol) handleResponse(msg *incomingMessage) {
	p.pendingMu.Lock()
	pc, ok := p.pending[*msg.ID]
	if ok {
		delete(p.pending, *msg.ID)
	}
	p.pendingMu.Unlock()

	if !ok {
		// Stray response: no matching pending call. Likely a reply to a
		// call that timed out and was forgotten.
		p.logger.Debug("Dropping response with no pending call", "id", *msg.ID)
		return
	}
	pc.deliver(&Response{JSONRPC: "2.0", ID: *msg.ID, Result: msg.Result, Error: msg.Error})
}

// handleServerRequest answers a request initiated by the analyzer.
func (p *Protocol) handleServerRequest(msg *incomingMessage) {
	var result any
	var respErr *AnalyzerError
	if p.onServerRequest != nil {
		result, respErr = p.onServerRequest(msg.Method, msg.Params)
	} else {
		respErr = &AnalyzerError{Code: CodeMethodNotFound, Message: "unsupported client method"}
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": *msg.ID}
	if respErr != nil {
		resp["error"] = respErr
	} else {
		resp["result"] = result
	}
	if err := p.writeMessage(resp); err != nil {
		p.logger.Warn("Failed to answer analyzer request", "method", msg.Method, "error", err)
	}
}

// Close shuts the correlator down and fails every pending call with a
// connection-closed error. Used on orderly shutdown. Idempotent.
func (p *Protocol) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.pendingMu.Lock()
	pending := p.pending
	p.pending = make(map[int64]*pendingCall)
	p.pendingMu.Unlock()

	for _, pc := range pending {
		pc.fail(CodeConnClosed, "analyzer connection closed")
	}
}

// CloseRetain shuts the correlator down and hands back the pending calls
// instead of failing them. Used on the crash path so the owning Server can
// replay the calls on the restarted process. Calls the caller has abandoned
// are dropped.
func (p *Protocol) CloseRetain() []*pendingCall {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.pendingMu.Lock()
	pending := p.pending
	p.pending = make(map[int64]*pendingCall)
	p.pendingMu.Unlock()

	retained := make([]*pendingCall, 0, len(pending))
	for _, pc := range pending {
		if pc.done.Load() {
			continue
		}
		retained = append(retained, pc)
	}
	return retained
}

// PendingCount returns the number of in-flight calls.
func (p *Protocol) PendingCount() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}
