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
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Configuration
// =============================================================================

// LanguageConfig describes how to spawn an analyzer for one language.
type LanguageConfig struct {
	// Language is the canonical language name (e.g. "go", "python").
	Language string `yaml:"language"`

	// Command is the analyzer binary name, resolved via PATH.
	Command string `yaml:"command"`

	// Args are passed to the analyzer binary.
	Args []string `yaml:"args"`

	// Extensions are the file extensions served, with leading dot.
	Extensions []string `yaml:"extensions"`

	// InitializationOptions is passed verbatim in the initialize request.
	InitializationOptions map[string]any `yaml:"initialization_options"`
}

// ServerOptions tunes crash recovery and call timeouts for one process.
type ServerOptions struct {
	// CrashCeiling is the number of crashes the process may accumulate
	// and still be restarted. One more crash declares it dead.
	CrashCeiling int

	// RestartBackoff is the pause before respawning a crashed process.
	RestartBackoff time.Duration

	// MaxReplays is the per-call ceiling on replay attempts across
	// restarts.
	MaxReplays int

	// ShutdownGrace is how long a graceful shutdown waits before the
	// process group is killed.
	ShutdownGrace time.Duration

	// Timeouts is the per-method response deadline table.
	Timeouts TimeoutTable
}

// DefaultServerOptions returns production defaults.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		CrashCeiling:   3,
		RestartBackoff: 2 * time.Second,
		MaxReplays:     2,
		ShutdownGrace:  5 * time.Second,
		Timeouts:       DefaultTimeouts(),
	}
}

// =============================================================================
// State machine
// =============================================================================

// State is the lifecycle state of an analyzer process.
type State int32

// Server lifecycle states.
const (
	StateUninitialized State = iota
	StateStarting
	StateReady
	StateRestarting
	StateStopping
	StateStopped
	StateDead
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// =============================================================================
// Server
// =============================================================================

// Server owns one long-lived analyzer process and its connection.
//
// Description:
//
//	Server spawns the analyzer in its own process group, runs the initialize
//	handshake, and exposes Call/Notify over the correlator. It monitors the
//	process for crashes: a crashed process below the crash ceiling is
//	respawned after a backoff and the calls that were in flight are replayed
//	on the fresh connection with new IDs. Past the ceiling the server is
//	marked dead and every retained call fails.
//
//	Calls that arrive while a restart is in progress wait for the restart
//	outcome instead of failing.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	config LanguageConfig
	opts   ServerOptions

	rootPath  string
	workspace string
	logger    *slog.Logger

	mu          sync.RWMutex
	state       State
	cmd         *exec.Cmd
	proto       *Protocol
	caps        ServerCapabilities
	crashes     int
	generation  int
	restartDone chan struct{}
	procDone    chan struct{}

	notify          NotificationHandler
	onServerRequest ServerRequestHandler

	ctx    context.Context
	cancel context.CancelFunc

	lastUsedMu sync.Mutex
	lastUsed   time.Time
}

// NewServer creates an unstarted analyzer server for a workspace root.
func NewServer(config LanguageConfig, rootPath string, opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		opts:      opts,
		rootPath:  rootPath,
		workspace: filepath.Base(rootPath),
		logger:    logger.With("component", "lsp.Server", "language", config.Language, "workspace", filepath.Base(rootPath)),
		ctx:       ctx,
		cancel:    cancel,
		lastUsed:  time.Now(),
	}
}

// SetNotificationHandler registers the subscriber for analyzer
// notifications. Must be called before Start.
func (s *Server) SetNotificationHandler(h NotificationHandler) {
	s.notify = h
}

// SetServerRequestHandler registers the responder for analyzer-initiated
// requests. Must be called before Start.
func (s *Server) SetServerRequestHandler(h ServerRequestHandler) {
	s.onServerRequest = h
}

// Start spawns the analyzer and runs the initialize handshake.
//
// Errors:
//
//	ErrServerAlreadyStarted - Start was already called
//	ErrServerNotInstalled - analyzer binary not in PATH
//	ErrInitializeFailed - handshake failed
func (s *Server) Start(ctx context.Context) error {
	if _, err := exec.LookPath(s.config.Command); err != nil {
		return fmt.Errorf("%w: %s", ErrServerNotInstalled, s.config.Command)
	}

	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return ErrServerAlreadyStarted
	}
	s.state = StateStarting
	if err := s.spawnLocked(); err != nil {
		s.state = StateStopped
		s.mu.Unlock()
		return err
	}
	proto := s.proto
	s.mu.Unlock()

	if err := s.initialize(ctx, proto); err != nil {
		s.killCurrent()
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInitializeFailed, err)
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	recordServerSpawn(s.ctx, s.config.Language)
	s.logger.Info("Analyzer started", "command", s.config.Command)
	return nil
}

// spawnLocked starts the child process and wires up a fresh correlator.
// Caller holds s.mu.
func (s *Server) spawnLocked() error {
	cmd := exec.CommandContext(s.ctx, s.config.Command, s.config.Args...)
	cmd.Dir = s.rootPath
	cmd.Env = os.Environ()
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.config.Command, err)
	}

	proto := NewProtocol(stdout, stdin, s.opts.Timeouts, s.logger)
	proto.SetNotificationHandler(s.notify)
	proto.SetServerRequestHandler(s.onServerRequest)

	s.cmd = cmd
	s.proto = proto
	s.generation++
	s.procDone = make(chan struct{})
	gen := s.generation

	go s.drainStderr(stderr)
	go s.readLoop(proto, cmd, gen, s.procDone)
	return nil
}

// readLoop runs the correlator read loop and reaps the process when the
// connection breaks. An unexpected exit triggers crash handling.
func (s *Server) readLoop(proto *Protocol, cmd *exec.Cmd, gen int, procDone chan struct{}) {
	err := proto.ReadLoop()
	// Always reap so the child never lingers as a zombie.
	waitErr := cmd.Wait()
	close(procDone)

	s.mu.RLock()
	st := s.state
	current := gen == s.generation
	s.mu.RUnlock()

	if !current || st == StateStopping || st == StateStopped || st == StateDead {
		return
	}
	if st == StateRestarting {
		// The restart loop owns recovery; its handshake will surface the
		// broken connection.
		return
	}

	s.logger.Warn("Analyzer connection broken",
		"read_error", err, "wait_error", waitErr, "state", st.String())
	s.handleCrash(gen)
}

// drainStderr forwards analyzer stderr lines to the debug log.
func (s *Server) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("Analyzer stderr", "line", scanner.Text())
	}
}

// handleCrash transitions a crashed server to Restarting or Dead.
func (s *Server) handleCrash(gen int) {
	s.mu.Lock()
	if gen != s.generation || (s.state != StateReady && s.state != StateStarting) {
		s.mu.Unlock()
		return
	}
	s.crashes++
	crashes := s.crashes
	retained := s.proto.CloseRetain()
	recordServerCrash(s.ctx, s.config.Language)

	if crashes > s.opts.CrashCeiling {
		s.state = StateDead
		s.mu.Unlock()
		s.logger.Error("Analyzer crashed past ceiling, marking dead",
			"crash_count", crashes, "failed_calls", len(retained))
		failAll(retained, CodeProcessDead, "analyzer crashed unrecoverably")
		return
	}

	s.state = StateRestarting
	s.restartDone = make(chan struct{})
	s.mu.Unlock()

	s.logger.Warn("Analyzer crashed, scheduling restart",
		"crash_count", crashes, "retained_calls", len(retained),
		"backoff", s.opts.RestartBackoff)
	go s.restart(retained)
}

// restart respawns the analyzer after the backoff and replays retained
// calls. Repeated failures count against the crash ceiling.
func (s *Server) restart(retained []*pendingCall) {
	for {
		select {
		case <-s.ctx.Done():
			s.finishRestart(StateStopped, retained, CodeConnClosed, "analyzer shut down during restart")
			return
		case <-time.After(s.opts.RestartBackoff):
		}

		s.mu.Lock()
		if s.state != StateRestarting {
			// Shutdown raced the restart. Unpark callers waiting on the
			// restart before failing the retained calls.
			done := s.restartDone
			s.mu.Unlock()
			failAll(retained, CodeConnClosed, "analyzer connection closed")
			if done != nil {
				close(done)
			}
			return
		}
		err := s.spawnLocked()
		proto := s.proto
		s.mu.Unlock()

		if err == nil {
			if err = s.initialize(s.ctx, proto); err == nil {
				s.mu.Lock()
				s.state = StateReady
				done := s.restartDone
				s.mu.Unlock()

				recordServerSpawn(s.ctx, s.config.Language)
				s.replay(proto, retained)
				close(done)
				s.logger.Info("Analyzer restarted", "replayed_calls", len(retained))
				return
			}
			s.killCurrent()
		}
		s.logger.Warn("Analyzer restart attempt failed", "error", err)

		s.mu.Lock()
		s.crashes++
		if s.crashes > s.opts.CrashCeiling {
			s.mu.Unlock()
			s.finishRestart(StateDead, retained, CodeProcessDead, "analyzer crashed unrecoverably")
			return
		}
		s.mu.Unlock()
	}
}

// finishRestart resolves a restart that will not produce a ready process.
func (s *Server) finishRestart(final State, retained []*pendingCall, code int, msg string) {
	s.mu.Lock()
	s.state = final
	done := s.restartDone
	s.mu.Unlock()
	failAll(retained, code, msg)
	if done != nil {
		close(done)
	}
}

// replay resubmits retained calls on the fresh connection. Each call gets a
// new ID; calls past the replay ceiling fail instead.
func (s *Server) replay(proto *Protocol, retained []*pendingCall) {
	for _, pc := range retained {
		if pc.done.Load() {
			continue
		}
		pc.replays++
		if pc.replays > s.opts.MaxReplays {
			pc.fail(CodeReplayExhausted, fmt.Sprintf("%s replayed %d times without completing", pc.method, pc.replays-1))
			continue
		}
		recordCallReplay(s.ctx, s.config.Language, pc.method)
		if err := proto.submit(pc); err != nil {
			pc.fail(CodeConnClosed, "analyzer connection closed during replay")
		}
	}
}

func failAll(calls []*pendingCall, code int, msg string) {
	for _, pc := range calls {
		pc.fail(code, msg)
	}
}

// initialize runs the LSP initialize handshake on a fresh connection.
func (s *Server) initialize(ctx context.Context, proto *Protocol) error {
	params := InitializeParams{
		ProcessID: os.Getpid(),
		RootURI:   PathToURI(s.rootPath),
		Capabilities: ClientCapabilities{
			TextDocument: &TextDocumentClientCapabilities{
				PublishDiagnostics: &PublishDiagnosticsCapabilities{VersionSupport: true},
			},
			Workspace: &WorkspaceClientCapabilities{
				ApplyEdit:        true,
				WorkspaceFolders: true,
			},
		},
		WorkspaceFolders: []WorkspaceFolder{
			{URI: PathToURI(s.rootPath), Name: s.workspace},
		},
		InitializationOptions: s.config.InitializationOptions,
	}

	raw, err := proto.Call(ctx, "initialize", params)
	if err != nil {
		return err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := proto.Notify("initialized", struct{}{}); err != nil {
		return err
	}

	s.mu.Lock()
	s.caps = result.Capabilities
	s.mu.Unlock()
	return nil
}

// Call sends a request to the analyzer and waits for the response.
//
// Description:
//
//	On a ready server this is a straight correlator call. While a restart is
//	in progress the call waits for the restart outcome. A dead server fails
//	immediately with ErrProcessDead.
//
// Errors:
//
//	ErrServerNotRunning, ErrProcessDead, ErrCallTimeout, ErrConnClosed,
//	ErrReplayExhausted, *AnalyzerError
func (s *Server) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if ctx == nil {
		return nil, errors.New("context cannot be nil")
	}
	s.touchLastUsed()

	for attempt := 0; attempt < 3; attempt++ {
		s.mu.RLock()
		st := s.state
		proto := s.proto
		done := s.restartDone
		s.mu.RUnlock()

		switch st {
		case StateReady:
			start := time.Now()
			raw, err := s.mapCallError(proto.Call(ctx, method, params))
			recordCall(s.ctx, s.config.Language, method, time.Since(start), err)
			if errors.Is(err, ErrConnClosed) {
				// Connection died under us; re-check state in case a
				// restart picked the call up.
				continue
			}
			return raw, err
		case StateRestarting:
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case StateDead:
			return nil, fmt.Errorf("%s analyzer: %w", s.config.Language, ErrProcessDead)
		default:
			return nil, fmt.Errorf("%s analyzer in state %s: %w", s.config.Language, st, ErrServerNotRunning)
		}
	}
	return nil, fmt.Errorf("%s analyzer: %w", s.config.Language, ErrConnClosed)
}

// mapCallError rewrites synthetic correlator error codes to sentinels.
func (s *Server) mapCallError(raw json.RawMessage, err error) (json.RawMessage, error) {
	var ae *AnalyzerError
	if errors.As(err, &ae) {
		switch ae.Code {
		case CodeProcessDead:
			return nil, fmt.Errorf("%s analyzer: %w", s.config.Language, ErrProcessDead)
		case CodeReplayExhausted:
			return nil, fmt.Errorf("%s: %w", ae.Message, ErrReplayExhausted)
		}
	}
	return raw, err
}

// Notify sends a notification to the analyzer. Notifications are not
// buffered across restarts.
func (s *Server) Notify(method string, params any) error {
	s.touchLastUsed()

	s.mu.RLock()
	st := s.state
	proto := s.proto
	s.mu.RUnlock()

	if st != StateReady {
		return fmt.Errorf("%s analyzer in state %s: %w", s.config.Language, st, ErrServerNotRunning)
	}
	return proto.Notify(method, params)
}

// Shutdown stops the analyzer gracefully: shutdown request, exit
// notification, then a process group kill if it does not exit within the
// grace window. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateStopping {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.state = StateStopping
	proto := s.proto
	cmd := s.cmd
	procDone := s.procDone
	s.mu.Unlock()

	if proto != nil && prev == StateReady {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownGrace)
		if _, err := proto.Call(shutdownCtx, "shutdown", nil); err != nil {
			s.logger.Debug("Graceful shutdown request failed", "error", err)
		}
		if err := proto.Notify("exit", nil); err != nil {
			s.logger.Debug("Exit notification failed", "error", err)
		}
		cancel()
	}
	if proto != nil {
		proto.Close()
	}

	if cmd != nil && cmd.Process != nil && procDone != nil {
		select {
		case <-procDone:
		case <-time.After(s.opts.ShutdownGrace):
			s.logger.Warn("Analyzer did not exit, killing process group")
			killProcGroup(cmd)
		}
	}

	s.cancel()
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info("Analyzer stopped")
	return nil
}

// killCurrent kills the current child process group without state changes.
func (s *Server) killCurrent() {
	s.mu.RLock()
	cmd := s.cmd
	proto := s.proto
	s.mu.RUnlock()
	if proto != nil {
		proto.Close()
	}
	if cmd != nil && cmd.Process != nil {
		killProcGroup(cmd)
	}
}

// =============================================================================
// Accessors
// =============================================================================

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CrashCount returns how many times the process has crashed.
func (s *Server) CrashCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crashes
}

// Capabilities returns the capabilities reported during initialize.
func (s *Server) Capabilities() ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

// Language returns the analyzer's language name.
func (s *Server) Language() string { return s.config.Language }

// RootPath returns the workspace root the analyzer was started for.
func (s *Server) RootPath() string { return s.rootPath }

// LastUsed returns the time of the most recent Call or Notify.
func (s *Server) LastUsed() time.Time {
	s.lastUsedMu.Lock()
	defer s.lastUsedMu.Unlock()
	return s.lastUsed
}

func (s *Server) touchLastUsed() {
	s.lastUsedMu.Lock()
	s.lastUsed = time.Now()
	s.lastUsedMu.Unlock()
}

// PathToURI converts an absolute filesystem path to a file URI.
func PathToURI(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// URIToPath converts a file URI back to a filesystem path.
func URIToPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	return filepath.FromSlash(u.Path), nil
}
