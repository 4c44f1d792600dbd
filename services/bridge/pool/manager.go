// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool manages a pool of analyzer processes keyed by workspace and
// language.
//
// A Lease hands out a running process for a (workspace, language) pair,
// spawning one when none exists. Capacity is bounded per language: when the
// limit is reached, leases wait for a release and are woken immediately
// rather than polling. A sweeper reclaims processes that stay unleased past
// the idle window.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/codebridge/services/bridge/lsp"
)

// =============================================================================
// Configuration
// =============================================================================

// Config tunes pool capacity and reclamation.
type Config struct {
	// MaxPerLanguage bounds concurrent processes per language across all
	// workspaces.
	MaxPerLanguage int

	// LeaseTimeout is how long a lease waits for a free slot before
	// failing with ErrLeaseTimeout.
	LeaseTimeout time.Duration

	// IdleTimeout is how long an unleased process may sit before the
	// sweeper reclaims it.
	IdleTimeout time.Duration

	// SweepInterval is how often the idle sweeper runs.
	SweepInterval time.Duration

	// SpawnRate and SpawnBurst bound process spawns to keep a crash or
	// lease storm from forking without limit.
	SpawnRate  rate.Limit
	SpawnBurst int

	// Server carries crash recovery and timeout options for spawned
	// processes.
	Server lsp.ServerOptions
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerLanguage: 2,
		LeaseTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		SweepInterval:  30 * time.Second,
		SpawnRate:      rate.Limit(2),
		SpawnBurst:     4,
		Server:         lsp.DefaultServerOptions(),
	}
}

// LanguageSource resolves a language name to its spawn configuration.
// Implemented by the config package's registry.
type LanguageSource interface {
	Language(name string) (lsp.LanguageConfig, error)
}

// =============================================================================
// Pool entries
// =============================================================================

// Key identifies one pooled process.
type Key struct {
	Workspace string
	Language  string
}

// pooledProcess is one pool entry. refs counts outstanding leases; a zero
// refcount plus an elapsed idle window makes the entry reclaimable.
type pooledProcess struct {
	server *lsp.Server

	refs      int
	idleSince time.Time

	// ready is closed once the spawn and handshake finish. startErr holds
	// the spawn failure, if any.
	ready    chan struct{}
	startErr error
}

// ProcessInfo is a point-in-time snapshot of one pool entry.
type ProcessInfo struct {
	Workspace  string    `json:"workspace"`
	Language   string    `json:"language"`
	State      string    `json:"state"`
	Leases     int       `json:"leases"`
	CrashCount int       `json:"crash_count"`
	LastUsed   time.Time `json:"last_used"`
}

// =============================================================================
// Manager
// =============================================================================

// Manager is the analyzer process pool.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	config    Config
	languages LanguageSource
	logger    *slog.Logger
	limiter   *rate.Limiter

	mu     sync.Mutex
	procs  map[Key]*pooledProcess
	wakeup map[string]chan struct{}
	closed bool

	notify          lsp.NotificationHandler
	onServerRequest lsp.ServerRequestHandler

	sweepCancel context.CancelFunc
}

// NewManager creates a pool that resolves spawn configs from languages.
func NewManager(config Config, languages LanguageSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:    config,
		languages: languages,
		logger:    logger.With("component", "pool.Manager"),
		limiter:   rate.NewLimiter(config.SpawnRate, config.SpawnBurst),
		procs:     make(map[Key]*pooledProcess),
		wakeup:    make(map[string]chan struct{}),
	}
}

// SetNotificationHandler registers the subscriber propagated to every
// spawned process. Must be called before the first Lease.
func (m *Manager) SetNotificationHandler(h lsp.NotificationHandler) {
	m.notify = h
}

// SetServerRequestHandler registers the analyzer-initiated request
// responder propagated to every spawned process. Must be called before the
// first Lease.
func (m *Manager) SetServerRequestHandler(h lsp.ServerRequestHandler) {
	m.onServerRequest = h
}

// Lease returns a running analyzer for the workspace and language.
//
// Description:
//
//	An existing process for the pair is shared: its refcount rises and no
//	capacity is consumed. Otherwise a process is spawned if the language is
//	below its capacity. At capacity, the call sleeps until a release frees a
//	slot and retries, failing with ErrLeaseTimeout when the lease window
//	elapses first. A process found dead is dropped from the pool and its
//	slot becomes available immediately.
//
// Errors:
//
//	ErrPoolClosed, ErrUnknownLanguage, ErrLeaseTimeout, plus spawn and
//	handshake errors from the lsp package.
func (m *Manager) Lease(ctx context.Context, workspace, language string) (*Lease, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}
	key := Key{Workspace: workspace, Language: language}
	start := time.Now()
	deadline := start.Add(m.config.LeaseTimeout)

	for {
		lease, wait, err := m.tryLease(ctx, key)
		if err != nil {
			recordLease(ctx, language, "error", time.Since(start))
			return nil, err
		}
		if lease != nil {
			recordLease(ctx, language, "ok", time.Since(start))
			return lease, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			recordLease(ctx, language, "timeout", time.Since(start))
			return nil, fmt.Errorf("language %s: %w", language, ErrLeaseTimeout)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			recordLease(ctx, language, "timeout", time.Since(start))
			return nil, fmt.Errorf("language %s: %w", language, ErrLeaseTimeout)
		case <-ctx.Done():
			timer.Stop()
			recordLease(ctx, language, "cancelled", time.Since(start))
			return nil, ctx.Err()
		}
	}
}

// tryLease attempts one lease pass. It returns a lease, or a wakeup channel
// to wait on when the language is at capacity.
func (m *Manager) tryLease(ctx context.Context, key Key) (*Lease, <-chan struct{}, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrPoolClosed
	}

	if proc, ok := m.procs[key]; ok {
		if proc.server != nil && proc.server.State() == lsp.StateDead {
			// Drop the dead entry; its slot frees up for this attempt.
			delete(m.procs, key)
			m.wakeLocked(key.Language)
		} else {
			proc.refs++
			ready := proc.ready
			m.mu.Unlock()
			return m.awaitReady(ctx, key, proc, ready)
		}
	}

	if m.countLocked(key.Language) >= m.config.MaxPerLanguage {
		// A slot may be held by an unleased process serving another
		// workspace; evict the longest-idle one instead of waiting.
		victim, ok := m.evictIdleLocked(key.Language)
		if !ok {
			wait := m.wakeChanLocked(key.Language)
			m.mu.Unlock()
			return nil, wait, nil
		}
		go func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = victim.Shutdown(shutdownCtx)
		}()
	}

	// Reserve the slot before spawning so concurrent leases for the same
	// key share the spawn instead of racing it.
	proc := &pooledProcess{refs: 1, ready: make(chan struct{})}
	m.procs[key] = proc
	m.mu.Unlock()

	go m.spawn(key, proc)
	return m.awaitReady(ctx, key, proc, proc.ready)
}

// awaitReady blocks until the entry's spawn completes, then wraps it in a
// lease handle.
func (m *Manager) awaitReady(ctx context.Context, key Key, proc *pooledProcess, ready chan struct{}) (*Lease, <-chan struct{}, error) {
	select {
	case <-ready:
	case <-ctx.Done():
		m.releaseKey(key)
		return nil, nil, ctx.Err()
	}
	if proc.startErr != nil {
		m.releaseKey(key)
		return nil, nil, proc.startErr
	}
	return &Lease{manager: m, key: key, server: proc.server}, nil, nil
}

// spawn starts the analyzer process for a reserved pool entry.
func (m *Manager) spawn(key Key, proc *pooledProcess) {
	defer close(proc.ready)

	spawnCtx, cancel := context.WithTimeout(context.Background(), m.config.LeaseTimeout)
	defer cancel()

	cfg, err := m.languages.Language(key.Language)
	if err != nil {
		proc.startErr = fmt.Errorf("%w: %s", ErrUnknownLanguage, key.Language)
		m.dropFailed(key)
		return
	}
	if err := m.limiter.Wait(spawnCtx); err != nil {
		proc.startErr = fmt.Errorf("spawn limiter: %w", err)
		m.dropFailed(key)
		return
	}

	server := lsp.NewServer(cfg, key.Workspace, m.config.Server, m.logger)
	server.SetNotificationHandler(m.notify)
	server.SetServerRequestHandler(m.onServerRequest)

	if err := server.Start(spawnCtx); err != nil {
		proc.startErr = err
		m.dropFailed(key)
		return
	}

	m.mu.Lock()
	proc.server = server
	m.mu.Unlock()

	recordPoolSize(context.Background(), key.Language, 1)
	m.logger.Info("Pooled analyzer started",
		"workspace", key.Workspace, "language", key.Language)
}

// dropFailed removes an entry whose spawn failed and frees its slot.
func (m *Manager) dropFailed(key Key) {
	m.mu.Lock()
	delete(m.procs, key)
	m.wakeLocked(key.Language)
	m.mu.Unlock()
}

// releaseKey decrements one lease on the entry and wakes waiters when the
// refcount reaches zero.
func (m *Manager) releaseKey(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proc, ok := m.procs[key]
	if !ok {
		return
	}
	if proc.refs > 0 {
		proc.refs--
	}
	if proc.refs == 0 {
		proc.idleSince = time.Now()
		m.wakeLocked(key.Language)
	}
}

// evictIdleLocked removes the longest-idle unleased entry for a language
// and returns its server for shutdown. Caller holds m.mu.
func (m *Manager) evictIdleLocked(language string) (*lsp.Server, bool) {
	var victimKey Key
	var victim *pooledProcess
	for key, proc := range m.procs {
		if key.Language != language || proc.refs != 0 || proc.server == nil {
			continue
		}
		if victim == nil || proc.idleSince.Before(victim.idleSince) {
			victimKey, victim = key, proc
		}
	}
	if victim == nil {
		return nil, false
	}
	delete(m.procs, victimKey)
	recordPoolSize(context.Background(), language, -1)
	return victim.server, true
}

// countLocked counts pool entries for a language. Caller holds m.mu.
func (m *Manager) countLocked(language string) int {
	n := 0
	for key := range m.procs {
		if key.Language == language {
			n++
		}
	}
	return n
}

// wakeChanLocked returns the channel closed on the language's next release.
func (m *Manager) wakeChanLocked(language string) chan struct{} {
	ch, ok := m.wakeup[language]
	if !ok {
		ch = make(chan struct{})
		m.wakeup[language] = ch
	}
	return ch
}

// wakeLocked wakes every lease waiting on the language.
func (m *Manager) wakeLocked(language string) {
	if ch, ok := m.wakeup[language]; ok {
		close(ch)
		delete(m.wakeup, language)
	}
}

// =============================================================================
// Sweeper
// =============================================================================

// StartSweeper launches the idle reclamation loop. Stops when ctx is
// cancelled or the pool shuts down.
func (m *Manager) StartSweeper(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.sweepCancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				m.sweep(sweepCtx)
			}
		}
	}()
}

// sweep reclaims dead entries and processes idle past the window.
func (m *Manager) sweep(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var reclaim []*lsp.Server
	for key, proc := range m.procs {
		if proc.server == nil {
			continue // spawn in progress
		}
		dead := proc.server.State() == lsp.StateDead
		idle := proc.refs == 0 && !proc.idleSince.IsZero() && now.Sub(proc.idleSince) >= m.config.IdleTimeout
		if dead || idle {
			delete(m.procs, key)
			m.wakeLocked(key.Language)
			if !dead {
				reclaim = append(reclaim, proc.server)
			}
			m.logger.Info("Reclaiming pooled analyzer",
				"workspace", key.Workspace, "language", key.Language,
				"dead", dead)
			recordPoolSize(ctx, key.Language, -1)
			recordReclaim(ctx, key.Language, dead)
		}
	}
	m.mu.Unlock()

	for _, server := range reclaim {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}
}

// =============================================================================
// Introspection and shutdown
// =============================================================================

// Running returns a snapshot of every pool entry.
func (m *Manager) Running() []ProcessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]ProcessInfo, 0, len(m.procs))
	for key, proc := range m.procs {
		info := ProcessInfo{
			Workspace: key.Workspace,
			Language:  key.Language,
			Leases:    proc.refs,
			State:     "starting",
		}
		if proc.server != nil {
			info.State = proc.server.State().String()
			info.CrashCount = proc.server.CrashCount()
			info.LastUsed = proc.server.LastUsed()
		}
		infos = append(infos, info)
	}
	return infos
}

// ShutdownAll stops the sweeper and every pooled process.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.sweepCancel != nil {
		m.sweepCancel()
	}
	procs := make([]*pooledProcess, 0, len(m.procs))
	for _, proc := range m.procs {
		procs = append(procs, proc)
	}
	m.procs = make(map[Key]*pooledProcess)
	for lang := range m.wakeup {
		m.wakeLocked(lang)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, proc := range procs {
		server := proc.server
		if server == nil {
			continue
		}
		g.Go(func() error {
			return server.Shutdown(gctx)
		})
	}
	return g.Wait()
}

// =============================================================================
// Lease handle
// =============================================================================

// Lease is a scoped claim on one pooled process. Release returns the claim;
// releasing twice is a no-op.
type Lease struct {
	manager  *Manager
	key      Key
	server   *lsp.Server
	released atomic.Bool
}

// Server returns the leased analyzer process.
func (l *Lease) Server() *lsp.Server {
	return l.server
}

// Workspace returns the workspace root this lease is bound to.
func (l *Lease) Workspace() string { return l.key.Workspace }

// Release returns the lease to the pool. Idempotent.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.manager.releaseKey(l.key)
}
