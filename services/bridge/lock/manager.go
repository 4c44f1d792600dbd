// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides in-memory shared/exclusive locks over named
// resources, typically canonical file paths.
//
// Locks are advisory and scoped to a Handle: the holder releases by
// releasing the handle, and releasing twice is harmless. Writers are
// preferred over new readers so a stream of read locks cannot starve a
// mutation. Exclusively locked files are watched with fsnotify so an
// external edit while the lock is held can be surfaced to callbacks.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Mode is the lock sharing mode.
type Mode int

// Lock modes.
const (
	// Shared allows any number of concurrent holders.
	Shared Mode = iota
	// Exclusive allows exactly one holder and no sharers.
	Exclusive
)

// String returns "shared" or "exclusive".
func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Config tunes lock acquisition.
type Config struct {
	// AcquireTimeout bounds how long Acquire waits before failing with
	// ErrLockContention.
	AcquireTimeout time.Duration

	// WatchExternal enables fsnotify watching of exclusively locked
	// files.
	WatchExternal bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AcquireTimeout: 10 * time.Second,
		WatchExternal:  true,
	}
}

// ExternalChangeEvent reports a filesystem change to a file that was
// exclusively locked at the time.
type ExternalChangeEvent struct {
	Resource   string
	Op         string
	DetectedAt time.Time
}

// ExternalChangeCallback receives external change events. Called from the
// watcher goroutine; implementations must not block.
type ExternalChangeCallback func(ExternalChangeEvent)

// hold counts one owner's live acquisitions of one resource. An owner
// may take the same shared lock from several concurrent requests, so
// release has to decrement rather than drop the record outright.
type hold struct {
	mode  Mode
	count int
}

// entry is the lock state for one resource.
type entry struct {
	readers        int
	writer         bool
	writersWaiting int

	// wake is closed and replaced whenever the entry's state changes in a
	// way that could unblock waiters.
	wake chan struct{}
}

// Manager is the in-memory lock table.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	resources map[string]*entry
	holds     map[string]map[string]*hold // owner -> resource -> counted hold
	closed    bool

	watcher   *fsnotify.Watcher
	watchDone chan struct{}

	cbMu      sync.RWMutex
	callbacks []ExternalChangeCallback
}

// NewManager creates a lock manager. The fsnotify watcher is started when
// WatchExternal is enabled; a watcher setup failure downgrades to
// watchless operation rather than failing construction.
func NewManager(config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		config:    config,
		logger:    logger.With("component", "lock.Manager"),
		resources: make(map[string]*entry),
		holds:     make(map[string]map[string]*hold),
	}
	if config.WatchExternal {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			m.logger.Warn("External change watching disabled", "error", err)
		} else {
			m.watcher = watcher
			m.watchDone = make(chan struct{})
			go m.watchLoop()
		}
	}
	return m
}

// RegisterCallback adds a callback for external changes to locked files.
func (m *Manager) RegisterCallback(cb ExternalChangeCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Acquire takes a lock on a named resource for an owner.
//
// Description:
//
//	Shared locks coexist with other shared locks. An exclusive lock waits
//	for all holders to release. New shared acquires queue behind waiting
//	writers so writers cannot starve. The wait is bounded by
//	AcquireTimeout or ctx, whichever ends first.
//
//	Upgrades are rejected: an owner holding a shared lock on the resource
//	gets ErrLockUpgrade when asking for exclusive.
//
// Errors:
//
//	ErrManagerClosed, ErrLockUpgrade, ErrLockContention, ctx.Err()
func (m *Manager) Acquire(ctx context.Context, owner, resource string, mode Mode) (*Handle, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}
	deadline := time.Now().Add(m.config.AcquireTimeout)
	registeredWait := false

	m.mu.Lock()
	defer func() {
		if registeredWait {
			if e, ok := m.resources[resource]; ok {
				e.writersWaiting--
				m.cleanupLocked(resource, e)
			}
		}
		m.mu.Unlock()
	}()

	for {
		if m.closed {
			return nil, ErrManagerClosed
		}
		if mode == Exclusive {
			if held, ok := m.holds[owner][resource]; ok && held.mode == Shared {
				return nil, fmt.Errorf("resource %s: %w", resource, ErrLockUpgrade)
			}
		}

		e, ok := m.resources[resource]
		if !ok {
			e = &entry{wake: make(chan struct{})}
			m.resources[resource] = e
		}

		granted := false
		switch mode {
		case Exclusive:
			if e.readers == 0 && !e.writer {
				e.writer = true
				granted = true
			}
		case Shared:
			if !e.writer && e.writersWaiting == 0 {
				e.readers++
				granted = true
			}
		}
		if granted {
			if registeredWait {
				e.writersWaiting--
				registeredWait = false
			}
			m.recordHoldLocked(owner, resource, mode)
			if mode == Exclusive {
				m.watchResource(resource)
			}
			return &Handle{manager: m, owner: owner, resource: resource, mode: mode}, nil
		}

		if mode == Exclusive && !registeredWait {
			e.writersWaiting++
			registeredWait = true
		}

		wake := e.wake
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("resource %s (%s): %w", resource, mode, ErrLockContention)
		}

		m.mu.Unlock()
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
			m.mu.Lock()
		case <-timer.C:
			m.mu.Lock()
			return nil, fmt.Errorf("resource %s (%s): %w", resource, mode, ErrLockContention)
		case <-ctx.Done():
			timer.Stop()
			m.mu.Lock()
			return nil, ctx.Err()
		}
	}
}

// release returns one hold on a resource.
func (m *Manager) release(owner, resource string, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A handle released after ReleaseAll already gave the lock back; it
	// must not disturb a holder that acquired in the meantime.
	if !m.ownerHoldsLocked(owner, resource) {
		return
	}
	e, ok := m.resources[resource]
	if !ok {
		return
	}
	switch mode {
	case Exclusive:
		e.writer = false
		m.unwatchResource(resource)
	case Shared:
		if e.readers > 0 {
			e.readers--
		}
	}
	m.dropHoldLocked(owner, resource)
	m.wakeLocked(e)
	m.cleanupLocked(resource, e)
}

// ReleaseAll releases every lock held by an owner. Used on session
// teardown so a failed caller cannot strand locks.
func (m *Manager) ReleaseAll(owner string) {
	m.mu.Lock()
	held := make(map[string]hold, len(m.holds[owner]))
	for resource, h := range m.holds[owner] {
		held[resource] = *h
	}
	m.mu.Unlock()

	for resource, h := range held {
		for i := 0; i < h.count; i++ {
			m.release(owner, resource, h.mode)
		}
	}
}

// IsLocked reports whether any lock is held on the resource.
func (m *Manager) IsLocked(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.resources[resource]
	return ok && (e.writer || e.readers > 0)
}

// Close shuts the manager down. Waiters are woken and fail with
// ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, e := range m.resources {
		m.wakeLocked(e)
	}
	watcher := m.watcher
	m.mu.Unlock()

	if watcher != nil {
		err := watcher.Close()
		<-m.watchDone
		return err
	}
	return nil
}

// =============================================================================
// Internal bookkeeping (m.mu held)
// =============================================================================

func (m *Manager) ownerHoldsLocked(owner, resource string) bool {
	_, ok := m.holds[owner][resource]
	return ok
}

func (m *Manager) recordHoldLocked(owner, resource string, mode Mode) {
	held, ok := m.holds[owner]
	if !ok {
		held = make(map[string]*hold)
		m.holds[owner] = held
	}
	if h, ok := held[resource]; ok {
		h.count++
		return
	}
	held[resource] = &hold{mode: mode, count: 1}
}

// dropHoldLocked returns one acquisition. The record survives until every
// acquisition by the owner has been released.
func (m *Manager) dropHoldLocked(owner, resource string) {
	held, ok := m.holds[owner]
	if !ok {
		return
	}
	h, ok := held[resource]
	if !ok {
		return
	}
	h.count--
	if h.count > 0 {
		return
	}
	delete(held, resource)
	if len(held) == 0 {
		delete(m.holds, owner)
	}
}

func (m *Manager) wakeLocked(e *entry) {
	close(e.wake)
	e.wake = make(chan struct{})
}

// cleanupLocked drops an entry nobody holds or waits on.
func (m *Manager) cleanupLocked(resource string, e *entry) {
	if e.readers == 0 && !e.writer && e.writersWaiting == 0 {
		delete(m.resources, resource)
	}
}

// =============================================================================
// External change watching
// =============================================================================

func (m *Manager) watchResource(resource string) {
	if m.watcher == nil {
		return
	}
	if err := m.watcher.Add(resource); err != nil {
		// The resource may not exist yet; that is fine for a lock taken
		// ahead of a create.
		m.logger.Debug("Not watching locked resource", "resource", resource, "error", err)
	}
}

func (m *Manager) unwatchResource(resource string) {
	if m.watcher == nil {
		return
	}
	_ = m.watcher.Remove(resource)
}

func (m *Manager) watchLoop() {
	defer close(m.watchDone)
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !m.IsLocked(event.Name) {
				continue
			}
			m.logger.Warn("Locked file changed externally",
				"resource", event.Name, "op", event.Op.String())
			m.emit(ExternalChangeEvent{
				Resource:   event.Name,
				Op:         event.Op.String(),
				DetectedAt: time.Now(),
			})
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Lock watcher error", "error", err)
		}
	}
}

func (m *Manager) emit(event ExternalChangeEvent) {
	m.cbMu.RLock()
	callbacks := make([]ExternalChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()
	for _, cb := range callbacks {
		cb(event)
	}
}

// =============================================================================
// Handle
// =============================================================================

// Handle is a scoped claim on one lock. Release returns it; releasing
// twice is a no-op.
type Handle struct {
	manager  *Manager
	owner    string
	resource string
	mode     Mode
	released atomic.Bool
}

// Resource returns the locked resource name.
func (h *Handle) Resource() string { return h.resource }

// Mode returns the lock mode.
func (h *Handle) Mode() Mode { return h.mode }

// Release returns the lock. Idempotent.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.manager.release(h.owner, h.resource, h.mode)
}
