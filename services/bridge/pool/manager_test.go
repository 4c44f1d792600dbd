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

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/codebridge/services/bridge/lsp"
)

// TestMain lets the test binary double as a minimal analyzer: it answers
// every request so pool mechanics can be tested against real processes.
func TestMain(m *testing.M) {
	if os.Getenv("POOL_ANALYZER_HELPER") == "1" {
		runHelperAnalyzer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperAnalyzer() {
	r := bufio.NewReader(os.Stdin)
	for {
		length := -1
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
				length, _ = strconv.Atoi(strings.TrimSpace(v))
			}
		}
		if length < 0 {
			return
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}
		var msg struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			continue
		}
		if msg.Method == "exit" {
			return
		}
		if msg.ID == nil {
			continue
		}
		result := "null"
		if msg.Method == "initialize" {
			result = `{"capabilities":{}}`
		}
		resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, *msg.ID, result)
		fmt.Fprintf(os.Stdout, "Content-Length: %d\r\n\r\n%s", len(resp), resp)
	}
}

type staticLanguages map[string]lsp.LanguageConfig

func (s staticLanguages) Language(name string) (lsp.LanguageConfig, error) {
	cfg, ok := s[name]
	if !ok {
		return lsp.LanguageConfig{}, fmt.Errorf("language %s not registered", name)
	}
	return cfg, nil
}

func testManager(t *testing.T, config Config) *Manager {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locating test binary: %v", err)
	}
	t.Setenv("POOL_ANALYZER_HELPER", "1")

	langs := staticLanguages{
		"go":     {Language: "go", Command: exe, Extensions: []string{".go"}},
		"python": {Language: "python", Command: exe, Extensions: []string{".py"}},
	}
	m := NewManager(config, langs, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.ShutdownAll(ctx)
	})
	return m
}

func testConfig() Config {
	config := DefaultConfig()
	config.SpawnRate = rate.Limit(1000)
	config.SpawnBurst = 100
	config.Server.Timeouts = lsp.TimeoutTable{Default: 5 * time.Second}
	return config
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.MaxPerLanguage != 2 {
		t.Errorf("MaxPerLanguage = %d, want 2", config.MaxPerLanguage)
	}
	if config.LeaseTimeout != 30*time.Second {
		t.Errorf("LeaseTimeout = %v, want 30s", config.LeaseTimeout)
	}
	if config.IdleTimeout != 60*time.Second {
		t.Errorf("IdleTimeout = %v, want 60s", config.IdleTimeout)
	}
	if config.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want 30s", config.SweepInterval)
	}
}

func TestManager_LeaseReuse(t *testing.T) {
	m := testManager(t, testConfig())
	ctx := context.Background()
	ws := t.TempDir()

	l1, err := m.Lease(ctx, ws, "go")
	if err != nil {
		t.Fatalf("first Lease: %v", err)
	}
	l2, err := m.Lease(ctx, ws, "go")
	if err != nil {
		t.Fatalf("second Lease: %v", err)
	}
	if l1.Server() != l2.Server() {
		t.Error("leases for the same workspace and language must share a process")
	}

	infos := m.Running()
	if len(infos) != 1 {
		t.Fatalf("running = %d entries, want 1", len(infos))
	}
	if infos[0].Leases != 2 {
		t.Errorf("leases = %d, want 2", infos[0].Leases)
	}

	l1.Release()
	l2.Release()
	l2.Release() // double release is a no-op

	infos = m.Running()
	if infos[0].Leases != 0 {
		t.Errorf("leases after release = %d, want 0", infos[0].Leases)
	}
}

func TestManager_ConcurrentLeaseSharesSpawn(t *testing.T) {
	m := testManager(t, testConfig())
	ws := t.TempDir()

	var wg sync.WaitGroup
	servers := make([]*lsp.Server, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := m.Lease(context.Background(), ws, "go")
			if err != nil {
				t.Errorf("Lease %d: %v", i, err)
				return
			}
			servers[i] = lease.Server()
			lease.Release()
		}(i)
	}
	wg.Wait()

	for i := 1; i < 10; i++ {
		if servers[i] != servers[0] {
			t.Fatalf("lease %d got a different process", i)
		}
	}
	if got := len(m.Running()); got != 1 {
		t.Errorf("running = %d entries, want 1", got)
	}
}

func TestManager_IdleSweep(t *testing.T) {
	config := testConfig()
	config.IdleTimeout = 100 * time.Millisecond
	config.SweepInterval = 25 * time.Millisecond
	m := testManager(t, config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartSweeper(ctx)

	ws := t.TempDir()
	for i := 0; i < 3; i++ {
		lease, err := m.Lease(ctx, ws, "go")
		if err != nil {
			t.Fatalf("Lease cycle %d: %v", i, err)
		}
		lease.Release()
	}
	if got := len(m.Running()); got != 1 {
		t.Fatalf("running = %d entries after cycles, want 1", got)
	}

	deadline := time.After(5 * time.Second)
	for len(m.Running()) != 0 {
		select {
		case <-deadline:
			t.Fatal("idle process was never reclaimed")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func TestManager_CapacityWait(t *testing.T) {
	config := testConfig()
	config.MaxPerLanguage = 2
	config.LeaseTimeout = 5 * time.Second
	m := testManager(t, config)
	ctx := context.Background()

	l1, err := m.Lease(ctx, t.TempDir(), "go")
	if err != nil {
		t.Fatalf("Lease ws1: %v", err)
	}
	l2, err := m.Lease(ctx, t.TempDir(), "go")
	if err != nil {
		t.Fatalf("Lease ws2: %v", err)
	}
	defer l2.Release()

	// Third workspace: both slots are actively leased, so this must wait.
	acquired := make(chan error, 1)
	go func() {
		l3, err := m.Lease(ctx, t.TempDir(), "go")
		if err == nil {
			l3.Release()
		}
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("third lease did not wait (err=%v)", err)
	case <-time.After(200 * time.Millisecond):
	}

	// Releasing one slot must wake the waiter promptly.
	l1.Release()
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("third lease after release: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("third lease never woke up after release")
	}
}

func TestManager_LeaseTimeout(t *testing.T) {
	config := testConfig()
	config.MaxPerLanguage = 1
	config.LeaseTimeout = 150 * time.Millisecond
	m := testManager(t, config)
	ctx := context.Background()

	l1, err := m.Lease(ctx, t.TempDir(), "go")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	defer l1.Release()

	start := time.Now()
	_, err = m.Lease(ctx, t.TempDir(), "go")
	if !errors.Is(err, ErrLeaseTimeout) {
		t.Fatalf("got %v, want ErrLeaseTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("timed out after %v, before the lease window", elapsed)
	}
}

func TestManager_CapacityIsPerLanguage(t *testing.T) {
	config := testConfig()
	config.MaxPerLanguage = 1
	m := testManager(t, config)
	ctx := context.Background()

	lgo, err := m.Lease(ctx, t.TempDir(), "go")
	if err != nil {
		t.Fatalf("Lease go: %v", err)
	}
	defer lgo.Release()

	// A different language has its own capacity.
	lpy, err := m.Lease(ctx, t.TempDir(), "python")
	if err != nil {
		t.Fatalf("Lease python: %v", err)
	}
	lpy.Release()
}

func TestManager_UnknownLanguage(t *testing.T) {
	m := testManager(t, testConfig())
	if _, err := m.Lease(context.Background(), t.TempDir(), "cobol"); !errors.Is(err, ErrUnknownLanguage) {
		t.Errorf("got %v, want ErrUnknownLanguage", err)
	}
}

func TestManager_ShutdownAll(t *testing.T) {
	m := testManager(t, testConfig())
	ctx := context.Background()

	lease, err := m.Lease(ctx, t.TempDir(), "go")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	lease.Release()

	if err := m.ShutdownAll(ctx); err != nil {
		t.Fatalf("ShutdownAll: %v", err)
	}
	if _, err := m.Lease(ctx, t.TempDir(), "go"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("got %v, want ErrPoolClosed", err)
	}
}
