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

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/codebridge/services/bridge/lock"
)

// testQueue runs a queue whose handler appends tool names to an execution
// log. gate, when non-nil, blocks the first execution until closed.
type testQueue struct {
	q    *Queue
	mu   sync.Mutex
	log  []string
	gate chan struct{}
}

func newTestQueue(t *testing.T, config Config) *testQueue {
	t.Helper()
	locks := lock.NewManager(lock.Config{AcquireTimeout: 5 * time.Second}, nil)
	t.Cleanup(func() { _ = locks.Close() })

	tq := &testQueue{}
	tq.q = New(config, locks, func(ctx context.Context, op *Operation) (any, error) {
		tq.mu.Lock()
		first := len(tq.log) == 0
		tq.log = append(tq.log, op.Tool)
		gate := tq.gate
		tq.mu.Unlock()
		if first && gate != nil {
			<-gate
		}
		if fn, ok := op.Payload.(func() (any, error)); ok {
			return fn()
		}
		return op.Tool + "-done", nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tq.q.Run(ctx)
	return tq
}

func (tq *testQueue) executed() []string {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	out := make([]string, len(tq.log))
	copy(out, tq.log)
	return out
}

func waitForPending(t *testing.T, q *Queue, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for q.Stats().Pending < n {
		select {
		case <-deadline:
			t.Fatalf("pending never reached %d (now %d)", n, q.Stats().Pending)
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func TestQueue_SubmitCompletes(t *testing.T) {
	tq := newTestQueue(t, DefaultConfig())

	value, err := tq.q.Submit(context.Background(), "write_file", "/a.go", PriorityWrite, nil)
	require.NoError(t, err)
	assert.Equal(t, "write_file-done", value)

	stats := tq.q.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, 0, stats.Pending)
}

func TestQueue_PriorityOrdering(t *testing.T) {
	// A rename enqueued after a format must still drain first.
	tq := newTestQueue(t, DefaultConfig())
	tq.gate = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	submit := func(tool, resource string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tq.q.Submit(ctx, tool, resource, priority, nil)
			assert.NoError(t, err)
		}()
	}

	// Occupy the drain loop so later submits queue up.
	submit("blocker", "/blocker.go", PriorityWrite)
	deadline := time.After(2 * time.Second)
	for len(tq.executed()) == 0 {
		select {
		case <-deadline:
			t.Fatal("blocker never started")
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}

	submit("format_file", "/b.go", PriorityFormat)
	waitForPending(t, tq.q, 1)
	submit("rename_symbol", "/c.go", PriorityRename)
	waitForPending(t, tq.q, 2)

	close(tq.gate)
	wg.Wait()

	require.Equal(t, []string{"blocker", "rename_symbol", "format_file"}, tq.executed())
}

func TestQueue_FIFOWithinClass(t *testing.T) {
	tq := newTestQueue(t, DefaultConfig())
	tq.gate = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	submit := func(tool, resource string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tq.q.Submit(ctx, tool, resource, PriorityWrite, nil)
			assert.NoError(t, err)
		}()
	}

	submit("blocker", "/blocker.go")
	for len(tq.executed()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	submit("first", "/1.go")
	waitForPending(t, tq.q, 1)
	submit("second", "/2.go")
	waitForPending(t, tq.q, 2)
	submit("third", "/3.go")
	waitForPending(t, tq.q, 3)

	close(tq.gate)
	wg.Wait()

	require.Equal(t, []string{"blocker", "first", "second", "third"}, tq.executed())
}

func TestQueue_SameResourceBatching(t *testing.T) {
	// Once the loop is on a resource it finishes that resource's queued
	// work before switching, even to a more urgent class elsewhere.
	tq := newTestQueue(t, DefaultConfig())
	tq.gate = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	submit := func(tool, resource string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tq.q.Submit(ctx, tool, resource, priority, nil)
			assert.NoError(t, err)
		}()
	}

	submit("blocker", "/x.go", PriorityWrite)
	for len(tq.executed()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	submit("same_file_write", "/x.go", PriorityWrite)
	waitForPending(t, tq.q, 1)
	submit("refactor_elsewhere", "/y.go", PriorityRefactor)
	waitForPending(t, tq.q, 2)

	close(tq.gate)
	wg.Wait()

	require.Equal(t, []string{"blocker", "same_file_write", "refactor_elsewhere"}, tq.executed())
}

func TestQueue_Cancel(t *testing.T) {
	tq := newTestQueue(t, DefaultConfig())
	tq.gate = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := tq.q.Submit(ctx, "blocker", "/blocker.go", PriorityWrite, nil)
		assert.NoError(t, err)
	}()
	for len(tq.executed()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := tq.q.Submit(ctx, "victim", "/v.go", PriorityWrite, nil)
		errCh <- err
	}()
	waitForPending(t, tq.q, 1)

	// Find and cancel the queued operation.
	tq.q.mu.Lock()
	require.Len(t, tq.q.heap, 1)
	id := tq.q.heap[0].ID
	tq.q.mu.Unlock()
	require.True(t, tq.q.Cancel(id))

	err := <-errCh
	require.ErrorIs(t, err, ErrCancelled)

	close(tq.gate)
	wg.Wait()

	assert.False(t, tq.q.Cancel(id), "cancelling twice must report false")
	assert.NotContains(t, tq.executed(), "victim")
	assert.Equal(t, uint64(1), tq.q.Stats().Cancelled)
}

func TestQueue_SubmitterContextCancel(t *testing.T) {
	tq := newTestQueue(t, DefaultConfig())
	tq.gate = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = tq.q.Submit(context.Background(), "blocker", "/blocker.go", PriorityWrite, nil)
	}()
	for len(tq.executed()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tq.q.Submit(ctx, "cancelled_op", "/c.go", PriorityWrite, nil)
		errCh <- err
	}()
	waitForPending(t, tq.q, 1)
	cancel()

	require.ErrorIs(t, <-errCh, ErrCancelled)
	close(tq.gate)
	wg.Wait()
}

func TestQueue_Full(t *testing.T) {
	config := DefaultConfig()
	config.MaxSize = 1
	tq := newTestQueue(t, config)
	tq.gate = make(chan struct{})
	defer close(tq.gate)
	ctx := context.Background()

	go tq.q.Submit(ctx, "blocker", "/blocker.go", PriorityWrite, nil)
	for len(tq.executed()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	go tq.q.Submit(ctx, "fills_queue", "/f.go", PriorityWrite, nil)
	waitForPending(t, tq.q, 1)

	_, err := tq.q.Submit(ctx, "overflow", "/o.go", PriorityWrite, nil)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestQueue_HandlerErrorCountsAsFailed(t *testing.T) {
	tq := newTestQueue(t, DefaultConfig())

	wantErr := assert.AnError
	_, err := tq.q.Submit(context.Background(), "failing", "/f.go", PriorityWrite,
		func() (any, error) { return nil, wantErr })
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, uint64(1), tq.q.Stats().Failed)
}

func TestQueue_ClosedFailsQueuedWork(t *testing.T) {
	locks := lock.NewManager(lock.Config{AcquireTimeout: time.Second}, nil)
	t.Cleanup(func() { _ = locks.Close() })

	q := New(DefaultConfig(), locks, func(ctx context.Context, op *Operation) (any, error) {
		return nil, nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := q.Submit(context.Background(), "late", "/l.go", PriorityWrite, nil)
	require.ErrorIs(t, err, ErrQueueClosed)
}
