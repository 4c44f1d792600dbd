// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue serializes mutating operations through a single priority
// drain loop.
//
// Operations carry a priority class (lower drains sooner) and are FIFO
// within a class. One drain goroutine pops the most urgent operation, takes
// the exclusive lock for its resource, runs the handler, and completes the
// waiting submitter. Consecutive queued operations on the same resource are
// batched under one lock acquisition, which can run a lower-priority
// operation on that resource ahead of a more urgent one queued for a
// different resource; avoiding a second lock round trip on the file wins
// over strict global priority order. Read operations never pass through
// here; the dispatcher sends them straight to the analyzer pool.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/codebridge/services/bridge/lock"
)

// Priority classes for mutating operations. Lower values drain first.
const (
	PriorityRefactor = 1
	PriorityRename   = 2
	PriorityDelete   = 3
	PriorityWrite    = 5
	PriorityFormat   = 10
)

// Config tunes the queue.
type Config struct {
	// MaxSize bounds queued operations; past it Submit fails with
	// ErrQueueFull.
	MaxSize int

	// OperationTimeout bounds one handler execution.
	OperationTimeout time.Duration

	// LockOwnerPrefix namespaces the queue's lock ownership.
	LockOwnerPrefix string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          1000,
		OperationTimeout: 5 * time.Minute,
		LockOwnerPrefix:  "queue",
	}
}

// Operation is one queued mutation.
type Operation struct {
	// ID is assigned on submit.
	ID string

	// Tool is the tool name the dispatcher classified.
	Tool string

	// Resource is the canonical path the operation mutates, used for
	// exclusive locking and same-resource batching.
	Resource string

	// Priority is the operation's class; lower drains sooner.
	Priority int

	// Payload is handed to the handler untouched.
	Payload any

	EnqueuedAt time.Time

	seq       uint64
	cancelled bool
	done      chan opResult
}

type opResult struct {
	value any
	err   error
}

// Handler executes one operation while its resource lock is held.
type Handler func(ctx context.Context, op *Operation) (any, error)

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Enqueued    uint64        `json:"enqueued"`
	Pending     int           `json:"pending"`
	Completed   uint64        `json:"completed"`
	Failed      uint64        `json:"failed"`
	Cancelled   uint64        `json:"cancelled"`
	AverageWait time.Duration `json:"average_wait"`
	MaxWait     time.Duration `json:"max_wait"`
}

// Queue is the priority operation queue.
//
// Thread Safety: Safe for concurrent use. Exactly one drain loop runs.
type Queue struct {
	config  Config
	locks   *lock.Manager
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	heap   opHeap
	seq    uint64
	closed bool

	enqueued  uint64
	completed uint64
	failed    uint64
	cancelled uint64
	waitSum   time.Duration
	waitMax   time.Duration

	// wake nudges the drain loop; buffered so submits never block on it.
	wake chan struct{}
}

// New creates a queue draining through the given lock manager and handler.
func New(config Config, locks *lock.Manager, handler Handler, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		config:  config,
		locks:   locks,
		handler: handler,
		logger:  logger.With("component", "queue.Queue"),
		wake:    make(chan struct{}, 1),
	}
}

// Submit enqueues a mutation and blocks until the drain loop completes it.
//
// Description:
//
//	The caller is suspended for the whole queue wait plus execution. A
//	cancelled ctx before execution starts withdraws the operation and
//	returns ErrCancelled; once execution has begun the operation runs to
//	completion.
//
// Errors:
//
//	ErrQueueClosed, ErrQueueFull, ErrCancelled, plus handler errors.
func (q *Queue) Submit(ctx context.Context, tool, resource string, priority int, payload any) (any, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}

	op := &Operation{
		ID:         uuid.NewString(),
		Tool:       tool,
		Resource:   resource,
		Priority:   priority,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		done:       make(chan opResult, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if q.heap.Len() >= q.config.MaxSize {
		q.mu.Unlock()
		recordEnqueue(ctx, tool, priority, "rejected")
		return nil, fmt.Errorf("%d operations queued: %w", q.config.MaxSize, ErrQueueFull)
	}
	q.seq++
	op.seq = q.seq
	heap.Push(&q.heap, op)
	q.enqueued++
	depth := q.heap.Len()
	q.mu.Unlock()

	recordEnqueue(ctx, tool, priority, "accepted")
	recordDepth(ctx, depth)
	q.nudge()

	select {
	case res := <-op.done:
		return res.value, res.err
	case <-ctx.Done():
		if q.withdraw(op) {
			return nil, fmt.Errorf("%s on %s: %w", tool, resource, ErrCancelled)
		}
		// Already executing; the result is moments away.
		res := <-op.done
		return res.value, res.err
	}
}

// Cancel withdraws a queued operation by ID. Returns false when the
// operation is unknown or already executing.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.heap {
		if op.ID == id && !op.cancelled {
			op.cancelled = true
			q.cancelled++
			op.done <- opResult{err: fmt.Errorf("%s: %w", op.Tool, ErrCancelled)}
			return true
		}
	}
	return false
}

// withdraw marks a not-yet-started operation cancelled. Returns false when
// the drain loop already claimed it.
func (q *Queue) withdraw(op *Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, queued := range q.heap {
		if queued == op && !queued.cancelled {
			queued.cancelled = true
			q.cancelled++
			return true
		}
	}
	return false
}

// Run is the single drain loop. It exits when ctx is cancelled; queued
// operations then fail with ErrQueueClosed.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info("Operation queue draining")
	for {
		op := q.pop()
		if op == nil {
			select {
			case <-ctx.Done():
				q.drainRemaining()
				return
			case <-q.wake:
				continue
			}
		}
		q.execute(ctx, op)

		// Batch: drain every queued operation for the same resource under
		// one lock epoch while we are hot on it.
		for {
			next := q.popResource(op.Resource)
			if next == nil {
				break
			}
			q.execute(ctx, next)
		}
	}
}

// pop removes the most urgent live operation, skipping cancelled ones.
func (q *Queue) pop() *Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() > 0 {
		op := heap.Pop(&q.heap).(*Operation)
		if op.cancelled {
			continue
		}
		return op
	}
	return nil
}

// popResource removes the most urgent live operation for one resource.
func (q *Queue) popResource(resource string) *Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, op := range q.heap {
		if op.Resource != resource || op.cancelled {
			continue
		}
		heap.Remove(&q.heap, i)
		return op
	}
	return nil
}

// execute runs one operation under its resource's exclusive lock.
func (q *Queue) execute(ctx context.Context, op *Operation) {
	wait := time.Since(op.EnqueuedAt)

	opCtx, span := tracer.Start(ctx, "queue.drain", trace.WithAttributes(
		attribute.String("tool", op.Tool),
		attribute.String("resource", op.Resource),
		attribute.Int("priority", op.Priority),
	))
	defer span.End()

	owner := q.config.LockOwnerPrefix + ":" + op.ID
	handle, err := q.locks.Acquire(opCtx, owner, op.Resource, lock.Exclusive)
	if err != nil {
		span.RecordError(err)
		q.complete(op, wait, nil, fmt.Errorf("locking %s: %w", op.Resource, err))
		return
	}
	defer handle.Release()

	execCtx, cancel := context.WithTimeout(opCtx, q.config.OperationTimeout)
	defer cancel()

	start := time.Now()
	value, err := q.handler(execCtx, op)
	recordExecution(opCtx, op.Tool, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
	}
	q.complete(op, wait, value, err)
}

// complete records stats and releases the waiting submitter.
func (q *Queue) complete(op *Operation, wait time.Duration, value any, err error) {
	q.mu.Lock()
	if err != nil {
		q.failed++
	} else {
		q.completed++
	}
	q.waitSum += wait
	if wait > q.waitMax {
		q.waitMax = wait
	}
	q.mu.Unlock()

	recordWait(context.Background(), op.Tool, wait)
	op.done <- opResult{value: value, err: err}
}

// drainRemaining fails everything still queued at shutdown.
func (q *Queue) drainRemaining() {
	q.mu.Lock()
	q.closed = true
	remaining := make([]*Operation, 0, q.heap.Len())
	for q.heap.Len() > 0 {
		op := heap.Pop(&q.heap).(*Operation)
		if !op.cancelled {
			remaining = append(remaining, op)
		}
	}
	q.mu.Unlock()

	for _, op := range remaining {
		op.done <- opResult{err: ErrQueueClosed}
	}
	q.logger.Info("Operation queue stopped", "aborted", len(remaining))
}

// nudge wakes the drain loop without blocking.
func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Enqueued:  q.enqueued,
		Pending:   q.heap.Len(),
		Completed: q.completed,
		Failed:    q.failed,
		Cancelled: q.cancelled,
		MaxWait:   q.waitMax,
	}
	if finished := q.completed + q.failed; finished > 0 {
		s.AverageWait = q.waitSum / time.Duration(finished)
	}
	return s
}

// =============================================================================
// Heap
// =============================================================================

// opHeap orders by priority class, then FIFO by sequence within a class.
type opHeap []*Operation

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h opHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *opHeap) Push(x any) { *h = append(*h, x.(*Operation)) }

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return op
}
