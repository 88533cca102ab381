// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue provides the priority-ordered file operation queue.
//
// Operations are served by a single worker goroutine in (priority, enqueue
// order). The worker takes the target path's write lock from the shared
// lock.Manager before executing, so queued mutations serialize with the plan
// apply pipeline on the same path.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianForge/pkg/validation"
	"github.com/AleutianAI/AleutianForge/services/forge/lock"
	"github.com/google/uuid"
)

// Config configures a Queue.
type Config struct {
	// MaxQueueSize bounds the number of pending operations.
	MaxQueueSize int

	// OperationTimeout is the longest an operation may wait in the queue.
	// Operations found older than this are counted failed and skipped.
	// Zero disables the check.
	OperationTimeout time.Duration

	// BatchSamePath drains every pending operation for the same path under
	// one write lock acquisition. Batched operations run ahead of their
	// global priority position.
	BatchSamePath bool
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:     1000,
		OperationTimeout: 300 * time.Second,
		BatchSamePath:    false,
	}
}

// Queue is a bounded priority queue with a single consumer.
//
// # Description
//
// Enqueue returns immediately. A worker started by Start pops the operation
// with the lowest (priority, sequence), acquires its path's write lock,
// runs the Executor and records the outcome. Only one queued operation
// executes at a time.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Queue struct {
	root     string
	config   Config
	locks    *lock.Manager
	executor Executor
	logger   *slog.Logger

	mu       sync.Mutex
	pending  opHeap
	byID     map[string]*FileOperation
	seq      uint64
	inFlight int
	idle     chan struct{}
	isIdle   bool

	total     int64
	completed int64
	failed    int64
	cancelled int64
	waitSum   time.Duration
	waitCount int64
	waitMax   time.Duration

	observers []func(Result)

	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

// NewQueue creates a queue rooted at the given workspace.
//
// # Inputs
//
//   - root: Workspace root. Every operation path must resolve inside it.
//   - config: Queue configuration. Use DefaultConfig() for defaults.
//   - locks: Shared lock manager.
//   - executor: Performs operations. Use NewFileExecutor for the default.
//
// # Outputs
//
//   - *Queue: The queue. Call Start to begin processing.
//   - error: Non-nil if root cannot be resolved.
//
// # Example
//
//	exec, _ := queue.NewFileExecutor(root)
//	q, err := queue.NewQueue(root, queue.DefaultConfig(), locks, exec)
//	if err != nil {
//	    return err
//	}
//	q.Start(ctx)
//	defer q.Stop()
//
//	id, err := q.Enqueue(queue.NewOperation("workspace.enqueue_operation",
//	    queue.OpWrite, "notes.txt", map[string]any{"content": "hello"}))
func NewQueue(root string, config Config, locks *lock.Manager, executor Executor) (*Queue, error) {
	canonical, err := validation.CanonicalRoot(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if locks == nil {
		return nil, fmt.Errorf("%w: lock manager is required", ErrInvalidOperation)
	}
	if executor == nil {
		return nil, fmt.Errorf("%w: executor is required", ErrInvalidOperation)
	}

	idle := make(chan struct{})
	close(idle)

	return &Queue{
		root:     canonical,
		config:   config,
		locks:    locks,
		executor: executor,
		logger:   slog.Default().With("component", "queue.Queue"),
		byID:     make(map[string]*FileOperation),
		idle:     idle,
		isIdle:   true,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Root returns the canonical workspace root.
func (q *Queue) Root() string {
	return q.root
}

// OnResult registers an observer called after every executed or skipped
// operation. Observers run on the worker goroutine.
func (q *Queue) OnResult(fn func(Result)) {
	q.mu.Lock()
	q.observers = append(q.observers, fn)
	q.mu.Unlock()
}

// =============================================================================
// Producer API
// =============================================================================

// Enqueue adds an operation and returns its ID without waiting for it to run.
//
// # Outputs
//
//   - string: Operation ID.
//   - error: ErrReadNotQueued, ErrQueueFull, ErrQueueStopped,
//     ErrInvalidOperation, or validation.ErrPathOutsideRoot.
func (q *Queue) Enqueue(op *FileOperation) (string, error) {
	ids, err := q.EnqueueBatch([]*FileOperation{op})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueBatch adds all operations atomically.
//
// # Description
//
// Every operation is validated and the capacity is checked for the whole
// batch before any is inserted. Either all operations become visible to the
// worker at once or none do.
func (q *Queue) EnqueueBatch(ops []*FileOperation) ([]string, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	for _, op := range ops {
		if err := q.prepare(op); err != nil {
			queueRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
			return nil, err
		}
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		queueRejectedTotal.WithLabelValues("stopped").Inc()
		return nil, ErrQueueStopped
	}
	if len(q.pending)+len(ops) > q.config.MaxQueueSize {
		size := len(q.pending)
		q.mu.Unlock()
		queueRejectedTotal.WithLabelValues("full").Inc()
		return nil, fmt.Errorf("%w: %d pending, limit %d", ErrQueueFull, size, q.config.MaxQueueSize)
	}

	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if op.ID == "" {
			op.ID = uuid.New().String()
		}
		if _, dup := q.byID[op.ID]; dup || seen[op.ID] {
			q.mu.Unlock()
			queueRejectedTotal.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("%w: duplicate operation id %s", ErrInvalidOperation, op.ID)
		}
		seen[op.ID] = true
	}

	now := time.Now()
	ids := make([]string, len(ops))
	for i, op := range ops {
		q.seq++
		op.seq = q.seq
		op.EnqueuedAt = now
		heap.Push(&q.pending, op)
		q.byID[op.ID] = op
		ids[i] = op.ID
		q.total++
		queueEnqueuedTotal.WithLabelValues(string(op.Type)).Inc()
	}
	q.markBusyLocked()
	queueDepth.Set(float64(len(q.pending)))
	q.mu.Unlock()

	q.signal()

	q.logger.Debug("operations enqueued", "count", len(ops))
	return ids, nil
}

func (q *Queue) prepare(op *FileOperation) error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	}
	if op.Type == OpRead {
		return ErrReadNotQueued
	}
	if !op.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	target, err := validation.ResolveInRoot(q.root, op.Path)
	if err != nil {
		return fmt.Errorf("operation %s on %q: %w", op.Type, op.Path, err)
	}
	op.target = target
	if op.Priority == 0 {
		op.Priority = op.Type.Priority()
	}
	if op.Params == nil {
		op.Params = make(map[string]any)
	}
	return nil
}

// Pending returns a snapshot of queued operations ordered by
// (priority, enqueue order).
func (q *Queue) Pending() []PendingOperation {
	q.mu.Lock()
	ops := make([]*FileOperation, len(q.pending))
	copy(ops, q.pending)
	q.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool { return less(ops[i], ops[j]) })

	now := time.Now()
	out := make([]PendingOperation, len(ops))
	for i, op := range ops {
		age := now.Sub(op.EnqueuedAt)
		out[i] = PendingOperation{
			ID:       op.ID,
			ToolName: op.ToolName,
			Type:     op.Type,
			Path:     op.Path,
			Priority: op.Priority,
			Age:      age,
			AgeMs:    age.Milliseconds(),
		}
	}
	return out
}

// Cancel removes a queued operation that has not started.
//
// # Outputs
//
//   - bool: True if the operation was pending and is now removed. False for
//     unknown, running or finished IDs.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.pending, op.index)
	delete(q.byID, id)
	q.cancelled++
	queueOperationsTotal.WithLabelValues(string(op.Type), "cancelled").Inc()
	queueDepth.Set(float64(len(q.pending)))
	q.maybeIdleLocked()

	q.logger.Info("operation cancelled", "operation_id", id, "path", op.Path)
	return true
}

// Clear removes every pending operation and returns how many were removed.
// The running operation, if any, is unaffected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	for _, op := range q.pending {
		queueOperationsTotal.WithLabelValues(string(op.Type), "cancelled").Inc()
	}
	q.pending = nil
	q.byID = make(map[string]*FileOperation)
	q.cancelled += int64(n)
	queueDepth.Set(0)
	q.maybeIdleLocked()

	if n > 0 {
		q.logger.Info("queue cleared", "removed", n)
	}
	return n
}

// Size returns the number of pending operations.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns lifetime counters and wait times.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Total:     q.total,
		Pending:   len(q.pending),
		Completed: q.completed,
		Failed:    q.failed,
		Cancelled: q.cancelled,
		MaxWaitMs: float64(q.waitMax) / float64(time.Millisecond),
	}
	if q.waitCount > 0 {
		avg := q.waitSum / time.Duration(q.waitCount)
		s.AverageWaitMs = float64(avg) / float64(time.Millisecond)
	}
	return s
}

// IsIdle reports whether nothing is pending or running.
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isIdle
}

// WaitUntilIdle blocks until nothing is pending or running, or ctx is done.
func (q *Queue) WaitUntilIdle(ctx context.Context) error {
	q.mu.Lock()
	ch := q.idle
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Worker
// =============================================================================

// Start launches the worker goroutine. Calling Start more than once has no
// effect. The worker exits when ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrQueueStopped
	}
	if q.started {
		return nil
	}
	q.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(workerCtx)

	q.logger.Info("operation worker started",
		"max_queue_size", q.config.MaxQueueSize,
		"operation_timeout", q.config.OperationTimeout.String(),
		"batch_same_path", q.config.BatchSamePath)
	return nil
}

// Stop cancels the worker and waits for it to exit. The operation in
// progress observes a cancelled context. Pending operations stay queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		op, ok := q.next(ctx)
		if !ok {
			q.logger.Info("operation worker stopped")
			return
		}
		q.process(ctx, op)
	}
}

// next blocks until an operation is available or ctx is done.
func (q *Queue) next(ctx context.Context) (*FileOperation, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			op := heap.Pop(&q.pending).(*FileOperation)
			delete(q.byID, op.ID)
			q.inFlight++
			queueDepth.Set(float64(len(q.pending)))
			q.mu.Unlock()
			return op, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// process runs op, and any batched same-path operations, under the path's
// write lock.
func (q *Queue) process(ctx context.Context, op *FileOperation) {
	batch := []*FileOperation{op}
	defer func() {
		q.mu.Lock()
		q.inFlight -= len(batch)
		q.maybeIdleLocked()
		q.mu.Unlock()
	}()

	if q.expired(op) {
		return
	}

	release, err := q.locks.AcquireWrite(ctx, op.target)
	if err != nil {
		q.finish(op, time.Since(op.EnqueuedAt), 0, fmt.Errorf("acquiring write lock: %w", err))
		return
	}
	defer release()

	if q.config.BatchSamePath {
		batch = append(batch, q.drainSamePath(op.target)...)
	}

	for i, current := range batch {
		if i > 0 && q.expired(current) {
			continue
		}
		wait := time.Since(current.EnqueuedAt)
		start := time.Now()
		execErr := q.executor.Execute(ctx, current)
		q.finish(current, wait, time.Since(start), execErr)
	}
}

// expired fails op if it waited past OperationTimeout.
func (q *Queue) expired(op *FileOperation) bool {
	wait := time.Since(op.EnqueuedAt)
	if q.config.OperationTimeout <= 0 || wait <= q.config.OperationTimeout {
		return false
	}
	q.logger.Warn("operation timed out waiting in queue",
		"operation_id", op.ID,
		"type", string(op.Type),
		"path", op.Path,
		"waited", wait.String())
	q.finish(op, wait, 0, fmt.Errorf("%w after %v", ErrOperationTimeout, wait))
	return true
}

// drainSamePath removes and returns pending operations for target in
// (priority, sequence) order.
func (q *Queue) drainSamePath(target string) []*FileOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var same []*FileOperation
	for _, op := range q.pending {
		if op.target == target {
			same = append(same, op)
		}
	}
	if len(same) == 0 {
		return nil
	}
	sort.Slice(same, func(i, j int) bool { return less(same[i], same[j]) })
	for _, op := range same {
		heap.Remove(&q.pending, op.index)
		delete(q.byID, op.ID)
	}
	q.inFlight += len(same)
	queueDepth.Set(float64(len(q.pending)))
	queueBatchedTotal.Add(float64(len(same)))
	return same
}

func (q *Queue) finish(op *FileOperation, wait, took time.Duration, err error) {
	status := "completed"
	if err != nil {
		status = "failed"
	}

	q.mu.Lock()
	if err != nil {
		q.failed++
	} else {
		q.completed++
	}
	q.waitSum += wait
	q.waitCount++
	if wait > q.waitMax {
		q.waitMax = wait
	}
	observers := append([]func(Result){}, q.observers...)
	q.mu.Unlock()

	queueOperationsTotal.WithLabelValues(string(op.Type), status).Inc()
	queueWaitSeconds.Observe(wait.Seconds())
	if took > 0 {
		queueExecutionSeconds.WithLabelValues(string(op.Type)).Observe(took.Seconds())
	}

	if err != nil {
		q.logger.Error("operation execution failed",
			"operation_id", op.ID,
			"type", string(op.Type),
			"path", op.Path,
			"error", err)
	} else {
		q.logger.Info("operation executed",
			"operation_id", op.ID,
			"type", string(op.Type),
			"path", op.Path,
			"duration_ms", took.Milliseconds())
	}

	res := Result{Operation: op, Err: err, Wait: wait, Duration: took}
	for _, fn := range observers {
		fn(res)
	}
}

// =============================================================================
// Internal helpers
// =============================================================================

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) markBusyLocked() {
	if q.isIdle {
		q.isIdle = false
		q.idle = make(chan struct{})
	}
}

func (q *Queue) maybeIdleLocked() {
	if !q.isIdle && len(q.pending) == 0 && q.inFlight == 0 {
		q.isIdle = true
		close(q.idle)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrReadNotQueued):
		return "read"
	default:
		return "invalid"
	}
}

func less(a, b *FileOperation) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}

// opHeap implements heap.Interface ordered by (priority, seq).
type opHeap []*FileOperation

func (h opHeap) Len() int           { return len(h) }
func (h opHeap) Less(i, j int) bool { return less(h[i], h[j]) }

func (h opHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *opHeap) Push(x any) {
	op := x.(*FileOperation)
	op.index = len(*h)
	*h = append(*h, op)
}

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	op.index = -1
	*h = old[:n-1]
	return op
}
