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
	"fmt"
	"sync"
)

// Transaction buffers operations and enqueues them as one unit.
//
// # Description
//
// Operations added to a transaction are invisible to the worker until
// Commit, which inserts all of them under a single queue lock. A transaction
// that is rolled back or simply dropped enqueues nothing.
//
// # Thread Safety
//
// Safe for concurrent use.
type Transaction struct {
	queue *Queue

	mu     sync.Mutex
	ops    []*FileOperation
	closed bool
}

// Begin starts a transaction against q.
func (q *Queue) Begin() *Transaction {
	return &Transaction{queue: q}
}

// Add buffers op for the next Commit.
func (t *Transaction) Add(op *FileOperation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransactionClosed
	}
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	}
	t.ops = append(t.ops, op)
	return nil
}

// Len returns the number of buffered operations.
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// Commit enqueues every buffered operation atomically.
//
// # Outputs
//
//   - []string: IDs in the order the operations were added.
//   - error: ErrTransactionClosed, or the EnqueueBatch error. On error
//     nothing was enqueued and the transaction is closed.
func (t *Transaction) Commit() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransactionClosed
	}
	t.closed = true

	ids, err := t.queue.EnqueueBatch(t.ops)
	t.ops = nil
	if err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return ids, nil
}

// Rollback discards the buffered operations. Safe to call after Commit.
func (t *Transaction) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.ops = nil
}
