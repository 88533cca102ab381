// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// maxReaders is the semaphore capacity. A reader takes 1, a writer takes
// all of it.
const maxReaders int64 = 1 << 30

// FileLock is a context-aware reader-writer lock for one path.
//
// # Description
//
// Built on a weighted semaphore. Waiters are served in FIFO order, so a
// writer queued behind active readers blocks readers that arrive after it.
//
// # Thread Safety
//
// Safe for concurrent use. Unlock and RUnlock must only be called by a
// holder.
type FileLock struct {
	path    string
	sem     *semaphore.Weighted
	manager *Manager

	// refs is guarded by manager.mu.
	refs int

	readers      atomic.Int32
	waiters      atomic.Int32
	writer       atomic.Bool
	lastWriteEnd atomic.Int64
}

func newFileLock(path string, m *Manager) *FileLock {
	return &FileLock{
		path:    path,
		sem:     semaphore.NewWeighted(maxReaders),
		manager: m,
	}
}

// Path returns the path this lock guards.
func (l *FileLock) Path() string {
	return l.path
}

// RLock acquires shared access.
func (l *FileLock) RLock(ctx context.Context) error {
	if err := l.acquire(ctx, 1, "read"); err != nil {
		return err
	}
	l.readers.Add(1)
	return nil
}

// RUnlock releases shared access.
func (l *FileLock) RUnlock() {
	l.readers.Add(-1)
	l.sem.Release(1)
}

// Lock acquires exclusive access.
func (l *FileLock) Lock(ctx context.Context) error {
	if err := l.acquire(ctx, maxReaders, "write"); err != nil {
		return err
	}
	l.writer.Store(true)
	return nil
}

// Unlock releases exclusive access.
func (l *FileLock) Unlock() {
	l.lastWriteEnd.Store(time.Now().UnixNano())
	l.writer.Store(false)
	l.sem.Release(maxReaders)
}

// acquire takes n units, logging a stall warning if the wait exceeds the
// configured threshold. The warning fires from a timer so the waiter keeps
// its place in the semaphore queue.
func (l *FileLock) acquire(ctx context.Context, n int64, mode string) error {
	start := time.Now()
	defer func() {
		lockWaitSeconds.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	if l.sem.TryAcquire(n) {
		lockAcquisitionsTotal.WithLabelValues(mode).Inc()
		return nil
	}

	l.waiters.Add(1)
	defer l.waiters.Add(-1)

	if l.manager != nil && l.manager.config.StallWarning > 0 {
		warn := time.AfterFunc(l.manager.config.StallWarning, func() {
			lockStallsTotal.WithLabelValues(mode).Inc()
			l.manager.logger.Warn("potential stall detected waiting for lock",
				"path", l.path,
				"mode", mode,
				"waited", time.Since(start).String())
		})
		defer warn.Stop()
	}

	if err := l.sem.Acquire(ctx, n); err != nil {
		return fmt.Errorf("acquiring %s lock on %s: %w", mode, l.path, err)
	}
	lockAcquisitionsTotal.WithLabelValues(mode).Inc()
	return nil
}

// recentlyWritten reports whether the engine released a write lock on this
// path within the given window.
func (l *FileLock) recentlyWritten(window time.Duration) bool {
	end := l.lastWriteEnd.Load()
	if end == 0 {
		return false
	}
	return time.Since(time.Unix(0, end)) <= window
}
