// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides the in-process per-path reader-writer lock table.
//
// Every mutation of a workspace file, whether it arrives through the
// operation queue or through the plan apply pipeline, happens under that
// file's write lock. Reads take the shared lock. The table is the only
// globally shared mutable structure of the engine.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ErrManagerClosed is returned when the manager has been closed.
var ErrManagerClosed = errors.New("lock manager closed")

// Config configures a Manager.
type Config struct {
	// StallWarning is how long an acquisition may wait before a
	// "potential stall" warning is logged. The acquisition keeps waiting.
	// Zero disables the warning.
	StallWarning time.Duration

	// EvictIdle enables Prune and the background prune loop. When false
	// the lock table grows for every distinct path and is never pruned.
	EvictIdle bool

	// PruneInterval is how often the background loop prunes idle entries.
	// Only used when EvictIdle is true.
	PruneInterval time.Duration

	// WatchExternal enables fsnotify-based detection of modifications
	// made outside the engine.
	WatchExternal bool

	// OwnWriteGrace suppresses change events that arrive shortly after
	// the engine itself released a write lock on the path.
	OwnWriteGrace time.Duration
}

// DefaultConfig returns the default lock manager configuration.
func DefaultConfig() Config {
	return Config{
		StallWarning:  30 * time.Second,
		EvictIdle:     false,
		PruneInterval: 5 * time.Minute,
		WatchExternal: false,
		OwnWriteGrace: 500 * time.Millisecond,
	}
}

// Stats is a point-in-time view of the lock table.
type Stats struct {
	// Entries is the number of lock objects in the table.
	Entries int `json:"entries"`

	// ReadHeld is the number of shared holds across all paths.
	ReadHeld int `json:"read_held"`

	// WriteHeld is the number of paths currently write-locked.
	WriteHeld int `json:"write_held"`

	// Waiting is the number of acquisitions currently blocked.
	Waiting int `json:"waiting"`

	// Evicted is the lifetime number of pruned entries.
	Evicted int64 `json:"evicted"`
}

// Manager owns one FileLock per path.
//
// # Description
//
// Get performs insert-if-absent under a mutex, so two goroutines resolving
// the same path for the first time always receive the same *FileLock.
// Entries are pinned by Get and unpinned by Put; with EvictIdle enabled,
// Prune removes entries that are neither pinned nor held.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
//
// # Deadlock Avoidance
//
// Callers must hold at most one path's write lock at a time. Multi-file
// work is serialized by the operation queue or by locking one file at a
// time in the apply pipeline.
type Manager struct {
	config  Config
	mu      sync.Mutex
	locks   map[string]*FileLock
	evicted atomic.Int64
	watcher *externalWatcher
	logger  *slog.Logger

	closed    atomic.Bool
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a lock manager.
//
// # Description
//
// Applies defaults for unset durations, starts the external change watcher
// when configured, and starts the prune loop when EvictIdle is true.
//
// # Inputs
//
//   - config: Manager configuration. Use DefaultConfig() for defaults.
//
// # Outputs
//
//   - *Manager: Ready-to-use manager. Call Close when done.
//   - error: Non-nil if the file watcher cannot be created.
//
// # Example
//
//	manager, err := lock.NewManager(lock.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer manager.Close()
//
//	release, err := manager.AcquireWrite(ctx, "/ws/src/main.go")
//	if err != nil {
//	    return err
//	}
//	defer release()
func NewManager(config Config) (*Manager, error) {
	if config.PruneInterval <= 0 {
		config.PruneInterval = 5 * time.Minute
	}
	if config.OwnWriteGrace < 0 {
		config.OwnWriteGrace = 0
	}

	m := &Manager{
		config: config,
		locks:  make(map[string]*FileLock),
		logger: slog.Default().With("component", "lock.Manager"),
		stop:   make(chan struct{}),
	}

	if config.WatchExternal {
		w, err := newExternalWatcher(m)
		if err != nil {
			return nil, fmt.Errorf("creating file watcher: %w", err)
		}
		m.watcher = w
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.loop(m.stop)
		}()
	}

	if config.EvictIdle {
		m.wg.Add(1)
		go m.pruneLoop()
	}

	return m, nil
}

// Get returns the lock for path, creating it on first reference.
//
// # Description
//
// The path is cleaned but not otherwise canonicalized; callers pass paths
// already resolved inside the workspace. The returned lock is pinned and
// will not be evicted until a matching Put.
//
// # Inputs
//
//   - path: Canonical absolute file path.
//
// # Outputs
//
//   - *FileLock: The unique lock object for this path.
func (m *Manager) Get(path string) *FileLock {
	path = filepath.Clean(path)

	m.mu.Lock()
	l, ok := m.locks[path]
	if !ok {
		l = newFileLock(path, m)
		m.locks[path] = l
	}
	l.refs++
	m.mu.Unlock()

	if !ok {
		lockTableSize.Inc()
		if m.watcher != nil {
			m.watcher.watch(path)
		}
	}
	return l
}

// Put unpins a lock obtained from Get.
func (m *Manager) Put(l *FileLock) {
	if l == nil {
		return
	}
	m.mu.Lock()
	if l.refs > 0 {
		l.refs--
	}
	m.mu.Unlock()
}

// AcquireRead takes the shared lock on path.
//
// # Description
//
// Suspends until no writer holds or is queued ahead on the path, or ctx
// is done. Any number of readers may hold the lock at once.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - path: Canonical absolute file path.
//
// # Outputs
//
//   - func(): Releases the lock and the pin. Call exactly once.
//   - error: Non-nil if ctx ended before acquisition.
func (m *Manager) AcquireRead(ctx context.Context, path string) (func(), error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	l := m.Get(path)
	if err := l.RLock(ctx); err != nil {
		m.Put(l)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.RUnlock()
			m.Put(l)
		})
	}, nil
}

// AcquireWrite takes the exclusive lock on path.
//
// # Description
//
// Suspends until every reader and writer has released the path, or ctx is
// done. While held, no other reader or writer can acquire the path.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - path: Canonical absolute file path.
//
// # Outputs
//
//   - func(): Releases the lock and the pin. Call exactly once.
//   - error: Non-nil if ctx ended before acquisition.
func (m *Manager) AcquireWrite(ctx context.Context, path string) (func(), error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	l := m.Get(path)
	if err := l.Lock(ctx); err != nil {
		m.Put(l)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.Unlock()
			m.Put(l)
		})
	}, nil
}

// IsWriteLocked reports whether path is currently write-locked.
func (m *Manager) IsWriteLocked(path string) bool {
	m.mu.Lock()
	l, ok := m.locks[filepath.Clean(path)]
	m.mu.Unlock()
	return ok && l.writer.Load()
}

// Len returns the number of entries in the lock table.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Stats returns a snapshot of the lock table.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Entries: len(m.locks), Evicted: m.evicted.Load()}
	for _, l := range m.locks {
		s.ReadHeld += int(l.readers.Load())
		s.Waiting += int(l.waiters.Load())
		if l.writer.Load() {
			s.WriteHeld++
		}
	}
	return s
}

// Prune removes entries that are neither pinned nor held.
//
// # Description
//
// An entry is removed only when its pin count is zero and its semaphore
// can be taken in full without waiting, which proves no holder and no
// waiter exists. Has no effect unless EvictIdle is enabled.
//
// # Outputs
//
//   - int: Number of entries removed.
func (m *Manager) Prune() int {
	if !m.config.EvictIdle {
		return 0
	}

	m.mu.Lock()
	var removed []string
	for path, l := range m.locks {
		if l.refs > 0 {
			continue
		}
		if !l.sem.TryAcquire(maxReaders) {
			continue
		}
		delete(m.locks, path)
		l.sem.Release(maxReaders)
		removed = append(removed, path)
	}
	m.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}

	m.evicted.Add(int64(len(removed)))
	lockTableSize.Sub(float64(len(removed)))
	lockEvictionsTotal.Add(float64(len(removed)))
	if m.watcher != nil {
		for _, path := range removed {
			m.watcher.forget(path)
		}
	}
	m.logger.Debug("pruned idle locks", "count", len(removed))
	return len(removed)
}

// OnExternalChange registers a callback for modifications of path made
// outside the engine. Requires WatchExternal.
func (m *Manager) OnExternalChange(path string, cb func(ExternalChangeEvent)) error {
	if m.watcher == nil {
		return errors.New("external change watching is disabled")
	}
	m.watcher.subscribe(filepath.Clean(path), cb)
	return nil
}

// Close stops background goroutines. Held locks are not released.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.stop)
		if m.watcher != nil {
			err = m.watcher.close()
		}
		m.wg.Wait()
	})
	return err
}

func (m *Manager) pruneLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Prune()
		case <-m.stop:
			return
		}
	}
}
