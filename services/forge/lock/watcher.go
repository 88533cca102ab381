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
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ExternalChangeEvent describes a modification of a tracked path that did
// not happen under one of the engine's write locks.
type ExternalChangeEvent struct {
	// Path is the affected file.
	Path string

	// Operation is the fsnotify operation (WRITE, REMOVE, RENAME, CREATE, CHMOD).
	Operation string

	// DetectedAt is when the event was processed.
	DetectedAt time.Time
}

// externalWatcher watches the parent directories of every tracked path.
//
// Directories rather than files are watched because atomic writes replace
// the inode and a file watch would go silent after the first rename.
type externalWatcher struct {
	manager *Manager
	fsw     *fsnotify.Watcher

	mu        sync.Mutex
	dirs      map[string]int
	callbacks map[string][]func(ExternalChangeEvent)
}

func newExternalWatcher(m *Manager) (*externalWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &externalWatcher{
		manager:   m,
		fsw:       fsw,
		dirs:      make(map[string]int),
		callbacks: make(map[string][]func(ExternalChangeEvent)),
	}, nil
}

// watch starts observing the directory containing path.
func (w *externalWatcher) watch(path string) {
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dirs[dir] > 0 {
		w.dirs[dir]++
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		// Directory may not exist yet (create operations); not an error.
		w.manager.logger.Debug("not watching directory",
			"dir", dir,
			"error", err)
		return
	}
	w.dirs[dir] = 1
}

// forget drops path after it was evicted from the lock table.
func (w *externalWatcher) forget(path string) {
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.callbacks, path)
	if n, ok := w.dirs[dir]; ok {
		if n <= 1 {
			delete(w.dirs, dir)
			_ = w.fsw.Remove(dir)
		} else {
			w.dirs[dir] = n - 1
		}
	}
}

func (w *externalWatcher) subscribe(path string, cb func(ExternalChangeEvent)) {
	w.mu.Lock()
	w.callbacks[path] = append(w.callbacks[path], cb)
	w.mu.Unlock()
}

func (w *externalWatcher) loop(stop <-chan struct{}) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.manager.logger.Warn("file watcher error", "error", err)

		case <-stop:
			return
		}
	}
}

func (w *externalWatcher) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	w.manager.mu.Lock()
	l, tracked := w.manager.locks[path]
	w.manager.mu.Unlock()
	if !tracked {
		return
	}

	// Our own writes happen under the write lock; their events may be
	// delivered just after release.
	if l.writer.Load() || l.recentlyWritten(w.manager.config.OwnWriteGrace) {
		return
	}

	lockExternalChangesTotal.Inc()
	w.manager.logger.Info("external modification detected",
		"path", path,
		"op", event.Op.String())

	w.mu.Lock()
	cbs := append([]func(ExternalChangeEvent){}, w.callbacks[path]...)
	w.mu.Unlock()

	ev := ExternalChangeEvent{
		Path:       path,
		Operation:  event.Op.String(),
		DetectedAt: time.Now(),
	}
	for _, cb := range cbs {
		cb(ev)
	}
}

func (w *externalWatcher) close() error {
	return w.fsw.Close()
}
