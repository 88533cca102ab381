// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrBackupRestored is returned when a Backup is restored a second time.
var ErrBackupRestored = errors.New("backup already restored")

// Rollback reasons, bounded for metric attributes.
const (
	reasonConflict  = "conflict"
	reasonIO        = "io"
	reasonRequested = "requested"
)

type entryKind int

const (
	entryAbsent entryKind = iota
	entryFile
	entryDir
	entrySymlink
)

func (k entryKind) String() string {
	switch k {
	case entryFile:
		return "file"
	case entryDir:
		return "directory"
	case entrySymlink:
		return "symlink"
	default:
		return "absent"
	}
}

// snapshot is the pre-apply state of one path.
type snapshot struct {
	path    string
	kind    entryKind
	content []byte
	mode    fs.FileMode
	target  string
}

type moveRecord struct {
	from, to string
}

// Backup is the in-memory snapshot set captured before an apply mutates
// anything.
//
// # Description
//
// Restore puts every captured path back: moves are undone newest first,
// then directories, files and symlinks are rewritten, then paths that did
// not exist before are removed, deepest first. Every step takes the
// path's write lock on its own.
//
// # Thread Safety
//
// Safe for concurrent use. Restore succeeds at most once.
type Backup struct {
	service *FileService

	mu        sync.Mutex
	snapshots []snapshot
	index     map[string]int
	moves     []moveRecord
	restored  bool
	createdAt time.Time
}

func newBackup(s *FileService) *Backup {
	return &Backup{
		service:   s,
		index:     make(map[string]int),
		createdAt: time.Now(),
	}
}

// Files returns the captured paths in capture order.
func (b *Backup) Files() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.snapshots))
	for i, s := range b.snapshots {
		out[i] = s.path
	}
	return out
}

// Len returns the number of captured paths.
func (b *Backup) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.snapshots)
}

// CreatedAt returns when the snapshot set was started.
func (b *Backup) CreatedAt() time.Time {
	return b.createdAt
}

// Restore rolls the workspace back to the captured state.
//
// # Outputs
//
//   - error: ErrBackupRestored on a second call, otherwise the joined
//     failures of individual restore steps (each wrapping ErrIO).
func (b *Backup) Restore(ctx context.Context) error {
	return b.restore(ctx, reasonRequested)
}

func (b *Backup) lookup(path string) (snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[path]
	if !ok {
		return snapshot{}, false
	}
	return b.snapshots[i], true
}

func (b *Backup) add(s snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.index[s.path]; ok {
		return
	}
	b.index[s.path] = len(b.snapshots)
	b.snapshots = append(b.snapshots, s)
}

func (b *Backup) recordMove(from, to string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.moves = append(b.moves, moveRecord{from: from, to: to})
}

// capture snapshots path under its read lock. Directories are walked
// when deep is true; each entry below is captured under its own lock.
func (b *Backup) capture(ctx context.Context, path string, deep bool) error {
	if _, ok := b.lookup(path); ok {
		return nil
	}

	var snap snapshot
	var isDir bool
	err := b.service.withRead(ctx, path, func() error {
		var err error
		snap, err = readSnapshot(path)
		isDir = snap.kind == entryDir
		return err
	})
	if err != nil {
		return err
	}
	b.add(snap)

	if !isDir || !deep {
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("%w: listing %s: %w", ErrIO, path, err)
	}
	for _, entry := range entries {
		if err := b.capture(ctx, filepath.Join(path, entry.Name()), true); err != nil {
			return err
		}
	}
	return nil
}

func readSnapshot(path string) (snapshot, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return snapshot{path: path, kind: entryAbsent}, nil
	}
	if err != nil {
		return snapshot{}, fmt.Errorf("%w: stat %s: %w", ErrIO, path, err)
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return snapshot{}, fmt.Errorf("%w: readlink %s: %w", ErrIO, path, err)
		}
		return snapshot{path: path, kind: entrySymlink, target: target, mode: info.Mode()}, nil
	case info.IsDir():
		return snapshot{path: path, kind: entryDir, mode: info.Mode().Perm()}, nil
	default:
		content, err := os.ReadFile(path)
		if err != nil {
			return snapshot{}, fmt.Errorf("%w: reading %s: %w", ErrIO, path, err)
		}
		return snapshot{path: path, kind: entryFile, content: content, mode: info.Mode().Perm()}, nil
	}
}

func (b *Backup) restore(ctx context.Context, reason string) (err error) {
	b.mu.Lock()
	if b.restored {
		b.mu.Unlock()
		return ErrBackupRestored
	}
	b.restored = true
	snapshots := append([]snapshot(nil), b.snapshots...)
	moves := append([]moveRecord(nil), b.moves...)
	b.mu.Unlock()

	s := b.service
	ctx, span := s.tracer.StartRollback(ctx, len(snapshots)+len(moves), reason)
	defer func() {
		s.tracer.EndRollback(span, err)
		recordRollback(ctx, reason, err)
	}()
	logger := LoggerWithTrace(ctx, s.logger)

	var errs []error
	for i := len(moves) - 1; i >= 0; i-- {
		m := moves[i]
		moveErr := s.withWrite(ctx, m.to, func() error {
			if err := os.MkdirAll(filepath.Dir(m.from), 0755); err != nil {
				return err
			}
			return os.Rename(m.to, m.from)
		})
		if moveErr != nil {
			errs = append(errs, fmt.Errorf("%w: moving %s back to %s: %w", ErrIO, m.to, m.from, moveErr))
		}
	}

	sortForRestore(snapshots)
	for _, snap := range snapshots {
		snap := snap
		restoreErr := s.withWrite(ctx, snap.path, func() error {
			return restoreSnapshot(snap)
		})
		if restoreErr != nil {
			errs = append(errs, fmt.Errorf("%w: restoring %s %s: %w", ErrIO, snap.kind, snap.path, restoreErr))
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		logger.Error("rollback incomplete",
			slog.String("reason", reason),
			slog.Int("failures", len(errs)),
			slog.String("error", err.Error()),
		)
		return err
	}
	logger.Info("rollback complete",
		slog.String("reason", reason),
		slog.Int("paths", len(snapshots)),
		slog.Int("moves", len(moves)),
	)
	return nil
}

// sortForRestore orders directories (shallowest first), then files and
// symlinks, then absent paths (deepest first).
func sortForRestore(snapshots []snapshot) {
	rank := func(k entryKind) int {
		switch k {
		case entryDir:
			return 0
		case entryAbsent:
			return 2
		default:
			return 1
		}
	}
	sort.SliceStable(snapshots, func(i, j int) bool {
		a, b := snapshots[i], snapshots[j]
		if rank(a.kind) != rank(b.kind) {
			return rank(a.kind) < rank(b.kind)
		}
		da, db := depth(a.path), depth(b.path)
		if a.kind == entryAbsent {
			return da > db
		}
		return da < db
	})
}

func depth(path string) int {
	return strings.Count(path, string(filepath.Separator))
}

func restoreSnapshot(snap snapshot) error {
	switch snap.kind {
	case entryDir:
		return os.MkdirAll(snap.path, snap.mode)
	case entryFile:
		if err := os.MkdirAll(filepath.Dir(snap.path), 0755); err != nil {
			return err
		}
		if info, err := os.Lstat(snap.path); err == nil && info.IsDir() {
			if err := os.RemoveAll(snap.path); err != nil {
				return err
			}
		}
		return writeAtomic(snap.path, snap.content, snap.mode)
	case entrySymlink:
		if err := os.RemoveAll(snap.path); err != nil {
			return err
		}
		return os.Symlink(snap.target, snap.path)
	default:
		return os.RemoveAll(snap.path)
	}
}

// writeAtomic replaces path with data through a synced temp file in the
// same directory.
func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".forge-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if mode == 0 {
		mode = 0644
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
