// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apply executes EditPlans against the workspace with
// all-or-nothing semantics.
package apply

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianForge/pkg/validation"
	"github.com/AleutianAI/AleutianForge/services/forge/checksum"
	"github.com/AleutianAI/AleutianForge/services/forge/lock"
	"github.com/AleutianAI/AleutianForge/services/forge/plan"
)

// Options controls one Apply call.
type Options struct {
	// DryRun computes a Preview and touches nothing.
	DryRun bool

	// RollbackOnError restores the snapshot set when a step fails.
	RollbackOnError bool

	// Checksums maps plan paths to the SHA-256 the plan was computed
	// against. Snapshotted content must match before anything is mutated.
	Checksums map[string]string
}

// DefaultOptions returns Options with rollback enabled.
func DefaultOptions() Options {
	return Options{RollbackOnError: true}
}

// Outcome is the result of a successful Apply call.
type Outcome struct {
	Result *plan.EditPlanResult

	// Backup is the pre-apply snapshot set. Nil for dry runs.
	Backup *Backup

	// Preview is set for dry runs only.
	Preview *Preview
}

// FileService applies EditPlans under the shared lock manager.
//
// # Description
//
// Locks are taken one path at a time, never nested, so apply calls and
// queued operations cannot deadlock against each other.
//
// # Thread Safety
//
// Safe for concurrent use. Two apply calls touching the same file
// serialize on that file's lock; their relative order is not defined.
type FileService struct {
	root   string
	locks  *lock.Manager
	tracer *Tracer
	logger *slog.Logger
}

// NewFileService creates a FileService rooted at root.
//
// # Inputs
//
//   - root: Workspace root. Canonicalized.
//   - locks: Shared lock manager. Required.
//   - tracer: Span source. A disabled tracer is used if nil.
//
// # Outputs
//
//   - *FileService: Ready to use.
//   - error: Non-nil if root cannot be canonicalized or locks is nil.
func NewFileService(root string, locks *lock.Manager, tracer *Tracer) (*FileService, error) {
	if locks == nil {
		return nil, errors.New("lock manager is required")
	}
	canonical, err := validation.CanonicalRoot(root)
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("component", "apply.FileService")
	if tracer == nil {
		tracer = NewTracer(logger, false)
	}
	return &FileService{
		root:   canonical,
		locks:  locks,
		tracer: tracer,
		logger: logger,
	}, nil
}

// Root returns the canonical workspace root.
func (s *FileService) Root() string {
	return s.root
}

// Apply executes an EditPlan.
//
// # Description
//
// With DryRun set, Apply only reads (under read locks) and returns a
// Preview. Otherwise:
//
//  1. Every path is resolved inside the workspace root.
//  2. Every affected path is snapshotted under its read lock. Paths that
//     a Move will vacate or fill are captured at their pre-move location.
//     Captured files must match opts.Checksums.
//  3. Move, Create and DeleteFile edits run in plan order.
//  4. Range edits run per file, one write lock at a time.
//  5. Dependency updates run.
//
// Cancellation of ctx is honored until step 3 starts. From then on the
// call runs to completion or rollback.
//
// # Inputs
//
//   - ctx: Context for lock acquisition and tracing.
//   - ep: The plan. Must not be nil.
//   - opts: Apply options. See DefaultOptions.
//
// # Outputs
//
//   - *Outcome: Result plus Backup (or Preview for dry runs).
//   - error: ErrInvalidEdit, validation.ErrPathOutsideRoot,
//     *checksum.StaleInputError, ErrEditConflict (as *ConflictError), or
//     ErrIO. When rollback ran and failed, its
//     errors are joined onto the returned error.
//
// # Example
//
//	out, err := svc.Apply(ctx, ep, apply.DefaultOptions())
//	if errors.Is(err, apply.ErrEditConflict) {
//	    return err
//	}
//	fmt.Println(out.Result.ModifiedFiles)
func (s *FileService) Apply(ctx context.Context, ep *plan.EditPlan, opts Options) (out *Outcome, err error) {
	if ep == nil {
		return nil, fmt.Errorf("%w: edit plan is required", ErrInvalidEdit)
	}

	start := time.Now()
	ctx, span := s.tracer.StartApply(ctx, ep, opts.DryRun)
	defer func() {
		var result *plan.EditPlanResult
		if out != nil {
			result = out.Result
		}
		s.tracer.EndApply(span, result, err)
		recordApply(ctx, time.Since(start), touchedCount(result), opts.DryRun, err)
	}()

	logger := LoggerWithTrace(ctx, s.logger)

	rp, err := s.resolve(ep)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		preview, perr := s.preview(ctx, rp)
		if perr != nil {
			return nil, perr
		}
		return &Outcome{Result: preview.result(), Preview: preview}, nil
	}

	backup := newBackup(s)
	if err := s.snapshot(ctx, rp, backup); err != nil {
		return nil, err
	}
	if err := s.verifySnapshot(backup, opts.Checksums); err != nil {
		logger.Warn("plan went stale before apply", slog.String("error", err.Error()))
		return nil, err
	}

	mctx := context.WithoutCancel(ctx)
	result, err := s.execute(mctx, rp, backup)
	if err != nil {
		logger.Warn("apply failed",
			slog.String("error", err.Error()),
			slog.Bool("rollback", opts.RollbackOnError),
		)
		if opts.RollbackOnError {
			reason := reasonIO
			if errors.Is(err, ErrEditConflict) {
				reason = reasonConflict
			}
			if rbErr := backup.restore(mctx, reason); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
		return nil, err
	}

	logger.Info("edit plan applied",
		slog.Int("modified", len(result.ModifiedFiles)),
		slog.Int("created", len(result.CreatedFiles)),
		slog.Int("deleted", len(result.DeletedFiles)),
		slog.Duration("duration", time.Since(start)),
	)
	return &Outcome{Result: result, Backup: backup}, nil
}

// ReadFile reads a workspace file under its shared read lock.
func (s *FileService) ReadFile(ctx context.Context, path string) ([]byte, error) {
	abs, err := validation.ResolveInRoot(s.root, path)
	if err != nil {
		return nil, err
	}
	var content []byte
	err = s.withRead(ctx, abs, func() error {
		var rerr error
		content, rerr = os.ReadFile(abs)
		if rerr != nil {
			return fmt.Errorf("%w: reading %s: %w", ErrIO, path, rerr)
		}
		return nil
	})
	return content, err
}

// =============================================================================
// Resolution
// =============================================================================

type fileOp struct {
	edit    plan.TextEdit
	path    string
	dest    string
	display string
}

type depUpdate struct {
	update plan.DependencyUpdate
	path   string
}

// resolvedPlan is an EditPlan with canonical paths, split by phase.
type resolvedPlan struct {
	editCount int
	fileOps   []fileOp
	moves     []fileOp
	textOrder []string
	text      map[string][]plan.TextEdit
	updates   []depUpdate
	display   map[string]string
}

func (s *FileService) resolve(ep *plan.EditPlan) (*resolvedPlan, error) {
	rp := &resolvedPlan{
		editCount: len(ep.Edits) + len(ep.DependencyUpdates),
		text:      make(map[string][]plan.TextEdit),
		display:   make(map[string]string),
	}

	for i, e := range ep.Edits {
		if e.FilePath == "" {
			return nil, fmt.Errorf("%w: edit %d has no file path", ErrInvalidEdit, i)
		}
		abs, err := validation.ResolveInRoot(s.root, e.FilePath)
		if err != nil {
			return nil, fmt.Errorf("edit %d: %w", i, err)
		}
		if _, ok := rp.display[abs]; !ok {
			rp.display[abs] = e.FilePath
		}

		switch e.EditType {
		case plan.EditMove:
			if e.NewText == "" {
				return nil, fmt.Errorf("%w: move edit %d has no destination", ErrInvalidEdit, i)
			}
			dest, err := validation.ResolveInRoot(s.root, e.NewText)
			if err != nil {
				return nil, fmt.Errorf("edit %d destination: %w", i, err)
			}
			if dest == abs {
				return nil, fmt.Errorf("%w: move edit %d has the same source and destination", ErrInvalidEdit, i)
			}
			if _, ok := rp.display[dest]; !ok {
				rp.display[dest] = e.NewText
			}
			op := fileOp{edit: e, path: abs, dest: dest, display: e.NewText}
			rp.fileOps = append(rp.fileOps, op)
			rp.moves = append(rp.moves, op)

		case plan.EditCreate, plan.EditDeleteFile:
			rp.fileOps = append(rp.fileOps, fileOp{edit: e, path: abs, display: e.FilePath})

		case plan.EditRename, plan.EditAddImport, plan.EditRemoveImport, plan.EditUpdateImport,
			plan.EditInsert, plan.EditDelete, plan.EditReplace, plan.EditFormat:
			if _, ok := rp.text[abs]; !ok {
				rp.textOrder = append(rp.textOrder, abs)
			}
			rp.text[abs] = append(rp.text[abs], e)

		default:
			return nil, fmt.Errorf("%w: edit %d has unknown type %q", ErrInvalidEdit, i, e.EditType)
		}
	}

	for i, u := range ep.DependencyUpdates {
		if u.OldReference == "" {
			return nil, fmt.Errorf("%w: dependency update %d has no old reference", ErrInvalidEdit, i)
		}
		abs, err := validation.ResolveInRoot(s.root, u.TargetFile)
		if err != nil {
			return nil, fmt.Errorf("dependency update %d: %w", i, err)
		}
		if _, ok := rp.display[abs]; !ok {
			rp.display[abs] = u.TargetFile
		}
		rp.updates = append(rp.updates, depUpdate{update: u, path: abs})
	}
	return rp, nil
}

// originalPath maps a post-move path back to where its content lives
// before the plan runs. Moves are undone newest first so chains resolve.
func (rp *resolvedPlan) originalPath(path string) string {
	for i := len(rp.moves) - 1; i >= 0; i-- {
		m := rp.moves[i]
		if path == m.dest {
			path = m.path
			continue
		}
		if rel, ok := under(m.dest, path); ok {
			path = filepath.Join(m.path, rel)
		}
	}
	return path
}

// touchedByFileOp reports whether a file operation in the plan changes
// what lives at path.
func (rp *resolvedPlan) touchedByFileOp(path string) bool {
	for _, op := range rp.fileOps {
		target := op.path
		if op.edit.EditType == plan.EditMove {
			target = op.dest
		}
		if path == target {
			return true
		}
		if _, ok := under(target, path); ok {
			return true
		}
	}
	return false
}

func under(dir, path string) (string, bool) {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// =============================================================================
// Snapshot and execution
// =============================================================================

func (s *FileService) snapshot(ctx context.Context, rp *resolvedPlan, b *Backup) error {
	for _, op := range rp.fileOps {
		switch op.edit.EditType {
		case plan.EditMove:
			if err := b.capture(ctx, op.path, true); err != nil {
				return err
			}
			if err := b.capture(ctx, op.dest, false); err != nil {
				return err
			}
		case plan.EditDeleteFile:
			if err := b.capture(ctx, op.path, true); err != nil {
				return err
			}
		default:
			if err := b.capture(ctx, op.path, false); err != nil {
				return err
			}
		}
	}
	for _, path := range rp.textOrder {
		if err := b.capture(ctx, rp.originalPath(path), false); err != nil {
			return err
		}
	}
	for _, u := range rp.updates {
		if err := b.capture(ctx, rp.originalPath(u.path), false); err != nil {
			return err
		}
	}
	return nil
}

// verifySnapshot compares captured file content against the plan's
// checksums. Paths the plan does not touch were not captured; they are not
// written, so the pre-apply check covers them.
func (s *FileService) verifySnapshot(b *Backup, checksums map[string]string) error {
	var mismatches []checksum.Mismatch
	for path, expected := range checksums {
		abs, err := validation.ResolveInRoot(s.root, path)
		if err != nil {
			mismatches = append(mismatches, checksum.Mismatch{Path: path, Expected: expected, Reason: err.Error()})
			continue
		}
		snap, ok := b.lookup(abs)
		if !ok {
			continue
		}
		if snap.kind != entryFile {
			mismatches = append(mismatches, checksum.Mismatch{Path: path, Expected: expected, Reason: "not a regular file"})
			continue
		}
		if actual := checksum.Compute(snap.content); !strings.EqualFold(actual, expected) {
			mismatches = append(mismatches, checksum.Mismatch{Path: path, Expected: expected, Actual: actual})
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Path < mismatches[j].Path })
	return &checksum.StaleInputError{Files: mismatches}
}

func (s *FileService) execute(ctx context.Context, rp *resolvedPlan, b *Backup) (*plan.EditPlanResult, error) {
	res := newResultBuilder()

	for _, op := range rp.fileOps {
		switch op.edit.EditType {
		case plan.EditMove:
			err := s.withWrite(ctx, op.path, func() error {
				if err := s.ensureParent(b, op.dest); err != nil {
					return err
				}
				if err := os.Rename(op.path, op.dest); err != nil {
					return fmt.Errorf("%w: moving %s to %s: %w", ErrIO, op.edit.FilePath, op.edit.NewText, err)
				}
				b.recordMove(op.path, op.dest)
				return nil
			})
			if err != nil {
				return nil, err
			}
			res.modified(op.edit.NewText)

		case plan.EditCreate:
			err := s.withWrite(ctx, op.path, func() error {
				if err := s.ensureParent(b, op.path); err != nil {
					return err
				}
				if err := writeAtomic(op.path, []byte(op.edit.NewText), 0644); err != nil {
					return fmt.Errorf("%w: creating %s: %w", ErrIO, op.edit.FilePath, err)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			res.created(op.edit.FilePath)

		case plan.EditDeleteFile:
			existed := true
			err := s.withWrite(ctx, op.path, func() error {
				info, err := os.Lstat(op.path)
				if errors.Is(err, fs.ErrNotExist) {
					existed = false
					return nil
				}
				if err != nil {
					return fmt.Errorf("%w: stat %s: %w", ErrIO, op.edit.FilePath, err)
				}
				if info.IsDir() {
					err = os.RemoveAll(op.path)
				} else {
					err = os.Remove(op.path)
				}
				if err != nil {
					return fmt.Errorf("%w: deleting %s: %w", ErrIO, op.edit.FilePath, err)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			if existed {
				res.deleted(op.edit.FilePath)
			} else {
				s.logger.Debug("delete target already absent", slog.String("path", op.edit.FilePath))
			}
		}
	}

	for _, path := range rp.textOrder {
		display := rp.display[path]
		edits := rp.text[path]
		err := s.withWrite(ctx, path, func() error {
			content, mode, err := readLive(path, display)
			if err != nil {
				return err
			}
			if !rp.touchedByFileOp(path) {
				if snap, ok := b.lookup(rp.originalPath(path)); ok && snap.kind == entryFile && !bytes.Equal(snap.content, content) {
					return &ConflictError{Path: display, Edit: edits[0], Reason: "file changed after it was snapshotted"}
				}
			}
			updated, err := applyTextEdits(display, content, edits)
			if err != nil {
				return err
			}
			if err := writeAtomic(path, updated, mode); err != nil {
				return fmt.Errorf("%w: writing %s: %w", ErrIO, display, err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		res.modified(display)
	}

	for _, u := range rp.updates {
		display := u.update.TargetFile
		changed := false
		err := s.withWrite(ctx, u.path, func() error {
			content, mode, err := readLive(u.path, display)
			if err != nil {
				return err
			}
			updated := applyDependencyUpdate(content, u.update)
			if bytes.Equal(updated, content) {
				return nil
			}
			changed = true
			if err := writeAtomic(u.path, updated, mode); err != nil {
				return fmt.Errorf("%w: writing %s: %w", ErrIO, display, err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if changed {
			res.modified(display)
		} else {
			s.logger.Debug("dependency reference not found",
				slog.String("path", display),
				slog.String("reference", u.update.OldReference),
			)
		}
	}

	return res.build(), nil
}

// ensureParent creates missing parents of path, recording each one in the
// backup as absent so rollback removes it again.
func (s *FileService) ensureParent(b *Backup, path string) error {
	var missing []string
	for dir := filepath.Dir(path); dir != s.root && dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		missing = append(missing, dir)
	}
	for _, dir := range missing {
		b.add(snapshot{path: dir, kind: entryAbsent})
	}
	if len(missing) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: creating parent of %s: %w", ErrIO, path, err)
	}
	return nil
}

func readLive(path, display string) ([]byte, fs.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: stat %s: %w", ErrIO, display, err)
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("%w: %s is a directory", ErrIO, display)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading %s: %w", ErrIO, display, err)
	}
	return content, info.Mode().Perm(), nil
}

func (s *FileService) withRead(ctx context.Context, path string, fn func() error) error {
	release, err := s.locks.AcquireRead(ctx, path)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (s *FileService) withWrite(ctx context.Context, path string, fn func() error) error {
	release, err := s.locks.AcquireWrite(ctx, path)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// =============================================================================
// Result
// =============================================================================

type resultBuilder struct {
	seen   map[string]bool
	result plan.EditPlanResult
}

func newResultBuilder() *resultBuilder {
	return &resultBuilder{
		seen: make(map[string]bool),
		result: plan.EditPlanResult{
			ModifiedFiles: []string{},
			CreatedFiles:  []string{},
			DeletedFiles:  []string{},
		},
	}
}

func (r *resultBuilder) add(list *[]string, kind, path string) {
	key := kind + "\x00" + path
	if r.seen[key] {
		return
	}
	r.seen[key] = true
	*list = append(*list, path)
}

func (r *resultBuilder) modified(path string) { r.add(&r.result.ModifiedFiles, "m", path) }
func (r *resultBuilder) created(path string)  { r.add(&r.result.CreatedFiles, "c", path) }
func (r *resultBuilder) deleted(path string)  { r.add(&r.result.DeletedFiles, "d", path) }

func (r *resultBuilder) build() *plan.EditPlanResult {
	r.result.Success = true
	out := r.result
	return &out
}

func touchedCount(r *plan.EditPlanResult) int {
	if r == nil {
		return 0
	}
	return len(r.ModifiedFiles) + len(r.CreatedFiles) + len(r.DeletedFiles)
}
