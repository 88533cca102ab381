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
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/AleutianForge/services/forge/plan"
)

// previewContext is the number of unchanged lines shown around a change.
const previewContext = 3

// FilePreview is the would-be change to one path.
type FilePreview struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Diff      string `json:"diff,omitempty"`
	Added     int    `json:"added"`
	Deleted   int    `json:"deleted"`
}

// Preview describes what an Apply would do without doing it.
type Preview struct {
	EditCount     int           `json:"edit_count"`
	Files         []FilePreview `json:"files"`
	ModifiedFiles []string      `json:"modified_files"`
	CreatedFiles  []string      `json:"created_files"`
	DeletedFiles  []string      `json:"deleted_files"`

	// Diff is every file's diff as one unified diff.
	Diff string `json:"diff"`
}

func (p *Preview) result() *plan.EditPlanResult {
	return &plan.EditPlanResult{
		Success:       true,
		ModifiedFiles: p.ModifiedFiles,
		CreatedFiles:  p.CreatedFiles,
		DeletedFiles:  p.DeletedFiles,
	}
}

// virtualEntry is a path's state during a simulated apply.
type virtualEntry struct {
	kind    entryKind
	content []byte
}

// simulation runs a plan against an in-memory copy of the paths it touches.
type simulation struct {
	s      *FileService
	ctx    context.Context
	rp     *resolvedPlan
	before map[string]virtualEntry
	state  map[string]virtualEntry
	order  []string
	moved  map[string]string
}

// load returns path's current simulated state, reading disk under the
// read lock on first access.
func (sim *simulation) load(path string) (virtualEntry, error) {
	if e, ok := sim.state[path]; ok {
		return e, nil
	}
	disk, err := sim.read(path)
	if err != nil {
		return virtualEntry{}, err
	}
	sim.before[path] = disk
	sim.order = append(sim.order, path)

	// Content under a moved directory lives at the pre-move location.
	current := disk
	if orig := sim.rp.originalPath(path); orig != path && disk.kind == entryAbsent && sim.movedInto(path) {
		if current, err = sim.read(orig); err != nil {
			return virtualEntry{}, err
		}
	}
	sim.state[path] = current
	return current, nil
}

func (sim *simulation) movedInto(path string) bool {
	for dest := range sim.moved {
		if _, ok := under(dest, path); ok {
			return true
		}
	}
	return false
}

func (sim *simulation) read(path string) (virtualEntry, error) {
	var snap snapshot
	err := sim.s.withRead(sim.ctx, path, func() error {
		var err error
		snap, err = readSnapshot(path)
		return err
	})
	if err != nil {
		return virtualEntry{}, err
	}
	return virtualEntry{kind: snap.kind, content: snap.content}, nil
}

func (sim *simulation) set(path string, e virtualEntry) error {
	if _, err := sim.load(path); err != nil {
		return err
	}
	sim.state[path] = e
	return nil
}

func (s *FileService) preview(ctx context.Context, rp *resolvedPlan) (*Preview, error) {
	sim := &simulation{
		s:      s,
		ctx:    ctx,
		rp:     rp,
		before: make(map[string]virtualEntry),
		state:  make(map[string]virtualEntry),
		moved:  make(map[string]string),
	}

	for _, op := range rp.fileOps {
		switch op.edit.EditType {
		case plan.EditMove:
			src, err := sim.load(op.path)
			if err != nil {
				return nil, err
			}
			if src.kind == entryAbsent {
				return nil, fmt.Errorf("%w: move source %s does not exist", ErrIO, op.edit.FilePath)
			}
			if err := sim.set(op.dest, src); err != nil {
				return nil, err
			}
			if err := sim.set(op.path, virtualEntry{kind: entryAbsent}); err != nil {
				return nil, err
			}
			sim.moved[op.dest] = op.path
		case plan.EditCreate:
			if err := sim.set(op.path, virtualEntry{kind: entryFile, content: []byte(op.edit.NewText)}); err != nil {
				return nil, err
			}
		case plan.EditDeleteFile:
			if err := sim.set(op.path, virtualEntry{kind: entryAbsent}); err != nil {
				return nil, err
			}
		}
	}

	for _, path := range rp.textOrder {
		display := rp.display[path]
		cur, err := sim.load(path)
		if err != nil {
			return nil, err
		}
		if cur.kind != entryFile {
			return nil, fmt.Errorf("%w: %s is not a regular file", ErrIO, display)
		}
		updated, err := applyTextEdits(display, cur.content, rp.text[path])
		if err != nil {
			return nil, err
		}
		sim.state[path] = virtualEntry{kind: entryFile, content: updated}
	}

	for _, u := range rp.updates {
		cur, err := sim.load(u.path)
		if err != nil {
			return nil, err
		}
		if cur.kind != entryFile {
			return nil, fmt.Errorf("%w: %s is not a regular file", ErrIO, u.update.TargetFile)
		}
		sim.state[u.path] = virtualEntry{kind: entryFile, content: applyDependencyUpdate(cur.content, u.update)}
	}

	return sim.build(rp)
}

func (sim *simulation) build(rp *resolvedPlan) (*Preview, error) {
	p := &Preview{
		EditCount:     rp.editCount,
		Files:         []FilePreview{},
		ModifiedFiles: []string{},
		CreatedFiles:  []string{},
		DeletedFiles:  []string{},
	}

	var diffs []*diff.FileDiff
	for _, path := range sim.order {
		before, after := sim.before[path], sim.state[path]
		rel := sim.relative(path)
		display := rp.display[path]
		if display == "" {
			display = rel
		}

		fd := &diff.FileDiff{OrigName: "a/" + rel, NewName: "b/" + rel}
		var op string
		switch {
		case before.kind == entryAbsent && after.kind == entryAbsent:
			continue
		case before.kind == entryFile && after.kind == entryFile:
			if bytes.Equal(before.content, after.content) {
				continue
			}
			op = "modify"
			fd.Hunks = []*diff.Hunk{buildHunk(before.content, after.content)}
			p.ModifiedFiles = append(p.ModifiedFiles, display)
		case after.kind == entryAbsent:
			op = "delete"
			fd.NewName = "/dev/null"
			if before.kind == entryFile {
				fd.Hunks = []*diff.Hunk{buildHunk(before.content, nil)}
			} else {
				fd.Extended = []string{fmt.Sprintf("deleted %s %s", before.kind, rel)}
			}
			p.DeletedFiles = append(p.DeletedFiles, display)
		case before.kind == entryAbsent:
			op = "create"
			fd.OrigName = "/dev/null"
			if after.kind == entryFile {
				fd.Hunks = []*diff.Hunk{buildHunk(nil, after.content)}
			} else {
				fd.Extended = []string{fmt.Sprintf("new %s %s", after.kind, rel)}
			}
			p.CreatedFiles = append(p.CreatedFiles, display)
		default:
			op = "replace"
			fd.Extended = []string{fmt.Sprintf("%s %s becomes %s", before.kind, rel, after.kind)}
			p.ModifiedFiles = append(p.ModifiedFiles, display)
		}

		if src, ok := sim.moved[path]; ok {
			fd.Extended = append(fd.Extended,
				"rename from "+sim.relative(src),
				"rename to "+rel,
			)
		}

		printed, err := diff.PrintFileDiff(fd)
		if err != nil {
			return nil, fmt.Errorf("rendering diff for %s: %w", rel, err)
		}
		stat := fd.Stat()
		p.Files = append(p.Files, FilePreview{
			Path:      display,
			Operation: op,
			Diff:      string(printed),
			Added:     int(stat.Added + stat.Changed),
			Deleted:   int(stat.Deleted + stat.Changed),
		})
		diffs = append(diffs, fd)
	}

	all, err := diff.PrintMultiFileDiff(diffs)
	if err != nil {
		return nil, fmt.Errorf("rendering preview diff: %w", err)
	}
	p.Diff = string(all)
	return p, nil
}

func (sim *simulation) relative(path string) string {
	rel, err := filepath.Rel(sim.s.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// buildHunk renders before -> after as one hunk: the changed middle
// region with up to previewContext lines of context on each side.
func buildHunk(before, after []byte) *diff.Hunk {
	a, b := splitLines(before), splitLines(after)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	ctxStart := max(0, prefix-previewContext)
	aEnd, bEnd := len(a)-suffix, len(b)-suffix
	ctxEnd := min(len(a), aEnd+previewContext)

	var body bytes.Buffer
	writeLines := func(marker byte, lines []string) {
		for _, l := range lines {
			body.WriteByte(marker)
			body.WriteString(l)
			if !strings.HasSuffix(l, "\n") {
				body.WriteByte('\n')
			}
		}
	}
	writeLines(' ', a[ctxStart:prefix])
	writeLines('-', a[prefix:aEnd])
	writeLines('+', b[prefix:bEnd])
	writeLines(' ', a[aEnd:ctxEnd])

	trailing := ctxEnd - aEnd
	h := &diff.Hunk{
		OrigStartLine: int32(ctxStart + 1),
		OrigLines:     int32(ctxEnd - ctxStart),
		NewStartLine:  int32(ctxStart + 1),
		NewLines:      int32((prefix - ctxStart) + (bEnd - prefix) + trailing),
		Body:          body.Bytes(),
	}
	if h.OrigLines == 0 {
		h.OrigStartLine = int32(ctxStart)
	}
	if h.NewLines == 0 {
		h.NewStartLine = int32(ctxStart)
	}
	return h
}

func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	lines := strings.SplitAfter(string(content), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
