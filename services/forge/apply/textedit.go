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
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianForge/services/forge/plan"
)

var (
	// ErrEditConflict is returned when an edit cannot be applied to the
	// live content: overlapping ranges, a stale OriginalText, or a range
	// outside the file.
	ErrEditConflict = errors.New("edit conflict")

	// ErrIO is returned when a filesystem operation fails mid-apply.
	ErrIO = errors.New("file i/o failure")

	// ErrInvalidEdit is returned for edits that are malformed before any
	// file is touched.
	ErrInvalidEdit = errors.New("invalid edit")
)

// ConflictError describes why one edit conflicts.
type ConflictError struct {
	Path   string
	Edit   plan.TextEdit
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s in %s: %s", ErrEditConflict, e.Path, e.Reason)
}

// Unwrap returns ErrEditConflict.
func (e *ConflictError) Unwrap() error {
	return ErrEditConflict
}

func conflict(path string, edit plan.TextEdit, format string, args ...any) error {
	return &ConflictError{Path: path, Edit: edit, Reason: fmt.Sprintf(format, args...)}
}

// lineIndex maps 0-based (line, code point column) positions to byte offsets.
type lineIndex struct {
	content []byte
	starts  []int
}

func newLineIndex(content []byte) *lineIndex {
	starts := []int{0}
	for i, b := range content {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &lineIndex{content: content, starts: starts}
}

// offset returns the byte offset of (line, col). A column may point just
// past the last character of its line. The line after the last one is
// addressable at column 0 so edits can append at end of file.
func (ix *lineIndex) offset(line, col int) (int, bool) {
	if line < 0 || col < 0 {
		return 0, false
	}
	if line == len(ix.starts) {
		return len(ix.content), col == 0
	}
	if line > len(ix.starts) {
		return 0, false
	}

	off := ix.starts[line]
	end := len(ix.content)
	if line+1 < len(ix.starts) {
		end = ix.starts[line+1] - 1
	}
	for i := 0; i < col; i++ {
		if off >= end {
			return 0, false
		}
		_, size := utf8.DecodeRune(ix.content[off:end])
		off += size
	}
	return off, true
}

type span struct {
	start, end int
	text       string
	priority   int
	index      int
	edit       plan.TextEdit
}

// applyTextEdits applies range edits to content.
//
// # Description
//
// Every location refers to content as passed in. Edits are accepted in
// descending priority order (ties keep plan order); an edit whose range
// overlaps an accepted edit fails the whole file with a ConflictError.
// Zero-width inserts at the same offset do not overlap; they are emitted
// in acceptance order.
//
// # Inputs
//
//   - path: Path used in error messages.
//   - content: The file's current bytes.
//   - edits: Range edits for this file. File operations are rejected.
//
// # Outputs
//
//   - []byte: New content.
//   - error: *ConflictError (wraps ErrEditConflict) or ErrInvalidEdit.
func applyTextEdits(path string, content []byte, edits []plan.TextEdit) ([]byte, error) {
	ix := newLineIndex(content)
	spans := make([]span, 0, len(edits))

	for i, e := range edits {
		if e.EditType.IsFileOperation() {
			return nil, fmt.Errorf("%w: %s edit applied as a text range in %s", ErrInvalidEdit, e.EditType, path)
		}
		loc := e.Location
		start, ok := ix.offset(loc.StartLine, loc.StartColumn)
		if !ok {
			return nil, conflict(path, e, "start %d:%d is outside the file", loc.StartLine, loc.StartColumn)
		}
		end := start
		if e.EditType != plan.EditInsert {
			end, ok = ix.offset(loc.EndLine, loc.EndColumn)
			if !ok {
				return nil, conflict(path, e, "end %d:%d is outside the file", loc.EndLine, loc.EndColumn)
			}
			if end < start {
				return nil, conflict(path, e, "range %d:%d-%d:%d ends before it starts",
					loc.StartLine, loc.StartColumn, loc.EndLine, loc.EndColumn)
			}
			if e.OriginalText != "" && string(content[start:end]) != e.OriginalText {
				return nil, conflict(path, e, "text at %d:%d is %q, expected %q",
					loc.StartLine, loc.StartColumn, truncateForTrace(string(content[start:end]), 64),
					truncateForTrace(e.OriginalText, 64))
			}
		}

		text := e.NewText
		if e.EditType == plan.EditDelete {
			text = ""
		}
		spans = append(spans, span{start: start, end: end, text: text, priority: e.Priority, index: i, edit: e})
	}

	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].priority > spans[j].priority
	})

	accepted := make([]span, 0, len(spans))
	for _, s := range spans {
		for _, a := range accepted {
			if s.start < a.end && a.start < s.end {
				return nil, conflict(path, s.edit, "range overlaps edit %q", describe(a.edit))
			}
		}
		accepted = append(accepted, s)
	}

	// accepted is in priority order; stable sort by offset keeps that order
	// among same-offset inserts. An insert sorts before a range that starts
	// at the same offset.
	sort.SliceStable(accepted, func(i, j int) bool {
		if accepted[i].start != accepted[j].start {
			return accepted[i].start < accepted[j].start
		}
		return accepted[i].end == accepted[i].start && accepted[j].end != accepted[j].start
	})

	var buf bytes.Buffer
	buf.Grow(len(content))
	last := 0
	for _, s := range accepted {
		buf.Write(content[last:s.start])
		buf.WriteString(s.text)
		last = s.end
	}
	buf.Write(content[last:])
	return buf.Bytes(), nil
}

// applyDependencyUpdate substitutes every occurrence of the old reference.
func applyDependencyUpdate(content []byte, u plan.DependencyUpdate) []byte {
	return bytes.ReplaceAll(content, []byte(u.OldReference), []byte(u.NewReference))
}

func describe(e plan.TextEdit) string {
	if e.Description != "" {
		return e.Description
	}
	return fmt.Sprintf("%s at %d:%d", e.EditType, e.Location.StartLine, e.Location.StartColumn)
}
