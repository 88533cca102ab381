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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/forge/plan"
)

func rangeEdit(t plan.EditType, sl, sc, el, ec int, text string, priority int) plan.TextEdit {
	return plan.TextEdit{
		EditType: t,
		Location: plan.EditLocation{StartLine: sl, StartColumn: sc, EndLine: el, EndColumn: ec},
		NewText:  text,
		Priority: priority,
	}
}

func TestApplyTextEdits(t *testing.T) {
	tests := []struct {
		name    string
		content string
		edits   []plan.TextEdit
		want    string
	}{
		{
			name:    "single replace",
			content: "hello world\n",
			edits:   []plan.TextEdit{rangeEdit(plan.EditReplace, 0, 6, 0, 11, "gopher", 1)},
			want:    "hello gopher\n",
		},
		{
			name:    "positions refer to original content",
			content: "abc\ndef\n",
			edits: []plan.TextEdit{
				rangeEdit(plan.EditReplace, 0, 0, 0, 1, "XXXX\n", 2),
				rangeEdit(plan.EditReplace, 1, 0, 1, 3, "Y", 1),
			},
			want: "XXXX\nbc\nY\n",
		},
		{
			name:    "columns count code points",
			content: "héllo wörld\n",
			edits:   []plan.TextEdit{rangeEdit(plan.EditReplace, 0, 6, 0, 11, "there", 1)},
			want:    "héllo there\n",
		},
		{
			name:    "multi-line range",
			content: "one\ntwo\nthree\n",
			edits:   []plan.TextEdit{rangeEdit(plan.EditReplace, 0, 1, 2, 2, "-", 1)},
			want:    "o-ree\n",
		},
		{
			name:    "insert at end of line",
			content: "abc",
			edits:   []plan.TextEdit{rangeEdit(plan.EditInsert, 0, 3, 0, 0, "!", 1)},
			want:    "abc!",
		},
		{
			name:    "append after last line",
			content: "a\n",
			edits:   []plan.TextEdit{rangeEdit(plan.EditInsert, 1, 0, 1, 0, "b\n", 1)},
			want:    "a\nb\n",
		},
		{
			name:    "same point inserts keep priority order",
			content: "x",
			edits: []plan.TextEdit{
				rangeEdit(plan.EditInsert, 0, 0, 0, 0, "B", 1),
				rangeEdit(plan.EditInsert, 0, 0, 0, 0, "A", 2),
			},
			want: "ABx",
		},
		{
			name:    "insert before a range at the same offset",
			content: "xy",
			edits: []plan.TextEdit{
				rangeEdit(plan.EditReplace, 0, 0, 0, 1, "R", 2),
				rangeEdit(plan.EditInsert, 0, 0, 0, 0, "I", 1),
			},
			want: "IRy",
		},
		{
			name:    "adjacent ranges do not overlap",
			content: "abcdef",
			edits: []plan.TextEdit{
				rangeEdit(plan.EditReplace, 0, 0, 0, 3, "1", 1),
				rangeEdit(plan.EditReplace, 0, 3, 0, 6, "2", 1),
			},
			want: "12",
		},
		{
			name:    "delete ignores new text",
			content: "abc",
			edits:   []plan.TextEdit{rangeEdit(plan.EditDelete, 0, 1, 0, 2, "ignored", 1)},
			want:    "ac",
		},
		{
			name:    "no edits",
			content: "same",
			want:    "same",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyTextEdits("f.go", []byte(tt.content), tt.edits)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestApplyTextEdits_OriginalText(t *testing.T) {
	edit := rangeEdit(plan.EditReplace, 0, 4, 0, 7, "Bar", 1)

	edit.OriginalText = "Foo"
	got, err := applyTextEdits("f.go", []byte("var Foo = 1\n"), []plan.TextEdit{edit})
	require.NoError(t, err)
	assert.Equal(t, "var Bar = 1\n", string(got))

	edit.OriginalText = "Baz"
	_, err = applyTextEdits("f.go", []byte("var Foo = 1\n"), []plan.TextEdit{edit})
	require.ErrorIs(t, err, ErrEditConflict)

	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "f.go", ce.Path)
	assert.Contains(t, ce.Reason, `"Foo"`)
}

func TestApplyTextEdits_Conflicts(t *testing.T) {
	tests := []struct {
		name  string
		edits []plan.TextEdit
	}{
		{"overlapping ranges", []plan.TextEdit{
			rangeEdit(plan.EditReplace, 0, 0, 0, 4, "x", 2),
			rangeEdit(plan.EditReplace, 0, 2, 0, 6, "y", 1),
		}},
		{"insert inside a range", []plan.TextEdit{
			rangeEdit(plan.EditReplace, 0, 0, 0, 4, "x", 1),
			rangeEdit(plan.EditInsert, 0, 2, 0, 2, "y", 2),
		}},
		{"line past end", []plan.TextEdit{rangeEdit(plan.EditReplace, 5, 0, 5, 1, "x", 1)}},
		{"column past end of line", []plan.TextEdit{rangeEdit(plan.EditReplace, 0, 0, 0, 40, "x", 1)}},
		{"end before start", []plan.TextEdit{rangeEdit(plan.EditReplace, 0, 4, 0, 1, "x", 1)}},
		{"negative position", []plan.TextEdit{rangeEdit(plan.EditReplace, -1, 0, 0, 1, "x", 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applyTextEdits("f.go", []byte("abcdefgh\nsecond\n"), tt.edits)
			assert.ErrorIs(t, err, ErrEditConflict)
		})
	}
}

func TestApplyTextEdits_FileOperationRejected(t *testing.T) {
	_, err := applyTextEdits("f.go", []byte("x"), []plan.TextEdit{{EditType: plan.EditCreate}})
	assert.ErrorIs(t, err, ErrInvalidEdit)
}

func TestApplyDependencyUpdate(t *testing.T) {
	got := applyDependencyUpdate([]byte(`import "old/pkg"`+"\nold/pkg.Call()\n"), plan.DependencyUpdate{
		UpdateType:   plan.UpdateImportPath,
		OldReference: "old/pkg",
		NewReference: "new/pkg",
	})
	assert.Equal(t, `import "new/pkg"`+"\nnew/pkg.Call()\n", string(got))
}
