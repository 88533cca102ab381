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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/pkg/validation"
	"github.com/AleutianAI/AleutianForge/services/forge/checksum"
	"github.com/AleutianAI/AleutianForge/services/forge/lock"
	"github.com/AleutianAI/AleutianForge/services/forge/plan"
)

func init() {
	SetMetricsEnabled(false)
}

type fixture struct {
	root  string
	svc   *FileService
	locks *lock.Manager
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	config := lock.DefaultConfig()
	config.StallWarning = 0
	locks, err := lock.NewManager(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = locks.Close() })

	svc, err := NewFileService(t.TempDir(), locks, NewTracer(nil, true))
	require.NoError(t, err)

	f := &fixture{root: svc.Root(), svc: svc, locks: locks}
	for name, content := range files {
		f.write(t, name, content)
	}
	return f
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.root, name)
}

func (f *fixture) write(t *testing.T, name, content string) {
	t.Helper()
	p := f.path(name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(f.path(name))
	require.NoError(t, err)
	return string(b)
}

func (f *fixture) exists(name string) bool {
	_, err := os.Lstat(f.path(name))
	return err == nil
}

// tree returns every regular file under root with its content.
func (f *fixture) tree(t *testing.T) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(f.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(f.root, p)
		if d.IsDir() {
			out[rel+"/"] = ""
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[rel] = string(b)
		return nil
	})
	require.NoError(t, err)
	return out
}

func replaceAt(path string, line, sc, ec int, original, text string, priority int) plan.TextEdit {
	return plan.TextEdit{
		FilePath:     path,
		EditType:     plan.EditReplace,
		Location:     plan.EditLocation{StartLine: line, StartColumn: sc, EndLine: line, EndColumn: ec},
		OriginalText: original,
		NewText:      text,
		Priority:     priority,
	}
}

func TestApply_TextEditsAndDependencyUpdates(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.go":       "package a\n\nfunc Foo() {}\n",
		"b.go":       "package b\n\nvar x = a.Foo()\n",
		"c.go":       "package c\n",
		"untouched":  "keep\n",
		"dep/use.go": "import \"example.com/a\"\n",
	})

	ep := &plan.EditPlan{
		SourceFile: "a.go",
		Edits: []plan.TextEdit{
			replaceAt("a.go", 2, 5, 8, "Foo", "Bar", 2),
			replaceAt(f.path("b.go"), 2, 10, 13, "Foo", "Bar", 1),
		},
		DependencyUpdates: []plan.DependencyUpdate{
			{TargetFile: "dep/use.go", UpdateType: plan.UpdateImportPath, OldReference: "example.com/a", NewReference: "example.com/b"},
			{TargetFile: "c.go", UpdateType: plan.UpdateImportName, OldReference: "absent", NewReference: "x"},
		},
	}

	out, err := f.svc.Apply(context.Background(), ep, DefaultOptions())
	require.NoError(t, err)
	require.NotNil(t, out.Backup)
	assert.Nil(t, out.Preview)

	assert.True(t, out.Result.Success)
	assert.Equal(t, []string{"a.go", f.path("b.go"), "dep/use.go"}, out.Result.ModifiedFiles)
	assert.Empty(t, out.Result.CreatedFiles)
	assert.Empty(t, out.Result.DeletedFiles)

	assert.Equal(t, "package a\n\nfunc Bar() {}\n", f.read(t, "a.go"))
	assert.Equal(t, "package b\n\nvar x = a.Bar()\n", f.read(t, "b.go"))
	assert.Equal(t, "import \"example.com/b\"\n", f.read(t, "dep/use.go"))
	assert.Equal(t, "package c\n", f.read(t, "c.go"))
	assert.Equal(t, "keep\n", f.read(t, "untouched"))
}

func TestApply_FileOperations(t *testing.T) {
	f := newFixture(t, map[string]string{
		"old.go":          "package old\n\nfunc Old() {}\n",
		"legacy/x.go":     "x\n",
		"legacy/sub/y.go": "y\n",
		"gone.go":         "gone\n",
	})

	ep := &plan.EditPlan{Edits: []plan.TextEdit{
		{FilePath: "new/deep/created.go", EditType: plan.EditCreate, NewText: "package created\n", Priority: 5},
		{FilePath: "old.go", EditType: plan.EditMove, NewText: "moved/old.go", Priority: 4},
		{FilePath: "legacy", EditType: plan.EditDeleteFile, Priority: 3},
		{FilePath: "gone.go", EditType: plan.EditDeleteFile, Priority: 2},
		{FilePath: "never-existed.go", EditType: plan.EditDeleteFile, Priority: 1},
		replaceAt("moved/old.go", 2, 5, 8, "Old", "New", 0),
	}}

	out, err := f.svc.Apply(context.Background(), ep, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{"new/deep/created.go"}, out.Result.CreatedFiles)
	assert.Equal(t, []string{"legacy", "gone.go"}, out.Result.DeletedFiles)
	assert.Equal(t, []string{"moved/old.go"}, out.Result.ModifiedFiles)

	assert.Equal(t, "package created\n", f.read(t, "new/deep/created.go"))
	assert.Equal(t, "package old\n\nfunc New() {}\n", f.read(t, "moved/old.go"))
	assert.False(t, f.exists("old.go"))
	assert.False(t, f.exists("legacy"))
	assert.False(t, f.exists("gone.go"))

	t.Run("backup restores the pre-apply tree", func(t *testing.T) {
		require.NoError(t, out.Backup.Restore(context.Background()))

		assert.Equal(t, "package old\n\nfunc Old() {}\n", f.read(t, "old.go"))
		assert.Equal(t, "x\n", f.read(t, "legacy/x.go"))
		assert.Equal(t, "y\n", f.read(t, "legacy/sub/y.go"))
		assert.Equal(t, "gone\n", f.read(t, "gone.go"))
		assert.False(t, f.exists("moved"))
		assert.False(t, f.exists("new"))

		assert.ErrorIs(t, out.Backup.Restore(context.Background()), ErrBackupRestored)
	})
}

func TestApply_MovedDirectoryEdits(t *testing.T) {
	f := newFixture(t, map[string]string{
		"pkg/util/strings.go": "package util\n\nfunc Trim() {}\n",
		"pkg/util/ints.go":    "package util\n",
	})

	ep := &plan.EditPlan{Edits: []plan.TextEdit{
		{FilePath: "pkg/util", EditType: plan.EditMove, NewText: "internal/util", Priority: 2},
		replaceAt("internal/util/strings.go", 2, 5, 9, "Trim", "Strip", 1),
	}}

	out, err := f.svc.Apply(context.Background(), ep, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "package util\n\nfunc Strip() {}\n", f.read(t, "internal/util/strings.go"))
	assert.Equal(t, "package util\n", f.read(t, "internal/util/ints.go"))
	assert.False(t, f.exists("pkg/util"))

	require.NoError(t, out.Backup.Restore(context.Background()))
	assert.Equal(t, "package util\n\nfunc Trim() {}\n", f.read(t, "pkg/util/strings.go"))
	assert.False(t, f.exists("internal"))
}

// A stale OriginalText in the last file must leave every file the plan
// touched byte-identical, including files already written, created,
// moved and deleted.
func TestApply_ConflictRollsBackEverything(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.go":       "package a\n\nfunc Foo() {}\n",
		"z.go":       "package z\n\nvar y = a.Foo()\n",
		"old.go":     "package old\n",
		"doomed.go":  "package doomed\n",
		"dir/one.go": "one\n",
	})
	before := f.tree(t)

	ep := &plan.EditPlan{
		Edits: []plan.TextEdit{
			{FilePath: "created/file.go", EditType: plan.EditCreate, NewText: "new\n", Priority: 9},
			{FilePath: "old.go", EditType: plan.EditMove, NewText: "moved.go", Priority: 8},
			{FilePath: "doomed.go", EditType: plan.EditDeleteFile, Priority: 7},
			{FilePath: "dir", EditType: plan.EditDeleteFile, Priority: 6},
			replaceAt("a.go", 2, 5, 8, "Foo", "Bar", 5),
			replaceAt("z.go", 2, 10, 13, "Baz", "Bar", 4),
		},
		DependencyUpdates: []plan.DependencyUpdate{
			{TargetFile: "a.go", OldReference: "package a", NewReference: "package b"},
		},
	}

	out, err := f.svc.Apply(context.Background(), ep, DefaultOptions())
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrEditConflict)

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "z.go", ce.Path)

	assert.Equal(t, before, f.tree(t))
}

func TestApply_SnapshotChecksums(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.go": "alpha\n",
		"b.go": "beta\n",
	})
	ep := &plan.EditPlan{
		Edits: []plan.TextEdit{
			replaceAt("a.go", 0, 0, 5, "alpha", "ALPHA", 2),
			replaceAt("b.go", 0, 0, 4, "beta", "BETA", 1),
		},
	}

	t.Run("mismatch rejects before mutation", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Checksums = map[string]string{
			"a.go":      checksum.Compute([]byte("alpha\n")),
			"b.go":      checksum.Compute([]byte("beta before\n")),
			"untouched": checksum.Compute([]byte("anything")),
		}
		out, err := f.svc.Apply(context.Background(), ep, opts)
		require.Error(t, err)
		assert.Nil(t, out)
		assert.ErrorIs(t, err, checksum.ErrStaleInput)

		var stale *checksum.StaleInputError
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, []string{"b.go"}, stale.Paths())
		assert.Equal(t, "alpha\n", f.read(t, "a.go"))
		assert.Equal(t, "beta\n", f.read(t, "b.go"))
	})

	t.Run("match applies", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Checksums = map[string]string{
			"a.go": checksum.Compute([]byte("alpha\n")),
			"b.go": checksum.Compute([]byte("beta\n")),
		}
		_, err := f.svc.Apply(context.Background(), ep, opts)
		require.NoError(t, err)
		assert.Equal(t, "ALPHA\n", f.read(t, "a.go"))
		assert.Equal(t, "BETA\n", f.read(t, "b.go"))
	})
}

func TestApply_WithoutRollback(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.go": "alpha\n",
		"b.go": "beta\n",
	})
	ep := &plan.EditPlan{Edits: []plan.TextEdit{
		replaceAt("a.go", 0, 0, 5, "alpha", "ALPHA", 2),
		replaceAt("b.go", 0, 0, 4, "nope", "BETA", 1),
	}}

	_, err := f.svc.Apply(context.Background(), ep, Options{RollbackOnError: false})
	require.ErrorIs(t, err, ErrEditConflict)
	assert.Equal(t, "ALPHA\n", f.read(t, "a.go"))
	assert.Equal(t, "beta\n", f.read(t, "b.go"))
}

func TestApply_IOFailureRollsBack(t *testing.T) {
	f := newFixture(t, map[string]string{"a.go": "alpha\n"})
	before := f.tree(t)

	ep := &plan.EditPlan{Edits: []plan.TextEdit{
		replaceAt("a.go", 0, 0, 5, "alpha", "ALPHA", 2),
		replaceAt("missing.go", 0, 0, 1, "", "x", 1),
	}}

	_, err := f.svc.Apply(context.Background(), ep, DefaultOptions())
	require.ErrorIs(t, err, ErrIO)
	assert.Equal(t, before, f.tree(t))
}

func TestApply_Rejections(t *testing.T) {
	f := newFixture(t, map[string]string{"a.go": "alpha\n"})
	ctx := context.Background()

	tests := []struct {
		name string
		ep   *plan.EditPlan
		want error
	}{
		{"nil plan", nil, ErrInvalidEdit},
		{"path outside workspace", &plan.EditPlan{Edits: []plan.TextEdit{
			replaceAt("../escape.go", 0, 0, 1, "", "x", 1),
		}}, validation.ErrPathOutsideRoot},
		{"move destination outside workspace", &plan.EditPlan{Edits: []plan.TextEdit{
			{FilePath: "a.go", EditType: plan.EditMove, NewText: "../../out.go"},
		}}, validation.ErrPathOutsideRoot},
		{"move without destination", &plan.EditPlan{Edits: []plan.TextEdit{
			{FilePath: "a.go", EditType: plan.EditMove},
		}}, ErrInvalidEdit},
		{"unknown edit type", &plan.EditPlan{Edits: []plan.TextEdit{
			{FilePath: "a.go", EditType: "explode"},
		}}, ErrInvalidEdit},
		{"empty dependency reference", &plan.EditPlan{DependencyUpdates: []plan.DependencyUpdate{
			{TargetFile: "a.go"},
		}}, ErrInvalidEdit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Apply(ctx, tt.ep, DefaultOptions())
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, "alpha\n", f.read(t, "a.go"))
		})
	}
}

func TestApply_DryRun(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.go":   "package a\n\nfunc Foo() {}\n",
		"old.go": "package old\n",
		"del.go": "bye\n",
	})
	before := f.tree(t)

	ep := &plan.EditPlan{
		Edits: []plan.TextEdit{
			{FilePath: "new.go", EditType: plan.EditCreate, NewText: "package neu\n", Priority: 4},
			{FilePath: "old.go", EditType: plan.EditMove, NewText: "moved.go", Priority: 3},
			{FilePath: "del.go", EditType: plan.EditDeleteFile, Priority: 2},
			replaceAt("a.go", 2, 5, 8, "Foo", "Bar", 1),
		},
		DependencyUpdates: []plan.DependencyUpdate{
			{TargetFile: "moved.go", OldReference: "package old", NewReference: "package moved"},
		},
	}

	out, err := f.svc.Apply(context.Background(), ep, Options{DryRun: true})
	require.NoError(t, err)
	require.NotNil(t, out.Preview)
	assert.Nil(t, out.Backup)
	assert.Equal(t, before, f.tree(t))

	p := out.Preview
	assert.Equal(t, 5, p.EditCount)
	assert.Equal(t, []string{"new.go", "moved.go"}, p.CreatedFiles)
	assert.Equal(t, []string{"old.go", "del.go"}, p.DeletedFiles)
	assert.Equal(t, []string{"a.go"}, p.ModifiedFiles)
	assert.True(t, out.Result.Success)

	assert.Contains(t, p.Diff, "--- a/a.go\n+++ b/a.go\n")
	assert.Contains(t, p.Diff, "-func Foo() {}\n+func Bar() {}\n")
	assert.Contains(t, p.Diff, "+package moved\n")
	assert.Contains(t, p.Diff, "rename from old.go\nrename to moved.go\n")
	assert.Contains(t, p.Diff, "--- /dev/null\n+++ b/new.go\n")

	for _, fp := range p.Files {
		if fp.Path == "a.go" {
			assert.Equal(t, "modify", fp.Operation)
			assert.Equal(t, 1, fp.Added)
			assert.Equal(t, 1, fp.Deleted)
		}
	}

	t.Run("conflicts surface without mutation", func(t *testing.T) {
		bad := &plan.EditPlan{Edits: []plan.TextEdit{replaceAt("a.go", 2, 5, 8, "Nope", "Bar", 1)}}
		_, err := f.svc.Apply(context.Background(), bad, Options{DryRun: true})
		assert.ErrorIs(t, err, ErrEditConflict)
		assert.Equal(t, before, f.tree(t))
	})
}

func TestApply_WaitsForWriteLock(t *testing.T) {
	f := newFixture(t, map[string]string{"a.go": "alpha\n"})

	release, err := f.locks.AcquireWrite(context.Background(), f.path("a.go"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		ep := &plan.EditPlan{Edits: []plan.TextEdit{replaceAt("a.go", 0, 0, 5, "alpha", "ALPHA", 1)}}
		_, err := f.svc.Apply(context.Background(), ep, DefaultOptions())
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("apply finished while the write lock was held")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "alpha\n", f.read(t, "a.go"))

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("apply did not finish after release")
	}
	assert.Equal(t, "ALPHA\n", f.read(t, "a.go"))
}

func TestApply_CancelledBeforeMutation(t *testing.T) {
	f := newFixture(t, map[string]string{"a.go": "alpha\n"})

	release, err := f.locks.AcquireWrite(context.Background(), f.path("a.go"))
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ep := &plan.EditPlan{Edits: []plan.TextEdit{replaceAt("a.go", 0, 0, 5, "alpha", "ALPHA", 1)}}
	_, err = f.svc.Apply(ctx, ep, DefaultOptions())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFileService_ReadFile(t *testing.T) {
	f := newFixture(t, map[string]string{"src/a.go": "alpha\n"})
	ctx := context.Background()

	got, err := f.svc.ReadFile(ctx, "src/a.go")
	require.NoError(t, err)
	assert.Equal(t, "alpha\n", string(got))

	_, err = f.svc.ReadFile(ctx, "src/missing.go")
	assert.ErrorIs(t, err, ErrIO)

	_, err = f.svc.ReadFile(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, validation.ErrPathOutsideRoot)
}

func TestNewFileService_RequiresLocks(t *testing.T) {
	_, err := NewFileService(t.TempDir(), nil, nil)
	assert.Error(t, err)
}
