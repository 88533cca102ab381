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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/AleutianForge/pkg/validation"
	"github.com/AleutianAI/AleutianForge/services/forge/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) (*FileExecutor, string) {
	t.Helper()
	root := t.TempDir()
	exec, err := NewFileExecutor(root)
	require.NoError(t, err)
	return exec, root
}

func TestFileExecutor_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("create dir with parents", func(t *testing.T) {
		exec, root := newTestExecutor(t)
		err := exec.Execute(ctx, NewOperation("test", OpCreateDir, "a/b/c", nil))
		require.NoError(t, err)
		info, err := os.Stat(filepath.Join(root, "a", "b", "c"))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("write content", func(t *testing.T) {
		exec, root := newTestExecutor(t)
		err := exec.Execute(ctx, NewOperation("test", OpWrite, "notes.txt",
			map[string]any{"content": "hello"}))
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(root, "notes.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("create file defaults to empty content", func(t *testing.T) {
		exec, root := newTestExecutor(t)
		err := exec.Execute(ctx, NewOperation("test", OpCreateFile, "empty.txt", nil))
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(root, "empty.txt"))
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("write truncates existing file", func(t *testing.T) {
		exec, root := newTestExecutor(t)
		path := filepath.Join(root, "f.txt")
		require.NoError(t, os.WriteFile(path, []byte("a much longer original"), 0644))
		err := exec.Execute(ctx, NewOperation("test", OpWrite, "f.txt",
			map[string]any{"content": "short"}))
		require.NoError(t, err)
		data, _ := os.ReadFile(path)
		assert.Equal(t, "short", string(data))
	})

	t.Run("non-string content rejected", func(t *testing.T) {
		exec, _ := newTestExecutor(t)
		err := exec.Execute(ctx, NewOperation("test", OpWrite, "f.txt",
			map[string]any{"content": 42}))
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})

	t.Run("delete existing and absent", func(t *testing.T) {
		exec, root := newTestExecutor(t)
		path := filepath.Join(root, "gone.txt")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

		require.NoError(t, exec.Execute(ctx, NewOperation("test", OpDelete, "gone.txt", nil)))
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))

		assert.NoError(t, exec.Execute(ctx, NewOperation("test", OpDelete, "gone.txt", nil)))
	})

	t.Run("rename", func(t *testing.T) {
		exec, root := newTestExecutor(t)
		require.NoError(t, os.WriteFile(filepath.Join(root, "old.txt"), []byte("data"), 0644))

		err := exec.Execute(ctx, NewOperation("test", OpRename, "old.txt",
			map[string]any{"new_path": "moved/new.txt"}))
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(root, "moved", "new.txt"))
		require.NoError(t, err)
		assert.Equal(t, "data", string(data))
		_, err = os.Stat(filepath.Join(root, "old.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("rename without new_path", func(t *testing.T) {
		exec, root := newTestExecutor(t)
		require.NoError(t, os.WriteFile(filepath.Join(root, "old.txt"), []byte("data"), 0644))
		err := exec.Execute(ctx, NewOperation("test", OpRename, "old.txt", nil))
		assert.ErrorIs(t, err, ErrMissingParameter)
	})

	t.Run("rename destination outside workspace", func(t *testing.T) {
		exec, root := newTestExecutor(t)
		require.NoError(t, os.WriteFile(filepath.Join(root, "old.txt"), []byte("data"), 0644))
		err := exec.Execute(ctx, NewOperation("test", OpRename, "old.txt",
			map[string]any{"new_path": "../escape.txt"}))
		assert.ErrorIs(t, err, validation.ErrPathOutsideRoot)
	})

	t.Run("traversal rejected", func(t *testing.T) {
		exec, _ := newTestExecutor(t)
		err := exec.Execute(ctx, NewOperation("test", OpWrite, "../../evil.txt",
			map[string]any{"content": "x"}))
		assert.ErrorIs(t, err, validation.ErrPathOutsideRoot)
	})

	t.Run("unsupported types", func(t *testing.T) {
		exec, _ := newTestExecutor(t)
		for _, opType := range []OperationType{OpFormat, OpRefactor} {
			err := exec.Execute(ctx, NewOperation("test", opType, "a.go", nil))
			assert.ErrorIs(t, err, ErrUnsupportedOperation, string(opType))
		}
	})
}

func TestQueue_WithFileExecutor(t *testing.T) {
	root := t.TempDir()
	exec, err := NewFileExecutor(root)
	require.NoError(t, err)
	locks, err := lock.NewManager(lock.DefaultConfig())
	require.NoError(t, err)
	defer locks.Close()

	q, err := NewQueue(root, DefaultConfig(), locks, exec)
	require.NoError(t, err)
	defer q.Stop()

	tx := q.Begin()
	require.NoError(t, tx.Add(NewOperation("test", OpCreateDir, "pkg", nil)))
	require.NoError(t, tx.Add(NewOperation("test", OpWrite, "pkg/a.txt", map[string]any{"content": "v1"})))
	require.NoError(t, tx.Add(NewOperation("test", OpRename, "pkg/a.txt", map[string]any{"new_path": "pkg/b.txt"})))
	_, err = tx.Commit()
	require.NoError(t, err)

	require.NoError(t, q.Start(context.Background()))
	waitIdle(t, q)

	// Rename (rank 2) runs before the write (rank 5) and fails on a missing
	// source; the write then succeeds.
	stats := q.Stats()
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.Completed)

	data, err := os.ReadFile(filepath.Join(root, "pkg", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}
