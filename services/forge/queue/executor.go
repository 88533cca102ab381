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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianForge/pkg/validation"
)

// FileExecutor performs queued operations on the local filesystem.
//
// Every path, including a Rename's new_path, is resolved inside the
// workspace root immediately before use.
type FileExecutor struct {
	root   string
	logger *slog.Logger
}

// NewFileExecutor creates an executor rooted at root.
func NewFileExecutor(root string) (*FileExecutor, error) {
	canonical, err := validation.CanonicalRoot(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	return &FileExecutor{
		root:   canonical,
		logger: slog.Default().With("component", "queue.FileExecutor"),
	}, nil
}

// Execute performs op. The caller holds op's write lock.
//
// # Description
//
//   - CreateDir creates the directory and its parents.
//   - CreateFile and Write write the "content" parameter (default empty)
//     and sync it to disk.
//   - Delete removes the file, succeeding when it is already absent.
//   - Rename moves the file to the "new_path" parameter.
//
// Refactor and Format are not executable here.
func (e *FileExecutor) Execute(ctx context.Context, op *FileOperation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := validation.ResolveInRoot(e.root, op.Path)
	if err != nil {
		return fmt.Errorf("security check failed for %q: %w", op.Path, err)
	}

	e.logger.Debug("executing queued operation",
		"operation_id", op.ID,
		"type", string(op.Type),
		"path", path)

	switch op.Type {
	case OpCreateDir:
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		return nil

	case OpCreateFile, OpWrite:
		content := ""
		if raw, ok := op.Params["content"]; ok && raw != nil {
			s, ok := raw.(string)
			if !ok {
				return fmt.Errorf("%w: content must be a string, got %T", ErrInvalidOperation, raw)
			}
			content = s
		}
		return writeSynced(path, []byte(content))

	case OpDelete:
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete file: %w", err)
		}
		return nil

	case OpRename:
		newPath, ok := op.StringParam("new_path")
		if !ok || newPath == "" {
			return fmt.Errorf("%w: 'new_path' for rename", ErrMissingParameter)
		}
		dest, err := validation.ResolveInRoot(e.root, newPath)
		if err != nil {
			return fmt.Errorf("security check failed for %q: %w", newPath, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		if err := os.Rename(path, dest); err != nil {
			return fmt.Errorf("failed to rename file: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedOperation, op.Type)
	}
}

// writeSynced writes data to path and fsyncs before returning.
func writeSynced(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write content: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return f.Close()
}
