// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up in
// file system calls or subprocess invocations. Using these validators
// prevents path traversal out of the workspace and malformed shell commands.
package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyPath indicates an empty path was supplied.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrPathOutsideRoot indicates the resolved path escapes the workspace root.
	ErrPathOutsideRoot = errors.New("path escapes workspace root")

	// ErrInvalidCommand indicates a validation command is empty or malformed.
	ErrInvalidCommand = errors.New("invalid command")
)

// CanonicalRoot resolves a workspace root to an absolute, symlink-free path.
//
// # Description
//
// The root must exist. Symlinks are resolved so that later containment
// checks compare like with like (e.g. /var vs /private/var on macOS).
//
// # Inputs
//
//   - root: Workspace root, absolute or relative to the working directory.
//
// # Outputs
//
//   - string: Canonical absolute root.
//   - error: Non-nil if the root cannot be resolved.
func CanonicalRoot(root string) (string, error) {
	if root == "" {
		return "", ErrEmptyPath
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root %s: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("canonicalizing root %s: %w", abs, err)
	}
	return resolved, nil
}

// ResolveInRoot canonicalizes a path and verifies it stays inside root.
//
// # Description
//
// Relative paths are joined onto root. The deepest existing ancestor of the
// path is canonicalized (symlinks resolved) and the missing trailing
// components are re-appended, so paths to files that do not exist yet
// (create, rename targets) resolve the same way as existing ones.
//
// # Inputs
//
//   - root: Canonical workspace root (see CanonicalRoot).
//   - path: Absolute or root-relative path.
//
// # Outputs
//
//   - string: Canonical absolute path inside root.
//   - error: ErrEmptyPath, ErrPathOutsideRoot, or a resolution error.
//
// # Example
//
//	abs, err := validation.ResolveInRoot(root, "src/main.go")
//	if errors.Is(err, validation.ErrPathOutsideRoot) {
//	    return err
//	}
func ResolveInRoot(root, path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	existing := abs
	var missing []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		missing = append(missing, filepath.Base(existing))
		existing = parent
	}

	canonical, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("canonicalizing %s: %w", existing, err)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		canonical = filepath.Join(canonical, missing[i])
	}

	if !IsWithin(root, canonical) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrPathOutsideRoot, path, root)
	}
	return canonical, nil
}

// IsWithin reports whether path is root itself or nested below it.
// Both arguments must already be clean absolute paths.
func IsWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// ValidateCommand checks a shell command before it is handed to sh -c.
//
// Rejects empty commands and commands containing NUL bytes, which the
// kernel would silently truncate.
func ValidateCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: command cannot be empty", ErrInvalidCommand)
	}
	if strings.ContainsRune(command, 0) {
		return fmt.Errorf("%w: command contains NUL byte", ErrInvalidCommand)
	}
	return nil
}
