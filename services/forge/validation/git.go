// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// GitClient is the subset of git the Rollback policy needs.
type GitClient interface {
	// IsWorkTree reports whether the client's directory is inside a git
	// working tree.
	IsWorkTree(ctx context.Context) bool

	// RevParse resolves ref to a commit SHA.
	RevParse(ctx context.Context, ref string) (string, error)

	// ResetHard resets the index and working tree to ref.
	ResetHard(ctx context.Context, ref string) error

	// CleanPaths removes the given untracked paths. No paths is a no-op.
	CleanPaths(ctx context.Context, paths ...string) error

	// OperationInProgress names a merge or rebase in progress, or "".
	OperationInProgress(ctx context.Context) string
}

// DefaultGitClient implements GitClient using the git command line.
//
// # Description
//
// Executes git commands with a per-command timeout in the configured
// directory.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type DefaultGitClient struct {
	repoPath string
	timeout  time.Duration
}

// NewGitClient creates a git client for the given directory.
//
// # Inputs
//
//   - repoPath: Absolute path inside the repository.
//   - timeout: Maximum duration for each git command. Defaults to 30s.
//
// # Outputs
//
//   - *DefaultGitClient: Ready-to-use client.
//   - error: Non-nil if repoPath is not absolute.
func NewGitClient(repoPath string, timeout time.Duration) (*DefaultGitClient, error) {
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("repoPath must be absolute: %s", repoPath)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DefaultGitClient{
		repoPath: repoPath,
		timeout:  timeout,
	}, nil
}

// run executes a git command and returns trimmed stdout.
func (g *DefaultGitClient) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("git %s: timeout after %v", args[0], g.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsWorkTree uses `git rev-parse --is-inside-work-tree`. A bare repository
// or the .git directory itself is not a working tree.
func (g *DefaultGitClient) IsWorkTree(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// RevParse resolves ref to a full commit SHA.
func (g *DefaultGitClient) RevParse(ctx context.Context, ref string) (string, error) {
	sha, err := g.run(ctx, "rev-parse", "--verify", ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", ref, err)
	}
	return sha, nil
}

// ResetHard runs `git reset --hard <ref>`.
func (g *DefaultGitClient) ResetHard(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "reset", "--hard", ref)
	return err
}

// CleanPaths runs `git clean -fd -- <paths>`. Other untracked files in the
// working tree are left alone.
func (g *DefaultGitClient) CleanPaths(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"clean", "-fd", "--"}, paths...)
	_, err := g.run(ctx, args...)
	return err
}

// OperationInProgress checks for rebase-merge, rebase-apply and MERGE_HEAD
// in the git directory.
func (g *DefaultGitClient) OperationInProgress(ctx context.Context) string {
	gitDir, err := g.run(ctx, "rev-parse", "--git-dir")
	if err != nil {
		return ""
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(g.repoPath, gitDir)
	}
	for marker, name := range map[string]string{
		"rebase-merge": "rebase",
		"rebase-apply": "rebase",
		"MERGE_HEAD":   "merge",
	} {
		if _, err := os.Stat(filepath.Join(gitDir, marker)); err == nil {
			return name
		}
	}
	return ""
}
